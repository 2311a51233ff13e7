package registry

import "strings"

// OpenAPI projects an API meta into a minimal OpenAPI v3 document served
// on the /swagger surface.
func OpenAPI(meta map[string]*ModuleMeta, serverVersion string) map[string]any {
	paths := make(map[string]any)
	for _, module := range meta {
		addOpenAPICommands(paths, module, module.Commands)
		addOpenAPIGroups(paths, module, module.Groups)
	}
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "Modular API",
			"version": serverVersion,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"bearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
		"security": []any{map[string]any{"bearerAuth": []any{}}},
	}
}

func addOpenAPIGroups(paths map[string]any, module *ModuleMeta, groups []*Group) {
	for _, g := range groups {
		addOpenAPICommands(paths, module, g.Commands)
		addOpenAPIGroups(paths, module, g.Groups)
	}
}

func addOpenAPICommands(paths map[string]any, module *ModuleMeta, commands []*CommandMeta) {
	for _, cmd := range commands {
		route := module.MountPoint + cmd.Route.Path
		operation := map[string]any{
			"summary":     cmd.Description,
			"operationId": module.ModuleName + "." + strings.ReplaceAll(cmd.Path, "/", "."),
			"tags":        []any{module.ModuleName},
			"parameters":  openAPIParameters(cmd.Parameters),
			"responses": map[string]any{
				"200": map[string]any{"description": "Successful backend response"},
				"403": map[string]any{"description": "Denied by policy"},
			},
		}
		item, ok := paths[route].(map[string]any)
		if !ok {
			item = make(map[string]any)
			paths[route] = item
		}
		item[strings.ToLower(cmd.Route.Method)] = operation
	}
}

func openAPIParameters(params []Parameter) []any {
	out := make([]any, 0, len(params))
	for _, p := range params {
		schema := map[string]any{"type": openAPIType(p.Type)}
		if p.Type == TypeStringList {
			schema["items"] = map[string]any{"type": "string"}
		}
		if p.Default != nil {
			schema["default"] = p.Default
		}
		out = append(out, map[string]any{
			"name":        p.Name,
			"in":          "query",
			"required":    p.Required,
			"description": p.Help,
			"schema":      schema,
		})
	}
	return out
}

func openAPIType(t string) string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeBoolean:
		return "boolean"
	case TypeStringList:
		return "array"
	default:
		return "string"
	}
}
