// Package registry discovers installed modules, validates their
// descriptors, resolves dependencies and builds the canonical command
// catalog served to clients.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/epam/modular-api/pkg/errors"
)

// Parameter types accepted in command schemas.
const (
	TypeString     = "string"
	TypeInteger    = "integer"
	TypeBoolean    = "boolean"
	TypeStringList = "list-of-string"
)

// Parameter describes one command option.
type Parameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
	Help     string `json:"help,omitempty"`
}

// Route is the backend route a command forwards to. Path is relative to
// the backend service; the mount point prefixes the client-facing route.
type Route struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Auth   string `json:"auth,omitempty"`
}

// CommandMeta is the machine-readable description of one command: the
// terminal leaf of the command tree.
type CommandMeta struct {
	Module      string      `json:"module"`
	Name        string      `json:"name"`
	Path        string      `json:"path"` // module-relative, e.g. "tenant/describe"
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Route       Route       `json:"route"`
	Describe    bool        `json:"describe,omitempty"`
}

// Group is a non-terminal node of the command tree. Terminal commands
// come before sub-groups, in serialized form too.
type Group struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Commands    []*CommandMeta `json:"commands,omitempty"`
	Groups      []*Group       `json:"groups,omitempty"`
}

// CommandTree is the schema document a module author ships next to the
// descriptor. Version is the module's own version, checked against
// dependency declarations of other modules.
type CommandTree struct {
	Version  string         `json:"version"`
	Commands []*CommandMeta `json:"commands,omitempty"`
	Groups   []*Group       `json:"groups,omitempty"`
}

var validMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {},
}

// validate walks the tree, fills in module names and module-relative
// paths, and enforces structural invariants: unique names per level,
// unique parameter names per command, a route on every command.
func (t *CommandTree) validate(module string) error {
	if t.Version == "" {
		return fmt.Errorf("%w: version is required", errors.ErrInvalidDescriptor)
	}
	return validateLevel(module, "", t.Groups, t.Commands)
}

func validateLevel(module, prefix string, groups []*Group, commands []*CommandMeta) error {
	names := make(map[string]struct{})
	for _, cmd := range commands {
		if cmd.Name == "" {
			return fmt.Errorf("%w: command without name under %q",
				errors.ErrInvalidDescriptor, prefix)
		}
		if _, dup := names[cmd.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q under %q",
				errors.ErrInvalidDescriptor, cmd.Name, prefix)
		}
		names[cmd.Name] = struct{}{}

		cmd.Module = module
		cmd.Path = joinPath(prefix, cmd.Name)

		if _, ok := validMethods[cmd.Route.Method]; !ok {
			return fmt.Errorf("%w: command %q: invalid method %q",
				errors.ErrInvalidDescriptor, cmd.Path, cmd.Route.Method)
		}
		if !strings.HasPrefix(cmd.Route.Path, "/") {
			return fmt.Errorf("%w: command %q: route path must start with /",
				errors.ErrInvalidDescriptor, cmd.Path)
		}
		params := make(map[string]struct{})
		for _, p := range cmd.Parameters {
			if p.Name == "" {
				return fmt.Errorf("%w: command %q: parameter without name",
					errors.ErrInvalidDescriptor, cmd.Path)
			}
			if _, dup := params[p.Name]; dup {
				return fmt.Errorf("%w: command %q: duplicate parameter %q",
					errors.ErrInvalidDescriptor, cmd.Path, p.Name)
			}
			params[p.Name] = struct{}{}
			switch p.Type {
			case TypeString, TypeInteger, TypeBoolean, TypeStringList:
			default:
				return fmt.Errorf("%w: command %q: parameter %q: unknown type %q",
					errors.ErrInvalidDescriptor, cmd.Path, p.Name, p.Type)
			}
		}
	}
	for _, g := range groups {
		if g.Name == "" {
			return fmt.Errorf("%w: group without name under %q",
				errors.ErrInvalidDescriptor, prefix)
		}
		if _, dup := names[g.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q under %q",
				errors.ErrInvalidDescriptor, g.Name, prefix)
		}
		names[g.Name] = struct{}{}
		if err := validateLevel(module, joinPath(prefix, g.Name), g.Groups, g.Commands); err != nil {
			return err
		}
	}
	return nil
}

// walk visits every command in the tree.
func (t *CommandTree) walk(fn func(cmd *CommandMeta)) {
	walkLevel(t.Groups, t.Commands, fn)
}

func walkLevel(groups []*Group, commands []*CommandMeta, fn func(cmd *CommandMeta)) {
	for _, cmd := range commands {
		fn(cmd)
	}
	for _, g := range groups {
		walkLevel(g.Groups, g.Commands, fn)
	}
}

// sorted returns a copy of the tree in client-visible order: terminal
// commands precede sub-groups, each category lexicographic by name.
func (t *CommandTree) sorted() *CommandTree {
	out := &CommandTree{Version: t.Version}
	out.Commands = sortedCommands(t.Commands)
	out.Groups = sortedGroups(t.Groups)
	return out
}

func sortedCommands(commands []*CommandMeta) []*CommandMeta {
	out := make([]*CommandMeta, len(commands))
	copy(out, commands)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedGroups(groups []*Group) []*Group {
	out := make([]*Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, &Group{
			Name:        g.Name,
			Description: g.Description,
			Commands:    sortedCommands(g.Commands),
			Groups:      sortedGroups(g.Groups),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
