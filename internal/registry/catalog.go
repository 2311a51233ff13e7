package registry

import (
	"fmt"
	"sort"

	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
)

type routeKey struct {
	method string
	path   string
}

type moduleEntry struct {
	record models.InstalledModule
	tree   *CommandTree
}

// Catalog is the immutable mapping from installed modules and routes to
// command metadata. Builders produce a new catalog and the registry
// rotates a single pointer, so readers always observe a complete catalog.
type Catalog struct {
	modules map[string]*moduleEntry
	routes  map[routeKey]*CommandMeta
}

// newCatalog builds and verifies a catalog from module entries. Route
// collisions across the catalog fail the build; the previous catalog
// stays in place.
func newCatalog(entries []*moduleEntry) (*Catalog, error) {
	c := &Catalog{
		modules: make(map[string]*moduleEntry, len(entries)),
		routes:  make(map[routeKey]*CommandMeta),
	}
	for _, e := range entries {
		if _, dup := c.modules[e.record.ModuleName]; dup {
			return nil, fmt.Errorf("%w: module %q listed twice",
				errors.ErrInvalidDescriptor, e.record.ModuleName)
		}
		c.modules[e.record.ModuleName] = e

		var buildErr error
		e.tree.walk(func(cmd *CommandMeta) {
			key := routeKey{method: cmd.Route.Method, path: e.record.MountPoint + cmd.Route.Path}
			if existing, dup := c.routes[key]; dup && buildErr == nil {
				buildErr = fmt.Errorf("%w: route %s %s claimed by both %q and %q",
					errors.ErrMountPointConflict, key.method, key.path,
					existing.Path, cmd.Path)
			}
			c.routes[key] = cmd
		})
		if buildErr != nil {
			return nil, buildErr
		}
	}
	return c, nil
}

// Lookup resolves (method, path) to the single matching command meta.
// Route paths are exact, not pattern-based.
func (c *Catalog) Lookup(method, path string) (*CommandMeta, error) {
	cmd, ok := c.routes[routeKey{method: method, path: path}]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", method, path, errors.ErrNoSuchRoute)
	}
	return cmd, nil
}

// Module returns the installed record for a module name.
func (c *Catalog) Module(name string) (*models.InstalledModule, error) {
	e, ok := c.modules[name]
	if !ok {
		return nil, fmt.Errorf("module %q: %w", name, errors.ErrNotInstalled)
	}
	record := e.record
	return &record, nil
}

// Modules returns the installed module records sorted by name.
func (c *Catalog) Modules() []models.InstalledModule {
	out := make([]models.InstalledModule, 0, len(c.modules))
	for _, e := range c.modules {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleName < out[j].ModuleName })
	return out
}

// ModuleMeta is the client-visible catalog of one module.
type ModuleMeta struct {
	ModuleName string         `json:"module_name"`
	MountPoint string         `json:"mount_point"`
	Version    string         `json:"version"`
	Commands   []*CommandMeta `json:"commands,omitempty"`
	Groups     []*Group       `json:"groups,omitempty"`
}

// APIMeta projects the catalog into the nested client-facing form,
// keeping only commands the filter admits. Groups left without any
// command are pruned. A nil filter keeps everything.
func (c *Catalog) APIMeta(filter func(cmd *CommandMeta) bool) map[string]*ModuleMeta {
	out := make(map[string]*ModuleMeta, len(c.modules))
	for name, e := range c.modules {
		sorted := e.tree.sorted()
		meta := &ModuleMeta{
			ModuleName: name,
			MountPoint: e.record.MountPoint,
			Version:    e.record.Version,
			Commands:   filterCommands(sorted.Commands, filter),
			Groups:     filterGroups(sorted.Groups, filter),
		}
		if len(meta.Commands) == 0 && len(meta.Groups) == 0 {
			continue
		}
		out[name] = meta
	}
	return out
}

func filterCommands(commands []*CommandMeta, filter func(cmd *CommandMeta) bool) []*CommandMeta {
	if filter == nil {
		return commands
	}
	out := make([]*CommandMeta, 0, len(commands))
	for _, cmd := range commands {
		if filter(cmd) {
			out = append(out, cmd)
		}
	}
	return out
}

func filterGroups(groups []*Group, filter func(cmd *CommandMeta) bool) []*Group {
	out := make([]*Group, 0, len(groups))
	for _, g := range groups {
		kept := &Group{
			Name:        g.Name,
			Description: g.Description,
			Commands:    filterCommands(g.Commands, filter),
			Groups:      filterGroups(g.Groups, filter),
		}
		if len(kept.Commands) == 0 && len(kept.Groups) == 0 {
			continue
		}
		out = append(out, kept)
	}
	return out
}
