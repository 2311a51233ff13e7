package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/pkg/store"
)

// DescriptorFileName is the module descriptor shipped in each module
// directory.
const DescriptorFileName = "api_module.json"

// Registry loads installed modules from the store, keeps the current
// catalog behind an atomic pointer and rebuilds it on install and
// uninstall. Mutations are serialized; readers never block.
type Registry struct {
	store   store.Store
	logger  *slog.Logger
	catalog atomic.Pointer[Catalog]
	mu      sync.Mutex
}

// New creates a registry with an empty catalog.
func New(st store.Store, logger *slog.Logger) *Registry {
	r := &Registry{store: st, logger: logger}
	empty, _ := newCatalog(nil)
	r.catalog.Store(empty)
	return r
}

// Catalog returns the current catalog. The returned value is immutable.
func (r *Registry) Catalog() *Catalog {
	return r.catalog.Load()
}

// Load rebuilds the catalog from the persisted module records. Called at
// startup; modules whose schema files have disappeared fail the load.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.installedModules(ctx)
	if err != nil {
		return err
	}
	catalog, err := r.buildCatalog(records)
	if err != nil {
		return err
	}
	r.catalog.Store(catalog)
	r.logger.InfoContext(ctx, "module catalog loaded", "modules", len(records))
	return nil
}

// Install reads the descriptor at descriptorPath, validates it, verifies
// dependencies and mount points, persists the module record and swaps in
// a freshly built catalog. The swap is atomic: concurrent readers see the
// old or the new catalog in full.
func (r *Registry) Install(ctx context.Context, descriptorPath string) (*models.InstalledModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	descriptor, tree, cliPath, err := readModule(descriptorPath)
	if err != nil {
		return nil, err
	}

	records, err := r.installedModules(ctx)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if rec.ModuleName == descriptor.ModuleName {
			continue // reinstall replaces the existing record
		}
		if rec.MountPoint == descriptor.MountPoint {
			return nil, fmt.Errorf("%w: mount point %q used by module %q",
				errors.ErrMountPointConflict, descriptor.MountPoint, rec.ModuleName)
		}
	}
	if err := checkDependencies(descriptor, records); err != nil {
		return nil, err
	}

	record := models.InstalledModule{
		ModuleName:   descriptor.ModuleName,
		CliPath:      cliPath,
		MountPoint:   descriptor.MountPoint,
		Version:      tree.Version,
		Dependencies: descriptor.Dependencies,
		InstallDate:  time.Now().UTC(),
	}

	candidate := make([]models.InstalledModule, 0, len(records)+1)
	for _, rec := range records {
		if rec.ModuleName != record.ModuleName {
			candidate = append(candidate, rec)
		}
	}
	candidate = append(candidate, record)

	catalog, err := r.buildCatalog(candidate)
	if err != nil {
		return nil, err
	}

	if err := r.store.Put(ctx, store.CollectionModules, record.ModuleName, record); err != nil {
		return nil, fmt.Errorf("persist module record: %w", err)
	}
	r.catalog.Store(catalog)
	r.logger.InfoContext(ctx, "module installed",
		"module", record.ModuleName, "version", record.Version,
		"mount_point", record.MountPoint)
	return &record, nil
}

// Uninstall removes the module and rebuilds the catalog.
func (r *Registry) Uninstall(ctx context.Context, moduleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.installedModules(ctx)
	if err != nil {
		return err
	}
	kept := make([]models.InstalledModule, 0, len(records))
	found := false
	for _, rec := range records {
		if rec.ModuleName == moduleName {
			found = true
			continue
		}
		kept = append(kept, rec)
	}
	if !found {
		return fmt.Errorf("module %q: %w", moduleName, errors.ErrNotInstalled)
	}

	catalog, err := r.buildCatalog(kept)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, store.CollectionModules, moduleName); err != nil {
		return fmt.Errorf("remove module record: %w", err)
	}
	r.catalog.Store(catalog)
	r.logger.InfoContext(ctx, "module uninstalled", "module", moduleName)
	return nil
}

func (r *Registry) installedModules(ctx context.Context) ([]models.InstalledModule, error) {
	var records []models.InstalledModule
	err := r.store.Scan(ctx, store.CollectionModules, func(key string, raw []byte) error {
		var rec models.InstalledModule
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode module record %s: %w", key, err)
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan installed modules: %w", err)
	}
	return records, nil
}

func (r *Registry) buildCatalog(records []models.InstalledModule) (*Catalog, error) {
	entries := make([]*moduleEntry, 0, len(records))
	for _, rec := range records {
		tree, err := readTree(rec.CliPath, rec.ModuleName)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &moduleEntry{record: rec, tree: tree})
	}
	return newCatalog(entries)
}

// readModule loads and validates a descriptor plus its command tree.
// Returns the resolved absolute schema path for persistence.
func readModule(descriptorPath string) (*models.ModuleDescriptor, *CommandTree, string, error) {
	raw, err := os.ReadFile(descriptorPath)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", errors.ErrInvalidDescriptor, err)
	}
	var descriptor models.ModuleDescriptor
	if err := json.Unmarshal(raw, &descriptor); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", errors.ErrInvalidDescriptor, err)
	}
	if descriptor.ModuleName == "" || descriptor.CliPath == "" || descriptor.MountPoint == "" {
		return nil, nil, "", fmt.Errorf("%w: module_name, cli_path and mount_point are required",
			errors.ErrInvalidDescriptor)
	}
	if descriptor.MountPoint[0] != '/' {
		return nil, nil, "", fmt.Errorf("%w: mount_point must start with /",
			errors.ErrInvalidDescriptor)
	}
	for _, dep := range descriptor.Dependencies {
		if dep.ModuleName == "" || dep.MinVersion == "" {
			return nil, nil, "", fmt.Errorf("%w: dependency requires module_name and min_version",
				errors.ErrInvalidDescriptor)
		}
		if _, err := goversion.NewVersion(dep.MinVersion); err != nil {
			return nil, nil, "", fmt.Errorf("%w: dependency %q: bad min_version: %v",
				errors.ErrInvalidDescriptor, dep.ModuleName, err)
		}
	}

	cliPath := descriptor.CliPath
	if !filepath.IsAbs(cliPath) {
		cliPath = filepath.Join(filepath.Dir(descriptorPath), cliPath)
	}
	tree, err := readTree(cliPath, descriptor.ModuleName)
	if err != nil {
		return nil, nil, "", err
	}
	return &descriptor, tree, cliPath, nil
}

func readTree(cliPath, moduleName string) (*CommandTree, error) {
	raw, err := os.ReadFile(cliPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read command schema: %v", errors.ErrInvalidDescriptor, err)
	}
	var tree CommandTree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("%w: parse command schema: %v", errors.ErrInvalidDescriptor, err)
	}
	if err := tree.validate(moduleName); err != nil {
		return nil, err
	}
	if _, err := goversion.NewVersion(tree.Version); err != nil {
		return nil, fmt.Errorf("%w: bad module version %q: %v",
			errors.ErrInvalidDescriptor, tree.Version, err)
	}
	return &tree, nil
}

func checkDependencies(descriptor *models.ModuleDescriptor, installed []models.InstalledModule) error {
	byName := make(map[string]models.InstalledModule, len(installed))
	for _, rec := range installed {
		byName[rec.ModuleName] = rec
	}
	for _, dep := range descriptor.Dependencies {
		rec, ok := byName[dep.ModuleName]
		if !ok {
			return fmt.Errorf("%w: %q not installed", errors.ErrDependencyMissing, dep.ModuleName)
		}
		have, err := goversion.NewVersion(rec.Version)
		if err != nil {
			return fmt.Errorf("%w: %q has unparsable version %q",
				errors.ErrDependencyMissing, dep.ModuleName, rec.Version)
		}
		want, err := goversion.NewVersion(dep.MinVersion)
		if err != nil {
			return fmt.Errorf("%w: bad min_version for %q",
				errors.ErrInvalidDescriptor, dep.ModuleName)
		}
		if have.LessThan(want) {
			return fmt.Errorf("%w: %q at %s, need >= %s",
				errors.ErrDependencyMissing, dep.ModuleName, rec.Version, dep.MinVersion)
		}
	}
	return nil
}
