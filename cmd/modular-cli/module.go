package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/epam/modular-api/internal/registry"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a module from its descriptor",
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall a module",
	RunE:  runUninstall,
}

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "List installed modules or show one module's commands",
	RunE:  runDescribe,
}

func init() {
	installCmd.Flags().String("module-path", "", "Module directory or descriptor path (required)")
	uninstallCmd.Flags().String("module", "", "Module name (required)")
	describeCmd.Flags().String("module", "", "Module name (all modules when omitted)")
}

// descriptorPath accepts either the module directory or the descriptor
// file itself.
func descriptorPath(cmd *cobra.Command, modulesPath string) (string, error) {
	path, _ := cmd.Flags().GetString("module-path")
	if path == "" {
		return "", fmt.Errorf("--module-path is required")
	}
	if !filepath.IsAbs(path) && modulesPath != "" {
		path = filepath.Join(modulesPath, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("module path: %w", err)
	}
	if info.IsDir() {
		return filepath.Join(path, registry.DescriptorFileName), nil
	}
	return path, nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	path, err := descriptorPath(cmd, svc.cfg.ModulesPath)
	if err != nil {
		return err
	}
	record, err := svc.registry.Install(cmd.Context(), path)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(record)
	}
	fmt.Printf("Module %q %s installed at %s\n", record.ModuleName, record.Version, record.MountPoint)
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("module")
	if name == "" {
		return fmt.Errorf("--module is required")
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.registry.Uninstall(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Printf("Module %q uninstalled\n", name)
	return nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("module")

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.close()

	catalog := svc.registry.Catalog()
	if name != "" {
		meta, ok := catalog.APIMeta(nil)[name]
		if !ok {
			if _, err := catalog.Module(name); err != nil {
				return err
			}
		}
		if jsonOutput(cmd) {
			return printJSON(meta)
		}
		printModuleMeta(meta)
		return nil
	}

	records := catalog.Modules()
	if jsonOutput(cmd) {
		return printJSON(records)
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.ModuleName,
			rec.Version,
			rec.MountPoint,
			rec.InstallDate.Format("2006-01-02 15:04:05"),
		})
	}
	table(os.Stdout, []string{"MODULE", "VERSION", "MOUNT", "INSTALLED"}, rows)
	return nil
}

func printModuleMeta(meta *registry.ModuleMeta) {
	if meta == nil {
		return
	}
	fmt.Printf("Module %s %s mounted at %s\n", meta.ModuleName, meta.Version, meta.MountPoint)
	for _, c := range meta.Commands {
		printCommand(c, 1)
	}
	for _, g := range meta.Groups {
		printGroup(g, 1)
	}
}

func printGroup(g *registry.Group, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s/\n", indent, g.Name)
	for _, c := range g.Commands {
		printCommand(c, depth+1)
	}
	for _, sub := range g.Groups {
		printGroup(sub, depth+1)
	}
}

func printCommand(c *registry.CommandMeta, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s  %s %s", indent, c.Name, c.Route.Method, c.Route.Path)
	if c.Description != "" {
		fmt.Printf("  - %s", c.Description)
	}
	fmt.Println()
}
