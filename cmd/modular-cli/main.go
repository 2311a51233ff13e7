// Package main implements the modular-cli administration tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/epam/modular-api/internal/audit"
	"github.com/epam/modular-api/internal/auth"
	"github.com/epam/modular-api/internal/config"
	"github.com/epam/modular-api/internal/identity"
	"github.com/epam/modular-api/internal/policy"
	"github.com/epam/modular-api/internal/registry"
	"github.com/epam/modular-api/pkg/store"
	"github.com/epam/modular-api/pkg/store/mongostore"
	"github.com/epam/modular-api/pkg/store/pgstore"
	"github.com/epam/modular-api/pkg/vault"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "modular-cli",
	Short:   "Modular API administration",
	Long:    `modular-cli manages users, groups, policies, modules and the audit log of a Modular API installation.`,
	Version: version,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(simulatorCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

// services bundles the store-backed services the admin commands use.
type services struct {
	store     store.Store
	integrity *identity.Integrity
	policies  *identity.PolicyService
	groups    *identity.GroupService
	users     *identity.UserService
	tokens    *auth.TokenService
	resolver  *policy.Resolver
	auditor   *audit.Service
	registry  *registry.Registry
	cfg       *config.Config
	close     func()
}

// openServices loads the configuration and wires the services against
// the configured document backend.
func openServices(cmd *cobra.Command) (*services, error) {
	ctx := cmd.Context()
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = os.Getenv("MODULAR_API_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := cliLogger(cfg)

	var st store.Store
	var closeStore func()
	switch cfg.Mode {
	case config.ModeHosted:
		pg, err := pgstore.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close(ctx)
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		st, closeStore = pg, func() { _ = pg.Close(ctx) }
	default:
		mg, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		if err := mg.EnsureIndexes(ctx); err != nil {
			_ = mg.Close(ctx)
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		st, closeStore = mg, func() { _ = mg.Close(ctx) }
	}

	secretKey, err := resolveSecretKey(ctx, cfg, logger)
	if err != nil {
		closeStore()
		return nil, err
	}

	integrity := identity.NewIntegrity(secretKey)
	policies := identity.NewPolicyService(st, integrity)
	tokens := auth.NewTokenService(st, secretKey)
	groups := identity.NewGroupService(st, policies, integrity)
	users := identity.NewUserService(st, groups, integrity, tokens)
	resolver := policy.NewResolver(users, groups, policies)
	auditor := audit.NewService(st, integrity)
	reg := registry.New(st, logger)
	if err := reg.Load(ctx); err != nil {
		closeStore()
		return nil, fmt.Errorf("load module catalog: %w", err)
	}

	return &services{
		store:     st,
		integrity: integrity,
		policies:  policies,
		groups:    groups,
		users:     users,
		tokens:    tokens,
		resolver:  resolver,
		auditor:   auditor,
		registry:  reg,
		cfg:       cfg,
		close:     closeStore,
	}, nil
}

func cliLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.CliLogLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func resolveSecretKey(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.Vault.Address != "" && cfg.Vault.Token != "" {
		vc, err := vault.New(&vault.Config{
			Address: cfg.Vault.Address,
			Token:   cfg.Vault.Token,
		}, logger)
		if err != nil {
			return "", err
		}
		if err := vc.Health(ctx); err != nil {
			logger.Warn("vault unavailable, falling back to environment", "error", err)
		} else {
			key, err := vc.SecretKey(ctx, cfg.Vault.SecretPath)
			if err == nil {
				return key, nil
			}
			logger.Warn("vault key lookup failed, falling back to environment", "error", err)
			if cfg.SecretKey != "" {
				if perr := vc.PutSecretKey(ctx, cfg.Vault.SecretPath, cfg.SecretKey); perr != nil {
					logger.Warn("failed to provision server key", "error", perr)
				}
			}
		}
	}
	if cfg.SecretKey == "" {
		return "", fmt.Errorf("MODULAR_API_SECRET_KEY is required")
	}
	return cfg.SecretKey, nil
}

// jsonOutput reports whether the global --json flag is set.
func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("json")
	return v
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// table writes a tab-aligned table to stdout.
func table(out io.Writer, header []string, rows [][]string) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for i, h := range header {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, h)
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, cell)
		}
		fmt.Fprintln(w)
	}
	_ = w.Flush()
}
