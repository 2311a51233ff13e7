// Package main implements the Modular API server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/epam/modular-api/internal/api"
	"github.com/epam/modular-api/internal/audit"
	"github.com/epam/modular-api/internal/auth"
	"github.com/epam/modular-api/internal/config"
	"github.com/epam/modular-api/internal/dispatch"
	"github.com/epam/modular-api/internal/identity"
	"github.com/epam/modular-api/internal/policy"
	"github.com/epam/modular-api/internal/ratelimit"
	"github.com/epam/modular-api/internal/registry"
	"github.com/epam/modular-api/pkg/metrics"
	"github.com/epam/modular-api/pkg/store"
	"github.com/epam/modular-api/pkg/store/mongostore"
	"github.com/epam/modular-api/pkg/store/pgstore"
	"github.com/epam/modular-api/pkg/vault"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Getenv("MODULAR_API_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to set up logging:", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("starting modular-api", "version", version, "mode", cfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	secretKey, err := resolveSecretKey(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to resolve server key", "error", err)
		os.Exit(1)
	}

	integrity := identity.NewIntegrity(secretKey)
	policies := identity.NewPolicyService(st, integrity)
	tokens := auth.NewTokenService(st, secretKey)
	groups := identity.NewGroupService(st, policies, integrity)
	users := identity.NewUserService(st, groups, integrity, tokens)
	authn := auth.NewAuthenticator(users, tokens)
	resolver := policy.NewResolver(users, groups, policies)
	auditor := audit.NewService(st, integrity)

	reg := registry.New(st, logger)
	if err := reg.Load(ctx); err != nil {
		logger.Error("failed to load module catalog", "error", err)
		os.Exit(1)
	}

	ceiling, err := cfg.RateLimit()
	if err != nil {
		logger.Error("bad rate limit configuration", "error", err)
		os.Exit(1)
	}
	limiter := ratelimit.New(st, ceiling)

	m := metrics.NewServerMetrics(version)

	dispatcher, err := dispatch.New(authn, tokens, limiter, reg, resolver, auditor, m, logger,
		dispatch.Config{
			BackendURL:     cfg.Backend.URL,
			BackendTimeout: cfg.Backend.Timeout,
			MinCliVersion:  cfg.MinCliVersion,
		})
	if err != nil {
		logger.Error("failed to build dispatcher", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(authn, tokens, reg, resolver, dispatcher, st, m, logger,
		version, cfg.EnablePrivateMode)
	router := api.NewRouter(handler, m, logger)

	server := api.NewServer(router, &api.ServerConfig{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Logger:       logger,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeLog := func() {}
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeLog = func() { _ = f.Close() }
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.ServerLogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, closeLog, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Mode {
	case config.ModeHosted:
		st, err := pgstore.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close(ctx) }, nil
	default:
		st, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close(ctx) }, nil
	}
}

// resolveSecretKey prefers the secret store when configured; the
// environment key is the fallback and seeds the store on first use.
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
