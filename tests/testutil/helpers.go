// Package testutil provides test utilities and helpers.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/epam/modular-api/pkg/models"
)

// DiscardLogger returns a logger that drops everything, for wiring
// services under test.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// AllowStatement builds an Allow statement over one pattern.
func AllowStatement(module string, resources ...string) models.Statement {
	return models.Statement{
		Effect:    models.EffectAllow,
		Module:    module,
		Resources: resources,
	}
}

// DenyStatement builds a Deny statement over one pattern.
func DenyStatement(module string, resources ...string) models.Statement {
	return models.Statement{
		Effect:    models.EffectDeny,
		Module:    module,
		Resources: resources,
	}
}

// AdminStatements is the wildcard-allow statement list seeded for the
// admin policy.
func AdminStatements() []models.Statement {
	return []models.Statement{AllowStatement("*", "*")}
}

// TestContext creates a context with a test timeout.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout creates a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
