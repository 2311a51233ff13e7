package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apierrors "github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
)

// BootstrapResult reports what Bootstrap created. GeneratedPassword is
// non-empty only when the admin user was created with an auto-generated
// password; it is surfaced exactly once.
type BootstrapResult struct {
	PolicyCreated     bool
	GroupCreated      bool
	UserCreated       bool
	GeneratedPassword string
}

// Bootstrap idempotently seeds the admin policy, group and user. Existing
// entities are left untouched, so repeated runs are safe.
func Bootstrap(ctx context.Context, policies *PolicyService, groups *GroupService, users *UserService, adminPassword string, logger *slog.Logger) (*BootstrapResult, error) {
	result := &BootstrapResult{}

	if _, err := policies.Get(ctx, "admin_policy"); err != nil {
		if !errors.Is(err, apierrors.ErrNotFound) {
			return nil, err
		}
		_, err = policies.Create(ctx, "admin_policy", []models.Statement{{
			Effect:      models.EffectAllow,
			Module:      "*",
			Resources:   []string{"*"},
			Description: "Admin policy",
		}})
		if err != nil {
			return nil, fmt.Errorf("create admin policy: %w", err)
		}
		result.PolicyCreated = true
		logger.InfoContext(ctx, "created admin policy")
	}

	if _, err := groups.Get(ctx, "admin_group"); err != nil {
		if !errors.Is(err, apierrors.ErrNotFound) {
			return nil, err
		}
		if _, err := groups.Create(ctx, "admin_group", []string{"admin_policy"}); err != nil {
			return nil, fmt.Errorf("create admin group: %w", err)
		}
		result.GroupCreated = true
		logger.InfoContext(ctx, "created admin group")
	}

	if _, err := users.Get(ctx, "admin"); err != nil {
		if !errors.Is(err, apierrors.ErrNotFound) {
			return nil, err
		}
		_, generated, err := users.Create(ctx, "admin", adminPassword, []string{"admin_group"})
		if err != nil {
			return nil, fmt.Errorf("create admin user: %w", err)
		}
		result.UserCreated = true
		result.GeneratedPassword = generated
		logger.InfoContext(ctx, "created admin user")
	}

	return result, nil
}
