// Package acceptance drives the whole stack over HTTP: bootstrap, module
// install, login, command dispatch against a stub backend, audit.
package acceptance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epam/modular-api/internal/api"
	"github.com/epam/modular-api/internal/audit"
	"github.com/epam/modular-api/internal/auth"
	"github.com/epam/modular-api/internal/dispatch"
	"github.com/epam/modular-api/internal/identity"
	"github.com/epam/modular-api/internal/policy"
	"github.com/epam/modular-api/internal/ratelimit"
	"github.com/epam/modular-api/internal/registry"
	"github.com/epam/modular-api/pkg/client"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/tests/testutil"
	"github.com/epam/modular-api/tests/testutil/inmemory"
)

type stack struct {
	server   *httptest.Server
	users    *identity.UserService
	groups   *identity.GroupService
	policies *identity.PolicyService
	registry *registry.Registry
	auditor  *audit.Service
	admin    string // generated admin password
}

func startStack(t *testing.T, ctx context.Context) *stack {
	t.Helper()
	st := inmemory.NewStore()
	integrity := identity.NewIntegrity("acceptance-secret")
	policies := identity.NewPolicyService(st, integrity)
	groups := identity.NewGroupService(st, policies, integrity)
	tokens := auth.NewTokenService(st, "acceptance-signing-key")
	users := identity.NewUserService(st, groups, integrity, tokens)
	authn := auth.NewAuthenticator(users, tokens)
	resolver := policy.NewResolver(users, groups, policies)
	auditor := audit.NewService(st, integrity)
	logger := testutil.DiscardLogger()

	result, err := identity.Bootstrap(ctx, policies, groups, users, "", logger)
	require.NoError(t, err)
	require.NotEmpty(t, result.GeneratedPassword)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":   r.URL.Path,
			"tenant": r.URL.Query().Get("tenant"),
		})
	}))
	t.Cleanup(backend.Close)

	reg := registry.New(st, logger)
	installTenantModule(t, ctx, reg)

	dispatcher, err := dispatch.New(authn, tokens, ratelimit.New(st, 0), reg,
		resolver, auditor, nil, logger, dispatch.Config{
			BackendURL:    backend.URL,
			MinCliVersion: "2.0.0",
		})
	require.NoError(t, err)

	h := api.NewHandler(authn, tokens, reg, resolver, dispatcher, st, nil,
		logger, "4.0.0", false)
	server := httptest.NewServer(api.NewRouter(h, nil, logger))
	t.Cleanup(server.Close)

	return &stack{
		server:   server,
		users:    users,
		groups:   groups,
		policies: policies,
		registry: reg,
		auditor:  auditor,
		admin:    result.GeneratedPassword,
	}
}

func installTenantModule(t *testing.T, ctx context.Context, reg *registry.Registry) {
	t.Helper()
	tree := registry.CommandTree{
		Version: "1.0.0",
		Groups: []*registry.Group{{
			Name: "tenant",
			Commands: []*registry.CommandMeta{
				{
					Name:     "describe",
					Describe: true,
					Route:    registry.Route{Method: "GET", Path: "/tenant/describe"},
					Parameters: []registry.Parameter{
						{Name: "tenant", Type: registry.TypeString, Required: true},
					},
				},
				{
					Name:  "create",
					Route: registry.Route{Method: "POST", Path: "/tenant/create"},
					Parameters: []registry.Parameter{
						{Name: "tenant", Type: registry.TypeString, Required: true},
					},
				},
			},
		}},
	}
	dir := t.TempDir()
	schema, err := json.Marshal(tree)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m3_schema.json"), schema, 0o644))
	descriptor, err := json.Marshal(models.ModuleDescriptor{
		ModuleName: "m3",
		CliPath:    "m3_schema.json",
		MountPoint: "/m3",
	})
	require.NoError(t, err)
	path := filepath.Join(dir, registry.DescriptorFileName)
	require.NoError(t, os.WriteFile(path, descriptor, 0o644))
	_, err = reg.Install(ctx, path)
	require.NoError(t, err)
}

func TestEndToEnd(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := startStack(t, ctx)

	admin := client.New(client.Config{BaseURL: s.server.URL, CliVersion: "2.1.0"})

	t.Run("bootstrap admin logs in with the generated password", func(t *testing.T) {
		resp, err := admin.Login(ctx, "admin", s.admin, true)
		require.NoError(t, err)
		assert.Equal(t, "Bearer", resp.TokenType)
		assert.NotEmpty(t, resp.Meta)
	})

	t.Run("admin dispatches through to the backend", func(t *testing.T) {
		result, err := admin.Invoke(ctx, http.MethodPost, "/m3/tenant/create",
			url.Values{"tenant": {"acme"}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, result.Status)
		assert.JSONEq(t, `{"path":"/tenant/create","tenant":"acme"}`, string(result.Body))
	})

	t.Run("the dispatch left an audit trail", func(t *testing.T) {
		records, err := s.auditor.Query(ctx, audit.QueryParams{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "tenant/create", records[0].Command)
		assert.Equal(t, "succeeded", records[0].Result)
		assert.Equal(t, models.ConsistencyOK, records[0].Consistency)
	})

	t.Run("a scoped user sees and reaches only allowed commands", func(t *testing.T) {
		_, err := s.policies.Create(ctx, "describe_only", []models.Statement{
			testutil.AllowStatement("m3", "tenant:describe"),
		})
		require.NoError(t, err)
		_, err = s.groups.Create(ctx, "readers", []string{"describe_only"})
		require.NoError(t, err)
		_, _, err = s.users.Create(ctx, "carol", "carol-password", []string{"readers"})
		require.NoError(t, err)

		carol := client.New(client.Config{BaseURL: s.server.URL, CliVersion: "2.1.0"})
		_, err = carol.Login(ctx, "carol", "carol-password", false)
		require.NoError(t, err)

		result, err := carol.Invoke(ctx, http.MethodGet, "/m3/tenant/describe",
			url.Values{"tenant": {"acme"}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, result.Status)

		_, err = carol.Invoke(ctx, http.MethodPost, "/m3/tenant/create",
			url.Values{"tenant": {"acme"}})
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
		assert.Equal(t, "DENIED", apiErr.Code)
	})

	t.Run("outdated clients are turned away", func(t *testing.T) {
		old := client.New(client.Config{BaseURL: s.server.URL, CliVersion: "1.0.0"})
		_, err := old.Login(ctx, "admin", s.admin, false)
		require.NoError(t, err) // login is not version gated

		_, err = old.Invoke(ctx, http.MethodPost, "/m3/tenant/create",
			url.Values{"tenant": {"acme"}})
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "UNSUPPORTED_CLI_VERSION", apiErr.Code)
	})

	t.Run("refresh and logout round trip", func(t *testing.T) {
		c := client.New(client.Config{BaseURL: s.server.URL, CliVersion: "2.1.0"})
		_, err := c.Login(ctx, "admin", s.admin, false)
		require.NoError(t, err)

		_, err = c.Refresh(ctx)
		require.NoError(t, err)
		require.NoError(t, c.Health(ctx))
		require.NoError(t, c.Logout(ctx))

		_, err = c.Invoke(ctx, http.MethodGet, "/m3/tenant/describe",
			url.Values{"tenant": {"acme"}})
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	})

	t.Run("uninstall removes the surface", func(t *testing.T) {
		c := client.New(client.Config{BaseURL: s.server.URL, CliVersion: "2.1.0"})
		_, err := c.Login(ctx, "admin", s.admin, false)
		require.NoError(t, err)

		require.NoError(t, s.registry.Uninstall(ctx, "m3"))
		_, err = c.Invoke(ctx, http.MethodGet, "/m3/tenant/describe",
			url.Values{"tenant": {"acme"}})
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	})
}
