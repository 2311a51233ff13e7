package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epam/modular-api/internal/audit"
	"github.com/epam/modular-api/internal/auth"
	"github.com/epam/modular-api/internal/dispatch"
	"github.com/epam/modular-api/internal/identity"
	"github.com/epam/modular-api/internal/policy"
	"github.com/epam/modular-api/internal/ratelimit"
	"github.com/epam/modular-api/internal/registry"
	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/tests/testutil"
	"github.com/epam/modular-api/tests/testutil/inmemory"
)

type fixture struct {
	store      *inmemory.Store
	users      *identity.UserService
	tokens     *auth.TokenService
	auditor    *audit.Service
	dispatcher *dispatch.Dispatcher
}

type fixtureOptions struct {
	backendURL     string
	backendTimeout time.Duration
	minCliVersion  string
	rateCeiling    int64
}

// m3Schema declares a small module: a describe command, a create command
// with a maskable option and a top-level health probe.
func m3Schema() registry.CommandTree {
	return registry.CommandTree{
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
						{Name: "region", Type: registry.TypeString, Default: "eu-west-1"},
					},
				},
				{
					Name:  "create",
					Route: registry.Route{Method: "POST", Path: "/tenant/create"},
					Parameters: []registry.Parameter{
						{Name: "tenant", Type: registry.TypeString, Required: true},
						{Name: "region", Type: registry.TypeString},
						{Name: "deploy-token", Type: registry.TypeString},
					},
				},
			},
		}},
		Commands: []*registry.CommandMeta{
			{Name: "health", Route: registry.Route{Method: "GET", Path: "/health"}},
		},
	}
}

func installModule(t *testing.T, ctx context.Context, reg *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	schema, err := json.Marshal(m3Schema())
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

func newFixture(t *testing.T, ctx context.Context, opts fixtureOptions) *fixture {
	t.Helper()
	st := inmemory.NewStore()
	integrity := identity.NewIntegrity("test-secret")
	policies := identity.NewPolicyService(st, integrity)
	groups := identity.NewGroupService(st, policies, integrity)
	tokens := auth.NewTokenService(st, "test-signing-key")
	users := identity.NewUserService(st, groups, integrity, tokens)
	authn := auth.NewAuthenticator(users, tokens)
	resolver := policy.NewResolver(users, groups, policies)
	auditor := audit.NewService(st, integrity)

	reg := registry.New(st, testutil.DiscardLogger())
	installModule(t, ctx, reg)

	_, err := policies.Create(ctx, "operators", []models.Statement{
		testutil.AllowStatement("m3", "*"),
	})
	require.NoError(t, err)
	_, err = groups.Create(ctx, "ops", []string{"operators"})
	require.NoError(t, err)
	_, _, err = users.Create(ctx, "alice", "s3cret-password", []string{"ops"})
	require.NoError(t, err)

	if opts.rateCeiling == 0 {
		opts.rateCeiling = 100
	}
	limiter := ratelimit.New(st, opts.rateCeiling)

	d, err := dispatch.New(authn, tokens, limiter, reg, resolver, auditor, nil,
		testutil.DiscardLogger(), dispatch.Config{
			BackendURL:     opts.backendURL,
			BackendTimeout: opts.backendTimeout,
			MinCliVersion:  opts.minCliVersion,
		})
	require.NoError(t, err)

	return &fixture{store: st, users: users, tokens: tokens, auditor: auditor, dispatcher: d}
}

func (f *fixture) request(t *testing.T, ctx context.Context, method, target string) *http.Request {
	t.Helper()
	token, err := f.tokens.Issue(ctx, "alice")
	require.NoError(t, err)
	r := httptest.NewRequest(method, target, nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r.WithContext(ctx)
}

func TestDispatch(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("forwards to the declared backend route", func(t *testing.T) {
		var got *http.Request
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Clone(context.Background())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"tenant":"acme"}`))
		}))
		defer backend.Close()

		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		result, err := f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, result.Status)
		assert.Equal(t, "application/json", result.ContentType)
		assert.JSONEq(t, `{"tenant":"acme"}`, string(result.Body))

		require.NotNil(t, got)
		assert.Equal(t, "/tenant/describe", got.URL.Path)
		assert.Equal(t, "acme", got.URL.Query().Get("tenant"))
		// Declared default filled in before forwarding.
		assert.Equal(t, "eu-west-1", got.URL.Query().Get("region"))
		assert.Contains(t, got.Header.Get("Authorization"), "Bearer ")
	})

	t.Run("describe commands are not audited", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer backend.Close()

		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		_, err := f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme"))
		require.NoError(t, err)

		records, err := f.auditor.Query(ctx, audit.QueryParams{})
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("mutations are audited with masked parameters", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))
		defer backend.Close()

		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		_, err := f.dispatcher.Dispatch(
			f.request(t, ctx, "POST", "/m3/tenant/create?tenant=acme&deploy-token=tok-123"))
		require.NoError(t, err)

		records, err := f.auditor.Query(ctx, audit.QueryParams{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "m3", records[0].Group)
		assert.Equal(t, "tenant/create", records[0].Command)
		assert.Equal(t, "succeeded", records[0].Result)
		assert.Equal(t, "acme", records[0].Parameters["tenant"])
		assert.Equal(t, "*****", records[0].Parameters["deploy-token"])
	})

	t.Run("backend failures are audited as failed", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer backend.Close()

		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		result, err := f.dispatcher.Dispatch(
			f.request(t, ctx, "POST", "/m3/tenant/create?tenant=acme"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, result.Status)

		records, err := f.auditor.Query(ctx, audit.QueryParams{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "failed with status 502", records[0].Result)
	})
}

func TestDispatchGate(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	t.Run("client version gate", func(t *testing.T) {
		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL, minCliVersion: "2.0.0"})

		r := f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme")
		_, err := f.dispatcher.Dispatch(r)
		assert.ErrorIs(t, err, errors.ErrUnsupportedCliVersion)

		r = f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme")
		r.Header.Set(dispatch.CliVersionHeader, "1.9.0")
		_, err = f.dispatcher.Dispatch(r)
		assert.ErrorIs(t, err, errors.ErrUnsupportedCliVersion)

		r = f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme")
		r.Header.Set(dispatch.CliVersionHeader, "not-a-version")
		_, err = f.dispatcher.Dispatch(r)
		assert.ErrorIs(t, err, errors.ErrUnsupportedCliVersion)

		r = f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme")
		r.Header.Set(dispatch.CliVersionHeader, "2.0.0")
		_, err = f.dispatcher.Dispatch(r)
		assert.NoError(t, err)
	})

	t.Run("unauthenticated requests fail", func(t *testing.T) {
		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		r := httptest.NewRequest("GET", "/m3/tenant/describe?tenant=acme", nil)
		_, err := f.dispatcher.Dispatch(r.WithContext(ctx))
		assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
	})

	t.Run("unauthorized commands are denied", func(t *testing.T) {
		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		_, _, err := f.users.Create(ctx, "bob", "s3cret-password", nil)
		require.NoError(t, err)
		token, err := f.tokens.Issue(ctx, "bob")
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/m3/tenant/describe?tenant=acme", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err = f.dispatcher.Dispatch(r.WithContext(ctx))
		require.ErrorIs(t, err, errors.ErrDenied)

		var derr *errors.DeniedError
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, "m3", derr.Module)
		assert.Equal(t, "tenant/describe", derr.Command)
	})

	t.Run("rate ceiling applies per route", func(t *testing.T) {
		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL, rateCeiling: 1})

		_, err := f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme"))
		require.NoError(t, err)
		_, err = f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme"))
		assert.ErrorIs(t, err, errors.ErrRateLimited)
	})

	t.Run("unknown routes fail after authentication", func(t *testing.T) {
		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		_, err := f.dispatcher.Dispatch(f.request(t, ctx, "GET", "/m3/tenant/destroy"))
		assert.ErrorIs(t, err, errors.ErrNoSuchRoute)
	})
}

func TestDispatchValidation(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	t.Run("unknown option", func(t *testing.T) {
		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		_, err := f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme&bogus=1"))
		assert.ErrorIs(t, err, errors.ErrInvalidPayload)
	})

	t.Run("missing required option", func(t *testing.T) {
		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		_, err := f.dispatcher.Dispatch(f.request(t, ctx, "GET", "/m3/tenant/describe"))
		assert.ErrorIs(t, err, errors.ErrInvalidPayload)
	})

	t.Run("restricted value", func(t *testing.T) {
		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		_, err := f.users.SetMetaAttribute(ctx, "alice", "region", []string{"eu-west-2"})
		require.NoError(t, err)

		_, err = f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme&region=us-east-1"))
		require.ErrorIs(t, err, errors.ErrRestrictedValue)

		// The filled-in default is outside the allow-list too.
		_, err = f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme"))
		assert.ErrorIs(t, err, errors.ErrRestrictedValue)

		_, err = f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme&region=eu-west-2"))
		assert.NoError(t, err)
	})
}

func TestDispatchUpstream(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("unreachable backend", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		backend.Close()

		f := newFixture(t, ctx, fixtureOptions{backendURL: backend.URL})
		_, err := f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme"))
		assert.ErrorIs(t, err, errors.ErrUpstreamError)
	})

	t.Run("backend timeout", func(t *testing.T) {
		release := make(chan struct{})
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer backend.Close()
		defer close(release)

		f := newFixture(t, ctx, fixtureOptions{
			backendURL:     backend.URL,
			backendTimeout: 50 * time.Millisecond,
		})
		_, err := f.dispatcher.Dispatch(
			f.request(t, ctx, "GET", "/m3/tenant/describe?tenant=acme"))
		assert.ErrorIs(t, err, errors.ErrUpstreamTimeout)
	})
}
