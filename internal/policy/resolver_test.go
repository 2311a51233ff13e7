package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epam/modular-api/internal/identity"
	"github.com/epam/modular-api/internal/policy"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/pkg/store"
	"github.com/epam/modular-api/tests/testutil"
	"github.com/epam/modular-api/tests/testutil/inmemory"
)

type fixture struct {
	store    *inmemory.Store
	policies *identity.PolicyService
	groups   *identity.GroupService
	users    *identity.UserService
	resolver *policy.Resolver
}

func newFixture() *fixture {
	st := inmemory.NewStore()
	integrity := identity.NewIntegrity("test-secret")
	policies := identity.NewPolicyService(st, integrity)
	groups := identity.NewGroupService(st, policies, integrity)
	users := identity.NewUserService(st, groups, integrity, nil)
	return &fixture{
		store:    st,
		policies: policies,
		groups:   groups,
		users:    users,
		resolver: policy.NewResolver(users, groups, policies),
	}
}

func (f *fixture) seedUser(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := f.policies.Create(ctx, "readers", []models.Statement{
		testutil.AllowStatement("m3", "tenant:describe"),
	})
	require.NoError(t, err)
	_, err = f.groups.Create(ctx, "viewers", []string{"readers"})
	require.NoError(t, err)
	_, _, err = f.users.Create(ctx, "alice", "s3cret-password", []string{"viewers"})
	require.NoError(t, err)
}

func TestResolverForUser(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("unions statements of all groups", func(t *testing.T) {
		f := newFixture()
		f.seedUser(t, ctx)

		_, err := f.policies.Create(ctx, "writers", []models.Statement{
			testutil.AllowStatement("m3", "tenant:create"),
		})
		require.NoError(t, err)
		_, err = f.groups.Create(ctx, "editors", []string{"writers"})
		require.NoError(t, err)
		_, err = f.users.AddToGroup(ctx, "alice", "editors")
		require.NoError(t, err)

		statements, err := f.resolver.ForUser(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, statements, 2)
	})

	t.Run("updated policy replaces its compiled statements", func(t *testing.T) {
		f := newFixture()
		f.seedUser(t, ctx)

		// Warm the compiled cache, then change the policy underneath it.
		statements, err := f.resolver.ForUser(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, policy.Evaluate(statements, "m3", "tenant/describe").Allowed)

		_, err = f.policies.Update(ctx, "readers", []models.Statement{
			testutil.AllowStatement("m3", "tenant:create"),
		})
		require.NoError(t, err)

		statements, err = f.resolver.ForUser(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, policy.Evaluate(statements, "m3", "tenant/describe").Allowed)
		assert.True(t, policy.Evaluate(statements, "m3", "tenant/create").Allowed)
	})

	t.Run("deleted group contributes nothing", func(t *testing.T) {
		f := newFixture()
		f.seedUser(t, ctx)

		require.NoError(t, f.groups.Delete(ctx, "viewers"))

		statements, err := f.resolver.ForUser(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, statements)
	})

	t.Run("tampered policy contributes nothing", func(t *testing.T) {
		f := newFixture()
		f.seedUser(t, ctx)

		// State flipped behind the service's back: the hash no longer
		// verifies, so the policy is excluded either way.
		var p models.Policy
		require.NoError(t, f.store.Get(ctx, store.CollectionPolicies, "readers", &p))
		p.State = models.StateBlocked
		require.NoError(t, f.store.Put(ctx, store.CollectionPolicies, "readers", p))

		statements, err := f.resolver.ForUser(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, statements)
	})

	t.Run("tampered user record refuses authorization", func(t *testing.T) {
		f := newFixture()
		f.seedUser(t, ctx)

		var u models.User
		require.NoError(t, f.store.Get(ctx, store.CollectionUsers, "alice", &u))
		u.Groups = append(u.Groups, "admin_group")
		require.NoError(t, f.store.Put(ctx, store.CollectionUsers, "alice", u))

		_, err := f.resolver.ForUser(ctx, "alice")
		assert.Error(t, err)
	})
}

func TestSimulator(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture()
	f.seedUser(t, ctx)

	sim := policy.NewSimulator(f.resolver)

	t.Run("user subject", func(t *testing.T) {
		result, err := sim.Simulate(ctx, policy.SimulationRequest{
			SubjectKind: policy.SubjectUser,
			SubjectName: "alice",
			Module:      "m3",
			CommandPath: "tenant/describe",
		})
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, "Allow", result.Effect)
	})

	t.Run("denied command reports reason", func(t *testing.T) {
		result, err := sim.Simulate(ctx, policy.SimulationRequest{
			SubjectKind: policy.SubjectUser,
			SubjectName: "alice",
			Module:      "m3",
			CommandPath: "tenant/delete",
		})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.NotEmpty(t, result.Reason)
	})

	t.Run("policy subject", func(t *testing.T) {
		result, err := sim.Simulate(ctx, policy.SimulationRequest{
			SubjectKind: policy.SubjectPolicy,
			SubjectName: "readers",
			Module:      "m3",
			CommandPath: "tenant/describe",
		})
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("unknown subject kind fails", func(t *testing.T) {
		_, err := sim.Simulate(ctx, policy.SimulationRequest{
			SubjectKind: "team",
			SubjectName: "alice",
			Module:      "m3",
			CommandPath: "tenant/describe",
		})
		assert.Error(t, err)
	})
}
