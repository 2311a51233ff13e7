package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/pkg/store"
	"github.com/epam/modular-api/tests/testutil"
	"github.com/epam/modular-api/tests/testutil/inmemory"
)

func newPolicyService() (*PolicyService, *inmemory.Store) {
	st := inmemory.NewStore()
	return NewPolicyService(st, NewIntegrity("test-secret")), st
}

func TestPolicyServiceCreate(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("creates an activated sealed policy", func(t *testing.T) {
		svc, _ := newPolicyService()
		p, err := svc.Create(ctx, "readers", testutil.AdminStatements())
		require.NoError(t, err)
		assert.Equal(t, "readers", p.PolicyName)
		assert.Equal(t, models.StateActivated, p.State)
		assert.NotEmpty(t, p.Hash)
		assert.False(t, p.CreationDate.IsZero())
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		svc, _ := newPolicyService()
		_, err := svc.Create(ctx, "readers", testutil.AdminStatements())
		require.NoError(t, err)
		_, err = svc.Create(ctx, "readers", testutil.AdminStatements())
		assert.ErrorIs(t, err, errors.ErrAlreadyExists)
	})

	t.Run("rejects empty statements", func(t *testing.T) {
		svc, _ := newPolicyService()
		_, err := svc.Create(ctx, "empty", nil)
		assert.ErrorIs(t, err, errors.ErrInvalidPayload)
	})

	t.Run("rejects unknown effect", func(t *testing.T) {
		svc, _ := newPolicyService()
		_, err := svc.Create(ctx, "bad", []models.Statement{{
			Effect:    "Maybe",
			Module:    "m3",
			Resources: []string{"*"},
		}})
		assert.ErrorIs(t, err, errors.ErrInvalidPayload)
	})

	t.Run("rejects malformed resource patterns", func(t *testing.T) {
		svc, _ := newPolicyService()
		_, err := svc.Create(ctx, "bad", []models.Statement{{
			Effect:    models.EffectAllow,
			Module:    "m3",
			Resources: []string{"a:b:c"},
		}})
		assert.ErrorIs(t, err, errors.ErrInvalidPayload)
	})
}

func TestPolicyServiceUpdate(t *testing.T) {
	ctx := testutil.TestContext(t)
	svc, _ := newPolicyService()

	created, err := svc.Create(ctx, "readers", testutil.AdminStatements())
	require.NoError(t, err)

	updated, err := svc.Update(ctx, "readers", []models.Statement{
		testutil.AllowStatement("m3", "tenant:*"),
	})
	require.NoError(t, err)
	assert.Len(t, updated.Statements, 1)
	assert.Equal(t, "m3", updated.Statements[0].Module)
	assert.NotEqual(t, created.Hash, updated.Hash)

	t.Run("unknown policy fails", func(t *testing.T) {
		_, err := svc.Update(ctx, "ghost", testutil.AdminStatements())
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestPolicyServiceConsistency(t *testing.T) {
	ctx := testutil.TestContext(t)
	svc, st := newPolicyService()

	_, err := svc.Create(ctx, "readers", testutil.AdminStatements())
	require.NoError(t, err)

	t.Run("intact record reads ok", func(t *testing.T) {
		p, err := svc.Get(ctx, "readers")
		require.NoError(t, err)
		assert.Equal(t, models.ConsistencyOK, p.Consistency)
	})

	t.Run("tampered record is surfaced, not hidden", func(t *testing.T) {
		var p models.Policy
		require.NoError(t, st.Get(ctx, store.CollectionPolicies, "readers", &p))
		p.Statements[0].Effect = models.EffectDeny
		require.NoError(t, st.Put(ctx, store.CollectionPolicies, "readers", p))

		got, err := svc.Get(ctx, "readers")
		require.NoError(t, err)
		assert.Equal(t, models.ConsistencyCompromised, got.Consistency)

		list, err := svc.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.ConsistencyCompromised, list[0].Consistency)
	})
}

func TestPolicyServiceDelete(t *testing.T) {
	ctx := testutil.TestContext(t)
	svc, _ := newPolicyService()
	groups := NewGroupService(svc.store, svc, NewIntegrity("test-secret"))

	_, err := svc.Create(ctx, "readers", testutil.AdminStatements())
	require.NoError(t, err)
	_, err = groups.Create(ctx, "viewers", []string{"readers"})
	require.NoError(t, err)

	t.Run("referencing groups are reported", func(t *testing.T) {
		refs, err := svc.ReferencedBy(ctx, "readers")
		require.NoError(t, err)
		assert.Equal(t, []string{"viewers"}, refs)
	})

	t.Run("delete removes the record", func(t *testing.T) {
		require.NoError(t, svc.Delete(ctx, "readers"))
		_, err := svc.Get(ctx, "readers")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})
}
