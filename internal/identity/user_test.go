package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/tests/testutil"
	"github.com/epam/modular-api/tests/testutil/inmemory"
)

type recordingRevoker struct {
	revoked []string
}

func (r *recordingRevoker) RevokeAll(_ context.Context, username string) error {
	r.revoked = append(r.revoked, username)
	return nil
}

type userFixture struct {
	users   *UserService
	groups  *GroupService
	revoker *recordingRevoker
}

func newUserFixture(t *testing.T, ctx context.Context) *userFixture {
	t.Helper()
	st := inmemory.NewStore()
	integrity := NewIntegrity("test-secret")
	policies := NewPolicyService(st, integrity)
	groups := NewGroupService(st, policies, integrity)
	revoker := &recordingRevoker{}

	_, err := policies.Create(ctx, "readers", testutil.AdminStatements())
	require.NoError(t, err)
	_, err = groups.Create(ctx, "viewers", []string{"readers"})
	require.NoError(t, err)

	return &userFixture{
		users:   NewUserService(st, groups, integrity, revoker),
		groups:  groups,
		revoker: revoker,
	}
}

func TestUserServiceCreate(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("stores a hashed password only", func(t *testing.T) {
		f := newUserFixture(t, ctx)
		u, generated, err := f.users.Create(ctx, "alice", "s3cret-password", []string{"viewers"})
		require.NoError(t, err)
		assert.Empty(t, generated)
		assert.Equal(t, models.StateActivated, u.State)
		assert.NotEqual(t, "s3cret-password", u.PasswordHash)
		assert.True(t, CheckPassword(u.PasswordHash, "s3cret-password"))
	})

	t.Run("generates a password when none supplied", func(t *testing.T) {
		f := newUserFixture(t, ctx)
		u, generated, err := f.users.Create(ctx, "alice", "", []string{"viewers"})
		require.NoError(t, err)
		assert.Len(t, generated, 20)
		assert.True(t, CheckPassword(u.PasswordHash, generated))
	})

	t.Run("unknown group fails", func(t *testing.T) {
		f := newUserFixture(t, ctx)
		_, _, err := f.users.Create(ctx, "alice", "s3cret-password", []string{"ghost"})
		assert.ErrorIs(t, err, errors.ErrReferencedEntityMissing)
	})

	t.Run("duplicate username fails", func(t *testing.T) {
		f := newUserFixture(t, ctx)
		_, _, err := f.users.Create(ctx, "alice", "s3cret-password", nil)
		require.NoError(t, err)
		_, _, err = f.users.Create(ctx, "alice", "s3cret-password", nil)
		assert.ErrorIs(t, err, errors.ErrAlreadyExists)
	})

	t.Run("invalid username fails", func(t *testing.T) {
		f := newUserFixture(t, ctx)
		_, _, err := f.users.Create(ctx, "no spaces allowed", "s3cret-password", nil)
		assert.ErrorIs(t, err, errors.ErrInvalidPayload)
	})
}

func TestUserServiceState(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("block records the reason and revokes tokens", func(t *testing.T) {
		f := newUserFixture(t, ctx)
		_, _, err := f.users.Create(ctx, "alice", "s3cret-password", nil)
		require.NoError(t, err)

		u, err := f.users.Block(ctx, "alice", "credentials leaked")
		require.NoError(t, err)
		assert.Equal(t, models.StateBlocked, u.State)
		assert.Equal(t, "credentials leaked", u.StateReason)
		assert.Equal(t, []string{"alice"}, f.revoker.revoked)

		_, err = f.users.Block(ctx, "alice", "again")
		assert.ErrorIs(t, err, errors.ErrInvalidState)
	})

	t.Run("unblock reactivates and clears the reason", func(t *testing.T) {
		f := newUserFixture(t, ctx)
		_, _, err := f.users.Create(ctx, "alice", "s3cret-password", nil)
		require.NoError(t, err)
		_, err = f.users.Block(ctx, "alice", "suspicious")
		require.NoError(t, err)

		u, err := f.users.Unblock(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, models.StateActivated, u.State)
		assert.Empty(t, u.StateReason)

		_, err = f.users.Unblock(ctx, "alice")
		assert.ErrorIs(t, err, errors.ErrInvalidState)
	})
}

func TestUserServiceCredentials(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("change password rehashes and revokes", func(t *testing.T) {
		f := newUserFixture(t, ctx)
		_, _, err := f.users.Create(ctx, "alice", "s3cret-password", nil)
		require.NoError(t, err)

		require.NoError(t, f.users.ChangePassword(ctx, "alice", "new-password"))
		u, err := f.users.Get(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, CheckPassword(u.PasswordHash, "new-password"))
		assert.False(t, CheckPassword(u.PasswordHash, "s3cret-password"))
		assert.Contains(t, f.revoker.revoked, "alice")
	})

	t.Run("change username moves the record", func(t *testing.T) {
		f := newUserFixture(t, ctx)
		_, _, err := f.users.Create(ctx, "alice", "s3cret-password", []string{"viewers"})
		require.NoError(t, err)

		u, err := f.users.ChangeUsername(ctx, "alice", "alice2")
		require.NoError(t, err)
		assert.Equal(t, "alice2", u.Username)
		assert.Equal(t, []string{"viewers"}, u.Groups)

		_, err = f.users.Get(ctx, "alice")
		assert.ErrorIs(t, err, errors.ErrNotFound)

		renamed, err := f.users.Get(ctx, "alice2")
		require.NoError(t, err)
		assert.Equal(t, models.ConsistencyOK, renamed.Consistency)
		assert.Contains(t, f.revoker.revoked, "alice")
	})
}

func TestUserServiceGroups(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newUserFixture(t, ctx)
	_, _, err := f.users.Create(ctx, "alice", "s3cret-password", nil)
	require.NoError(t, err)

	t.Run("add", func(t *testing.T) {
		u, err := f.users.AddToGroup(ctx, "alice", "viewers")
		require.NoError(t, err)
		assert.Equal(t, []string{"viewers"}, u.Groups)
	})

	t.Run("add twice fails", func(t *testing.T) {
		_, err := f.users.AddToGroup(ctx, "alice", "viewers")
		assert.ErrorIs(t, err, errors.ErrAlreadyExists)
	})

	t.Run("add unknown group fails", func(t *testing.T) {
		_, err := f.users.AddToGroup(ctx, "alice", "ghost")
		assert.ErrorIs(t, err, errors.ErrReferencedEntityMissing)
	})

	t.Run("remove", func(t *testing.T) {
		u, err := f.users.RemoveFromGroup(ctx, "alice", "viewers")
		require.NoError(t, err)
		assert.Empty(t, u.Groups)
	})

	t.Run("remove absent membership fails", func(t *testing.T) {
		_, err := f.users.RemoveFromGroup(ctx, "alice", "viewers")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestUserServiceMeta(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newUserFixture(t, ctx)
	_, _, err := f.users.Create(ctx, "alice", "s3cret-password", nil)
	require.NoError(t, err)

	t.Run("set", func(t *testing.T) {
		u, err := f.users.SetMetaAttribute(ctx, "alice", "region", []string{"eu-west-1", "eu-west-2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"eu-west-1", "eu-west-2"}, u.Meta.AllowedValues["region"])
	})

	t.Run("set existing fails", func(t *testing.T) {
		_, err := f.users.SetMetaAttribute(ctx, "alice", "region", []string{"us-east-1"})
		assert.ErrorIs(t, err, errors.ErrAlreadyExists)
	})

	t.Run("update replaces the allow-list", func(t *testing.T) {
		u, err := f.users.UpdateMetaAttribute(ctx, "alice", "region", []string{"us-east-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"us-east-1"}, u.Meta.AllowedValues["region"])
	})

	t.Run("update missing fails", func(t *testing.T) {
		_, err := f.users.UpdateMetaAttribute(ctx, "alice", "tenant", []string{"acme"})
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("aux data rides along", func(t *testing.T) {
		u, err := f.users.SetAuxData(ctx, "alice", "account_id", "000000000001")
		require.NoError(t, err)
		assert.Equal(t, "000000000001", u.Meta.AuxData["account_id"])
	})

	t.Run("delete", func(t *testing.T) {
		u, err := f.users.DeleteMetaAttribute(ctx, "alice", "region")
		require.NoError(t, err)
		_, ok := u.Meta.AllowedValues["region"]
		assert.False(t, ok)

		_, err = f.users.DeleteMetaAttribute(ctx, "alice", "region")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("reset clears everything", func(t *testing.T) {
		u, err := f.users.ResetMeta(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, u.Meta.AllowedValues)
		assert.Empty(t, u.Meta.AuxData)

		meta, err := f.users.GetMeta(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, meta.AllowedValues)
	})
}

func TestUserServiceDelete(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newUserFixture(t, ctx)
	_, _, err := f.users.Create(ctx, "alice", "s3cret-password", nil)
	require.NoError(t, err)

	require.NoError(t, f.users.Delete(ctx, "alice"))
	_, err = f.users.Get(ctx, "alice")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, []string{"alice"}, f.revoker.revoked)
}

func TestBootstrap(t *testing.T) {
	ctx := testutil.TestContext(t)
	st := inmemory.NewStore()
	integrity := NewIntegrity("test-secret")
	policies := NewPolicyService(st, integrity)
	groups := NewGroupService(st, policies, integrity)
	users := NewUserService(st, groups, integrity, nil)

	t.Run("seeds the admin chain", func(t *testing.T) {
		result, err := Bootstrap(ctx, policies, groups, users, "", testutil.DiscardLogger())
		require.NoError(t, err)
		assert.True(t, result.PolicyCreated)
		assert.True(t, result.GroupCreated)
		assert.True(t, result.UserCreated)
		assert.NotEmpty(t, result.GeneratedPassword)

		admin, err := users.Get(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, []string{"admin_group"}, admin.Groups)
		assert.True(t, CheckPassword(admin.PasswordHash, result.GeneratedPassword))
	})

	t.Run("second run changes nothing", func(t *testing.T) {
		result, err := Bootstrap(ctx, policies, groups, users, "", testutil.DiscardLogger())
		require.NoError(t, err)
		assert.False(t, result.PolicyCreated)
		assert.False(t, result.GroupCreated)
		assert.False(t, result.UserCreated)
		assert.Empty(t, result.GeneratedPassword)
	})
}
