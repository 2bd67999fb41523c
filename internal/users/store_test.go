package users

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"pulseboard/api/internal/filestore"
)

func newTestStore() (*Store, *filestore.Memory) {
	mem := filestore.NewMemory()
	s := NewStore(mem, "hunter2")
	s.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return s, mem
}

func TestSeedAdminOnEmptyStore(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.EnsureSeedAdmin(ctx))

	admin, err := s.Get(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", admin.Role)
	assert.True(t, admin.Permissions["userManager"])
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte("hunter2")))
}

func TestSeedAdminRepairsBrokenHash(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()

	mem.Corrupt(usersPath, []byte(`{"users":{"admin":{"userId":"admin","role":"executive","passwordHash":"plaintext-oops"}}}`))
	require.NoError(t, s.EnsureSeedAdmin(ctx))

	admin, err := s.Get(ctx, "admin")
	require.NoError(t, err)
	// Existing fields survive the reseed; only the hash is replaced.
	assert.Equal(t, "executive", admin.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte("hunter2")))
}

func TestSeedAdminLeavesValidHashAlone(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.EnsureSeedAdmin(ctx))
	before, err := s.Get(ctx, "admin")
	require.NoError(t, err)

	require.NoError(t, s.EnsureSeedAdmin(ctx))
	after, err := s.Get(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)
}

func TestAuthenticate(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "alice", "s3cret", "editor", nil))

	u, err := s.Authenticate(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.UserID)
	assert.Equal(t, "editor", u.Role)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "nobody", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUpsertNormalizesRole(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "bob", "pw", "superuser", nil))

	u, err := s.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "viewer", u.Role)
}

func TestUpdate(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "alice", "pw1", "viewer", nil))
	before, _ := s.Get(ctx, "alice")

	require.NoError(t, s.Update(ctx, "alice", "executive", "", map[string]bool{"userManager": true}))
	u, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "executive", u.Role)
	assert.True(t, u.Permissions["userManager"])
	assert.Equal(t, before.PasswordHash, u.PasswordHash)

	require.NoError(t, s.Update(ctx, "alice", "", "pw2", nil))
	_, err = s.Authenticate(ctx, "alice", "pw2")
	assert.NoError(t, err)

	assert.ErrorIs(t, s.Update(ctx, "ghost", "viewer", "", nil), ErrNotFound)
}

func TestDeleteUser(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "alice", "pw", "viewer", nil))

	require.NoError(t, s.Delete(ctx, "alice"))
	_, err := s.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "alice"), ErrNotFound)
}

func TestListSortedWithoutHashes(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "zed", "pw", "viewer", nil))
	require.NoError(t, s.Upsert(ctx, "amy", "pw", "editor", map[string]bool{"userManager": true}))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "amy", list[0].UserID)
	assert.Equal(t, "zed", list[1].UserID)
	assert.True(t, list[0].Permissions["userManager"])
}

func TestCanManage(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "mgr", "pw", "editor", map[string]bool{"userManager": true}))
	require.NoError(t, s.Upsert(ctx, "pleb", "pw", "editor", nil))

	ok, err := s.CanManage(ctx, "mgr", "editor")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CanManage(ctx, "pleb", "editor")
	require.NoError(t, err)
	assert.False(t, ok)

	// Stored role beats a stale admin session role.
	require.NoError(t, s.Upsert(ctx, "demoted", "pw", "viewer", nil))
	ok, err = s.CanManage(ctx, "demoted", "admin")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown user falls back to the session role.
	ok, err = s.CanManage(ctx, "ghost", "admin")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCorruptUsersFileTreatedAsEmpty(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()
	mem.Corrupt(usersPath, []byte("}{"))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
