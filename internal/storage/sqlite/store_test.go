package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmgroups/internal/storage/sqlite"
	"github.com/relves/swarmgroups/pkg/types"
)

const testGroup = types.GroupID("0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0")

func openTestStore(t *testing.T) *sqlite.GroupStore {
	t.Helper()
	store, err := sqlite.OpenGroupStore(t.TempDir(), testGroup)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGroupStore_OpenAndClose(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := sqlite.OpenGroupStore(tmpDir, testGroup)
	require.NoError(t, err)
	require.NotNil(t, store)

	dbPath := filepath.Join(tmpDir, "groups", string(testGroup), "group.db")
	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
	assert.Equal(t, dbPath, store.DBPath())

	assert.NoError(t, store.Close())
}

func TestGroupStore_OpenExisting(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	store1, err := sqlite.OpenGroupStore(tmpDir, testGroup)
	require.NoError(t, err)
	require.NoError(t, store1.SetConfigDump(ctx, []byte("dump")))
	require.NoError(t, store1.Close())

	store2, err := sqlite.OpenGroupStore(tmpDir, testGroup)
	require.NoError(t, err)
	defer store2.Close()

	data, err := store2.GetConfigDump(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("dump"), data)
}

func TestGroupStore_GroupRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.GetGroup(ctx)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	joined := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := types.Group{
		ID:       testGroup,
		Name:     "team",
		AdminKey: make([]byte, 32),
		JoinedAt: joined,
	}
	require.NoError(t, store.PutGroup(ctx, g))

	got, err := store.GetGroup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "team", got.Name)
	assert.True(t, got.IsAdmin())
	assert.True(t, got.JoinedAt.Equal(joined))
	assert.True(t, got.ShouldPoll())

	t.Run("update flags", func(t *testing.T) {
		g.Kicked = true
		g.AdminKey = nil
		require.NoError(t, store.PutGroup(ctx, g))

		got, err := store.GetGroup(ctx)
		require.NoError(t, err)
		assert.True(t, got.Kicked)
		assert.False(t, got.IsAdmin())
		assert.False(t, got.ShouldPoll())
	})

	t.Run("foreign record rejected", func(t *testing.T) {
		err := store.PutGroup(ctx, types.Group{ID: "other"})
		assert.Error(t, err)
	})
}

func TestGroupStore_ConfigDump(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	data, err := store.GetConfigDump(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, store.SetConfigDump(ctx, []byte{1, 2, 3}))
	require.NoError(t, store.SetConfigDump(ctx, []byte{4, 5}))

	data, err = store.GetConfigDump(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, data)
}

func TestGroupStore_Revocations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := types.RevocationEntry{Type: types.RevokeAccount, Target: "did:key:z6MkFirst", Timestamp: time.Now().Add(-time.Minute)}
	second := types.RevocationEntry{Type: types.RevokeAccount, Target: "did:key:z6MkSecond", Timestamp: time.Now()}

	require.NoError(t, store.AddRevocation(ctx, second))
	require.NoError(t, store.AddRevocation(ctx, first))
	require.NoError(t, store.AddRevocation(ctx, first), "idempotent")

	revoked, err := store.IsRevoked(ctx, first.Target)
	require.NoError(t, err)
	assert.True(t, revoked)

	entries, err := store.GetRevocations(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.Target, entries[0].Target)
	assert.Equal(t, types.RevokeAccount, entries[0].Type)

	require.NoError(t, store.RemoveRevocation(ctx, first.Target))
	revoked, err = store.IsRevoked(ctx, first.Target)
	require.NoError(t, err)
	assert.False(t, revoked)
}
