package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmgroups/pkg/types"
)

func TestGroupStore_LastHash(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	hash, err := store.GetLastHash(ctx, types.NamespaceGroupMessages)
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, store.SetLastHash(ctx, types.NamespaceGroupMessages, "h1"))
	require.NoError(t, store.SetLastHash(ctx, types.NamespaceGroupMessages, "h2"))
	require.NoError(t, store.SetLastHash(ctx, types.NamespaceRevokedGroupMessages, "r1"))

	hash, err = store.GetLastHash(ctx, types.NamespaceGroupMessages)
	require.NoError(t, err)
	assert.Equal(t, "h2", hash)

	hash, err = store.GetLastHash(ctx, types.NamespaceRevokedGroupMessages)
	require.NoError(t, err)
	assert.Equal(t, "r1", hash)
}

func TestGroupStore_CheckOrUpdateDuplicate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	pubkey := string(testGroup)

	dup, err := store.CheckOrUpdateDuplicate(ctx, pubkey, types.NamespaceGroupMessages, "abc")
	require.NoError(t, err)
	assert.False(t, dup, "first sighting")

	dup, err = store.CheckOrUpdateDuplicate(ctx, pubkey, types.NamespaceGroupMessages, "abc")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = store.CheckOrUpdateDuplicate(ctx, pubkey, types.NamespaceRevokedGroupMessages, "abc")
	require.NoError(t, err)
	assert.False(t, dup, "namespaces are tracked separately")
}

func TestGroupStore_SystemMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	msgs := []types.SystemMessage{
		{ID: "1", Group: testGroup, Kind: types.SystemAudit, Body: "added", CreatedAt: now},
		{ID: "2", Group: testGroup, Kind: types.SystemLeaving, Body: "leaving", CreatedAt: now.Add(time.Millisecond)},
		{ID: "3", Group: testGroup, Kind: types.SystemLeaving, Body: "leaving again", CreatedAt: now.Add(2 * time.Millisecond)},
	}
	for _, m := range msgs {
		require.NoError(t, store.AddSystemMessage(ctx, m))
	}

	got, err := store.ListSystemMessages(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, types.SystemLeaving, got[2].Kind)

	require.NoError(t, store.DeleteSystemMessages(ctx, types.SystemLeaving))

	got, err = store.ListSystemMessages(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.SystemAudit, got[0].Kind)
	assert.Equal(t, "added", got[0].Body)
}
