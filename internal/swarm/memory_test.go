package swarm

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
	"github.com/relves/swarmgroups/pkg/ucan"
)

type testGroup struct {
	id    types.GroupID
	admin Auth
}

func newTestGroup(t *testing.T) testGroup {
	t.Helper()
	seed, err := signing.GenerateSeed()
	require.NoError(t, err)
	s, err := signing.NewEd25519Signer(seed)
	require.NoError(t, err)
	return testGroup{id: s.GroupID(), admin: Auth{Admin: s}}
}

func (g testGroup) memberAuth(t *testing.T) (Auth, string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	member := types.AccountIDFromPublicKey(pub)

	issuer, err := ucan.NewIssuer(g.admin.Admin.Seed())
	require.NoError(t, err)
	dlg, err := issuer.IssueSubaccountToken(member, time.Hour)
	require.NoError(t, err)
	token, err := ucan.FormatToken(dlg)
	require.NoError(t, err)

	tokenID, err := ucan.SubaccountTokenID(member)
	require.NoError(t, err)
	return Auth{Account: member, Token: token}, tokenID
}

func TestMemoryNode_StoreRetrieve(t *testing.T) {
	ctx := context.Background()
	node := NewMemoryNode(MemoryNodeConfig{ID: "n1"})
	g := newTestGroup(t)

	h1, err := node.Store(ctx, g.id, types.NamespaceGroupKeys, []byte("one"), time.Hour, 1, g.admin)
	require.NoError(t, err)
	h2, err := node.Store(ctx, g.id, types.NamespaceGroupKeys, []byte("two"), time.Hour, 2, g.admin)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	t.Run("all from empty last hash", func(t *testing.T) {
		msgs, err := node.Retrieve(ctx, g.id, types.NamespaceGroupKeys, "", g.admin)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, h1, msgs[0].Hash)
		assert.Equal(t, []byte("two"), msgs[1].Data)
	})

	t.Run("since last hash", func(t *testing.T) {
		msgs, err := node.Retrieve(ctx, g.id, types.NamespaceGroupKeys, h1, g.admin)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, h2, msgs[0].Hash)
	})

	t.Run("identical content dedups", func(t *testing.T) {
		again, err := node.Store(ctx, g.id, types.NamespaceGroupKeys, []byte("one"), time.Hour, 3, g.admin)
		require.NoError(t, err)
		assert.Equal(t, h1, again)
		assert.Len(t, node.Messages(g.id, types.NamespaceGroupKeys), 2)
	})

	t.Run("namespaces are independent", func(t *testing.T) {
		msgs, err := node.Retrieve(ctx, g.id, types.NamespaceGroupInfo, "", g.admin)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestMemoryNode_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	node := NewMemoryNode(MemoryNodeConfig{Now: func() time.Time { return now }})
	g := newTestGroup(t)

	hash, err := node.Store(ctx, g.id, types.NamespaceGroupInfo, []byte("info"), time.Minute, 1, g.admin)
	require.NoError(t, err)

	require.NoError(t, node.ExtendTTL(ctx, g.id, []string{hash}, now.Add(time.Hour), g.admin))

	now = now.Add(30 * time.Minute)
	assert.Len(t, node.Messages(g.id, types.NamespaceGroupInfo), 1)

	now = now.Add(time.Hour)
	assert.Empty(t, node.Messages(g.id, types.NamespaceGroupInfo))
}

func TestMemoryNode_Authorization(t *testing.T) {
	ctx := context.Background()
	node := NewMemoryNode(MemoryNodeConfig{})
	g := newTestGroup(t)
	member, tokenID := g.memberAuth(t)

	t.Run("member cannot write config", func(t *testing.T) {
		_, err := node.Store(ctx, g.id, types.NamespaceGroupMembers, []byte("x"), time.Hour, 1, member)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("member can write messages", func(t *testing.T) {
		_, err := node.Store(ctx, g.id, types.NamespaceGroupMessages, []byte("hi"), time.Hour, 1, member)
		assert.NoError(t, err)
	})

	t.Run("admin of another group is rejected", func(t *testing.T) {
		other := newTestGroup(t)
		_, err := node.Store(ctx, g.id, types.NamespaceGroupKeys, []byte("x"), time.Hour, 1, other.admin)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("revoked member keeps revoked namespace only", func(t *testing.T) {
		_, err := node.Store(ctx, g.id, types.NamespaceRevokedGroupMessages, []byte("kicked"), time.Hour, 1, g.admin)
		require.NoError(t, err)
		require.NoError(t, node.RevokeSubaccount(ctx, g.id, []string{tokenID}, g.admin))
		assert.True(t, node.IsRevoked(g.id, tokenID))

		_, err = node.Retrieve(ctx, g.id, types.NamespaceGroupMessages, "", member)
		assert.ErrorIs(t, err, ErrUnauthorized)

		msgs, err := node.Retrieve(ctx, g.id, types.NamespaceRevokedGroupMessages, "", member)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)

		require.NoError(t, node.UnrevokeSubaccount(ctx, g.id, []string{tokenID}, g.admin))
		_, err = node.Retrieve(ctx, g.id, types.NamespaceGroupMessages, "", member)
		assert.NoError(t, err)
	})

	t.Run("unrevoke of never revoked token is a no-op", func(t *testing.T) {
		assert.NoError(t, node.UnrevokeSubaccount(ctx, g.id, []string{"did:key:unknown"}, g.admin))
	})
}

func TestMemoryNode_Batch(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t)

	t.Run("unordered batch runs every item", func(t *testing.T) {
		node := NewMemoryNode(MemoryNodeConfig{})
		node.InjectFault(Fault{Kind: KindStore, Namespace: types.NamespaceGroupInfo, Times: 1})

		batch := Batch{Requests: []Request{
			StoreRequest(types.NamespaceGroupInfo, []byte("info"), time.Hour, 1),
			StoreRequest(types.NamespaceGroupMembers, []byte("members"), time.Hour, 1),
		}}
		resps, err := node.Batch(ctx, g.id, batch, g.admin)
		require.NoError(t, err)
		require.Len(t, resps, 2)
		assert.Equal(t, StatusServerError, resps[0].Status)
		assert.True(t, resps[1].OK())

		err = CheckBatch(batch, resps)
		assert.ErrorIs(t, err, ErrBatchPartialFailure)
		var batchErr *BatchError
		require.ErrorAs(t, err, &batchErr)
		assert.Equal(t, 0, batchErr.Index)
	})

	t.Run("sequential batch stops at first failure", func(t *testing.T) {
		node := NewMemoryNode(MemoryNodeConfig{})
		node.InjectFault(Fault{Kind: KindRevoke, Times: 1})

		batch := Batch{Sequential: true, Requests: []Request{
			RevokeRequest([]string{"tok"}),
			StoreRequest(types.NamespaceRevokedGroupMessages, []byte("notice"), time.Hour, 1),
		}}
		resps, err := node.Batch(ctx, g.id, batch, g.admin)
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, resps[1].Status)
		assert.Empty(t, node.Messages(g.id, types.NamespaceRevokedGroupMessages))
	})

	t.Run("delete removes hashes", func(t *testing.T) {
		node := NewMemoryNode(MemoryNodeConfig{})
		resps, err := Submit(ctx, node, g.id, Batch{Requests: []Request{
			StoreRequest(types.NamespaceGroupInfo, []byte("v1"), time.Hour, 1),
		}}, g.admin)
		require.NoError(t, err)

		_, err = Submit(ctx, node, g.id, Batch{Requests: []Request{
			DeleteRequest([]string{resps[0].Hash}),
		}}, g.admin)
		require.NoError(t, err)
		assert.Empty(t, node.Messages(g.id, types.NamespaceGroupInfo))
	})

	t.Run("requests are recorded", func(t *testing.T) {
		node := NewMemoryNode(MemoryNodeConfig{})
		_, err := Submit(ctx, node, g.id, Batch{Requests: []Request{
			UnrevokeRequest([]string{"tok"}),
		}}, g.admin)
		require.NoError(t, err)

		reqs := node.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, KindUnrevoke, reqs[0].Kind)
		assert.True(t, reqs[0].Batched)
		assert.Equal(t, []string{"tok"}, reqs[0].Tokens)
	})
}

func TestMemoryNode_RetrieveFault(t *testing.T) {
	ctx := context.Background()
	node := NewMemoryNode(MemoryNodeConfig{})
	g := newTestGroup(t)

	node.InjectFault(Fault{Kind: KindRetrieve, Namespace: types.NamespaceGroupMessages, Times: 1})

	_, err := node.Retrieve(ctx, g.id, types.NamespaceGroupMessages, "", g.admin)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, StatusServerError, statusErr.Status)

	_, err = node.Retrieve(ctx, g.id, types.NamespaceGroupMessages, "", g.admin)
	assert.NoError(t, err)
}

func TestComputeHash(t *testing.T) {
	a, err := ComputeHash(types.NamespaceGroupKeys, []byte("data"))
	require.NoError(t, err)
	b, err := ComputeHash(types.NamespaceGroupInfo, []byte("data"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	mhash, err := MultihashFromHash(a)
	require.NoError(t, err)
	assert.NotEmpty(t, mhash)
}
