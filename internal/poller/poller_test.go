package poller_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmgroups/internal/groups"
	"github.com/relves/swarmgroups/internal/grouptest"
	"github.com/relves/swarmgroups/internal/poller"
	"github.com/relves/swarmgroups/internal/swarm"
	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
)

func visible(body string) types.GroupMessage {
	return types.GroupMessage{Kind: types.KindVisible, Body: []byte(body)}
}

func bodies(p *grouptest.Processor) []string {
	var out []string
	for _, m := range p.OfKind(types.KindVisible) {
		out = append(out, string(m.Body))
	}
	return out
}

func TestPoller_SkipsDuplicateHashes(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1 := net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1)

	dupHash, err := admin.Orchestrator.Send(ctx, group, visible("seen"))
	require.NoError(t, err)
	_, err = admin.Orchestrator.Send(ctx, group, visible("fresh"))
	require.NoError(t, err)

	store, err := m1.Registry.Store(group)
	require.NoError(t, err)
	dup, err := store.CheckOrUpdateDuplicate(ctx, string(group), types.NamespaceGroupMessages, dupHash)
	require.NoError(t, err)
	require.False(t, dup)

	require.NoError(t, m1.Poll(t, group))
	assert.Equal(t, []string{"fresh"}, bodies(m1.Processor))
	for _, m := range m1.Processor.Messages() {
		assert.NotEqual(t, dupHash, m.Hash)
	}

	t.Run("a second cycle does not reprocess", func(t *testing.T) {
		require.NoError(t, m1.Poll(t, group))
		assert.Equal(t, []string{"fresh"}, bodies(m1.Processor))
	})
}

func TestPoller_ConfigMergedBeforeMessages(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1, m2 := net.NewDevice(t), net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1)

	// Rotate the key and send content m1 can only read after merging.
	require.NoError(t, admin.Orchestrator.InviteMembers(ctx, group, []types.AccountID{m2.ID}, false))
	_, err := admin.Orchestrator.Send(ctx, group, visible("after rekey"))
	require.NoError(t, err)

	net.Node.InjectFault(swarm.Fault{Kind: swarm.KindRetrieve, Namespace: types.NamespaceGroupKeys, Times: 1})
	err = m1.Poll(t, group)
	require.Error(t, err)
	assert.False(t, groups.IsNonRetryable(err))
	_, last, _ := m1.Poller(t, group).State()
	assert.Equal(t, poller.PartialFailure, last)
	assert.Empty(t, bodies(m1.Processor))

	store, err := m1.Registry.Store(group)
	require.NoError(t, err)
	lastHash, err := store.GetLastHash(ctx, types.NamespaceGroupMessages)
	require.NoError(t, err)

	require.NoError(t, m1.Poll(t, group))
	assert.Equal(t, []string{"after rekey"}, bodies(m1.Processor))
	st, err := m1.Registry.Config(group)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.ActiveGeneration())

	next, err := store.GetLastHash(ctx, types.NamespaceGroupMessages)
	require.NoError(t, err)
	assert.NotEqual(t, lastHash, next)
}

// keylessClient hides the keys namespace while hide is set, as if the keys
// message had not reached the node yet.
type keylessClient struct {
	swarm.Client
	hide atomic.Bool
}

func (c *keylessClient) Retrieve(ctx context.Context, group types.GroupID, ns types.Namespace, lastHash string, auth swarm.Auth) ([]types.ConfigMessage, error) {
	if ns == types.NamespaceGroupKeys && c.hide.Load() {
		return nil, nil
	}
	return c.Client.Retrieve(ctx, group, ns, lastHash, auth)
}

func addedMembers(p *grouptest.Processor) []types.AccountID {
	var out []types.AccountID
	for _, c := range p.Changes(types.ChangeAdded) {
		out = append(out, c.Members...)
	}
	return out
}

func TestPoller_ContentAheadOfKeysIsRetried(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1, m2 := net.NewDevice(t), net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1)

	client := &keylessClient{Client: net.Node}
	deps := m1.PollerDeps()
	deps.Resolver = swarm.StaticResolver{Client: client}
	p, err := poller.New(group, poller.Config{Logger: grouptest.Logger()}, deps)
	require.NoError(t, err)

	store, err := m1.Registry.Store(group)
	require.NoError(t, err)
	before, err := store.GetLastHash(ctx, types.NamespaceGroupMessages)
	require.NoError(t, err)

	// Rekeys to generation 2 and announces m2 under it.
	require.NoError(t, admin.Orchestrator.InviteMembers(ctx, group, []types.AccountID{m2.ID}, false))
	_, err = admin.Orchestrator.Send(ctx, group, visible("under gen 2"))
	require.NoError(t, err)

	client.hide.Store(true)
	require.NoError(t, p.Poll(ctx))
	st, err := m1.Registry.Config(group)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.ActiveGeneration())
	assert.NotContains(t, addedMembers(m1.Processor), m2.ID)
	assert.Empty(t, bodies(m1.Processor))

	after, err := store.GetLastHash(ctx, types.NamespaceGroupMessages)
	require.NoError(t, err)
	assert.Equal(t, before, after, "last hash stays before the unreadable message")

	client.hide.Store(false)
	require.NoError(t, p.Poll(ctx))
	assert.EqualValues(t, 2, st.ActiveGeneration())
	assert.Contains(t, addedMembers(m1.Processor), m2.ID)
	assert.Equal(t, []string{"under gen 2"}, bodies(m1.Processor))

	t.Run("processed once", func(t *testing.T) {
		require.NoError(t, p.Poll(ctx))
		added := addedMembers(m1.Processor)
		assert.Len(t, slices.DeleteFunc(added, func(id types.AccountID) bool { return id != m2.ID }), 1)
		assert.Equal(t, []string{"under gen 2"}, bodies(m1.Processor))
	})
}

func TestPoller_KickedIsNonRetryable(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1, m2 := net.NewDevice(t), net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1, m2)

	require.NoError(t, admin.Orchestrator.RemoveMembers(ctx, group, []types.AccountID{m1.ID}, false))

	t.Run("other members keep polling", func(t *testing.T) {
		require.NoError(t, m2.Poll(t, group))
		_, last, _ := m2.Poller(t, group).State()
		assert.Equal(t, poller.Success, last)
	})

	err := m1.Poll(t, group)
	assert.ErrorIs(t, err, groups.ErrKicked)
	assert.True(t, groups.IsNonRetryable(err))
	var cycleErr *poller.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ErrorIs(t, cycleErr.Primary, groups.ErrKicked)
	assert.NotEmpty(t, cycleErr.Secondary)

	_, last, _ := m1.Poller(t, group).State()
	assert.Equal(t, poller.Fatal, last)

	err = m1.Poller(t, group).Run(ctx)
	assert.True(t, groups.IsNonRetryable(err))
	current, _, _ := m1.Poller(t, group).State()
	assert.Equal(t, poller.Stopped, current)
}

func TestPoller_MemberLeftTriggersRemoval(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1 := net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1)

	_, err := m1.Orchestrator.Send(ctx, group, types.GroupMessage{Kind: types.KindMemberLeft})
	require.NoError(t, err)

	require.NoError(t, admin.Poll(t, group))
	st, err := admin.Registry.Config(group)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, ok := st.Snapshot().Member(m1.ID)
		return ok && rec.Removed
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, admin.Processor.OfKind(types.KindMemberLeft), 1)
}

func TestPoller_RejectsForgedMemberChange(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1, m2 := net.NewDevice(t), net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1, m2)

	forger, err := signing.NewEd25519Signer(m1.Seed)
	require.NoError(t, err)
	change := types.MemberChange{Type: types.ChangeRemoved, Members: []types.AccountID{m2.ID}, Timestamp: time.Now().UnixMilli()}
	change.Signature = forger.Sign([]byte("not the canonical payload"))

	_, err = m1.Orchestrator.Send(ctx, group, types.GroupMessage{Kind: types.KindMemberChange, MemberChange: &change})
	require.NoError(t, err)
	_, err = m1.Orchestrator.Send(ctx, group, visible("still delivered"))
	require.NoError(t, err)

	require.NoError(t, m2.Poll(t, group))
	assert.Empty(t, m2.Processor.Changes(types.ChangeRemoved))
	assert.Equal(t, []string{"still delivered"}, bodies(m2.Processor))
}

func TestPoller_MissingGroupIsFatal(t *testing.T) {
	net := grouptest.NewNetwork(t)
	d := net.NewDevice(t)

	p, err := poller.New("missing", poller.Config{Logger: grouptest.Logger()}, d.PollerDeps())
	require.NoError(t, err)
	err = p.Poll(context.Background())
	assert.ErrorIs(t, err, groups.ErrGroupNotFound)
	assert.True(t, groups.IsNonRetryable(err))
}

func TestPoller_CancelledCycle(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	group := admin.CreateGroup(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := admin.Poll(t, group)
	require.NoError(t, err)

	err = admin.Poller(t, group).Poll(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, groups.IsNonRetryable(err))
}

func TestPoller_New(t *testing.T) {
	_, err := poller.New("g", poller.Config{}, poller.Deps{})
	assert.Error(t, err)
}
