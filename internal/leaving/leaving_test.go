package leaving_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmgroups/internal/groups"
	"github.com/relves/swarmgroups/internal/grouptest"
	"github.com/relves/swarmgroups/internal/jobs"
	"github.com/relves/swarmgroups/internal/leaving"
	"github.com/relves/swarmgroups/internal/swarm"
	"github.com/relves/swarmgroups/pkg/types"
)

type recordingPush struct {
	unsubscribed []types.GroupID
	err          error
}

func (p *recordingPush) Unsubscribe(_ context.Context, group types.GroupID) error {
	p.unsubscribed = append(p.unsubscribed, group)
	return p.err
}

type recordingPollers struct {
	stopped []types.GroupID
}

func (p *recordingPollers) Stop(group types.GroupID) {
	p.stopped = append(p.stopped, group)
}

func newWorkflow(t *testing.T, d *grouptest.Device, push leaving.PushRegistry, pollers leaving.Pollers) *leaving.Workflow {
	t.Helper()
	w, err := leaving.New(leaving.Config{
		AckTimeout:     2 * time.Second,
		ConfirmTimeout: 2 * time.Second,
		Logger:         grouptest.Logger(),
	}, leaving.Deps{
		Registry:   d.Registry,
		Sender:     d.Orchestrator,
		Supervisor: d.Supervisor,
		Push:       push,
		Pollers:    pollers,
	})
	require.NoError(t, err)
	return w
}

func systemKinds(t *testing.T, d *grouptest.Device, group types.GroupID) []types.SystemKind {
	t.Helper()
	store, err := d.Registry.Store(group)
	require.NoError(t, err)
	msgs, err := store.ListSystemMessages(context.Background())
	require.NoError(t, err)
	var out []types.SystemKind
	for _, m := range msgs {
		out = append(out, m.Kind)
	}
	return out
}

func TestLeave_SoleAdminDestroysGroup(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1 := net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1)

	push := &recordingPush{err: errors.New("push service down")}
	pollers := &recordingPollers{}
	w := newWorkflow(t, admin, push, pollers)
	net.Node.ResetRequests()

	require.NoError(t, w.Run(ctx, group, false))

	assert.Equal(t, []types.GroupID{group}, push.unsubscribed)
	assert.Equal(t, []types.GroupID{group}, pollers.stopped)
	assert.NotEmpty(t, net.Stores(group, types.NamespaceGroupInfo))
	assert.Empty(t, net.Stores(group, types.NamespaceGroupMessages), "sole admin does not announce leaving")
	_, err := admin.Registry.Get(group)
	assert.ErrorIs(t, err, groups.ErrGroupNotFound)

	err = m1.Poll(t, group)
	assert.ErrorIs(t, err, groups.ErrDestroyed)
	assert.Empty(t, m1.Processor.OfKind(types.KindMemberLeft))
}

func TestLeave_MemberAnnouncesDeparture(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1, m2 := net.NewDevice(t), net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1, m2)

	require.NoError(t, m1.Leaving.Run(ctx, group, false))
	_, err := m1.Registry.Get(group)
	assert.ErrorIs(t, err, groups.ErrGroupNotFound)
	assert.Len(t, net.Stores(group, types.NamespaceGroupMessages), 3, "added broadcast plus both departure messages")

	require.NoError(t, m2.Poll(t, group))
	assert.Len(t, m2.Processor.OfKind(types.KindMemberLeft), 1)
	assert.Len(t, m2.Processor.OfKind(types.KindMemberLeftNotification), 1)

	require.NoError(t, admin.Poll(t, group))
	st, err := admin.Registry.Config(group)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, ok := st.Snapshot().Member(m1.ID)
		return ok && rec.Removed
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLeave_DestroyConfirmFailureStillCleansUp(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1 := net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1)

	net.Node.InjectFault(swarm.Fault{Kind: swarm.KindStore, Namespace: types.NamespaceGroupInfo})
	t.Cleanup(net.Node.ClearFaults)

	require.NoError(t, admin.Leaving.Run(ctx, group, true))
	_, err := admin.Registry.Get(group)
	assert.ErrorIs(t, err, groups.ErrGroupNotFound)
}

func TestLeave_FailureRecordsErrorAndClearsLeavingState(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1 := net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1)

	net.Node.InjectFault(swarm.Fault{Kind: swarm.KindStore, Namespace: types.NamespaceGroupMessages})

	err := m1.Leaving.Run(ctx, group, false)
	require.Error(t, err)
	assert.True(t, jobs.Retryable(err))

	_, gerr := m1.Registry.Get(group)
	require.NoError(t, gerr, "local state is kept for the retry")
	kinds := systemKinds(t, m1, group)
	assert.Contains(t, kinds, types.SystemLeavingError)
	assert.NotContains(t, kinds, types.SystemLeaving)

	t.Run("retried job completes", func(t *testing.T) {
		net.Node.ClearFaults()
		done := make(chan error, 1)
		m1.Leaving.Submit(group, false,
			jobs.OnSuccess(func() { done <- nil }),
			jobs.OnFailure(func(err error) { done <- err }))

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("leave job did not finish")
		}
		_, err := m1.Registry.Get(group)
		assert.ErrorIs(t, err, groups.ErrGroupNotFound)
	})
}

func TestLeave_KickedMemberSkipsAnnouncement(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1 := net.NewDevice(t)
	ctx := context.Background()
	group := admin.CreateGroup(t, m1)

	require.NoError(t, admin.Orchestrator.RemoveMembers(ctx, group, []types.AccountID{m1.ID}, false))
	require.ErrorIs(t, m1.Poll(t, group), groups.ErrKicked)
	net.Node.ResetRequests()

	require.NoError(t, m1.Leaving.Run(ctx, group, false))
	assert.Empty(t, net.Writes(group))
	_, err := m1.Registry.Get(group)
	assert.ErrorIs(t, err, groups.ErrGroupNotFound)
}

func TestLeave_UnknownGroupIsPermanent(t *testing.T) {
	net := grouptest.NewNetwork(t)
	d := net.NewDevice(t)

	err := d.Leaving.Run(context.Background(), "unknown", false)
	assert.True(t, groups.IsNonRetryable(err))
	assert.False(t, jobs.Retryable(err))
}

func TestTeardown_LocalOnly(t *testing.T) {
	net := grouptest.NewNetwork(t)
	admin := net.NewDevice(t)
	m1 := net.NewDevice(t)
	group := admin.CreateGroup(t, m1)

	push := &recordingPush{}
	pollers := &recordingPollers{}
	w := newWorkflow(t, m1, push, pollers)
	net.Node.ResetRequests()

	require.NoError(t, w.Teardown(context.Background(), group))

	assert.Empty(t, net.Writes(group))
	assert.Equal(t, []types.GroupID{group}, push.unsubscribed)
	assert.Equal(t, []types.GroupID{group}, pollers.stopped)
	_, err := m1.Registry.Get(group)
	assert.ErrorIs(t, err, groups.ErrGroupNotFound)

	_, err = admin.Registry.Get(group)
	assert.NoError(t, err)
}
