// Package grouptest wires complete devices against a shared in-memory swarm
// node for tests.
package grouptest

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relves/swarmgroups/internal/groups"
	"github.com/relves/swarmgroups/internal/jobs"
	"github.com/relves/swarmgroups/internal/leaving"
	"github.com/relves/swarmgroups/internal/orchestrator"
	"github.com/relves/swarmgroups/internal/poller"
	"github.com/relves/swarmgroups/internal/storage/sqlite"
	"github.com/relves/swarmgroups/internal/swarm"
	"github.com/relves/swarmgroups/pkg/types"
)

// ErrUndeliverable is returned by the messenger for blocked recipients.
var ErrUndeliverable = errors.New("recipient unreachable")

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Network is a set of devices sharing one swarm node and one mailbox.
type Network struct {
	Node     *swarm.MemoryNode
	Resolver swarm.Resolver
	Mailbox  *Mailbox
}

// NewNetwork creates an empty network.
func NewNetwork(t *testing.T) *Network {
	t.Helper()
	node := swarm.NewMemoryNode(swarm.MemoryNodeConfig{ID: "node-1", Logger: Logger()})
	return &Network{
		Node:     node,
		Resolver: swarm.StaticResolver{Client: node},
		Mailbox:  NewMailbox(),
	}
}

// Device is one account with its full stack.
type Device struct {
	ID           types.AccountID
	Seed         []byte
	Registry     *groups.Registry
	Supervisor   *jobs.Supervisor
	Orchestrator *orchestrator.Orchestrator
	Processor    *Processor
	History      *History
	Leaving      *leaving.Workflow

	net     *Network
	mu      sync.Mutex
	pollers map[types.GroupID]*poller.Poller
}

// NewDevice creates a device with a fresh identity and sqlite stores under
// a temporary directory.
func (n *Network) NewDevice(t *testing.T) *Device {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	seed := priv.Seed()

	stores := sqlite.NewStoreManager(t.TempDir())
	reg, err := groups.NewRegistry(groups.RegistryConfig{
		IdentitySeed: seed,
		Stores:       stores,
		Logger:       Logger(),
	})
	require.NoError(t, err)

	sup := jobs.New(jobs.Config{
		MaxTries:        2,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Logger:          Logger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		stores.CloseAll()
	})

	d := &Device{
		ID:         reg.Self(),
		Seed:       seed,
		Registry:   reg,
		Supervisor: sup,
		Processor:  &Processor{},
		History:    &History{},
		net:        n,
		pollers:    make(map[types.GroupID]*poller.Poller),
	}

	d.Orchestrator, err = orchestrator.New(orchestrator.Config{Logger: Logger()}, orchestrator.Deps{
		Registry:   reg,
		Resolver:   n.Resolver,
		Supervisor: sup,
		Messenger:  n.Mailbox,
		Contacts:   n.Mailbox,
		History:    d.History,
	})
	require.NoError(t, err)

	d.Leaving, err = leaving.New(leaving.Config{
		AckTimeout:     2 * time.Second,
		ConfirmTimeout: 2 * time.Second,
		Logger:         Logger(),
	}, leaving.Deps{
		Registry:   reg,
		Sender:     d.Orchestrator,
		Supervisor: sup,
	})
	require.NoError(t, err)
	return d
}

// PollerDeps returns the dependencies a poller of this device uses.
func (d *Device) PollerDeps() poller.Deps {
	return poller.Deps{
		Registry:   d.Registry,
		Resolver:   d.net.Resolver,
		Processor:  d.Processor,
		MemberLeft: d.Orchestrator,
		Supervisor: d.Supervisor,
	}
}

// Poller returns the device's poller for group, creating it on first use.
func (d *Device) Poller(t *testing.T, group types.GroupID) *poller.Poller {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pollers[group]; ok {
		return p
	}
	p, err := poller.New(group, poller.Config{Logger: Logger()}, d.PollerDeps())
	require.NoError(t, err)
	d.pollers[group] = p
	return p
}

// Poll runs one poll cycle for group.
func (d *Device) Poll(t *testing.T, group types.GroupID) error {
	t.Helper()
	return d.Poller(t, group).Poll(context.Background())
}

// Join waits for the device's invitation to group, accepts it and runs a
// first poll.
func (d *Device) Join(t *testing.T, group types.GroupID) {
	t.Helper()
	inv := d.net.Mailbox.WaitInvite(t, d.ID, group)
	require.NoError(t, d.Orchestrator.AcceptInvite(context.Background(), inv))
	require.NoError(t, d.Poll(t, group))
}

// CreateGroup creates a group administered by d, invites members without
// sharing history and lets every member join.
func (d *Device) CreateGroup(t *testing.T, members ...*Device) types.GroupID {
	t.Helper()
	ctx := context.Background()
	group, err := d.Orchestrator.CreateGroup(ctx, "team", nil)
	require.NoError(t, err)
	if len(members) == 0 {
		return group
	}

	ids := make([]types.AccountID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	require.NoError(t, d.Orchestrator.InviteMembers(ctx, group, ids, false))
	for _, m := range members {
		m.Join(t, group)
	}
	return group
}

// Mailbox delivers invitations and promotions between devices and serves
// contact profiles.
type Mailbox struct {
	mu         sync.Mutex
	invites    map[types.AccountID][]types.Invitation
	promotions map[types.AccountID][]types.Promotion
	blocked    map[types.AccountID]bool
	profiles   map[types.AccountID]string
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		invites:    make(map[types.AccountID][]types.Invitation),
		promotions: make(map[types.AccountID][]types.Promotion),
		blocked:    make(map[types.AccountID]bool),
		profiles:   make(map[types.AccountID]string),
	}
}

// Block makes deliveries to member fail.
func (m *Mailbox) Block(member types.AccountID, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[member] = blocked
}

// SetProfile registers a contact name.
func (m *Mailbox) SetProfile(member types.AccountID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[member] = name
}

func (m *Mailbox) Profile(_ context.Context, id types.AccountID) (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.profiles[id]
	return name, "", ok
}

func (m *Mailbox) SendInvite(_ context.Context, member types.AccountID, inv types.Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked[member] {
		return ErrUndeliverable
	}
	m.invites[member] = append(m.invites[member], inv)
	return nil
}

func (m *Mailbox) SendPromotion(_ context.Context, member types.AccountID, p types.Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked[member] {
		return ErrUndeliverable
	}
	m.promotions[member] = append(m.promotions[member], p)
	return nil
}

// Invites returns the invitations delivered to member.
func (m *Mailbox) Invites(member types.AccountID) []types.Invitation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.invites[member])
}

// WaitInvite waits for the latest invitation of member to group.
func (m *Mailbox) WaitInvite(t *testing.T, member types.AccountID, group types.GroupID) types.Invitation {
	t.Helper()
	var inv types.Invitation
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, i := range slices.Backward(m.invites[member]) {
			if i.Group == group {
				inv = i
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "no invitation delivered")
	return inv
}

// WaitPromotion waits for a promotion of member in group.
func (m *Mailbox) WaitPromotion(t *testing.T, member types.AccountID, group types.GroupID) types.Promotion {
	t.Helper()
	var p types.Promotion
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, candidate := range m.promotions[member] {
			if candidate.Group == group {
				p = candidate
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "no promotion delivered")
	return p
}

// Processed is a message handed to a Processor.
type Processed struct {
	Group types.GroupID
	Hash  string
	Msg   types.GroupMessage
}

// Processor records processed messages.
type Processor struct {
	mu   sync.Mutex
	msgs []Processed
}

func (p *Processor) Process(_ context.Context, group types.GroupID, hash string, msg types.GroupMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, Processed{Group: group, Hash: hash, Msg: msg})
	return nil
}

// Messages returns everything processed so far.
func (p *Processor) Messages() []Processed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.msgs)
}

// OfKind returns the processed messages of one kind.
func (p *Processor) OfKind(kind types.MessageKind) []types.GroupMessage {
	var out []types.GroupMessage
	for _, m := range p.Messages() {
		if m.Msg.Kind == kind {
			out = append(out, m.Msg)
		}
	}
	return out
}

// Changes returns the processed member changes of one type.
func (p *Processor) Changes(change types.ChangeType) []types.MemberChange {
	var out []types.MemberChange
	for _, m := range p.OfKind(types.KindMemberChange) {
		if m.MemberChange.Type == change {
			out = append(out, *m.MemberChange)
		}
	}
	return out
}

// History records purge requests and returns preset hashes.
type History struct {
	mu     sync.Mutex
	Hashes []string
	Purged []types.AccountID
}

func (h *History) PurgeFrom(_ context.Context, _ types.GroupID, members []types.AccountID) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Purged = append(h.Purged, members...)
	return slices.Clone(h.Hashes), nil
}

// Writes returns the recorded non-retrieve requests for group.
func (n *Network) Writes(group types.GroupID) []swarm.Recorded {
	var out []swarm.Recorded
	for _, r := range n.Node.Requests() {
		if r.Group == group && r.Kind != swarm.KindRetrieve {
			out = append(out, r)
		}
	}
	return out
}

// Stores returns the recorded stores to ns for group.
func (n *Network) Stores(group types.GroupID, ns types.Namespace) []swarm.Recorded {
	var out []swarm.Recorded
	for _, r := range n.Writes(group) {
		if r.Kind == swarm.KindStore && r.Namespace == ns {
			out = append(out, r)
		}
	}
	return out
}
