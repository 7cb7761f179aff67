package poller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relves/swarmgroups/internal/groups"
	"github.com/relves/swarmgroups/pkg/types"
)

type running struct {
	poller *Poller
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one poller per pollable group.
type Manager struct {
	ctx    context.Context
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	pollers map[types.GroupID]*running
	wg      sync.WaitGroup
}

// NewManager creates a Manager. Pollers stop when ctx is done.
func NewManager(ctx context.Context, cfg Config, deps Deps) *Manager {
	cfg.ApplyDefaults()
	return &Manager{
		ctx:     ctx,
		cfg:     cfg,
		deps:    deps,
		logger:  cfg.Logger,
		pollers: make(map[types.GroupID]*running),
	}
}

// StartAll starts a poller for every group that should be polled.
func (m *Manager) StartAll() error {
	for _, g := range m.deps.Registry.Groups() {
		if !g.ShouldPoll() {
			continue
		}
		if err := m.Start(g.ID); err != nil {
			return err
		}
	}
	return nil
}

// Start starts polling group. Starting a running group is a no-op.
func (m *Manager) Start(group types.GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pollers[group]; ok {
		return nil
	}

	p, err := New(group, m.cfg, m.deps)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(m.ctx)
	r := &running{poller: p, cancel: cancel, done: make(chan struct{})}
	m.pollers[group] = r

	m.wg.Go(func() {
		defer close(r.done)
		err := p.Run(ctx)
		if groups.IsNonRetryable(err) {
			m.logger.Info("polling stopped", "group", group.Short(), "reason", err)
		}
		m.mu.Lock()
		if m.pollers[group] == r {
			delete(m.pollers, group)
		}
		m.mu.Unlock()
		cancel()
	})
	m.logger.Debug("polling started", "group", group.Short())
	return nil
}

// Stop stops polling group and waits for the poller to exit.
func (m *Manager) Stop(group types.GroupID) {
	m.mu.Lock()
	r, ok := m.pollers[group]
	delete(m.pollers, group)
	m.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// StopAll stops every poller and waits for them.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for _, r := range m.pollers {
		r.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Get returns the running poller of group.
func (m *Manager) Get(group types.GroupID) (*Poller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.pollers[group]
	if !ok {
		return nil, false
	}
	return r.poller, true
}

// PollNow triggers an immediate cycle for group.
func (m *Manager) PollNow(group types.GroupID) bool {
	p, ok := m.Get(group)
	if !ok {
		return false
	}
	return p.Trigger()
}
