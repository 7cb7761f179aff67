// Package groups tracks the groups this device belongs to: their local
// records, their decoded config and the per-group mutation lock.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/relves/swarmgroups/internal/groupconfig"
	"github.com/relves/swarmgroups/internal/storage"
	"github.com/relves/swarmgroups/internal/swarm"
	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// IdentitySeed is this device's ed25519 identity seed.
	IdentitySeed []byte

	Stores storage.Provider

	// Logger for registry events.
	// Default: slog.Default()
	Logger *slog.Logger

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// Registry holds every group known on this device.
type Registry struct {
	identity *signing.Ed25519Signer
	seed     []byte
	stores   storage.Provider
	coord    *Coordinator
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	groups map[types.GroupID]*entry
}

type entry struct {
	group types.Group
	state *groupconfig.State
}

// NewRegistry creates an empty Registry. Call Load to restore persisted groups.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	identity, err := signing.NewEd25519Signer(cfg.IdentitySeed)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if cfg.Stores == nil {
		return nil, errors.New("registry: stores required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		identity: identity,
		seed:     cfg.IdentitySeed,
		stores:   cfg.Stores,
		coord:    NewCoordinator(cfg.Logger),
		logger:   cfg.Logger,
		now:      cfg.Now,
		groups:   make(map[types.GroupID]*entry),
	}, nil
}

// Self returns this device's account id.
func (r *Registry) Self() types.AccountID {
	return r.identity.AccountID()
}

// Identity returns this device's identity signer.
func (r *Registry) Identity() *signing.Ed25519Signer {
	return r.identity
}

// Load restores every group persisted in the stores.
func (r *Registry) Load(ctx context.Context) error {
	ids, err := r.stores.ListGroups()
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	for _, id := range ids {
		store, err := r.stores.GetStateStore(id)
		if err != nil {
			return fmt.Errorf("open store %s: %w", id.Short(), err)
		}
		g, err := store.GetGroup(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("store without group record", "group", id.Short())
			continue
		}
		if err != nil {
			return fmt.Errorf("load group %s: %w", id.Short(), err)
		}

		st, err := r.newState(g)
		if err != nil {
			return err
		}
		dump, err := store.GetConfigDump(ctx)
		if err != nil {
			return fmt.Errorf("load config %s: %w", id.Short(), err)
		}
		if dump != nil {
			if err := st.Load(dump); err != nil {
				return fmt.Errorf("restore config %s: %w", id.Short(), err)
			}
		}

		r.mu.Lock()
		r.groups[id] = &entry{group: g, state: st}
		r.mu.Unlock()
	}

	r.logger.Info("groups loaded", "count", len(ids))
	return nil
}

func (r *Registry) newState(g types.Group) (*groupconfig.State, error) {
	var adminSeed []byte
	if g.IsAdmin() {
		adminSeed = g.AdminKey
	}
	st, err := groupconfig.New(groupconfig.Config{
		Group:        g.ID,
		IdentitySeed: r.seed,
		AdminSeed:    adminSeed,
		Now:          r.now,
	})
	if err != nil {
		return nil, fmt.Errorf("config state %s: %w", g.ID.Short(), err)
	}
	return st, nil
}

// Add registers a group and persists its record. Adding a known group
// updates the record and keeps the existing config.
func (r *Registry) Add(ctx context.Context, g types.Group) (*groupconfig.State, error) {
	if g.JoinedAt.IsZero() {
		g.JoinedAt = r.now()
	}

	r.mu.Lock()
	e, ok := r.groups[g.ID]
	if !ok {
		st, err := r.newState(g)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		e = &entry{state: st}
		r.groups[g.ID] = e
	} else if g.IsAdmin() && !e.state.IsAdmin() {
		if err := e.state.SetAdminKey(g.AdminKey); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	e.group = g
	r.mu.Unlock()

	if err := r.putGroup(ctx, g); err != nil {
		return nil, err
	}
	return e.state, nil
}

// Get returns the group record.
func (r *Registry) Get(id types.GroupID) (types.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.groups[id]
	if !ok {
		return types.Group{}, NonRetryable(id, ErrGroupNotFound)
	}
	return e.group, nil
}

// Active returns the group record if the group is still a valid target.
// Missing, kicked and destroyed groups yield a NonRetryableError.
func (r *Registry) Active(id types.GroupID) (types.Group, error) {
	g, err := r.Get(id)
	if err != nil {
		return g, err
	}
	switch {
	case g.Kicked:
		return g, NonRetryable(id, ErrKicked)
	case g.Destroyed:
		return g, NonRetryable(id, ErrDestroyed)
	}
	return g, nil
}

// Config returns the group's config state.
func (r *Registry) Config(id types.GroupID) (*groupconfig.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.groups[id]
	if !ok {
		return nil, NonRetryable(id, ErrGroupNotFound)
	}
	return e.state, nil
}

// Groups returns every group record sorted by id.
func (r *Registry) Groups() []types.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Group, 0, len(r.groups))
	for _, id := range slices.Sorted(maps.Keys(r.groups)) {
		out = append(out, r.groups[id].group)
	}
	return out
}

// Lock acquires the group's mutation lock.
func (r *Registry) Lock(ctx context.Context, id types.GroupID, operation string) (func(), error) {
	return r.coord.Lock(ctx, id, operation)
}

// Update applies fn to the group record and persists it.
func (r *Registry) Update(ctx context.Context, id types.GroupID, fn func(*types.Group)) error {
	r.mu.Lock()
	e, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return NonRetryable(id, ErrGroupNotFound)
	}
	fn(&e.group)
	g := e.group
	r.mu.Unlock()

	return r.putGroup(ctx, g)
}

// SetKicked marks the group kicked. Polling stops for kicked groups.
func (r *Registry) SetKicked(ctx context.Context, id types.GroupID) error {
	return r.Update(ctx, id, func(g *types.Group) { g.Kicked = true })
}

// SetDestroyed marks the group destroyed. Irreversible.
func (r *Registry) SetDestroyed(ctx context.Context, id types.GroupID) error {
	return r.Update(ctx, id, func(g *types.Group) { g.Destroyed = true })
}

// SetAdminKey installs the admin seed in both the record and the config.
func (r *Registry) SetAdminKey(ctx context.Context, id types.GroupID, seed []byte) error {
	st, err := r.Config(id)
	if err != nil {
		return err
	}
	if err := st.SetAdminKey(seed); err != nil {
		return err
	}
	return r.Update(ctx, id, func(g *types.Group) { g.AdminKey = seed })
}

// Remove forgets the group and deletes its local store.
func (r *Registry) Remove(ctx context.Context, id types.GroupID) error {
	r.mu.Lock()
	delete(r.groups, id)
	err := r.stores.DeleteStore(id)
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("delete store %s: %w", id.Short(), err)
	}
	r.logger.Info("group removed", "group", id.Short())
	return nil
}

// Store returns the group's local state store.
func (r *Registry) Store(id types.GroupID) (storage.StateStore, error) {
	return r.storeFor(id)
}

// storeFor opens the store of a registered group. The read lock keeps a
// concurrent Remove from being followed by the store's recreation.
func (r *Registry) storeFor(id types.GroupID) (storage.StateStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.groups[id]; !ok {
		return nil, NonRetryable(id, ErrGroupNotFound)
	}
	return r.stores.GetStateStore(id)
}

// Auth returns the swarm credentials for the group: the admin key on admin
// devices, the subaccount token otherwise.
func (r *Registry) Auth(id types.GroupID) (swarm.Auth, error) {
	g, err := r.Get(id)
	if err != nil {
		return swarm.Auth{}, err
	}
	st, err := r.Config(id)
	if err != nil {
		return swarm.Auth{}, err
	}
	auth := swarm.Auth{Account: r.Self(), Token: g.SubaccountToken}
	if admin := st.Admin(); admin != nil {
		auth.Admin = admin
	}
	return auth, nil
}

// Persist saves the group's config dump.
func (r *Registry) Persist(ctx context.Context, id types.GroupID) error {
	st, err := r.Config(id)
	if err != nil {
		return err
	}
	dump, err := st.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}
	store, err := r.storeFor(id)
	if err != nil {
		return err
	}
	if err := store.SetConfigDump(ctx, dump); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (r *Registry) putGroup(ctx context.Context, g types.Group) error {
	store, err := r.storeFor(g.ID)
	if err != nil {
		return fmt.Errorf("open store %s: %w", g.ID.Short(), err)
	}
	if err := store.PutGroup(ctx, g); err != nil {
		return fmt.Errorf("save group %s: %w", g.ID.Short(), err)
	}
	return nil
}
