// Package orchestrator performs group membership changes. Each operation is
// a single unit under the group's lock: config mutation, one swarm batch,
// then a signed broadcast and a local audit record. Operations run detached
// from the caller's context so an abandoned caller cannot cut them short.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relves/swarmgroups/internal/groupconfig"
	"github.com/relves/swarmgroups/internal/groups"
	"github.com/relves/swarmgroups/internal/jobs"
	"github.com/relves/swarmgroups/internal/swarm"
	"github.com/relves/swarmgroups/internal/telemetry"
	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
)

// Contacts resolves known profiles for new member records.
type Contacts interface {
	Profile(ctx context.Context, id types.AccountID) (name, pic string, ok bool)
}

// DirectMessenger delivers one-to-one invitations and promotions.
type DirectMessenger interface {
	SendInvite(ctx context.Context, member types.AccountID, inv types.Invitation) error
	SendPromotion(ctx context.Context, member types.AccountID, p types.Promotion) error
}

// MessageHistory purges local messages authored by members and returns the
// swarm hashes of the purged messages.
type MessageHistory interface {
	PurgeFrom(ctx context.Context, group types.GroupID, members []types.AccountID) ([]string, error)
}

// Config holds orchestrator settings.
type Config struct {
	// ConfigTTL is the swarm TTL of config messages.
	// Default: 30 days
	ConfigTTL time.Duration

	// MessageTTL is the swarm TTL of group messages and notices.
	// Default: 14 days
	MessageTTL time.Duration

	// TokenTTL is the lifetime of issued subaccount tokens.
	// Default: 365 days
	TokenTTL time.Duration

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ConfigTTL == 0 {
		c.ConfigTTL = 30 * 24 * time.Hour
	}
	if c.MessageTTL == 0 {
		c.MessageTTL = 14 * 24 * time.Hour
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 365 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the orchestrator's collaborators. Contacts, History and Teardown
// are optional.
type Deps struct {
	Registry   *groups.Registry
	Resolver   swarm.Resolver
	Supervisor *jobs.Supervisor
	Messenger  DirectMessenger
	Contacts   Contacts
	History    MessageHistory

	// Teardown exits a group locally. Default: Registry.Remove.
	Teardown func(ctx context.Context, group types.GroupID) error
}

// Orchestrator executes membership operations.
type Orchestrator struct {
	cfg        Config
	logger     *slog.Logger
	registry   *groups.Registry
	resolver   swarm.Resolver
	supervisor *jobs.Supervisor
	messenger  DirectMessenger
	contacts   Contacts
	history    MessageHistory
	teardown   func(ctx context.Context, group types.GroupID) error
	pending    *pendingTracker
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if deps.Registry == nil || deps.Resolver == nil || deps.Supervisor == nil || deps.Messenger == nil {
		return nil, errors.New("orchestrator: registry, resolver, supervisor and messenger are required")
	}
	o := &Orchestrator{
		cfg:        cfg,
		logger:     cfg.Logger,
		registry:   deps.Registry,
		resolver:   deps.Resolver,
		supervisor: deps.Supervisor,
		messenger:  deps.Messenger,
		contacts:   deps.Contacts,
		history:    deps.History,
		teardown:   deps.Teardown,
		pending:    newPendingTracker(),
	}
	if o.teardown == nil {
		o.teardown = o.registry.Remove
	}
	return o, nil
}

// run executes fn detached from ctx under the group's lock.
func (o *Orchestrator) run(ctx context.Context, group types.GroupID, op string, fn func(ctx context.Context) error) error {
	start := o.cfg.Now()
	err := o.supervisor.Do(ctx, op, func(ctx context.Context) error {
		unlock, err := o.registry.Lock(ctx, group, op)
		if err != nil {
			return err
		}
		defer unlock()
		return fn(ctx)
	})

	telemetry.MembershipOps.WithLabelValues(op, telemetry.Result(err)).Inc()
	if err != nil {
		o.logger.Warn("membership operation failed",
			"op", op,
			"group", group.Short(),
			"error", err)
		return err
	}
	o.logger.Info("membership operation done",
		"op", op,
		"group", group.Short(),
		"duration", o.cfg.Now().Sub(start))
	return nil
}

type adminCtx struct {
	state *groupconfig.State
	admin *signing.Ed25519Signer
	auth  swarm.Auth
	group types.Group
}

// adminFor loads the state of an active group and requires the admin key.
func (o *Orchestrator) adminFor(group types.GroupID) (adminCtx, error) {
	g, err := o.registry.Active(group)
	if err != nil {
		return adminCtx{}, err
	}
	return o.adminForGroup(g)
}

func (o *Orchestrator) adminForGroup(g types.Group) (adminCtx, error) {
	st, err := o.registry.Config(g.ID)
	if err != nil {
		return adminCtx{}, err
	}
	admin := st.Admin()
	if admin == nil {
		return adminCtx{}, groups.ErrPermissionDenied
	}
	auth, err := o.registry.Auth(g.ID)
	if err != nil {
		return adminCtx{}, err
	}
	return adminCtx{state: st, admin: admin, auth: auth, group: g}, nil
}

// push submits pre, the transaction's pending config, post and the deletion
// of superseded config as one batch. The transaction is confirmed and
// committed, and the config persisted, only if every item succeeded.
func (o *Orchestrator) push(ctx context.Context, ac adminCtx, txn *groupconfig.Txn, pre, post []swarm.Request) error {
	set, err := txn.Push()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	batch := swarm.Batch{Requests: append([]swarm.Request(nil), pre...)}
	for _, p := range set.Messages {
		batch.Requests = append(batch.Requests, swarm.StoreRequest(p.Namespace, p.Data, o.cfg.ConfigTTL, p.Timestamp))
	}
	batch.Requests = append(batch.Requests, post...)
	if len(set.Obsolete) > 0 {
		batch.Requests = append(batch.Requests, swarm.DeleteRequest(set.Obsolete))
	}

	client, err := o.resolver.ClientFor(ac.group.ID)
	if err != nil {
		return fmt.Errorf("resolve node: %w", err)
	}
	responses, err := swarm.Submit(ctx, client, ac.group.ID, batch, ac.auth)
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}

	hashes := make([]string, len(set.Messages))
	for i := range set.Messages {
		hashes[i] = responses[len(pre)+i].Hash
	}
	if err := txn.Confirm(set, hashes); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if err := o.registry.Persist(ctx, ac.group.ID); err != nil {
		o.logger.Error("failed to persist config", "group", ac.group.ID.Short(), "error", err)
	}
	return nil
}

// Send encrypts msg for the group and stores it in the messages namespace.
// Returns the swarm hash.
func (o *Orchestrator) Send(ctx context.Context, group types.GroupID, msg types.GroupMessage) (string, error) {
	st, err := o.registry.Config(group)
	if err != nil {
		return "", err
	}
	auth, err := o.registry.Auth(group)
	if err != nil {
		return "", err
	}
	if msg.Sender == "" {
		msg.Sender = o.registry.Self()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = o.cfg.Now().UnixMilli()
	}

	data, err := st.SealMessage(msg)
	if err != nil {
		return "", fmt.Errorf("encrypt %s: %w", msg.Kind, err)
	}
	client, err := o.resolver.ClientFor(group)
	if err != nil {
		return "", fmt.Errorf("resolve node: %w", err)
	}
	hash, err := client.Store(ctx, group, types.NamespaceGroupMessages, data, o.cfg.MessageTTL, msg.Timestamp, auth)
	if err != nil {
		return "", fmt.Errorf("store %s: %w", msg.Kind, err)
	}
	return hash, nil
}

// broadcast sends a signed MemberChange to the group.
func (o *Orchestrator) broadcast(ctx context.Context, ac adminCtx, change types.ChangeType, members []types.AccountID, historyShared bool) error {
	mc := types.MemberChange{
		Type:          change,
		Members:       members,
		Timestamp:     o.cfg.Now().UnixMilli(),
		HistoryShared: historyShared,
	}
	if err := signing.SignMemberChange(ac.admin, &mc); err != nil {
		return fmt.Errorf("sign member change: %w", err)
	}
	_, err := o.Send(ctx, ac.group.ID, types.GroupMessage{
		Kind:         types.KindMemberChange,
		Timestamp:    mc.Timestamp,
		MemberChange: &mc,
	})
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", change, err)
	}
	return nil
}

// audit records a local system message. Failures are logged only.
func (o *Orchestrator) audit(ctx context.Context, group types.GroupID, format string, args ...any) {
	store, err := o.registry.Store(group)
	if err == nil {
		err = store.AddSystemMessage(ctx, types.SystemMessage{
			ID:        uuid.NewString(),
			Group:     group,
			Kind:      types.SystemAudit,
			Body:      fmt.Sprintf(format, args...),
			CreatedAt: o.cfg.Now(),
		})
	}
	if err != nil {
		o.logger.Warn("failed to record audit message", "group", group.Short(), "error", err)
	}
}
