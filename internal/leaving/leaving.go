// Package leaving runs the leave and destroy workflow of a group as a
// retryable background job.
package leaving

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relves/swarmgroups/internal/groups"
	"github.com/relves/swarmgroups/internal/jobs"
	"github.com/relves/swarmgroups/internal/storage"
	"github.com/relves/swarmgroups/pkg/types"
)

// Sender stores group messages and destroys groups.
type Sender interface {
	Send(ctx context.Context, group types.GroupID, msg types.GroupMessage) (string, error)
	DestroyGroup(ctx context.Context, group types.GroupID) error
}

// PushRegistry manages push notification subscriptions.
type PushRegistry interface {
	Unsubscribe(ctx context.Context, group types.GroupID) error
}

// Pollers stops polling a group.
type Pollers interface {
	Stop(group types.GroupID)
}

// Config holds workflow settings.
type Config struct {
	// AckTimeout bounds the wait for the swarm to accept both member-left
	// messages.
	// Default: 30s
	AckTimeout time.Duration

	// ConfirmTimeout bounds the wait for the destroyed config push.
	// Default: 30s
	ConfirmTimeout time.Duration

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the workflow's collaborators. Push and Pollers are optional.
type Deps struct {
	Registry   *groups.Registry
	Sender     Sender
	Supervisor *jobs.Supervisor
	Push       PushRegistry
	Pollers    Pollers
}

// Workflow leaves groups.
type Workflow struct {
	cfg    Config
	logger *slog.Logger
	deps   Deps
}

// New creates a Workflow.
func New(cfg Config, deps Deps) (*Workflow, error) {
	cfg.ApplyDefaults()
	if deps.Registry == nil || deps.Sender == nil || deps.Supervisor == nil {
		return nil, errors.New("leaving: registry, sender and supervisor are required")
	}
	return &Workflow{cfg: cfg, logger: cfg.Logger, deps: deps}, nil
}

// Submit enqueues the workflow for group and returns the job id. The job is
// retried until it succeeds or fails with a non-retryable error.
func (w *Workflow) Submit(group types.GroupID, deleteGroup bool, opts ...jobs.Option) string {
	return w.deps.Supervisor.Submit("leave-group", func(ctx context.Context) error {
		return w.Run(ctx, group, deleteGroup)
	}, opts...)
}

// Run executes one attempt of the workflow.
func (w *Workflow) Run(ctx context.Context, group types.GroupID, deleteGroup bool) (err error) {
	g, err := w.deps.Registry.Get(group)
	if err != nil {
		return err
	}
	store, err := w.deps.Registry.Store(group)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger := w.logger.With("group", group.Short(), "delete", deleteGroup)

	if err := store.DeleteSystemMessages(ctx, types.SystemLeaving); err != nil {
		return fmt.Errorf("clear leaving state: %w", err)
	}
	if err := w.record(ctx, store, group, types.SystemLeaving, "leaving group"); err != nil {
		return fmt.Errorf("record leaving state: %w", err)
	}
	defer func() {
		if _, gerr := w.deps.Registry.Get(group); gerr != nil {
			return
		}
		if cerr := store.DeleteSystemMessages(context.WithoutCancel(ctx), types.SystemLeaving); cerr != nil {
			logger.Warn("failed to clear leaving state", "error", cerr)
		}
	}()

	err = w.leave(ctx, logger, g, deleteGroup)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}

	logger.Error("failed to leave group", "error", err, "retryable", !groups.IsNonRetryable(err))
	if rerr := w.record(context.WithoutCancel(ctx), store, group, types.SystemLeavingError,
		fmt.Sprintf("error while leaving: %v", err)); rerr != nil {
		logger.Warn("failed to record leaving error", "error", rerr)
	}
	return err
}

func (w *Workflow) leave(ctx context.Context, logger *slog.Logger, g types.Group, deleteGroup bool) error {
	group := g.ID
	w.unsubscribe(ctx, logger, group)

	if !g.Destroyed {
		st, err := w.deps.Registry.Config(group)
		if err != nil {
			return err
		}
		self := w.deps.Registry.Self()
		admins := st.Snapshot().Admins()
		soleAdmin := st.IsAdmin() && !slices.ContainsFunc(admins, func(id types.AccountID) bool { return id != self })

		if !g.Kicked && !soleAdmin {
			if err := w.announce(ctx, group); err != nil {
				return err
			}
		}

		if soleAdmin || deleteGroup {
			dctx, cancel := context.WithTimeout(ctx, w.cfg.ConfirmTimeout)
			err := w.deps.Sender.DestroyGroup(dctx, group)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return err
				}
				logger.Warn("destroyed state not confirmed, cleaning up anyway", "error", err)
			}
		}
	}

	if err := w.drop(ctx, group); err != nil {
		return err
	}
	logger.Info("left group")
	return nil
}

// Teardown exits group locally without telling the swarm. Used when the
// group can no longer be administered.
func (w *Workflow) Teardown(ctx context.Context, group types.GroupID) error {
	logger := w.logger.With("group", group.Short())
	w.unsubscribe(ctx, logger, group)
	if err := w.drop(ctx, group); err != nil {
		return err
	}
	logger.Info("group torn down")
	return nil
}

func (w *Workflow) unsubscribe(ctx context.Context, logger *slog.Logger, group types.GroupID) {
	if w.deps.Push == nil {
		return
	}
	if err := w.deps.Push.Unsubscribe(ctx, group); err != nil {
		logger.Warn("failed to unsubscribe from push", "error", err)
	}
}

func (w *Workflow) drop(ctx context.Context, group types.GroupID) error {
	if w.deps.Pollers != nil {
		w.deps.Pollers.Stop(group)
	}
	if err := w.deps.Registry.Remove(ctx, group); err != nil {
		return fmt.Errorf("remove local state: %w", err)
	}
	return nil
}

// announce stores the member-left message and its notification and waits
// for both to be accepted.
func (w *Workflow) announce(ctx context.Context, group types.GroupID) error {
	actx, cancel := context.WithTimeout(ctx, w.cfg.AckTimeout)
	defer cancel()

	now := w.cfg.Now().UnixMilli()
	eg, ectx := errgroup.WithContext(actx)
	for _, kind := range []types.MessageKind{types.KindMemberLeft, types.KindMemberLeftNotification} {
		eg.Go(func() error {
			_, err := w.deps.Sender.Send(ectx, group, types.GroupMessage{Kind: kind, Timestamp: now})
			if err != nil {
				return fmt.Errorf("send %s: %w", kind, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (w *Workflow) record(ctx context.Context, store storage.StateStore, group types.GroupID, kind types.SystemKind, body string) error {
	return store.AddSystemMessage(ctx, types.SystemMessage{
		ID:        uuid.NewString(),
		Group:     group,
		Kind:      kind,
		Body:      body,
		CreatedAt: w.cfg.Now(),
	})
}
