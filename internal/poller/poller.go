// Package poller retrieves a group's swarm namespaces, merges config and
// hands decoded messages to the message processor. There is one Poller per
// group; a Manager runs them.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relves/swarmgroups/internal/groupconfig"
	"github.com/relves/swarmgroups/internal/groups"
	"github.com/relves/swarmgroups/internal/jobs"
	"github.com/relves/swarmgroups/internal/storage"
	"github.com/relves/swarmgroups/internal/swarm"
	"github.com/relves/swarmgroups/internal/telemetry"
	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
)

// State of a poller.
type State int

const (
	Idle State = iota
	Polling
	Success
	PartialFailure
	Fatal
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Success:
		return "success"
	case PartialFailure:
		return "partial_failure"
	case Fatal:
		return "fatal"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Processor consumes decoded group messages.
type Processor interface {
	Process(ctx context.Context, group types.GroupID, hash string, msg types.GroupMessage) error
}

// MemberLeftHandler removes a member that left on their own.
type MemberLeftHandler interface {
	HandleMemberLeft(ctx context.Context, group types.GroupID, member types.AccountID) error
}

// Deps are the poller's collaborators. MemberLeft is optional and runs on
// the Supervisor.
type Deps struct {
	Registry   *groups.Registry
	Resolver   swarm.Resolver
	Processor  Processor
	MemberLeft MemberLeftHandler
	Supervisor *jobs.Supervisor
}

// CycleError aggregates the failures of one poll cycle. Primary is the
// most significant failure; non-retryable conditions always come first.
type CycleError struct {
	Primary   error
	Secondary []error
}

func (e *CycleError) Error() string {
	if len(e.Secondary) == 0 {
		return e.Primary.Error()
	}
	return fmt.Sprintf("%v (and %d more)", e.Primary, len(e.Secondary))
}

func (e *CycleError) Unwrap() []error {
	return append([]error{e.Primary}, e.Secondary...)
}

// Poller polls one group.
type Poller struct {
	group   types.GroupID
	cfg     Config
	logger  *slog.Logger
	deps    Deps
	seen    *lru.Cache[string, struct{}]
	limiter *rate.Limiter
	trigger chan struct{}

	mu      sync.Mutex
	state   State
	result  State
	lastErr error
}

// New creates a poller for group.
func New(group types.GroupID, cfg Config, deps Deps) (*Poller, error) {
	cfg.ApplyDefaults()
	if deps.Registry == nil || deps.Resolver == nil || deps.Processor == nil {
		return nil, errors.New("poller: registry, resolver and processor are required")
	}
	if deps.MemberLeft != nil && deps.Supervisor == nil {
		return nil, errors.New("poller: member-left handling requires a supervisor")
	}
	seen, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, err
	}
	return &Poller{
		group:   group,
		cfg:     cfg,
		logger:  cfg.Logger.With("group", group.Short()),
		deps:    deps,
		seen:    seen,
		limiter: rate.NewLimiter(rate.Limit(cfg.TriggerRate), 1),
		trigger: make(chan struct{}, 1),
	}, nil
}

// Group returns the polled group.
func (p *Poller) Group() types.GroupID {
	return p.group
}

// State returns the current state and the outcome of the last cycle.
func (p *Poller) State() (current, last State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.result, p.lastErr
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Trigger requests an immediate cycle. Requests above the trigger rate are
// dropped and reported as false.
func (p *Poller) Trigger() bool {
	if !p.limiter.Allow() {
		return false
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
	return true
}

// Run polls until ctx is done or the group stops being a valid target, in
// which case the non-retryable error is returned.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	defer p.setState(Stopped)

	for {
		if err := p.Poll(ctx); groups.IsNonRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// Poll runs one cycle.
func (p *Poller) Poll(ctx context.Context) error {
	start := p.cfg.Now()
	p.setState(Polling)

	err := p.cycle(ctx)

	result := Success
	switch {
	case err == nil:
	case groups.IsNonRetryable(err):
		result = Fatal
	default:
		result = PartialFailure
	}

	p.mu.Lock()
	p.state = Idle
	p.result = result
	p.lastErr = err
	p.mu.Unlock()

	telemetry.PollCycles.WithLabelValues(result.String()).Inc()
	telemetry.PollDuration.Observe(p.cfg.Now().Sub(start).Seconds())

	switch {
	case result == Fatal:
		p.logger.Info("group no longer pollable", "error", err)
	case err != nil && !errors.Is(err, context.Canceled):
		p.logger.Warn("poll cycle failed", "error", err)
	}
	return err
}

type fetched struct {
	revoked, messages       []types.ConfigMessage
	config                  [3][]types.ConfigMessage
	revokedErr, messagesErr error
	configErr, extendErr    error
}

func (p *Poller) cycle(ctx context.Context) error {
	g, err := p.deps.Registry.Active(p.group)
	if err != nil {
		return err
	}
	st, err := p.deps.Registry.Config(p.group)
	if err != nil {
		return err
	}
	store, err := p.deps.Registry.Store(p.group)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	auth, err := p.deps.Registry.Auth(p.group)
	if err != nil {
		return err
	}
	client, err := p.deps.Resolver.ClientFor(p.group)
	if err != nil {
		return fmt.Errorf("resolve node: %w", err)
	}

	last := make(map[types.Namespace]string)
	for _, ns := range []types.Namespace{
		types.NamespaceRevokedGroupMessages,
		types.NamespaceGroupMessages,
		types.NamespaceGroupKeys,
		types.NamespaceGroupInfo,
		types.NamespaceGroupMembers,
	} {
		if last[ns], err = store.GetLastHash(ctx, ns); err != nil {
			return fmt.Errorf("last hash %s: %w", ns, err)
		}
	}

	f := p.fetch(ctx, client, st, auth, last)

	var errs []error
	add := func(step string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}

	merged := false
	if f.configErr != nil {
		add("retrieve config", f.configErr)
	} else if err := p.merge(ctx, st, store, f.config); err != nil {
		add("merge config", err)
	} else {
		merged = true
	}
	add("extend ttl", f.extendErr)

	switch {
	case f.messagesErr != nil:
		add("retrieve messages", f.messagesErr)
	case merged:
		add("process messages", p.processMessages(ctx, st, store, f.messages))
	default:
		// Left for the next cycle, after config is merged.
	}

	var fatal error
	if f.revokedErr != nil {
		add("retrieve revoked", f.revokedErr)
	} else {
		kicked, err := p.processRevoked(ctx, st, store, g, f.revoked)
		add("process revoked", err)
		if kicked {
			p.logger.Info("removed from group")
			add("mark kicked", p.deps.Registry.SetKicked(ctx, p.group))
			fatal = groups.NonRetryable(p.group, groups.ErrKicked)
		}
	}

	if fatal == nil && merged && st.Snapshot().Info.Destroyed {
		p.logger.Info("group destroyed by admin")
		add("mark destroyed", p.deps.Registry.SetDestroyed(ctx, p.group))
		fatal = groups.NonRetryable(p.group, groups.ErrDestroyed)
	}

	return aggregate(ctx, fatal, errs)
}

func (p *Poller) fetch(ctx context.Context, client swarm.Client, st *groupconfig.State, auth swarm.Auth, last map[types.Namespace]string) *fetched {
	f := &fetched{}
	var wg sync.WaitGroup
	wg.Go(func() {
		f.revoked, f.revokedErr = client.Retrieve(ctx, p.group, types.NamespaceRevokedGroupMessages, last[types.NamespaceRevokedGroupMessages], auth)
	})
	if auth.IsAdmin() {
		wg.Go(func() {
			hashes := st.ActiveHashes()
			if len(hashes) == 0 {
				return
			}
			f.extendErr = client.ExtendTTL(ctx, p.group, hashes, p.cfg.Now().Add(p.cfg.ConfigTTL), auth)
		})
	}
	wg.Go(func() {
		f.messages, f.messagesErr = client.Retrieve(ctx, p.group, types.NamespaceGroupMessages, last[types.NamespaceGroupMessages], auth)
	})
	wg.Go(func() {
		eg, ectx := errgroup.WithContext(ctx)
		for i, ns := range types.ConfigNamespaces {
			eg.Go(func() error {
				msgs, err := client.Retrieve(ectx, p.group, ns, last[ns], auth)
				if err != nil {
					return fmt.Errorf("%s: %w", ns, err)
				}
				f.config[i] = msgs
				return nil
			})
		}
		f.configErr = eg.Wait()
	})
	wg.Wait()
	return f
}

// merge applies config under the group lock and saves the config last
// hashes once the result is persisted.
func (p *Poller) merge(ctx context.Context, st *groupconfig.State, store storage.StateStore, config [3][]types.ConfigMessage) error {
	if len(config[0])+len(config[1])+len(config[2]) == 0 {
		return nil
	}

	unlock, err := p.deps.Registry.Lock(ctx, p.group, "poll-merge")
	if err != nil {
		return err
	}
	defer unlock()

	txn := st.Begin()
	res, err := txn.Merge(config[0], config[1], config[2])
	if err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if err := p.deps.Registry.Persist(ctx, p.group); err != nil {
		return err
	}
	for i, ns := range types.ConfigNamespaces {
		if n := len(config[i]); n > 0 {
			if err := store.SetLastHash(ctx, ns, config[i][n-1].Hash); err != nil {
				return fmt.Errorf("save last hash %s: %w", ns, err)
			}
		}
	}

	if res.Rejected > 0 {
		p.logger.Warn("rejected config messages", "count", res.Rejected)
	}
	p.logger.Debug("config merged",
		"keys", res.Keys,
		"info", res.Info,
		"members", res.Members,
		"undecryptable", res.Undecryptable)
	return nil
}

func (p *Poller) processMessages(ctx context.Context, st *groupconfig.State, store storage.StateStore, msgs []types.ConfigMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	for i, m := range msgs {
		if st.AwaitsKeys(m.Data) {
			// The keys message may land after the content it unlocks.
			// Resume from here once the next merge has it.
			p.logger.Debug("message ahead of merged keys, deferring", "hash", m.Hash, "remaining", len(msgs)-i)
			telemetry.Messages.WithLabelValues("deferred").Inc()
			p.Trigger()
			if i == 0 {
				return nil
			}
			return store.SetLastHash(ctx, types.NamespaceGroupMessages, msgs[i-1].Hash)
		}
		dup, err := p.seenBefore(ctx, store, types.NamespaceGroupMessages, m.Hash)
		if err != nil {
			return err
		}
		if dup {
			telemetry.Messages.WithLabelValues("duplicate").Inc()
			continue
		}
		if err := p.handle(ctx, st, m); err != nil {
			telemetry.Messages.WithLabelValues("error").Inc()
			p.logger.Warn("failed to process message", "hash", m.Hash, "error", err)
			continue
		}
		telemetry.Messages.WithLabelValues("processed").Inc()
	}
	return store.SetLastHash(ctx, types.NamespaceGroupMessages, msgs[len(msgs)-1].Hash)
}

func (p *Poller) handle(ctx context.Context, st *groupconfig.State, m types.ConfigMessage) error {
	msg, err := st.OpenMessage(m.Data)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	switch msg.Kind {
	case types.KindMemberChange:
		if msg.MemberChange == nil {
			return errors.New("member change without payload")
		}
		if err := signing.VerifyMemberChange(p.group, *msg.MemberChange); err != nil {
			return fmt.Errorf("verify member change: %w", err)
		}
	case types.KindDeleteMemberContent:
		if msg.DeleteContent == nil {
			return errors.New("delete directive without payload")
		}
		if err := signing.VerifyDeleteContent(p.group, *msg.DeleteContent); err != nil {
			return fmt.Errorf("verify delete directive: %w", err)
		}
	case types.KindMemberLeft:
		if p.deps.MemberLeft != nil && msg.Sender != p.deps.Registry.Self() {
			group, member := p.group, msg.Sender
			p.deps.Supervisor.Submit("member-left", func(ctx context.Context) error {
				return p.deps.MemberLeft.HandleMemberLeft(ctx, group, member)
			})
		}
	}

	return p.deps.Processor.Process(ctx, p.group, m.Hash, msg)
}

// processRevoked reports whether a kicked notice addresses this device.
// Notices older than the device's membership are ignored.
func (p *Poller) processRevoked(ctx context.Context, st *groupconfig.State, store storage.StateStore, g types.Group, msgs []types.ConfigMessage) (bool, error) {
	if len(msgs) == 0 {
		return false, nil
	}
	self := p.deps.Registry.Self()
	kicked := false
	for _, m := range msgs {
		dup, err := p.seenBefore(ctx, store, types.NamespaceRevokedGroupMessages, m.Hash)
		if err != nil {
			return kicked, err
		}
		if dup {
			continue
		}
		notice, err := st.OpenNotice(m.Data)
		if err != nil {
			p.logger.Debug("skipping unreadable notice", "hash", m.Hash, "error", err)
			continue
		}
		if notice.Member == self && notice.Timestamp >= g.JoinedAt.UnixMilli() {
			kicked = true
		}
	}
	return kicked, store.SetLastHash(ctx, types.NamespaceRevokedGroupMessages, msgs[len(msgs)-1].Hash)
}

func (p *Poller) seenBefore(ctx context.Context, store storage.StateStore, ns types.Namespace, hash string) (bool, error) {
	key := fmt.Sprintf("%d/%s", ns, hash)
	if p.seen.Contains(key) {
		return true, nil
	}
	dup, err := store.CheckOrUpdateDuplicate(ctx, string(p.group), ns, hash)
	if err != nil {
		return false, fmt.Errorf("dedup: %w", err)
	}
	p.seen.Add(key, struct{}{})
	return dup, nil
}

// aggregate folds the cycle's failures into one error. Cancellation wins
// over everything else.
func aggregate(ctx context.Context, fatal error, errs []error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errs = slices.DeleteFunc(errs, func(err error) bool { return errors.Is(err, context.Canceled) })
	if fatal != nil {
		return &CycleError{Primary: fatal, Secondary: errs}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &CycleError{Primary: errs[0], Secondary: errs[1:]}
	}
}
