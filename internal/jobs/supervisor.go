// Package jobs runs background work detached from the caller's lifetime.
// Jobs stop only when the supervisor shuts down.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/relves/swarmgroups/internal/telemetry"
)

// ErrShutdown is returned for work submitted after Shutdown.
var ErrShutdown = errors.New("supervisor shut down")

// Func is a unit of work. ctx is the supervisor's context.
type Func func(ctx context.Context) error

// Option customizes a submitted job.
type Option func(*job)

// OnSuccess is called once the job succeeds.
func OnSuccess(fn func()) Option {
	return func(j *job) { j.onSuccess = fn }
}

// OnFailure is called once the job fails permanently or runs out of tries.
func OnFailure(fn func(error)) Option {
	return func(j *job) { j.onFailure = fn }
}

// MaxTries overrides the configured number of attempts.
func MaxTries(n uint) Option {
	return func(j *job) { j.maxTries = n }
}

type job struct {
	id        string
	name      string
	fn        Func
	maxTries  uint
	onSuccess func()
	onFailure func(error)
}

// Supervisor is the process-wide job runner.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger,
		sem:    semaphore.NewWeighted(cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the supervisor's context, done after Shutdown.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Submit enqueues fn and returns the job id. The job is retried with
// exponential backoff until it succeeds, returns a permanent error, or runs
// out of tries. Errors reporting Retryable() == false and cancellation are
// permanent.
func (s *Supervisor) Submit(name string, fn Func, opts ...Option) string {
	j := &job{
		id:       uuid.NewString(),
		name:     name,
		fn:       fn,
		maxTries: s.cfg.MaxTries,
	}
	for _, opt := range opts {
		opt(j)
	}

	if s.ctx.Err() != nil {
		s.logger.Warn("job submitted after shutdown", "job", name, "id", j.id)
		j.fail(ErrShutdown)
		return j.id
	}

	s.wg.Go(func() { s.run(j) })
	return j.id
}

func (s *Supervisor) run(j *job) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		j.fail(err)
		return
	}
	defer s.sem.Release(1)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxInterval = s.cfg.MaxInterval

	start := time.Now()
	_, err := backoff.Retry(s.ctx, func() (struct{}, error) {
		err := j.fn(s.ctx)
		if err == nil || Retryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(j.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("job failed, retrying",
				"job", j.name,
				"id", j.id,
				"retryIn", next,
				"error", err)
		}),
	)

	telemetry.Jobs.WithLabelValues(j.name, telemetry.Result(err)).Inc()
	if err != nil {
		s.logger.Error("job failed",
			"job", j.name,
			"id", j.id,
			"duration", time.Since(start),
			"error", err)
		j.fail(err)
		return
	}

	s.logger.Debug("job done", "job", j.name, "id", j.id, "duration", time.Since(start))
	if j.onSuccess != nil {
		j.onSuccess()
	}
}

func (j *job) fail(err error) {
	if j.onFailure != nil {
		j.onFailure(err)
	}
}

// Do runs fn once on the supervisor's context and waits for it. If ctx is
// done first Do returns ctx.Err() while fn keeps running to completion.
func (s *Supervisor) Do(ctx context.Context, name string, fn Func) error {
	if s.ctx.Err() != nil {
		return ErrShutdown
	}

	done := make(chan error, 1)
	s.wg.Go(func() { done <- fn(s.ctx) })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.logger.Info("caller gave up, operation continues", "job", name)
		return ctx.Err()
	}
}

// Shutdown cancels running jobs and waits for them until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retryable reports whether err should be retried. Cancellation and errors
// declaring Retryable() == false are not.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
