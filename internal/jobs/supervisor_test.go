package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := New(Config{
		Workers:         2,
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

type terminal struct{}

func (terminal) Error() string   { return "terminal" }
func (terminal) Retryable() bool { return false }

func TestSupervisor_RetriesUntilSuccess(t *testing.T) {
	s := newTestSupervisor(t)

	var calls atomic.Int32
	done := make(chan struct{})
	s.Submit("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, OnSuccess(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not succeed")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestSupervisor_GivesUpAfterMaxTries(t *testing.T) {
	s := newTestSupervisor(t)

	var calls atomic.Int32
	failed := make(chan error, 1)
	s.Submit("broken", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("transient")
	}, OnFailure(func(err error) { failed <- err }))

	select {
	case err := <-failed:
		assert.EqualError(t, err, "transient")
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fail")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestSupervisor_NonRetryableStopsImmediately(t *testing.T) {
	s := newTestSupervisor(t)

	var calls atomic.Int32
	failed := make(chan error, 1)
	s.Submit("terminal", func(ctx context.Context) error {
		calls.Add(1)
		return terminal{}
	}, OnFailure(func(err error) { failed <- err }))

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, terminal{})
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fail")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSupervisor_DoDetachesFromCaller(t *testing.T) {
	s := newTestSupervisor(t)

	release := make(chan struct{})
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := s.Do(ctx, "remove", func(ctx context.Context) error {
		<-release
		close(finished)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("detached operation did not complete")
	}
}

func TestSupervisor_DoReturnsResult(t *testing.T) {
	s := newTestSupervisor(t)
	err := s.Do(context.Background(), "op", func(ctx context.Context) error {
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
}

func TestSupervisor_Shutdown(t *testing.T) {
	s := New(Config{})

	started := make(chan struct{})
	s.Submit("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.ErrorIs(t, s.Do(context.Background(), "late", func(context.Context) error { return nil }), ErrShutdown)

	failed := make(chan error, 1)
	s.Submit("late", func(context.Context) error { return nil }, OnFailure(func(err error) { failed <- err }))
	assert.ErrorIs(t, <-failed, ErrShutdown)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.New("x")))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(terminal{}))
}
