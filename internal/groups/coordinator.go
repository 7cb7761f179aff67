package groups

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relves/swarmgroups/pkg/types"
)

// Coordinator serializes mutations per group. Different groups never block
// each other.
type Coordinator struct {
	logger *slog.Logger

	mu    sync.Mutex
	locks map[types.GroupID]*groupLock
}

type groupLock struct {
	ch   chan struct{}
	refs int
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger: logger,
		locks:  make(map[types.GroupID]*groupLock),
	}
}

// Lock acquires the group's lock for operation, waiting until it is free or
// ctx is done. Returns an unlock function that must be called when done.
func (c *Coordinator) Lock(ctx context.Context, group types.GroupID, operation string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[group]
	if !ok {
		l = &groupLock{ch: make(chan struct{}, 1)}
		c.locks[group] = l
	}
	l.refs++
	c.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		c.release(group, l)
		return nil, ctx.Err()
	}

	acquired := time.Now()
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			c.release(group, l)
			c.logger.Debug("group lock released",
				"group", group.Short(),
				"operation", operation,
				"held", time.Since(acquired))
		})
	}, nil
}

func (c *Coordinator) release(group types.GroupID, l *groupLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, group)
	}
}
