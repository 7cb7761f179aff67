package orchestrator

import (
	"maps"
	"sync"

	"github.com/relves/swarmgroups/pkg/types"
)

// PendingOp is an in-flight delivery whose outcome has not arrived yet.
// Pending state is never persisted.
type PendingOp int

const (
	Inviting PendingOp = iota + 1
	Promoting
)

func (p PendingOp) String() string {
	switch p {
	case Inviting:
		return "inviting"
	case Promoting:
		return "promoting"
	default:
		return "none"
	}
}

type pendingTracker struct {
	mu sync.Mutex
	m  map[types.GroupID]map[types.AccountID]PendingOp
}

func newPendingTracker() *pendingTracker {
	return &pendingTracker{m: make(map[types.GroupID]map[types.AccountID]PendingOp)}
}

func (p *pendingTracker) set(group types.GroupID, member types.AccountID, op PendingOp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m[group] == nil {
		p.m[group] = make(map[types.AccountID]PendingOp)
	}
	p.m[group][member] = op
}

func (p *pendingTracker) clear(group types.GroupID, member types.AccountID, op PendingOp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m[group][member] == op {
		delete(p.m[group], member)
	}
	if len(p.m[group]) == 0 {
		delete(p.m, group)
	}
}

func (p *pendingTracker) snapshot(group types.GroupID) map[types.AccountID]PendingOp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.m[group])
}

// Pending returns the in-flight invitations and promotions of a group.
func (o *Orchestrator) Pending(group types.GroupID) map[types.AccountID]PendingOp {
	return o.pending.snapshot(group)
}
