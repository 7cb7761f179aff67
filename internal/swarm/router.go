package swarm

import (
	"fmt"

	"github.com/relves/swarmgroups/pkg/types"
)

// Router resolves the node responsible for a group and hands out its client.
type Router struct {
	ring *HashRing
	pool *ClientPool
}

// NewRouter creates a router over a ring and a pool.
func NewRouter(ring *HashRing, pool *ClientPool) *Router {
	return &Router{ring: ring, pool: pool}
}

var _ Resolver = (*Router)(nil)

// ClientFor returns the client of the node owning the group's public key.
func (r *Router) ClientFor(group types.GroupID) (Client, error) {
	nodeID, err := r.NodeFor(group)
	if err != nil {
		return nil, err
	}
	addr, _ := r.ring.Addr(nodeID)
	return r.pool.GetClient(nodeID, addr)
}

// NodeFor returns the id of the node owning the group.
func (r *Router) NodeFor(group types.GroupID) (string, error) {
	pub, err := group.PublicKey()
	if err != nil {
		return "", fmt.Errorf("resolve node: %w", err)
	}
	nodeID := r.ring.Lookup(pub)
	if nodeID == "" {
		return "", ErrNoNodes
	}
	return nodeID, nil
}

// StaticResolver always returns the same client.
type StaticResolver struct {
	Client Client
}

func (s StaticResolver) ClientFor(types.GroupID) (Client, error) {
	if s.Client == nil {
		return nil, ErrNoNodes
	}
	return s.Client, nil
}
