package swarm

import (
	"fmt"
	"log/slog"
	"sync"
)

// Dialer creates a client for a node.
type Dialer func(nodeID, addr string) (Client, error)

// ClientPool caches one client per swarm node.
type ClientPool struct {
	mu      sync.RWMutex
	clients map[string]Client // keyed by node id
	dial    Dialer
	logger  *slog.Logger
}

// ClientPoolConfig configures the client pool.
type ClientPoolConfig struct {
	// Dial creates clients for nodes not yet in the pool.
	Dial Dialer

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// NewClientPool creates a new client pool.
func NewClientPool(cfg ClientPoolConfig) (*ClientPool, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("Dial is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &ClientPool{
		clients: make(map[string]Client),
		dial:    cfg.Dial,
		logger:  cfg.Logger,
	}, nil
}

// GetClient retrieves or creates the client for a node.
func (p *ClientPool) GetClient(nodeID, addr string) (Client, error) {
	p.mu.RLock()
	client, exists := p.clients[nodeID]
	p.mu.RUnlock()

	if exists {
		return client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists = p.clients[nodeID]; exists {
		return client, nil
	}

	client, err := p.dial(nodeID, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial swarm node %s: %w", nodeID, err)
	}
	p.logger.Debug("swarm client created", "node", nodeID, "addr", addr)

	p.clients[nodeID] = client
	return client, nil
}

// InvalidateClient removes a client from the pool.
func (p *ClientPool) InvalidateClient(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, nodeID)
}

// HasClient checks if a client exists for a node.
func (p *ClientPool) HasClient(nodeID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.clients[nodeID]
	return exists
}

// ClientCount returns the number of clients in the pool.
func (p *ClientPool) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Clear removes all clients from the pool.
func (p *ClientPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = make(map[string]Client)
}
