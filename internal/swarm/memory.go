package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/relves/swarmgroups/pkg/types"
	"github.com/relves/swarmgroups/pkg/ucan"
)

// MemoryNode is an in-process swarm node. It enforces the same access rules
// as a real node: config namespaces and revocation require the admin key,
// group messages accept admin or a non-revoked subaccount token, and the
// revoked namespace stays readable with a revoked token.
type MemoryNode struct {
	id     string
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	spaces   map[types.GroupID]*space
	recorded []Recorded
	faults   []*Fault
}

type space struct {
	namespaces map[types.Namespace][]*stored
	revoked    map[string]bool
}

type stored struct {
	hash      string
	data      []byte
	timestamp int64
	expiry    time.Time
}

// Recorded is a request observed by a MemoryNode.
type Recorded struct {
	Group      types.GroupID
	Kind       RequestKind
	Namespace  types.Namespace
	Data       []byte
	Hashes     []string
	Tokens     []string
	Batched    bool
	Sequential bool
}

// Fault makes matching requests fail. A zero Namespace matches any namespace.
// Times is the number of requests to fail; zero means until cleared.
type Fault struct {
	Kind      RequestKind
	Namespace types.Namespace
	Status    int
	Times     int
}

// MemoryNodeConfig configures a MemoryNode.
type MemoryNodeConfig struct {
	ID string

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// NewMemoryNode creates an empty node.
func NewMemoryNode(cfg MemoryNodeConfig) *MemoryNode {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MemoryNode{
		id:     cfg.ID,
		now:    cfg.Now,
		logger: cfg.Logger,
		spaces: make(map[types.GroupID]*space),
	}
}

var _ Client = (*MemoryNode)(nil)

// ID returns the node id.
func (n *MemoryNode) ID() string {
	return n.id
}

// InjectFault registers a fault.
func (n *MemoryNode) InjectFault(f Fault) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults = append(n.faults, &f)
}

// ClearFaults removes every registered fault.
func (n *MemoryNode) ClearFaults() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults = nil
}

// Requests returns the requests observed so far.
func (n *MemoryNode) Requests() []Recorded {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.recorded)
}

// ResetRequests clears the request log.
func (n *MemoryNode) ResetRequests() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recorded = nil
}

// Messages returns the live messages of a namespace.
func (n *MemoryNode) Messages(group types.GroupID, ns types.Namespace) []types.ConfigMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.retrieveLocked(group, ns, "")
}

// IsRevoked reports whether a subaccount token id is revoked.
func (n *MemoryNode) IsRevoked(group types.GroupID, token string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	sp, ok := n.spaces[group]
	return ok && sp.revoked[token]
}

func (n *MemoryNode) Store(ctx context.Context, group types.GroupID, ns types.Namespace, data []byte, ttl time.Duration, timestamp int64, auth Auth) (string, error) {
	resp := n.single(ctx, group, StoreRequest(ns, data, ttl, timestamp), auth)
	if !resp.OK() {
		return "", &StatusError{Status: resp.Status, Message: resp.Error}
	}
	return resp.Hash, nil
}

func (n *MemoryNode) Retrieve(ctx context.Context, group types.GroupID, ns types.Namespace, lastHash string, auth Auth) ([]types.ConfigMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.recorded = append(n.recorded, Recorded{Group: group, Kind: KindRetrieve, Namespace: ns})
	if status, ok := n.faultLocked(KindRetrieve, ns); ok {
		return nil, &StatusError{Status: status, Message: "injected fault"}
	}
	if status, msg := n.authorizeLocked(group, KindRetrieve, ns, auth); status != StatusOK {
		return nil, &StatusError{Status: status, Message: msg}
	}
	return n.retrieveLocked(group, ns, lastHash), nil
}

func (n *MemoryNode) RevokeSubaccount(ctx context.Context, group types.GroupID, tokens []string, auth Auth) error {
	return n.singleErr(ctx, group, RevokeRequest(tokens), auth)
}

func (n *MemoryNode) UnrevokeSubaccount(ctx context.Context, group types.GroupID, tokens []string, auth Auth) error {
	return n.singleErr(ctx, group, UnrevokeRequest(tokens), auth)
}

func (n *MemoryNode) DeleteByHash(ctx context.Context, group types.GroupID, hashes []string, auth Auth) error {
	return n.singleErr(ctx, group, DeleteRequest(hashes), auth)
}

func (n *MemoryNode) ExtendTTL(ctx context.Context, group types.GroupID, hashes []string, expiry time.Time, auth Auth) error {
	return n.singleErr(ctx, group, ExtendTTLRequest(hashes, expiry), auth)
}

func (n *MemoryNode) Batch(ctx context.Context, group types.GroupID, batch Batch, auth Auth) ([]Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	responses := make([]Response, len(batch.Requests))
	failed := false
	for i, req := range batch.Requests {
		if failed && batch.Sequential {
			responses[i] = Response{Status: StatusSkipped, Error: "previous item failed"}
			continue
		}
		n.recordLocked(group, req, true, batch.Sequential)
		responses[i] = n.applyLocked(group, req, auth)
		if !responses[i].OK() {
			failed = true
		}
	}
	return responses, nil
}

func (n *MemoryNode) single(ctx context.Context, group types.GroupID, req Request, auth Auth) Response {
	if err := ctx.Err(); err != nil {
		return Response{Status: StatusServerError, Error: err.Error()}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recordLocked(group, req, false, false)
	return n.applyLocked(group, req, auth)
}

func (n *MemoryNode) singleErr(ctx context.Context, group types.GroupID, req Request, auth Auth) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp := n.single(ctx, group, req, auth)
	if !resp.OK() {
		return &StatusError{Status: resp.Status, Message: resp.Error}
	}
	return nil
}

func (n *MemoryNode) recordLocked(group types.GroupID, req Request, batched, sequential bool) {
	n.recorded = append(n.recorded, Recorded{
		Group:      group,
		Kind:       req.Kind,
		Namespace:  req.Namespace,
		Data:       req.Data,
		Hashes:     slices.Clone(req.Hashes),
		Tokens:     slices.Clone(req.Tokens),
		Batched:    batched,
		Sequential: sequential,
	})
}

func (n *MemoryNode) faultLocked(kind RequestKind, ns types.Namespace) (int, bool) {
	for i, f := range n.faults {
		if f.Kind != kind || (f.Namespace != 0 && f.Namespace != ns) {
			continue
		}
		status := f.Status
		if status == 0 {
			status = StatusServerError
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				n.faults = slices.Delete(n.faults, i, i+1)
			}
		}
		return status, true
	}
	return 0, false
}

func (n *MemoryNode) spaceLocked(group types.GroupID) *space {
	sp, ok := n.spaces[group]
	if !ok {
		sp = &space{
			namespaces: make(map[types.Namespace][]*stored),
			revoked:    make(map[string]bool),
		}
		n.spaces[group] = sp
	}
	return sp
}

func (n *MemoryNode) applyLocked(group types.GroupID, req Request, auth Auth) Response {
	if status, ok := n.faultLocked(req.Kind, req.Namespace); ok {
		return Response{Status: status, Error: "injected fault"}
	}
	if status, msg := n.authorizeLocked(group, req.Kind, req.Namespace, auth); status != StatusOK {
		return Response{Status: status, Error: msg}
	}

	sp := n.spaceLocked(group)
	now := n.now()

	switch req.Kind {
	case KindStore:
		hash, err := ComputeHash(req.Namespace, req.Data)
		if err != nil {
			return Response{Status: StatusServerError, Error: err.Error()}
		}
		expiry := now.Add(req.TTL)
		for _, e := range sp.namespaces[req.Namespace] {
			if e.hash == hash {
				if expiry.After(e.expiry) {
					e.expiry = expiry
				}
				return Response{Status: StatusOK, Hash: hash}
			}
		}
		sp.namespaces[req.Namespace] = append(sp.namespaces[req.Namespace], &stored{
			hash:      hash,
			data:      slices.Clone(req.Data),
			timestamp: req.Timestamp,
			expiry:    expiry,
		})
		return Response{Status: StatusOK, Hash: hash}

	case KindDelete:
		for ns, entries := range sp.namespaces {
			sp.namespaces[ns] = slices.DeleteFunc(entries, func(e *stored) bool {
				return slices.Contains(req.Hashes, e.hash)
			})
		}
		return Response{Status: StatusOK}

	case KindRevoke:
		for _, tok := range req.Tokens {
			sp.revoked[tok] = true
		}
		return Response{Status: StatusOK}

	case KindUnrevoke:
		// Unrevoking a token that was never revoked is a no-op.
		for _, tok := range req.Tokens {
			delete(sp.revoked, tok)
		}
		return Response{Status: StatusOK}

	case KindExtendTTL:
		for _, entries := range sp.namespaces {
			for _, e := range entries {
				if slices.Contains(req.Hashes, e.hash) && req.Expiry.After(e.expiry) {
					e.expiry = req.Expiry
				}
			}
		}
		return Response{Status: StatusOK}
	}

	return Response{Status: StatusServerError, Error: fmt.Sprintf("unsupported request kind %d", req.Kind)}
}

func (n *MemoryNode) retrieveLocked(group types.GroupID, ns types.Namespace, lastHash string) []types.ConfigMessage {
	sp, ok := n.spaces[group]
	if !ok {
		return nil
	}
	entries := sp.namespaces[ns]

	start := 0
	if lastHash != "" {
		for i, e := range entries {
			if e.hash == lastHash {
				start = i + 1
				break
			}
		}
	}

	now := n.now()
	var out []types.ConfigMessage
	for _, e := range entries[start:] {
		if now.After(e.expiry) {
			continue
		}
		out = append(out, types.ConfigMessage{
			Hash:      e.hash,
			Data:      slices.Clone(e.data),
			Timestamp: e.timestamp,
		})
	}
	return out
}

func (n *MemoryNode) authorizeLocked(group types.GroupID, kind RequestKind, ns types.Namespace, auth Auth) (int, string) {
	if auth.Admin != nil {
		if auth.Admin.GroupID() != group {
			return StatusUnauthorized, "admin key does not match group"
		}
		return StatusOK, ""
	}

	adminOnly := kind == KindRevoke || kind == KindUnrevoke || kind == KindExtendTTL || kind == KindDelete ||
		(kind == KindStore && ns != types.NamespaceGroupMessages)
	if adminOnly {
		return StatusUnauthorized, fmt.Sprintf("%s on %s requires the admin key", kind, ns)
	}

	if auth.Token == "" {
		return StatusUnauthorized, "missing subaccount token"
	}
	ability := types.CapabilityRead
	if kind == KindStore {
		ability = types.CapabilityWrite
	}
	if _, err := ucan.ValidateTokenString(auth.Token, group, auth.Account, ability); err != nil {
		return StatusUnauthorized, err.Error()
	}

	if ns == types.NamespaceRevokedGroupMessages && kind == KindRetrieve {
		return StatusOK, ""
	}
	tokenID, err := ucan.SubaccountTokenID(auth.Account)
	if err != nil {
		return StatusUnauthorized, err.Error()
	}
	if sp, ok := n.spaces[group]; ok && sp.revoked[tokenID] {
		return StatusUnauthorized, "subaccount token revoked"
	}
	return StatusOK, ""
}
