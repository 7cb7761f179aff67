// Package swarm is the client side of the replicated, namespaced group store.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
)

// StatusOK is the per-item success status of a batch response.
const StatusOK = 200

// Status codes reported by nodes.
const (
	StatusUnauthorized = 401
	StatusNotFound     = 404
	StatusSkipped      = 412
	StatusServerError  = 500
)

var (
	// ErrBatchPartialFailure matches any *BatchError.
	ErrBatchPartialFailure = errors.New("batch partial failure")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNoNodes             = errors.New("no swarm nodes available")
)

// Client talks to the node responsible for a group.
type Client interface {
	Store(ctx context.Context, group types.GroupID, ns types.Namespace, data []byte, ttl time.Duration, timestamp int64, auth Auth) (string, error)
	Retrieve(ctx context.Context, group types.GroupID, ns types.Namespace, lastHash string, auth Auth) ([]types.ConfigMessage, error)
	RevokeSubaccount(ctx context.Context, group types.GroupID, tokens []string, auth Auth) error
	UnrevokeSubaccount(ctx context.Context, group types.GroupID, tokens []string, auth Auth) error
	DeleteByHash(ctx context.Context, group types.GroupID, hashes []string, auth Auth) error
	ExtendTTL(ctx context.Context, group types.GroupID, hashes []string, expiry time.Time, auth Auth) error
	Batch(ctx context.Context, group types.GroupID, batch Batch, auth Auth) ([]Response, error)
}

// Resolver finds the client for the node responsible for a group.
type Resolver interface {
	ClientFor(group types.GroupID) (Client, error)
}

// Auth authenticates a request either with the group admin key or with a
// subaccount token held by Account.
type Auth struct {
	Account types.AccountID
	Admin   *signing.Ed25519Signer
	Token   string
}

// IsAdmin reports whether the auth carries the admin key.
func (a Auth) IsAdmin() bool {
	return a.Admin != nil
}

// RequestKind is the operation of a batch item.
type RequestKind int

const (
	KindStore RequestKind = iota + 1
	KindDelete
	KindRevoke
	KindUnrevoke
	KindExtendTTL
	KindRetrieve
)

func (k RequestKind) String() string {
	switch k {
	case KindStore:
		return "store"
	case KindDelete:
		return "delete"
	case KindRevoke:
		return "revoke_subaccount"
	case KindUnrevoke:
		return "unrevoke_subaccount"
	case KindExtendTTL:
		return "expire"
	case KindRetrieve:
		return "retrieve"
	default:
		return "unknown"
	}
}

// Request is a single batch item.
type Request struct {
	Kind      RequestKind
	Namespace types.Namespace
	Data      []byte
	TTL       time.Duration
	Timestamp int64
	Hashes    []string
	Tokens    []string
	Expiry    time.Time
}

func StoreRequest(ns types.Namespace, data []byte, ttl time.Duration, timestamp int64) Request {
	return Request{Kind: KindStore, Namespace: ns, Data: data, TTL: ttl, Timestamp: timestamp}
}

func DeleteRequest(hashes []string) Request {
	return Request{Kind: KindDelete, Hashes: hashes}
}

func RevokeRequest(tokens []string) Request {
	return Request{Kind: KindRevoke, Tokens: tokens}
}

func UnrevokeRequest(tokens []string) Request {
	return Request{Kind: KindUnrevoke, Tokens: tokens}
}

func ExtendTTLRequest(hashes []string, expiry time.Time) Request {
	return Request{Kind: KindExtendTTL, Hashes: hashes, Expiry: expiry}
}

// Batch is an ordered list of requests submitted together. Sequential batches
// stop at the first failing item.
type Batch struct {
	Requests   []Request
	Sequential bool
}

// Response is the per-item result of a batch.
type Response struct {
	Status int
	Hash   string
	Error  string
}

// OK reports whether the item succeeded.
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// BatchError describes the first failed item of a batch.
type BatchError struct {
	Index   int
	Kind    RequestKind
	Status  int
	Message string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch item %d (%s) failed with status %d: %s", e.Index, e.Kind, e.Status, e.Message)
}

func (e *BatchError) Is(target error) bool {
	return target == ErrBatchPartialFailure
}

// CheckBatch returns the first failure of a batch as a *BatchError.
func CheckBatch(batch Batch, responses []Response) error {
	if len(responses) != len(batch.Requests) {
		return &BatchError{
			Index:   len(responses),
			Status:  0,
			Message: fmt.Sprintf("expected %d responses, got %d", len(batch.Requests), len(responses)),
		}
	}
	for i, resp := range responses {
		if !resp.OK() {
			return &BatchError{
				Index:   i,
				Kind:    batch.Requests[i].Kind,
				Status:  resp.Status,
				Message: resp.Error,
			}
		}
	}
	return nil
}

// Submit runs a batch and checks every item succeeded.
func Submit(ctx context.Context, client Client, group types.GroupID, batch Batch, auth Auth) ([]Response, error) {
	if len(batch.Requests) == 0 {
		return nil, nil
	}
	responses, err := client.Batch(ctx, group, batch, auth)
	if err != nil {
		return nil, err
	}
	if err := CheckBatch(batch, responses); err != nil {
		return nil, err
	}
	return responses, nil
}

// StatusError is returned by single-item calls that fail on the node.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("swarm status %d: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Status == StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}
