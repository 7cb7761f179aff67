// Package storage defines the local, per-group state persisted on a device.
package storage

import (
	"context"
	"errors"

	"github.com/relves/swarmgroups/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// StateStore is the local state of one group.
type StateStore interface {
	// Group record
	GetGroup(ctx context.Context) (types.Group, error)
	PutGroup(ctx context.Context, g types.Group) error

	// Last-seen hash per namespace. Empty when nothing was retrieved yet.
	GetLastHash(ctx context.Context, ns types.Namespace) (string, error)
	SetLastHash(ctx context.Context, ns types.Namespace, hash string) error

	// CheckOrUpdateDuplicate reports whether hash was already seen for the
	// namespace and records it if not.
	CheckOrUpdateDuplicate(ctx context.Context, swarmPubkey string, ns types.Namespace, hash string) (bool, error)

	// System messages
	AddSystemMessage(ctx context.Context, msg types.SystemMessage) error
	DeleteSystemMessages(ctx context.Context, kind types.SystemKind) error
	ListSystemMessages(ctx context.Context) ([]types.SystemMessage, error)

	// Config dump. Nil when none was saved.
	GetConfigDump(ctx context.Context) ([]byte, error)
	SetConfigDump(ctx context.Context, data []byte) error

	// Revocations issued by this device
	AddRevocation(ctx context.Context, entry types.RevocationEntry) error
	RemoveRevocation(ctx context.Context, target string) error
	IsRevoked(ctx context.Context, target string) (bool, error)
	GetRevocations(ctx context.Context) ([]types.RevocationEntry, error)
}

// Provider opens and removes per-group stores.
type Provider interface {
	GetStateStore(group types.GroupID) (StateStore, error)
	DeleteStore(group types.GroupID) error
	ListGroups() ([]types.GroupID, error)
}
