// pkg/types/group.go
package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"
)

// GroupID identifies a group. It is the hex-encoded ed25519 public key of the
// group admin key, which is also the swarm address of the group.
type GroupID string

// AccountID identifies a member account: the hex-encoded ed25519 identity key.
type AccountID string

// GroupIDFromPublicKey returns the group id for an admin public key.
func GroupIDFromPublicKey(pub ed25519.PublicKey) GroupID {
	return GroupID(hex.EncodeToString(pub))
}

// AccountIDFromPublicKey returns the account id for an identity public key.
func AccountIDFromPublicKey(pub ed25519.PublicKey) AccountID {
	return AccountID(hex.EncodeToString(pub))
}

// PublicKey decodes the group id into the admin public key.
func (id GroupID) PublicKey() (ed25519.PublicKey, error) {
	return decodePublicKey(string(id))
}

// PublicKey decodes the account id into the identity public key.
func (id AccountID) PublicKey() (ed25519.PublicKey, error) {
	return decodePublicKey(string(id))
}

// Short returns an abbreviated id for logs.
func (id GroupID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

func decodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Group is the local record of a group membership on this device.
type Group struct {
	ID GroupID `msgpack:"id"`

	// AdminKey is the 32-byte ed25519 seed of the group admin key.
	// Only present on admin devices.
	AdminKey []byte `msgpack:"admin_key,omitempty"`

	// SubaccountToken is the formatted delegation used by non-admin devices
	// to authenticate against the swarm.
	SubaccountToken string `msgpack:"token,omitempty"`

	Name      string    `msgpack:"name"`
	Kicked    bool      `msgpack:"kicked"`
	Destroyed bool      `msgpack:"destroyed"`
	JoinedAt  time.Time `msgpack:"joined_at"`
}

// IsAdmin reports whether this device holds the admin key.
func (g Group) IsAdmin() bool {
	return len(g.AdminKey) == ed25519.SeedSize
}

// ShouldPoll reports whether the group is still a valid poll target.
func (g Group) ShouldPoll() bool {
	return !g.Kicked && !g.Destroyed
}

// Invitation is delivered one-to-one to an invited member.
type Invitation struct {
	Group   GroupID   `msgpack:"group"`
	Name    string    `msgpack:"name"`
	Token   string    `msgpack:"token"`
	Inviter AccountID `msgpack:"inviter"`
}

// Promotion is delivered one-to-one to a promoted member. AdminKey holds the
// admin seed sealed to the member's identity key.
type Promotion struct {
	Group    GroupID `msgpack:"group"`
	Name     string  `msgpack:"name"`
	AdminKey []byte  `msgpack:"admin_key"`
}
