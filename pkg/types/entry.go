package types

import (
	"encoding/json"
	"time"
)

// SystemKind classifies local system messages.
type SystemKind string

const (
	SystemAudit        SystemKind = "audit"
	SystemLeaving      SystemKind = "leaving"
	SystemLeavingError SystemKind = "leaving-error"
)

// SystemMessage is a local-only record shown in the conversation.
type SystemMessage struct {
	ID        string     `json:"id"`
	Group     GroupID    `json:"group"`
	Kind      SystemKind `json:"kind"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
}

// RevocationEntry records a subaccount revocation issued by this device.
type RevocationEntry struct {
	Type      RevocationType `json:"type"`
	Target    string         `json:"target"`
	Timestamp time.Time      `json:"timestamp"`
}

// RevocationType defines what is being revoked.
type RevocationType string

// RevokeAccount revokes every token held by an account.
const RevokeAccount RevocationType = "account"

// Serialize converts a RevocationEntry to JSON bytes for storage.
func (e *RevocationEntry) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize populates a RevocationEntry from JSON bytes.
func (e *RevocationEntry) Deserialize(data []byte) error {
	return json.Unmarshal(data, e)
}
