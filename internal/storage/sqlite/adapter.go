package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/relves/swarmgroups/internal/storage"
	"github.com/relves/swarmgroups/pkg/types"
)

// Ensure GroupStore implements StateStore at compile time.
var _ storage.StateStore = (*GroupStore)(nil)

// GetLastHash returns the last-seen hash of a namespace, empty if none.
func (s *GroupStore) GetLastHash(ctx context.Context, ns types.Namespace) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM last_hashes WHERE namespace = ?`,
		int(ns)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetLastHash records the last-seen hash of a namespace (upsert).
func (s *GroupStore) SetLastHash(ctx context.Context, ns types.Namespace, hash string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_hashes (namespace, hash, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(namespace) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at`,
		int(ns), hash, now)
	return err
}

// CheckOrUpdateDuplicate inserts the hash and reports whether it was
// already present.
func (s *GroupStore) CheckOrUpdateDuplicate(ctx context.Context, swarmPubkey string, ns types.Namespace, hash string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_hashes (swarm_pubkey, namespace, hash, seen_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(swarm_pubkey, namespace, hash) DO NOTHING`,
		swarmPubkey, int(ns), hash, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// AddSystemMessage stores a local system message.
func (s *GroupStore) AddSystemMessage(ctx context.Context, msg types.SystemMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_messages (id, group_id, kind, body, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		msg.ID, string(msg.Group), string(msg.Kind), msg.Body, msg.CreatedAt.UTC().Format(sortableTime))
	return err
}

// DeleteSystemMessages removes every system message of a kind.
func (s *GroupStore) DeleteSystemMessages(ctx context.Context, kind types.SystemKind) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM system_messages WHERE kind = ?`, string(kind))
	return err
}

// ListSystemMessages returns system messages in creation order.
func (s *GroupStore) ListSystemMessages(ctx context.Context) ([]types.SystemMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, kind, body, created_at FROM system_messages ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SystemMessage
	for rows.Next() {
		var msg types.SystemMessage
		var group, kind, createdAt string
		if err := rows.Scan(&msg.ID, &group, &kind, &msg.Body, &createdAt); err != nil {
			return nil, err
		}
		msg.Group = types.GroupID(group)
		msg.Kind = types.SystemKind(kind)
		var parseErr error
		msg.CreatedAt, parseErr = time.Parse(sortableTime, createdAt)
		if parseErr != nil {
			slog.Warn("failed to parse created_at timestamp", "id", msg.ID, "value", createdAt, "error", parseErr)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
