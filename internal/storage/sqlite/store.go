package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relves/swarmgroups/internal/storage"
	"github.com/relves/swarmgroups/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// sortableTime keeps fractional seconds fixed-width so text columns sort
// chronologically.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound aliases storage.ErrNotFound.
var ErrNotFound = storage.ErrNotFound

// GroupStore is the SQLite database of one group.
type GroupStore struct {
	db     *sql.DB
	group  types.GroupID
	dbPath string
}

// OpenGroupStore opens or creates the database for a group under basePath.
func OpenGroupStore(basePath string, group types.GroupID) (*GroupStore, error) {
	groupDir := filepath.Join(basePath, "groups", string(group))
	if err := os.MkdirAll(groupDir, 0755); err != nil {
		return nil, fmt.Errorf("create group directory: %w", err)
	}

	dbPath := filepath.Join(groupDir, "group.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &GroupStore{
		db:     db,
		group:  group,
		dbPath: dbPath,
	}, nil
}

func (s *GroupStore) Close() error {
	return s.db.Close()
}

func (s *GroupStore) Group() types.GroupID {
	return s.group
}

func (s *GroupStore) DBPath() string {
	return s.dbPath
}

// GetGroup returns the group record or ErrNotFound.
func (s *GroupStore) GetGroup(ctx context.Context) (types.Group, error) {
	var g types.Group
	var kicked, destroyed int
	var joinedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, name, admin_key, subaccount_token, kicked, destroyed, joined_at
		 FROM group_record WHERE group_id = ?`,
		string(s.group)).Scan(&g.ID, &g.Name, &g.AdminKey, &g.SubaccountToken, &kicked, &destroyed, &joinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Group{}, ErrNotFound
	}
	if err != nil {
		return types.Group{}, err
	}

	g.Kicked = kicked != 0
	g.Destroyed = destroyed != 0
	var parseErr error
	g.JoinedAt, parseErr = time.Parse(sortableTime, joinedAt)
	if parseErr != nil {
		slog.Warn("failed to parse joined_at timestamp", "group", s.group.Short(), "value", joinedAt, "error", parseErr)
	}
	return g, nil
}

// PutGroup upserts the group record.
func (s *GroupStore) PutGroup(ctx context.Context, g types.Group) error {
	if g.ID != s.group {
		return fmt.Errorf("group record %s does not belong to store %s", g.ID.Short(), s.group.Short())
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_record (group_id, name, admin_key, subaccount_token, kicked, destroyed, joined_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET
		   name = excluded.name,
		   admin_key = excluded.admin_key,
		   subaccount_token = excluded.subaccount_token,
		   kicked = excluded.kicked,
		   destroyed = excluded.destroyed,
		   updated_at = excluded.updated_at`,
		string(g.ID), g.Name, g.AdminKey, g.SubaccountToken, boolInt(g.Kicked), boolInt(g.Destroyed),
		g.JoinedAt.UTC().Format(sortableTime), now)
	return err
}

// GetConfigDump returns the saved config dump, nil if none.
func (s *GroupStore) GetConfigDump(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM config_dump WHERE group_id = ?`,
		string(s.group)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

// SetConfigDump saves the config dump (upsert).
func (s *GroupStore) SetConfigDump(ctx context.Context, data []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_dump (group_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(s.group), data, now)
	return err
}

// AddRevocation records a revocation. Idempotent.
func (s *GroupStore) AddRevocation(ctx context.Context, entry types.RevocationEntry) error {
	data, err := entry.Serialize()
	if err != nil {
		return fmt.Errorf("serialize revocation: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO revocations (target, entry, revoked_at) VALUES (?, ?, ?)
		 ON CONFLICT(target) DO NOTHING`,
		entry.Target, data, entry.Timestamp.UTC().Format(sortableTime))
	return err
}

// RemoveRevocation forgets a revocation, e.g. after a re-invite.
func (s *GroupStore) RemoveRevocation(ctx context.Context, target string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM revocations WHERE target = ?`, target)
	return err
}

// IsRevoked checks if a target has been revoked.
func (s *GroupStore) IsRevoked(ctx context.Context, target string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revocations WHERE target = ?`,
		target).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetRevocations returns all revocations, oldest first.
func (s *GroupStore) GetRevocations(ctx context.Context) ([]types.RevocationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM revocations ORDER BY revoked_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.RevocationEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e types.RevocationEntry
		if err := e.Deserialize(data); err != nil {
			return nil, fmt.Errorf("deserialize revocation: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
