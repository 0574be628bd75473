package sqlite

import (
	"context"
	"database/sql"
	"time"

	coreerrors "github.com/spacepanda/core/errors"
)

// migration is one versioned schema change: forward and rollback statement
// lists, applied atomically. The schema deliberately records no activity
// timestamps on snapshots or messages; created_at columns exist only where
// the data model calls for them.
type migration struct {
	version     int
	description string
	up          []string
	down        []string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema: snapshots, key packages, channels, messages",
		up: []string{
			`CREATE TABLE IF NOT EXISTS group_snapshots (
				group_id      BLOB PRIMARY KEY,
				epoch         INTEGER NOT NULL,
				snapshot_blob BLOB NOT NULL,
				created_at    TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS key_packages (
				id           TEXT PRIMARY KEY,
				credential   BLOB NOT NULL,
				pub_init_key BLOB NOT NULL UNIQUE,
				blob         BLOB NOT NULL,
				not_after    INTEGER NOT NULL,
				used         INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS channels (
				group_id          BLOB PRIMARY KEY,
				encrypted_name    BLOB NOT NULL,
				encrypted_topic   BLOB,
				encrypted_members BLOB NOT NULL,
				created_at        TEXT NOT NULL,
				channel_type      TEXT NOT NULL,
				archived          INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				message_id        TEXT PRIMARY KEY,
				group_id          BLOB NOT NULL REFERENCES channels(group_id) ON DELETE CASCADE,
				encrypted_content BLOB NOT NULL,
				sender_hash       BLOB NOT NULL,
				sequence          INTEGER NOT NULL,
				processed         INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_group_sequence
				ON messages(group_id, sequence DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_unprocessed
				ON messages(group_id) WHERE processed = 0`,
		},
		down: []string{
			`DROP INDEX IF EXISTS idx_messages_unprocessed`,
			`DROP INDEX IF EXISTS idx_messages_group_sequence`,
			`DROP TABLE IF EXISTS messages`,
			`DROP TABLE IF EXISTS channels`,
			`DROP TABLE IF EXISTS key_packages`,
			`DROP TABLE IF EXISTS group_snapshots`,
		},
	},
	{
		version:     2,
		description: "welcome replay tracking",
		up: []string{
			`CREATE TABLE IF NOT EXISTS used_welcomes (
				welcome_hash BLOB PRIMARY KEY
			)`,
		},
		down: []string{
			`DROP TABLE IF EXISTS used_welcomes`,
		},
	},
	{
		version:     3,
		description: "replicated channel-metadata op log",
		up: []string{
			`CREATE TABLE IF NOT EXISTS crdt_ops (
				op_id      TEXT PRIMARY KEY,
				channel_id BLOB NOT NULL,
				op_blob    BLOB NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_crdt_ops_channel
				ON crdt_ops(channel_id)`,
		},
		down: []string{
			`DROP INDEX IF EXISTS idx_crdt_ops_channel`,
			`DROP TABLE IF EXISTS crdt_ops`,
		},
	},
}

// Migrate applies every pending migration in version order, each inside its
// own transaction. A failed migration rolls back its own transaction and
// leaves earlier versions applied. Re-running the full chain is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  TEXT NOT NULL
	)`); err != nil {
		return coreerrors.Wrap(coreerrors.KindMigrationFailed, "failed to create schema_version table", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.up {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
				m.version, m.description, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindMigrationFailed, "migration failed", err).
				WithDetail("version", m.version)
		}
	}
	return nil
}

// Rollback reverts migrations down to (and keeping) target, newest first.
func (s *Store) Rollback(ctx context.Context, target int) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if m.version > current || m.version <= target {
			continue
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.down {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = ?`, m.version)
			return err
		})
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindMigrationFailed, "rollback failed", err).
				WithDetail("version", m.version)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, 0 when none.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, coreerrors.Wrap(coreerrors.KindMigrationFailed, "failed to read schema version", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}
