// Package sqlite is the production storage backend: an embedded,
// WAL-journaled SQLite database accessed through database/sql with the
// pure-Go modernc.org/sqlite driver. Every mutation runs inside a
// transaction; busy/locked conflicts retry with exponential backoff before
// surfacing as TransactionConflict.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/keypackage"
	"github.com/spacepanda/core/storage"
)

// Store implements storage.Store on an embedded SQLite database.
type Store struct {
	db *sql.DB

	snapshots   *SnapshotStore
	channels    *ChannelStore
	messages    *MessageStore
	welcomes    *WelcomeStore
	keypackages *KeyPackageStore
}

// Open creates or opens the database file under dir and applies any pending
// migrations.
func Open(ctx context.Context, dir string) (*Store, error) {
	path := filepath.Join(dir, "spacepanda.db")
	dsn := fmt.Sprintf("file:%s?%s", path, strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
	}, "&"))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; a small pool keeps readers concurrent
	// without piling up lock contention on the write path.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.snapshots = &SnapshotStore{s: s}
	s.channels = &ChannelStore{s: s}
	s.messages = &MessageStore{s: s}
	s.welcomes = &WelcomeStore{s: s}
	s.keypackages = &KeyPackageStore{s: s}
	return s, nil
}

// Snapshots returns the snapshot store.
func (s *Store) Snapshots() storage.SnapshotStore { return s.snapshots }

// Channels returns the channel store.
func (s *Store) Channels() storage.ChannelStore { return s.channels }

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore { return s.messages }

// Welcomes returns the welcome-replay store.
func (s *Store) Welcomes() storage.WelcomeStore { return s.welcomes }

// KeyPackages returns the key-package store.
func (s *Store) KeyPackages() keypackage.Store { return s.keypackages }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// isBusy reports whether err is a transient SQLite lock conflict worth
// retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

// isConstraint reports whether err is a uniqueness or FK violation.
func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_CONSTRAINT") || strings.Contains(msg, "constraint failed")
}

const (
	txRetries      = 5
	txBackoffFloor = 10 * time.Millisecond
)

// withTx runs fn inside a transaction, committing on success and rolling
// back on error. Lock conflicts retry up to txRetries times with doubling
// backoff before surfacing as TransactionConflict.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	backoff := txBackoffFloor
	var lastErr error
	for attempt := 0; attempt <= txRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return coreerrors.Wrap(coreerrors.KindCancelled, "transaction cancelled", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isBusy(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return coreerrors.Wrap(coreerrors.KindTransactionConflict, "transaction retries exhausted", lastErr)
}
