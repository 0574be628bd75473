// Package storage defines the persistence contracts for group snapshots,
// channel metadata, messages and key packages, plus the encrypted blob
// format snapshots are stored in. Backends live in subpackages: sqlite is
// the production store, memory backs tests and ephemeral deployments. Both
// honor the same contracts, so everything above this package is
// backend-agnostic.
package storage

import (
	"context"

	"github.com/spacepanda/core/keypackage"
)

// SnapshotStore persists one group-state snapshot per group.
type SnapshotStore interface {
	// Save inserts or overwrites the group's snapshot. The stored epoch
	// must never decrease for a given group; Save rejects regressions.
	Save(ctx context.Context, snap *Snapshot) error

	// Load retrieves the group's snapshot.
	Load(ctx context.Context, groupID []byte) (*Snapshot, error)

	// List returns every stored snapshot, used at startup to rebuild the
	// group registry.
	List(ctx context.Context) ([]*Snapshot, error)

	// Delete removes the group's snapshot.
	Delete(ctx context.Context, groupID []byte) error
}

// ChannelStore persists channel metadata rows. Encrypted columns are
// ciphertext-in, ciphertext-out.
type ChannelStore interface {
	// Save inserts or replaces a channel row.
	Save(ctx context.Context, ch *Channel) error

	// Load retrieves a channel by group id.
	Load(ctx context.Context, groupID []byte) (*Channel, error)

	// List returns channels, excluding archived ones unless includeArchived.
	List(ctx context.Context, includeArchived bool) ([]*Channel, error)

	// Archive marks a channel archived without deleting history.
	Archive(ctx context.Context, groupID []byte) error

	// Delete removes the channel and, by cascade, all of its messages.
	Delete(ctx context.Context, groupID []byte) error
}

// MessageStore persists encrypted message rows.
type MessageStore interface {
	// Save inserts a message row.
	Save(ctx context.Context, msg *Message) error

	// Page returns up to limit messages for the group, newest first by
	// sequence, skipping offset rows.
	Page(ctx context.Context, groupID []byte, limit, offset int) ([]*Message, error)

	// MarkProcessed flips the processed flag on one message.
	MarkProcessed(ctx context.Context, messageID string) error

	// CountUnprocessed returns how many of the group's messages are still
	// unprocessed.
	CountUnprocessed(ctx context.Context, groupID []byte) (int64, error)

	// PruneToLast deletes all but the newest n messages per group,
	// returning how many rows were removed.
	PruneToLast(ctx context.Context, groupID []byte, n int) (int64, error)
}

// WelcomeStore records which Welcome messages have already been consumed,
// so a replayed Welcome is rejected even across process restarts.
type WelcomeStore interface {
	// MarkUsed records the Welcome hash. It fails with a Constraint error
	// if the hash was already recorded.
	MarkUsed(ctx context.Context, welcomeHash []byte) error

	// IsUsed reports whether the Welcome hash was already recorded.
	IsUsed(ctx context.Context, welcomeHash []byte) (bool, error)
}

// Store combines all persistence interfaces behind one handle. It is safe
// for concurrent use by all holders; implementations own their connection
// pool.
type Store interface {
	Snapshots() SnapshotStore
	Channels() ChannelStore
	Messages() MessageStore
	Welcomes() WelcomeStore
	KeyPackages() keypackage.Store

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error
}
