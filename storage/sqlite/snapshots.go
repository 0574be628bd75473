package sqlite

import (
	"context"
	"database/sql"
	"time"

	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/storage"
)

// SnapshotStore implements storage.SnapshotStore.
type SnapshotStore struct {
	s *Store
}

// Save inserts or overwrites the group's snapshot row. An attempt to store
// a lower epoch than the one already persisted is rejected: epochs only
// move forward.
func (st *SnapshotStore) Save(ctx context.Context, snap *storage.Snapshot) error {
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		var existing sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT epoch FROM group_snapshots WHERE group_id = ?`, snap.GroupID).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if existing.Valid && uint64(existing.Int64) > snap.Epoch {
			return coreerrors.New(coreerrors.KindConstraint, "snapshot epoch regression").
				WithDetail("stored", existing.Int64).
				WithDetail("attempted", snap.Epoch)
		}
		createdAt := snap.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO group_snapshots (group_id, epoch, snapshot_blob, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET
				epoch = excluded.epoch,
				snapshot_blob = excluded.snapshot_blob`,
			snap.GroupID, int64(snap.Epoch), snap.Blob, createdAt.Format(time.RFC3339))
		return err
	})
}

// Load retrieves the group's snapshot.
func (st *SnapshotStore) Load(ctx context.Context, groupID []byte) (*storage.Snapshot, error) {
	row := st.s.db.QueryRowContext(ctx, `
		SELECT group_id, epoch, snapshot_blob, created_at
		FROM group_snapshots WHERE group_id = ?`, groupID)
	return scanSnapshot(row)
}

// List returns every stored snapshot.
func (st *SnapshotStore) List(ctx context.Context) ([]*storage.Snapshot, error) {
	rows, err := st.s.db.QueryContext(ctx, `
		SELECT group_id, epoch, snapshot_blob, created_at
		FROM group_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes the group's snapshot.
func (st *SnapshotStore) Delete(ctx context.Context, groupID []byte) error {
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM group_snapshots WHERE group_id = ?`, groupID)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*storage.Snapshot, error) {
	var snap storage.Snapshot
	var epoch int64
	var createdAt string
	err := row.Scan(&snap.GroupID, &epoch, &snap.Blob, &createdAt)
	if err == sql.ErrNoRows {
		return nil, coreerrors.New(coreerrors.KindNotFound, "snapshot not found")
	}
	if err != nil {
		return nil, err
	}
	snap.Epoch = uint64(epoch)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		snap.CreatedAt = t
	}
	return &snap, nil
}
