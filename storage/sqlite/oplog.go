package sqlite

import (
	"context"
	"database/sql"

	"github.com/spacepanda/core/crdt"
	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/internal/wireutil"
)

// OpLog is a crdt.Journal bound to one channel, persisting signed ops in
// application order in the crdt_ops table.
type OpLog struct {
	s         *Store
	channelID []byte
}

// NewOpLog creates a journal for channelID backed by this store.
func (s *Store) NewOpLog(channelID []byte) *OpLog {
	return &OpLog{s: s, channelID: append([]byte(nil), channelID...)}
}

// Append records one applied op.
func (l *OpLog) Append(op *crdt.Op) error {
	blob, err := wireutil.Marshal(op)
	if err != nil {
		return err
	}
	ctx := context.Background()
	return l.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO crdt_ops (op_id, channel_id, op_blob)
			VALUES (?, ?, ?)`, op.OpID, l.channelID, blob)
		if isConstraint(err) {
			return coreerrors.Wrap(coreerrors.KindConstraint, "op already journaled", err)
		}
		return err
	})
}

// Load returns the channel's ops in the order they were appended.
func (l *OpLog) Load() ([]*crdt.Op, error) {
	ctx := context.Background()
	rows, err := l.s.db.QueryContext(ctx, `
		SELECT op_blob FROM crdt_ops
		WHERE channel_id = ?
		ORDER BY rowid`, l.channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*crdt.Op
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		op := new(crdt.Op)
		if err := wireutil.Unmarshal(blob, op); err != nil {
			return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "journaled op is malformed", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// Prune removes the named ops after compaction.
func (l *OpLog) Prune(opIDs []string) error {
	ctx := context.Background()
	return l.s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range opIDs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM crdt_ops WHERE op_id = ? AND channel_id = ?`, id, l.channelID); err != nil {
				return err
			}
		}
		return nil
	})
}
