package sqlite

import (
	"context"
	"database/sql"

	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/storage"
)

// MessageStore implements storage.MessageStore.
type MessageStore struct {
	s *Store
}

// Save inserts a message row.
func (st *MessageStore) Save(ctx context.Context, msg *storage.Message) error {
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (message_id, group_id, encrypted_content, sender_hash, sequence, processed)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.MessageID, msg.GroupID, msg.EncryptedContent, msg.SenderHash,
			msg.Sequence, boolToInt(msg.Processed))
		if isConstraint(err) {
			return coreerrors.Wrap(coreerrors.KindConstraint, "message insert violated a constraint", err)
		}
		return err
	})
}

// Page returns up to limit messages for the group, newest first by
// sequence, skipping offset rows.
func (st *MessageStore) Page(ctx context.Context, groupID []byte, limit, offset int) ([]*storage.Message, error) {
	rows, err := st.s.db.QueryContext(ctx, `
		SELECT message_id, group_id, encrypted_content, sender_hash, sequence, processed
		FROM messages
		WHERE group_id = ?
		ORDER BY sequence DESC
		LIMIT ? OFFSET ?`, groupID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Message
	for rows.Next() {
		var m storage.Message
		var processed int
		if err := rows.Scan(&m.MessageID, &m.GroupID, &m.EncryptedContent, &m.SenderHash, &m.Sequence, &processed); err != nil {
			return nil, err
		}
		m.Processed = processed != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkProcessed flips the processed flag on one message.
func (st *MessageStore) MarkProcessed(ctx context.Context, messageID string) error {
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE messages SET processed = 1 WHERE message_id = ?`, messageID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return coreerrors.New(coreerrors.KindNotFound, "message not found")
		}
		return nil
	})
}

// CountUnprocessed returns how many of the group's messages are still
// unprocessed. The query is shaped to hit the partial index on
// (group_id) WHERE processed = 0.
func (st *MessageStore) CountUnprocessed(ctx context.Context, groupID []byte) (int64, error) {
	var n int64
	err := st.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE group_id = ? AND processed = 0`, groupID).Scan(&n)
	return n, err
}

// PruneToLast deletes all but the newest n messages for the group.
func (st *MessageStore) PruneToLast(ctx context.Context, groupID []byte, n int) (int64, error) {
	var removed int64
	err := st.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE group_id = ?
			AND message_id NOT IN (
				SELECT message_id FROM messages
				WHERE group_id = ?
				ORDER BY sequence DESC
				LIMIT ?
			)`, groupID, groupID, n)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}
