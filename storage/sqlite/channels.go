package sqlite

import (
	"context"
	"database/sql"
	"time"

	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/storage"
)

// ChannelStore implements storage.ChannelStore. Encrypted columns pass
// through untouched; the plaintext never reaches this layer.
type ChannelStore struct {
	s *Store
}

// Save inserts or replaces a channel row.
func (st *ChannelStore) Save(ctx context.Context, ch *storage.Channel) error {
	createdAt := ch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO channels (group_id, encrypted_name, encrypted_topic, encrypted_members, created_at, channel_type, archived)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET
				encrypted_name = excluded.encrypted_name,
				encrypted_topic = excluded.encrypted_topic,
				encrypted_members = excluded.encrypted_members,
				channel_type = excluded.channel_type,
				archived = excluded.archived`,
			ch.GroupID, ch.EncryptedName, ch.EncryptedTopic, ch.EncryptedMembers,
			createdAt.Format(time.RFC3339), string(ch.ChannelType), boolToInt(ch.Archived))
		return err
	})
}

// Load retrieves a channel by group id.
func (st *ChannelStore) Load(ctx context.Context, groupID []byte) (*storage.Channel, error) {
	row := st.s.db.QueryRowContext(ctx, `
		SELECT group_id, encrypted_name, encrypted_topic, encrypted_members, created_at, channel_type, archived
		FROM channels WHERE group_id = ?`, groupID)
	return scanChannel(row)
}

// List returns channels, excluding archived ones unless includeArchived.
func (st *ChannelStore) List(ctx context.Context, includeArchived bool) ([]*storage.Channel, error) {
	query := `
		SELECT group_id, encrypted_name, encrypted_topic, encrypted_members, created_at, channel_type, archived
		FROM channels`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	rows, err := st.s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Archive marks a channel archived.
func (st *ChannelStore) Archive(ctx context.Context, groupID []byte) error {
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE channels SET archived = 1 WHERE group_id = ?`, groupID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return coreerrors.New(coreerrors.KindNotFound, "channel not found")
		}
		return nil
	})
}

// Delete removes the channel; the messages FK cascade removes its history.
func (st *ChannelStore) Delete(ctx context.Context, groupID []byte) error {
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE group_id = ?`, groupID)
		return err
	})
}

func scanChannel(row rowScanner) (*storage.Channel, error) {
	var ch storage.Channel
	var createdAt, chType string
	var archived int
	err := row.Scan(&ch.GroupID, &ch.EncryptedName, &ch.EncryptedTopic, &ch.EncryptedMembers, &createdAt, &chType, &archived)
	if err == sql.ErrNoRows {
		return nil, coreerrors.New(coreerrors.KindNotFound, "channel not found")
	}
	if err != nil {
		return nil, err
	}
	ch.ChannelType = storage.ChannelType(chType)
	ch.Archived = archived != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		ch.CreatedAt = t
	}
	return &ch, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
