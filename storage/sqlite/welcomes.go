package sqlite

import (
	"context"
	"database/sql"

	coreerrors "github.com/spacepanda/core/errors"
)

// WelcomeStore implements storage.WelcomeStore on the used_welcomes table.
// A Welcome admits at most one member; recording its hash here makes that
// hold across process restarts.
type WelcomeStore struct {
	s *Store
}

// MarkUsed records the Welcome hash, failing with Constraint if it was
// already recorded.
func (st *WelcomeStore) MarkUsed(ctx context.Context, welcomeHash []byte) error {
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO used_welcomes (welcome_hash) VALUES (?)`, welcomeHash)
		if isConstraint(err) {
			return coreerrors.Wrap(coreerrors.KindConstraint, "welcome already consumed", err)
		}
		return err
	})
}

// IsUsed reports whether the Welcome hash was already recorded.
func (st *WelcomeStore) IsUsed(ctx context.Context, welcomeHash []byte) (bool, error) {
	var n int
	err := st.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM used_welcomes WHERE welcome_hash = ?`, welcomeHash).Scan(&n)
	return n > 0, err
}
