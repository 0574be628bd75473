package sqlite

import (
	"context"
	"database/sql"
	"time"

	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/internal/wireutil"
	"github.com/spacepanda/core/keypackage"
)

// KeyPackageStore implements keypackage.Store on the key_packages table.
// The full package travels as its wire blob; credential identity, init key,
// expiry and the used flag are broken out into columns so hand-out and
// pruning stay index-friendly without decoding blobs.
type KeyPackageStore struct {
	s *Store
}

// Store persists a key package. The pub_init_key UNIQUE constraint makes a
// duplicate init key a Constraint error rather than a silent overwrite.
func (st *KeyPackageStore) Store(ctx context.Context, kp *keypackage.KeyPackage) error {
	blob, err := wireutil.Marshal(kp)
	if err != nil {
		return err
	}
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO key_packages (id, credential, pub_init_key, blob, not_after, used)
			VALUES (?, ?, ?, ?, ?, 0)`,
			kp.ID, kp.Credential.Identity, kp.InitKey, blob, kp.NotAfter.Unix())
		if isConstraint(err) {
			return coreerrors.Wrap(coreerrors.KindConstraint, "init key already published", err)
		}
		return err
	})
}

// LoadFresh selects an unused, unexpired package for the credential and
// marks it used, all inside one transaction, so a package is handed out at
// most once even across processes sharing the database file.
func (st *KeyPackageStore) LoadFresh(ctx context.Context, credentialIdentity []byte) (*keypackage.KeyPackage, error) {
	var kp *keypackage.KeyPackage
	err := st.s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		var blob []byte
		err := tx.QueryRowContext(ctx, `
			SELECT id, blob FROM key_packages
			WHERE credential = ? AND used = 0 AND not_after > ?
			LIMIT 1`, credentialIdentity, time.Now().Unix()).Scan(&id, &blob)
		if err == sql.ErrNoRows {
			return coreerrors.New(coreerrors.KindNoneAvailable, "no unused key package available")
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE key_packages SET used = 1 WHERE id = ? AND used = 0`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Raced with a concurrent hand-out of the same row.
			return coreerrors.New(coreerrors.KindTransactionConflict, "key package claimed concurrently")
		}
		decoded := new(keypackage.KeyPackage)
		if err := wireutil.Unmarshal(blob, decoded); err != nil {
			return coreerrors.Wrap(coreerrors.KindDecodeFailure, "stored key package is malformed", err)
		}
		kp = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kp, nil
}

// MarkUsed marks a package used by id.
func (st *KeyPackageStore) MarkUsed(ctx context.Context, id string) error {
	return st.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE key_packages SET used = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return coreerrors.New(coreerrors.KindNotFound, "key package not found")
		}
		return nil
	})
}

// PruneExpired removes expired packages and reports how many were deleted.
func (st *KeyPackageStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int64
	err := st.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM key_packages WHERE not_after <= ?`, now.Unix())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return int(removed), err
}

// ExistsPublicInitKey reports whether pub is already published.
func (st *KeyPackageStore) ExistsPublicInitKey(ctx context.Context, pub []byte) (bool, error) {
	var n int
	err := st.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM key_packages WHERE pub_init_key = ?`, pub).Scan(&n)
	return n > 0, err
}
