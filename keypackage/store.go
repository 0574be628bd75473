package keypackage

import (
	"context"
	"time"

	coreerrors "github.com/spacepanda/core/errors"
)

// Store is the key-package lifecycle contract. load_fresh
// must be implemented as a single atomic transaction so a package is handed
// out at most once across concurrent callers, including across processes
// for storage-backed implementations.
type Store interface {
	Store(ctx context.Context, kp *KeyPackage) error
	LoadFresh(ctx context.Context, credentialIdentity []byte) (*KeyPackage, error)
	MarkUsed(ctx context.Context, id string) error
	PruneExpired(ctx context.Context, now time.Time) (int, error)
	ExistsPublicInitKey(ctx context.Context, pub []byte) (bool, error)
}

// record wraps a KeyPackage with the store-private used flag, mirroring
// the key_packages table's used column.
type record struct {
	kp   KeyPackage
	used bool
}

func cloneKeyPackage(kp *KeyPackage) *KeyPackage {
	out := *kp
	out.InitKey = append([]byte(nil), kp.InitKey...)
	out.LeafNodeSig = append([]byte(nil), kp.LeafNodeSig...)
	out.Credential.Identity = append([]byte(nil), kp.Credential.Identity...)
	out.Credential.PublicKey = append([]byte(nil), kp.Credential.PublicKey...)
	if kp.Extensions != nil {
		out.Extensions = make(map[string][]byte, len(kp.Extensions))
		for k, v := range kp.Extensions {
			out.Extensions[k] = append([]byte(nil), v...)
		}
	}
	return &out
}

// errKeyPackageNotFound and errDuplicatePublicKey are store-internal; callers observe
// them wrapped into the errors package taxonomy.
var (
	errKeyPackageNotFound = coreerrors.New(coreerrors.KindNotFound, "key package not found")
	errDuplicatePublicKey = coreerrors.New(coreerrors.KindConstraint, "init key already published")
)
