package mls

import (
	"golang.org/x/crypto/cryptobyte"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/internal/wireutil"
)

// groupSecrets is the per-new-member payload inside a Welcome: enough to
// reconstruct the epoch secrets and the new member's view of the tree.
type groupSecrets struct {
	EpochSecret []byte
	PskSecret   []byte
}

func (gs *groupSecrets) marshal(b *cryptobyte.Builder) {
	wireutil.WriteOpaqueVec(b, gs.EpochSecret)
	wireutil.WriteOpaqueVec(b, gs.PskSecret)
}

func (gs *groupSecrets) unmarshal(s *cryptobyte.String) error {
	*gs = groupSecrets{}
	if !wireutil.ReadOpaqueVec(s, &gs.EpochSecret) {
		return wireutil.ErrTruncated
	}
	return readOpaqueVecErr(s, &gs.PskSecret)
}

func readOpaqueVecErr(s *cryptobyte.String, out *[]byte) error {
	if !wireutil.ReadOpaqueVec(s, out) {
		return wireutil.ErrTruncated
	}
	return nil
}

// encryptedGroupSecrets is one new member's HPKE-sealed groupSecrets,
// addressed by the KeyPackage-ref of the key package they joined with.
type encryptedGroupSecrets struct {
	KeyPackageRef   []byte
	EncapsulatedKey []byte
	Ciphertext      []byte
}

// Welcome accompanies a commit that adds members: one encrypted bundle per
// new member plus the resulting GroupInfo (carried here as a serialized
// GroupContext + tree, sufficient for the new member to reconstruct
// state). A Welcome is valid for at most one new-member admission
// ; enforcement of that single-use property lives in the
// service/storage layer's used_welcomes table, not in this struct.
type Welcome struct {
	CipherSuite  corecrypto.CipherSuite
	GroupID      []byte
	Epoch        uint64
	Secrets      []encryptedGroupSecrets
	GroupContext GroupContext
	Tree         *ratchetTree
	// WelcomeID uniquely identifies this Welcome instance for replay
	// detection, independent of any one recipient's KeyPackageRef.
	WelcomeID []byte
}

func (w *Welcome) Marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(w.CipherSuite))
	wireutil.WriteOpaqueVec(b, w.GroupID)
	b.AddUint64(w.Epoch)
	wireutil.WriteVector(b, len(w.Secrets), func(b *cryptobyte.Builder, i int) {
		s := w.Secrets[i]
		wireutil.WriteOpaqueVec(b, s.KeyPackageRef)
		wireutil.WriteOpaqueVec(b, s.EncapsulatedKey)
		wireutil.WriteOpaqueVec32(b, s.Ciphertext)
	})
	w.GroupContext.marshalInto(b)
	w.Tree.marshal(b)
	wireutil.WriteOpaqueVec(b, w.WelcomeID)
}

func (w *Welcome) Unmarshal(s *cryptobyte.String) error {
	*w = Welcome{}
	var suite uint16
	if !s.ReadUint16(&suite) {
		return wireutil.ErrTruncated
	}
	w.CipherSuite = corecrypto.CipherSuite(suite)
	if !wireutil.ReadOpaqueVec(s, &w.GroupID) {
		return wireutil.ErrTruncated
	}
	if !s.ReadUint64(&w.Epoch) {
		return wireutil.ErrTruncated
	}
	if err := wireutil.ReadVector(s, func(s *cryptobyte.String) error {
		var eg encryptedGroupSecrets
		if !wireutil.ReadOpaqueVec(s, &eg.KeyPackageRef) {
			return wireutil.ErrTruncated
		}
		if !wireutil.ReadOpaqueVec(s, &eg.EncapsulatedKey) {
			return wireutil.ErrTruncated
		}
		if !wireutil.ReadOpaqueVec32(s, &eg.Ciphertext) {
			return wireutil.ErrTruncated
		}
		w.Secrets = append(w.Secrets, eg)
		return nil
	}); err != nil {
		return err
	}
	if err := w.GroupContext.unmarshalFrom(s); err != nil {
		return err
	}
	w.Tree = new(ratchetTree)
	if err := w.Tree.unmarshal(s); err != nil {
		return err
	}
	if !wireutil.ReadOpaqueVec(s, &w.WelcomeID) {
		return wireutil.ErrTruncated
	}
	return nil
}

// findSecretsFor locates the encrypted group secrets addressed to ref.
func (w *Welcome) findSecretsFor(ref []byte) (*encryptedGroupSecrets, bool) {
	for i := range w.Secrets {
		if string(w.Secrets[i].KeyPackageRef) == string(ref) {
			return &w.Secrets[i], true
		}
	}
	return nil, false
}

// sealGroupSecrets encrypts gs to the new member's KeyPackage init key.
func sealGroupSecrets(initKey []byte, ref []byte, gs *groupSecrets) (encryptedGroupSecrets, error) {
	plaintext, err := wireutilMarshalSecrets(gs)
	if err != nil {
		return encryptedGroupSecrets{}, err
	}
	enc, ct, err := corecrypto.HPKESeal(initKey, ref, plaintext, nil)
	if err != nil {
		return encryptedGroupSecrets{}, err
	}
	return encryptedGroupSecrets{KeyPackageRef: ref, EncapsulatedKey: enc, Ciphertext: ct}, nil
}

func wireutilMarshalSecrets(gs *groupSecrets) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	gs.marshal(b)
	return b.Bytes()
}
