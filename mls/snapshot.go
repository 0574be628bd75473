package mls

import (
	"crypto/ecdh"
	"sort"

	"golang.org/x/crypto/cryptobyte"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/crypto/keys"
	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/internal/wireutil"
)

// MemberInfo summarizes one tree leaf for snapshot consumers. The
// credential is carried only as a hash: the snapshot's outer layers never
// need member identities in the clear.
type MemberInfo struct {
	Index          uint32
	CredentialHash []byte
	JoinEpoch      uint64
}

// Snapshot is the canonical serialization of one group's full resumable
// state: the serialized internal state (tree, context, epoch secrets, own
// private path keys, generation counters, queued proposals), a member
// summary, and an application metadata map. The bytes produced by Marshal
// are plaintext; persisting them at rest goes through the storage layer's
// encrypted blob codec.
type Snapshot struct {
	GroupID      []byte
	Epoch        uint64
	State        []byte
	Members      []MemberInfo
	OwnLeafIndex uint32
	Metadata     map[string][]byte
}

// Marshal serializes the snapshot.
func (sn *Snapshot) Marshal(b *cryptobyte.Builder) {
	wireutil.WriteOpaqueVec(b, sn.GroupID)
	b.AddUint64(sn.Epoch)
	wireutil.WriteOpaqueVec32(b, sn.State)
	wireutil.WriteVector(b, len(sn.Members), func(b *cryptobyte.Builder, i int) {
		m := sn.Members[i]
		b.AddUint32(m.Index)
		wireutil.WriteOpaqueVec(b, m.CredentialHash)
		b.AddUint64(m.JoinEpoch)
	})
	b.AddUint32(sn.OwnLeafIndex)
	mdKeys := make([]string, 0, len(sn.Metadata))
	for k := range sn.Metadata {
		mdKeys = append(mdKeys, k)
	}
	sort.Strings(mdKeys)
	wireutil.WriteVector(b, len(mdKeys), func(b *cryptobyte.Builder, i int) {
		wireutil.WriteString(b, mdKeys[i])
		wireutil.WriteOpaqueVec32(b, sn.Metadata[mdKeys[i]])
	})
}

// Unmarshal parses a snapshot written by Marshal.
func (sn *Snapshot) Unmarshal(s *cryptobyte.String) error {
	*sn = Snapshot{}
	if !wireutil.ReadOpaqueVec(s, &sn.GroupID) {
		return wireutil.ErrTruncated
	}
	if !s.ReadUint64(&sn.Epoch) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec32(s, &sn.State) {
		return wireutil.ErrTruncated
	}
	if err := wireutil.ReadVector(s, func(s *cryptobyte.String) error {
		var m MemberInfo
		if !s.ReadUint32(&m.Index) {
			return wireutil.ErrTruncated
		}
		if !wireutil.ReadOpaqueVec(s, &m.CredentialHash) {
			return wireutil.ErrTruncated
		}
		if !s.ReadUint64(&m.JoinEpoch) {
			return wireutil.ErrTruncated
		}
		sn.Members = append(sn.Members, m)
		return nil
	}); err != nil {
		return err
	}
	if !s.ReadUint32(&sn.OwnLeafIndex) {
		return wireutil.ErrTruncated
	}
	sn.Metadata = make(map[string][]byte)
	var n uint32
	if !s.ReadUint32(&n) {
		return wireutil.ErrTruncated
	}
	for i := uint32(0); i < n; i++ {
		var k string
		var v []byte
		if !wireutil.ReadString(s, &k) {
			return wireutil.ErrTruncated
		}
		if !wireutil.ReadOpaqueVec32(s, &v) {
			return wireutil.ErrTruncated
		}
		sn.Metadata[k] = v
	}
	return nil
}

func marshalSecrets(b *cryptobyte.Builder, es *epochSecrets) {
	for _, s := range [][]byte{
		es.Init, es.SenderData, es.Encryption, es.Exporter,
		es.Authentication, es.External, es.Membership,
		es.Confirmation, es.Resumption,
	} {
		wireutil.WriteOpaqueVec(b, s)
	}
}

func unmarshalSecrets(s *cryptobyte.String) (*epochSecrets, error) {
	out := make([][]byte, 9)
	for i := range out {
		if !wireutil.ReadOpaqueVec(s, &out[i]) {
			return nil, wireutil.ErrTruncated
		}
	}
	return &epochSecrets{
		Init: out[0], SenderData: out[1], Encryption: out[2], Exporter: out[3],
		Authentication: out[4], External: out[5], Membership: out[6],
		Confirmation: out[7], Resumption: out[8],
	}, nil
}

// Snapshot captures the handle's full resumable state at the current
// epoch. The returned bytes contain private key material and epoch
// secrets; callers must encrypt them before persisting.
func (gh *GroupHandle) Snapshot() (*Snapshot, error) {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.state != stateActive {
		return nil, coreerrors.New(coreerrors.KindNotAMember, "group is not active")
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(gh.cipherSuite))
	gh.tree.marshal(b)
	gh.ctx.marshalInto(b)
	marshalSecrets(b, gh.secrets)
	b.AddUint32(uint32(gh.ownLeaf))
	wireutil.WriteOpaqueVec(b, gh.ownHPKEKey.PrivateKeyBytes())

	nodeIdxs := make([]nodeIndex, 0, len(gh.nodeSecrets))
	for idx := range gh.nodeSecrets {
		nodeIdxs = append(nodeIdxs, idx)
	}
	sortNodeIndices(nodeIdxs)
	wireutil.WriteVector(b, len(nodeIdxs), func(b *cryptobyte.Builder, i int) {
		b.AddUint32(uint32(nodeIdxs[i]))
		wireutil.WriteOpaqueVec(b, gh.nodeSecrets[nodeIdxs[i]].Bytes())
	})

	leafIdxs := make([]leafIndex, 0, len(gh.generation))
	for l := range gh.generation {
		leafIdxs = append(leafIdxs, l)
	}
	sortLeafIndices(leafIdxs)
	wireutil.WriteVector(b, len(leafIdxs), func(b *cryptobyte.Builder, i int) {
		b.AddUint32(uint32(leafIdxs[i]))
		b.AddUint32(gh.generation[leafIdxs[i]])
	})

	wireutil.WriteVector(b, len(gh.pending), func(b *cryptobyte.Builder, i int) {
		gh.pending[i].marshal(b)
	})

	state, err := b.Bytes()
	if err != nil {
		return nil, err
	}

	var members []MemberInfo
	for _, l := range gh.tree.nonBlankLeaves() {
		ln, _ := gh.tree.leafAt(l)
		members = append(members, MemberInfo{
			Index:          uint32(l),
			CredentialHash: corecrypto.Hash(append(append([]byte(nil), ln.Credential.Identity...), ln.Credential.PublicKey...)),
			JoinEpoch:      gh.joinEpochs[l],
		})
	}

	return &Snapshot{
		GroupID:      append([]byte(nil), gh.groupID...),
		Epoch:        gh.ctx.Epoch,
		State:        state,
		Members:      members,
		OwnLeafIndex: uint32(gh.ownLeaf),
		Metadata:     map[string][]byte{},
	}, nil
}

// Resume reconstructs a live handle from a snapshot. The device signing
// key is held outside snapshots and must be supplied by the caller.
func Resume(sn *Snapshot, signingKey *keys.Ed25519KeyPair) (*GroupHandle, error) {
	s := cryptobyte.String(sn.State)

	var suite uint16
	if !s.ReadUint16(&suite) {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "snapshot state truncated")
	}
	tree := new(ratchetTree)
	if err := tree.unmarshal(&s); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "snapshot tree malformed", err)
	}
	gc := new(GroupContext)
	if err := gc.unmarshalFrom(&s); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "snapshot context malformed", err)
	}
	secrets, err := unmarshalSecrets(&s)
	if err != nil {
		return nil, err
	}
	var ownLeaf uint32
	if !s.ReadUint32(&ownLeaf) {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "snapshot state truncated")
	}
	var hpkePriv []byte
	if !wireutil.ReadOpaqueVec(&s, &hpkePriv) {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "snapshot state truncated")
	}
	ownHPKE, err := keys.X25519KeyPairFromPrivateBytes(hpkePriv)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "snapshot leaf key malformed", err)
	}

	nodeSecrets := make(map[nodeIndex]*ecdh.PrivateKey)
	if err := wireutil.ReadVector(&s, func(s *cryptobyte.String) error {
		var idx uint32
		var raw []byte
		if !s.ReadUint32(&idx) || !wireutil.ReadOpaqueVec(s, &raw) {
			return wireutil.ErrTruncated
		}
		priv, err := ecdh.X25519().NewPrivateKey(raw)
		if err != nil {
			return err
		}
		nodeSecrets[nodeIndex(idx)] = priv
		return nil
	}); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "snapshot node secrets malformed", err)
	}

	generation := make(map[leafIndex]uint32)
	if err := wireutil.ReadVector(&s, func(s *cryptobyte.String) error {
		var l, g uint32
		if !s.ReadUint32(&l) || !s.ReadUint32(&g) {
			return wireutil.ErrTruncated
		}
		generation[leafIndex(l)] = g
		return nil
	}); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "snapshot generations malformed", err)
	}

	var pending []*pendingProposal
	if err := wireutil.ReadVector(&s, func(s *cryptobyte.String) error {
		pp := new(pendingProposal)
		if err := pp.unmarshal(s); err != nil {
			return err
		}
		pending = append(pending, pp)
		return nil
	}); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "snapshot proposals malformed", err)
	}

	if gc.Epoch != sn.Epoch {
		return nil, coreerrors.New(coreerrors.KindBlobIntegrityFailed, "snapshot epoch disagrees with state")
	}

	joinEpochs := make(map[leafIndex]uint64, len(sn.Members))
	for _, m := range sn.Members {
		joinEpochs[leafIndex(m.Index)] = m.JoinEpoch
	}

	gh := &GroupHandle{
		groupID:       append([]byte(nil), sn.GroupID...),
		cipherSuite:   corecrypto.CipherSuite(suite),
		tree:          tree,
		ctx:           gc,
		secrets:       secrets,
		ownLeaf:       leafIndex(ownLeaf),
		ownSigningKey: signingKey,
		ownHPKEKey:    ownHPKE,
		nodeSecrets:   nodeSecrets,
		senderChains:  make(map[leafIndex]*senderChain),
		generation:    generation,
		joinEpochs:    joinEpochs,
		pending:       pending,
		state:         stateActive,
	}
	return gh, nil
}

func sortNodeIndices(idxs []nodeIndex) {
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
}

func sortLeafIndices(idxs []leafIndex) {
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
}
