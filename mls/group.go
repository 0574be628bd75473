package mls

import (
	"bytes"
	"crypto/ecdh"
	"crypto/subtle"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/cryptobyte"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/crypto/keys"
	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/internal/wireutil"
	"github.com/spacepanda/core/keypackage"
)

// groupState is the per-group state machine: Active from the moment a
// handle exists, Removed (terminal) once a processed Remove targets our
// own leaf.
type groupState int

const (
	stateActive groupState = iota
	stateRemoved
)

// EffectKind tags the outcome of processing one incoming message.
type EffectKind int

const (
	EffectApplication EffectKind = iota
	EffectProposalAccepted
	EffectEpochAdvanced
	EffectMemberAdded
	EffectMemberRemoved
)

// Effect is returned by GroupHandle.ProcessIncoming.
type Effect struct {
	Kind      EffectKind
	Plaintext []byte
	Sender    uint32
	NewEpoch  uint64
}

// GroupHandle owns one group's ratchet tree, epoch secrets, and pending
// proposal queue. All MLS operations on a handle are serialized by mu, so
// epochs advance linearly.
type GroupHandle struct {
	mu sync.Mutex

	groupID     []byte
	cipherSuite corecrypto.CipherSuite
	tree        *ratchetTree
	ctx         *GroupContext
	secrets     *epochSecrets
	ownLeaf     leafIndex

	ownSigningKey *keys.Ed25519KeyPair
	ownHPKEKey    *keys.X25519KeyPair

	// nodeSecrets caches the private key this member has derived for an
	// internal tree node, either because it is on our own direct path (we
	// set it when we commit) or because a prior commit's update-path
	// decrypted to us at that node. Addressed purely by nodeIndex, no
	// pointers into the tree.
	nodeSecrets map[nodeIndex]*ecdh.PrivateKey

	pending      []*pendingProposal
	senderChains map[leafIndex]*senderChain
	generation   map[leafIndex]uint32

	// joinEpochs records the epoch at which each current leaf was added,
	// 0 when the join predates this member's own view.
	joinEpochs map[leafIndex]uint64

	// pendingSelfUpdate holds the keypair generated by ProposeUpdate until
	// a commit installs the matching leaf, at which point it becomes the
	// member's live leaf key.
	pendingSelfUpdate *keys.X25519KeyPair

	state groupState
}

// OwnLeafIndex returns this member's current position in the tree.
func (gh *GroupHandle) OwnLeafIndex() uint32 { return uint32(gh.ownLeaf) }

// GroupID returns the group's opaque identifier.
func (gh *GroupHandle) GroupID() []byte { return append([]byte(nil), gh.groupID...) }

// Epoch returns the group's current epoch.
func (gh *GroupHandle) Epoch() uint64 {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	return gh.ctx.Epoch
}

// leafSigningBytes returns the canonical bytes a leaf node's self-signature
// covers: credential identity, credential public key, HPKE key. Extensions
// and the signature itself are excluded, matching keypackage.SigningContent's
// shape for the same reason (adding extensions should never force re-signing).
func leafSigningBytes(ln *LeafNode) []byte {
	b := cryptobyte.NewBuilder(nil)
	wireutil.WriteOpaqueVec(b, ln.Credential.Identity)
	wireutil.WriteOpaqueVec(b, ln.Credential.PublicKey)
	wireutil.WriteOpaqueVec(b, ln.HPKEKey)
	out, _ := b.Bytes()
	return out
}

func signLeaf(ln *LeafNode, signingKey *keys.Ed25519KeyPair) error {
	sig, err := signingKey.Sign(leafSigningBytes(ln))
	if err != nil {
		return err
	}
	ln.Signature = sig
	return nil
}

func verifyLeafSignature(ln *LeafNode) error {
	if err := keys.VerifyEd25519(ln.Credential.PublicKey, leafSigningBytes(ln), ln.Signature); err != nil {
		return coreerrors.Wrap(coreerrors.KindBadSignature, "leaf node signature invalid", err)
	}
	return nil
}

// Create produces a new group at epoch 0 holding a single leaf for the
// creator.
func Create(identity []byte, signingKey *keys.Ed25519KeyPair, cipherSuite corecrypto.CipherSuite) (*GroupHandle, error) {
	if !cipherSuite.Supported() {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "unsupported ciphersuite")
	}
	groupID, err := corecrypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	hpkeKP, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	ln := &LeafNode{
		Credential: corecrypto.BasicCredential{Identity: append([]byte(nil), identity...), PublicKey: signingKey.PublicKeyBytes()},
		HPKEKey:    hpkeKP.PublicKeyBytes(),
	}
	if err := signLeaf(ln, signingKey); err != nil {
		return nil, err
	}

	tree := newRatchetTree(*ln)
	gc := &GroupContext{
		GroupID:                 groupID,
		Epoch:                   0,
		TreeHash:                tree.treeHash(),
		ConfirmedTranscriptHash: []byte{},
	}

	initSecret, err := corecrypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	epochSecret := corecrypto.HKDFExtract(nil, initSecret)
	secrets, err := deriveEpochSecrets(epochSecret, gc)
	if err != nil {
		return nil, err
	}

	gh := &GroupHandle{
		groupID:       groupID,
		cipherSuite:   cipherSuite,
		tree:          tree,
		ctx:           gc,
		secrets:       secrets,
		ownLeaf:       0,
		ownSigningKey: signingKey,
		ownHPKEKey:    hpkeKP,
		nodeSecrets:   make(map[nodeIndex]*ecdh.PrivateKey),
		senderChains:  make(map[leafIndex]*senderChain),
		generation:    make(map[leafIndex]uint32),
		joinEpochs:    map[leafIndex]uint64{0: 0},
		state:         stateActive,
	}
	return gh, nil
}

// proposeGeneric signs and seals a proposal, queues it locally, and returns
// the wire bytes to broadcast.
func (gh *GroupHandle) proposeGeneric(p *proposal) ([]byte, error) {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.state != stateActive {
		return nil, coreerrors.New(coreerrors.KindNotAMember, "group is not active")
	}
	b := cryptobyte.NewBuilder(nil)
	p.marshal(b)
	body, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	ref := corecrypto.Hash(body)
	gh.pending = append(gh.pending, &pendingProposal{ref: ref, proposal: p, sender: gh.ownLeaf})

	env, err := gh.sealContent(ContentTypeProposal, body, gh.ownLeaf)
	if err != nil {
		return nil, err
	}
	return wireutil.Marshal(env)
}

// ProposeAdd queues and returns the wire bytes of an Add proposal for kp.
func (gh *GroupHandle) ProposeAdd(kp *keypackage.KeyPackage) ([]byte, error) {
	return gh.proposeGeneric(&proposal{kind: proposalAdd, addKeyPackage: kp})
}

// ProposeUpdate rotates this member's own HPKE leaf key and queues/returns
// the Update proposal.
func (gh *GroupHandle) ProposeUpdate() ([]byte, error) {
	gh.mu.Lock()
	old, ok := gh.tree.leafAt(gh.ownLeaf)
	gh.mu.Unlock()
	if !ok {
		return nil, coreerrors.New(coreerrors.KindNotAMember, "own leaf is blank")
	}
	newHPKE, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	newLeaf := &LeafNode{Credential: old.Credential, HPKEKey: newHPKE.PublicKeyBytes()}
	if err := signLeaf(newLeaf, gh.ownSigningKey); err != nil {
		return nil, err
	}
	out, err := gh.proposeGeneric(&proposal{kind: proposalUpdate, updateLeaf: newLeaf})
	if err != nil {
		return nil, err
	}
	gh.mu.Lock()
	gh.pendingSelfUpdate = newHPKE
	gh.mu.Unlock()
	return out, nil
}

// ProposeRemove queues and returns the wire bytes of a Remove proposal
// targeting leaf.
func (gh *GroupHandle) ProposeRemove(leaf uint32) ([]byte, error) {
	return gh.proposeGeneric(&proposal{kind: proposalRemove, removeIndex: leafIndex(leaf)})
}

// pendingRefs returns the queued proposals matching refs, or every queued
// proposal when refs is nil.
func (gh *GroupHandle) pendingRefs(refs [][]byte) []*pendingProposal {
	if refs == nil {
		return append([]*pendingProposal(nil), gh.pending...)
	}
	var out []*pendingProposal
	for _, r := range refs {
		for _, pp := range gh.pending {
			if bytes.Equal(pp.ref, r) {
				out = append(out, pp)
				break
			}
		}
	}
	return out
}

// applyProposals applies ordered proposals to tree in place, validating
// each, and reports which leaves were added and removed.
func applyProposals(tree *ratchetTree, ordered []*proposal) (added, removed []leafIndex, err error) {
	for _, p := range ordered {
		switch p.kind {
		case proposalUpdate:
			if err := verifyLeafSignature(p.updateLeaf); err != nil {
				return nil, nil, err
			}
		case proposalRemove:
			ln, ok := tree.leafAt(p.removeIndex)
			if !ok || ln == nil {
				return nil, nil, coreerrors.New(coreerrors.KindInvalidRemove, "remove targets an already-blank leaf")
			}
		case proposalAdd:
			if tree.hasInitKeyOrCredential(p.addKeyPackage.InitKey, p.addKeyPackage.Credential.Identity) {
				return nil, nil, coreerrors.New(coreerrors.KindDuplicateMember, "key package collides with an existing member")
			}
			if err := p.addKeyPackage.Verify(); err != nil {
				return nil, nil, coreerrors.Wrap(coreerrors.KindBadSignature, "key package signature invalid", err)
			}
		}
	}
	// Second pass: proposalUpdate's StaleKey check needs the sender's
	// leaf, which this core tracks implicitly via the proposal's own
	// updateLeaf content signed by the proposer; the actual leaf being
	// replaced is identified by matching credential identity.
	for _, p := range ordered {
		switch p.kind {
		case proposalUpdate:
			replaced := false
			for i := 0; i < tree.numLeaves(); i++ {
				cur, ok := tree.leafAt(leafIndex(i))
				if !ok || string(cur.Credential.Identity) != string(p.updateLeaf.Credential.Identity) {
					continue
				}
				if string(cur.HPKEKey) == string(p.updateLeaf.HPKEKey) {
					return nil, nil, coreerrors.New(coreerrors.KindStaleKey, "update does not rotate the leaf's HPKE key")
				}
				tree.setLeaf(leafIndex(i), p.updateLeaf)
				replaced = true
				break
			}
			if !replaced {
				return nil, nil, coreerrors.New(coreerrors.KindUnknownSender, "update targets an unknown credential")
			}
		case proposalRemove:
			if err := tree.removeLeaf(p.removeIndex); err != nil {
				return nil, nil, coreerrors.Wrap(coreerrors.KindInvalidRemove, "remove failed", err)
			}
			removed = append(removed, p.removeIndex)
		case proposalAdd:
			idx := tree.addLeaf(*leafNodeFromKeyPackage(p.addKeyPackage))
			added = append(added, idx)
		}
	}
	return added, removed, nil
}

func leafNodeFromKeyPackage(kp *keypackage.KeyPackage) *LeafNode {
	return &LeafNode{
		Credential: kp.Credential,
		HPKEKey:    kp.InitKey,
		Signature:  kp.LeafNodeSig,
	}
}

// deriveNodeKeyPair derives a deterministic X25519 keypair from a path
// secret, used so every holder of the same secret reconstructs the same
// node key without transmitting it.
func deriveNodeKeyPair(secret []byte) (pub []byte, priv *ecdh.PrivateKey, err error) {
	scalar, err := corecrypto.HKDFExpandLabel(secret, "node key", nil, 32)
	if err != nil {
		return nil, nil, err
	}
	priv, err = ecdh.X25519().NewPrivateKey(scalar)
	if err != nil {
		return nil, nil, err
	}
	return priv.PublicKey().Bytes(), priv, nil
}

func pathInfo(groupID []byte, epoch uint64, idx nodeIndex) []byte {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], epoch)
	binary.BigEndian.PutUint32(buf[8:12], uint32(idx))
	return append(append([]byte(nil), groupID...), buf[:]...)
}

// Commit orders the referenced proposals, applies them tentatively, rotates
// the committer's own leaf key, builds an update-path, advances the epoch by
// exactly one, and attaches a confirmation tag.
// refs may be nil to commit every currently-queued proposal.
func (gh *GroupHandle) Commit(refs [][]byte) (commitBytes, welcomeBytes []byte, err error) {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.state != stateActive {
		return nil, nil, coreerrors.New(coreerrors.KindNotAMember, "group is not active")
	}

	selected := gh.pendingRefs(refs)
	proposals := make([]*proposal, len(selected))
	for i, pp := range selected {
		proposals[i] = pp.proposal
	}
	ordered := orderProposals(proposals)

	newTree := gh.tree.clone()
	added, removed, err := applyProposals(newTree, ordered)
	if err != nil {
		return nil, nil, err
	}

	// The committer always rotates its own leaf key: this is the implicit
	// "update" half of every commit that gives post-compromise security.
	newHPKE, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	oldLeaf, ok := newTree.leafAt(gh.ownLeaf)
	if !ok {
		return nil, nil, coreerrors.New(coreerrors.KindNotAMember, "committer leaf is blank")
	}
	newLeaf := &LeafNode{Credential: oldLeaf.Credential, HPKEKey: newHPKE.PublicKeyBytes()}
	if err := signLeaf(newLeaf, gh.ownSigningKey); err != nil {
		return nil, nil, err
	}
	newTree.setLeaf(gh.ownLeaf, newLeaf)

	dp := newTree.directPath(gh.ownLeaf)
	cp := newTree.copath(gh.ownLeaf)
	leafSecret, err := corecrypto.RandomBytes(32)
	if err != nil {
		return nil, nil, err
	}

	up := &updatePath{LeafNode: newLeaf}
	cur := leafSecret
	newNodeSecrets := make(map[nodeIndex]*ecdh.PrivateKey, len(dp))
	for j, nodeIdx := range dp {
		if j > 0 {
			cur, err = corecrypto.HKDFExpandLabel(cur, "path", nil, 32)
			if err != nil {
				return nil, nil, err
			}
		}
		pub, priv, err := deriveNodeKeyPair(cur)
		if err != nil {
			return nil, nil, err
		}
		newTree.setParentKey(nodeIdx, pub)
		newNodeSecrets[nodeIdx] = priv

		// Seal this level's path secret to every non-blank node covering
		// the copath subtree, so each member below it can recover the
		// chain from here up.
		upn := updatePathNode{PublicKey: pub}
		for _, r := range newTree.resolution(cp[j]) {
			recipientPub := newTree.publicKeyAt(r)
			if recipientPub == nil {
				continue
			}
			encKey, ciphertext, err := corecrypto.HPKESeal(recipientPub, pathInfo(gh.groupID, gh.ctx.Epoch+1, cp[j]), cur, nil)
			if err != nil {
				return nil, nil, err
			}
			upn.Encryptions = append(upn.Encryptions, pathSecretEncryption{
				RecipientNode:       r,
				EncapsulatedKey:     encKey,
				EncryptedPathSecret: ciphertext,
			})
		}
		up.Nodes = append(up.Nodes, upn)
	}
	commitSecret, err := corecrypto.HKDFExpandLabel(cur, "commit", nil, 32)
	if err != nil {
		return nil, nil, err
	}

	if len(ordered) == 0 && len(up.Nodes) == 0 {
		return nil, nil, coreerrors.New(coreerrors.KindEmptyCommit, "commit has no proposals and no update path")
	}

	newTreeHash := newTree.treeHash()
	commit := &Commit{Sender: gh.ownLeaf, Proposals: ordered, UpdatePath: up}
	cb := cryptobyte.NewBuilder(nil)
	commit.Marshal(cb)
	commitBytesForTranscript, err := cb.Bytes()
	if err != nil {
		return nil, nil, err
	}
	newTranscriptHash := corecrypto.Hash(append(append([]byte(nil), gh.ctx.ConfirmedTranscriptHash...), commitBytesForTranscript...))

	newGC := &GroupContext{
		GroupID:                 gh.groupID,
		Epoch:                   gh.ctx.Epoch + 1,
		TreeHash:                newTreeHash,
		ConfirmedTranscriptHash: newTranscriptHash,
	}
	newEpochSecret := nextEpochSecret(gh.secrets.Init, commitSecret, newGC)
	newSecrets, err := deriveEpochSecrets(newEpochSecret, newGC)
	if err != nil {
		return nil, nil, err
	}
	confTag, err := confirmationTag(newSecrets.Confirmation, newGC.ConfirmedTranscriptHash)
	if err != nil {
		return nil, nil, err
	}
	commit.ConfirmationTag = confTag

	body, err := wireutil.Marshal(commit)
	if err != nil {
		return nil, nil, err
	}
	env, err := gh.sealContent(ContentTypeCommit, body, gh.ownLeaf)
	if err != nil {
		return nil, nil, err
	}
	commitBytes, err = wireutil.Marshal(env)
	if err != nil {
		return nil, nil, err
	}

	if len(added) > 0 {
		welcome := &Welcome{CipherSuite: gh.cipherSuite, GroupID: gh.groupID, Epoch: newGC.Epoch, GroupContext: *newGC, Tree: newTree.clone()}
		welcome.WelcomeID, err = corecrypto.RandomBytes(16)
		if err != nil {
			return nil, nil, err
		}
		gs := &groupSecrets{EpochSecret: newEpochSecret}
		for _, p := range ordered {
			if p.kind != proposalAdd {
				continue
			}
			ref := corecrypto.Hash(mustMarshalKeyPackage(p.addKeyPackage))
			eg, err := sealGroupSecrets(p.addKeyPackage.InitKey, ref, gs)
			if err != nil {
				return nil, nil, err
			}
			welcome.Secrets = append(welcome.Secrets, eg)
		}
		welcomeBytes, err = wireutil.Marshal(welcome)
		if err != nil {
			return nil, nil, err
		}
	}

	// Commit to local state only after every fallible step has succeeded.
	gh.secrets.zeroize()
	gh.tree = newTree
	gh.ctx = newGC
	gh.secrets = newSecrets
	gh.ownHPKEKey.Zeroize()
	gh.ownHPKEKey = newHPKE
	gh.pendingSelfUpdate = nil
	gh.nodeSecrets = newNodeSecrets
	gh.senderChains = make(map[leafIndex]*senderChain)
	gh.generation = make(map[leafIndex]uint32)
	gh.pending = nil
	for _, r := range removed {
		delete(gh.joinEpochs, r)
	}
	for _, a := range added {
		gh.joinEpochs[a] = newGC.Epoch
	}

	return commitBytes, welcomeBytes, nil
}

func mustMarshalKeyPackage(kp *keypackage.KeyPackage) []byte {
	b, _ := wireutil.Marshal(kp)
	return b
}

// senderChainFor lazily creates the per-sender generation ratchet for the
// current epoch.
func (gh *GroupHandle) senderChainFor(leaf leafIndex) (*senderChain, error) {
	if sc, ok := gh.senderChains[leaf]; ok {
		return sc, nil
	}
	sc, err := newSenderChain(gh.secrets.Encryption, leaf, gh.ctx)
	if err != nil {
		return nil, err
	}
	gh.senderChains[leaf] = sc
	return sc, nil
}

// sealContent signs content and AEAD-encrypts it under the sender's current
// generation key, wrapping the result in the wire-shaped EncryptedEnvelope
// with a sealed-sender header.
func (gh *GroupHandle) sealContent(ct ContentType, body []byte, sender leafIndex) (*EncryptedEnvelope, error) {
	sc := &signedContent{ContentType: ct, GroupID: gh.groupID, Epoch: gh.ctx.Epoch, Sender: uint32(sender), Body: body}
	sig, err := gh.ownSigningKey.Sign(sc.signingBytes())
	if err != nil {
		return nil, err
	}
	sc.Signature = sig

	plaintext, err := wireutil.Marshal(sc)
	if err != nil {
		return nil, err
	}

	chain, err := gh.senderChainFor(sender)
	if err != nil {
		return nil, err
	}
	generation := gh.generation[sender]
	gh.generation[sender] = generation + 1
	key, nonce, err := chain.keyNonceAt(generation)
	if err != nil {
		return nil, err
	}
	sealed, err := corecrypto.AEADSeal(key, nonce, plaintext, gh.ctx.bytes())
	if err != nil {
		return nil, err
	}

	sdKey, err := senderDataKey(gh.secrets.SenderData, gh.ctx.Epoch)
	if err != nil {
		return nil, err
	}
	sdHeader, err := sealSenderData(sdKey, sender, generation)
	if err != nil {
		return nil, err
	}
	return makeEnvelope(gh.groupID, gh.ctx.Epoch, ct, sdHeader, sealed), nil
}

// openContent reverses sealContent against the given epoch's secrets and
// verifies the sender's signature, returning the authenticated content and
// the resolved sender leaf.
func (gh *GroupHandle) openContent(env *EncryptedEnvelope, secrets *epochSecrets, gc *GroupContext) (*signedContent, leafIndex, error) {
	sdKey, err := senderDataKey(secrets.SenderData, env.Epoch)
	if err != nil {
		return nil, 0, err
	}
	sd, err := openSenderData(sdKey, env.SenderData)
	if err != nil {
		return nil, 0, err
	}
	sender := leafIndex(sd.LeafIndex)
	chain, err := newSenderChain(secrets.Encryption, sender, gc)
	if err != nil {
		return nil, 0, err
	}
	key, nonce, err := chain.keyNonceAt(sd.Generation)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := corecrypto.AEADOpen(key, nonce, env.sealedBytes(), gc.bytes())
	if err != nil {
		return nil, 0, coreerrors.Wrap(coreerrors.KindAeadAuthFailed, "application/handshake content open failed", err)
	}
	sc := new(signedContent)
	if err := wireutil.Unmarshal(plaintext, sc); err != nil {
		return nil, 0, coreerrors.Wrap(coreerrors.KindDecodeFailure, "malformed signed content", err)
	}

	ln, ok := gh.tree.leafAt(sender)
	if !ok {
		return nil, 0, coreerrors.New(coreerrors.KindUnknownSender, "sender leaf is blank or out of range")
	}
	if err := keys.VerifyEd25519(ln.Credential.PublicKey, sc.signingBytes(), sc.Signature); err != nil {
		return nil, 0, coreerrors.Wrap(coreerrors.KindBadSignature, "content signature invalid", err)
	}
	return sc, sender, nil
}

// Send encrypts plaintext as an application message under the current
// epoch, returning the wire bytes to broadcast.
func (gh *GroupHandle) Send(plaintext []byte) ([]byte, error) {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.state != stateActive {
		return nil, coreerrors.New(coreerrors.KindNotAMember, "group is not active")
	}
	env, err := gh.sealContent(ContentTypeApplication, plaintext, gh.ownLeaf)
	if err != nil {
		return nil, err
	}
	return wireutil.Marshal(env)
}

// ProcessIncoming parses a wire envelope and applies it to the group,
// returning the resulting Effect.
func (gh *GroupHandle) ProcessIncoming(data []byte) (*Effect, error) {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.state != stateActive {
		return nil, coreerrors.New(coreerrors.KindNotAMember, "group is not active")
	}

	env := new(EncryptedEnvelope)
	if err := wireutil.Unmarshal(data, env); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "malformed envelope", err)
	}
	if !bytes.Equal(env.GroupID, gh.groupID) {
		return nil, coreerrors.New(coreerrors.KindUnknownGroup, "envelope addressed to a different group")
	}

	switch env.ContentType {
	case ContentTypeApplication:
		if env.Epoch != gh.ctx.Epoch {
			return nil, coreerrors.New(coreerrors.KindWrongEpoch, "application message epoch mismatch")
		}
		sc, sender, err := gh.openContent(env, gh.secrets, gh.ctx)
		if err != nil {
			return nil, err
		}
		return &Effect{Kind: EffectApplication, Plaintext: sc.Body, Sender: uint32(sender)}, nil

	case ContentTypeProposal:
		if env.Epoch != gh.ctx.Epoch {
			return nil, coreerrors.New(coreerrors.KindWrongEpoch, "proposal epoch mismatch")
		}
		sc, sender, err := gh.openContent(env, gh.secrets, gh.ctx)
		if err != nil {
			return nil, err
		}
		p := new(proposal)
		s := cryptobyte.String(sc.Body)
		if err := p.unmarshal(&s); err != nil {
			return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "malformed proposal", err)
		}
		ref := corecrypto.Hash(sc.Body)
		gh.pending = append(gh.pending, &pendingProposal{ref: ref, proposal: p, sender: sender})
		return &Effect{Kind: EffectProposalAccepted, Sender: uint32(sender)}, nil

	case ContentTypeCommit:
		if env.Epoch != gh.ctx.Epoch {
			return nil, coreerrors.New(coreerrors.KindWrongEpoch, "commit epoch mismatch")
		}
		return gh.processCommit(env)

	default:
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "unknown content type")
	}
}

func (gh *GroupHandle) processCommit(env *EncryptedEnvelope) (*Effect, error) {
	sc, _, err := gh.openContent(env, gh.secrets, gh.ctx)
	if err != nil {
		return nil, err
	}
	commit := new(Commit)
	if err := wireutil.Unmarshal(sc.Body, commit); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "malformed commit", err)
	}
	if len(commit.Proposals) == 0 && commit.UpdatePath == nil {
		return nil, coreerrors.New(coreerrors.KindEmptyCommit, "commit has no proposals and no update path")
	}

	newTree := gh.tree.clone()
	ordered := orderProposals(commit.Proposals)
	added, removed, err := applyProposals(newTree, ordered)
	if err != nil {
		return nil, err
	}

	committer := leafIndex(commit.Sender)
	selfRemoved := false
	for _, r := range removed {
		if r == gh.ownLeaf {
			selfRemoved = true
		}
	}
	if selfRemoved {
		// This member cannot derive the next epoch's secrets; the group
		// is over from its point of view. Old secrets are cleared so a
		// later device compromise reveals nothing about past epochs.
		gh.secrets.zeroize()
		gh.senderChains = make(map[leafIndex]*senderChain)
		gh.nodeSecrets = make(map[nodeIndex]*ecdh.PrivateKey)
		gh.pending = nil
		gh.state = stateRemoved
		return &Effect{Kind: EffectMemberRemoved, NewEpoch: gh.ctx.Epoch + 1, Sender: uint32(committer)}, nil
	}

	var commitSecret []byte
	newNodeSecrets := make(map[nodeIndex]*ecdh.PrivateKey, len(gh.nodeSecrets))
	for k, v := range gh.nodeSecrets {
		newNodeSecrets[k] = v
	}

	if commit.UpdatePath != nil {
		if err := verifyLeafSignature(commit.UpdatePath.LeafNode); err != nil {
			return nil, err
		}
		newTree.setLeaf(committer, commit.UpdatePath.LeafNode)
		dp := newTree.directPath(committer)
		if len(dp) != len(commit.UpdatePath.Nodes) {
			return nil, coreerrors.New(coreerrors.KindDecodeFailure, "update path length mismatch")
		}
		cp := newTree.copath(committer)
		for j, nodeIdx := range dp {
			newTree.setParentKey(nodeIdx, commit.UpdatePath.Nodes[j].PublicKey)
		}

		// Find the lowest path level carrying an encryption this member
		// can open: either addressed to its own leaf node, or to an
		// internal node whose secret a prior commit handed it.
		ownNodeIdx := leafToNode(gh.ownLeaf)
		for j := range dp {
			var cur []byte
			for _, enc := range commit.UpdatePath.Nodes[j].Encryptions {
				var priv *ecdh.PrivateKey
				switch {
				case enc.RecipientNode == ownNodeIdx:
					priv = gh.ownHPKEKey.ECDHPrivateKey()
				case newNodeSecrets[enc.RecipientNode] != nil:
					priv = newNodeSecrets[enc.RecipientNode]
				default:
					continue
				}
				opened, err := corecrypto.HPKEOpen(priv, enc.EncapsulatedKey, pathInfo(gh.groupID, gh.ctx.Epoch+1, cp[j]), enc.EncryptedPathSecret, nil)
				if err != nil {
					return nil, coreerrors.Wrap(coreerrors.KindAeadAuthFailed, "update path secret open failed", err)
				}
				cur = opened
				break
			}
			if cur == nil {
				continue
			}
			for k := j; k < len(dp); k++ {
				if k > j {
					var err error
					cur, err = corecrypto.HKDFExpandLabel(cur, "path", nil, 32)
					if err != nil {
						return nil, err
					}
				}
				_, priv, err := deriveNodeKeyPair(cur)
				if err != nil {
					return nil, err
				}
				newNodeSecrets[dp[k]] = priv
			}
			var err error
			commitSecret, err = corecrypto.HKDFExpandLabel(cur, "commit", nil, 32)
			if err != nil {
				return nil, err
			}
			break
		}
	}
	if commitSecret == nil {
		commitSecret = make([]byte, 32)
	}

	newTreeHash := newTree.treeHash()
	tagless := &Commit{Sender: commit.Sender, Proposals: commit.Proposals, UpdatePath: commit.UpdatePath}
	cb := cryptobyte.NewBuilder(nil)
	tagless.Marshal(cb)
	commitBytesForTranscript, err := cb.Bytes()
	if err != nil {
		return nil, err
	}
	newTranscriptHash := corecrypto.Hash(append(append([]byte(nil), gh.ctx.ConfirmedTranscriptHash...), commitBytesForTranscript...))

	newGC := &GroupContext{
		GroupID:                 gh.groupID,
		Epoch:                   gh.ctx.Epoch + 1,
		TreeHash:                newTreeHash,
		ConfirmedTranscriptHash: newTranscriptHash,
	}
	newEpochSecret := nextEpochSecret(gh.secrets.Init, commitSecret, newGC)
	newSecrets, err := deriveEpochSecrets(newEpochSecret, newGC)
	if err != nil {
		return nil, err
	}
	expectedTag, err := confirmationTag(newSecrets.Confirmation, newGC.ConfirmedTranscriptHash)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expectedTag, commit.ConfirmationTag) != 1 {
		return nil, coreerrors.New(coreerrors.KindBadConfirmation, "commit confirmation tag mismatch")
	}

	gh.secrets.zeroize()
	gh.tree = newTree
	gh.ctx = newGC
	gh.secrets = newSecrets
	gh.nodeSecrets = newNodeSecrets
	gh.senderChains = make(map[leafIndex]*senderChain)
	gh.generation = make(map[leafIndex]uint32)
	gh.pending = nil
	for _, r := range removed {
		delete(gh.joinEpochs, r)
	}
	for _, a := range added {
		gh.joinEpochs[a] = newGC.Epoch
	}

	// If this commit installed our own queued Update, the key generated by
	// ProposeUpdate becomes the live leaf key.
	if gh.pendingSelfUpdate != nil {
		if ln, ok := gh.tree.leafAt(gh.ownLeaf); ok && bytes.Equal(ln.HPKEKey, gh.pendingSelfUpdate.PublicKeyBytes()) {
			gh.ownHPKEKey.Zeroize()
			gh.ownHPKEKey = gh.pendingSelfUpdate
			gh.pendingSelfUpdate = nil
		}
	}

	effect := &Effect{NewEpoch: newGC.Epoch, Sender: uint32(committer)}
	switch {
	case selfRemoved:
		gh.state = stateRemoved
		effect.Kind = EffectMemberRemoved
	case len(added) > 0:
		effect.Kind = EffectMemberAdded
	case len(removed) > 0:
		effect.Kind = EffectMemberRemoved
	default:
		effect.Kind = EffectEpochAdvanced
	}
	return effect, nil
}

// WelcomeTracker enforces single-use Welcome admission at the engine
// boundary. The service layer's storage-backed used_welcomes table
// enforces the same property durably across restarts; this tracker covers
// a single process's lifetime without requiring storage wiring in tests.
type WelcomeTracker struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewWelcomeTracker creates an empty tracker.
func NewWelcomeTracker() *WelcomeTracker {
	return &WelcomeTracker{seen: make(map[string]bool)}
}

func (t *WelcomeTracker) markIfNew(id []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := string(id)
	if t.seen[key] {
		return false
	}
	t.seen[key] = true
	return true
}

// JoinFromWelcome decrypts own's entry in welcomeBytes, reconstructs the
// ratchet tree, verifies it against the carried group context, and
// produces a handle at the Welcome's epoch.
func JoinFromWelcome(
	tracker *WelcomeTracker,
	welcomeBytes []byte,
	ownKeyPackage *keypackage.KeyPackage,
	ownInit *keys.X25519KeyPair,
	ownSigningKey *keys.Ed25519KeyPair,
) (*GroupHandle, error) {
	w := new(Welcome)
	if err := wireutil.Unmarshal(welcomeBytes, w); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "malformed welcome", err)
	}
	if !w.CipherSuite.Supported() {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "unsupported ciphersuite in welcome")
	}
	if !tracker.markIfNew(w.WelcomeID) {
		return nil, coreerrors.New(coreerrors.KindReplayedWelcome, "welcome already processed")
	}

	ref := corecrypto.Hash(mustMarshalKeyPackage(ownKeyPackage))
	eg, ok := w.findSecretsFor(ref)
	if !ok {
		return nil, coreerrors.New(coreerrors.KindNotAMember, "welcome is not addressed to this key package")
	}
	plaintext, err := corecrypto.HPKEOpen(ownInit.ECDHPrivateKey(), eg.EncapsulatedKey, ref, eg.Ciphertext, nil)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindAeadAuthFailed, "group secrets open failed", err)
	}
	gs := new(groupSecrets)
	s := cryptobyte.String(plaintext)
	if err := gs.unmarshal(&s); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "malformed group secrets", err)
	}

	tree := w.Tree.clone()
	if !bytes.Equal(tree.treeHash(), w.GroupContext.TreeHash) {
		return nil, coreerrors.New(coreerrors.KindBadConfirmation, "welcome tree hash does not match group context")
	}

	var ownLeaf leafIndex
	found := false
	for i := 0; i < tree.numLeaves(); i++ {
		ln, ok := tree.leafAt(leafIndex(i))
		if !ok {
			continue
		}
		if string(ln.Credential.Identity) == string(ownKeyPackage.Credential.Identity) && string(ln.HPKEKey) == string(ownInit.PublicKeyBytes()) {
			ownLeaf = leafIndex(i)
			found = true
			break
		}
	}
	if !found {
		return nil, coreerrors.New(coreerrors.KindNotAMember, "own leaf not present in welcome tree")
	}

	gc := w.GroupContext.clone()
	secrets, err := deriveEpochSecrets(gs.EpochSecret, gc)
	if err != nil {
		return nil, err
	}

	joinEpochs := make(map[leafIndex]uint64)
	for _, l := range tree.nonBlankLeaves() {
		joinEpochs[l] = 0
	}
	joinEpochs[ownLeaf] = w.Epoch

	gh := &GroupHandle{
		groupID:       append([]byte(nil), w.GroupID...),
		cipherSuite:   w.CipherSuite,
		tree:          tree,
		ctx:           gc,
		secrets:       secrets,
		ownLeaf:       ownLeaf,
		ownSigningKey: ownSigningKey,
		ownHPKEKey:    ownInit,
		nodeSecrets:   make(map[nodeIndex]*ecdh.PrivateKey),
		senderChains:  make(map[leafIndex]*senderChain),
		generation:    make(map[leafIndex]uint32),
		joinEpochs:    joinEpochs,
		state:         stateActive,
	}
	return gh, nil
}
