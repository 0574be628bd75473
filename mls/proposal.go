package mls

import (
	"golang.org/x/crypto/cryptobyte"

	"github.com/spacepanda/core/internal/wireutil"
	"github.com/spacepanda/core/keypackage"
)

// proposalType tags the variant carried by a proposal.
type proposalType uint8

const (
	proposalAdd proposalType = iota + 1
	proposalUpdate
	proposalRemove
	proposalPreSharedKey
	proposalExternalInit
)

// proposal is one of Add/Update/Remove/PreSharedKey/ExternalInit, queued
// per epoch and consumed by a commit.
type proposal struct {
	kind proposalType

	// Add
	addKeyPackage *keypackage.KeyPackage

	// Update
	updateLeaf *LeafNode

	// Remove
	removeIndex leafIndex

	// PreSharedKey
	pskID []byte

	// ExternalInit
	externalKEMOutput []byte
}

func (p *proposal) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(p.kind))
	switch p.kind {
	case proposalAdd:
		data, _ := wireutil.Marshal(p.addKeyPackage)
		wireutil.WriteOpaqueVec32(b, data)
	case proposalUpdate:
		marshalLeafNode(b, p.updateLeaf)
	case proposalRemove:
		b.AddUint32(uint32(p.removeIndex))
	case proposalPreSharedKey:
		wireutil.WriteOpaqueVec(b, p.pskID)
	case proposalExternalInit:
		wireutil.WriteOpaqueVec(b, p.externalKEMOutput)
	}
}

func (p *proposal) unmarshal(s *cryptobyte.String) error {
	*p = proposal{}
	var kind uint8
	if !s.ReadUint8(&kind) {
		return wireutil.ErrTruncated
	}
	p.kind = proposalType(kind)
	switch p.kind {
	case proposalAdd:
		var raw []byte
		if !wireutil.ReadOpaqueVec32(s, &raw) {
			return wireutil.ErrTruncated
		}
		kp := new(keypackage.KeyPackage)
		if err := wireutil.Unmarshal(raw, kp); err != nil {
			return err
		}
		p.addKeyPackage = kp
	case proposalUpdate:
		ln, err := unmarshalLeafNode(s)
		if err != nil {
			return err
		}
		p.updateLeaf = ln
	case proposalRemove:
		var idx uint32
		if !s.ReadUint32(&idx) {
			return wireutil.ErrTruncated
		}
		p.removeIndex = leafIndex(idx)
	case proposalPreSharedKey:
		if !wireutil.ReadOpaqueVec(s, &p.pskID) {
			return wireutil.ErrTruncated
		}
	case proposalExternalInit:
		if !wireutil.ReadOpaqueVec(s, &p.externalKEMOutput) {
			return wireutil.ErrTruncated
		}
	}
	return nil
}

func marshalLeafNode(b *cryptobyte.Builder, ln *LeafNode) {
	wireutil.WriteOpaqueVec(b, ln.Credential.Identity)
	wireutil.WriteOpaqueVec(b, ln.Credential.PublicKey)
	wireutil.WriteOpaqueVec(b, ln.HPKEKey)
	wireutil.WriteOpaqueVec(b, ln.Signature)
}

func unmarshalLeafNode(s *cryptobyte.String) (*LeafNode, error) {
	ln := new(LeafNode)
	if !wireutil.ReadOpaqueVec(s, &ln.Credential.Identity) {
		return nil, wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &ln.Credential.PublicKey) {
		return nil, wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &ln.HPKEKey) {
		return nil, wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &ln.Signature) {
		return nil, wireutil.ErrTruncated
	}
	return ln, nil
}

// pendingProposal is a queued proposal awaiting a commit: its reference
// hash, the proposal itself, and the proposing leaf.
type pendingProposal struct {
	ref      []byte
	proposal *proposal
	sender   leafIndex
}

func (pp *pendingProposal) marshal(b *cryptobyte.Builder) {
	wireutil.WriteOpaqueVec(b, pp.ref)
	pp.proposal.marshal(b)
	b.AddUint32(uint32(pp.sender))
}

func (pp *pendingProposal) unmarshal(s *cryptobyte.String) error {
	*pp = pendingProposal{}
	if !wireutil.ReadOpaqueVec(s, &pp.ref) {
		return wireutil.ErrTruncated
	}
	pp.proposal = new(proposal)
	if err := pp.proposal.unmarshal(s); err != nil {
		return err
	}
	var sender uint32
	if !s.ReadUint32(&sender) {
		return wireutil.ErrTruncated
	}
	pp.sender = leafIndex(sender)
	return nil
}
