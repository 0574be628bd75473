package mls

import (
	"golang.org/x/crypto/cryptobyte"

	"github.com/spacepanda/core/internal/wireutil"
)

// pathSecretEncryption is the path secret HPKE-sealed to one node in the
// copath child's resolution, addressed by that node's tree index.
type pathSecretEncryption struct {
	RecipientNode       nodeIndex
	EncapsulatedKey     []byte // HPKE "enc" value
	EncryptedPathSecret []byte // HPKE ciphertext
}

// updatePathNode carries a new public key for one node on the committer's
// direct path plus the path secret encrypted to every node in the
// resolution of the corresponding copath node, so every other member can
// re-derive the same node secret.
type updatePathNode struct {
	PublicKey   []byte
	Encryptions []pathSecretEncryption
}

// updatePath is the committer's new leaf node plus one updatePathNode per
// ancestor on its direct path, ascending from leaf to (excluding) root.
type updatePath struct {
	LeafNode *LeafNode
	Nodes    []updatePathNode
}

func (up *updatePath) marshal(b *cryptobyte.Builder) {
	marshalLeafNode(b, up.LeafNode)
	wireutil.WriteVector(b, len(up.Nodes), func(b *cryptobyte.Builder, i int) {
		n := up.Nodes[i]
		wireutil.WriteOpaqueVec(b, n.PublicKey)
		wireutil.WriteVector(b, len(n.Encryptions), func(b *cryptobyte.Builder, j int) {
			e := n.Encryptions[j]
			b.AddUint32(uint32(e.RecipientNode))
			wireutil.WriteOpaqueVec(b, e.EncapsulatedKey)
			wireutil.WriteOpaqueVec32(b, e.EncryptedPathSecret)
		})
	})
}

func (up *updatePath) unmarshal(s *cryptobyte.String) error {
	*up = updatePath{}
	ln, err := unmarshalLeafNode(s)
	if err != nil {
		return err
	}
	up.LeafNode = ln
	return wireutil.ReadVector(s, func(s *cryptobyte.String) error {
		var n updatePathNode
		if !wireutil.ReadOpaqueVec(s, &n.PublicKey) {
			return wireutil.ErrTruncated
		}
		if err := wireutil.ReadVector(s, func(s *cryptobyte.String) error {
			var e pathSecretEncryption
			var idx uint32
			if !s.ReadUint32(&idx) {
				return wireutil.ErrTruncated
			}
			e.RecipientNode = nodeIndex(idx)
			if !wireutil.ReadOpaqueVec(s, &e.EncapsulatedKey) {
				return wireutil.ErrTruncated
			}
			if !wireutil.ReadOpaqueVec32(s, &e.EncryptedPathSecret) {
				return wireutil.ErrTruncated
			}
			n.Encryptions = append(n.Encryptions, e)
			return nil
		}); err != nil {
			return err
		}
		up.Nodes = append(up.Nodes, n)
		return nil
	})
}

// Commit references a set of proposals (inlined, for simplicity of this
// core's wire format) plus an optional update-path and a confirmation tag.
// Applying a commit advances the epoch by exactly one.
type Commit struct {
	Sender          leafIndex
	Proposals       []*proposal
	UpdatePath      *updatePath
	ConfirmationTag []byte
}

func (c *Commit) Marshal(b *cryptobyte.Builder) {
	b.AddUint32(uint32(c.Sender))
	wireutil.WriteVector(b, len(c.Proposals), func(b *cryptobyte.Builder, i int) {
		c.Proposals[i].marshal(b)
	})
	wireutil.WriteOptional(b, c.UpdatePath != nil)
	if c.UpdatePath != nil {
		c.UpdatePath.marshal(b)
	}
	wireutil.WriteOpaqueVec(b, c.ConfirmationTag)
}

func (c *Commit) Unmarshal(s *cryptobyte.String) error {
	*c = Commit{}
	var sender uint32
	if !s.ReadUint32(&sender) {
		return wireutil.ErrTruncated
	}
	c.Sender = leafIndex(sender)

	if err := wireutil.ReadVector(s, func(s *cryptobyte.String) error {
		p := new(proposal)
		if err := p.unmarshal(s); err != nil {
			return err
		}
		c.Proposals = append(c.Proposals, p)
		return nil
	}); err != nil {
		return err
	}

	var hasPath bool
	if !wireutil.ReadOptional(s, &hasPath) {
		return wireutil.ErrTruncated
	}
	if hasPath {
		c.UpdatePath = new(updatePath)
		if err := c.UpdatePath.unmarshal(s); err != nil {
			return err
		}
	}
	if !wireutil.ReadOpaqueVec(s, &c.ConfirmationTag) {
		return wireutil.ErrTruncated
	}
	return nil
}

// orderProposals applies the deterministic commit ordering every member
// must agree on: Updates, then Removes by ascending leaf index, then Adds
// in insertion order.
func orderProposals(proposals []*proposal) []*proposal {
	var updates, adds []*proposal
	var removes []*proposal
	for _, p := range proposals {
		switch p.kind {
		case proposalUpdate:
			updates = append(updates, p)
		case proposalRemove:
			removes = append(removes, p)
		default:
			adds = append(adds, p)
		}
	}
	for i := 0; i < len(removes); i++ {
		for j := i + 1; j < len(removes); j++ {
			if removes[j].removeIndex < removes[i].removeIndex {
				removes[i], removes[j] = removes[j], removes[i]
			}
		}
	}
	out := make([]*proposal, 0, len(proposals))
	out = append(out, updates...)
	out = append(out, removes...)
	out = append(out, adds...)
	return out
}
