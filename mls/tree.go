// Package mls implements the group-messaging engine: a ratchet tree of
// HPKE/signature key material, group context and epoch secret derivation,
// proposals and commits, Welcome processing, and sealed-sender application
// messaging.
package mls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/internal/wireutil"
)

// leafIndex identifies a member's position among the tree's leaves
// (distinct from the node array index).
type leafIndex uint32

// nodeIndex addresses a node in the flat, array-based tree (RFC 9420 §7):
// leaves occupy even indices, internal nodes occupy odd indices.
type nodeIndex uint32

// leafToNode converts a leaf position to its node-array index.
func leafToNode(l leafIndex) nodeIndex { return nodeIndex(2 * uint32(l)) }

// nodeWidth returns the node-array length for a tree with n leaves.
func nodeWidth(n int) int {
	if n == 0 {
		return 0
	}
	return 2*n - 1
}

// level returns a node's height above the leaves: 0 for leaves, increasing
// toward the root.
func level(x nodeIndex) int {
	if x&1 == 0 {
		return 0
	}
	k := 0
	for (uint32(x)>>uint(k))&1 == 1 {
		k++
	}
	return k
}

func log2(x uint32) int {
	if x == 0 {
		return 0
	}
	k := 0
	for x > 1 {
		x >>= 1
		k++
	}
	return k
}

// root returns the node-array index of the root of a tree with n leaves.
func root(n int) nodeIndex {
	w := nodeWidth(n)
	if w == 0 {
		return 0
	}
	return nodeIndex((1 << uint(log2(uint32(w)))) - 1)
}

func left(x nodeIndex) nodeIndex {
	k := level(x)
	if k == 0 {
		return x
	}
	return x ^ (1 << uint(k-1))
}

func right(x nodeIndex) nodeIndex {
	k := level(x)
	if k == 0 {
		return x
	}
	return x ^ (3 << uint(k-1))
}

// parentOf returns x's parent within a tree of the given width w.
func parentOf(x nodeIndex, w int) (nodeIndex, bool) {
	if x == root(widthToLeaves(w)) {
		return 0, false
	}
	k := level(x)
	b := (uint32(x) >> uint(k+1)) & 1
	p := (uint32(x) | (1 << uint(k))) ^ (b << uint(k+1))
	return nodeIndex(p), true
}

func widthToLeaves(w int) int {
	if w == 0 {
		return 0
	}
	return (w + 1) / 2
}

// sibling returns x's sibling node, given the tree's node-array width.
func sibling(x nodeIndex, w int) (nodeIndex, bool) {
	p, ok := parentOf(x, w)
	if !ok {
		return 0, false
	}
	if left(p) == x {
		return right(p), true
	}
	return left(p), true
}

// LeafNode carries a member's credential, HPKE public key, and the
// signature binding them together.
type LeafNode struct {
	Credential corecrypto.BasicCredential
	HPKEKey    []byte // X25519 public key, used to encrypt path secrets to this leaf
	Signature  []byte
}

// ParentNode carries the HPKE public key for an internal tree node. It does
// not track an "unmerged leaves" set (RFC 9420 terms).
type ParentNode struct {
	HPKEKey []byte
}

// node is a blank-or-filled slot at a tree array position.
type node struct {
	blank  bool
	leaf   *LeafNode
	parent *ParentNode
}

// ratchetTree is the flat, array-addressed binary tree of leaf and parent
// nodes. Index arithmetic never constructs pointer cycles: parent/child/
// sibling relationships are all computed from the index.
type ratchetTree struct {
	nodes []node
}

func newRatchetTree(creator LeafNode) *ratchetTree {
	t := &ratchetTree{nodes: make([]node, 1)}
	t.nodes[0] = node{leaf: &creator}
	return t
}

func (t *ratchetTree) numLeaves() int { return widthToLeaves(len(t.nodes)) }

func (t *ratchetTree) leafAt(l leafIndex) (*LeafNode, bool) {
	idx := leafToNode(l)
	if int(idx) >= len(t.nodes) {
		return nil, false
	}
	n := t.nodes[idx]
	if n.blank || n.leaf == nil {
		return nil, false
	}
	return n.leaf, true
}

// addLeaf inserts ln at the first blank leaf slot, or extends the tree by
// one leaf and inserts ln as the new rightmost leaf, matching
// RFC 9420 §7.7's "insert at leftmost blank, else extend" rule.
func (t *ratchetTree) addLeaf(ln LeafNode) leafIndex {
	for i := 0; i < t.numLeaves(); i++ {
		idx := leafToNode(leafIndex(i))
		if t.nodes[idx].blank {
			t.nodes[idx] = node{leaf: &ln}
			t.blankPathOf(leafIndex(i))
			return leafIndex(i)
		}
	}
	// Extend: a tree with n leaves has width 2n-1; appending a leaf needs
	// width 2(n+1)-1, i.e. two more array slots (one new parent, one new leaf).
	newLeafIdx := leafIndex(t.numLeaves())
	t.nodes = append(t.nodes, node{blank: true}, node{leaf: &ln})
	t.blankPathOf(newLeafIdx)
	return newLeafIdx
}

// blankPathOf clears parent-node HPKE keys on l's direct path, since a
// membership change invalidates any cached path secret for ancestors of
// the changed leaf until the next commit's update-path re-populates them.
// Virtual parents beyond the node array (in a tree whose leaf count is not
// a power of two) hold nothing and are skipped.
func (t *ratchetTree) blankPathOf(l leafIndex) {
	idx := leafToNode(l)
	w := len(t.nodes)
	for {
		p, ok := parentOf(idx, w)
		if !ok {
			return
		}
		if int(p) < len(t.nodes) {
			t.nodes[p] = node{blank: true}
		}
		idx = p
	}
}

// removeLeaf blanks l's leaf slot and its direct path.
func (t *ratchetTree) removeLeaf(l leafIndex) error {
	idx := leafToNode(l)
	if int(idx) >= len(t.nodes) || t.nodes[idx].blank {
		return fmt.Errorf("mls: leaf %d already blank", l)
	}
	t.nodes[idx] = node{blank: true}
	t.blankPathOf(l)
	return nil
}

// directPath returns the node indices from l's leaf up to (excluding) the
// root, in ascending-level order.
func (t *ratchetTree) directPath(l leafIndex) []nodeIndex {
	idx := leafToNode(l)
	w := len(t.nodes)
	var path []nodeIndex
	for {
		p, ok := parentOf(idx, w)
		if !ok {
			return path
		}
		path = append(path, p)
		idx = p
	}
}

// copath returns the sibling of every node on l's direct path (the nodes a
// commit's update-path must encrypt a fresh secret to).
func (t *ratchetTree) copath(l leafIndex) []nodeIndex {
	idx := leafToNode(l)
	w := len(t.nodes)
	var cp []nodeIndex
	for {
		s, ok := sibling(idx, w)
		if !ok {
			return cp
		}
		cp = append(cp, s)
		p, _ := parentOf(idx, w)
		idx = p
	}
}

// treeHash computes a deterministic hash over the tree's filled nodes so
// all members at the same epoch can confirm they hold identical state.
func (t *ratchetTree) treeHash() []byte {
	if len(t.nodes) == 0 {
		return corecrypto.Hash(nil)
	}
	return t.subtreeHash(root(t.numLeaves()))
}

func (t *ratchetTree) subtreeHash(idx nodeIndex) []byte {
	// A virtual node (beyond the array) is hashed like a blank one, but a
	// virtual parent still covers the filled leaves beneath it.
	virtual := int(idx) >= len(t.nodes)
	if level(idx) == 0 {
		if virtual || t.nodes[idx].blank || t.nodes[idx].leaf == nil {
			return corecrypto.Hash([]byte("blank-leaf"))
		}
		n := t.nodes[idx]
		buf := append([]byte{'L'}, n.leaf.Credential.Identity...)
		buf = append(buf, n.leaf.HPKEKey...)
		return corecrypto.Hash(buf)
	}
	lh := t.subtreeHash(left(idx))
	rh := t.subtreeHash(right(idx))
	buf := []byte{'P'}
	if !virtual && !t.nodes[idx].blank && t.nodes[idx].parent != nil {
		buf = append(buf, t.nodes[idx].parent.HPKEKey...)
	}
	buf = append(buf, lh...)
	buf = append(buf, rh...)
	return corecrypto.Hash(buf)
}

// marshal writes the tree's full node array, used inside a Welcome so a new
// member can reconstruct the tree without replaying every historical commit.
func (t *ratchetTree) marshal(b *cryptobyte.Builder) {
	wireutil.WriteVector(b, len(t.nodes), func(b *cryptobyte.Builder, i int) {
		n := t.nodes[i]
		wireutil.WriteOptional(b, !n.blank)
		if n.blank {
			return
		}
		if level(nodeIndex(i)) == 0 {
			b.AddUint8(0)
			marshalLeafNode(b, n.leaf)
		} else {
			b.AddUint8(1)
			wireutil.WriteOpaqueVec(b, n.parent.HPKEKey)
		}
	})
}

// unmarshal reads a tree written by marshal.
func (t *ratchetTree) unmarshal(s *cryptobyte.String) error {
	*t = ratchetTree{}
	return wireutil.ReadVector(s, func(s *cryptobyte.String) error {
		var present bool
		if !wireutil.ReadOptional(s, &present) {
			return wireutil.ErrTruncated
		}
		if !present {
			t.nodes = append(t.nodes, node{blank: true})
			return nil
		}
		var kind uint8
		if !s.ReadUint8(&kind) {
			return wireutil.ErrTruncated
		}
		if kind == 0 {
			ln, err := unmarshalLeafNode(s)
			if err != nil {
				return err
			}
			t.nodes = append(t.nodes, node{leaf: ln})
			return nil
		}
		var pk []byte
		if !wireutil.ReadOpaqueVec(s, &pk) {
			return wireutil.ErrTruncated
		}
		t.nodes = append(t.nodes, node{parent: &ParentNode{HPKEKey: pk}})
		return nil
	})
}

// clone returns a deep copy of the tree, used to apply a tentative commit
// without mutating the committed state until validation succeeds.
func (t *ratchetTree) clone() *ratchetTree {
	out := &ratchetTree{nodes: make([]node, len(t.nodes))}
	for i, n := range t.nodes {
		nn := node{blank: n.blank}
		if n.leaf != nil {
			leaf := *n.leaf
			leaf.Credential.Identity = append([]byte(nil), n.leaf.Credential.Identity...)
			leaf.Credential.PublicKey = append([]byte(nil), n.leaf.Credential.PublicKey...)
			leaf.HPKEKey = append([]byte(nil), n.leaf.HPKEKey...)
			leaf.Signature = append([]byte(nil), n.leaf.Signature...)
			nn.leaf = &leaf
		}
		if n.parent != nil {
			nn.parent = &ParentNode{HPKEKey: append([]byte(nil), n.parent.HPKEKey...)}
		}
		out.nodes[i] = nn
	}
	return out
}

// setParentKey installs a new HPKE public key at an internal node, used when
// applying a commit's update-path. A virtual node beyond the array is left
// out, so the array keeps its 2n-1 width.
func (t *ratchetTree) setParentKey(idx nodeIndex, pub []byte) {
	if int(idx) >= len(t.nodes) {
		return
	}
	t.nodes[idx] = node{parent: &ParentNode{HPKEKey: pub}}
}

// setLeaf overwrites the leaf node at l (used by Update proposals and by the
// committer installing its own new leaf node).
func (t *ratchetTree) setLeaf(l leafIndex, ln *LeafNode) {
	t.nodes[leafToNode(l)] = node{leaf: ln}
}

// nonBlankLeaves returns the leaf indices of every non-blank leaf.
func (t *ratchetTree) nonBlankLeaves() []leafIndex {
	var out []leafIndex
	for i := 0; i < t.numLeaves(); i++ {
		if _, ok := t.leafAt(leafIndex(i)); ok {
			out = append(out, leafIndex(i))
		}
	}
	return out
}

// resolution returns the smallest set of non-blank nodes covering every
// member in idx's subtree: the node itself when filled, nothing for a blank
// leaf, and the concatenated resolutions of both children for a blank or
// virtual parent. A commit encrypts its path secret to every node in the
// copath child's resolution, so each member below it can decrypt.
func (t *ratchetTree) resolution(idx nodeIndex) []nodeIndex {
	if level(idx) == 0 {
		if int(idx) >= len(t.nodes) {
			return nil
		}
		n := t.nodes[idx]
		if n.blank || n.leaf == nil {
			return nil
		}
		return []nodeIndex{idx}
	}
	if int(idx) < len(t.nodes) {
		n := t.nodes[idx]
		if !n.blank && n.parent != nil {
			return []nodeIndex{idx}
		}
	}
	return append(t.resolution(left(idx)), t.resolution(right(idx))...)
}

// publicKeyAt returns the HPKE public key installed at a node named by a
// resolution.
func (t *ratchetTree) publicKeyAt(idx nodeIndex) []byte {
	if int(idx) >= len(t.nodes) {
		return nil
	}
	n := t.nodes[idx]
	if level(idx) == 0 {
		if n.leaf == nil {
			return nil
		}
		return n.leaf.HPKEKey
	}
	if n.parent == nil {
		return nil
	}
	return n.parent.HPKEKey
}

// hasInitKeyOrCredential reports whether pub or credentialIdentity collides
// with any current leaf, which would make an Add a duplicate member.
func (t *ratchetTree) hasInitKeyOrCredential(pub, credentialIdentity []byte) bool {
	for i := 0; i < t.numLeaves(); i++ {
		ln, ok := t.leafAt(leafIndex(i))
		if !ok {
			continue
		}
		if string(ln.HPKEKey) == string(pub) {
			return true
		}
		if string(ln.Credential.Identity) == string(credentialIdentity) {
			return true
		}
	}
	return false
}
