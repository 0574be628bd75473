package mls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corecrypto "github.com/spacepanda/core/crypto"
)

func testLeaf(identity string) LeafNode {
	return LeafNode{
		Credential: corecrypto.BasicCredential{
			Identity:  []byte(identity),
			PublicKey: make([]byte, 32),
		},
		HPKEKey: append(make([]byte, 31), identity[0]),
	}
}

func TestTreeMathSmallSizes(t *testing.T) {
	assert.Equal(t, nodeIndex(0), root(1))
	assert.Equal(t, nodeIndex(1), root(2))
	assert.Equal(t, nodeIndex(3), root(3))
	assert.Equal(t, nodeIndex(3), root(4))

	assert.Equal(t, 0, level(nodeIndex(0)))
	assert.Equal(t, 0, level(nodeIndex(4)))
	assert.Equal(t, 1, level(nodeIndex(1)))
	assert.Equal(t, 2, level(nodeIndex(3)))

	assert.Equal(t, nodeIndex(1), left(3))
	assert.Equal(t, nodeIndex(5), right(3))
}

func TestAddLeafFillsBlanksFirst(t *testing.T) {
	tree := newRatchetTree(testLeaf("a"))
	assert.Equal(t, leafIndex(1), tree.addLeaf(testLeaf("b")))
	assert.Equal(t, leafIndex(2), tree.addLeaf(testLeaf("c")))

	require.NoError(t, tree.removeLeaf(1))
	_, ok := tree.leafAt(1)
	assert.False(t, ok)

	// The blank slot is reused before extending.
	assert.Equal(t, leafIndex(1), tree.addLeaf(testLeaf("d")))
	assert.Equal(t, 3, tree.numLeaves())
}

func TestRemoveLeafTwiceFails(t *testing.T) {
	tree := newRatchetTree(testLeaf("a"))
	tree.addLeaf(testLeaf("b"))
	require.NoError(t, tree.removeLeaf(1))
	assert.Error(t, tree.removeLeaf(1))
}

func TestDirectPathAndCopathAreSiblings(t *testing.T) {
	tree := newRatchetTree(testLeaf("a"))
	tree.addLeaf(testLeaf("b"))
	tree.addLeaf(testLeaf("c"))
	tree.addLeaf(testLeaf("d"))

	for l := 0; l < tree.numLeaves(); l++ {
		dp := tree.directPath(leafIndex(l))
		cp := tree.copath(leafIndex(l))
		require.Equal(t, len(dp), len(cp), "leaf %d", l)
		w := len(tree.nodes)
		idx := leafToNode(leafIndex(l))
		for j := range dp {
			sib, ok := sibling(idx, w)
			require.True(t, ok)
			assert.Equal(t, cp[j], sib)
			idx = dp[j]
		}
	}
}

func TestTreeHashChangesWithMembership(t *testing.T) {
	tree := newRatchetTree(testLeaf("a"))
	h1 := tree.treeHash()

	tree.addLeaf(testLeaf("b"))
	h2 := tree.treeHash()
	assert.NotEqual(t, h1, h2)

	require.NoError(t, tree.removeLeaf(1))
	h3 := tree.treeHash()
	assert.NotEqual(t, h2, h3)

	// Clones hash identically.
	assert.Equal(t, h3, tree.clone().treeHash())
}

func TestResolutionSkipsBlanksAndCoversLeaves(t *testing.T) {
	tree := newRatchetTree(testLeaf("a"))
	tree.addLeaf(testLeaf("b"))
	tree.addLeaf(testLeaf("c"))

	// Root's right child (node 5) is virtual in a 3-leaf tree; its
	// resolution is carol's leaf alone.
	assert.Equal(t, []nodeIndex{4}, tree.resolution(5))

	// Blanking bob's leaf empties his side's resolution.
	require.NoError(t, tree.removeLeaf(1))
	assert.Empty(t, tree.resolution(2))

	// A non-blank parent resolves to itself.
	tree.setParentKey(1, make([]byte, 32))
	assert.Equal(t, []nodeIndex{1}, tree.resolution(1))
}
