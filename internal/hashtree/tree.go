// Package hashtree implements the BLAKE3 post-order binary Merkle tree used
// to name and incrementally verify content blocks (component A).
//
// Content is split into fixed-size blocks; each block is hashed into a leaf,
// and leaves are combined pairwise into parents until a single root remains.
// The tree is linearized in post-order so that a streaming reader can verify
// each block as it arrives using only O(log n) sibling hashes, never holding
// the whole tree in memory.
package hashtree

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// BlockSize is the fixed size of a leaf's input chunk, 256 KiB.
const BlockSize = 256 * 1024

// HashSize is the width of every node in the tree.
const HashSize = 32

// Hash is a single tree node's digest.
type Hash [HashSize]byte

const (
	domainLeaf   byte = 0x00
	domainParent byte = 0x01
)

// leafHash hashes one block's bytes together with its index, so that
// identical block contents at different offsets produce different leaves.
func leafHash(blockIndex uint64, block []byte) Hash {
	h := blake3.New(HashSize, nil)
	h.Write([]byte{domainLeaf})
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], blockIndex)
	h.Write(idx[:])
	h.Write(block)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// parentHash combines a left and right child into their parent. Order
// matters: swapping left and right yields a different hash.
func parentHash(left, right Hash) Hash {
	h := blake3.New(HashSize, nil)
	h.Write([]byte{domainParent})
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Tree holds the complete post-order linearization of a content hash tree.
// len(Nodes) == 2*leafCount-1 for leafCount > 0, or 0 for empty content.
type Tree struct {
	Nodes []Hash
	// leaves are the flat array positions (within Nodes) of each leaf, in
	// left-to-right order, matching IsValidTreeLen's post-order layout.
	leaves []int
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int { return len(t.leaves) }

// Root returns the tree's root hash. For a single-leaf tree the root is the
// leaf hash itself.
func (t *Tree) Root() Hash {
	if len(t.Nodes) == 0 {
		return Hash{}
	}
	return t.Nodes[len(t.Nodes)-1]
}

// BuildFromBytes splits data into BlockSize chunks and builds the complete
// post-order tree in memory, with all of data held at once.
func BuildFromBytes(data []byte) *Tree {
	if len(data) == 0 {
		return &Tree{}
	}
	n := (len(data) + BlockSize - 1) / BlockSize
	leaves := make([]Hash, n)
	for i := 0; i < n; i++ {
		start := i * BlockSize
		end := start + BlockSize
		if end > len(data) {
			end = len(data)
		}
		leaves[i] = leafHash(uint64(i), data[start:end])
	}
	return buildFromLeaves(leaves)
}

func buildFromLeaves(leaves []Hash) *Tree {
	n := len(leaves)
	nodes := make([]Hash, 2*n-1)
	leafPos := make([]int, n)
	var place func(lo, hi, outStart int) (root Hash, size int)
	place = func(lo, hi, outStart int) (Hash, int) {
		count := hi - lo
		if count == 1 {
			nodes[outStart] = leaves[lo]
			leafPos[lo] = outStart
			return nodes[outStart], 1
		}
		split := largestPowerOfTwoLessThan(count)
		leftRoot, leftSize := place(lo, lo+split, outStart)
		rightRoot, rightSize := place(lo+split, hi, outStart+leftSize)
		parent := parentHash(leftRoot, rightRoot)
		nodes[outStart+leftSize+rightSize] = parent
		return parent, leftSize + rightSize + 1
	}
	if n > 0 {
		place(0, n, 0)
	}
	return &Tree{Nodes: nodes, leaves: leafPos}
}

// largestPowerOfTwoLessThan returns the largest power of two strictly less
// than n, for n >= 2. This is the BLAKE3 tree's left-subtree-size rule: the
// left subtree always takes the largest power-of-two count of leaves that
// leaves at least one leaf for the right subtree.
func largestPowerOfTwoLessThan(n int) int {
	p := 1
	for p*2 < n {
		p *= 2
	}
	return p
}

// TreeIndex maps a 0-based leaf index into its flat post-order array
// position within the tree's 2*leafCount-1 nodes. The
// closed form is 2*i - popcount(i): each of the i leaves to the left of
// index i contributes its own node plus, over the whole prefix, exactly
// popcount(i) fewer "closing parent" slots than a naive doubling would
// suggest, because every left-subtree boundary aligned on a power of two
// closes out one fewer parent than the next. Verified by construction for
// n = 1..5 leaves against the post-order layout above.
func TreeIndex(leafIndex uint64) uint64 {
	return 2*leafIndex - uint64(popcount(leafIndex))
}

func popcount(x uint64) int {
	count := 0
	for x != 0 {
		count += int(x & 1)
		x >>= 1
	}
	return count
}

// IsValidTreeLen reports whether length could be a valid post-order tree
// array length, i.e. length == 2n-1 for some n >= 1.
func IsValidTreeLen(length int) bool {
	return length > 0 && length%2 == 1
}

// LeafCountForTreeLen recovers n from a valid tree array length.
func LeafCountForTreeLen(length int) int {
	return (length + 1) / 2
}
