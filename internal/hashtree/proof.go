package hashtree

// ProofMode selects whether a proof carries the full root-to-leaf path
// (Initial) or only the portion that diverges from the previously verified
// leaf (Continuation), letting a sequential block stream avoid re-sending
// ancestor hashes it already proved.
type ProofMode int

const (
	// ProofInitial is used for the first block requested in a session, or
	// any time the reader seeks to a block with no known predecessor.
	ProofInitial ProofMode = iota
	// ProofContinuation is used for a block immediately following one the
	// verifier already accepted.
	ProofContinuation
)

// ProofSegment is one step of a leaf-to-root merge: combine the running hash
// with Sibling, placing the running hash on the right if SiblingIsLeft, or
// on the left otherwise.
type ProofSegment struct {
	Sibling       Hash
	SiblingIsLeft bool
}

// GenerateProof returns the sequence of sibling hashes needed to walk from
// leafIndex up to the root, ordered leaf-first. When mode is
// ProofContinuation, the common suffix shared with prevLeafIndex's path
// (the ancestors the verifier already has pending from the previous block)
// is omitted.
func (t *Tree) GenerateProof(leafIndex int, mode ProofMode, prevLeafIndex int) []ProofSegment {
	full := pathSegments(t.leafHashes(), leafIndex)
	if mode == ProofInitial {
		return full
	}
	prev := pathSegments(t.leafHashes(), prevLeafIndex)
	common := commonSuffixLen(full, prev)
	return full[:len(full)-common]
}

// leafHashes recovers the ordered leaf hash slice from the flat post-order
// array using the recorded leaf positions.
func (t *Tree) leafHashes() []Hash {
	out := make([]Hash, len(t.leaves))
	for i, pos := range t.leaves {
		out[i] = t.Nodes[pos]
	}
	return out
}

func pathSegments(leaves []Hash, leafIndex int) []ProofSegment {
	var segs []ProofSegment
	var rec func(lo, hi int) Hash
	rec = func(lo, hi int) Hash {
		count := hi - lo
		if count == 1 {
			return leaves[lo]
		}
		split := largestPowerOfTwoLessThan(count)
		mid := lo + split
		leftHash := rec(lo, mid)
		rightHash := rec(mid, hi)
		if leafIndex < mid {
			segs = append(segs, ProofSegment{Sibling: rightHash, SiblingIsLeft: false})
		} else {
			segs = append(segs, ProofSegment{Sibling: leftHash, SiblingIsLeft: true})
		}
		return parentHash(leftHash, rightHash)
	}
	rec(0, len(leaves))
	return segs
}

func commonSuffixLen(a, b []ProofSegment) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	count := 0
	for i := 1; i <= n; i++ {
		if a[len(a)-i] != b[len(b)-i] {
			break
		}
		count++
	}
	return count
}
