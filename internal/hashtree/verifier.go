package hashtree

import "errors"

// Verification errors returned by IncrementalVerifier, mirroring the failure
// modes a streaming content fetcher must distinguish: a malformed proof
// shape versus a proof that decoded fine but didn't match the trusted root.
var (
	ErrInvalidProofSize = errors.New("hashtree: invalid proof size")
	ErrHashMismatch     = errors.New("hashtree: hash mismatch")
	ErrTerminated       = errors.New("hashtree: verifier already finished")
)

// CollectorStorage receives every intermediate hash an IncrementalVerifier
// computes while walking a proof. Pass NopCollector to discard them, or a
// SliceCollector to retain the path for later inspection.
type CollectorStorage interface {
	Collect(h Hash)
}

// NopCollector discards collected hashes; used when a caller only needs the
// pass/fail verdict.
type NopCollector struct{}

// Collect implements CollectorStorage.
func (NopCollector) Collect(Hash) {}

// SliceCollector accumulates every hash seen, in order.
type SliceCollector struct{ Hashes []Hash }

// Collect implements CollectorStorage.
func (c *SliceCollector) Collect(h Hash) { c.Hashes = append(c.Hashes, h) }

// IncrementalVerifier checks a stream of (proof, block) pairs against a
// single trusted root, one block at a time, without ever materializing the
// whole tree. Feed blocks in ascending leaf order.
type IncrementalVerifier struct {
	root      Hash
	collector CollectorStorage
	prevLeaf  int
	finished  bool
	hasRoot   bool
	ancestors []Hash // last accepted leaf's path, leaf first, root last
}

// NewIncrementalVerifier creates a verifier for the given trusted root.
func NewIncrementalVerifier(root Hash, collector CollectorStorage) *IncrementalVerifier {
	if collector == nil {
		collector = NopCollector{}
	}
	return &IncrementalVerifier{root: root, collector: collector, prevLeaf: -1, hasRoot: true}
}

// SetRootHash overrides the trusted root, used when a resolver record
// arrives after the verifier was constructed speculatively.
func (v *IncrementalVerifier) SetRootHash(root Hash) {
	v.root = root
	v.hasRoot = true
}

// IsFinished reports whether a block proven against the root exactly at the
// tree's last leaf has been accepted, after which no further blocks may be
// fed.
func (v *IncrementalVerifier) IsFinished() bool { return v.finished }

// VerifyBlock feeds one block's proof and content. leafIndex must be 0 for
// the first call and one more than the previous accepted leaf after that;
// the caller marks the last leaf via isLast so the verifier can reject any
// further calls. An Initial proof must reach the root; a Continuation proof
// must reach an ancestor on the previously accepted leaf's path.
func (v *IncrementalVerifier) VerifyBlock(leafIndex int, blockIndex uint64, block []byte, segments []ProofSegment, isLast bool) error {
	if v.finished {
		return ErrTerminated
	}
	if !v.hasRoot {
		return ErrInvalidProofSize
	}
	if leafIndex != v.prevLeaf+1 {
		return ErrInvalidProofSize
	}

	running := leafHash(blockIndex, block)
	v.collector.Collect(running)
	path := []Hash{running}
	for _, seg := range segments {
		if seg.SiblingIsLeft {
			running = parentHash(seg.Sibling, running)
		} else {
			running = parentHash(running, seg.Sibling)
		}
		v.collector.Collect(running)
		path = append(path, running)
	}

	if running != v.root {
		shared := 0
		for i := 1; i < len(v.ancestors) && shared == 0; i++ {
			if v.ancestors[i] == running {
				shared = i
			}
		}
		if shared == 0 {
			return ErrHashMismatch
		}
		path = append(path, v.ancestors[shared+1:]...)
	}
	v.ancestors = path

	v.prevLeaf = leafIndex
	if isLast {
		v.finished = true
	}
	return nil
}
