package hashtree

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestTreeIndexMatchesConstruction(t *testing.T) {
	for n := 1; n <= 64; n++ {
		leaves := make([]Hash, n)
		for i := range leaves {
			leaves[i][0] = byte(i)
		}
		tree := buildFromLeaves(leaves)
		if len(tree.Nodes) != 2*n-1 {
			t.Fatalf("n=%d: want %d nodes, got %d", n, 2*n-1, len(tree.Nodes))
		}
		for i := 0; i < n; i++ {
			want := tree.leaves[i]
			got := TreeIndex(uint64(i))
			if uint64(want) != got {
				t.Fatalf("n=%d leaf=%d: TreeIndex=%d, actual position=%d", n, i, got, want)
			}
		}
	}
}

func TestIsValidTreeLen(t *testing.T) {
	cases := map[int]bool{0: false, 1: true, 2: false, 3: true, 5: true, 6: false, 7: true}
	for length, want := range cases {
		if got := IsValidTreeLen(length); got != want {
			t.Errorf("IsValidTreeLen(%d) = %v, want %v", length, got, want)
		}
	}
}

func TestBuildFromBytesSingleLeaf(t *testing.T) {
	data := []byte("hello world")
	tree := BuildFromBytes(data)
	if tree.LeafCount() != 1 {
		t.Fatalf("expected 1 leaf, got %d", tree.LeafCount())
	}
	if tree.Root() != leafHash(0, data) {
		t.Fatalf("single-leaf root should equal leaf hash")
	}
}

func TestIncrementalVerifierAcceptsValidStream(t *testing.T) {
	data := make([]byte, BlockSize*5+17)
	rand.New(rand.NewSource(1)).Read(data)
	tree := BuildFromBytes(data)

	v := NewIncrementalVerifier(tree.Root(), nil)
	n := tree.LeafCount()
	prev := 0
	for i := 0; i < n; i++ {
		mode := ProofContinuation
		if i == 0 {
			mode = ProofInitial
		}
		segs := tree.GenerateProof(i, mode, prev)
		start := i * BlockSize
		end := start + BlockSize
		if end > len(data) {
			end = len(data)
		}
		if err := v.VerifyBlock(i, uint64(i), data[start:end], segs, i == n-1); err != nil {
			t.Fatalf("leaf %d: unexpected error: %v", i, err)
		}
		prev = i
	}
	if !v.IsFinished() {
		t.Fatalf("verifier should be finished after last leaf")
	}
}

func TestIncrementalVerifierRejectsTamperedBlock(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, BlockSize*2)
	tree := BuildFromBytes(data)

	v := NewIncrementalVerifier(tree.Root(), nil)
	segs := tree.GenerateProof(0, ProofInitial, 0)
	tampered := append([]byte(nil), data[:BlockSize]...)
	tampered[0] ^= 0xff

	if err := v.VerifyBlock(0, 0, tampered, segs, false); err != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestIncrementalVerifierRejectsFeedAfterFinish(t *testing.T) {
	data := []byte("single block of content")
	tree := BuildFromBytes(data)
	v := NewIncrementalVerifier(tree.Root(), nil)
	segs := tree.GenerateProof(0, ProofInitial, 0)
	if err := v.VerifyBlock(0, 0, data, segs, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.VerifyBlock(0, 0, data, segs, true); err != ErrTerminated {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
}
