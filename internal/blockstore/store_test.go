package blockstore

import (
	"bytes"
	"testing"

	"github.com/edgemesh/node/internal/hashtree"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := bytes.Repeat([]byte("edge"), hashtree.BlockSize)
	entry, err := store.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !store.Has(entry.Root) {
		t.Fatalf("expected Has to report true for stored root")
	}

	got, err := store.Get(entry.Root)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatalf("round-tripped data mismatch")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, err := New(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var root hashtree.Hash
	if _, err := store.Get(root); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBlockReturnsVerifiableProof(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := bytes.Repeat([]byte{0x07}, hashtree.BlockSize*3)
	entry, err := store.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	block, segs, err := store.Block(entry.Root, 1, hashtree.ProofInitial, 0)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}

	v := hashtree.NewIncrementalVerifier(entry.Root, nil)
	// Feeding a non-zero leafIndex as the first call is rejected by the
	// sequential verifier, so leaf 0 goes first; leaf 1's Initial proof must
	// then climb all the way to the root.
	block0, segs0, err := store.Block(entry.Root, 0, hashtree.ProofInitial, 0)
	if err != nil {
		t.Fatalf("Block 0: %v", err)
	}
	if err := v.VerifyBlock(0, 0, block0, segs0, false); err != nil {
		t.Fatalf("leaf 0 proof did not verify: %v", err)
	}
	if err := v.VerifyBlock(1, 1, block, segs, false); err != nil {
		t.Fatalf("leaf 1 proof did not verify: %v", err)
	}
	if len(block) != hashtree.BlockSize {
		t.Fatalf("unexpected block size %d", len(block))
	}
	if len(segs) == 0 {
		t.Fatalf("expected at least one proof segment for a 3-leaf tree")
	}
}
