// Package blockstore implements the node's content-addressed block store
// (component B): blocks are named by their BLAKE3 hash-tree root, stored on
// disk keyed by that root, and served to peers in content-addressed chunks
// with accompanying incremental proofs.
package blockstore

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/hashtree"
	"github.com/edgemesh/node/pkg/utils"
)

// ErrNotFound is returned when a requested root has no known content.
var ErrNotFound = errors.New("blockstore: content not found")

// Entry is one piece of content addressed by its hash-tree root.
type Entry struct {
	Root hashtree.Hash
	Tree *hashtree.Tree
	Data []byte
}

// Store is the node's local content-addressed store. It holds small/medium
// content fully in memory (backed by disk for durability) behind a bounded
// LRU, following the teacher's disk-LRU cache pattern, and exposes blocks by
// (root, blockIndex) for the pool/fetcher layers to serve over the wire.
type Store struct {
	mu      sync.RWMutex
	rootDir string
	cache   *lru.Cache[string, *Entry]
	log     *logrus.Entry
}

// New creates a Store rooted at dir, keeping at most cacheSize entries
// resident in memory at once.
func New(dir string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, utils.Wrap(err, "create blockstore root")
	}
	c, err := lru.New[string, *Entry](cacheSize)
	if err != nil {
		return nil, utils.Wrap(err, "create blockstore cache")
	}
	return &Store{
		rootDir: dir,
		cache:   c,
		log:     logrus.WithField("component", "blockstore"),
	}, nil
}

// Put splits data into the hash tree's blocks, records the resulting entry,
// and persists it to disk under its root's hex encoding.
func (s *Store) Put(data []byte) (*Entry, error) {
	tree := hashtree.BuildFromBytes(data)
	entry := &Entry{Root: tree.Root(), Tree: tree, Data: data}

	path := s.pathFor(entry.Root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, utils.Wrap(err, "create block directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, utils.Wrap(err, "persist block")
	}

	s.mu.Lock()
	s.cache.Add(hex.EncodeToString(entry.Root[:]), entry)
	s.mu.Unlock()

	s.log.WithField("root", hex.EncodeToString(entry.Root[:])).Debug("stored content")
	return entry, nil
}

// Get returns the full entry for root, loading it from disk on a cache miss.
func (s *Store) Get(root hashtree.Hash) (*Entry, error) {
	key := hex.EncodeToString(root[:])

	s.mu.RLock()
	if e, ok := s.cache.Get(key); ok {
		s.mu.RUnlock()
		return e, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.pathFor(root))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.Wrap(err, "read block from disk")
	}

	tree := hashtree.BuildFromBytes(data)
	if tree.Root() != root {
		return nil, utils.Wrap(errors.New("stored content does not match its root"), "verify on load")
	}
	entry := &Entry{Root: root, Tree: tree, Data: data}

	s.mu.Lock()
	s.cache.Add(key, entry)
	s.mu.Unlock()
	return entry, nil
}

// Has reports whether root is known to the store without loading the
// content into memory.
func (s *Store) Has(root hashtree.Hash) bool {
	key := hex.EncodeToString(root[:])
	s.mu.RLock()
	if _, ok := s.cache.Get(key); ok {
		s.mu.RUnlock()
		return true
	}
	s.mu.RUnlock()
	_, err := os.Stat(s.pathFor(root))
	return err == nil
}

// Block returns the bytes of a single block, plus the proof segments needed
// to verify it against the entry's root.
func (s *Store) Block(root hashtree.Hash, blockIndex int, mode hashtree.ProofMode, prevBlockIndex int) ([]byte, []hashtree.ProofSegment, error) {
	entry, err := s.Get(root)
	if err != nil {
		return nil, nil, err
	}
	if blockIndex < 0 || blockIndex >= entry.Tree.LeafCount() {
		return nil, nil, utils.Wrap(errors.New("block index out of range"), "blockstore.Block")
	}
	start := blockIndex * hashtree.BlockSize
	end := start + hashtree.BlockSize
	if end > len(entry.Data) {
		end = len(entry.Data)
	}
	segs := entry.Tree.GenerateProof(blockIndex, mode, prevBlockIndex)
	return entry.Data[start:end], segs, nil
}

// CID wraps root as an IPFSv1 raw-codec CID so that origin gateways using
// standard multihash tooling can resolve the same content.
func CID(root hashtree.Hash) (cid.Cid, error) {
	digest, err := mh.Encode(root[:], mh.BLAKE3)
	if err != nil {
		return cid.Undef, utils.Wrap(err, "encode multihash")
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}

func (s *Store) pathFor(root hashtree.Hash) string {
	hexRoot := hex.EncodeToString(root[:])
	return filepath.Join(s.rootDir, hexRoot[:2], hexRoot)
}
