// Package fetcher implements put/fetch (component J): publish new content by
// pointer, and retrieve content by hash through a peer-then-origin fallback
// chain, guaranteeing at-most-one in-flight fetch per hash via
// golang.org/x/sync/singleflight and bounding per-origin concurrency via
// golang.org/x/sync/semaphore.
package fetcher

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/blockstore"
	"github.com/edgemesh/node/internal/hashtree"
	"github.com/edgemesh/node/internal/identity"
	"github.com/edgemesh/node/internal/pool"
	"github.com/edgemesh/node/internal/resolver"
	"github.com/edgemesh/node/pkg/utils"
)

const defaultMaxPerOrigin = 4

// OriginFetcher retrieves content directly from its origin, e.g. over HTTP.
type OriginFetcher interface {
	FetchOrigin(ctx context.Context, pointer resolver.ImmutablePointer) ([]byte, error)
}

// IndexResolver maps a node's public key to its app-state NodeIndex, so a
// resolution record's Originator can be dialed through the pool.
type IndexResolver interface {
	PubkeyToIndex(identity.NodePublicKey) (appstate.NodeIndex, bool)
}

// Fetcher is the node's put/fetch entry point (§4.J).
type Fetcher struct {
	store    *blockstore.Store
	resolve  *resolver.Resolver
	pool     *pool.Pool
	origin   OriginFetcher
	index    IndexResolver
	inflight singleflight.Group

	maxPerOrigin int64
	semMu        sync.Mutex
	originSems   map[appstate.NodeIndex]*semaphore.Weighted

	log *logrus.Entry
}

// New builds a Fetcher over the given local store, resolver, overlay pool,
// and origin-retrieval strategy.
func New(store *blockstore.Store, resolve *resolver.Resolver, p *pool.Pool, origin OriginFetcher, index IndexResolver) *Fetcher {
	return &Fetcher{
		store:        store,
		resolve:      resolve,
		pool:         p,
		origin:       origin,
		index:        index,
		maxPerOrigin: defaultMaxPerOrigin,
		originSems:   make(map[appstate.NodeIndex]*semaphore.Weighted),
		log:          logrus.WithField("component", "fetcher"),
	}
}

// Put publishes pointer: if a mapping already exists, it just fetches the
// known hash; otherwise it pulls from origin, stores the result, and
// publishes the new resolution (§4.J).
func (f *Fetcher) Put(ctx context.Context, pointer resolver.ImmutablePointer) (hashtree.Hash, error) {
	if root, ok, err := f.resolve.GetBLAKE3Hash(pointer); err != nil {
		return hashtree.Hash{}, err
	} else if ok {
		_, err := f.Fetch(ctx, root)
		return root, err
	}

	if f.origin == nil {
		return hashtree.Hash{}, errNoOrigin
	}
	data, err := f.origin.FetchOrigin(ctx, pointer)
	if err != nil {
		return hashtree.Hash{}, utils.Wrap(err, "pull from origin")
	}
	entry, err := f.store.Put(data)
	if err != nil {
		return hashtree.Hash{}, err
	}
	if _, err := f.resolve.Publish(pointer, entry.Root); err != nil {
		return hashtree.Hash{}, err
	}
	return entry.Root, nil
}

// Fetch returns the bytes addressed by hash, trying the local store, then
// known peers, then the origin pointer, in that order. Concurrent Fetch
// calls for the same hash share one underlying attempt.
func (f *Fetcher) Fetch(ctx context.Context, hash hashtree.Hash) ([]byte, error) {
	key := hex.EncodeToString(hash[:])
	v, err, _ := f.inflight.Do(key, func() (interface{}, error) {
		return f.fetchOnce(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, hash hashtree.Hash) ([]byte, error) {
	if entry, err := f.store.Get(hash); err == nil {
		return entry.Data, nil
	}

	origins, err := f.resolve.GetOrigins(hash)
	if err != nil {
		return nil, err
	}

	if data, ok := f.fetchFromPeers(ctx, hash, origins); ok {
		return data, nil
	}

	if f.origin != nil {
		for _, rec := range origins {
			data, err := f.origin.FetchOrigin(ctx, rec.Pointer)
			if err != nil {
				f.log.WithError(err).WithField("pointer", rec.Pointer).Debug("origin retrieval failed")
				continue
			}
			if _, err := f.store.Put(data); err != nil {
				return nil, err
			}
			return data, nil
		}
	}

	return nil, blockstore.ErrNotFound
}

func (f *Fetcher) fetchFromPeers(ctx context.Context, hash hashtree.Hash, origins []resolver.Record) ([]byte, bool) {
	for _, rec := range origins {
		idx, ok := f.index.PubkeyToIndex(rec.Originator)
		if !ok {
			continue
		}
		sem := f.originSemaphore(idx)
		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}
		data, err := f.requestFromPeer(ctx, idx, hash)
		sem.Release(1)
		if err != nil {
			f.log.WithError(err).WithField("peer", idx).Debug("peer retrieval failed")
			continue
		}
		if _, err := f.store.Put(data); err != nil {
			f.log.WithError(err).Warn("failed to persist peer-fetched content")
			continue
		}
		return data, true
	}
	return nil, false
}

func (f *Fetcher) originSemaphore(idx appstate.NodeIndex) *semaphore.Weighted {
	f.semMu.Lock()
	defer f.semMu.Unlock()
	if sem, ok := f.originSems[idx]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(f.maxPerOrigin)
	f.originSems[idx] = sem
	return sem
}

func (f *Fetcher) requestFromPeer(ctx context.Context, idx appstate.NodeIndex, hash hashtree.Hash) ([]byte, error) {
	resp, err := f.pool.Request(ctx, idx, blockstore.EncodeRequest(hash))
	if err != nil {
		return nil, err
	}

	headerBytes, ok := <-resp.Chunks()
	if !ok {
		return nil, utils.Wrap(resp.Err(), "peer closed stream before header")
	}
	header, err := blockstore.DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	blocks := make([][]byte, header.BlockCount)
	received := 0
	for chunk := range resp.Chunks() {
		blk, err := blockstore.DecodeBlock(chunk)
		if err != nil {
			return nil, err
		}
		if blk.Index < 0 || blk.Index >= len(blocks) {
			continue
		}
		blocks[blk.Index] = blk.Data
		received++
	}
	if err := resp.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	if received != header.BlockCount {
		return nil, errIncompleteStream
	}

	data := make([]byte, 0, header.BlockCount*hashtree.BlockSize)
	for _, b := range blocks {
		data = append(data, b...)
	}
	tree := hashtree.BuildFromBytes(data)
	if tree.Root() != hash {
		return nil, errRootMismatch
	}
	return data, nil
}

var (
	errNoOrigin         = errors.New("fetcher: no origin configured and no existing resolution")
	errIncompleteStream = errors.New("fetcher: peer stream ended before all blocks received")
	errRootMismatch     = errors.New("fetcher: reassembled content does not match requested root")
)
