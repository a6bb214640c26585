// Package topology computes the clustered connection rings a node should
// maintain (component G): a pure function of current application state,
// cached per epoch.
package topology

import (
	"encoding/binary"
	"sync"

	"lukechampine.com/blake3"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
)

// Rings is the ordered set of connection clusters for a node: Rings[0] is
// the innermost (strongest) cluster, later rings progressively weaker.
type Rings [][]identity.NodePublicKey

// QueryRunner is the subset of appstate.QueryRunner topology needs.
type QueryRunner interface {
	GetCommitteeMembers() []appstate.NodeIndex
	GetNodeRegistry(page *appstate.PagingParams) []appstate.NodeInfo
	PubkeyToIndex(pk identity.NodePublicKey) (appstate.NodeIndex, bool)
	GetEpochInfo() appstate.EpochInfo
}

// Compute builds the ring structure for self relative to the current
// committee and full valid-node registry: committee members form the inner
// (strongest) ring, every other registered node forms the outer ring. Both
// rings are deterministically shuffled by the current epoch so every honest
// node derives the identical topology independently.
func Compute(self identity.NodePublicKey, q QueryRunner) Rings {
	epoch := q.GetEpochInfo()
	committee := q.GetCommitteeMembers()
	committeeSet := make(map[appstate.NodeIndex]bool, len(committee))
	for _, idx := range committee {
		committeeSet[idx] = true
	}

	var inner, outer []identity.NodePublicKey
	for _, n := range q.GetNodeRegistry(nil) {
		if n.PublicKey == self {
			continue
		}
		idx, ok := q.PubkeyToIndex(n.PublicKey)
		if ok && committeeSet[idx] {
			inner = append(inner, n.PublicKey)
		} else {
			outer = append(outer, n.PublicKey)
		}
	}

	seedShuffle(inner, epoch.Epoch, 0)
	seedShuffle(outer, epoch.Epoch, 1)

	return Rings{inner, outer}
}

// seedShuffle deterministically permutes group in place using epoch and
// salt as a BLAKE3-derived Fisher-Yates source, so every honest node
// computes an identical ordering without coordination.
func seedShuffle(group []identity.NodePublicKey, epoch uint64, salt byte) {
	for i := len(group) - 1; i > 0; i-- {
		h := blake3.New(8, nil)
		h.Write([]byte{salt})
		var e [8]byte
		binary.LittleEndian.PutUint64(e[:], epoch)
		h.Write(e[:])
		var ic [8]byte
		binary.LittleEndian.PutUint64(ic[:], uint64(i))
		h.Write(ic[:])
		digest := h.Sum(nil)
		j := int(binary.LittleEndian.Uint64(digest) % uint64(i+1))
		group[i], group[j] = group[j], group[i]
	}
}

// Cache memoizes Compute per epoch so the pool/broadcast layers can cheaply
// ask "has topology changed" on every tick without recomputing rings.
type Cache struct {
	mu       sync.Mutex
	epoch    uint64
	computed Rings
	valid    bool
}

// Get returns the cached rings for the query runner's current epoch,
// recomputing only if the epoch advanced since the last call.
func (c *Cache) Get(self identity.NodePublicKey, q QueryRunner) Rings {
	c.mu.Lock()
	defer c.mu.Unlock()
	epoch := q.GetEpochInfo().Epoch
	if c.valid && epoch == c.epoch {
		return c.computed
	}
	c.computed = Compute(self, q)
	c.epoch = epoch
	c.valid = true
	return c.computed
}
