package appstate

import "github.com/edgemesh/node/internal/identity"

// PagingParams bounds a node-registry listing.
type PagingParams struct {
	Start NodeIndex
	Limit int
}

// QueryRunner is a read-only view over State (§4.C). Lookups take the read
// lock for the length of one call; ValidateTxn takes the write lock while it
// clones the state and dry-runs one transaction.
type QueryRunner struct {
	state *State
}

// NewQueryRunner creates a QueryRunner over state.
func NewQueryRunner(state *State) *QueryRunner { return &QueryRunner{state: state} }

func (q *QueryRunner) GetFLKBalance(addr AccountAddress) uint64 {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	if a, ok := q.state.accounts[addr]; ok {
		return a.balances[TokenFLK]
	}
	return 0
}

// GetNonce returns the next nonce the forwarder should sign for addr.
func (q *QueryRunner) GetNonce(addr AccountAddress) uint64 {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	if a, ok := q.state.accounts[addr]; ok {
		return a.nonce
	}
	return 0
}

func (q *QueryRunner) GetStablesBalance(addr AccountAddress) uint64 {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	if a, ok := q.state.accounts[addr]; ok {
		return a.balances[TokenStables]
	}
	return 0
}

func (q *QueryRunner) GetStaked(node NodeIndex) uint64 {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	if n, ok := q.state.nodes[node]; ok {
		return n.Staked
	}
	return 0
}

func (q *QueryRunner) GetLocked(node NodeIndex) uint64 {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	if n, ok := q.state.nodes[node]; ok {
		return n.Locked
	}
	return 0
}

func (q *QueryRunner) GetLockedTime(node NodeIndex) uint64 {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	if n, ok := q.state.nodes[node]; ok {
		return n.LockedUntil
	}
	return 0
}

func (q *QueryRunner) GetStakeLockedUntil(node NodeIndex) uint64 {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	if n, ok := q.state.nodes[node]; ok {
		return n.StakeLockedUntil
	}
	return 0
}

func (q *QueryRunner) GetNodeInfo(node NodeIndex) (NodeInfo, bool) {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	n, ok := q.state.nodes[node]
	if !ok {
		return NodeInfo{}, false
	}
	return *n, true
}

func (q *QueryRunner) PubkeyToIndex(pk identity.NodePublicKey) (NodeIndex, bool) {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	idx, ok := q.state.pkIndex[pk]
	return idx, ok
}

func (q *QueryRunner) GetEpochInfo() EpochInfo {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	return q.state.epoch
}

// EpochEndMS satisfies notifier.EpochReader.
func (q *QueryRunner) EpochEndMS() int64 {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	return q.state.epoch.EpochEndMS
}

func (q *QueryRunner) GetCommitteeMembers() []NodeIndex {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	out := make([]NodeIndex, len(q.state.epoch.Committee))
	copy(out, q.state.epoch.Committee)
	return out
}

func (q *QueryRunner) GetNodeRegistry(page *PagingParams) []NodeInfo {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()

	indices := make([]NodeIndex, 0, len(q.state.nodes))
	for idx := range q.state.nodes {
		indices = append(indices, idx)
	}
	sortNodeIndices(indices)

	var start int
	var limit = len(indices)
	if page != nil {
		for i, idx := range indices {
			if idx >= page.Start {
				start = i
				break
			}
		}
		if page.Limit > 0 {
			limit = page.Limit
		}
	}

	out := make([]NodeInfo, 0, limit)
	for _, idx := range indices[start:] {
		if len(out) >= limit {
			break
		}
		out = append(out, *q.state.nodes[idx])
	}
	return out
}

func (q *QueryRunner) GetProtocolParams() ProtocolParams {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	return q.state.params
}

func (q *QueryRunner) GetMetadata(key string) (string, bool) {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	v, ok := q.state.metadata[key]
	return v, ok
}

func (q *QueryRunner) GetTotalServed(epoch uint64) ServedTotals {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	if st, ok := q.state.servedByEpoch[epoch]; ok {
		out := ServedTotals{PerService: make(map[uint32]uint64, len(st.PerService)), RewardPool: st.RewardPool}
		for k, v := range st.PerService {
			out.PerService[k] = v
		}
		return out
	}
	return ServedTotals{PerService: map[uint32]uint64{}}
}

func (q *QueryRunner) GetNodeServed(pk identity.NodePublicKey) map[uint32]uint64 {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	idx, ok := q.state.pkIndex[pk]
	if !ok {
		return nil
	}
	out := make(map[uint32]uint64, len(q.state.nodes[idx].CurrentEpochServed))
	for k, v := range q.state.nodes[idx].CurrentEpochServed {
		out[k] = v
	}
	return out
}

func (q *QueryRunner) IsValidNode(pk identity.NodePublicKey) bool {
	q.state.mu.RLock()
	defer q.state.mu.RUnlock()
	idx, ok := q.state.pkIndex[pk]
	if !ok {
		return false
	}
	return q.state.nodes[idx].Staked >= q.state.params.MinimumNodeStake
}

// ValidateTxn dry-runs txn against a throwaway copy of the live tables so
// that callers (e.g. the mempool admission path) can obtain the exact
// receipt execution would produce, without mutating the real state
// (§4.C: "must return the exact receipt that actual execution would
// produce at this snapshot").
func (q *QueryRunner) ValidateTxn(ex *Executor, txn UpdateRequest) Receipt {
	q.state.mu.Lock()
	defer q.state.mu.Unlock()

	shadow := cloneStateLocked(q.state)
	shadowExecutor := &Executor{state: shadow, digestOf: ex.digestOf, verify: ex.verify}
	receipt, _ := shadowExecutor.applyLocked(txn, [32]byte{})
	return receipt
}

func sortNodeIndices(idx []NodeIndex) {
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && idx[j-1] > idx[j]; j-- {
			idx[j-1], idx[j] = idx[j], idx[j-1]
		}
	}
}

// cloneStateLocked makes a shallow-deep copy of s sufficient for a one-shot
// dry run: served totals, reputation rows and reputation scores start empty,
// every other map is copied, and immutable leaf values are shared.
// Caller holds s.mu.
func cloneStateLocked(s *State) *State {
	clone := &State{
		accounts:           make(map[AccountAddress]*account, len(s.accounts)),
		nodes:              make(map[NodeIndex]*NodeInfo, len(s.nodes)),
		pkIndex:            make(map[identity.NodePublicKey]NodeIndex, len(s.pkIndex)),
		nextNode:           s.nextNode,
		epoch:              s.epoch,
		params:             s.params,
		governance:         s.governance,
		metadata:           make(map[string]string, len(s.metadata)),
		servedByEpoch:      make(map[uint64]*ServedTotals, len(s.servedByEpoch)),
		repMeasurements:    make(map[NodeIndex]map[NodeIndex]ReputationMeasurements),
		epochChangeSignals: make(map[NodeIndex]uint64, len(s.epochChangeSignals)),
		reputationScore:    make(map[NodeIndex]uint32, len(s.reputationScore)),
	}
	for k, v := range s.accounts {
		cp := &account{balances: make(map[Token]uint64, len(v.balances)), nonce: v.nonce}
		for t, bal := range v.balances {
			cp.balances[t] = bal
		}
		clone.accounts[k] = cp
	}
	for k, v := range s.nodes {
		cp := *v
		cp.CurrentEpochServed = make(map[uint32]uint64, len(v.CurrentEpochServed))
		for svc, units := range v.CurrentEpochServed {
			cp.CurrentEpochServed[svc] = units
		}
		clone.nodes[k] = &cp
	}
	for k, v := range s.pkIndex {
		clone.pkIndex[k] = v
	}
	for k, v := range s.metadata {
		clone.metadata[k] = v
	}
	for k, v := range s.epochChangeSignals {
		clone.epochChangeSignals[k] = v
	}
	return clone
}
