// Package appstate implements the node's deterministic replicated state
// machine (component C): typed tables, a single-threaded transaction
// executor, a read-only query runner, and the epoch transition algorithm.
package appstate

import (
	"sync"

	"github.com/edgemesh/node/internal/identity"
)

// NodeIndex identifies a registered node by its position in the node
// registry table, assigned at Stake time and stable for the node's life.
type NodeIndex uint32

// AccountAddress is either a 20-byte account address or a 32-byte node
// public key, matching the wire format's Sender union (§6).
type AccountAddress [32]byte

// Token distinguishes the two fungible balances tracked per account.
type Token int

const (
	TokenFLK Token = iota
	TokenStables
)

// NodeInfo is one row of the node registry table.
type NodeInfo struct {
	Owner             AccountAddress
	PublicKey         identity.NodePublicKey
	ConsensusKey       identity.ConsensusPublicKey
	WorkerPublicKey   identity.NodePublicKey
	NodeDomain        string
	WorkerDomain      string
	Ports             []uint16
	Staked            uint64
	Locked            uint64
	LockedUntil       uint64 // epoch number
	StakeLockedUntil  uint64 // epoch number
	CurrentEpochServed map[uint32]uint64 // service_id -> commodity units
}

// EpochInfo summarizes the currently active epoch.
type EpochInfo struct {
	Epoch           uint64
	EpochEndMS      int64
	Committee       []NodeIndex
	TotalSupply     uint64
	SupplyYearStart uint64
}

// ProtocolParams are governance-tunable values affecting execution and the
// epoch transition algorithm.
type ProtocolParams struct {
	MaxInflationPercent int
	NodeSharePercent    int
	ProtocolSharePercent int
	ServiceSharePercent int
	MaxBoost            int
	MinimumNodeStake    uint64
	LockTimeEpochs       uint64
	EpochLengthMS        int64
	CommitteeSize        int
	ServicePrices        map[uint32]uint64 // price per unit of commodity, in stables
}

// ReputationMeasurements is the per-peer observation record submitted by a
// reporting node, supplementing §4.C/§4.K with the field set carried by the
// original system's reputation schema.
type ReputationMeasurements struct {
	LatencyMS     uint64
	Interactions  uint64
	BytesReceived uint64
	BytesSent     uint64
	UptimeSeconds uint64
	Hops          uint32
}

// ServedTotals tracks, per epoch, aggregate served commodity and the
// resulting reward pool accrued from service prices.
type ServedTotals struct {
	PerService map[uint32]uint64
	RewardPool uint64
}

type account struct {
	balances map[Token]uint64
	nonce    uint64
}

// State holds every table the executor and query runner operate over. All
// mutation happens through Executor.ApplyBlock; State itself exposes no setters so
// that the only write path is the deterministic transaction pipeline
// described in §4.C / §5.
type State struct {
	mu sync.RWMutex

	accounts map[AccountAddress]*account
	nodes    map[NodeIndex]*NodeInfo
	pkIndex  map[identity.NodePublicKey]NodeIndex
	nextNode NodeIndex

	epoch           EpochInfo
	params          ProtocolParams
	governance      AccountAddress
	metadata        map[string]string

	servedByEpoch map[uint64]*ServedTotals
	repMeasurements map[NodeIndex]map[NodeIndex]ReputationMeasurements // epoch-scoped, cleared on transition
	epochChangeSignals map[NodeIndex]uint64                              // signaler -> epoch signaled for
	reputationScore map[NodeIndex]uint32
}

// New creates an empty state seeded with the given genesis parameters,
// governance address, and end time of the first epoch.
func New(params ProtocolParams, governance AccountAddress, genesisEpochEndMS int64) *State {
	return &State{
		accounts:           make(map[AccountAddress]*account),
		nodes:              make(map[NodeIndex]*NodeInfo),
		pkIndex:            make(map[identity.NodePublicKey]NodeIndex),
		epoch:              EpochInfo{Epoch: 0, EpochEndMS: genesisEpochEndMS, SupplyYearStart: 0},
		params:             params,
		governance:         governance,
		metadata:           make(map[string]string),
		servedByEpoch:      make(map[uint64]*ServedTotals),
		repMeasurements:    make(map[NodeIndex]map[NodeIndex]ReputationMeasurements),
		epochChangeSignals: make(map[NodeIndex]uint64),
		reputationScore:    make(map[NodeIndex]uint32),
	}
}

func (s *State) accountFor(addr AccountAddress) *account {
	a, ok := s.accounts[addr]
	if !ok {
		a = &account{balances: make(map[Token]uint64)}
		s.accounts[addr] = a
	}
	return a
}

func (s *State) servedFor(epoch uint64) *ServedTotals {
	st, ok := s.servedByEpoch[epoch]
	if !ok {
		st = &ServedTotals{PerService: make(map[uint32]uint64)}
		s.servedByEpoch[epoch] = st
	}
	return st
}

// boost computes the reward multiplier for a stake lock that extends
// lockedForEpochs epochs beyond the current epoch, per the linear ramp
// decided for this implementation (see SPEC_FULL.md Open Question 1):
// boost = 1 + (maxBoost-1) * min(lockedForEpochs / (4 years worth of
// epochs), 1).
func boost(lockedForEpochs uint64, epochsPerYear uint64, maxBoost int) float64 {
	if maxBoost <= 1 || epochsPerYear == 0 {
		return 1
	}
	fullLock := 4 * epochsPerYear
	ratio := float64(lockedForEpochs) / float64(fullLock)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return 1 + float64(maxBoost-1)*ratio
}
