package appstate

import (
	"encoding/binary"
	"sort"

	"lukechampine.com/blake3"
)

// epochsPerYear assumes a fixed epoch length; used only to calibrate the
// boost ramp decided in SPEC_FULL.md (Open Question 1).
func (s *State) epochsPerYear() uint64 {
	if s.params.EpochLengthMS <= 0 {
		return 365
	}
	const msPerYear = int64(365) * 24 * 3600 * 1000
	return uint64(msPerYear / s.params.EpochLengthMS)
}

// transitionEpochLocked runs the epoch transition algorithm (§4.C steps
// 1-8). Caller holds state.mu. blockDigest is the transaction's containing
// block digest, used to seed the deterministic committee rotation.
func (s *State) transitionEpochLocked(blockDigest [32]byte) {
	epoch := s.epoch.Epoch
	totals := s.servedFor(epoch)

	inflation := float64(s.params.MaxInflationPercent) / 100.0
	emissions := inflation * float64(s.epoch.SupplyYearStart) / 365.0

	nodeShare := float64(s.params.NodeSharePercent) / 100.0
	protocolShare := float64(s.params.ProtocolSharePercent) / 100.0
	serviceShare := float64(s.params.ServiceSharePercent) / 100.0

	epochsPerYear := s.epochsPerYear()

	type nodeShareWeight struct {
		idx         NodeIndex
		weight      float64 // served_value(n) * boost(n), used to split FLK emissions
		servedValue float64 // served_value(n), used directly for stables
	}
	var weights []nodeShareWeight
	var totalWeight float64
	var totalServedValue float64

	for idx, node := range s.nodes {
		var servedValue float64
		for svc, units := range node.CurrentEpochServed {
			servedValue += float64(units) * float64(s.params.ServicePrices[svc])
		}
		if servedValue == 0 {
			continue
		}
		var lockedFor uint64
		if node.StakeLockedUntil > epoch {
			lockedFor = node.StakeLockedUntil - epoch
		}
		b := boost(lockedFor, epochsPerYear, s.params.MaxBoost)
		w := servedValue * b
		weights = append(weights, nodeShareWeight{idx: idx, weight: w, servedValue: servedValue})
		totalWeight += w
		totalServedValue += servedValue
	}

	flkRewards := make(map[NodeIndex]uint64, len(weights))
	stablesRewards := make(map[NodeIndex]uint64, len(weights))
	if totalWeight > 0 {
		for _, w := range weights {
			flkShare := emissions * nodeShare * (w.weight / totalWeight)
			flkRewards[w.idx] = uint64(flkShare)
			stablesRewards[w.idx] = uint64(w.servedValue * nodeShare)
		}
	}
	for idx, flk := range flkRewards {
		s.nodes[idx].Staked += flk
	}
	for idx, stbl := range stablesRewards {
		s.accountFor(s.nodes[idx].Owner).balances[TokenStables] += stbl
	}

	// Protocol fund: credited to the governance account's balances, since the
	// fund has no account row of its own in this minimal account model.
	protocolFLK := uint64(emissions * protocolShare)
	protocolStables := uint64(float64(totals.RewardPool) * protocolShare)
	s.accountFor(s.governance).balances[TokenFLK] += protocolFLK
	s.accountFor(s.governance).balances[TokenStables] += protocolStables

	// Service builders: each service's proportion of the total commodity
	// served this epoch is computed, but no account is credited with it; the
	// service_share of emissions is not paid out to service builders.
	var totalCommodity uint64
	for _, units := range totals.PerService {
		totalCommodity += units
	}
	if totalCommodity > 0 {
		for svc, units := range totals.PerService {
			proportion := float64(units) / float64(totalCommodity)
			_ = proportion * serviceShare * emissions // not credited to any account
		}
	}

	emissionsTotal := emissions
	s.epoch.TotalSupply += uint64(emissionsTotal)
	nextEpoch := epoch + 1
	if nextEpoch%365 == 0 {
		s.epoch.SupplyYearStart = s.epoch.TotalSupply
	}

	s.recomputeReputationLocked()
	delete(s.servedByEpoch, epoch)
	for idx := range s.nodes {
		s.nodes[idx].CurrentEpochServed = make(map[uint32]uint64)
	}
	s.epochChangeSignals = make(map[NodeIndex]uint64)

	s.epoch.Epoch = nextEpoch
	s.epoch.EpochEndMS += s.params.EpochLengthMS
	s.epoch.Committee = selectCommittee(s.validNodesLocked(), blockDigest[:], s.params.CommitteeSize)
}

// recomputeReputationLocked folds this epoch's measurement rows into each
// node's reputation score via the unweighted mean of its reporters' scores, then
// clears the rows (§4.C step 7).
func (s *State) recomputeReputationLocked() {
	sums := make(map[NodeIndex]uint64)
	counts := make(map[NodeIndex]uint64)
	for _, row := range s.repMeasurements {
		for peer, m := range row {
			score := reputationScoreFromMeasurement(m)
			sums[peer] += score
			counts[peer]++
		}
	}
	for peer, sum := range sums {
		s.reputationScore[peer] = uint32(sum / counts[peer])
	}
	s.repMeasurements = make(map[NodeIndex]map[NodeIndex]ReputationMeasurements)
}

func reputationScoreFromMeasurement(m ReputationMeasurements) uint64 {
	// Higher interactions/uptime and lower latency/hops raise the score; an
	// intentionally simple linear blend, since the full weighting curve is
	// out of scope for this node's responsibilities (aggregation only).
	score := m.Interactions*10 + m.UptimeSeconds/60
	penalty := m.LatencyMS/10 + uint64(m.Hops)*5
	if penalty > score {
		return 0
	}
	return score - penalty
}

func (s *State) validNodesLocked() []NodeIndex {
	var valid []NodeIndex
	for idx, node := range s.nodes {
		if node.Staked >= s.params.MinimumNodeStake {
			valid = append(valid, idx)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
	return valid
}

// selectCommittee deterministically shuffles candidates using seed (e.g. a
// block digest) as a BLAKE3-derived stream of selection indices, capping the
// result at size entries.
func selectCommittee(candidates []NodeIndex, seed []byte, size int) []NodeIndex {
	if size <= 0 || size > len(candidates) {
		size = len(candidates)
	}
	pool := append([]NodeIndex(nil), candidates...)
	out := make([]NodeIndex, 0, size)
	counter := uint64(0)
	for len(out) < size && len(pool) > 0 {
		h := blake3.New(32, nil)
		h.Write(seed)
		var c [8]byte
		binary.LittleEndian.PutUint64(c[:], counter)
		h.Write(c[:])
		digest := h.Sum(nil)
		pick := int(binary.LittleEndian.Uint64(digest[:8]) % uint64(len(pool)))
		out = append(out, pool[pick])
		pool = append(pool[:pick], pool[pick+1:]...)
		counter++
	}
	return out
}
