package appstate

import "testing"

func TestBoostRampsLinearlyToMaxAtFourYears(t *testing.T) {
	epochsPerYear := uint64(365)
	cases := []struct {
		lockedFor uint64
		maxBoost  int
		want      float64
	}{
		{0, 4, 1},
		{4 * 365, 4, 4},
		{2 * 365, 4, 2.5},
		{100 * 365, 4, 4}, // clamped
	}
	for _, c := range cases {
		got := boost(c.lockedFor, epochsPerYear, c.maxBoost)
		if got != c.want {
			t.Errorf("boost(%d, %d, %d) = %v, want %v", c.lockedFor, epochsPerYear, c.maxBoost, got, c.want)
		}
	}
}

func TestDistributeRewardsSplitsByServedValueAndBoost(t *testing.T) {
	params := ProtocolParams{
		MinimumNodeStake:     1,
		MaxInflationPercent:  10,
		NodeSharePercent:     80,
		ProtocolSharePercent: 10,
		ServiceSharePercent:  10,
		MaxBoost:             4,
		CommitteeSize:        2,
		EpochLengthMS:        86_400_000, // one day, so epochsPerYear() resolves to 365
		ServicePrices:        map[uint32]uint64{0: 1},
	}
	ex, state, q := testExecutor(t, params)
	state.mu.Lock()
	state.epoch.SupplyYearStart = 1_000_000
	state.mu.Unlock()

	node1 := addr(1)
	node2 := addr(2)
	pk1 := nodePK(1)
	pk2 := nodePK(2)

	ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: node1, Payload: UpdatePayload{Nonce: 0, Method: UpdateMethod{Tag: MethodStake, StakeNodePK: pk1, NewNodeDetails: &NewNodeDetails{}}}},
		{Sender: node2, Payload: UpdatePayload{Nonce: 0, Method: UpdateMethod{Tag: MethodStake, StakeNodePK: pk2, NewNodeDetails: &NewNodeDetails{}}}},
	}})
	idx1, _ := q.PubkeyToIndex(pk1)
	idx2, _ := q.PubkeyToIndex(pk2)

	// node2 locks for a full 4 years (boost 4), quadrupling its reward weight
	// relative to raw served value; node1 serves twice as much but with no
	// lock, so node2 ends with twice node1's weight.
	ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: node2, Payload: UpdatePayload{Nonce: 1, Method: UpdateMethod{Tag: MethodStakeLock, LockNode: idx2, LockedForEpochs: 4 * 365}}},
		{Sender: node1, Payload: UpdatePayload{Nonce: 1, Method: UpdateMethod{Tag: MethodSubmitDeliveryAcknowledgmentAggregation, TargetNode: idx1, ServiceID: 0, Commodity: 2000}}},
		{Sender: node2, Payload: UpdatePayload{Nonce: 2, Method: UpdateMethod{Tag: MethodSubmitDeliveryAcknowledgmentAggregation, TargetNode: idx2, ServiceID: 0, Commodity: 1000}}},
	}})

	state.mu.Lock()
	state.epoch.Committee = []NodeIndex{idx1, idx2}
	state.mu.Unlock()

	ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: node1, Payload: UpdatePayload{Nonce: 2, Method: UpdateMethod{Tag: MethodChangeEpoch, Epoch: 0}}},
		{Sender: node2, Payload: UpdatePayload{Nonce: 3, Method: UpdateMethod{Tag: MethodChangeEpoch, Epoch: 0}}},
	}})

	if got := q.GetEpochInfo().Epoch; got != 1 {
		t.Fatalf("expected epoch to advance to 1, got %d", got)
	}

	staked1 := q.GetStaked(idx1)
	staked2 := q.GetStaked(idx2)
	if staked2 <= staked1 {
		t.Fatalf("node2's boosted lock should outweigh node1's larger raw served value: staked1=%d staked2=%d", staked1, staked2)
	}
}
