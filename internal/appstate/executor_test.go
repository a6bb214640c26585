package appstate

import (
	"testing"

	"github.com/edgemesh/node/internal/identity"
)

func testExecutor(t *testing.T, params ProtocolParams) (*Executor, *State, *QueryRunner) {
	t.Helper()
	governance := AccountAddress{0xFF}
	state := New(params, governance, 1_000_000)
	digestOf := func(sender AccountAddress, p UpdatePayload) []byte { return sender[:] }
	verify := func(AccountAddress, []byte, identity.NodeSignature) bool { return true }
	ex := NewExecutor(state, digestOf, verify)
	return ex, state, NewQueryRunner(state)
}

func addr(b byte) AccountAddress {
	var a AccountAddress
	a[0] = b
	return a
}

func nodePK(b byte) identity.NodePublicKey {
	var pk identity.NodePublicKey
	pk[0] = b
	return pk
}

func TestDepositAndStakeNewNode(t *testing.T) {
	ex, _, q := testExecutor(t, ProtocolParams{MinimumNodeStake: 10})
	sender := addr(1)
	pk := nodePK(1)

	resp := ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: sender, Payload: UpdatePayload{Nonce: 0, Method: UpdateMethod{
			Tag: MethodDeposit, DepositToken: TokenFLK, DepositAmount: 100,
		}}},
		{Sender: sender, Payload: UpdatePayload{Nonce: 1, Method: UpdateMethod{
			Tag: MethodStake, StakeAmount: 50, StakeNodePK: pk,
			NewNodeDetails: &NewNodeDetails{NodeDomain: "node.example"},
		}}},
	}})

	for _, r := range resp.Receipts {
		if r.Error != nil {
			t.Fatalf("unexpected receipt error: %v", r.Error)
		}
	}
	if got := q.GetFLKBalance(sender); got != 50 {
		t.Fatalf("expected remaining balance 50, got %d", got)
	}
	idx, ok := q.PubkeyToIndex(pk)
	if !ok {
		t.Fatalf("expected node to be registered")
	}
	if got := q.GetStaked(idx); got != 50 {
		t.Fatalf("expected staked 50, got %d", got)
	}
}

func TestStakeWithoutDetailsFailsForNewNode(t *testing.T) {
	ex, _, _ := testExecutor(t, ProtocolParams{})
	sender := addr(2)
	resp := ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: sender, Payload: UpdatePayload{Nonce: 0, Method: UpdateMethod{
			Tag: MethodStake, StakeAmount: 10, StakeNodePK: nodePK(2),
		}}},
	}})
	if resp.Receipts[0].Error != ErrInsufficientNodeDetails {
		t.Fatalf("expected ErrInsufficientNodeDetails, got %v", resp.Receipts[0].Error)
	}
}

func TestNonceConsumedOnRevert(t *testing.T) {
	ex, _, _ := testExecutor(t, ProtocolParams{})
	sender := addr(3)
	resp := ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: sender, Payload: UpdatePayload{Nonce: 0, Method: UpdateMethod{
			Tag: MethodStake, StakeAmount: 10, StakeNodePK: nodePK(3),
		}}},
		{Sender: sender, Payload: UpdatePayload{Nonce: 1, Method: UpdateMethod{
			Tag: MethodDeposit, DepositToken: TokenFLK, DepositAmount: 5,
		}}},
	}})
	if resp.Receipts[0].Error == nil {
		t.Fatalf("expected first transaction to revert")
	}
	if resp.Receipts[1].Error != nil {
		t.Fatalf("second transaction with next nonce should have succeeded: %v", resp.Receipts[1].Error)
	}
}

func TestUnstakeWhileLockedForbidden(t *testing.T) {
	ex, state, q := testExecutor(t, ProtocolParams{MinimumNodeStake: 1})
	sender := addr(4)
	pk := nodePK(4)
	ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: sender, Payload: UpdatePayload{Nonce: 0, Method: UpdateMethod{
			Tag: MethodDeposit, DepositToken: TokenFLK, DepositAmount: 100,
		}}},
		{Sender: sender, Payload: UpdatePayload{Nonce: 1, Method: UpdateMethod{
			Tag: MethodStake, StakeAmount: 50, StakeNodePK: pk,
			NewNodeDetails: &NewNodeDetails{},
		}}},
	}})
	idx, _ := q.PubkeyToIndex(pk)
	state.mu.Lock()
	state.nodes[idx].StakeLockedUntil = 5
	state.mu.Unlock()

	resp := ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: sender, Payload: UpdatePayload{Nonce: 2, Method: UpdateMethod{
			Tag: MethodUnstake, UnstakeAmount: 10, TargetNode: idx,
		}}},
	}})
	if resp.Receipts[0].Error != ErrLockedTokensUnstakeForbidden {
		t.Fatalf("expected ErrLockedTokensUnstakeForbidden, got %v", resp.Receipts[0].Error)
	}
}

func TestEpochChangeQuorum(t *testing.T) {
	ex, state, q := testExecutor(t, ProtocolParams{MinimumNodeStake: 1, CommitteeSize: 4, EpochLengthMS: 1000})
	var members []NodeIndex
	for i := byte(1); i <= 4; i++ {
		sender := addr(i)
		pk := nodePK(i)
		ex.ApplyBlock(Block{Transactions: []UpdateRequest{
			{Sender: sender, Payload: UpdatePayload{Nonce: 0, Method: UpdateMethod{
				Tag: MethodDeposit, DepositToken: TokenFLK, DepositAmount: 100,
			}}},
			{Sender: sender, Payload: UpdatePayload{Nonce: 1, Method: UpdateMethod{
				Tag: MethodStake, StakeAmount: 10, StakeNodePK: pk,
				NewNodeDetails: &NewNodeDetails{},
			}}},
		}})
		idx, _ := q.PubkeyToIndex(pk)
		members = append(members, idx)
	}
	state.mu.Lock()
	state.epoch.Committee = members
	state.mu.Unlock()

	// Threshold for |C|=4 is floor(2*4/3)+1 = 3.
	var changed bool
	for i := 0; i < 3; i++ {
		sender := addr(byte(i + 1))
		resp := ex.ApplyBlock(Block{Transactions: []UpdateRequest{
			{Sender: sender, Payload: UpdatePayload{Nonce: 2, Method: UpdateMethod{
				Tag: MethodChangeEpoch, Epoch: 0,
			}}},
		}})
		if resp.ChangeEpoch {
			changed = true
		}
	}
	if !changed {
		t.Fatalf("expected epoch to advance once quorum reached")
	}
	if got := q.GetEpochInfo().Epoch; got != 1 {
		t.Fatalf("expected epoch 1, got %d", got)
	}
}

func TestReputationSubmittedOncePerEpoch(t *testing.T) {
	ex, state, q := testExecutor(t, ProtocolParams{})
	reporter := addr(9)
	reporterPK := nodePK(9)
	peer := NodeIndex(1)
	ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: reporter, Payload: UpdatePayload{Nonce: 0, Method: UpdateMethod{
			Tag: MethodStake, StakeAmount: 0, StakeNodePK: reporterPK,
			NewNodeDetails: &NewNodeDetails{},
		}}},
		{Sender: reporter, Payload: UpdatePayload{Nonce: 1, Method: UpdateMethod{
			Tag: MethodSubmitReputationMeasurements,
			Measurements: map[NodeIndex]ReputationMeasurements{
				peer: {Interactions: 10, UptimeSeconds: 600},
			},
		}}},
	}})
	// A second submission in the same epoch is ignored.
	ex.ApplyBlock(Block{Transactions: []UpdateRequest{
		{Sender: reporter, Payload: UpdatePayload{Nonce: 2, Method: UpdateMethod{
			Tag: MethodSubmitReputationMeasurements,
			Measurements: map[NodeIndex]ReputationMeasurements{
				NodeIndex(2): {Interactions: 5, UptimeSeconds: 60},
			},
		}}},
	}})
	reporterIdx, _ := q.PubkeyToIndex(reporterPK)
	state.mu.RLock()
	rows := len(state.repMeasurements)
	row := state.repMeasurements[reporterIdx]
	state.mu.RUnlock()
	if rows != 1 {
		t.Fatalf("expected 1 reporter row, got %d", rows)
	}
	if _, ok := row[peer]; !ok || len(row) != 1 {
		t.Fatalf("expected the first submission's row to be kept, got %v", row)
	}
	_ = q
}
