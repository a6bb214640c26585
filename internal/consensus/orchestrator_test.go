package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/broadcast"
	"github.com/edgemesh/node/internal/forwarder"
	"github.com/edgemesh/node/internal/identity"
)

type fakeQuery struct {
	mu        sync.Mutex
	epoch     appstate.EpochInfo
	committee []appstate.NodeIndex
	nodes     map[appstate.NodeIndex]appstate.NodeInfo
	pkIndex   map[identity.NodePublicKey]appstate.NodeIndex
}

func (q *fakeQuery) GetEpochInfo() appstate.EpochInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

func (q *fakeQuery) GetCommitteeMembers() []appstate.NodeIndex {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committee
}

func (q *fakeQuery) GetNodeInfo(idx appstate.NodeIndex) (appstate.NodeInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.nodes[idx]
	return n, ok
}

func (q *fakeQuery) PubkeyToIndex(pk identity.NodePublicKey) (appstate.NodeIndex, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, ok := q.pkIndex[pk]
	return idx, ok
}

func (q *fakeQuery) advanceEpoch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.epoch.Epoch++
}

type fakeMempool struct {
	submitted []appstate.UpdateRequest
	onSubmit  func(appstate.UpdateRequest)
}

func (m *fakeMempool) Submit(ctx context.Context, req appstate.UpdateRequest) error {
	m.submitted = append(m.submitted, req)
	if m.onSubmit != nil {
		m.onSubmit(req)
	}
	return nil
}

func (m *fakeMempool) Drain() []appstate.UpdateRequest {
	out := m.submitted
	m.submitted = nil
	return out
}

func testExecutor() (*appstate.Executor, *appstate.State) {
	params := appstate.ProtocolParams{CommitteeSize: 1, EpochLengthMS: 86_400_000, MaxBoost: 4}
	state := appstate.New(params, appstate.AccountAddress{0xFF}, time.Now().Add(time.Hour).UnixMilli())
	ex := appstate.NewExecutor(state, func(appstate.AccountAddress, appstate.UpdatePayload) []byte { return []byte("d") }, func(appstate.AccountAddress, []byte, identity.NodeSignature) bool { return true })
	return ex, state
}

func TestOffCommitteeOrchestratorExecutesQuorumCertifiedParcel(t *testing.T) {
	selfKey, _ := identity.NewNodeSecretKey()
	consensusKey := identity.NewConsensusSecretKey()
	executor, state := testExecutor()

	query := &fakeQuery{
		epoch:     appstate.EpochInfo{Epoch: 0},
		committee: []appstate.NodeIndex{1},
		nodes:     map[appstate.NodeIndex]appstate.NodeInfo{1: {ConsensusKey: consensusKey.PublicKey()}},
		pkIndex:   map[identity.NodePublicKey]appstate.NodeIndex{},
	}
	mempool := &fakeMempool{}
	fwd := forwarder.New(selfKey, appstate.AccountAddress{0x01}, func(appstate.AccountAddress) uint64 { return 0 }, func(appstate.AccountAddress, appstate.UpdatePayload) []byte { return []byte("d") }, mempool)

	bcSender := &fakeBroadcastSender{}
	peers := broadcast.NewPeers(bcSender)
	bc := broadcast.NewContext(selfKey.PublicKey(), peers)

	orch := New(selfKey, consensusKey, query, executor, fwd, bc, mempool, func() OrderingEngine {
		return NewSequencerEngine(func(h uint64, txns []appstate.UpdateRequest) [32]byte { return [32]byte{byte(h)} })
	})

	digest := [32]byte{1}
	sig := consensusKey.Sign(digest[:])
	parcel := AuthenticStampedParcel{
		Height: 1,
		Transactions: []appstate.UpdateRequest{{
			Sender:  appstate.AccountAddress{0x02},
			Payload: appstate.UpdatePayload{Nonce: 0, Method: appstate.UpdateMethod{Tag: appstate.MethodDeposit, DepositToken: appstate.TokenFLK, DepositAmount: 10}},
		}},
		Digest:       digest,
		Attestations: []CommitteeAttestation{{Signer: consensusKey.PublicKey(), Signature: sig}},
	}
	payload, err := encodeParcel(parcel)
	if err != nil {
		t.Fatalf("encode parcel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bc.Run(ctx)

	done := make(chan error, 1)
	go func() { done <- orch.runEpochOffCommittee(ctx, 0) }()

	time.Sleep(10 * time.Millisecond)
	// Deliver the parcel directly through the loop's incoming path by
	// simulating a peer message carrying the encoded parcel.
	otherKey, _ := identity.NewNodeSecretKey()
	msg := broadcast.Message{Origin: otherKey.PublicKey(), Topic: broadcast.TopicConsensus, Timestamp: 1, Payload: payload}
	msg.Signature = otherKey.Sign(msg.Digest()[:])
	peers.HandleNewConnection(2, otherKey.PublicKey(), nil)
	bc.Receive(otherKey.PublicKey(), broadcast.Frame{Kind: broadcast.FrameMessage, Message: msg})

	query.advanceEpoch()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for off-committee loop to return on epoch change")
	}

	balance := appstate.NewQueryRunner(state).GetFLKBalance(appstate.AccountAddress{0x02})
	if balance != 10 {
		t.Fatalf("expected quorum-certified deposit to apply, balance=%d", balance)
	}
}

func TestQuorumThreshold(t *testing.T) {
	cases := map[int]int{1: 1, 3: 3, 4: 3, 7: 5, 10: 7}
	for n, want := range cases {
		if got := QuorumThreshold(n); got != want {
			t.Errorf("QuorumThreshold(%d) = %d, want %d", n, got, want)
		}
	}
}

type fakeBroadcastSender struct{}

func (fakeBroadcastSender) Send(peer broadcast.NodeIndex, frame broadcast.Frame) error { return nil }
