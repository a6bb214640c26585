package mempool

import (
	"context"
	"testing"
	"time"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
)

func testMempool(t *testing.T) (*Mempool, appstate.AccountAddress) {
	t.Helper()
	params := appstate.ProtocolParams{CommitteeSize: 1, EpochLengthMS: 86_400_000, MaxBoost: 4}
	sender := appstate.AccountAddress{0x01}
	state := appstate.New(params, appstate.AccountAddress{0xFF}, time.Now().Add(time.Hour).UnixMilli())
	executor := appstate.NewExecutor(state,
		func(appstate.AccountAddress, appstate.UpdatePayload) []byte { return []byte("d") },
		func(appstate.AccountAddress, []byte, identity.NodeSignature) bool { return true })
	query := appstate.NewQueryRunner(state)
	return New(query, executor, 0), sender
}

func TestSubmitAdmitsAndDrainReturnsAll(t *testing.T) {
	m, sender := testMempool(t)

	req := appstate.UpdateRequest{Sender: sender, Payload: appstate.UpdatePayload{Nonce: 0, Method: appstate.UpdateMethod{Tag: appstate.MethodDeposit, DepositAmount: 1}}}
	if err := m.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", m.Len())
	}

	drained := m.Drain()
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained, got %d", len(drained))
	}
	if m.Len() != 0 {
		t.Fatalf("expected queue empty after drain")
	}
}

func TestSubmitRejectsRepeatedNonce(t *testing.T) {
	m, sender := testMempool(t)

	req := appstate.UpdateRequest{Sender: sender, Payload: appstate.UpdatePayload{Nonce: 0, Method: appstate.UpdateMethod{Tag: appstate.MethodDeposit, DepositAmount: 1}}}
	if err := m.Submit(context.Background(), req); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := m.Submit(context.Background(), req); err == nil {
		t.Fatalf("expected second Submit with same nonce to fail")
	}
}

func TestSubmitRejectsAtCapacity(t *testing.T) {
	params := appstate.ProtocolParams{CommitteeSize: 1, EpochLengthMS: 86_400_000, MaxBoost: 4}
	sender := appstate.AccountAddress{0x01}
	state := appstate.New(params, appstate.AccountAddress{0xFF}, time.Now().Add(time.Hour).UnixMilli())
	executor := appstate.NewExecutor(state,
		func(appstate.AccountAddress, appstate.UpdatePayload) []byte { return []byte("d") },
		func(appstate.AccountAddress, []byte, identity.NodeSignature) bool { return true })
	query := appstate.NewQueryRunner(state)
	m := New(query, executor, 1)

	first := appstate.UpdateRequest{Sender: sender, Payload: appstate.UpdatePayload{Nonce: 0, Method: appstate.UpdateMethod{Tag: appstate.MethodDeposit, DepositAmount: 1}}}
	second := appstate.UpdateRequest{Sender: sender, Payload: appstate.UpdatePayload{Nonce: 1, Method: appstate.UpdateMethod{Tag: appstate.MethodDeposit, DepositAmount: 1}}}

	if err := m.Submit(context.Background(), first); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := m.Submit(context.Background(), second); err == nil {
		t.Fatalf("expected Submit to fail once at capacity")
	}
}
