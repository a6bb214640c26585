package forwarder

import (
	"context"
	"errors"
	"testing"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
)

type fakeMempool struct {
	usedNonces map[uint64]bool
	accepted   []appstate.UpdateRequest
	failOnce   bool
}

func (m *fakeMempool) Submit(_ context.Context, req appstate.UpdateRequest) error {
	if m.usedNonces == nil {
		m.usedNonces = make(map[uint64]bool)
	}
	if m.failOnce && !m.usedNonces[req.Payload.Nonce] {
		m.usedNonces[req.Payload.Nonce] = true
		return WrapNonceRace(errors.New("nonce already used"))
	}
	m.accepted = append(m.accepted, req)
	return nil
}

func TestEnqueueSignsAndSubmits(t *testing.T) {
	key, err := identity.NewNodeSecretKey()
	if err != nil {
		t.Fatalf("NewNodeSecretKey: %v", err)
	}
	pub := key.PublicKey()
	var sender appstate.AccountAddress
	copy(sender[:], pub[:])

	pool := &fakeMempool{}
	nextNonce := uint64(0)
	f := New(key, sender, func(appstate.AccountAddress) uint64 { return nextNonce },
		func(s appstate.AccountAddress, p appstate.UpdatePayload) []byte { return s[:] }, pool)

	req, err := f.Enqueue(context.Background(), appstate.UpdateMethod{Tag: appstate.MethodDeposit, DepositAmount: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !key.PublicKey().Verify(req.Sender[:], req.Signature) {
		t.Fatalf("signature does not verify")
	}
	if len(pool.accepted) != 1 {
		t.Fatalf("expected 1 accepted submission, got %d", len(pool.accepted))
	}
}

func TestEnqueueRetriesOnNonceRace(t *testing.T) {
	key, err := identity.NewNodeSecretKey()
	if err != nil {
		t.Fatalf("NewNodeSecretKey: %v", err)
	}
	var sender appstate.AccountAddress
	pool := &fakeMempool{failOnce: true}
	f := New(key, sender, func(appstate.AccountAddress) uint64 { return 7 },
		func(s appstate.AccountAddress, p appstate.UpdatePayload) []byte { return s[:] }, pool)

	if _, err := f.Enqueue(context.Background(), appstate.UpdateMethod{Tag: appstate.MethodDeposit}); err != nil {
		t.Fatalf("Enqueue should succeed after one retry: %v", err)
	}
	if len(pool.accepted) != 1 {
		t.Fatalf("expected eventual acceptance, got %d accepted", len(pool.accepted))
	}
}
