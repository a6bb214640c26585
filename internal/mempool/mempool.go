// Package mempool is the pending-transaction queue standing between the
// forwarder's signer socket and the consensus orchestrator's ordering
// engine: it is the concrete type satisfying both forwarder.Mempool's
// Submit and consensus.Mempool's Drain, so a transaction this node signs
// for itself re-enters consensus the same way any other admitted
// transaction does. Admission re-validates every submission against the
// query runner's dry-run path (appstate.QueryRunner.ValidateTxn), the same
// check the spec calls out as the mempool admission path.
package mempool

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/forwarder"
)

var (
	errNonceAlreadyQueued = errors.New("mempool: nonce already queued for sender")
	errMempoolFull        = errors.New("mempool: queue at capacity")
)

// Validator dry-runs a transaction against the live state, matching
// appstate.QueryRunner.ValidateTxn.
type Validator interface {
	ValidateTxn(ex *appstate.Executor, txn appstate.UpdateRequest) appstate.Receipt
}

// Mempool is a bounded FIFO of admitted, not-yet-proposed transactions.
type Mempool struct {
	query    Validator
	executor *appstate.Executor

	mu      sync.Mutex
	pending []appstate.UpdateRequest
	seen    map[appstate.AccountAddress]uint64
	maxSize int

	log *logrus.Entry
}

// New builds a Mempool that validates submissions against query/executor
// and holds at most maxSize pending transactions.
func New(query Validator, executor *appstate.Executor, maxSize int) *Mempool {
	return &Mempool{
		query:    query,
		executor: executor,
		seen:     make(map[appstate.AccountAddress]uint64),
		maxSize:  maxSize,
		log:      logrus.WithField("component", "mempool"),
	}
}

// Submit admits req if it dry-run executes cleanly and its nonce has not
// already been queued for its sender, satisfying forwarder.Mempool.
func (m *Mempool) Submit(_ context.Context, req appstate.UpdateRequest) error {
	receipt := m.query.ValidateTxn(m.executor, req)
	if receipt.Error != nil {
		return receipt.Error
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.seen[req.Sender]; ok && req.Payload.Nonce <= last {
		return forwarder.WrapNonceRace(errNonceAlreadyQueued)
	}
	if m.maxSize > 0 && len(m.pending) >= m.maxSize {
		return errMempoolFull
	}

	m.pending = append(m.pending, req)
	m.seen[req.Sender] = req.Payload.Nonce
	return nil
}

// Drain removes and returns every pending transaction, satisfying
// consensus.Mempool.
func (m *Mempool) Drain() []appstate.UpdateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	out := m.pending
	m.pending = nil
	m.seen = make(map[appstate.AccountAddress]uint64)
	return out
}

// Len reports the number of transactions currently queued.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
