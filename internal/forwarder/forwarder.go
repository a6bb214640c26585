// Package forwarder implements the signer socket (component D): a FIFO
// that turns an UpdateMethod into a fully signed UpdateRequest and hands it
// to the mempool, retrying when another in-flight transaction races it for
// the same nonce.
package forwarder

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
	"github.com/edgemesh/node/pkg/utils"
)

// NonceSource reads the next expected nonce for sender from the live state.
type NonceSource func(sender appstate.AccountAddress) uint64

// DigestFunc computes the signing digest for a payload, matching the
// executor's own digestOf so that signatures verify.
type DigestFunc func(sender appstate.AccountAddress, payload appstate.UpdatePayload) []byte

// Mempool accepts a signed transaction for inclusion in a future block.
type Mempool interface {
	Submit(ctx context.Context, req appstate.UpdateRequest) error
}

// nonceRaceError wraps the mempool's rejection of a submission
// because another transaction from this node landed with the same nonce
// first; Enqueue retries transparently on this error.
type nonceRaceError struct{ err error }

func (e nonceRaceError) Error() string { return e.err.Error() }
func (e nonceRaceError) Unwrap() error  { return e.err }

// Forwarder holds the node's secret key and serializes every outgoing
// transaction through enqueue, so no two in-flight transactions from this
// node ever share a nonce (§4.D).
type Forwarder struct {
	mu     sync.Mutex
	key    identity.NodeSecretKey
	sender appstate.AccountAddress
	nonce  NonceSource
	digest DigestFunc
	pool   Mempool
	log    *logrus.Entry
	maxRetries int
}

// New creates a Forwarder for key, submitting transactions as sender.
func New(key identity.NodeSecretKey, sender appstate.AccountAddress, nonce NonceSource, digest DigestFunc, pool Mempool) *Forwarder {
	return &Forwarder{
		key:        key,
		sender:     sender,
		nonce:      nonce,
		digest:     digest,
		pool:       pool,
		log:        logrus.WithField("component", "forwarder"),
		maxRetries: 5,
	}
}

// Enqueue builds, signs, and submits method, retrying on nonce races.
func (f *Forwarder) Enqueue(ctx context.Context, method appstate.UpdateMethod) (appstate.UpdateRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		nonce := f.nonce(f.sender)
		payload := appstate.UpdatePayload{Nonce: nonce, Method: method}
		digest := f.digest(f.sender, payload)
		sig := f.key.Sign(digest)
		req := appstate.UpdateRequest{Sender: f.sender, Signature: sig, Payload: payload}

		err := f.pool.Submit(ctx, req)
		if err == nil {
			return req, nil
		}
		var race nonceRaceError
		if !asNonceRace(err, &race) {
			return appstate.UpdateRequest{}, utils.Wrap(err, "submit transaction")
		}
		lastErr = err
		f.log.WithField("attempt", attempt).Debug("nonce race, retrying")
	}
	return appstate.UpdateRequest{}, utils.Wrap(lastErr, "exhausted nonce race retries")
}

func asNonceRace(err error, target *nonceRaceError) bool {
	race, ok := err.(nonceRaceError)
	if ok {
		*target = race
	}
	return ok
}

// WrapNonceRace marks err as a nonce race so Enqueue retries it instead of
// surfacing it as a hard failure. Mempool implementations call this when
// they reject a submission purely because its nonce has already been used.
func WrapNonceRace(err error) error { return nonceRaceError{err: err} }
