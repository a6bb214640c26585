package consensus

import (
	"context"
	"sync"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
)

// OrderingEngine is the pluggable BFT totally-ordered log (§4.E). The
// orchestrator starts one per committee and tears it down on reconfiguration.
type OrderingEngine interface {
	// Start seeds the engine with the current committee and worker cache,
	// and begins producing certified parcels.
	Start(ctx context.Context, committee []identity.ConsensusPublicKey, self identity.ConsensusSecretKey) error
	// Propose submits transactions for ordering; it does not block for
	// certification, which arrives later through Parcels.
	Propose(txns []appstate.UpdateRequest) error
	// Parcels is closed when the engine stops.
	Parcels() <-chan AuthenticStampedParcel
	// Stop tears the engine down, blocking until it has quiesced or ctx
	// expires (§4.E: "graceful shutdown with bounded timeout").
	Stop(ctx context.Context) error
}

// EngineFactory builds a fresh OrderingEngine for a new committee epoch.
type EngineFactory func() OrderingEngine

// sequencerEngine is the default in-process OrderingEngine: it certifies
// every batch itself (quorum of one, the running node) rather than running
// a full multi-party BFT protocol. Production deployments provide their own
// EngineFactory; this one exists so the orchestrator has a working default.
type sequencerEngine struct {
	mu        sync.Mutex
	self      identity.ConsensusSecretKey
	committee []identity.ConsensusPublicKey
	height    uint64
	parcels   chan AuthenticStampedParcel
	digestOf  func(height uint64, txns []appstate.UpdateRequest) [32]byte
}

// NewSequencerEngine builds the default single-node ordering engine. digestOf
// computes a parcel's signed digest from its height and transactions.
func NewSequencerEngine(digestOf func(uint64, []appstate.UpdateRequest) [32]byte) OrderingEngine {
	return &sequencerEngine{digestOf: digestOf, parcels: make(chan AuthenticStampedParcel, 64)}
}

func (e *sequencerEngine) Start(ctx context.Context, committee []identity.ConsensusPublicKey, self identity.ConsensusSecretKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.committee = committee
	e.self = self
	return nil
}

func (e *sequencerEngine) Propose(txns []appstate.UpdateRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.height++
	digest := e.digestOf(e.height, txns)
	sig := e.self.Sign(digest[:])
	parcel := AuthenticStampedParcel{
		Height:       e.height,
		Transactions: txns,
		Digest:       digest,
		Attestations: []CommitteeAttestation{{Signer: e.self.PublicKey(), Signature: sig}},
	}
	select {
	case e.parcels <- parcel:
	default:
		// Consumer is behind; drop rather than block the proposer, matching
		// the orchestrator's execution socket being a bounded FIFO (§5).
	}
	return nil
}

func (e *sequencerEngine) Parcels() <-chan AuthenticStampedParcel { return e.parcels }

func (e *sequencerEngine) Stop(ctx context.Context) error {
	close(e.parcels)
	return nil
}
