// Package reputation implements the reputation aggregator (component K): a
// thread-safe Reporter handle that accumulates per-peer observations and
// periodically compresses them into a ReputationMeasurements submission
// through the forwarder's signer socket.
package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/appstate"
)

// Weight parameterizes how much a single observation should move the
// accumulated record, from a quick unauthenticated ping up to a fully
// provable delivery receipt.
type Weight int

const (
	Weak Weight = iota
	Strong
	VeryStrong
	Provable
)

// weightUnits returns how many "interactions" one observation at w is worth.
func weightUnits(w Weight) uint64 {
	switch w {
	case Weak:
		return 1
	case Strong:
		return 3
	case VeryStrong:
		return 8
	case Provable:
		return 20
	default:
		return 1
	}
}

// Forwarder is the subset of forwarder.Forwarder the aggregator uses to
// submit compressed measurements.
type Forwarder interface {
	Enqueue(ctx context.Context, method appstate.UpdateMethod) (appstate.UpdateRequest, error)
}

// Reporter is the thread-safe handle callers throughout the node use to
// record observations about a peer, identified by its NodeIndex.
type Reporter struct {
	mu      sync.Mutex
	started time.Time
	byPeer  map[appstate.NodeIndex]*appstate.ReputationMeasurements
}

func newReporter() *Reporter {
	return &Reporter{started: time.Now(), byPeer: make(map[appstate.NodeIndex]*appstate.ReputationMeasurements)}
}

func (r *Reporter) entry(peer appstate.NodeIndex) *appstate.ReputationMeasurements {
	m, ok := r.byPeer[peer]
	if !ok {
		m = &appstate.ReputationMeasurements{}
		r.byPeer[peer] = m
	}
	return m
}

// ReportSat records a satisfied interaction with peer, weighted by w.
func (r *Reporter) ReportSat(peer appstate.NodeIndex, w Weight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(peer).Interactions += weightUnits(w)
}

// ReportUnsat records an unsatisfied interaction; it still counts toward
// the interaction total (the executor's reputation-scoring pass, not the
// reporter, is where satisfied-vs-unsatisfied would be weighed, but that
// split is out of scope here — see SPEC_FULL.md's supplemented-features
// note on reputation measurement shape).
func (r *Reporter) ReportUnsat(peer appstate.NodeIndex, w Weight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(peer).Interactions += weightUnits(w)
}

// ReportPing records an observed round-trip latency for peer.
func (r *Reporter) ReportPing(peer appstate.NodeIndex, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.entry(peer)
	ms := uint64(latency.Milliseconds())
	if m.LatencyMS == 0 {
		m.LatencyMS = ms
	} else {
		m.LatencyMS = (m.LatencyMS + ms) / 2
	}
}

// ReportBytesReceived adds n bytes received from peer to its running total.
func (r *Reporter) ReportBytesReceived(peer appstate.NodeIndex, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(peer).BytesReceived += n
}

// ReportBytesSent adds n bytes sent to peer to its running total.
func (r *Reporter) ReportBytesSent(peer appstate.NodeIndex, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(peer).BytesSent += n
}

// ReportHops records the gossip hop count a message from peer traveled.
func (r *Reporter) ReportHops(peer appstate.NodeIndex, hops uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.entry(peer)
	if hops > m.Hops {
		m.Hops = hops
	}
}

// drain returns and clears the accumulated per-peer measurements, stamping
// each with the uptime since the last drain.
func (r *Reporter) drain() map[appstate.NodeIndex]appstate.ReputationMeasurements {
	r.mu.Lock()
	defer r.mu.Unlock()
	uptime := uint64(time.Since(r.started).Seconds())
	out := make(map[appstate.NodeIndex]appstate.ReputationMeasurements, len(r.byPeer))
	for peer, m := range r.byPeer {
		snap := *m
		snap.UptimeSeconds = uptime
		out[peer] = snap
	}
	r.byPeer = make(map[appstate.NodeIndex]*appstate.ReputationMeasurements)
	r.started = time.Now()
	return out
}

// Aggregator periodically drains a Reporter and submits the compressed
// batch through the forwarder as SubmitReputationMeasurements (§4.K).
type Aggregator struct {
	Reporter *Reporter
	interval time.Duration
	forward  Forwarder
	log      *logrus.Entry
}

// New creates an Aggregator that submits every interval.
func New(forward Forwarder, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Aggregator{
		Reporter: newReporter(),
		interval: interval,
		forward:  forward,
		log:      logrus.WithField("component", "reputation"),
	}
}

// Run submits accumulated measurements every interval until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.submit(ctx)
		}
	}
}

func (a *Aggregator) submit(ctx context.Context) {
	measurements := a.Reporter.drain()
	if len(measurements) == 0 {
		return
	}
	method := appstate.UpdateMethod{Tag: appstate.MethodSubmitReputationMeasurements, Measurements: measurements}
	if _, err := a.forward.Enqueue(ctx, method); err != nil {
		a.log.WithError(err).Warn("failed to submit reputation measurements")
	}
}
