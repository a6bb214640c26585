// Package pool implements the overlay transport (component H): two scoped
// channels multiplexed over libp2p connections to peers known in app state.
// It distinguishes pinned (topology-driven) from ad-hoc (send-request-driven)
// connections, the latter surviving topology updates until explicitly
// cleared, grounded on the pooledConn/ConnPool acquire-release-reap pattern
// in the teacher's connection_pool.go, with the host/pubsub setup grounded
// on the teacher's network.go.
package pool

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/pkg/utils"
)

const (
	// ProtocolBroadcast carries unreliable-datagram-like send_to_one/send_to_all traffic.
	ProtocolBroadcast protocol.ID = "/edgemesh/pool/broadcast/1.0.0"
	// ProtocolRequest carries request/response traffic with a streamed response body.
	ProtocolRequest protocol.ID = "/edgemesh/pool/request/1.0.0"

	defaultIdleTTL   = 2 * time.Minute
	defaultReapEvery = 30 * time.Second
	maxFrameBytes    = 16 << 20
)

// ErrAddrNotAvailable is returned when a NodeIndex is not resolvable to a
// known peer address in the current app state.
var ErrAddrNotAvailable = errors.New("pool: address not available for node index")

// AddressBook resolves between app-state NodeIndex and libp2p peer identity,
// grounded on state.NodeInfo's NodeDomain/Ports fields.
type AddressBook interface {
	Resolve(idx appstate.NodeIndex) (peer.AddrInfo, bool)
	IndexOf(pid peer.ID) (appstate.NodeIndex, bool)
}

// Envelope is a datagram delivered via the broadcast scope's Receive.
type Envelope struct {
	Sender appstate.NodeIndex
	Bytes  []byte
}

// IncomingRequest is a request delivered to a Responder via GetNextRequest.
type IncomingRequest struct {
	Sender appstate.NodeIndex
	Body   []byte

	stream network.Stream
}

// Respond streams chunks back to the requester as the response body, then
// closes the stream for writing.
func (r *IncomingRequest) Respond(chunks <-chan []byte) error {
	defer r.stream.CloseWrite()
	w := bufio.NewWriter(r.stream)
	for chunk := range chunks {
		if err := writeFrame(w, chunk); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Response is the streamed reply to a Request call; the caller ranges over
// Chunks() until it closes, then checks Err().
type Response struct {
	chunks chan []byte
	err    error
}

// Chunks returns the channel of response body chunks, closed when the
// stream ends.
func (r *Response) Chunks() <-chan []byte { return r.chunks }

// Err returns the terminal error, if any, after Chunks() has closed.
func (r *Response) Err() error { return r.err }

type conn struct {
	peerID   peer.ID
	pinned   bool
	adHoc    bool
	lastUsed time.Time
}

// Reporter is the subset of reputation.Reporter the pool uses to record
// per-peer bandwidth and latency observations as connections are used.
type Reporter interface {
	ReportBytesSent(peer appstate.NodeIndex, n uint64)
	ReportBytesReceived(peer appstate.NodeIndex, n uint64)
	ReportPing(peer appstate.NodeIndex, latency time.Duration)
}

// Pool is the overlay transport: a libp2p host plus pinned/ad-hoc connection
// bookkeeping (§4.H).
type Pool struct {
	host host.Host
	book AddressBook
	rep  Reporter

	mu    sync.Mutex
	conns map[appstate.NodeIndex]*conn

	recv    chan Envelope
	reqs    chan *IncomingRequest
	idleTTL time.Duration

	closing  chan struct{}
	closeOnce sync.Once

	log *logrus.Entry
}

// New builds a Pool over h, registering the broadcast and request stream
// handlers, and starts the ad-hoc connection reaper. rep may be nil, in
// which case connection usage goes unreported.
func New(h host.Host, book AddressBook, rep Reporter) *Pool {
	p := &Pool{
		host:    h,
		book:    book,
		rep:     rep,
		conns:   make(map[appstate.NodeIndex]*conn),
		recv:    make(chan Envelope, 1024),
		reqs:    make(chan *IncomingRequest, 256),
		idleTTL: defaultIdleTTL,
		closing: make(chan struct{}),
		log:     logrus.WithField("component", "pool"),
	}
	h.SetStreamHandler(ProtocolBroadcast, p.handleBroadcastStream)
	h.SetStreamHandler(ProtocolRequest, p.handleRequestStream)
	go p.reaper()
	return p
}

func (p *Pool) reportSent(idx appstate.NodeIndex, n int) {
	if p.rep != nil {
		p.rep.ReportBytesSent(idx, uint64(n))
	}
}

func (p *Pool) reportReceived(idx appstate.NodeIndex, n int) {
	if p.rep != nil {
		p.rep.ReportBytesReceived(idx, uint64(n))
	}
}

// Host returns the underlying libp2p host, for components (discovery,
// node-level RPCs) that need to register their own protocol handlers
// alongside the pool's.
func (p *Pool) Host() host.Host { return p.host }

// Close shuts down the reaper and the underlying host.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.closing) })
	return p.host.Close()
}

// Receive returns the channel of datagrams delivered over the broadcast scope.
func (p *Pool) Receive() <-chan Envelope { return p.recv }

// Responder exposes GetNextRequest to a single consumer of inbound requests.
type Responder struct{ p *Pool }

// Responder returns the handle service implementations use to pull the next
// inbound request.
func (p *Pool) Responder() *Responder { return &Responder{p: p} }

// GetNextRequest blocks until a request arrives or ctx is canceled.
func (r *Responder) GetNextRequest(ctx context.Context) (*IncomingRequest, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case req := <-r.p.reqs:
		return req, nil
	}
}

// ApplyTopology pins exactly the given indices, dialing any not already
// connected. Previously pinned indices no longer listed are unpinned; if
// they are not also ad-hoc, their connection is closed. Ad-hoc connections
// are left untouched (§4.H: "kept until explicitly cleared").
func (p *Pool) ApplyTopology(ctx context.Context, indices []appstate.NodeIndex) {
	want := make(map[appstate.NodeIndex]bool, len(indices))
	for _, idx := range indices {
		want[idx] = true
		p.mu.Lock()
		_, existed := p.conns[idx]
		p.mu.Unlock()
		if _, err := p.ensureConn(ctx, idx); err != nil {
			p.log.WithError(err).WithField("peer", idx).Warn("failed to pin peer")
			continue
		}
		p.mu.Lock()
		if !existed {
			p.conns[idx].adHoc = false
		}
		p.conns[idx].pinned = true
		p.mu.Unlock()
	}

	p.mu.Lock()
	var toClose []appstate.NodeIndex
	for idx, c := range p.conns {
		if c.pinned && !want[idx] {
			c.pinned = false
			if !c.adHoc {
				toClose = append(toClose, idx)
			}
		}
	}
	for _, idx := range toClose {
		delete(p.conns, idx)
	}
	p.mu.Unlock()

	for _, idx := range toClose {
		if addr, ok := p.book.Resolve(idx); ok {
			_ = p.host.Network().ClosePeer(addr.ID)
		}
	}
}

// ClearAdHoc drops the ad-hoc flag on idx's connection; if it is not also
// pinned, the connection is closed immediately.
func (p *Pool) ClearAdHoc(idx appstate.NodeIndex) {
	p.mu.Lock()
	c, ok := p.conns[idx]
	if !ok {
		p.mu.Unlock()
		return
	}
	c.adHoc = false
	shouldClose := !c.pinned
	if shouldClose {
		delete(p.conns, idx)
	}
	p.mu.Unlock()

	if shouldClose {
		if addr, ok := p.book.Resolve(idx); ok {
			_ = p.host.Network().ClosePeer(addr.ID)
		}
	}
}

// SendToOne delivers payload to idx over the broadcast scope, dialing an
// ad-hoc connection if none is pinned.
func (p *Pool) SendToOne(ctx context.Context, idx appstate.NodeIndex, payload []byte) error {
	peerID, err := p.ensureConn(ctx, idx)
	if err != nil {
		return err
	}
	s, err := p.host.NewStream(ctx, peerID, ProtocolBroadcast)
	if err != nil {
		return utils.Wrap(err, "open broadcast stream")
	}
	defer s.Close()
	w := bufio.NewWriter(s)
	if err := writeFrame(w, payload); err != nil {
		return utils.Wrap(err, "write broadcast frame")
	}
	if err := w.Flush(); err != nil {
		return err
	}
	p.reportSent(idx, len(payload))
	return nil
}

// SendToAll delivers payload to every pinned (topology) peer for which
// filter returns true, skipping non-topology peers per §4.H.
func (p *Pool) SendToAll(ctx context.Context, payload []byte, filter func(appstate.NodeIndex) bool) {
	p.mu.Lock()
	targets := make([]appstate.NodeIndex, 0, len(p.conns))
	for idx, c := range p.conns {
		if c.pinned && (filter == nil || filter(idx)) {
			targets = append(targets, idx)
		}
	}
	p.mu.Unlock()

	for _, idx := range targets {
		if err := p.SendToOne(ctx, idx, payload); err != nil {
			p.log.WithError(err).WithField("peer", idx).Debug("send_to_all delivery failed")
		}
	}
}

// Request sends req_bytes to dst and returns a Response streaming the reply
// body in chunks.
func (p *Pool) Request(ctx context.Context, dst appstate.NodeIndex, reqBytes []byte) (*Response, error) {
	peerID, err := p.ensureConn(ctx, dst)
	if err != nil {
		return nil, err
	}
	s, err := p.host.NewStream(ctx, peerID, ProtocolRequest)
	if err != nil {
		return nil, utils.Wrap(err, "open request stream")
	}
	w := bufio.NewWriter(s)
	if err := writeFrame(w, reqBytes); err != nil {
		s.Close()
		return nil, utils.Wrap(err, "write request frame")
	}
	if err := w.Flush(); err != nil {
		s.Close()
		return nil, utils.Wrap(err, "flush request frame")
	}
	s.CloseWrite()

	resp := &Response{chunks: make(chan []byte, 8)}
	go p.readResponse(s, resp)
	return resp, nil
}

func (p *Pool) readResponse(s network.Stream, resp *Response) {
	defer close(resp.chunks)
	defer s.Close()
	r := bufio.NewReader(s)
	for {
		chunk, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				resp.err = err
			}
			return
		}
		resp.chunks <- chunk
	}
}

// ensureConn returns an already-known peer.ID for idx, or dials one,
// recording the connection as ad-hoc if it was not already pinned.
func (p *Pool) ensureConn(ctx context.Context, idx appstate.NodeIndex) (peer.ID, error) {
	p.mu.Lock()
	if c, ok := p.conns[idx]; ok {
		c.lastUsed = time.Now()
		peerID := c.peerID
		p.mu.Unlock()
		return peerID, nil
	}
	p.mu.Unlock()

	addr, ok := p.book.Resolve(idx)
	if !ok {
		return "", ErrAddrNotAvailable
	}
	dialStart := time.Now()
	if err := p.host.Connect(ctx, addr); err != nil {
		return "", utils.Wrap(err, "dial peer")
	}
	if p.rep != nil {
		p.rep.ReportPing(idx, time.Since(dialStart))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[idx]; ok {
		return c.peerID, nil
	}
	p.conns[idx] = &conn{peerID: addr.ID, adHoc: true, lastUsed: time.Now()}
	return addr.ID, nil
}

// Stats reports the number of pinned and ad-hoc connections currently held.
func (p *Pool) Stats() (pinned, adHoc int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c.pinned {
			pinned++
		}
		if c.adHoc {
			adHoc++
		}
	}
	return pinned, adHoc
}

// reaper closes ad-hoc, non-pinned connections idle past idleTTL, mirroring
// the teacher's ConnPool.reaper.
func (p *Pool) reaper() {
	ticker := time.NewTicker(defaultReapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.closing:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	cutoff := time.Now().Add(-p.idleTTL)
	p.mu.Lock()
	var stale []appstate.NodeIndex
	for idx, c := range p.conns {
		if c.adHoc && !c.pinned && c.lastUsed.Before(cutoff) {
			stale = append(stale, idx)
		}
	}
	for _, idx := range stale {
		delete(p.conns, idx)
	}
	p.mu.Unlock()

	for _, idx := range stale {
		if addr, ok := p.book.Resolve(idx); ok {
			_ = p.host.Network().ClosePeer(addr.ID)
		}
	}
}

func (p *Pool) handleBroadcastStream(s network.Stream) {
	defer s.Close()
	idx, ok := p.book.IndexOf(s.Conn().RemotePeer())
	if !ok {
		return
	}
	r := bufio.NewReader(s)
	for {
		payload, err := readFrame(r)
		if err != nil {
			return
		}
		p.reportReceived(idx, len(payload))
		select {
		case p.recv <- Envelope{Sender: idx, Bytes: payload}:
		default:
			p.log.WithField("peer", idx).Warn("receive ring full, dropping datagram")
		}
	}
}

func (p *Pool) handleRequestStream(s network.Stream) {
	idx, ok := p.book.IndexOf(s.Conn().RemotePeer())
	if !ok {
		s.Reset()
		return
	}
	r := bufio.NewReader(s)
	body, err := readFrame(r)
	if err != nil {
		s.Reset()
		return
	}
	req := &IncomingRequest{Sender: idx, Body: body, stream: s}
	select {
	case p.reqs <- req:
	default:
		p.log.WithField("peer", idx).Warn("request queue full, dropping")
		s.Reset()
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, errFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

var errFrameTooLarge = errors.New("pool: frame exceeds maximum size")
