// Package handshake implements session establishment, rejoin, and proxying
// (component M): a uniform (sender, receiver) transport contract, access
// tokens for secondary-stream rejoin, and a proxy linking each transport
// pair to the named service's unix-socket connection. Grounded on the
// teacher's RPCWebRTC bridge (rpc_webrtc.go) for the signaling/session shape,
// generalized to the spec's multi-transport, multi-session registry.
package handshake

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/identity"
	"github.com/edgemesh/node/pkg/utils"
)

// AccessToken is a 48-byte secondary-stream rejoin credential: the first 8
// bytes are the owning connection_id (big-endian), the remaining 40 are
// cryptographically random.
type AccessToken [48]byte

// ConnectionID returns the connection_id this token was minted for.
func (t AccessToken) ConnectionID() uint64 {
	return binary.BigEndian.Uint64(t[:8])
}

func newAccessToken(connID uint64) (AccessToken, error) {
	var t AccessToken
	binary.BigEndian.PutUint64(t[:8], connID)
	if _, err := rand.Read(t[8:]); err != nil {
		return AccessToken{}, utils.Wrap(err, "generate access token randomness")
	}
	return t, nil
}

// Transport is the uniform (sender, receiver) pair every handshake
// transport implements, whether backed by a TCP socket, an HTTP request
// body/response, a WebRTC data channel, or a WebTransport stream.
type Transport interface {
	io.ReadWriteCloser
}

// HandshakeRequestFrame is the tagged union a transport decodes its first
// frame into (§4.M).
type HandshakeRequestFrame struct {
	Kind RequestKind

	// Handshake
	Service string
	PK      identity.NodePublicKey
	Pop     []byte
	Retry   *uint64

	// JoinRequest
	Token AccessToken
}

// RequestKind tags HandshakeRequestFrame's variant.
type RequestKind int

const (
	RequestHandshake RequestKind = iota
	RequestJoinRequest
)

// ConnectionHeader is written to the service's unix socket immediately after
// connecting. PK identifies the remote peer; TransportDetail carries the
// service name the client asked for, not a description of the transport.
type ConnectionHeader struct {
	PK              identity.NodePublicKey
	TransportDetail string
}

// ServiceProvider opens the named service's IPC connection.
type ServiceProvider interface {
	Connect(serviceID string) (io.ReadWriteCloser, error)
}

// Session tracks one logical connection: its primary transport, any
// secondary streams joined via access token, and the service connection
// they proxy to.
type Session struct {
	ID          uint64
	Token       AccessToken
	TimeoutMS   int64 // unix ms; 0 until extended
	Service     string
	PK          identity.NodePublicKey
	serviceConn io.ReadWriteCloser

	mu      sync.Mutex
	primary Transport
	cancel  context.CancelFunc
}

var (
	// ErrInvalidToken is returned when a JoinRequest's token is unknown,
	// mismatched, or expired.
	ErrInvalidToken = errors.New("handshake: invalid or expired access token")
	// ErrUnknownSession is returned when retry/extend targets a missing id.
	ErrUnknownSession = errors.New("handshake: unknown connection id")
)

// Registry owns every live Session and dispatches inbound transports to the
// right handler based on their first frame (§4.M).
type Registry struct {
	provider ServiceProvider
	nextID   uint64

	mu       sync.Mutex
	sessions map[uint64]*Session

	log *logrus.Entry
}

// NewRegistry builds a Registry that opens service connections through
// provider.
func NewRegistry(provider ServiceProvider) *Registry {
	return &Registry{
		provider: provider,
		sessions: make(map[uint64]*Session),
		log:      logrus.WithField("component", "handshake"),
	}
}

// HandleFrame dispatches an inbound transport's decoded first frame (§4.M).
func (r *Registry) HandleFrame(ctx context.Context, frame HandshakeRequestFrame, t Transport) error {
	switch frame.Kind {
	case RequestHandshake:
		return r.handleHandshake(ctx, frame, t)
	case RequestJoinRequest:
		return r.handleJoinRequest(frame, t)
	default:
		t.Close()
		return errors.New("handshake: unknown request frame kind")
	}
}

func (r *Registry) handleHandshake(ctx context.Context, frame HandshakeRequestFrame, t Transport) error {
	if frame.Retry != nil {
		return r.replacePrimary(*frame.Retry, t)
	}

	conn, err := r.provider.Connect(frame.Service)
	if err != nil {
		t.Close()
		return utils.Wrap(err, "connect service")
	}

	header := ConnectionHeader{PK: frame.PK, TransportDetail: frame.Service}
	if err := writeConnectionHeader(conn, header); err != nil {
		conn.Close()
		t.Close()
		return err
	}

	id := atomic.AddUint64(&r.nextID, 1)
	token, err := newAccessToken(id)
	if err != nil {
		conn.Close()
		t.Close()
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:          id,
		Token:       token,
		Service:     frame.Service,
		PK:          frame.PK,
		serviceConn: conn,
		primary:     t,
		cancel:      cancel,
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	go r.runProxy(sessCtx, sess)
	return nil
}

func (r *Registry) handleJoinRequest(frame HandshakeRequestFrame, t Transport) error {
	id := frame.Token.ConnectionID()
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		t.Close()
		return ErrUnknownSession
	}

	sess.mu.Lock()
	valid := subtle.ConstantTimeCompare(sess.Token[:], frame.Token[:]) == 1
	notExpired := time.Now().UnixMilli() < sess.TimeoutMS
	sess.mu.Unlock()
	if !valid || !notExpired {
		t.Close()
		return ErrInvalidToken
	}

	go proxySecondary(t, sess)
	return nil
}

// replacePrimary swaps id's primary transport for t, preserving the
// session's service connection and secondary streams.
func (r *Registry) replacePrimary(id uint64, t Transport) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		t.Close()
		return ErrUnknownSession
	}

	sess.mu.Lock()
	old := sess.primary
	sess.primary = t
	sess.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// ExtendAccessToken moves id's expiry to now+ttl unless it already lies
// later, returning the current token and the remaining minutes before it
// lapses.
func (r *Registry) ExtendAccessToken(id uint64, ttl time.Duration) (AccessToken, int, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return AccessToken{}, 0, ErrUnknownSession
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	now := time.Now().UnixMilli()
	candidate := now + ttl.Milliseconds()
	if candidate > sess.TimeoutMS {
		sess.TimeoutMS = candidate
	}
	remaining := int((sess.TimeoutMS - now) / 60000)
	return sess.Token, remaining, nil
}

func (r *Registry) runProxy(ctx context.Context, sess *Session) {
	defer func() {
		r.mu.Lock()
		delete(r.sessions, sess.ID)
		r.mu.Unlock()
		sess.serviceConn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(sess.serviceConn, primaryReader{sess})
	}()
	io.Copy(primaryWriter{sess}, sess.serviceConn)

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// primaryReader/primaryWriter read/write through whichever transport is
// currently sess.primary, so a Retry swap mid-stream is transparent to the
// proxy's io.Copy loops.
type primaryReader struct{ sess *Session }

func (p primaryReader) Read(b []byte) (int, error) {
	p.sess.mu.Lock()
	t := p.sess.primary
	p.sess.mu.Unlock()
	return t.Read(b)
}

type primaryWriter struct{ sess *Session }

func (p primaryWriter) Write(b []byte) (int, error) {
	p.sess.mu.Lock()
	t := p.sess.primary
	p.sess.mu.Unlock()
	return t.Write(b)
}

// proxySecondary forwards a joined secondary stream's input into the
// session's service connection; the service's replies continue to flow
// back only through the primary transport, so this is one-way.
func proxySecondary(t Transport, sess *Session) {
	defer t.Close()
	io.Copy(sess.serviceConn, t)
}
