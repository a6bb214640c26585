package handshake

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
)

// TCPTransport listens for raw TCP connections; each accepted connection
// is itself the Transport, after its first frame is decoded and dispatched.
type TCPTransport struct {
	listener net.Listener
	registry *Registry
	log      *logrus.Entry
}

// ListenTCP starts a TCP listener on addr dispatching into registry.
func ListenTCP(addr string, registry *Registry) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPTransport{listener: ln, registry: registry, log: logrus.WithField("component", "handshake-tcp")}, nil
}

// Serve accepts connections until ctx is canceled or the listener closes.
func (t *TCPTransport) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.listener.Close()
	}()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.handle(ctx, conn)
	}
}

func (t *TCPTransport) handle(ctx context.Context, conn net.Conn) {
	frame, err := DecodeRequestFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	if err := t.registry.HandleFrame(ctx, frame, conn); err != nil {
		t.log.WithError(err).Debug("tcp handshake rejected")
	}
}

// Close stops accepting new connections.
func (t *TCPTransport) Close() error { return t.listener.Close() }
