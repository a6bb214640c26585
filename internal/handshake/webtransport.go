package handshake

import (
	"context"
	"net/http"

	"github.com/quic-go/webtransport-go"
	"github.com/sirupsen/logrus"
)

// WebTransportTransport accepts WebTransport sessions and routes each
// session's first bidirectional stream into the registry as a Transport,
// the same first-frame dispatch contract as the other transports.
type WebTransportTransport struct {
	registry *Registry
	server   *webtransport.Server
	log      *logrus.Entry
}

// NewWebTransportTransport builds a WebTransportTransport bound to addr,
// dispatching sessions into registry.
func NewWebTransportTransport(registry *Registry, addr string) *WebTransportTransport {
	w := &WebTransportTransport{
		registry: registry,
		log:      logrus.WithField("component", "handshake-webtransport"),
	}
	mux := http.NewServeMux()
	w.server = &webtransport.Server{}
	w.server.H3.Addr = addr
	w.server.H3.Handler = mux
	mux.HandleFunc("/wt", w.serve)
	return w
}

func (w *WebTransportTransport) serve(rw http.ResponseWriter, req *http.Request) {
	session, err := w.server.Upgrade(rw, req)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	go w.handleSession(req.Context(), session)
}

func (w *WebTransportTransport) handleSession(ctx context.Context, session *webtransport.Session) {
	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}
	frame, err := DecodeRequestFrame(stream)
	if err != nil {
		stream.Close()
		return
	}
	if err := w.registry.HandleFrame(ctx, frame, stream); err != nil {
		w.log.WithError(err).Debug("webtransport handshake rejected")
		stream.Close()
	}
}

// ListenAndServe starts the WebTransport (HTTP/3) listener until ctx is
// canceled.
func (w *WebTransportTransport) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		w.server.Close()
	}()
	return w.server.H3.ListenAndServe()
}
