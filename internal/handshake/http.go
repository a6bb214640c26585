package handshake

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// HttpOverrides is the header frame a service writes before streaming its
// HTTP response body: the status line and any header overrides.
type HttpOverrides struct {
	Status  int
	Headers map[string]string
}

// ServicePayload wraps an HTTP request body forwarded to the service.
type ServicePayload struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// HTTPTransport exposes GET/POST/PUT/DELETE on chi, each request becoming a
// one-shot Handshake session whose response streams back as the HTTP body
// (§4.M HTTP transport).
type HTTPTransport struct {
	registry *Registry
	log      *logrus.Entry
}

// NewHTTPTransport builds an HTTPTransport dispatching into registry.
func NewHTTPTransport(registry *Registry) *HTTPTransport {
	return &HTTPTransport{registry: registry, log: logrus.WithField("component", "handshake-http")}
}

// Router returns the chi router serving the service proxy path.
func (h *HTTPTransport) Router() chi.Router {
	r := chi.NewRouter()
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		r.Method(method, "/services/{service}/*", http.HandlerFunc(h.serve))
	}
	return r
}

func (h *HTTPTransport) serve(w http.ResponseWriter, req *http.Request) {
	service := chi.URLParam(req, "service")
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t := &httpTransport{
		w:        w,
		mime:     req.URL.Query().Get("mime"),
		inbound:  bytes.NewReader(mustEncodePayload(ServicePayload{Method: req.Method, Path: req.URL.Path, Query: req.URL.RawQuery, Body: body})),
		done:     make(chan struct{}),
	}

	frame := HandshakeRequestFrame{Kind: RequestHandshake, Service: service}
	if err := h.registry.HandleFrame(req.Context(), frame, t); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	<-t.done
	if !t.headerSent {
		t.finalizeEarlyTermination()
	}
}

func mustEncodePayload(p ServicePayload) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(p)
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(buf.Len()))
	copy(out[4:], buf.Bytes())
	return out
}

// httpTransport adapts one HTTP request/response pair into the Transport
// contract: Read drains the pre-framed ServicePayload, Write expects a
// leading length-prefixed HttpOverrides frame and then streams raw body
// bytes straight to the ResponseWriter.
type httpTransport struct {
	w    http.ResponseWriter
	mime string

	inbound *bytes.Reader

	mu         sync.Mutex
	headerBuf  []byte
	headerSent bool
	done       chan struct{}
	doneOnce   sync.Once
}

func (t *httpTransport) Read(b []byte) (int, error) { return t.inbound.Read(b) }

func (t *httpTransport) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(b)
	if !t.headerSent {
		t.headerBuf = append(t.headerBuf, b...)
		if len(t.headerBuf) < 4 {
			return n, nil
		}
		want := int(binary.BigEndian.Uint32(t.headerBuf[:4]))
		if len(t.headerBuf) < 4+want {
			return n, nil
		}
		var overrides HttpOverrides
		if err := gob.NewDecoder(bytes.NewReader(t.headerBuf[4 : 4+want])).Decode(&overrides); err != nil {
			return 0, err
		}
		t.applyOverrides(overrides)
		t.headerSent = true
		rest := t.headerBuf[4+want:]
		t.headerBuf = nil
		if len(rest) > 0 {
			if _, err := t.w.Write(rest); err != nil {
				return 0, err
			}
		}
		flushIfPossible(t.w)
		return n, nil
	}

	if _, err := t.w.Write(b); err != nil {
		return 0, err
	}
	flushIfPossible(t.w)
	return n, nil
}

func (t *httpTransport) applyOverrides(o HttpOverrides) {
	h := t.w.Header()
	for k, v := range o.Headers {
		h.Set(k, v)
	}
	if t.mime != "" {
		h.Set("Content-Type", t.mime)
	}
	status := o.Status
	if status == 0 {
		status = http.StatusOK
	}
	t.w.WriteHeader(status)
}

func (t *httpTransport) finalizeEarlyTermination() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.headerSent {
		return
	}
	http.Error(t.w, "service terminated before response headers", http.StatusBadRequest)
}

func (t *httpTransport) Close() error {
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

func flushIfPossible(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// Serve starts the HTTP transport's listener on addr.
func (h *HTTPTransport) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Router()}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
