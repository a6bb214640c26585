package handshake

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// WebRTCTransport is an HTTP signaling server that accepts SDP offers,
// instantiates peer connections, and routes each resulting DataChannel into
// the registry as a Transport (§4.M WebRTC transport), grounded on the
// teacher's RPCWebRTC.RPC_ConnectPeer signaling handler.
type WebRTCTransport struct {
	registry *Registry
	api      *webrtc.API
	log      *logrus.Entry
}

// NewWebRTCTransport builds a WebRTCTransport dispatching sessions into registry.
func NewWebRTCTransport(registry *Registry) *WebRTCTransport {
	return &WebRTCTransport{
		registry: registry,
		api:      webrtc.NewAPI(),
		log:      logrus.WithField("component", "handshake-webrtc"),
	}
}

type signalRequest struct {
	SDP string `json:"sdp"`
}

type signalResponse struct {
	SDP string `json:"sdp"`
}

// ServeHTTP answers an SDP offer with an SDP answer and wires the resulting
// data channel into the handshake registry once it opens.
func (w *WebRTCTransport) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	var in signalRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	pc, err := w.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt := newWebrtcTransport(dc)
		dc.OnOpen(func() {
			frame, err := wt.readFirstFrame()
			if err != nil {
				wt.Close()
				return
			}
			if err := w.registry.HandleFrame(ctx, frame, wt); err != nil {
				w.log.WithError(err).Debug("webrtc handshake rejected")
				wt.Close()
			}
		})
		dc.OnClose(func() { wt.Close() })
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: in.SDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(signalResponse{SDP: answer.SDP})
}

// webrtcTransport wraps a DataChannel's message-oriented send/receive API
// behind the Transport (io.ReadWriteCloser) interface, buffering partial
// reads across message boundaries.
type webrtcTransport struct {
	dc *webrtc.DataChannel

	mu     sync.Mutex
	buf    []byte
	msgs   chan []byte
	closed chan struct{}
}

func newWebrtcTransport(dc *webrtc.DataChannel) *webrtcTransport {
	t := &webrtcTransport{dc: dc, msgs: make(chan []byte, 64), closed: make(chan struct{})}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case t.msgs <- msg.Data:
		case <-t.closed:
		}
	})
	return t
}

// readFirstFrame blocks for the handshake request frame sent as the data
// channel's first message.
func (t *webrtcTransport) readFirstFrame() (HandshakeRequestFrame, error) {
	select {
	case msg := <-t.msgs:
		return decodeRequestFrameBytes(msg)
	case <-t.closed:
		return HandshakeRequestFrame{}, errClosed
	}
}

func (t *webrtcTransport) Read(b []byte) (int, error) {
	t.mu.Lock()
	if len(t.buf) > 0 {
		n := copy(b, t.buf)
		t.buf = t.buf[n:]
		t.mu.Unlock()
		return n, nil
	}
	t.mu.Unlock()

	select {
	case msg := <-t.msgs:
		n := copy(b, msg)
		if n < len(msg) {
			t.mu.Lock()
			t.buf = append(t.buf, msg[n:]...)
			t.mu.Unlock()
		}
		return n, nil
	case <-t.closed:
		return 0, errClosed
	}
}

func (t *webrtcTransport) Write(b []byte) (int, error) {
	if err := t.dc.Send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (t *webrtcTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return t.dc.Close()
}
