package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/hashtree"
)

// statusEvent is pushed to every connected admin client whenever the local
// epoch changes, giving operators a live view without polling.
type statusEvent struct {
	Epoch     uint64 `json:"epoch"`
	Committee int    `json:"committee_size"`
	Peers     int    `json:"pinned_peers"`
}

var adminUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// adminHub tracks connected admin websocket clients by a uuid connection ID
// (mirroring the handshake package's per-connection identifier scheme) and
// broadcasts status events to all of them.
type adminHub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*websocket.Conn
	log     *logrus.Entry
}

func newAdminHub() *adminHub {
	return &adminHub{clients: make(map[uuid.UUID]*websocket.Conn), log: logrus.WithField("component", "admin")}
}

func (h *adminHub) add(conn *websocket.Conn) uuid.UUID {
	id := uuid.New()
	h.mu.Lock()
	h.clients[id] = conn
	h.mu.Unlock()
	return id
}

func (h *adminHub) remove(id uuid.UUID) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *adminHub) broadcast(ev statusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.clients {
		if err := conn.WriteJSON(ev); err != nil {
			h.log.WithError(err).Debug("dropping admin client after write error")
			conn.Close()
			delete(h.clients, id)
		}
	}
}

// serveAdmin exposes a Prometheus scrape endpoint and a websocket status
// stream on cfg.Admin.Addr; it is a no-op if that address is unset.
func (n *Node) serveAdmin(ctx context.Context) error {
	addr := n.cfg.Admin.Addr
	if addr == "" {
		return nil
	}

	hub := newAdminHub()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		conn, err := adminUpgrader.Upgrade(w, r, nil)
		if err != nil {
			n.log.WithError(err).Debug("admin websocket upgrade failed")
			return
		}
		id := hub.add(conn)
		defer func() {
			hub.remove(id)
			conn.Close()
		}()
		conn.WriteJSON(n.currentStatus())
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(n.currentStatus())
	})
	mux.HandleFunc("/fetch/", func(w http.ResponseWriter, r *http.Request) {
		raw, err := hex.DecodeString(strings.TrimPrefix(r.URL.Path, "/fetch/"))
		if err != nil || len(raw) != len(hashtree.Hash{}) {
			http.Error(w, "bad hash", http.StatusBadRequest)
			return
		}
		var h hashtree.Hash
		copy(h[:], raw)
		data, err := n.fetch.Fetch(r.Context(), h)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		io.Copy(w, bytes.NewReader(data))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	go n.pushAdminStatus(ctx, hub)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (n *Node) currentStatus() statusEvent {
	epoch := n.query.GetEpochInfo()
	pinned, _ := n.pool.Stats()
	return statusEvent{Epoch: epoch.Epoch, Committee: len(epoch.Committee), Peers: pinned}
}

func (n *Node) pushAdminStatus(ctx context.Context, hub *adminHub) {
	var lastEpoch uint64
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := n.currentStatus()
			if ev.Epoch != lastEpoch {
				lastEpoch = ev.Epoch
				hub.broadcast(ev)
			}
		}
	}
}
