// Package node wires every other component into a single process: one
// libp2p host, one application state machine, and the long-running loops
// (broadcast, consensus, topology, resolver/fetcher, reputation, notifier,
// handshake transports, service executor, syncronizer, metrics) that read
// and drive it, behind a single shutdown signal (§5: "a registry wiring
// components together and a single shutdown signal").
package node

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/blockstore"
	"github.com/edgemesh/node/internal/broadcast"
	"github.com/edgemesh/node/internal/consensus"
	"github.com/edgemesh/node/internal/fetcher"
	"github.com/edgemesh/node/internal/forwarder"
	"github.com/edgemesh/node/internal/handshake"
	"github.com/edgemesh/node/internal/identity"
	"github.com/edgemesh/node/internal/mempool"
	"github.com/edgemesh/node/internal/metrics"
	"github.com/edgemesh/node/internal/notifier"
	"github.com/edgemesh/node/internal/pool"
	"github.com/edgemesh/node/internal/reputation"
	"github.com/edgemesh/node/internal/resolver"
	"github.com/edgemesh/node/internal/serviceexec"
	"github.com/edgemesh/node/internal/syncronizer"
	"github.com/edgemesh/node/internal/topology"
	"github.com/edgemesh/node/pkg/config"
)

// Node owns every long-running component of one edge node process.
type Node struct {
	cfg *config.Config
	log *logrus.Entry

	selfKey      identity.NodeSecretKey
	consensusKey identity.ConsensusSecretKey

	state    *appstate.State
	executor *appstate.Executor
	query    *appstate.QueryRunner

	pool       *pool.Pool
	addrBook   *AddressBook
	discovery  *Discovery
	bcPeers    *broadcast.Peers
	bc         *broadcast.Context
	mempool    *mempool.Mempool
	fwd        *forwarder.Forwarder
	orch       *consensus.Orchestrator
	topo       *topology.Cache
	genesisRPC *GenesisRPC

	store    *blockstore.Store
	bstoreSv *blockstore.Server
	resolve  *resolver.Resolver
	fetch    *fetcher.Fetcher

	rep      *reputation.Aggregator
	notify   *notifier.Notifier
	services *serviceexec.Manager
	hsRegistry *handshake.Registry
	sync     *syncronizer.Syncronizer

	metricsReg     *metrics.Registry
	promReg        *prometheus.Registry
	framesReceived metrics.Counter
}

// New builds every component from cfg but starts nothing; call Run to start
// the process and block until ctx is canceled.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	n := &Node{cfg: cfg, log: logrus.WithField("component", "node")}

	if err := n.setupIdentity(); err != nil {
		return nil, err
	}
	n.setupState()

	host, err := n.buildHost()
	if err != nil {
		return nil, err
	}

	n.addrBook = NewAddressBook(n.query)
	n.rep = reputation.New(nil, time.Duration(nonZero(cfg.Reputation.IntervalSeconds, 60))*time.Second)
	n.pool = pool.New(host, n.addrBook, n.rep.Reporter)

	discovery, err := NewDiscovery(ctx, host, n.selfKey.PublicKey(), n.addrBook, n.query)
	if err != nil {
		return nil, err
	}
	n.discovery = discovery

	n.bcPeers = broadcast.NewPeers(&poolSender{pool: n.pool, query: n.query})
	n.bc = broadcast.NewContext(n.selfKey.PublicKey(), n.bcPeers)

	n.mempool = mempool.New(n.query, n.executor, 4096)

	sender := senderAccount(n.selfKey.PublicKey())
	n.fwd = forwarder.New(n.selfKey, sender, n.query.GetNonce, digestUpdatePayload, n.mempool)
	n.rep = reputation.New(n.fwd, time.Duration(nonZero(cfg.Reputation.IntervalSeconds, 60))*time.Second)

	n.orch = consensus.New(n.selfKey, n.consensusKey, n.query, n.executor, n.fwd, n.bc, n.mempool, func() consensus.OrderingEngine {
		return consensus.NewSequencerEngine(blockDigest)
	})

	n.topo = &topology.Cache{}
	n.genesisRPC = NewGenesisRPC(host, n.addrBook, n.query)

	if err := n.setupContent(cfg); err != nil {
		return nil, err
	}
	n.notify = notifier.New(n.query)

	if err := n.setupHandshake(cfg); err != nil {
		return nil, err
	}

	n.sync = syncronizer.New(n.query.GetCommitteeMembers, n.genesisRPC, n.pool, func() uint64 { return n.query.GetEpochInfo().Epoch })

	n.promReg = prometheus.NewRegistry()
	n.metricsReg = metrics.New(n.promReg)
	n.framesReceived = n.metricsReg.NewCounter("gossip_frames_received_total", "Gossip frames decoded off the overlay pool.")

	return n, nil
}

// poolSender adapts *pool.Pool to broadcast.Sender, resolving the
// destination NodeIndex's public key to its pool-level index before
// encoding and sending the frame over the overlay's broadcast scope.
type poolSender struct {
	pool  *pool.Pool
	query *appstate.QueryRunner
}

func (s *poolSender) Send(dst broadcast.NodeIndex, frame broadcast.Frame) error {
	payload, err := broadcast.EncodeFrame(frame)
	if err != nil {
		return err
	}
	return s.pool.SendToOne(context.Background(), appstate.NodeIndex(dst), payload)
}

// blockDigest hashes a proposed block's height and ordered transactions for
// the consensus engine's sequencerEngine, using the same BLAKE3 primitive as
// the executor's per-transaction digest (§4.D/§4.C).
func blockDigest(height uint64, txns []appstate.UpdateRequest) [32]byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, height)
	enc := gob.NewEncoder(&buf)
	for _, txn := range txns {
		enc.Encode(txn)
	}
	return blake3.Sum256(buf.Bytes())
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func senderAccount(pk identity.NodePublicKey) appstate.AccountAddress {
	var a appstate.AccountAddress
	copy(a[:], pk[:])
	return a
}

func (n *Node) setupIdentity() error {
	if n.cfg.Network.NodeSeedHex != "" {
		raw, err := hex.DecodeString(n.cfg.Network.NodeSeedHex)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("node: invalid network.node_seed_hex: %w", err)
		}
		var seed [32]byte
		copy(seed[:], raw)
		n.selfKey = identity.NodeSecretKeyFromSeed(seed)
	} else {
		key, err := identity.NewNodeSecretKey()
		if err != nil {
			return err
		}
		n.selfKey = key
	}
	n.consensusKey = identity.NewConsensusSecretKey()
	return nil
}

func (n *Node) setupState() {
	params := appstate.ProtocolParams{
		MaxBoost:         nonZero(n.cfg.Consensus.MaxBoost, 4),
		MinimumNodeStake: uint64(n.cfg.Consensus.MinimumNodeStake),
		EpochLengthMS:    n.cfg.Consensus.EpochLengthMS,
		CommitteeSize:    nonZero(n.cfg.Consensus.CommitteeSize, 1),
	}
	epochLen := n.cfg.Consensus.EpochLengthMS
	if epochLen <= 0 {
		epochLen = int64(24 * time.Hour / time.Millisecond)
	}
	var governance appstate.AccountAddress
	n.state = appstate.New(params, governance, time.Now().Add(time.Duration(epochLen)*time.Millisecond).UnixMilli())
	n.executor = appstate.NewExecutor(n.state, digestUpdatePayload, verifyUpdateSignature)
	n.query = appstate.NewQueryRunner(n.state)
}

func (n *Node) buildHost() (libp2phost.Host, error) {
	priv, err := HostIdentity(n.selfKey)
	if err != nil {
		return nil, err
	}
	listen := n.cfg.Network.ListenAddr
	if listen == "" {
		listen = "/ip4/0.0.0.0/tcp/0"
	}
	h, err := libp2p.New(libp2p.Identity(priv), libp2p.ListenAddrStrings(listen))
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (n *Node) setupContent(cfg *config.Config) error {
	rootDir := cfg.Blockstore.RootDir
	if rootDir == "" {
		rootDir = "./data/blockstore"
	}
	store, err := blockstore.New(rootDir, cfg.Blockstore.CacheSize)
	if err != nil {
		return err
	}
	n.store = store
	n.bstoreSv = blockstore.NewServer(store, n.pool.Responder())

	dbPath := cfg.Resolver.DBPath
	if dbPath == "" {
		dbPath = "./data/resolver.db"
	}
	resolve, err := resolver.Open(dbPath, n.selfKey, n.bc, broadcast.TopicDHT)
	if err != nil {
		return err
	}
	n.resolve = resolve

	origin := fetcher.NewHTTPOrigin(30 * time.Second)
	n.fetch = fetcher.New(n.store, n.resolve, n.pool, origin, n.query)
	return nil
}

func (n *Node) setupHandshake(cfg *config.Config) error {
	socketDir := cfg.Service.SocketDir
	if socketDir == "" {
		socketDir = "./data/services"
	}
	mgr, err := serviceexec.New(socketDir)
	if err != nil {
		return err
	}
	n.services = mgr
	n.hsRegistry = handshake.NewRegistry(mgr)
	return nil
}

// Run starts every component and blocks until ctx is canceled and every
// component has returned, then stops the spawned services and closes the
// resolver and the pool, in that order.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	for _, svc := range n.cfg.Service.Services {
		if err := n.services.Spawn(gctx, serviceexec.Config{ID: svc.ID, Command: svc.Command, Args: svc.Args}); err != nil {
			return fmt.Errorf("node: spawn service %s: %w", svc.ID, err)
		}
	}

	g.Go(func() error { n.bc.Run(gctx); return nil })
	g.Go(func() error { n.runEpochNotifications(gctx); return nil })
	g.Go(func() error { n.discovery.Run(gctx); return nil })
	g.Go(func() error { n.runPoolReceive(gctx); return nil })
	g.Go(func() error { n.bstoreSv.Serve(gctx); return nil })
	g.Go(func() error { n.rep.Run(gctx); return nil })
	g.Go(func() error { n.runTopologyLoop(gctx); return nil })
	g.Go(func() error { n.sync.Run(gctx, time.Duration(nonZero(n.cfg.Sync.IntervalSeconds, 300))*time.Second); return nil })
	g.Go(func() error { return n.orch.Run(gctx) })
	g.Go(func() error { return n.serveHandshakeTransports(gctx) })
	g.Go(func() error { return n.serveAdmin(gctx) })

	err := g.Wait()
	n.shutdown()
	return err
}

func (n *Node) shutdown() {
	n.services.Shutdown()
	n.resolve.Close()
	n.pool.Close()
}

func (n *Node) runPoolReceive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-n.pool.Receive():
			if !ok {
				return
			}
			info, ok := n.query.GetNodeInfo(env.Sender)
			if !ok {
				continue
			}
			frame, err := broadcast.DecodeFrame(env.Bytes)
			if err != nil {
				n.log.WithError(err).Debug("dropping undecodable gossip frame")
				continue
			}
			n.framesReceived.Inc()
			n.bc.Receive(info.PublicKey, frame)
		}
	}
}

// runEpochNotifications re-arms a before-epoch-change notification each
// time the previous one fires, so the node logs an early warning ahead of
// every epoch boundary for as long as it runs.
func (n *Node) runEpochNotifications(ctx context.Context) {
	const lead = 5 * time.Second
	for {
		fired := make(chan struct{})
		n.notify.NotifyBeforeEpochChange(ctx, lead, func() { close(fired) })
		select {
		case <-ctx.Done():
			return
		case <-fired:
			n.log.WithField("epoch", n.query.GetEpochInfo().Epoch).Info("epoch change imminent")
			select {
			case <-ctx.Done():
				return
			case <-time.After(lead):
			}
		}
	}
}

func (n *Node) runTopologyLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rings := n.topo.Get(n.selfKey.PublicKey(), n.query)
			var indices []appstate.NodeIndex
			for _, ring := range rings {
				for _, pk := range ring {
					if idx, ok := n.query.PubkeyToIndex(pk); ok {
						indices = append(indices, idx)
					}
				}
			}
			n.pool.ApplyTopology(ctx, indices)
		}
	}
}

func (n *Node) serveHandshakeTransports(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := n.cfg.Handshake.TCPAddr; addr != "" {
		t, err := handshake.ListenTCP(addr, n.hsRegistry)
		if err != nil {
			return err
		}
		g.Go(func() error { t.Serve(gctx); return nil })
	}
	if addr := n.cfg.Handshake.HTTPAddr; addr != "" {
		t := handshake.NewHTTPTransport(n.hsRegistry)
		g.Go(func() error { return t.Serve(gctx, addr) })
	}
	if addr := n.cfg.Handshake.WebRTCAddr; addr != "" {
		t := handshake.NewWebRTCTransport(n.hsRegistry)
		mux := http.NewServeMux()
		mux.Handle("/webrtc", t)
		srv := &http.Server{Addr: addr, Handler: mux}
		g.Go(func() error {
			go func() {
				<-gctx.Done()
				srv.Close()
			}()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	if addr := n.cfg.Handshake.WebTransportAddr; addr != "" {
		t := handshake.NewWebTransportTransport(n.hsRegistry, addr)
		g.Go(func() error { return t.ListenAndServe(gctx) })
	}

	return g.Wait()
}
