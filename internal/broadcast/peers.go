package broadcast

import (
	"net"

	"github.com/edgemesh/node/internal/identity"
)

// NodeIndex mirrors appstate.NodeIndex without importing appstate, keeping
// broadcast's dependency surface limited to what the gossip protocol needs.
type NodeIndex uint32

// Sender delivers an encoded frame to one peer; transports (pool, §4.H)
// implement this.
type Sender interface {
	Send(peer NodeIndex, frame Frame) error
}

type peer struct {
	index   NodeIndex
	pubKey  identity.NodePublicKey
	address net.Addr
	// has maps a local interned id to the id the remote peer knows the same
	// digest by, so advertise() can skip peers that already have a digest.
	has map[InternedID]InternedID
}

// ConnectionStats counts per-peer frame traffic, mirroring the teacher's
// stats-reporting style (one struct per observation kind, summed on report).
type ConnectionStats struct {
	AdvertisementsReceivedFromPeer int
	AdvertisementsReceivedFromUs   int
	WantsReceivedFromPeer          int
	MessagesReceivedFromPeer       int
	InvalidMessagesReceivedFromPeer int
}

// Peers holds all per-peer gossip state. It is owned exclusively by the
// event loop goroutine (§5: "broadcast state is owned solely by its event
// loop"); no method here takes a lock.
type Peers struct {
	us     NodeIndex
	pinned map[identity.NodePublicKey]bool
	byKey  map[identity.NodePublicKey]*peer
	byIdx  map[NodeIndex]identity.NodePublicKey
	stats  map[NodeIndex]ConnectionStats
	sender Sender
}

// NewPeers creates an empty peer table that sends frames through sender.
func NewPeers(sender Sender) *Peers {
	return &Peers{
		pinned: make(map[identity.NodePublicKey]bool),
		byKey:  make(map[identity.NodePublicKey]*peer),
		byIdx:  make(map[NodeIndex]identity.NodePublicKey),
		stats:  make(map[NodeIndex]ConnectionStats),
		sender: sender,
	}
}

// SetSelf records this node's own index so it never connects to itself.
func (p *Peers) SetSelf(idx NodeIndex) { p.us = idx }

// PinPeer marks pk as topology-suggested, exempting it from garbage
// collection during disconnect sweeps.
func (p *Peers) PinPeer(pk identity.NodePublicKey) { p.pinned[pk] = true }

// UnpinAll clears every pinned peer, called before applying a fresh
// topology so stale pins don't linger.
func (p *Peers) UnpinAll() { p.pinned = make(map[identity.NodePublicKey]bool) }

// IsPinned reports whether pk is currently pinned.
func (p *Peers) IsPinned(pk identity.NodePublicKey) bool { return p.pinned[pk] }

// HandleNewConnection registers a freshly connected peer.
func (p *Peers) HandleNewConnection(index NodeIndex, pk identity.NodePublicKey, addr net.Addr) {
	if index == p.us {
		return
	}
	if _, exists := p.byKey[pk]; exists {
		return
	}
	info := &peer{index: index, pubKey: pk, address: addr, has: make(map[InternedID]InternedID)}
	p.byKey[pk] = info
	p.byIdx[index] = pk
}

// HandleDisconnect removes a peer's state entirely.
func (p *Peers) HandleDisconnect(pk identity.NodePublicKey) {
	if info, ok := p.byKey[pk]; ok {
		delete(p.byIdx, info.index)
		delete(p.byKey, pk)
	}
}

// GetNodeIndex resolves a public key to its connection index, if connected.
func (p *Peers) GetNodeIndex(pk identity.NodePublicKey) (NodeIndex, bool) {
	info, ok := p.byKey[pk]
	if !ok {
		return 0, false
	}
	return info.index, true
}

// InsertIndexMapping records that remote already has the digest we know by
// localID, under its own remoteID.
func (p *Peers) InsertIndexMapping(remote identity.NodePublicKey, localID, remoteID InternedID) {
	if info, ok := p.byKey[remote]; ok {
		info.has[localID] = remoteID
	}
}

// GetIndexMapping returns the id remote knows a locally-known digest by.
func (p *Peers) GetIndexMapping(remote identity.NodePublicKey, localID InternedID) (InternedID, bool) {
	info, ok := p.byKey[remote]
	if !ok {
		return 0, false
	}
	id, ok := info.has[localID]
	return id, ok
}

// SendMessage delivers a Message frame to one peer by public key.
func (p *Peers) SendMessage(remote identity.NodePublicKey, msg Message) {
	info, ok := p.byKey[remote]
	if !ok {
		return
	}
	_ = p.sender.Send(info.index, Frame{Kind: FrameMessage, Message: msg})
}

// SendWantRequest asks remote for the message behind remoteID on topic.
func (p *Peers) SendWantRequest(remote identity.NodePublicKey, topic Topic, remoteID InternedID) bool {
	info, ok := p.byKey[remote]
	if !ok {
		return false
	}
	_ = p.sender.Send(info.index, Frame{Kind: FrameWant, Want: Want{Topic: topic, InternedID: remoteID}})
	return true
}

// Advertise sends Advr(id, digest) to every connected peer that does not
// already have id, per §4.F's "advertise(id, digest) is sent to every
// connected peer that does not already has[id]".
func (p *Peers) Advertise(topic Topic, id InternedID, digest Digest) {
	for _, info := range p.byKey {
		if _, known := info.has[id]; known {
			continue
		}
		p.recordStat(info.index, func(s *ConnectionStats) { s.AdvertisementsReceivedFromUs++ })
		_ = p.sender.Send(info.index, Frame{Kind: FrameAdvr, Advr: Advr{Topic: topic, InternedID: id, Digest: digest}})
	}
}

// ReportFrameStats increments the per-kind counter matching frame's variant.
func (p *Peers) ReportFrameStats(from identity.NodePublicKey, kind FrameKind) {
	info, ok := p.byKey[from]
	if !ok {
		return
	}
	p.recordStat(info.index, func(s *ConnectionStats) {
		switch kind {
		case FrameAdvr:
			s.AdvertisementsReceivedFromPeer++
		case FrameWant:
			s.WantsReceivedFromPeer++
		case FrameMessage:
			s.MessagesReceivedFromPeer++
		}
	})
}

// MarkInvalidSender bumps P's invalid-message counter directly, used by
// callers outside the gossip loop (e.g. content verification failures)
// per SPEC_FULL.md's supplemented semantics for MarkInvalidSender.
func (p *Peers) MarkInvalidSender(idx NodeIndex) {
	p.recordStat(idx, func(s *ConnectionStats) { s.InvalidMessagesReceivedFromPeer++ })
}

func (p *Peers) recordStat(idx NodeIndex, mutate func(*ConnectionStats)) {
	s := p.stats[idx]
	mutate(&s)
	p.stats[idx] = s
}

// Stats returns a snapshot of the counters collected for idx.
func (p *Peers) Stats(idx NodeIndex) ConnectionStats { return p.stats[idx] }
