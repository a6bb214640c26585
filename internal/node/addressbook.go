package node

import (
	"strconv"
	"sync"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
)

// PeerIDFor derives a libp2p peer.ID from a node's Ed25519 overlay identity,
// so every honest node computes the same peer.ID for a given NodePublicKey
// without any out-of-band exchange.
func PeerIDFor(pk identity.NodePublicKey) (peer.ID, error) {
	pub, err := libp2pcrypto.UnmarshalEd25519PublicKey(pk[:])
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

// HostIdentity converts a node's overlay secret key into the libp2p private
// key its host should advertise, so its derived peer.ID matches PeerIDFor.
func HostIdentity(key identity.NodeSecretKey) (libp2pcrypto.PrivKey, error) {
	return libp2pcrypto.UnmarshalEd25519PrivateKey(key.Bytes())
}

// AddressBook implements pool.AddressBook by combining the node registry's
// static domain/port advertisement with live address announcements
// gossiped over the peer-announce pubsub topic (see discovery.go).
type AddressBook struct {
	query QueryRunner

	mu       sync.RWMutex
	addrs    map[appstate.NodeIndex]peer.AddrInfo
	indexOf  map[peer.ID]appstate.NodeIndex
}

// QueryRunner is the subset of appstate.QueryRunner the address book reads
// to resolve an index's statically advertised domain/port, when no live
// announcement has been received yet.
type QueryRunner interface {
	GetNodeInfo(appstate.NodeIndex) (appstate.NodeInfo, bool)
}

// NewAddressBook builds an empty address book backed by query.
func NewAddressBook(query QueryRunner) *AddressBook {
	return &AddressBook{
		query:   query,
		addrs:   make(map[appstate.NodeIndex]peer.AddrInfo),
		indexOf: make(map[peer.ID]appstate.NodeIndex),
	}
}

// Resolve implements pool.AddressBook.
func (b *AddressBook) Resolve(idx appstate.NodeIndex) (peer.AddrInfo, bool) {
	b.mu.RLock()
	info, ok := b.addrs[idx]
	b.mu.RUnlock()
	if ok {
		return info, true
	}
	return b.resolveStatic(idx)
}

// IndexOf implements pool.AddressBook.
func (b *AddressBook) IndexOf(pid peer.ID) (appstate.NodeIndex, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.indexOf[pid]
	return idx, ok
}

// Announce records a live address announcement for idx, overriding any
// statically derived address until the next announcement or process
// restart (§4.H/§4.I discovery supplement).
func (b *AddressBook) Announce(idx appstate.NodeIndex, info peer.AddrInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[idx] = info
	b.indexOf[info.ID] = idx
}

func (b *AddressBook) resolveStatic(idx appstate.NodeIndex) (peer.AddrInfo, bool) {
	n, ok := b.query.GetNodeInfo(idx)
	if !ok || n.NodeDomain == "" || len(n.Ports) == 0 {
		return peer.AddrInfo{}, false
	}
	pid, err := PeerIDFor(n.PublicKey)
	if err != nil {
		return peer.AddrInfo{}, false
	}
	addr, err := multiaddr.NewMultiaddr("/dns4/" + n.NodeDomain + "/tcp/" + strconv.Itoa(int(n.Ports[0])))
	if err != nil {
		return peer.AddrInfo{}, false
	}
	info := peer.AddrInfo{ID: pid, Addrs: []multiaddr.Multiaddr{addr}}

	b.mu.Lock()
	b.addrs[idx] = info
	b.indexOf[pid] = idx
	b.mu.Unlock()
	return info, true
}
