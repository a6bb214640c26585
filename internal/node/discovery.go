package node

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/identity"
)

const peerAnnounceTopic = "edgemesh/peer-announce/1.0.0"
const announceInterval = 30 * time.Second

// announcement is gossiped over peerAnnounceTopic so every peer can resolve
// another's live address without relying solely on the registry's static
// domain/port fields, which can lag behind NAT rebinds or port changes.
type announcement struct {
	PublicKey identity.NodePublicKey
	Addrs     []string
}

// Discovery publishes this node's own addresses on a fixed interval and
// folds every peer's announcement into an AddressBook.
type Discovery struct {
	host  host.Host
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	self  identity.NodePublicKey
	book  *AddressBook
	query interface {
		PubkeyToIndex(identity.NodePublicKey) (appstate.NodeIndex, bool)
	}
	log *logrus.Entry
}

// NewDiscovery joins the peer-announce gossipsub topic on h.
func NewDiscovery(ctx context.Context, h host.Host, self identity.NodePublicKey, book *AddressBook, query interface {
	PubkeyToIndex(identity.NodePublicKey) (appstate.NodeIndex, bool)
}) (*Discovery, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}
	topic, err := ps.Join(peerAnnounceTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	return &Discovery{
		host:  h,
		topic: topic,
		sub:   sub,
		self:  self,
		book:  book,
		query: query,
		log:   logrus.WithField("component", "discovery"),
	}, nil
}

// Run publishes this node's own addresses every announceInterval and folds
// incoming announcements into the address book, until ctx is canceled.
func (d *Discovery) Run(ctx context.Context) {
	go d.publishLoop(ctx)
	for {
		msg, err := d.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == d.host.ID() {
			continue
		}
		var ann announcement
		if err := gob.NewDecoder(bytes.NewReader(msg.Data)).Decode(&ann); err != nil {
			continue
		}
		d.ingest(ann)
	}
}

func (d *Discovery) ingest(ann announcement) {
	idx, ok := d.query.PubkeyToIndex(ann.PublicKey)
	if !ok {
		return
	}
	pid, err := PeerIDFor(ann.PublicKey)
	if err != nil {
		return
	}
	addrs := make([]multiaddr.Multiaddr, 0, len(ann.Addrs))
	for _, raw := range ann.Addrs {
		a, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			continue
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return
	}
	d.book.Announce(idx, peer.AddrInfo{ID: pid, Addrs: addrs})
}

func (d *Discovery) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	d.publishOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.publishOnce(ctx)
		}
	}
}

func (d *Discovery) publishOnce(ctx context.Context) {
	addrs := make([]string, 0, len(d.host.Addrs()))
	for _, a := range d.host.Addrs() {
		addrs = append(addrs, a.String())
	}
	if len(addrs) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(announcement{PublicKey: d.self, Addrs: addrs}); err != nil {
		d.log.WithError(err).Warn("failed to encode self announcement")
		return
	}
	if err := d.topic.Publish(ctx, buf.Bytes()); err != nil {
		d.log.WithError(err).Debug("failed to publish self announcement")
	}
}
