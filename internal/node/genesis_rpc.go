package node

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"io"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/hashtree"
)

// ErrNoAddress is returned when a committee member has no known address.
var ErrNoAddress = errors.New("node: no known address for peer")

// protocolCurrentEpoch is a small, dedicated libp2p protocol answering the
// syncronizer's "what epoch are you on" query (§4.O step 1), separate from
// the pool's broadcast/request scopes since it is a node-level RPC rather
// than application traffic routed through app-state addressing.
const protocolCurrentEpoch protocol.ID = "/edgemesh/node/current-epoch/1.0.0"

type currentEpochReply struct {
	Epoch         uint64
	LastEpochHash hashtree.Hash
}

// EpochSource is the subset of appstate.QueryRunner the RPC handler serves.
type EpochSource interface {
	GetEpochInfo() appstate.EpochInfo
	GetMetadata(key string) (string, bool)
}

// GenesisRPC implements syncronizer.GenesisRPC over direct libp2p streams to
// each committee member resolved through an AddressBook.
type GenesisRPC struct {
	host host.Host
	book *AddressBook
	log  *logrus.Entry
}

// NewGenesisRPC registers the current-epoch stream handler on h (serving
// local epoch state from source) and returns a client usable to query peers.
func NewGenesisRPC(h host.Host, book *AddressBook, source EpochSource) *GenesisRPC {
	g := &GenesisRPC{host: h, book: book, log: logrus.WithField("component", "genesis-rpc")}
	h.SetStreamHandler(protocolCurrentEpoch, func(s network.Stream) {
		defer s.Close()
		epoch := source.GetEpochInfo()
		var lastHash hashtree.Hash
		if raw, ok := source.GetMetadata("last_epoch_hash"); ok {
			copy(lastHash[:], raw)
		}
		if err := gob.NewEncoder(s).Encode(currentEpochReply{Epoch: epoch.Epoch, LastEpochHash: lastHash}); err != nil {
			g.log.WithError(err).Debug("failed to encode current-epoch reply")
		}
	})
	return g
}

// CurrentEpoch implements syncronizer.GenesisRPC.
func (g *GenesisRPC) CurrentEpoch(ctx context.Context, node appstate.NodeIndex) (uint64, hashtree.Hash, error) {
	addr, ok := g.book.Resolve(node)
	if !ok {
		return 0, hashtree.Hash{}, ErrNoAddress
	}
	if err := g.host.Connect(ctx, addr); err != nil {
		return 0, hashtree.Hash{}, err
	}
	s, err := g.host.NewStream(ctx, addr.ID, protocolCurrentEpoch)
	if err != nil {
		return 0, hashtree.Hash{}, err
	}
	defer s.Close()
	s.CloseWrite()

	var reply currentEpochReply
	if err := gob.NewDecoder(bufio.NewReader(s)).Decode(&reply); err != nil && err != io.EOF {
		return 0, hashtree.Hash{}, err
	}
	return reply.Epoch, reply.LastEpochHash, nil
}
