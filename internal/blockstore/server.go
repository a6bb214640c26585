package blockstore

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/hashtree"
	"github.com/edgemesh/node/internal/pool"
	"github.com/edgemesh/node/pkg/utils"
)

// WireRequest asks the blockstore server for the blocks rooted at Root, each
// with its proof; the hash tree itself is not sent.
type WireRequest struct {
	Root hashtree.Hash
}

// WireHeader is the first chunk of a blockstore server response, naming how
// many blocks follow.
type WireHeader struct {
	Root       hashtree.Hash
	BlockCount int
}

// WireBlock is one block chunk, carrying the incremental proof the previous
// chunk's ProofContinuation build starts from.
type WireBlock struct {
	Index int
	Data  []byte
	Proof []hashtree.ProofSegment
	Mode  hashtree.ProofMode
}

// Server answers blockstore WireRequests from peers over the pool's req/res
// scope, streaming a WireHeader and then every block with its proof,
// back-pressured by the underlying transport stream (§4.B). The hash tree
// itself is not sent.
type Server struct {
	store     *Store
	responder *pool.Responder
	log       *logrus.Entry
}

// NewServer builds a blockstore Server that pulls inbound requests from
// responder and answers them out of store.
func NewServer(store *Store, responder *pool.Responder) *Server {
	return &Server{store: store, responder: responder, log: logrus.WithField("component", "blockstore-server")}
}

// Serve runs the accept loop until ctx is canceled.
func (s *Server) Serve(ctx context.Context) {
	for {
		req, err := s.responder.GetNextRequest(ctx)
		if err != nil {
			return
		}
		go s.handle(req)
	}
}

func (s *Server) handle(req *pool.IncomingRequest) {
	var wireReq WireRequest
	if err := gob.NewDecoder(bytes.NewReader(req.Body)).Decode(&wireReq); err != nil {
		s.log.WithError(err).Warn("discarding malformed blockstore request")
		_ = req.Respond(closedChunks())
		return
	}

	entry, err := s.store.Get(wireReq.Root)
	if err != nil {
		s.log.WithError(err).WithField("peer", req.Sender).Debug("requested root not found")
		_ = req.Respond(closedChunks())
		return
	}

	chunks := make(chan []byte, 4)
	go func() {
		defer close(chunks)
		blockCount := entry.Tree.LeafCount()
		chunks <- encode(WireHeader{Root: entry.Root, BlockCount: blockCount})

		prevBlock := -1
		for i := 0; i < blockCount; i++ {
			mode := hashtree.ProofContinuation
			if prevBlock < 0 {
				mode = hashtree.ProofInitial
			}
			data, proof, err := s.store.Block(entry.Root, i, mode, prevBlock)
			if err != nil {
				s.log.WithError(err).Warn("failed to slice block for streaming")
				return
			}
			chunks <- encode(WireBlock{Index: i, Data: data, Proof: proof, Mode: mode})
			prevBlock = i
		}
	}()
	if err := req.Respond(chunks); err != nil {
		s.log.WithError(err).WithField("peer", req.Sender).Debug("blockstore stream interrupted")
	}
}

func closedChunks() <-chan []byte {
	ch := make(chan []byte)
	close(ch)
	return ch
}

func encode(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil
	}
	return buf.Bytes()
}

// DecodeHeader decodes the first response chunk a client reads.
func DecodeHeader(b []byte) (WireHeader, error) {
	var h WireHeader
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&h)
	return h, utils.Wrap(err, "decode blockstore header")
}

// DecodeBlock decodes a subsequent response chunk a client reads.
func DecodeBlock(b []byte) (WireBlock, error) {
	var blk WireBlock
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&blk)
	return blk, utils.Wrap(err, "decode blockstore block")
}

// EncodeRequest builds the request body for Root.
func EncodeRequest(root hashtree.Hash) []byte {
	return encode(WireRequest{Root: root})
}
