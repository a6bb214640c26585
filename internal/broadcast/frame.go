// Package broadcast implements the gossip overlay (component F): a
// single-threaded event loop that advertises, requests, and delivers
// verified messages across bounded per-topic rings.
package broadcast

import (
	"bytes"
	"encoding/gob"

	"github.com/edgemesh/node/internal/identity"
	"github.com/edgemesh/node/pkg/utils"
)

// Topic partitions the gossip namespace; each has its own ring capacity.
type Topic int

const (
	TopicConsensus Topic = iota
	TopicDHT
	TopicDebug
	topicCount
)

// RingCapacity is the bounded ring size for each topic (§4.F).
var RingCapacity = map[Topic]int{
	TopicConsensus: 2048,
	TopicDHT:       512,
	TopicDebug:     1,
}

// Digest names a message by its content hash.
type Digest [32]byte

// InternedID is a per-node-local u16 assigned to a digest on first sight.
type InternedID uint16

// FrameKind tags which of the three frame variants a wire message carries.
type FrameKind int

const (
	FrameAdvr FrameKind = iota
	FrameWant
	FrameMessage
)

// Advr announces that the sender has a message for interned_id/digest on topic.
type Advr struct {
	Topic      Topic
	InternedID InternedID
	Digest     Digest
}

// Want requests the full message for a remote's interned id on topic.
type Want struct {
	Topic      Topic
	InternedID InternedID
}

// Message is a verified, topic-scoped gossip payload.
type Message struct {
	Origin    identity.NodePublicKey
	Signature identity.NodeSignature
	Topic     Topic
	Timestamp int64
	Payload   []byte
}

// Frame is the tagged union carried over the wire (§4.F, §6).
type Frame struct {
	Kind    FrameKind
	Advr    Advr
	Want    Want
	Message Message
}

// EncodeFrame gob-encodes f for a transport (e.g. the overlay pool) to send.
func EncodeFrame(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, utils.Wrap(err, "encode gossip frame")
	}
	return buf.Bytes(), nil
}

// DecodeFrame decodes a Frame previously produced by EncodeFrame.
func DecodeFrame(payload []byte) (Frame, error) {
	var f Frame
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&f); err != nil {
		return Frame{}, utils.Wrap(err, "decode gossip frame")
	}
	return f, nil
}

// Digest computes the content digest a Message's signature is taken over.
func (m Message) Digest() Digest {
	// Concrete domain-separated hashing lives in internal/hashtree's leaf
	// hash helper family; broadcast only needs a stable digest identity, so
	// it hashes the signed fields directly.
	return digestMessage(m)
}
