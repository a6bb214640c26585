package broadcast

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/identity"
)

// incomingFrame pairs a received frame with the peer that sent it.
type incomingFrame struct {
	from  identity.NodePublicKey
	frame Frame
}

// Command is sent by callers outside the event loop (mempool, resolver,
// consensus) into the loop's single command channel.
type Command struct {
	Kind        CommandKind
	SendMessage Message // built via PrepareMessage, signature already attached
	Digest      Digest
	InvalidPeer NodeIndex
	NewTopology []identity.NodePublicKey // pinned peers from the latest topology
}

// PrepareMessage fixes a message's timestamp and returns both the message
// and the digest the caller must sign before sending a CommandSend, since
// the signature covers the timestamp (Message.Digest) and so cannot be
// computed after the event loop assigns one internally.
func PrepareMessage(origin identity.NodePublicKey, topic Topic, payload []byte, timestampMS int64) (Message, Digest) {
	m := Message{Origin: origin, Topic: topic, Timestamp: timestampMS, Payload: payload}
	return m, m.Digest()
}

// CommandKind tags Command's variant.
type CommandKind int

const (
	CommandSend CommandKind = iota
	CommandPropagate
	CommandMarkInvalidSender
	CommandApplyTopology
)

// Delivered is a verified message handed to a subscriber of topic.
type Delivered struct {
	Topic   Topic
	Message Message
}

// Context is the broadcast event loop's complete owned state (§4.F, §5:
// "broadcast runs as a single-threaded event loop owning all mutable
// state"). Every public method other than Run/Commands/Receive/Deliveries is
// only ever called from inside the loop goroutine.
type Context struct {
	self  identity.NodePublicKey
	peers *Peers

	rings        map[Topic]*ring
	byDigest     map[Digest]Message
	internTable  map[Topic]map[Digest]InternedID
	internLookup map[Topic]map[InternedID]Digest
	nextIntern   map[Topic]InternedID

	commands chan Command
	incoming chan incomingFrame
	deliver  chan Delivered

	log *logrus.Entry
}

// NewContext creates an idle broadcast context. Call Run to start the event
// loop; Commands() and Receive() are how callers drive it.
func NewContext(self identity.NodePublicKey, peers *Peers) *Context {
	c := &Context{
		self:         self,
		peers:        peers,
		rings:        make(map[Topic]*ring),
		byDigest:     make(map[Digest]Message),
		internTable:  make(map[Topic]map[Digest]InternedID),
		internLookup: make(map[Topic]map[InternedID]Digest),
		nextIntern:   make(map[Topic]InternedID),
		commands:     make(chan Command, 256),
		incoming:     make(chan incomingFrame, 256),
		deliver:      make(chan Delivered, 256),
		log:          logrus.WithField("component", "broadcast"),
	}
	for t, cap := range RingCapacity {
		c.rings[t] = newRing(cap)
		c.internTable[t] = make(map[Digest]InternedID)
		c.internLookup[t] = make(map[InternedID]Digest)
	}
	return c
}

// Commands returns the channel callers send Command values into.
func (c *Context) Commands() chan<- Command { return c.commands }

// Receive enqueues a frame a transport (pool, §4.H) received from a peer,
// for the event loop to handle on its next iteration.
func (c *Context) Receive(from identity.NodePublicKey, frame Frame) {
	c.incoming <- incomingFrame{from: from, frame: frame}
}

// Deliveries returns the channel of messages whose signature verified. Each
// is offered to its topic's ring first; a message the ring rejects is
// delivered all the same.
func (c *Context) Deliveries() <-chan Delivered { return c.deliver }

// Run drives the event loop until ctx is canceled. Each event (command or
// frame) is handled to completion before the next is read (§5).
func (c *Context) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		case f := <-c.incoming:
			c.handleFrame(f.from, f.frame)
		}
	}
}

func (c *Context) handleFrame(from identity.NodePublicKey, frame Frame) {
	c.peers.ReportFrameStats(from, frame.Kind)
	switch frame.Kind {
	case FrameAdvr:
		c.handleAdvr(from, frame.Advr)
	case FrameWant:
		c.handleWant(from, frame.Want)
	case FrameMessage:
		c.handleMessage(from, frame.Message)
	}
}

// handleAdvr implements the Open Question decision in SPEC_FULL.md: intern
// the digest locally, record that the peer has it under the peer's own id,
// and if we don't hold the message yet, ask for it.
func (c *Context) handleAdvr(from identity.NodePublicKey, advr Advr) {
	localID := c.internFor(advr.Topic, advr.Digest)
	c.peers.InsertIndexMapping(from, localID, advr.InternedID)
	if _, known := c.byDigest[advr.Digest]; known {
		return
	}
	c.peers.SendWantRequest(from, advr.Topic, advr.InternedID)
}

func (c *Context) handleWant(from identity.NodePublicKey, want Want) {
	digest, ok := c.digestFor(want.Topic, want.InternedID)
	if !ok {
		return
	}
	msg, ok := c.byDigest[digest]
	if !ok {
		return
	}
	c.peers.SendMessage(from, msg)
}

// handleMessage resolves the message's claimed origin (already a public key
// in our wire format) and verifies the signature against it. A relaying
// peer P whose forwarded message fails verification is the one penalized,
// since P is responsible for what it relays onto the ring (§4.F).
func (c *Context) handleMessage(from identity.NodePublicKey, msg Message) {
	idx, ok := c.peers.GetNodeIndex(from)
	if !ok {
		return
	}
	if !msg.Origin.Verify(msg.Digest()[:], msg.Signature) {
		c.peers.MarkInvalidSender(idx)
		return
	}

	digest := msg.Digest()
	c.byDigest[digest] = msg
	c.internFor(msg.Topic, digest)
	c.rings[msg.Topic].Insert(digest)

	select {
	case c.deliver <- Delivered{Topic: msg.Topic, Message: msg}:
	default:
		c.log.Warn("delivery channel full, dropping this consumer notification")
	}
}

func (c *Context) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CommandSend:
		c.handleSend(cmd)
	case CommandPropagate:
		c.handlePropagate(cmd)
	case CommandMarkInvalidSender:
		c.peers.MarkInvalidSender(cmd.InvalidPeer)
	case CommandApplyTopology:
		c.applyTopology(cmd.NewTopology)
	}
}

func (c *Context) handleSend(cmd Command) {
	msg := cmd.SendMessage
	digest := msg.Digest()
	c.byDigest[digest] = msg
	id := c.internFor(msg.Topic, digest)
	c.peers.Advertise(msg.Topic, id, digest)
}

// handlePropagate re-advertises a digest we already hold, per
// SPEC_FULL.md's supplemented semantics for the previously-stubbed
// propagate command.
func (c *Context) handlePropagate(cmd Command) {
	msg, ok := c.byDigest[cmd.Digest]
	if !ok {
		return
	}
	id, ok := c.internedID(msg.Topic, cmd.Digest)
	if !ok {
		return
	}
	c.peers.Advertise(msg.Topic, id, cmd.Digest)
}

// applyTopology pins the suggested peers and unpins everything else. It
// neither dials peers that are not connected nor closes unpinned ones.
func (c *Context) applyTopology(pinned []identity.NodePublicKey) {
	c.peers.UnpinAll()
	for _, pk := range pinned {
		c.peers.PinPeer(pk)
	}
}

func (c *Context) internFor(topic Topic, digest Digest) InternedID {
	table := c.internTable[topic]
	if id, ok := table[digest]; ok {
		return id
	}
	id := c.nextIntern[topic]
	c.nextIntern[topic]++
	table[digest] = id
	c.internLookup[topic][id] = digest
	return id
}

func (c *Context) internedID(topic Topic, digest Digest) (InternedID, bool) {
	id, ok := c.internTable[topic][digest]
	return id, ok
}

func (c *Context) digestFor(topic Topic, id InternedID) (Digest, bool) {
	d, ok := c.internLookup[topic][id]
	return d, ok
}
