package broadcast

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/edgemesh/node/internal/identity"
)

type fakeSender struct {
	sent []struct {
		peer  NodeIndex
		frame Frame
	}
}

func (f *fakeSender) Send(peer NodeIndex, frame Frame) error {
	f.sent = append(f.sent, struct {
		peer  NodeIndex
		frame Frame
	}{peer, frame})
	return nil
}

func newTestContext(t *testing.T) (*Context, *fakeSender, identity.NodeSecretKey, identity.NodePublicKey) {
	t.Helper()
	self, err := identity.NewNodeSecretKey()
	if err != nil {
		t.Fatalf("self key: %v", err)
	}
	peerKey, err := identity.NewNodeSecretKey()
	if err != nil {
		t.Fatalf("peer key: %v", err)
	}
	sender := &fakeSender{}
	peers := NewPeers(sender)
	peers.SetSelf(1)
	peers.HandleNewConnection(2, peerKey.PublicKey(), &net.TCPAddr{})

	c := NewContext(self.PublicKey(), peers)
	return c, sender, peerKey, peerKey.PublicKey()
}

func signedMessage(key identity.NodeSecretKey, topic Topic, payload []byte) Message {
	m := Message{Origin: key.PublicKey(), Topic: topic, Timestamp: 1, Payload: payload}
	m.Signature = key.Sign(m.Digest()[:])
	return m
}

func TestHandleMessageAcceptsValidSignatureAndDelivers(t *testing.T) {
	c, _, peerKey, peerPK := newTestContext(t)
	msg := signedMessage(peerKey, TopicConsensus, []byte("hello"))

	c.handleMessage(peerPK, msg)

	select {
	case d := <-c.Deliveries():
		if string(d.Message.Payload) != "hello" {
			t.Fatalf("unexpected payload: %s", d.Message.Payload)
		}
	default:
		t.Fatal("expected a delivery")
	}
	if c.rings[TopicConsensus].Len() != 1 {
		t.Fatalf("expected ring to hold 1 digest, got %d", c.rings[TopicConsensus].Len())
	}
}

func TestHandleMessageRejectsBadSignatureAndMarksInvalid(t *testing.T) {
	c, _, peerKey, peerPK := newTestContext(t)
	msg := signedMessage(peerKey, TopicConsensus, []byte("hello"))
	msg.Payload = []byte("tampered")

	c.handleMessage(peerPK, msg)

	select {
	case <-c.Deliveries():
		t.Fatal("did not expect a delivery for a tampered message")
	default:
	}
	stats := c.peers.Stats(2)
	if stats.InvalidMessagesReceivedFromPeer != 1 {
		t.Fatalf("expected invalid-message counter to be 1, got %d", stats.InvalidMessagesReceivedFromPeer)
	}
}

func TestHandleAdvrRequestsUnseenDigest(t *testing.T) {
	c, sender, _, peerPK := newTestContext(t)
	advr := Advr{Topic: TopicConsensus, InternedID: 7, Digest: Digest{0xAA}}

	c.handleAdvr(peerPK, advr)

	if len(sender.sent) != 1 || sender.sent[0].frame.Kind != FrameWant {
		t.Fatalf("expected a single want frame, got %+v", sender.sent)
	}
	if sender.sent[0].frame.Want.InternedID != 7 {
		t.Fatalf("want frame referenced wrong interned id: %+v", sender.sent[0].frame.Want)
	}
}

func TestHandleAdvrSkipsRequestForKnownDigest(t *testing.T) {
	c, sender, peerKey, peerPK := newTestContext(t)
	msg := signedMessage(peerKey, TopicConsensus, []byte("known"))
	c.handleMessage(peerPK, msg)
	sender.sent = nil

	id, _ := c.internedID(TopicConsensus, msg.Digest())
	c.handleAdvr(peerPK, Advr{Topic: TopicConsensus, InternedID: id, Digest: msg.Digest()})

	if len(sender.sent) != 0 {
		t.Fatalf("expected no want frame for an already-known digest, got %+v", sender.sent)
	}
}

func TestHandleWantRepliesWithStoredMessage(t *testing.T) {
	c, sender, peerKey, peerPK := newTestContext(t)
	msg := signedMessage(peerKey, TopicDHT, []byte("payload"))
	c.handleMessage(peerPK, msg)
	id, _ := c.internedID(TopicDHT, msg.Digest())
	sender.sent = nil

	c.handleWant(peerPK, Want{Topic: TopicDHT, InternedID: id})

	if len(sender.sent) != 1 || sender.sent[0].frame.Kind != FrameMessage {
		t.Fatalf("expected a single message frame reply, got %+v", sender.sent)
	}
}

func TestApplyTopologyPinsOnlyGivenPeers(t *testing.T) {
	c, _, _, peerPK := newTestContext(t)
	c.peers.PinPeer(peerPK)
	other, _ := identity.NewNodeSecretKey()

	c.applyTopology([]identity.NodePublicKey{other.PublicKey()})

	if c.peers.IsPinned(peerPK) {
		t.Fatal("expected the old pin to be cleared")
	}
	if !c.peers.IsPinned(other.PublicKey()) {
		t.Fatal("expected the new peer to be pinned")
	}
}

func TestRunProcessesFramesUntilCanceled(t *testing.T) {
	c, _, peerKey, peerPK := newTestContext(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	msg := signedMessage(peerKey, TopicConsensus, []byte("via-loop"))
	c.Receive(peerPK, Frame{Kind: FrameMessage, Message: msg})

	select {
	case d := <-c.Deliveries():
		if string(d.Message.Payload) != "via-loop" {
			t.Fatalf("unexpected payload: %s", d.Message.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery through Run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
