package transport

import (
	"testing"

	"github.com/cvsouth/meshnode/datagram"
)

func TestSimulatorSendDeliversToLinkedPeer(t *testing.T) {
	a := NewSimulator(datagram.SenderID{1})
	b := NewSimulator(datagram.SenderID{2})
	Link(a, b)

	var got []byte
	b.Incoming(func(wire []byte) { got = wire })

	if ok := a.Send(datagram.SenderID{2}, []byte("hello")); !ok {
		t.Fatalf("expected send to linked peer to succeed")
	}
	if string(got) != "hello" {
		t.Fatalf("expected peer to receive bytes, got %q", got)
	}
}

func TestSimulatorSendFailsWithoutLink(t *testing.T) {
	a := NewSimulator(datagram.SenderID{1})
	if ok := a.Send(datagram.SenderID{9}, []byte("hello")); ok {
		t.Fatalf("expected send to unlinked peer to fail")
	}
}

func TestSimulatorBroadcastReachesAllLinkedPeers(t *testing.T) {
	a := NewSimulator(datagram.SenderID{1})
	b := NewSimulator(datagram.SenderID{2})
	c := NewSimulator(datagram.SenderID{3})
	Link(a, b)
	Link(a, c)

	received := 0
	b.Incoming(func([]byte) { received++ })
	c.Incoming(func([]byte) { received++ })

	n := a.Broadcast([]byte("sos"))
	if n != 2 {
		t.Fatalf("expected broadcast count 2, got %d", n)
	}
	if received != 2 {
		t.Fatalf("expected both peers to receive, got %d", received)
	}
}

func TestUnlinkSeversConnection(t *testing.T) {
	a := NewSimulator(datagram.SenderID{1})
	b := NewSimulator(datagram.SenderID{2})
	Link(a, b)
	Unlink(a, b)

	if ok := a.Send(datagram.SenderID{2}, []byte("x")); ok {
		t.Fatalf("expected send to fail after unlink")
	}
	if len(a.ConnectedPeers()) != 0 {
		t.Fatalf("expected no connected peers after unlink")
	}
}

func TestSimulatorAdvertiseReachesScanner(t *testing.T) {
	a := NewSimulator(datagram.SenderID{1})
	b := NewSimulator(datagram.SenderID{2})
	Link(a, b)

	var seenID datagram.SenderID
	var seenStatus, seenVersion uint8
	b.Scan(func(peerID datagram.SenderID, name string, rssi int, status uint8, version uint8) {
		seenID, seenStatus, seenVersion = peerID, status, version
	})

	if err := a.Advertise(datagram.SenderID{1}, 1, 1); err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	if seenID != (datagram.SenderID{1}) {
		t.Fatalf("expected scanner to observe advertiser id, got %v", seenID)
	}
	if seenStatus != 1 || seenVersion != 1 {
		t.Fatalf("expected status/version to pass through, got %d/%d", seenStatus, seenVersion)
	}
}
