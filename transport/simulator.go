package transport

import (
	"sync"

	"github.com/cvsouth/meshnode/datagram"
)

// Simulator is an in-memory Adapter used by tests and by callers running
// the mesh protocol over a process-local fake radio. Peers are wired
// together with Link and separated with Unlink, before or after Start.
type Simulator struct {
	mu       sync.Mutex
	selfID   datagram.SenderID
	status   uint8
	version  uint8
	peers    map[datagram.SenderID]*Simulator // linked simulators, keyed by their own selfID
	incoming IncomingHandler
	scanFn   ScanHandler
	started  bool
}

// NewSimulator constructs an unlinked simulator for selfID.
func NewSimulator(selfID datagram.SenderID) *Simulator {
	return &Simulator{selfID: selfID, peers: make(map[datagram.SenderID]*Simulator)}
}

// Link connects two simulators bidirectionally, as if they were within
// radio range of each other.
func Link(a, b *Simulator) {
	a.mu.Lock()
	a.peers[b.selfID] = b
	a.mu.Unlock()

	b.mu.Lock()
	b.peers[a.selfID] = a
	b.mu.Unlock()
}

// Unlink severs the simulated radio link between a and b, modeling a
// peer moving out of range.
func Unlink(a, b *Simulator) {
	a.mu.Lock()
	delete(a.peers, b.selfID)
	a.mu.Unlock()

	b.mu.Lock()
	delete(b.peers, a.selfID)
	b.mu.Unlock()
}

func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *Simulator) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *Simulator) Advertise(selfID datagram.SenderID, status uint8, protocolVersion uint8) error {
	s.mu.Lock()
	s.selfID = selfID
	s.status = status
	s.version = protocolVersion
	peers := make([]*Simulator, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.deliverAdvertisement(selfID, status, protocolVersion)
	}
	return nil
}

func (s *Simulator) deliverAdvertisement(peerID datagram.SenderID, status uint8, version uint8) {
	s.mu.Lock()
	handler := s.scanFn
	s.mu.Unlock()
	if handler != nil {
		handler(peerID, "", 0, status, version)
	}
}

func (s *Simulator) Scan(handler ScanHandler) error {
	s.mu.Lock()
	s.scanFn = handler
	s.mu.Unlock()
	return nil
}

func (s *Simulator) ConnectedPeers() []datagram.SenderID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datagram.SenderID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

func (s *Simulator) Send(peerID datagram.SenderID, wire []byte) bool {
	s.mu.Lock()
	peer, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	peer.deliverIncoming(wire)
	return true
}

func (s *Simulator) Broadcast(wire []byte) int {
	s.mu.Lock()
	peers := make([]*Simulator, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	sent := 0
	for _, p := range peers {
		p.deliverIncoming(wire)
		sent++
	}
	return sent
}

func (s *Simulator) deliverIncoming(wire []byte) {
	s.mu.Lock()
	handler := s.incoming
	s.mu.Unlock()
	if handler != nil {
		handler(append([]byte(nil), wire...))
	}
}

func (s *Simulator) Incoming(handler IncomingHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming = handler
}

var _ Adapter = (*Simulator)(nil)
