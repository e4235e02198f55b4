// Package peer maintains the set of nodes this node currently considers
// live: those it has heard a peer advertisement from within the liveness
// window.
package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/cvsouth/meshnode/datagram"
)

// LivenessWindow is how long a peer is considered connected after its
// last sighting.
const LivenessWindow = 30 * time.Second

// Status is the advertised node status byte. Routing never consults it;
// it exists purely for observers (an SOS node low on battery still
// relays and delivers exactly like any other node).
type Status uint8

const (
	StatusActive     Status = 0x01
	StatusLowBattery Status = 0x02
	StatusHighLoad   Status = 0x03
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusLowBattery:
		return "low-battery"
	case StatusHighLoad:
		return "high-load"
	default:
		return "unknown"
	}
}

// Peer is one entry in the liveness table. RSSI, Status, and LastSeen
// are last-write-wins: each Observe call overwrites them unconditionally.
type Peer struct {
	ID              datagram.SenderID
	Name            string
	RSSI            int
	Status          Status
	ProtocolVersion uint8
	LastSeen        time.Time
	FirstSeen       time.Time
}

// Table is the mutex-guarded peer liveness table.
type Table struct {
	mu    sync.Mutex
	peers map[datagram.SenderID]*Peer
}

// New returns an empty peer table.
func New() *Table {
	return &Table{peers: make(map[datagram.SenderID]*Peer)}
}

// Observe upserts a sighting of id at time now, creating the entry if it
// does not already exist. It reports whether this is the peer's
// first-ever sighting (a "peer discovered" event for the controller to
// relay to observers).
func (t *Table) Observe(id datagram.SenderID, name string, rssi int, status Status, version uint8, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.peers[id]
	if !exists {
		t.peers[id] = &Peer{
			ID: id, Name: name, RSSI: rssi, Status: status, ProtocolVersion: version,
			LastSeen: now, FirstSeen: now,
		}
		return true
	}
	p.Name = name
	p.RSSI = rssi
	p.Status = status
	p.ProtocolVersion = version
	p.LastSeen = now
	return false
}

// List returns every peer currently within the liveness window of now,
// sorted by ID for deterministic output.
func (t *Table) List(now time.Time) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if now.Sub(p.LastSeen) <= LivenessWindow {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].ID[:]) < string(out[j].ID[:])
	})
	return out
}

// Find returns the peer entry for id, if it exists and is live as of now.
func (t *Table) Find(id datagram.SenderID, now time.Time) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok || now.Sub(p.LastSeen) > LivenessWindow {
		return Peer{}, false
	}
	return *p, true
}

// Forget removes id from the table outright, regardless of liveness.
func (t *Table) Forget(id datagram.SenderID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// Sweep removes every peer that has fallen outside the liveness window
// as of now, returning the ids that were dropped so the caller can fire
// "peer lost" notifications outside the table's lock.
func (t *Table) Sweep(now time.Time) []datagram.SenderID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lost []datagram.SenderID
	for id, p := range t.peers {
		if now.Sub(p.LastSeen) > LivenessWindow {
			lost = append(lost, id)
			delete(t.peers, id)
		}
	}
	return lost
}

// Count reports the number of peers currently within the liveness window.
func (t *Table) Count(now time.Time) int {
	return len(t.List(now))
}

// Clear drops every entry unconditionally. Used on controller shutdown
// (spec §4.7 stop(): "flush peer table and queues").
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[datagram.SenderID]*Peer)
}
