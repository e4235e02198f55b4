// Package transport defines the radio-facing boundary: the Adapter
// capability set the node controller drives, an in-memory simulated
// backend for deterministic tests, and a Linux BlueZ backend for real
// hardware.
package transport

import (
	"errors"
	"time"

	"github.com/cvsouth/meshnode/datagram"
)

// SendTimeout bounds a single-peer write (spec §5 Timeouts).
const SendTimeout = 5 * time.Second

// AdvertisePeriod is the default interval between outgoing advertisements.
const AdvertisePeriod = 1 * time.Second

// ErrRadioUnavailable is returned by Start when the underlying radio
// stack cannot be initialized.
var ErrRadioUnavailable = errors.New("transport: radio unavailable")

// ScanHandler receives a decoded peer advertisement.
type ScanHandler func(peerID datagram.SenderID, name string, rssi int, status uint8, version uint8)

// IncomingHandler receives raw inbound datagram bytes from one link.
// The adapter guarantees at-most-once delivery per received datagram on
// a single link, but performs no cross-link deduplication.
type IncomingHandler func(bytes []byte)

// Adapter is the capability set the routing/controller layer needs from
// a radio backend. Implementations: *BLEAdapter (real BlueZ radio) and
// *Simulator (in-memory, for tests and non-Linux hosts).
type Adapter interface {
	// Advertise begins or maintains periodic radio advertisement of
	// selfID/status/protocolVersion.
	Advertise(selfID datagram.SenderID, status uint8, protocolVersion uint8) error
	// Scan continuously receives peer advertisements.
	Scan(handler ScanHandler) error
	// ConnectedPeers returns peers with an active logical connection.
	ConnectedPeers() []datagram.SenderID
	// Send writes an encoded datagram to one peer, failing within
	// SendTimeout if the write does not complete.
	Send(peerID datagram.SenderID, wire []byte) bool
	// Broadcast writes to every currently connected peer, returning the
	// count of successful writes.
	Broadcast(wire []byte) int
	// Incoming registers the callback for inbound datagram bytes.
	Incoming(handler IncomingHandler)
	// Start brings the radio stack up. Returns ErrRadioUnavailable on
	// failure to initialize.
	Start() error
	// Stop tears the radio stack down, releasing any OS resources.
	Stop() error
}
