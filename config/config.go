// Package config holds the node's exhaustively enumerated configuration
// (spec §6), wired literally in cmd/meshnode/flags.go the way the teacher
// wires its client options directly in main() rather than through a
// framework.
package config

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/cvsouth/meshnode/datagram"
)

// ScanMode controls the radio duty cycle.
type ScanMode string

const (
	ScanAggressive   ScanMode = "aggressive"
	ScanBalanced     ScanMode = "balanced"
	ScanConservative ScanMode = "conservative"
)

// Config is the complete set of tunables a node needs at start. Default
// populates every field except NetworkKey and SelfID with its spec §6
// default.
type Config struct {
	// NetworkKey is the pre-shared symmetric key (zero-padded to 16 bytes
	// by datagram.NewCodec; Validate rejects a key longer than 16 bytes).
	// No default: the integrator must supply one.
	NetworkKey []byte

	// SelfID is this node's 6-byte identifier. Default leaves it zero;
	// RandomSelfID generates a random one.
	SelfID datagram.SenderID

	InitialTTL uint8

	AdvertisePeriod time.Duration
	ScanMode        ScanMode

	DuplicateCacheSize int
	DuplicateCacheTTL  time.Duration

	TimestampTolerance time.Duration
	PeerLivenessWindow time.Duration

	QueueRetryInterval time.Duration
	QueueMaxAttempts   int
	QueueMessageExpiry time.Duration

	// BLEAdapterID names the BlueZ HCI device (e.g. "hci0") used by the
	// real transport backend. Ignored by the in-memory simulator.
	BLEAdapterID string

	// StorePath is the SQLite database file backing persistence.
	StorePath string
}

// Default returns spec §6's documented defaults. SelfID and NetworkKey
// are left for the caller (or RandomSelfID) to fill in.
func Default() Config {
	return Config{
		InitialTTL:         5,
		AdvertisePeriod:    1000 * time.Millisecond,
		ScanMode:           ScanBalanced,
		DuplicateCacheSize: 500,
		DuplicateCacheTTL:  300000 * time.Millisecond,
		TimestampTolerance: 300000 * time.Millisecond,
		PeerLivenessWindow: 30000 * time.Millisecond,
		QueueRetryInterval: 30000 * time.Millisecond,
		QueueMaxAttempts:   20,
		QueueMessageExpiry: 3600000 * time.Millisecond,
		BLEAdapterID:       "hci0",
		StorePath:          "meshnode.db",
	}
}

// RandomSelfID generates a fresh random 6-byte node identifier, used at
// first start per spec §6's "self id ... random at first start" default.
func RandomSelfID() (datagram.SenderID, error) {
	var id datagram.SenderID
	if _, err := rand.Read(id[:]); err != nil {
		return datagram.SenderID{}, fmt.Errorf("generate self id: %w", err)
	}
	return id, nil
}

// Validate reports the first configuration error found, per the
// "caller misuse surfaced synchronously" rule in spec §7.
func (c Config) Validate() error {
	if len(c.NetworkKey) == 0 {
		return fmt.Errorf("config: network key is required")
	}
	if len(c.NetworkKey) > datagram.NetworkKeyLen {
		return fmt.Errorf("config: network key must be at most %d bytes, got %d", datagram.NetworkKeyLen, len(c.NetworkKey))
	}
	switch c.ScanMode {
	case ScanAggressive, ScanBalanced, ScanConservative:
	default:
		return fmt.Errorf("config: invalid scan mode %q", c.ScanMode)
	}
	if c.InitialTTL == 0 {
		return fmt.Errorf("config: initial ttl must be positive")
	}
	if c.DuplicateCacheSize <= 0 {
		return fmt.Errorf("config: duplicate cache size must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("config: queue max attempts must be positive")
	}
	return nil
}
