// Package routing implements the ingest decision engine: the pure
// function that decides, for each inbound datagram, whether to deliver
// it locally, relay it onward, both, or drop it. It also builds the
// datagrams a node originates itself (SOS, direct message, ACK).
//
// Ingest never blocks on I/O; its only side effects are against the
// duplicate cache and the metrics counters, mirroring the relay cell
// recognize/decrypt loop's bounded-work-per-cell discipline.
package routing

import (
	"time"

	"github.com/google/uuid"

	"github.com/cvsouth/meshnode/datagram"
	"github.com/cvsouth/meshnode/dedupe"
	"github.com/cvsouth/meshnode/metrics"
	"github.com/cvsouth/meshnode/record"
)

// Decision is the outcome of ingesting one datagram.
type Decision int

const (
	Drop Decision = iota
	Deliver
	Relay
	DeliverAndRelay
)

func (d Decision) String() string {
	switch d {
	case Drop:
		return "drop"
	case Deliver:
		return "deliver"
	case Relay:
		return "relay"
	case DeliverAndRelay:
		return "deliver_and_relay"
	default:
		return "unknown"
	}
}

// TimestampTolerance is the replay guard window (spec §4.4 step 2).
const TimestampTolerance = 5 * time.Minute

// InitialTTL values per originated kind.
const (
	SOSInitialTTL    uint8 = 5
	DirectInitialTTL uint8 = 5
	AckInitialTTL    uint8 = 5
)

// Priority values per originated kind.
const (
	SOSPriority    = 5
	DirectPriority = 3
	AckPriority    = 2
)

// Outcome is the full result of an ingest call: the decision, the
// datagram to relay (if any), and an ACK datagram to send back to the
// original sender (if the ingested datagram was a DIRECT message
// addressed to this node).
type Outcome struct {
	Decision  Decision
	RelayWire []byte // re-encoded relay datagram, ready to send, if Decision includes relay
	Ack       []byte // re-encoded ack datagram, if the inbound datagram triggered one
	Record    record.Record
	SenderID  datagram.SenderID
	ForMe     bool
	Broadcast bool
	DupKey    string // duplicate-cache digest checked for this datagram, for routing-cache persistence
}

// Engine holds the collaborators ingest needs: the codec for
// encrypt/decrypt/re-encode, the duplicate cache, and metrics. It has no
// mutable state of its own beyond those collaborators.
type Engine struct {
	Codec   *datagram.Codec
	Dedupe  *dedupe.Cache
	Metrics *metrics.Counters
	LocalID datagram.SenderID
}

// New constructs a routing engine bound to the given local node id.
func New(codec *datagram.Codec, dedupeCache *dedupe.Cache, m *metrics.Counters, localID datagram.SenderID) *Engine {
	return &Engine{Codec: codec, Dedupe: dedupeCache, Metrics: m, LocalID: localID}
}

// Ingest runs the nine-step protocol from spec §4.4 against one inbound
// datagram, captured as d. d has already passed step 1 (header parse and
// checksum, via datagram.Codec.DecodeHeader) but is still encrypted: its
// Payload field holds ciphertext, not plaintext. Ingest performs step 2
// (freshness) and step 3 (duplicate mark-and-check) against that
// checksum-verified but still-encrypted datagram before ever calling
// decrypt (step 4), so a stale or duplicate datagram is dropped without
// paying for an AES decrypt, and a datagram that fails decrypt has
// already been marked in the duplicate cache — a later malformed retransmit
// of the same message id is then dropped as a duplicate rather than
// re-attempting decryption (§4.4 step 4, §8 scenarios 4-5).
func (e *Engine) Ingest(d datagram.Datagram, now time.Time) Outcome {
	// Step 2: replay guard.
	eventTime := time.Unix(int64(d.Timestamp), 0)
	if absDuration(now.Sub(eventTime)) > TimestampTolerance {
		e.Metrics.IncDrop(metrics.DropStaleTimestamp)
		return Outcome{Decision: Drop}
	}

	// Step 3: duplicate suppression.
	dupKey := e.Codec.DuplicateKey(d.MessageID, d.SenderID)
	if e.Dedupe.MarkAndCheck(dupKey, now) {
		e.Metrics.IncDrop(metrics.DropDuplicate)
		return Outcome{Decision: Drop, DupKey: dupKey}
	}

	// Step 4: decrypt. A failure here (wrong key, corrupted ciphertext)
	// is dropped, but dupKey is already marked above, so a malformed
	// duplicate of this same datagram is dropped at step 3 on its next
	// arrival instead of re-attempting decryption.
	plaintext, err := e.Codec.Decrypt(d)
	if err != nil {
		e.Metrics.IncDrop(metrics.DropDecryptFailed)
		return Outcome{Decision: Drop, DupKey: dupKey}
	}

	// Step 5: parse the inner record.
	rec, err := record.Decode(plaintext)
	if err != nil {
		e.Metrics.IncDrop(metrics.DropMalformedRecord)
		return Outcome{Decision: Drop, DupKey: dupKey}
	}

	// Step 6: determine for_me / broadcast.
	forMe := rec.Recipient == hexSenderID(e.LocalID)
	broadcast := rec.IsBroadcast()

	outcome := Outcome{Record: rec, SenderID: d.SenderID, ForMe: forMe, Broadcast: broadcast, DupKey: dupKey}

	deliver := forMe || broadcast
	if deliver {
		e.Metrics.IncDelivered()
	}

	// Step 7: ACK generation for direct messages addressed to us.
	if d.Kind == datagram.KindDirect && forMe {
		ackWire, err := e.buildAck(rec, d.MessageID, now)
		if err == nil {
			outcome.Ack = ackWire
		}
	}

	// Step 8: relay eligibility.
	shouldRelay := false
	switch {
	case d.TTL == 0:
		shouldRelay = false
	case d.Kind == datagram.KindSOS:
		shouldRelay = true
	case broadcast:
		shouldRelay = true
	case d.Kind == datagram.KindDirect && !forMe:
		shouldRelay = true
	}

	if !shouldRelay && !deliver && d.TTL == 0 {
		e.Metrics.IncDrop(metrics.DropTTLExhausted)
	}

	// Step 9: build the relay datagram.
	if shouldRelay {
		relayWire, err := e.buildRelay(d, plaintext, now)
		if err == nil {
			outcome.RelayWire = relayWire
			e.Metrics.IncRelayed()
		}
	}

	switch {
	case deliver && shouldRelay:
		outcome.Decision = DeliverAndRelay
	case deliver:
		outcome.Decision = Deliver
	case shouldRelay:
		outcome.Decision = Relay
	default:
		outcome.Decision = Drop
	}
	return outcome
}

// buildRelay constructs the re-encoded relay copy of d: same message id
// (so the IV and duplicate key are preserved), kind forced to RELAY, hop
// count incremented, ttl decremented.
func (e *Engine) buildRelay(d datagram.Datagram, plaintext []byte, now time.Time) ([]byte, error) {
	relay := d
	relay.Kind = datagram.KindRelay
	relay.HopCount = d.HopCount + 1
	relay.TTL = d.TTL - 1
	return e.Codec.Encode(relay, plaintext)
}

// buildAck originates an ACK datagram addressed to rec's sender,
// referencing the original DIRECT datagram's message id so the sender
// can correlate the ack_received(original_id) callback.
func (e *Engine) buildAck(rec record.Record, originalMessageID uuid.UUID, now time.Time) ([]byte, error) {
	ackRecord := record.Record{
		Kind:              record.KindAck,
		Sender:            hexSenderID(e.LocalID),
		Recipient:         rec.Sender,
		Priority:          AckPriority,
		Timestamp:         now.Unix(),
		OriginalMessageID: originalMessageID.String(),
	}
	plaintext, err := ackRecord.Encode()
	if err != nil {
		return nil, err
	}
	d := datagram.Datagram{
		Version:   datagram.ProtocolVersion,
		Kind:      datagram.KindAck,
		MessageID: datagram.NewMessageID(),
		HopCount:  0,
		TTL:       AckInitialTTL,
		Timestamp: uint32(now.Unix()),
		SenderID:  e.LocalID,
	}
	e.Dedupe.MarkAndCheck(e.Codec.DuplicateKey(d.MessageID, d.SenderID), now)
	return e.Codec.Encode(d, plaintext)
}

// OriginateSOS builds a fresh SOS datagram. The returned message id lets
// the caller correlate later delivery/ack observer callbacks.
func (e *Engine) OriginateSOS(content string, loc record.Location, sosType string, now time.Time) (datagram.Datagram, []byte, error) {
	rec := record.Record{
		Kind:      record.KindSOS,
		Sender:    hexSenderID(e.LocalID),
		Recipient: record.BroadcastRecipient,
		Content:   content,
		Location:  &loc,
		Priority:  SOSPriority,
		Timestamp: now.Unix(),
		SOSType:   sosType,
	}
	return e.originate(rec, datagram.KindSOS, SOSInitialTTL, now)
}

// OriginateDirect builds a fresh DIRECT datagram addressed to recipient.
func (e *Engine) OriginateDirect(recipient, content string, now time.Time) (datagram.Datagram, []byte, error) {
	rec := record.Record{
		Kind:      record.KindDirect,
		Sender:    hexSenderID(e.LocalID),
		Recipient: recipient,
		Content:   content,
		Priority:  DirectPriority,
		Timestamp: now.Unix(),
	}
	return e.originate(rec, datagram.KindDirect, DirectInitialTTL, now)
}

func (e *Engine) originate(rec record.Record, kind datagram.Kind, ttl uint8, now time.Time) (datagram.Datagram, []byte, error) {
	d := datagram.Datagram{
		Version:   datagram.ProtocolVersion,
		Kind:      kind,
		MessageID: datagram.NewMessageID(),
		HopCount:  0,
		TTL:       ttl,
		Timestamp: uint32(now.Unix()),
		SenderID:  e.LocalID,
	}
	// Mark in the duplicate cache before emission so an echo from a
	// neighbor relaying our own message back to us does not loop.
	e.Dedupe.MarkAndCheck(e.Codec.DuplicateKey(d.MessageID, d.SenderID), now)

	plaintext, err := rec.Encode()
	if err != nil {
		return datagram.Datagram{}, nil, err
	}
	wire, err := e.Codec.Encode(d, plaintext)
	if err != nil {
		return datagram.Datagram{}, nil, err
	}
	return d, wire, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// hexSenderID renders a 6-byte sender id as the lowercase hex string
// used in inner-record sender/recipient fields.
func hexSenderID(id datagram.SenderID) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
