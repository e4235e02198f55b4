// Package node implements the Node Controller: the public API surface
// an embedding application drives (start/stop, send SOS/direct messages,
// list peers, subscribe to events), and the glue wiring the codec,
// duplicate cache, peer table, routing engine, queue, transport, and
// persistence collaborators together.
package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cvsouth/meshnode/config"
	"github.com/cvsouth/meshnode/datagram"
	"github.com/cvsouth/meshnode/dedupe"
	"github.com/cvsouth/meshnode/metrics"
	"github.com/cvsouth/meshnode/peer"
	"github.com/cvsouth/meshnode/queue"
	"github.com/cvsouth/meshnode/record"
	"github.com/cvsouth/meshnode/routing"
	"github.com/cvsouth/meshnode/store"
	"github.com/cvsouth/meshnode/transport"
)

// Sentinel errors surfaced synchronously to callers (spec §7: "caller
// misuse ... surfaced synchronously as an error").
var (
	ErrAlreadyRunning   = errors.New("node: already running")
	ErrNotRunning       = errors.New("node: not running")
	ErrRadioUnavailable = transport.ErrRadioUnavailable
	ErrUnknownRecipient = errors.New("node: unknown recipient format")
)

// Maintenance cadences (spec §5).
const (
	dedupeSweepInterval = 1 * time.Minute
	peerSweepInterval   = 10 * time.Second
	queueDrainInterval  = 30 * time.Second
	// shutdownGrace is the target bound from spec §5: each maintenance
	// task must observe stop() at its next suspension point. We wait a
	// short multiple of the target before giving up and returning anyway.
	shutdownGrace = 250 * time.Millisecond
)

// Observer is the set of callbacks an embedding application can
// register via Observe. Every field is optional; nil callbacks are
// simply not invoked. All callbacks fire from the controller's
// scheduling domain, never while an internal lock is held.
type Observer struct {
	PeerDiscovered   func(peer.Peer)
	PeerLost         func(datagram.SenderID)
	MessageDelivered func(record.Record)
	MessageSent      func(id uuid.UUID, success bool)
	AckReceived      func(originalMessageID string)
}

// Node owns every component handle exclusively; no other package reaches
// into the transport, peer table, or duplicate cache directly.
type Node struct {
	cfg       config.Config
	codec     *datagram.Codec
	dedupe    *dedupe.Cache
	peers     *peer.Table
	engine    *routing.Engine
	queue     *queue.Queue
	transport transport.Adapter
	store     *store.Store
	metrics   *metrics.Counters
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObsID int
}

// New wires the node's collaborators from cfg. adapter is the transport
// backend (a *transport.BLEAdapter for real hardware, a
// *transport.Simulator in tests); st may be nil, in which case the node
// runs without persistence (peer sightings and the forward queue are
// lost on restart).
func New(cfg config.Config, adapter transport.Adapter, st *store.Store, m *metrics.Counters, logger *slog.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	codec, err := datagram.NewCodec(cfg.NetworkKey)
	if err != nil {
		return nil, fmt.Errorf("build codec: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		codec:     codec,
		dedupe:    dedupe.New(),
		peers:     peer.New(),
		queue:     queue.New(),
		transport: adapter,
		store:     st,
		metrics:   m,
		logger:    logger,
		observers: make(map[int]Observer),
	}
	n.engine = routing.New(codec, n.dedupe, m, cfg.SelfID)
	return n, nil
}

// Start initializes the transport, registers the inbound handler, and
// starts the maintenance tickers (dedupe sweep, peer sweep, queue drain).
// There is no separate outbound task: sends run synchronously on the
// calling goroutine. A second call returns ErrAlreadyRunning without side
// effects.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	n.mu.Unlock()

	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}

	n.transport.Incoming(n.handleIncoming)
	if err := n.transport.Scan(n.handleScan); err != nil {
		n.logger.Warn("scan failed to start", "err", err)
	}
	if err := n.transport.Advertise(n.cfg.SelfID, uint8(1), datagram.ProtocolVersion); err != nil {
		n.logger.Warn("advertise failed to start", "err", err)
	}

	n.restoreQueue()

	n.mu.Lock()
	n.running = true
	n.stopCh = make(chan struct{})
	n.mu.Unlock()

	n.wg.Add(3)
	go n.runTicker(n.stopCh, dedupeSweepInterval, n.sweepDedupe)
	go n.runTicker(n.stopCh, peerSweepInterval, n.sweepPeers)
	go n.runTicker(n.stopCh, queueDrainInterval, n.drainQueue)

	n.logger.Info("node started", "self_id", hex.EncodeToString(n.cfg.SelfID[:]))
	return nil
}

// Stop halts the transport, cancels the maintenance tickers, and drops
// the peer table and queues. In-flight ACKs may be dropped.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNotRunning
	}
	n.running = false
	stopCh := n.stopCh
	n.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace * 4):
		n.logger.Warn("maintenance tasks did not stop within grace period")
	}

	if err := n.transport.Stop(); err != nil {
		n.logger.Warn("transport stop error", "err", err)
	}

	// Spec §4.7 stop(): "flush peer table and queues (ACKs in flight may
	// be dropped)".
	n.peers.Clear()
	n.queue.Clear()
	return nil
}

// restoreQueue reloads any forward-queue entries persisted by a prior
// process, so a restart does not forget in-flight store-and-forward
// traffic (SPEC_FULL §12 "persistence-backed restart"). A no-op when the
// node runs without a store collaborator.
func (n *Node) restoreQueue() {
	if n.store == nil {
		return
	}
	records, err := n.store.LoadForwardQueue()
	if err != nil {
		n.logger.Warn("failed to load persisted forward queue", "err", err)
		return
	}
	entries := make([]queue.RestoreEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, queue.RestoreEntry{
			Wire:        r.Bytes,
			Originated:  time.Unix(r.Expiry, 0).Add(-queue.Expiry),
			NextAttempt: time.Unix(r.NextAttempt, 0),
			Attempts:    r.RetryCount,
		})
	}
	n.queue.Restore(entries)
}

func (n *Node) runTicker(stop chan struct{}, interval time.Duration, fn func(now time.Time)) {
	defer n.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			fn(t)
		}
	}
}

func (n *Node) sweepDedupe(now time.Time) {
	n.dedupe.Sweep(now)
	n.metrics.SetDedupeSize(n.dedupe.Len())
	if n.store != nil {
		if err := n.store.PruneRoutingCache(now, dedupe.TTL); err != nil {
			n.logger.Warn("prune routing cache failed", "err", err)
		}
		if err := n.store.PruneMessages(now); err != nil {
			n.logger.Warn("prune messages failed", "err", err)
		}
		if err := n.store.PruneStatistics(now); err != nil {
			n.logger.Warn("prune statistics failed", "err", err)
		}
	}
}

func (n *Node) sweepPeers(now time.Time) {
	lost := n.peers.Sweep(now)
	count := n.peers.Count(now)
	n.metrics.SetPeerCount(count)
	for _, id := range lost {
		n.dispatchPeerLost(id)
	}
	if n.store != nil {
		if err := n.store.PrunePeers(now); err != nil {
			n.logger.Warn("prune peers failed", "err", err)
		}
		if err := n.store.RecordStatistic("peer_count", float64(count), now.Unix(), ""); err != nil {
			n.logger.Warn("record peer_count statistic failed", "err", err)
		}
	}
}

func (n *Node) drainQueue(now time.Time) {
	hasPeers := len(n.transport.ConnectedPeers()) > 0
	for _, d := range n.queue.Drain(now, hasPeers) {
		if n.transport.Broadcast(d.Wire) > 0 {
			n.queue.Ack(d.ID)
			n.metrics.IncQueueSent(true)
			n.deleteQueuePersistence(d.Wire)
		}
	}
	for _, wire := range n.queue.Sweep(now) {
		n.metrics.IncQueueSent(false)
		if d, _, err := n.codec.Decode(wire); err == nil {
			n.dispatchMessageSent(d.MessageID, false)
		}
		n.deleteQueuePersistence(wire)
	}
	depth := n.queue.Len()
	n.metrics.SetQueueDepth(depth)
	if n.store != nil {
		if err := n.store.RecordStatistic("queue_depth", float64(depth), now.Unix(), ""); err != nil {
			n.logger.Warn("record queue_depth statistic failed", "err", err)
		}
	}
}

// persistQueueEntry writes wire's queue entry to durable storage, keyed
// by its message id, so restoreQueue can recover it after a restart.
func (n *Node) persistQueueEntry(wire []byte, originated time.Time, now time.Time) {
	if n.store == nil {
		return
	}
	d, _, err := n.codec.Decode(wire)
	if err != nil {
		return
	}
	if err := n.store.PutForwardQueueEntry(store.ForwardQueueRecord{
		ID:          d.MessageID.String(),
		Bytes:       wire,
		RetryCount:  0,
		NextAttempt: now.Add(queue.RetryInterval).Unix(),
		Expiry:      originated.Add(queue.Expiry).Unix(),
		Priority:    recordPriority(d.Kind),
	}); err != nil {
		n.logger.Warn("persist forward queue entry failed", "err", err)
	}
}

func (n *Node) deleteQueuePersistence(wire []byte) {
	if n.store == nil {
		return
	}
	d, _, err := n.codec.Decode(wire)
	if err != nil {
		return
	}
	if err := n.store.DeleteForwardQueueEntry(d.MessageID.String()); err != nil {
		n.logger.Warn("delete forward queue entry failed", "err", err)
	}
}

// recordPriority mirrors the originator priority values routing.Engine
// assigns per kind (spec §4.4 "Originator protocol"), used only for the
// persisted forward_queue row's priority column.
func recordPriority(k datagram.Kind) int {
	switch k {
	case datagram.KindSOS:
		return routing.SOSPriority
	case datagram.KindAck:
		return routing.AckPriority
	default:
		return routing.DirectPriority
	}
}

// handleScan is invoked by the transport for every peer advertisement seen.
func (n *Node) handleScan(peerID datagram.SenderID, name string, rssi int, status uint8, version uint8) {
	now := time.Now()
	discovered := n.peers.Observe(peerID, name, rssi, peer.Status(status), version, now)
	if n.store != nil {
		_ = n.store.PutPeer(store.PeerRecord{
			ID: hex.EncodeToString(peerID[:]), RSSI: rssi, LastSeen: now.Unix(),
			Status: peer.Status(status).String(),
		})
	}
	if discovered {
		if p, ok := n.peers.Find(peerID, now); ok {
			n.dispatchPeerDiscovered(p)
		}
	}
}

// handleIncoming is invoked by the transport for every inbound datagram
// on any link. It runs the full decode + ingest pipeline and dispatches
// the resulting decision.
func (n *Node) handleIncoming(wire []byte) {
	d, err := n.codec.DecodeHeader(wire)
	if err != nil {
		n.recordDecodeFailure(err)
		return
	}
	now := time.Now()
	outcome := n.engine.Ingest(d, now)

	if n.store != nil && outcome.DupKey != "" {
		if err := n.store.PutRoutingCacheEntry(outcome.DupKey, now.Unix(), outcome.Decision.String()); err != nil {
			n.logger.Warn("persist routing cache entry failed", "err", err)
		}
	}

	delivered := outcome.Decision == routing.Deliver || outcome.Decision == routing.DeliverAndRelay
	if delivered {
		if outcome.Record.Kind == record.KindAck {
			n.dispatchAckReceived(outcome.Record.OriginalMessageID)
		} else {
			n.dispatchMessageDelivered(outcome.Record)
		}
	}
	if n.store != nil && delivered {
		n.persistDeliveredMessage(d, outcome, now)
	}
	if outcome.Ack != nil {
		n.sendOrEnqueue(outcome.Ack, d.Timestamp)
	}
	if outcome.RelayWire != nil {
		n.sendOrEnqueue(outcome.RelayWire, d.Timestamp)
	}
}

// persistDeliveredMessage writes a delivered datagram to the messages
// table (spec §6), so the durable store's message history reflects what
// this node has actually surfaced to the embedding application.
func (n *Node) persistDeliveredMessage(d datagram.Datagram, outcome routing.Outcome, now time.Time) {
	if err := n.store.PutMessage(store.MessageRecord{
		ID:             d.MessageID.String(),
		Kind:           string(outcome.Record.Kind),
		Peer:           hex.EncodeToString(d.SenderID[:]),
		Content:        outcome.Record.Content,
		Hops:           int(d.HopCount),
		CreatedAt:      int64(d.Timestamp),
		DeliveredAt:    int64Ptr(now.Unix()),
		DeliveryStatus: "delivered",
		SyncFlag:       false,
	}); err != nil {
		n.logger.Warn("persist delivered message failed", "err", err)
	}
}

func int64Ptr(v int64) *int64 { return &v }

func (n *Node) recordDecodeFailure(err error) {
	switch {
	case errors.Is(err, datagram.ErrBadChecksum):
		n.metrics.IncDrop(metrics.DropBadChecksum)
	case errors.Is(err, datagram.ErrUnknownKind):
		n.metrics.IncDrop(metrics.DropUnknownKind)
	case errors.Is(err, datagram.ErrLengthMismatch):
		n.metrics.IncDrop(metrics.DropLengthMismatch)
	case errors.Is(err, datagram.ErrDecryptFailed):
		n.metrics.IncDrop(metrics.DropDecryptFailed)
	case errors.Is(err, datagram.ErrMalformedHeader):
		n.metrics.IncDrop(metrics.DropMalformedHeader)
	default:
		n.metrics.IncDrop(metrics.DropMalformedHeader)
	}
}

// sendOrEnqueue broadcasts wire to every connected peer; if none are
// reachable, it falls back to the store-and-forward queue.
func (n *Node) sendOrEnqueue(wire []byte, originatedUnixSeconds uint32) {
	if n.transport.Broadcast(wire) > 0 {
		return
	}
	originated := time.Unix(int64(originatedUnixSeconds), 0)
	now := time.Now()
	if n.queue.Enqueue(wire, originated, now) {
		n.persistQueueEntry(wire, originated, now)
	}
}

// SendSOS originates and transmits an SOS broadcast, returning its
// message id for correlation with later callbacks.
func (n *Node) SendSOS(content string, loc record.Location, sosType string) (uuid.UUID, error) {
	if !n.isRunning() {
		return uuid.UUID{}, ErrNotRunning
	}
	now := time.Now()
	d, wire, err := n.engine.OriginateSOS(content, loc, sosType, now)
	if err != nil {
		return uuid.UUID{}, err
	}
	n.sendOrEnqueue(wire, d.Timestamp)
	return d.MessageID, nil
}

// SendDirect originates and transmits a direct message to recipientHex,
// the 12-character lowercase hex form of a 6-byte peer id.
func (n *Node) SendDirect(recipientHex, content string) (uuid.UUID, error) {
	if !n.isRunning() {
		return uuid.UUID{}, ErrNotRunning
	}
	if _, err := parseSenderIDHex(recipientHex); err != nil {
		return uuid.UUID{}, ErrUnknownRecipient
	}
	now := time.Now()
	d, wire, err := n.engine.OriginateDirect(recipientHex, content, now)
	if err != nil {
		return uuid.UUID{}, err
	}
	n.sendOrEnqueue(wire, d.Timestamp)
	return d.MessageID, nil
}

// Peers returns the currently live peer set.
func (n *Node) Peers() []peer.Peer {
	return n.peers.List(time.Now())
}

// Observe registers obs and returns a handle for Unobserve.
func (n *Node) Observe(obs Observer) int {
	n.obsMu.Lock()
	defer n.obsMu.Unlock()
	id := n.nextObsID
	n.nextObsID++
	n.observers[id] = obs
	return id
}

// Unobserve removes a previously registered observer.
func (n *Node) Unobserve(id int) {
	n.obsMu.Lock()
	defer n.obsMu.Unlock()
	delete(n.observers, id)
}

func (n *Node) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *Node) snapshotObservers() []Observer {
	n.obsMu.Lock()
	defer n.obsMu.Unlock()
	out := make([]Observer, 0, len(n.observers))
	for _, o := range n.observers {
		out = append(out, o)
	}
	return out
}

func (n *Node) dispatchPeerDiscovered(p peer.Peer) {
	for _, o := range n.snapshotObservers() {
		if o.PeerDiscovered != nil {
			o.PeerDiscovered(p)
		}
	}
}

func (n *Node) dispatchPeerLost(id datagram.SenderID) {
	for _, o := range n.snapshotObservers() {
		if o.PeerLost != nil {
			o.PeerLost(id)
		}
	}
}

func (n *Node) dispatchMessageDelivered(r record.Record) {
	for _, o := range n.snapshotObservers() {
		if o.MessageDelivered != nil {
			o.MessageDelivered(r)
		}
	}
}

func (n *Node) dispatchMessageSent(id uuid.UUID, success bool) {
	for _, o := range n.snapshotObservers() {
		if o.MessageSent != nil {
			o.MessageSent(id, success)
		}
	}
}

func (n *Node) dispatchAckReceived(originalMessageID string) {
	for _, o := range n.snapshotObservers() {
		if o.AckReceived != nil {
			o.AckReceived(originalMessageID)
		}
	}
}

func parseSenderIDHex(s string) (datagram.SenderID, error) {
	var id datagram.SenderID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return datagram.SenderID{}, fmt.Errorf("%w: %q", ErrUnknownRecipient, s)
	}
	copy(id[:], raw)
	return id, nil
}
