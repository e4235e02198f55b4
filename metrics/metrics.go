// Package metrics exposes the node's Prometheus instrumentation: per-kind
// drop counters on the ingest path, and gauges for peer count and queue
// depth, mirroring the collaborator interfaces described for persistence
// and observability.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// DropReason labels why a datagram never reached Deliver or Relay.
type DropReason string

const (
	DropBadChecksum     DropReason = "bad_checksum"
	DropStaleTimestamp  DropReason = "stale_timestamp"
	DropDuplicate       DropReason = "duplicate"
	DropDecryptFailed   DropReason = "decrypt_failed"
	DropMalformedRecord DropReason = "malformed_record"
	DropTTLExhausted    DropReason = "ttl_exhausted"
	DropUnknownKind     DropReason = "unknown_kind"
	DropMalformedHeader DropReason = "malformed_header"
	DropLengthMismatch  DropReason = "length_mismatch"
)

// Counters groups the node's instrumentation. A nil *Counters is valid
// and turns every method into a no-op, so components can be exercised in
// tests without a registry.
type Counters struct {
	drops      *prometheus.CounterVec
	delivered  prometheus.Counter
	relayed    prometheus.Counter
	queueSent  *prometheus.CounterVec
	peerCount  prometheus.Gauge
	queueDepth prometheus.Gauge
	dedupeSize prometheus.Gauge
}

// NewCounters registers the node's metrics against reg and returns the
// handle used to update them. Pass prometheus.NewRegistry() in tests to
// avoid colliding with the default global registry.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnode",
			Name:      "ingest_drops_total",
			Help:      "Datagrams dropped during ingest, by reason.",
		}, []string{"reason"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshnode",
			Name:      "delivered_total",
			Help:      "Datagrams delivered to the local application.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshnode",
			Name:      "relayed_total",
			Help:      "Datagrams forwarded to other peers.",
		}),
		queueSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnode",
			Name:      "queue_sent_total",
			Help:      "Store-and-forward queue entries resolved, by outcome.",
		}, []string{"outcome"}),
		peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Name:      "peers",
			Help:      "Number of peers currently within the liveness window.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Name:      "queue_depth",
			Help:      "Number of datagrams currently buffered in the store-and-forward queue.",
		}),
		dedupeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Name:      "dedupe_cache_size",
			Help:      "Number of entries currently tracked by the duplicate cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.drops, c.delivered, c.relayed, c.queueSent, c.peerCount, c.queueDepth, c.dedupeSize)
	}
	return c
}

func (c *Counters) IncDrop(reason DropReason) {
	if c == nil {
		return
	}
	c.drops.WithLabelValues(string(reason)).Inc()
}

func (c *Counters) IncDelivered() {
	if c == nil {
		return
	}
	c.delivered.Inc()
}

func (c *Counters) IncRelayed() {
	if c == nil {
		return
	}
	c.relayed.Inc()
}

func (c *Counters) IncQueueSent(success bool) {
	if c == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.queueSent.WithLabelValues(outcome).Inc()
}

func (c *Counters) SetPeerCount(n int) {
	if c == nil {
		return
	}
	c.peerCount.Set(float64(n))
}

func (c *Counters) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Counters) SetDedupeSize(n int) {
	if c == nil {
		return
	}
	c.dedupeSize.Set(float64(n))
}
