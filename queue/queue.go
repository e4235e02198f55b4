// Package queue implements the store-and-forward buffer: outbound
// datagrams that found no reachable peer at send time, retried on a
// fixed interval until delivered for transmission, over-retried, or
// expired.
package queue

import (
	"sync"
	"time"
)

// Scheduling constants.
const (
	RetryInterval = 30 * time.Second
	MaxAttempts   = 20
	Expiry        = 1 * time.Hour
)

// entry is one buffered outbound datagram.
type entry struct {
	id          int
	wire        []byte
	originated  time.Time
	attempts    int
	nextAttempt time.Time
}

// Queue is the store-and-forward buffer. The maintenance ticker drains
// and sweeps it, while the node's send and inbound paths enqueue into it
// and Stop clears it, so every operation holds the mutex.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	nextID  int
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue buffers wire, a fully encoded datagram, for later retry. It is
// rejected if originated (the datagram's own timestamp) is already
// older than the expiry window as of now.
func (q *Queue) Enqueue(wire []byte, originated time.Time, now time.Time) bool {
	if now.Sub(originated) >= Expiry {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.entries = append(q.entries, &entry{
		id:          id,
		wire:        append([]byte(nil), wire...),
		originated:  originated,
		attempts:    0,
		nextAttempt: now.Add(RetryInterval),
	})
	return true
}

// Drained is one entry handed back by Drain: its queue-internal id (for
// a later Ack) and its encoded bytes.
type Drained struct {
	ID   int
	Wire []byte
}

// Drain returns the encoded datagrams ready to be (re-)sent as of now. If
// hasPeers is false, it returns nothing and leaves every entry's
// schedule untouched: an empty radio neighborhood never burns an
// attempt. Each entry returned has its attempt counter incremented and
// its next-attempt deadline bumped, so a send the caller fails to Ack
// (peers present at check time but the write itself failed) still gets
// retried on the next pass. An entry handed to the transport
// successfully is removed via Ack, matching the data model's "destroyed
// when delivered for transmission (peers present)" (spec §3, §8
// scenario 3: "X removes the entry from the queue").
func (q *Queue) Drain(now time.Time, hasPeers bool) []Drained {
	if !hasPeers {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Drained
	for _, e := range q.entries {
		if now.Before(e.nextAttempt) {
			continue
		}
		out = append(out, Drained{ID: e.id, Wire: append([]byte(nil), e.wire...)})
		e.attempts++
		e.nextAttempt = now.Add(RetryInterval)
	}
	return out
}

// Ack removes the entry identified by id, called once the transport
// reports the drained datagram was actually handed off to at least one
// peer. A no-op if the id is unknown (already swept or acked).
func (q *Queue) Ack(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Sweep removes entries whose attempt counter has reached MaxAttempts or
// whose original datagram has aged past Expiry. It returns the wire
// bytes of every entry removed for being over-retried or expired, so the
// caller can fire message_sent(id, success=false) exactly once per entry.
func (q *Queue) Sweep(now time.Time) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped [][]byte
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.attempts >= MaxAttempts || now.Sub(e.originated) >= Expiry {
			dropped = append(dropped, e.wire)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return dropped
}

// Len reports the number of entries currently buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops every buffered entry unconditionally. Used on controller
// shutdown (spec §4.7 stop(): "flush peer table and queues").
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// RestoreEntry is one previously persisted queue entry, reloaded at
// startup from the durable store collaborator (spec §6).
type RestoreEntry struct {
	Wire        []byte
	Originated  time.Time
	NextAttempt time.Time
	Attempts    int
}

// Restore repopulates the queue from entries recovered from durable
// storage, preserving their attempt counts and retry schedules so a
// process restart does not reset backoff or forget in-flight traffic.
func (q *Queue) Restore(entries []RestoreEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range entries {
		id := q.nextID
		q.nextID++
		q.entries = append(q.entries, &entry{
			id:          id,
			wire:        append([]byte(nil), r.Wire...),
			originated:  r.Originated,
			attempts:    r.Attempts,
			nextAttempt: r.NextAttempt,
		})
	}
}
