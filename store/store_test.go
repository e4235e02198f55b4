package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndPruneMessages(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	err := s.PutMessage(MessageRecord{
		ID: "m1", Kind: "sos", Peer: "aabbcc", Content: "help",
		CreatedAt: now.Add(-2 * MessageRetention).Unix(), DeliveryStatus: "delivered",
	})
	if err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	if err := s.PruneMessages(now); err != nil {
		t.Fatalf("PruneMessages: %v", err)
	}

	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM messages`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired message to be pruned, got %d rows", count)
	}
}

func TestForwardQueueRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	rec := ForwardQueueRecord{
		ID: "q1", Bytes: []byte{1, 2, 3}, RetryCount: 0,
		NextAttempt: now.Unix(), Expiry: now.Add(time.Hour).Unix(), Priority: 5,
	}
	if err := s.PutForwardQueueEntry(rec); err != nil {
		t.Fatalf("PutForwardQueueEntry: %v", err)
	}

	loaded, err := s.LoadForwardQueue()
	if err != nil {
		t.Fatalf("LoadForwardQueue: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "q1" {
		t.Fatalf("expected one loaded entry with id q1, got %+v", loaded)
	}

	if err := s.DeleteForwardQueueEntry("q1"); err != nil {
		t.Fatalf("DeleteForwardQueueEntry: %v", err)
	}
	loaded, err = s.LoadForwardQueue()
	if err != nil {
		t.Fatalf("LoadForwardQueue: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty queue after delete, got %d", len(loaded))
	}
}

func TestPeerUpsertAndPrune(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.PutPeer(PeerRecord{ID: "aabbcc", RSSI: -50, LastSeen: now.Unix(), Status: "active"}); err != nil {
		t.Fatalf("PutPeer: %v", err)
	}
	if err := s.PrunePeers(now.Add(PeerRetention + time.Hour)); err != nil {
		t.Fatalf("PrunePeers: %v", err)
	}

	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM peers`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected stale peer to be pruned, got %d rows", count)
	}
}

func TestStatisticsRetention(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.RecordStatistic("peers", 3, now.Add(-2*StatisticRetention).Unix(), ""); err != nil {
		t.Fatalf("RecordStatistic: %v", err)
	}
	if err := s.PruneStatistics(now); err != nil {
		t.Fatalf("PruneStatistics: %v", err)
	}

	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM statistics`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected old statistic to be pruned, got %d rows", count)
	}
}
