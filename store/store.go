// Package store implements the durable persistence collaborator:
// messages, peers, routing cache, forward queue, and statistics, backed
// by an embedded SQLite database via sqlx and mattn/go-sqlite3.
package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Retention windows (spec §6).
const (
	MessageRetention   = 30 * 24 * time.Hour
	PeerRetention      = 7 * 24 * time.Hour
	StatisticRetention = 90 * 24 * time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	kind                TEXT NOT NULL,
	peer                TEXT NOT NULL,
	content             TEXT,
	hops                INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	delivered_at        INTEGER,
	delivery_status     TEXT NOT NULL DEFAULT 'pending',
	sync_flag           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS peers (
	id         TEXT PRIMARY KEY,
	rssi       INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	status     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS routing_cache (
	hash       TEXT PRIMARY KEY,
	seen_at    INTEGER NOT NULL,
	action     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS forward_queue (
	id            TEXT PRIMARY KEY,
	bytes         BLOB NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	next_attempt  INTEGER NOT NULL,
	expiry        INTEGER NOT NULL,
	priority      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS statistics (
	kind       TEXT NOT NULL,
	value      REAL NOT NULL,
	ts         INTEGER NOT NULL,
	metadata   TEXT
);
`

// Store wraps a sqlx database handle and the five tables described in
// spec §6.
type Store struct {
	db *sqlx.DB
}

// Open creates (or reuses) a SQLite database at path and ensures its schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// MessageRecord mirrors one row of the messages table.
type MessageRecord struct {
	ID             string `db:"id"`
	Kind           string `db:"kind"`
	Peer           string `db:"peer"`
	Content        string `db:"content"`
	Hops           int    `db:"hops"`
	CreatedAt      int64  `db:"created_at"`
	DeliveredAt    *int64 `db:"delivered_at"`
	DeliveryStatus string `db:"delivery_status"`
	SyncFlag       bool   `db:"sync_flag"`
}

// PutMessage inserts or replaces a message record.
func (s *Store) PutMessage(m MessageRecord) error {
	_, err := s.db.NamedExec(`
		INSERT OR REPLACE INTO messages (id, kind, peer, content, hops, created_at, delivered_at, delivery_status, sync_flag)
		VALUES (:id, :kind, :peer, :content, :hops, :created_at, :delivered_at, :delivery_status, :sync_flag)
	`, m)
	if err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

// PruneMessages removes messages created before now minus MessageRetention.
func (s *Store) PruneMessages(now time.Time) error {
	cutoff := now.Add(-MessageRetention).Unix()
	_, err := s.db.Exec(`DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	return nil
}

// PeerRecord mirrors one row of the peers table.
type PeerRecord struct {
	ID       string `db:"id"`
	RSSI     int    `db:"rssi"`
	LastSeen int64  `db:"last_seen"`
	Status   string `db:"status"`
}

// PutPeer upserts a peer sighting.
func (s *Store) PutPeer(p PeerRecord) error {
	_, err := s.db.NamedExec(`
		INSERT OR REPLACE INTO peers (id, rssi, last_seen, status)
		VALUES (:id, :rssi, :last_seen, :status)
	`, p)
	if err != nil {
		return fmt.Errorf("put peer: %w", err)
	}
	return nil
}

// PrunePeers removes peers whose last contact predates now minus PeerRetention.
func (s *Store) PrunePeers(now time.Time) error {
	cutoff := now.Add(-PeerRetention).Unix()
	_, err := s.db.Exec(`DELETE FROM peers WHERE last_seen < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune peers: %w", err)
	}
	return nil
}

// PutRoutingCacheEntry records a routing decision against the duplicate
// digest hash. The rows are written and pruned but never read back, so
// they do not repopulate the duplicate cache after a restart.
func (s *Store) PutRoutingCacheEntry(hash string, seenAt int64, action string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO routing_cache (hash, seen_at, action) VALUES (?, ?, ?)
	`, hash, seenAt, action)
	if err != nil {
		return fmt.Errorf("put routing cache entry: %w", err)
	}
	return nil
}

// PruneRoutingCache removes entries older than ttl as of now.
func (s *Store) PruneRoutingCache(now time.Time, ttl time.Duration) error {
	cutoff := now.Add(-ttl).Unix()
	_, err := s.db.Exec(`DELETE FROM routing_cache WHERE seen_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune routing cache: %w", err)
	}
	return nil
}

// ForwardQueueRecord mirrors one row of the forward_queue table.
type ForwardQueueRecord struct {
	ID          string `db:"id"`
	Bytes       []byte `db:"bytes"`
	RetryCount  int    `db:"retry_count"`
	NextAttempt int64  `db:"next_attempt"`
	Expiry      int64  `db:"expiry"`
	Priority    int    `db:"priority"`
}

// PutForwardQueueEntry persists a buffered outbound datagram so the
// queue survives a process restart while peers remain unreachable.
func (s *Store) PutForwardQueueEntry(r ForwardQueueRecord) error {
	_, err := s.db.NamedExec(`
		INSERT OR REPLACE INTO forward_queue (id, bytes, retry_count, next_attempt, expiry, priority)
		VALUES (:id, :bytes, :retry_count, :next_attempt, :expiry, :priority)
	`, r)
	if err != nil {
		return fmt.Errorf("put forward queue entry: %w", err)
	}
	return nil
}

// DeleteForwardQueueEntry removes a queue entry by id, once it is
// delivered, over-retried, or expired.
func (s *Store) DeleteForwardQueueEntry(id string) error {
	_, err := s.db.Exec(`DELETE FROM forward_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete forward queue entry: %w", err)
	}
	return nil
}

// LoadForwardQueue returns every persisted queue entry, used to
// reconstruct the in-memory queue.Queue at start.
func (s *Store) LoadForwardQueue() ([]ForwardQueueRecord, error) {
	var out []ForwardQueueRecord
	if err := s.db.Select(&out, `SELECT id, bytes, retry_count, next_attempt, expiry, priority FROM forward_queue`); err != nil {
		return nil, fmt.Errorf("load forward queue: %w", err)
	}
	return out, nil
}

// RecordStatistic appends one statistics sample.
func (s *Store) RecordStatistic(kind string, value float64, ts int64, metadata string) error {
	_, err := s.db.Exec(`INSERT INTO statistics (kind, value, ts, metadata) VALUES (?, ?, ?, ?)`, kind, value, ts, metadata)
	if err != nil {
		return fmt.Errorf("record statistic: %w", err)
	}
	return nil
}

// PruneStatistics removes samples older than now minus StatisticRetention.
func (s *Store) PruneStatistics(now time.Time) error {
	cutoff := now.Add(-StatisticRetention).Unix()
	_, err := s.db.Exec(`DELETE FROM statistics WHERE ts < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune statistics: %w", err)
	}
	return nil
}
