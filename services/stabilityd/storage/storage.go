package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	_ "github.com/glebarez/sqlite"
)

// Store backs the stability engine with a durable SQLite key/value table and
// keeps an audit trail of raw feed samples and published medians.
type Store struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("stabilityd storage path must be configured")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory initialises an ephemeral store for tests.
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (s *Store) KVPut(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
        INSERT INTO engine_state(key, value) VALUES(?, ?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value
    `, key, encoded)
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return reports key existence.
func (s *Store) KVGet(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("storage not configured")
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	var data []byte
	err := s.db.QueryRow(`SELECT value FROM engine_state WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get state: %w", err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list
// stored under the supplied key. Duplicate values are ignored to keep the
// index deterministic.
func (s *Store) KVAppend(key []byte, value []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()
	var data []byte
	err = tx.QueryRow(`SELECT value FROM engine_state WHERE key = ?`, key).Scan(&data)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read list: %w", err)
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return tx.Commit()
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
        INSERT INTO engine_state(key, value) VALUES(?, ?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value
    `, key, encoded); err != nil {
		return fmt.Errorf("write list: %w", err)
	}
	return tx.Commit()
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. A missing key
// initialises the destination with an empty slice.
func (s *Store) KVGetList(key []byte, out interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	var data []byte
	err := s.db.QueryRow(`SELECT value FROM engine_state WHERE key = ?`, key).Scan(&data)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read list: %w", err)
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// RecordSample persists a raw feed quote for auditability.
func (s *Store) RecordSample(ctx context.Context, symbol, source string, rate *big.Rat, observed, recorded time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	if rate == nil {
		return fmt.Errorf("sample missing rate")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(symbol, source, rate, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, normaliseSymbol(symbol), strings.ToLower(strings.TrimSpace(source)), rate.FloatString(18), observed.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// RecordSnapshot stores the aggregated median forwarded to the engine.
func (s *Store) RecordSnapshot(ctx context.Context, symbol, median string, feeders []string, priceWei *big.Int, observed time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	wei := "0"
	if priceWei != nil {
		wei = priceWei.String()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_snapshots(symbol, median_rate, feeders, price_wei, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, normaliseSymbol(symbol), strings.TrimSpace(median), strings.Join(feeders, ","), wei, observed.UTC().Unix(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Snapshot captures the latest published aggregate.
type Snapshot struct {
	MedianRate     string
	Feeders        []string
	PriceWei       string
	ObservedAtUnix int64
	RecordedAt     time.Time
}

// LatestSnapshot returns the most recent aggregated median for the symbol.
func (s *Store) LatestSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	result := Snapshot{}
	if s == nil || s.db == nil {
		return result, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT median_rate, feeders, price_wei, observed_at, recorded_at
        FROM oracle_snapshots
        WHERE symbol = ?
        ORDER BY id DESC
        LIMIT 1
    `, normaliseSymbol(symbol))
	var feeders string
	if err := row.Scan(&result.MedianRate, &feeders, &result.PriceWei, &result.ObservedAtUnix, &result.RecordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, fmt.Errorf("snapshot not found")
		}
		return result, fmt.Errorf("query snapshot: %w", err)
	}
	if feeders != "" {
		result.Feeders = strings.Split(feeders, ",")
	}
	return result, nil
}

// PruneSamples removes feed samples observed before the cutoff.
func (s *Store) PruneSamples(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM oracle_samples WHERE observed_at < ?
    `, cutoff.UTC().Unix()); err != nil {
		return fmt.Errorf("prune samples: %w", err)
	}
	return nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

const schema = `
CREATE TABLE IF NOT EXISTS engine_state (
    key BLOB PRIMARY KEY,
    value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    source TEXT NOT NULL,
    rate TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_symbol_ts ON oracle_samples(symbol, observed_at);

CREATE TABLE IF NOT EXISTS oracle_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    median_rate TEXT NOT NULL,
    feeders TEXT NOT NULL,
    price_wei TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_snapshots_symbol_ts ON oracle_snapshots(symbol, observed_at);
`
