package cache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/book-expert/speech-forge/internal/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audio_cache (
    key TEXT PRIMARY KEY,
    payload BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// ErrPathEmpty is returned when the sqlite store is created without a path.
var ErrPathEmpty = errors.New("sqlite cache path cannot be empty")

// SQLiteStore is a persistent cache store. Values are gob-encoded audio
// batches; writes are idempotent upserts, matching the cache contract
// that re-running a key may only overwrite it with an equivalent value.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the cache database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, ErrPathEmpty
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
	}

	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping sqlite cache: %w", pingErr)
	}

	if _, execErr := db.ExecContext(ctx, sqliteSchema); execErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to initialize cache schema: %w", execErr)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements core.CacheStore. Undecodable payloads are reported as
// errors; the pipeline treats any store error as a miss.
func (s *SQLiteStore) Get(key string) ([]core.Audio, bool, error) {
	var payload []byte

	row := s.db.QueryRow(`SELECT payload FROM audio_cache WHERE key = ?`, key)

	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var value []core.Audio

	decoder := gob.NewDecoder(bytes.NewReader(payload))
	if decodeErr := decoder.Decode(&value); decodeErr != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", decodeErr)
	}

	return value, true, nil
}

// Set implements core.CacheStore.
func (s *SQLiteStore) Set(key string, value []core.Audio) error {
	var payload bytes.Buffer

	encoder := gob.NewEncoder(&payload)
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT INTO audio_cache (key, payload, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload`,
		key, payload.Bytes(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	return nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close sqlite cache: %w", err)
	}

	return nil
}
