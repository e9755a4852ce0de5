package cache

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/book-expert/speech-forge/internal/core"
)

// DefaultMemoryEntries bounds the in-memory store when no capacity is
// configured.
const DefaultMemoryEntries = 256

// ErrCapacityInvalid is returned for a non-positive capacity.
var ErrCapacityInvalid = errors.New("cache capacity must be positive")

// MemoryStore is an LRU-bounded in-memory cache store. Entries are
// written once per key and only ever overwritten with an equivalent
// value, so eviction is the only way audio leaves the store.
type MemoryStore struct {
	entries *lru.Cache[string, []core.Audio]
}

// NewMemoryStore creates a memory store holding at most capacity
// batches.
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	if capacity <= 0 {
		return nil, ErrCapacityInvalid
	}

	entries, err := lru.New[string, []core.Audio](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}

	return &MemoryStore{entries: entries}, nil
}

// Get implements core.CacheStore.
func (m *MemoryStore) Get(key string) ([]core.Audio, bool, error) {
	value, ok := m.entries.Get(key)

	return value, ok, nil
}

// Set implements core.CacheStore.
func (m *MemoryStore) Set(key string, value []core.Audio) error {
	m.entries.Add(key, value)

	return nil
}
