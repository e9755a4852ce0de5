package cache

import "github.com/book-expert/speech-forge/internal/core"

// NoopStore never hits and drops every write. The cache is an
// optimization, not a correctness dependency, so a no-op store is a
// valid substitute anywhere a real one is wired.
type NoopStore struct{}

// NewNoopStore creates a no-op store.
func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

// Get implements core.CacheStore.
func (*NoopStore) Get(string) ([]core.Audio, bool, error) {
	return nil, false, nil
}

// Set implements core.CacheStore.
func (*NoopStore) Set(string, []core.Audio) error {
	return nil
}
