// Package core defines the domain types and interfaces shared across the
// speech-forge pipeline.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// CacheStore is a content-addressed store for generated audio batches.
// Implementations are pure memoizers: a lookup never has side effects
// beyond its own bookkeeping, and a failing store is treated by callers
// exactly like an always-missing one.
type CacheStore interface {
	Get(key string) ([]Audio, bool, error)
	Set(key string, value []Audio) error
}

// SpeakerRef is one emotion-tagged reference recording of a speaker:
// a waveform plus its transcript, used to condition generation on a voice.
type SpeakerRef struct {
	Emotion    string
	SampleRate int
	Samples    []float32
	Transcript string
}

// Speaker is the conditioning data for a voice. A speaker exposes an
// optional embedding and a predicate lookup over its reference recordings.
type Speaker interface {
	ID() string
	Embedding() []float32
	GetRef(match func(SpeakerRef) bool) *SpeakerRef
}

// SpeakerProvider resolves a speaker by key.
type SpeakerProvider interface {
	Load(ctx context.Context, key string) (Speaker, error)
}
