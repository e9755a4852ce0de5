// Package speaker holds voice conditioning data: named speakers with an
// optional embedding and emotion-tagged reference recordings, loadable
// from JSON documents in the object store.
package speaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/book-expert/speech-forge/internal/core"
)

// Static errors.
var (
	// ErrInvalidSpeakerFile is returned for speaker documents that do
	// not parse or fail validation. It is a precondition error: the
	// caller supplied an unusable file, nothing is retried.
	ErrInvalidSpeakerFile = errors.New("invalid speaker file")
	// ErrSpeakerIDEmpty is returned for speaker documents without an id.
	ErrSpeakerIDEmpty = errors.New("speaker id cannot be empty")
)

// Ref is one emotion-tagged reference recording.
type Ref struct {
	Emotion    string    `json:"emotion"`
	SampleRate int       `json:"sample_rate"`
	Samples    []float32 `json:"samples"`
	Transcript string    `json:"transcript"`
}

// Speaker implements core.Speaker.
type Speaker struct {
	SpeakerID string    `json:"id"`
	Name      string    `json:"name"`
	Gender    string    `json:"gender"`
	Describe  string    `json:"describe,omitempty"`
	Emb       []float32 `json:"embedding,omitempty"`
	Refs      []Ref     `json:"refs,omitempty"`
}

// ID implements core.Speaker.
func (s *Speaker) ID() string {
	return s.SpeakerID
}

// Embedding implements core.Speaker.
func (s *Speaker) Embedding() []float32 {
	return s.Emb
}

// GetRef implements core.Speaker: it returns the first reference the
// predicate accepts, or nil when none matches.
func (s *Speaker) GetRef(match func(core.SpeakerRef) bool) *core.SpeakerRef {
	for _, ref := range s.Refs {
		candidate := core.SpeakerRef{
			Emotion:    ref.Emotion,
			SampleRate: ref.SampleRate,
			Samples:    ref.Samples,
			Transcript: ref.Transcript,
		}

		if match(candidate) {
			return &candidate
		}
	}

	return nil
}

// FromJSON parses and validates a speaker document.
func FromJSON(data []byte) (*Speaker, error) {
	var spk Speaker

	if err := json.Unmarshal(data, &spk); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpeakerFile, err)
	}

	if spk.SpeakerID == "" {
		return nil, ErrSpeakerIDEmpty
	}

	for i, ref := range spk.Refs {
		if ref.SampleRate <= 0 || len(ref.Samples) == 0 {
			return nil, fmt.Errorf("%w: ref %d has no usable audio", ErrInvalidSpeakerFile, i)
		}
	}

	return &spk, nil
}

// ToJSON serializes a speaker document.
func (s *Speaker) ToJSON() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speaker: %w", err)
	}

	return data, nil
}

// Store resolves speakers from an object store by key.
type Store struct {
	objects core.ObjectStore
}

// NewStore creates a store over the given object store.
func NewStore(objects core.ObjectStore) *Store {
	return &Store{objects: objects}
}

// Load implements core.SpeakerProvider.
func (s *Store) Load(ctx context.Context, key string) (core.Speaker, error) {
	data, err := s.objects.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to download speaker '%s': %w", key, err)
	}

	spk, err := FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("speaker '%s': %w", key, err)
	}

	return spk, nil
}

// Registry is an in-memory speaker provider, used by tests and the
// development mode of the service.
type Registry struct {
	speakers map[string]*Speaker
}

// NewRegistry creates a registry holding the given speakers.
func NewRegistry(speakers ...*Speaker) *Registry {
	byID := make(map[string]*Speaker, len(speakers))
	for _, spk := range speakers {
		byID[spk.SpeakerID] = spk
	}

	return &Registry{speakers: byID}
}

// Load implements core.SpeakerProvider.
func (r *Registry) Load(_ context.Context, key string) (core.Speaker, error) {
	spk, ok := r.speakers[key]
	if !ok {
		return nil, fmt.Errorf("%w: unknown speaker '%s'", ErrInvalidSpeakerFile, key)
	}

	return spk, nil
}
