// Package infer adapts a loadable neural TTS model behind a batch and
// streaming generation interface.
package infer

import (
	"context"
	"errors"
	"sync"

	"github.com/book-expert/speech-forge/internal/core"
	"github.com/book-expert/speech-forge/internal/seedctx"
)

// Static errors.
var (
	// ErrNotLoaded is returned when Unload is called on a handle that is
	// not in the loaded state.
	ErrNotLoaded = errors.New("model handle is not loaded")
	// ErrLoadFailed wraps a failure to bring the model up.
	ErrLoadFailed = errors.New("model load failed")
	// ErrInterrupted is reported by a stream that was stopped before the
	// underlying generation finished.
	ErrInterrupted = errors.New("generation interrupted")
)

// Request carries one batch through the backend. All segments in the
// batch share these parameters; only Texts varies per segment.
type Request struct {
	Texts []string

	// SpeakerEmbedding conditions the voice directly. It is ignored when
	// RefAudio is present: a sampled reference wins over an embedding.
	SpeakerEmbedding []float32
	// RefAudio is a mono reference waveform already resampled to the
	// backend's expected rate, with RefTranscript as its transcript.
	RefAudio      []float32
	RefTranscript string

	Params  core.SamplingParams
	Prompt1 string
	Prompt2 string
	Prefix  string

	// ChunkSize is the streaming granularity in backend decode steps.
	ChunkSize int

	// Scope is the seed scope the generation runs under.
	Scope *seedctx.Scope
}

// Result is the generated audio for one segment. Channels holds one or
// more audio channels; callers use the primary channel and discard the
// rest. A nil Channels marks a failed segment.
type Result struct {
	Channels [][]float32
}

// Failed reports whether generation for this segment's slot failed.
func (r Result) Failed() bool {
	return r.Channels == nil
}

// Primary returns the first channel, or nil for a failed slot.
func (r Result) Primary() []float32 {
	if len(r.Channels) == 0 {
		return nil
	}

	return r.Channels[0]
}

// Handle represents one loaded model instance. A handle is created in
// the not-loaded state, loaded lazily, and may be unloaded and loaded
// again. At most one load attempt is active per handle.
type Handle struct {
	modelID string

	mu     sync.Mutex
	loaded bool
}

// ModelID identifies the model behind this handle.
func (h *Handle) ModelID() string {
	return h.modelID
}

// Loaded reports whether the handle currently holds a live model.
func (h *Handle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.loaded
}

// Backend is the inference adapter contract. Generate and
// GenerateStream must not run concurrently on the same handle; callers
// serialize generations, typically with a single-worker queue.
type Backend interface {
	// ID identifies the backend's model. It participates in cache keys.
	ID() string

	// Load brings the model up, or returns the already-loaded handle.
	Load(ctx context.Context) (*Handle, error)

	// Unload releases a loaded handle. It must not be called while a
	// generation is in flight on that handle.
	Unload(handle *Handle) error

	// Encode and Decode expose the backend tokenizer for callers that
	// need token counts; they are not on the generation hot path.
	Encode(text string) ([]int, error)
	Decode(tokens []int) (string, error)

	// Generate synthesizes one batch and blocks until every segment has
	// either finished or failed. The result slice always has one entry
	// per input text; failed slots carry a nil-channel Result.
	Generate(ctx context.Context, handle *Handle, req Request) ([]Result, error)

	// GenerateStream starts an incremental generation. The returned
	// stream is the only way to consume or stop it; a stream cannot be
	// rewound, only replaced by a new call.
	GenerateStream(ctx context.Context, handle *Handle, req Request) (*Stream, error)

	// Interrupt signals the active generation, if any, to stop as soon
	// as possible. Best effort: audio already produced is retained.
	// Calling it with nothing in flight is a no-op.
	Interrupt()
}

// Stream is a lazily produced sequence of partial-audio batches. Each
// batch received from Chunks holds the newly generated audio per
// segment index since the previous one: a nil-channel Result marks a
// failed segment, an empty primary channel carries no new audio for
// that segment in this batch. Completion is signaled by the channel
// closing, not per segment.
type Stream struct {
	chunks chan []Result

	interruptOnce sync.Once
	cancel        context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		chunks: make(chan []Result),
		cancel: cancel,
	}
}

// Chunks returns the batch channel. It is closed once the generation is
// exhausted, failed, or interrupted.
func (s *Stream) Chunks() <-chan []Result {
	return s.chunks
}

// Interrupt stops the stream: no further internal generation steps run,
// and the chunk channel closes after at most the batch currently being
// produced. Safe to call more than once.
func (s *Stream) Interrupt() {
	s.interruptOnce.Do(func() {
		s.setErr(ErrInterrupted)
		s.cancel()
	})
}

// Err reports why the stream ended early. It is nil after a clean
// exhaustion and ErrInterrupted after Interrupt. Only meaningful once
// Chunks is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
}
