package infer

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Mock synthesis shape.
const (
	mockSampleRate     = 24000
	mockSamplesPerRune = 480
	mockChunkHop       = 256
	defaultChunkSize   = 4
)

// MockBackend is a deterministic in-process backend. It synthesizes a
// seeded pseudo-waveform per input text, which makes it useful both as
// a development stand-in when no model binary is configured and as a
// test double for the pipeline.
type MockBackend struct {
	id string

	// FailOn, when set, marks every text it matches as a failed slot
	// instead of producing audio.
	FailOn func(text string) bool

	mu     sync.Mutex
	handle *Handle

	activeStream atomic.Pointer[Stream]
	activeCancel atomic.Pointer[context.CancelFunc]
}

// NewMockBackend creates a mock backend identified by id.
func NewMockBackend(id string) *MockBackend {
	return &MockBackend{id: id}
}

// ID implements Backend.
func (m *MockBackend) ID() string {
	return m.id
}

// Load implements Backend. The mock has no weights to bring up, but it
// keeps the full handle lifecycle so callers exercise the real one.
func (m *MockBackend) Load(_ context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		m.handle = &Handle{modelID: m.id}
	}

	m.handle.mu.Lock()
	m.handle.loaded = true
	m.handle.mu.Unlock()

	return m.handle, nil
}

// Unload implements Backend.
func (m *MockBackend) Unload(handle *Handle) error {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if !handle.loaded {
		return ErrNotLoaded
	}

	handle.loaded = false

	return nil
}

// Encode implements Backend with a rune-level tokenizer.
func (m *MockBackend) Encode(text string) ([]int, error) {
	runes := []rune(text)
	tokens := make([]int, len(runes))

	for i, r := range runes {
		tokens[i] = int(r)
	}

	return tokens, nil
}

// Decode implements Backend.
func (m *MockBackend) Decode(tokens []int) (string, error) {
	runes := make([]rune, len(tokens))
	for i, tok := range tokens {
		runes[i] = rune(tok)
	}

	return string(runes), nil
}

// Generate implements Backend.
func (m *MockBackend) Generate(ctx context.Context, _ *Handle, req Request) ([]Result, error) {
	generateCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.activeCancel.Store(&cancel)
	defer m.activeCancel.Store(nil)

	return m.synthesizeBatch(generateCtx, req)
}

// GenerateStream implements Backend. The full batch is synthesized
// deterministically up front and then released in chunk-sized slices,
// so streamed audio concatenates to exactly the non-streaming result.
func (m *MockBackend) GenerateStream(ctx context.Context, _ *Handle, req Request) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	results, err := m.synthesizeBatch(streamCtx, req)
	if err != nil {
		cancel()

		return nil, err
	}

	stream := newStream(cancel)
	m.activeStream.Store(stream)

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	go m.pump(streamCtx, stream, results, chunkSize*mockChunkHop)

	return stream, nil
}

// Interrupt implements Backend. An active stream is stopped through its
// own token so its Err reports ErrInterrupted; a blocking Generate is
// cancelled directly.
func (m *MockBackend) Interrupt() {
	if stream := m.activeStream.Load(); stream != nil {
		stream.Interrupt()

		return
	}

	if cancel := m.activeCancel.Load(); cancel != nil {
		(*cancel)()
	}
}

func (m *MockBackend) pump(ctx context.Context, stream *Stream, results []Result, chunkSamples int) {
	defer close(stream.chunks)
	defer m.activeStream.Store(nil)

	for step := 0; ; step++ {
		batch := make([]Result, len(results))
		produced := false

		for i, res := range results {
			if res.Failed() {
				batch[i] = Result{Channels: nil}

				continue
			}

			wave := res.Primary()
			lo := step * chunkSamples
			hi := min(lo+chunkSamples, len(wave))

			if lo >= len(wave) {
				// Empty chunk: nothing new for this segment.
				batch[i] = Result{Channels: [][]float32{{}}}

				continue
			}

			batch[i] = Result{Channels: [][]float32{wave[lo:hi]}}
			produced = true
		}

		if !produced && step > 0 {
			return
		}

		select {
		case stream.chunks <- batch:
		case <-ctx.Done():
			// Generation stopped before the batch was exhausted; the
			// stream must not look cleanly finished.
			stream.setErr(ErrInterrupted)

			return
		}
	}
}

func (m *MockBackend) synthesizeBatch(ctx context.Context, req Request) ([]Result, error) {
	results := make([]Result, len(req.Texts))

	err := req.Scope.Run(func(rng *rand.Rand) error {
		for i, text := range req.Texts {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if m.FailOn != nil && m.FailOn(text) {
				results[i] = Result{Channels: nil}

				continue
			}

			results[i] = Result{Channels: [][]float32{m.synthesize(rng, text, req)}}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// synthesize renders a seeded pseudo-waveform whose length tracks the
// text length and whose content depends on the full request, so
// distinct prompts or references produce distinct audio.
func (m *MockBackend) synthesize(rng *rand.Rand, text string, req Request) []float32 {
	runeCount := len([]rune(text))
	if runeCount == 0 {
		runeCount = 1
	}

	baseFreq := 80.0 + rng.Float64()*400.0
	phase := rng.Float64() * 2 * math.Pi
	gain := 0.3 + rng.Float64()*0.4

	// Conditioning nudges the waveform without changing its length.
	baseFreq += float64(len(req.RefAudio)%97) + float64(len(req.SpeakerEmbedding)%53)

	samples := make([]float32, runeCount*mockSamplesPerRune)
	for i := range samples {
		t := float64(i) / float64(mockSampleRate)
		s := gain * math.Sin(2*math.Pi*baseFreq*t+phase)
		s += 0.05 * (rng.Float64()*2 - 1)
		samples[i] = float32(s)
	}

	return samples
}
