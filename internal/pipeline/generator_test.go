package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/speech-forge/internal/cache"
	"github.com/book-expert/speech-forge/internal/core"
	"github.com/book-expert/speech-forge/internal/infer"
	"github.com/book-expert/speech-forge/internal/pipeline"
	"github.com/book-expert/speech-forge/internal/speaker"
)

// countingBackend wraps the mock backend and records how often the
// generation entry points are hit, so tests can tell cache hits from
// fresh inference.
type countingBackend struct {
	*infer.MockBackend

	mu              sync.Mutex
	loadCalls       int
	generateCalls   int
	streamCalls     int
	lastRequest     infer.Request
	haveLastRequest bool
}

func newCountingBackend(id string) *countingBackend {
	return &countingBackend{MockBackend: infer.NewMockBackend(id)}
}

func (c *countingBackend) Load(ctx context.Context) (*infer.Handle, error) {
	c.mu.Lock()
	c.loadCalls++
	c.mu.Unlock()

	return c.MockBackend.Load(ctx)
}

func (c *countingBackend) Generate(ctx context.Context, handle *infer.Handle, req infer.Request) ([]infer.Result, error) {
	c.mu.Lock()
	c.generateCalls++
	c.lastRequest = req
	c.haveLastRequest = true
	c.mu.Unlock()

	return c.MockBackend.Generate(ctx, handle, req)
}

func (c *countingBackend) GenerateStream(ctx context.Context, handle *infer.Handle, req infer.Request) (*infer.Stream, error) {
	c.mu.Lock()
	c.streamCalls++
	c.lastRequest = req
	c.haveLastRequest = true
	c.mu.Unlock()

	return c.MockBackend.GenerateStream(ctx, handle, req)
}

func (c *countingBackend) calls() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generateCalls, c.streamCalls
}

func (c *countingBackend) loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.loadCalls
}

func (c *countingBackend) last() infer.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastRequest
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	lg, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { lg.Close() })

	return lg
}

func newTestGenerator(t *testing.T) (*pipeline.Generator, *countingBackend) {
	t.Helper()

	backend := newCountingBackend("mock-v1")

	store, err := cache.NewMemoryStore(cache.DefaultMemoryEntries)
	require.NoError(t, err)

	return pipeline.NewGenerator(backend, store, testLogger(t)), backend
}

func testSegments(seed int64, texts ...string) []core.Segment {
	params := core.SamplingParams{
		Temperature:       0.3,
		TopP:              0.7,
		TopK:              20,
		RepetitionPenalty: 1.1,
	}

	segments := make([]core.Segment, len(texts))
	for i, text := range texts {
		segments[i] = core.Segment{Text: text, Params: params, InferSeed: seed}
	}

	return segments
}

func testPipelineContext() *core.PipelineContext {
	return &core.PipelineContext{
		Infer: core.InferConfig{BatchSize: 4, SplitterThreshold: 100},
	}
}

func TestGenerate_OneResultPerSegment(t *testing.T) {
	t.Parallel()

	gen, _ := newTestGenerator(t)

	batch, err := gen.Generate(context.Background(), testSegments(42, "Hello world.", "Second sentence."), testPipelineContext())
	require.NoError(t, err)

	require.Len(t, batch, 2)
	for _, a := range batch {
		assert.Equal(t, pipeline.BackendSampleRate, a.SampleRate)
		assert.False(t, a.Empty())
	}
}

func TestGenerate_SeedDeterminism(t *testing.T) {
	t.Parallel()

	gen, _ := newTestGenerator(t)
	other, _ := newTestGenerator(t)

	first, err := gen.Generate(context.Background(), testSegments(42, "Hello world."), testPipelineContext())
	require.NoError(t, err)

	// A separate generator with its own cache, same seed.
	second, err := other.Generate(context.Background(), testSegments(42, "Hello world."), testPipelineContext())
	require.NoError(t, err)

	assert.Equal(t, first, second)

	reseeded, err := other.Generate(context.Background(), testSegments(7, "Hello world."), testPipelineContext())
	require.NoError(t, err)
	assert.NotEqual(t, first[0].Samples, reseeded[0].Samples)
}

func TestGenerate_SecondCallHitsCache(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)
	pctx := testPipelineContext()
	segments := testSegments(42, "Hello world.", "Second sentence.")

	first, err := gen.Generate(context.Background(), segments, pctx)
	require.NoError(t, err)

	second, err := gen.Generate(context.Background(), segments, pctx)
	require.NoError(t, err)

	generates, _ := backend.calls()
	assert.Equal(t, 1, generates)
	assert.Equal(t, first, second)
}

func TestGenerate_CacheIgnoresBatchShapeConfig(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)
	segments := testSegments(42, "Hello world.")

	small := &core.PipelineContext{Infer: core.InferConfig{BatchSize: 1, SplitterThreshold: 100, StreamChunkSize: 4}}
	large := &core.PipelineContext{Infer: core.InferConfig{BatchSize: 16, SplitterThreshold: 200, StreamChunkSize: 96}}

	_, err := gen.Generate(context.Background(), segments, small)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), segments, large)
	require.NoError(t, err)

	generates, _ := backend.calls()
	assert.Equal(t, 1, generates)
}

func TestGenerate_PartialFailureYieldsEmptyAudio(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)
	backend.FailOn = func(text string) bool { return text == "the bad one." }

	segments := testSegments(42, "first fine.", "the bad one.", "third fine.")

	batch, err := gen.Generate(context.Background(), segments, testPipelineContext())
	require.NoError(t, err)

	require.Len(t, batch, 3)
	assert.False(t, batch[0].Empty())
	assert.True(t, batch[1].Empty())
	assert.False(t, batch[2].Empty())
}

func TestGenerate_RejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	gen, _ := newTestGenerator(t)

	_, err := gen.Generate(context.Background(), nil, testPipelineContext())
	require.ErrorIs(t, err, pipeline.ErrNoSegments)
}

func TestGenerate_RejectsHeterogeneousBatch(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)

	segments := testSegments(42, "first.", "second.")
	segments[1].InferSeed = 7

	_, err := gen.Generate(context.Background(), segments, testPipelineContext())
	require.ErrorIs(t, err, pipeline.ErrHeterogeneousBatch)

	generates, _ := backend.calls()
	assert.Zero(t, generates)
}

func TestBuildRequest_WrapsContentPrompt(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)

	segments := testSegments(42, "Hello world.")
	segments[0].Prompt2 = "calm narration"

	_, err := gen.Generate(context.Background(), segments, testPipelineContext())
	require.NoError(t, err)

	req := backend.last()
	assert.Equal(t, "[Ptts][Ptts][Ptts] calm narration [Stts][Ptts][Stts][Ptts][Stts]", req.Prompt2)

	// Blank prompts stay blank rather than wrapping empty content.
	blank := testSegments(42, "Hello again.")
	blank[0].Prompt2 = "   "

	_, err = gen.Generate(context.Background(), blank, testPipelineContext())
	require.NoError(t, err)
	assert.Equal(t, "", backend.last().Prompt2)
}

func TestBuildRequest_ReferenceWinsOverEmbedding(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)

	spk := &speaker.Speaker{
		SpeakerID: "spk-1",
		Emb:       []float32{0.1, 0.2},
		Refs: []speaker.Ref{
			{Emotion: "calm", SampleRate: 48000, Samples: make([]float32, 48000), Transcript: "a calm reading"},
		},
	}

	withRef := testSegments(42, "Hello world.")
	withRef[0].Speaker = spk
	withRef[0].Emotion = "calm"

	_, err := gen.Generate(context.Background(), withRef, testPipelineContext())
	require.NoError(t, err)

	req := backend.last()
	assert.Nil(t, req.SpeakerEmbedding)
	assert.Len(t, req.RefAudio, 24000)
	assert.Equal(t, "a calm reading.", req.RefTranscript)

	// No matching emotion: the embedding conditions the voice.
	noRef := testSegments(42, "Hello world.")
	noRef[0].Speaker = spk
	noRef[0].Emotion = "angry"

	_, err = gen.Generate(context.Background(), noRef, testPipelineContext())
	require.NoError(t, err)

	req = backend.last()
	assert.Equal(t, []float32{0.1, 0.2}, req.SpeakerEmbedding)
	assert.Nil(t, req.RefAudio)
}

func TestBuildRequest_KeepsTerminatedTranscript(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)

	spk := &speaker.Speaker{
		SpeakerID: "spk-1",
		Refs: []speaker.Ref{
			{Emotion: "calm", SampleRate: 24000, Samples: []float32{0.5}, Transcript: "Already done!"},
		},
	}

	segments := testSegments(42, "Hello world.")
	segments[0].Speaker = spk
	segments[0].Emotion = "calm"

	_, err := gen.Generate(context.Background(), segments, testPipelineContext())
	require.NoError(t, err)

	assert.Equal(t, "Already done!", backend.last().RefTranscript)
}

func TestGenerateStream_ReassemblesToBatchResult(t *testing.T) {
	t.Parallel()

	gen, _ := newTestGenerator(t)
	reference, _ := newTestGenerator(t)

	segments := testSegments(42, "Hello world.", "Second sentence.")
	pctx := testPipelineContext()

	batch, err := reference.Generate(context.Background(), segments, pctx)
	require.NoError(t, err)

	stream, err := gen.GenerateStream(context.Background(), segments, pctx)
	require.NoError(t, err)

	accumulated := make([]core.Audio, len(segments))
	for i := range accumulated {
		accumulated[i] = core.Audio{SampleRate: pipeline.BackendSampleRate}
	}

	for chunk := range stream.Batches() {
		require.Len(t, chunk, len(segments))

		for i, a := range chunk {
			assert.Equal(t, pipeline.BackendSampleRate, a.SampleRate)
			accumulated[i].Samples = append(accumulated[i].Samples, a.Samples...)
		}
	}

	require.NoError(t, stream.Err())
	assert.Equal(t, pipeline.StateDone, stream.State())
	assert.Equal(t, batch, accumulated)
}

func TestGenerateStream_DeferredCacheWrite(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)

	segments := testSegments(42, "Hello world.")
	pctx := testPipelineContext()

	stream, err := gen.GenerateStream(context.Background(), segments, pctx)
	require.NoError(t, err)

	var total core.Audio
	total.SampleRate = pipeline.BackendSampleRate

	for chunk := range stream.Batches() {
		total.Samples = append(total.Samples, chunk[0].Samples...)
	}

	require.Equal(t, pipeline.StateDone, stream.State())

	// The accumulated stream result now serves non-streaming calls.
	batch, err := gen.Generate(context.Background(), segments, pctx)
	require.NoError(t, err)

	generates, streams := backend.calls()
	assert.Zero(t, generates)
	assert.Equal(t, 1, streams)
	assert.Equal(t, total, batch[0])
}

func TestGenerateStream_CacheHitYieldsSingleBatch(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)

	segments := testSegments(42, "Hello world.")
	pctx := testPipelineContext()

	batch, err := gen.Generate(context.Background(), segments, pctx)
	require.NoError(t, err)

	stream, err := gen.GenerateStream(context.Background(), segments, pctx)
	require.NoError(t, err)

	var yields [][]core.Audio
	for chunk := range stream.Batches() {
		yields = append(yields, chunk)
	}

	require.Len(t, yields, 1)
	assert.Equal(t, batch, yields[0])
	assert.Equal(t, pipeline.StateDone, stream.State())
	require.NoError(t, stream.Err())

	_, streams := backend.calls()
	assert.Zero(t, streams)
}

func TestGenerateStream_InterruptStopsWithoutError(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)

	// A long text so the stream has many chunks left when interrupted.
	segments := testSegments(42, "a sentence that goes on for quite a while to stream in many chunks.")
	pctx := testPipelineContext()
	pctx.Infer.StreamChunkSize = 1

	stream, err := gen.GenerateStream(context.Background(), segments, pctx)
	require.NoError(t, err)

	first, ok := <-stream.Batches()
	require.True(t, ok)
	require.Len(t, first, 1)

	stream.Interrupt()

	for range stream.Batches() {
		// Drain chunks already in flight.
	}

	// Stopping on purpose is not an error, and the truncated result
	// must not be cached.
	require.NoError(t, stream.Err())
	assert.Equal(t, pipeline.StateDone, stream.State())

	_, err = gen.Generate(context.Background(), segments, pctx)
	require.NoError(t, err)

	generates, _ := backend.calls()
	assert.Equal(t, 1, generates)
}

func TestGenerateStream_GeneratorInterruptSkipsCacheWrite(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)

	segments := testSegments(42, "a sentence that goes on for quite a while to stream in many chunks.")
	pctx := testPipelineContext()
	pctx.Infer.StreamChunkSize = 1

	stream, err := gen.GenerateStream(context.Background(), segments, pctx)
	require.NoError(t, err)

	first, ok := <-stream.Batches()
	require.True(t, ok)
	require.Len(t, first, 1)

	// Interrupt through the generator, not the stream token.
	gen.Interrupt()

	for range stream.Batches() {
		// Drain chunks already in flight.
	}

	require.NoError(t, stream.Err())
	assert.Equal(t, pipeline.StateDone, stream.State())

	// The truncated accumulation must not serve the next identical
	// request; the backend has to be invoked again.
	batch, err := gen.Generate(context.Background(), segments, pctx)
	require.NoError(t, err)

	generates, _ := backend.calls()
	assert.Equal(t, 1, generates)
	require.Len(t, batch, 1)
	assert.Greater(t, len(batch[0].Samples), len(first[0].Samples))
}

func TestGenerateStream_InterruptWithoutDrainingReachesDone(t *testing.T) {
	t.Parallel()

	gen, _ := newTestGenerator(t)

	segments := testSegments(42, "a sentence that goes on for quite a while to stream in many chunks.")
	pctx := testPipelineContext()
	pctx.Infer.StreamChunkSize = 1

	stream, err := gen.GenerateStream(context.Background(), segments, pctx)
	require.NoError(t, err)

	first, ok := <-stream.Batches()
	require.True(t, ok)
	require.Len(t, first, 1)

	stream.Interrupt()

	// The consumer walks away without draining; the stream must still
	// reach a terminal state instead of wedging the producer.
	require.Eventually(t, func() bool {
		return stream.State() == pipeline.StateDone
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stream.Err())
}

func TestGenerateStream_PartialFailureYieldsEmptySlots(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)
	backend.FailOn = func(text string) bool { return text == "the bad one." }

	segments := testSegments(42, "first fine.", "the bad one.", "third fine.")

	stream, err := gen.GenerateStream(context.Background(), segments, testPipelineContext())
	require.NoError(t, err)

	accumulated := make([]core.Audio, len(segments))

	for chunk := range stream.Batches() {
		require.Len(t, chunk, len(segments))

		for i, a := range chunk {
			accumulated[i].Samples = append(accumulated[i].Samples, a.Samples...)
		}
	}

	require.NoError(t, stream.Err())
	assert.False(t, accumulated[0].Empty())
	assert.True(t, accumulated[1].Empty())
	assert.False(t, accumulated[2].Empty())
}

// brokenStore fails every operation, standing in for a corrupt or
// unreachable cache backend.
type brokenStore struct{}

func (brokenStore) Get(string) ([]core.Audio, bool, error) {
	return nil, false, errors.New("store unavailable")
}

func (brokenStore) Set(string, []core.Audio) error {
	return errors.New("store unavailable")
}

func TestGenerate_FailingCacheIsTreatedAsMiss(t *testing.T) {
	t.Parallel()

	backend := newCountingBackend("mock-v1")
	gen := pipeline.NewGenerator(backend, brokenStore{}, testLogger(t))

	segments := testSegments(42, "Hello world.")

	first, err := gen.Generate(context.Background(), segments, testPipelineContext())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.False(t, first[0].Empty())

	// Every call regenerates: the broken store never serves a hit.
	_, err = gen.Generate(context.Background(), segments, testPipelineContext())
	require.NoError(t, err)

	generates, _ := backend.calls()
	assert.Equal(t, 2, generates)
}

func TestInterrupt_NothingInFlightIsNoop(t *testing.T) {
	t.Parallel()

	gen, _ := newTestGenerator(t)

	gen.Interrupt()

	// The generator still works normally afterwards.
	batch, err := gen.Generate(context.Background(), testSegments(42, "Hello world."), testPipelineContext())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.False(t, batch[0].Empty())
}

func TestGenerator_TokenizerPassthrough(t *testing.T) {
	t.Parallel()

	gen, _ := newTestGenerator(t)

	tokens, err := gen.Encode("abc")
	require.NoError(t, err)
	require.Len(t, tokens, 3)

	text, err := gen.Decode(tokens)
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
}

func TestGenerator_UnloadReleasesHandle(t *testing.T) {
	t.Parallel()

	gen, _ := newTestGenerator(t)

	_, err := gen.Generate(context.Background(), testSegments(42, "Hello world."), testPipelineContext())
	require.NoError(t, err)

	require.NoError(t, gen.Unload())

	// A second Unload finds nothing to release.
	require.NoError(t, gen.Unload())
}

func TestGenerator_UnloadIdleNeverLoads(t *testing.T) {
	t.Parallel()

	gen, backend := newTestGenerator(t)

	require.NoError(t, gen.Unload())

	assert.Zero(t, backend.loads())
}
