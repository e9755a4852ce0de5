// Package pipeline implements the segment batch generator: the
// orchestration core that takes parsed segments, consults the result
// cache, conditions and invokes the inference backend, and assembles
// streaming or non-streaming audio batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/book-expert/logger"

	"github.com/book-expert/speech-forge/internal/audio"
	"github.com/book-expert/speech-forge/internal/cache"
	"github.com/book-expert/speech-forge/internal/core"
	"github.com/book-expert/speech-forge/internal/infer"
	"github.com/book-expert/speech-forge/internal/seedctx"
)

// BackendSampleRate is the fixed output rate of the inference backend.
// Reference audio is resampled to it before conditioning.
const BackendSampleRate = 24000

// Default structural delimiters wrapped around a non-empty content
// prompt. The exact tokens are backend-specific.
const (
	defaultPromptWrapPrefix = "[Ptts][Ptts][Ptts] "
	defaultPromptWrapSuffix = " [Stts][Ptts][Stts][Ptts][Stts]"
)

// terminalMarks are the sentence-terminal runes accepted at the end of
// a reference transcript. Models mispronounce reference audio whose
// transcript trails off without one.
const terminalMarks = ".。!！?？…"

// Static errors.
var (
	// ErrNoSegments is returned for an empty batch; callers own
	// segmentation and must never hand the generator nothing.
	ErrNoSegments = errors.New("segment batch cannot be empty")
	// ErrHeterogeneousBatch is returned when segments in one batch
	// disagree on generation parameters. A batch is homogeneous by
	// contract: only the text varies per segment.
	ErrHeterogeneousBatch = errors.New("segments in a batch must share generation parameters")
)

// Generator is the segment batch generator.
//
// Concurrency: the backend supports one in-flight generation per loaded
// handle. The generator does not queue requests itself; callers (the
// worker) serialize calls to Generate and GenerateStream.
type Generator struct {
	backend infer.Backend
	store   core.CacheStore
	log     *logger.Logger

	wrapPrefix string
	wrapSuffix string

	handleMu sync.Mutex
	handle   *infer.Handle
}

// NewGenerator creates a generator over the given backend and cache
// store. Pass a cache.NoopStore to disable caching.
func NewGenerator(backend infer.Backend, store core.CacheStore, log *logger.Logger) *Generator {
	return &Generator{
		backend:    backend,
		store:      store,
		log:        log,
		wrapPrefix: defaultPromptWrapPrefix,
		wrapSuffix: defaultPromptWrapSuffix,
	}
}

// SetPromptDelimiters overrides the structural tokens wrapped around a
// non-empty content prompt.
func (g *Generator) SetPromptDelimiters(prefix, suffix string) {
	g.wrapPrefix = prefix
	g.wrapSuffix = suffix
}

// Generate synthesizes one homogeneous batch and blocks until every
// segment has finished or failed. The result has one entry per segment;
// failed segments carry empty audio. Results for a previously seen
// batch come from the cache without touching the backend.
func (g *Generator) Generate(
	ctx context.Context,
	segments []core.Segment,
	pctx *core.PipelineContext,
) ([]core.Audio, error) {
	key, err := g.prepareBatch(segments, pctx)
	if err != nil {
		return nil, err
	}

	if cached, ok := g.lookup(key); ok {
		return cached, nil
	}

	handle, err := g.load(ctx)
	if err != nil {
		return nil, err
	}

	req := g.buildRequest(segments, pctx)

	results, err := g.backend.Generate(ctx, handle, req)
	if err != nil {
		return nil, err
	}

	batch := make([]core.Audio, len(results))
	for i, res := range results {
		// Failed slots become empty audio: partial failure never
		// escalates to a batch-level error.
		batch[i] = core.Audio{SampleRate: BackendSampleRate, Samples: res.Primary()}
	}

	if setErr := g.store.Set(key, batch); setErr != nil {
		g.log.Warn("cache write failed for key %s: %v", key, setErr)
	}

	return batch, nil
}

// GenerateStream synthesizes one homogeneous batch incrementally. Each
// batch received from the stream holds the newly generated audio per
// segment since the previous one. Once the stream finishes cleanly, the
// accumulated audio is cached exactly as a non-streaming run would be,
// so future identical requests hit the cache. A cache hit yields the
// full batch in a single item.
func (g *Generator) GenerateStream(
	ctx context.Context,
	segments []core.Segment,
	pctx *core.PipelineContext,
) (*Stream, error) {
	key, err := g.prepareBatch(segments, pctx)
	if err != nil {
		return nil, err
	}

	if cached, ok := g.lookup(key); ok {
		return newCachedStream(cached), nil
	}

	handle, err := g.load(ctx)
	if err != nil {
		return nil, err
	}

	req := g.buildRequest(segments, pctx)

	src, err := g.backend.GenerateStream(ctx, handle, req)
	if err != nil {
		return nil, err
	}

	stream := newStream(src, len(segments))
	go g.runStream(ctx, stream, key)

	return stream, nil
}

// Interrupt signals the active generation, if any, to stop as soon as
// possible. Audio already produced is retained; "interrupt" means stop
// producing more, not roll back. With nothing in flight it is a no-op.
func (g *Generator) Interrupt() {
	g.backend.Interrupt()
}

// Encode exposes the backend tokenizer for callers that need token
// counts.
func (g *Generator) Encode(text string) ([]int, error) {
	return g.backend.Encode(text)
}

// Decode is the inverse of Encode.
func (g *Generator) Decode(tokens []int) (string, error) {
	return g.backend.Decode(tokens)
}

// load brings the backend up and remembers the handle for Unload.
func (g *Generator) load(ctx context.Context) (*infer.Handle, error) {
	handle, err := g.backend.Load(ctx)
	if err != nil {
		return nil, err
	}

	g.handleMu.Lock()
	g.handle = handle
	g.handleMu.Unlock()

	return handle, nil
}

// Unload releases the backend's loaded handle, if any. Unloading an
// idle generator is a no-op; it never loads the model just to release
// it. It must not be called while a generation is in flight.
func (g *Generator) Unload() error {
	g.handleMu.Lock()
	handle := g.handle
	g.handle = nil
	g.handleMu.Unlock()

	if handle == nil {
		return nil
	}

	return g.backend.Unload(handle)
}

func (g *Generator) prepareBatch(segments []core.Segment, pctx *core.PipelineContext) (string, error) {
	if len(segments) == 0 {
		return "", ErrNoSegments
	}

	if err := validateHomogeneous(segments); err != nil {
		return "", err
	}

	return cache.Fingerprint(g.backend.ID(), segments, pctx.Infer), nil
}

// lookup consults the cache store, treating store failures as misses.
func (g *Generator) lookup(key string) ([]core.Audio, bool) {
	cached, ok, err := g.store.Get(key)
	if err != nil {
		g.log.Warn("cache read failed for key %s, treating as miss: %v", key, err)

		return nil, false
	}

	return cached, ok
}

// buildRequest derives the batch-level request from the first segment.
// Homogeneity has already been validated, so "first segment wins" is
// exact, not lossy.
func (g *Generator) buildRequest(segments []core.Segment, pctx *core.PipelineContext) infer.Request {
	seg0 := segments[0]

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}

	req := infer.Request{
		Texts:     texts,
		Params:    seg0.Params,
		Prompt1:   seg0.Prompt1,
		Prefix:    seg0.Prefix,
		ChunkSize: pctx.Infer.StreamChunkSize,
		Scope:     seedctx.New(seg0.InferSeed, pctx.Deterministic),
	}

	if strings.TrimSpace(seg0.Prompt2) != "" {
		req.Prompt2 = g.wrapPrefix + seg0.Prompt2 + g.wrapSuffix
	}

	if seg0.Speaker == nil {
		return req
	}

	req.SpeakerEmbedding = seg0.Speaker.Embedding()

	ref := seg0.Speaker.GetRef(func(r core.SpeakerRef) bool {
		return r.Emotion == seg0.Emotion
	})
	if ref == nil {
		return req
	}

	// A sampled reference wins over an embedding.
	req.SpeakerEmbedding = nil
	req.RefAudio = audio.Resample(ref.Samples, ref.SampleRate, BackendSampleRate)
	req.RefTranscript = terminateTranscript(ref.Transcript)

	return req
}

// terminateTranscript appends a sentence-terminal mark when the
// transcript lacks one.
func terminateTranscript(transcript string) string {
	trimmed := strings.TrimRight(transcript, " \t\n")
	if trimmed == "" {
		return trimmed
	}

	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if strings.ContainsRune(terminalMarks, last) {
		return trimmed
	}

	return trimmed + "."
}

// validateHomogeneous rejects batches whose segments diverge on any
// generation-time parameter.
func validateHomogeneous(segments []core.Segment) error {
	seg0 := segments[0]

	for i, seg := range segments[1:] {
		same := seg.Params == seg0.Params &&
			seg.Prompt1 == seg0.Prompt1 &&
			seg.Prompt2 == seg0.Prompt2 &&
			seg.Prefix == seg0.Prefix &&
			seg.InferSeed == seg0.InferSeed &&
			seg.Emotion == seg0.Emotion &&
			seg.Style == seg0.Style &&
			seg.SpeakerID() == seg0.SpeakerID()
		if !same {
			return fmt.Errorf("%w: segment %d diverges from segment 0", ErrHeterogeneousBatch, i+1)
		}
	}

	return nil
}
