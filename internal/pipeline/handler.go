package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"

	"github.com/book-expert/speech-forge/internal/audio"
	"github.com/book-expert/speech-forge/internal/core"
	"github.com/book-expert/speech-forge/internal/textseg"
)

// Handler defaults.
const (
	defaultBatchSize = 4
)

// ErrTextEmpty is returned when a synthesis request carries no
// speakable text after normalization.
var ErrTextEmpty = errors.New("text cannot be empty")

// Enhancer post-processes generated audio (denoising, enhancement).
// The pipeline only defines the hook; implementations live elsewhere.
type Enhancer interface {
	Enhance(a core.Audio) (core.Audio, error)
}

// Request is one plain-text synthesis request handled end to end:
// normalization, splitting, batched generation, post-processing.
type Request struct {
	Text    string
	Speaker core.Speaker
	Emotion string
	Params  core.SamplingParams
	Prompt1 string
	Prompt2 string
	Prefix  string
	Style   string
	Seed    int64
}

// Handler drives the generator for whole-text requests and applies the
// post-generation adjustments. It owns no transport concerns.
type Handler struct {
	gen      *Generator
	log      *logger.Logger
	enhancer Enhancer
}

// NewHandler creates a handler over the generator.
func NewHandler(gen *Generator, log *logger.Logger) *Handler {
	return &Handler{gen: gen, log: log, enhancer: nil}
}

// SetEnhancer installs an optional enhancement stage.
func (h *Handler) SetEnhancer(e Enhancer) {
	h.enhancer = e
}

// Synthesize converts one text request into a single audio buffer:
// normalize, split by the configured threshold, generate per batch,
// concatenate, then adjust.
func (h *Handler) Synthesize(
	ctx context.Context,
	req Request,
	pctx *core.PipelineContext,
) (core.Audio, error) {
	segments, err := h.Segment(req, pctx)
	if err != nil {
		return core.Audio{}, err
	}

	batchSize := pctx.Infer.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	results := make([]core.Audio, 0, len(segments))

	for start := 0; start < len(segments); start += batchSize {
		end := min(start+batchSize, len(segments))

		batch, genErr := h.gen.Generate(ctx, segments[start:end], pctx)
		if genErr != nil {
			return core.Audio{}, fmt.Errorf("failed to generate batch starting at segment %d: %w", start, genErr)
		}

		results = append(results, batch...)
	}

	combined := audio.Concat(results)

	return h.adjust(combined, pctx.Adjust)
}

// Segment normalizes and splits the request text into the ordered,
// homogeneous segment list the generator consumes. The global seed
// override from the inference config is folded into every segment here,
// so the generator and the cache key only ever see per-segment seeds.
func (h *Handler) Segment(req Request, pctx *core.PipelineContext) ([]core.Segment, error) {
	text := textseg.Normalize(req.Text)
	if text == "" {
		return nil, ErrTextEmpty
	}

	threshold := pctx.Infer.SplitterThreshold
	if threshold <= 0 {
		threshold = textseg.DefaultThreshold
	}

	splitter, err := textseg.NewSplitter(threshold)
	if err != nil {
		return nil, err
	}

	pieces := splitter.Split(text)

	seed := req.Seed
	if pctx.Infer.Seed != 0 {
		seed = pctx.Infer.Seed
	}

	segments := make([]core.Segment, len(pieces))

	for i, piece := range pieces {
		if pctx.Infer.EOS != "" {
			piece = piece + " " + pctx.Infer.EOS
		}

		segments[i] = core.Segment{
			Text:      piece,
			Speaker:   req.Speaker,
			Emotion:   req.Emotion,
			Params:    req.Params,
			Prompt1:   req.Prompt1,
			Prompt2:   req.Prompt2,
			Prefix:    req.Prefix,
			InferSeed: seed,
			Style:     req.Style,
		}
	}

	return segments, nil
}

// adjust applies the post-processing chain: pitch, speed, gain,
// enhancement, normalization.
func (h *Handler) adjust(a core.Audio, cfg core.AdjustConfig) (core.Audio, error) {
	samples := a.Samples

	if cfg.Pitch != 0 {
		samples = audio.PitchShift(samples, cfg.Pitch)
	}

	if cfg.SpeedRate > 0 && cfg.SpeedRate != 1.0 {
		samples = audio.StretchSpeed(samples, cfg.SpeedRate)
	}

	if cfg.VolumeGainDB != 0 {
		samples = audio.GainDB(samples, cfg.VolumeGainDB)
	}

	result := core.Audio{SampleRate: a.SampleRate, Samples: samples}

	if h.enhancer != nil {
		enhanced, err := h.enhancer.Enhance(result)
		if err != nil {
			return core.Audio{}, fmt.Errorf("failed to enhance audio: %w", err)
		}

		result = enhanced
	}

	if cfg.Normalize {
		result.Samples = audio.Normalize(result.Samples, cfg.Headroom)
	}

	return result, nil
}
