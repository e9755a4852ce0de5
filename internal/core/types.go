package core

// Audio is a raw mono audio buffer paired with its sample rate.
type Audio struct {
	SampleRate int
	Samples    []float32
}

// Empty reports whether the buffer holds no samples. Failed segments in
// a batch are represented as empty audio rather than errors.
func (a Audio) Empty() bool {
	return len(a.Samples) == 0
}

// SamplingParams are the token-sampling knobs for one generation.
type SamplingParams struct {
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	MaxNewTokens      int
}

// Segment is one unit of synthesizable text together with everything
// that steers its generation. Segments are immutable once constructed;
// an ordered slice of them forms a batch, and every segment in a batch
// must agree on all fields except Text.
type Segment struct {
	Text    string
	Speaker Speaker
	Emotion string
	Params  SamplingParams

	// Prompt1 steers style and affect, Prompt2 is the content prompt
	// (wrapped in backend-specific delimiter tokens before inference),
	// Prefix is prepended verbatim.
	Prompt1 string
	Prompt2 string
	Prefix  string

	InferSeed int64
	Style     string
}

// SpeakerID returns the identity of the segment's speaker, or "" when
// the segment is unconditioned.
func (s Segment) SpeakerID() string {
	if s.Speaker == nil {
		return ""
	}

	return s.Speaker.ID()
}

// InferConfig is the per-request inference configuration. It is built
// once per top-level request and never mutated afterwards.
type InferConfig struct {
	BatchSize         int
	SplitterThreshold int
	EOS               string
	// Seed overrides every segment's InferSeed when non-zero.
	Seed            int64
	StreamChunkSize int
}

// AdjustConfig describes post-processing applied after generation.
type AdjustConfig struct {
	Pitch        float64
	SpeedRate    float64
	VolumeGainDB float64
	Normalize    bool
	Headroom     float64
}

// PipelineContext bundles the configuration that travels with one
// request through the pipeline. It is passed by reference and never
// mutated mid-request.
type PipelineContext struct {
	Infer  InferConfig
	Adjust AdjustConfig
	// Deterministic disables non-deterministic fast kernels in the
	// backend. Seeded sampling is deterministic either way.
	Deterministic bool
}
