package infer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/book-expert/logger"
)

// Static errors.
var (
	ErrCommandEmpty = errors.New("backend command cannot be empty")
	ErrBadResponse  = errors.New("malformed backend response")
)

// ProcConfig configures the subprocess backend.
type ProcConfig struct {
	// Command is the inference binary. It receives one JSON request on
	// stdin and emits one JSON response per line on stdout.
	Command   string
	ModelPath string
}

// ProcBackend drives an external inference process over a JSON-lines
// protocol: base64-encoded little-endian float32 PCM per response line,
// one line per generated chunk.
type ProcBackend struct {
	cfg ProcConfig
	log *logger.Logger

	mu     sync.Mutex
	handle *Handle

	activeStream atomic.Pointer[Stream]
	activeCancel atomic.Pointer[context.CancelFunc]
}

type procRequest struct {
	Mode              string    `json:"mode"`
	Texts             []string  `json:"texts,omitempty"`
	Text              string    `json:"text,omitempty"`
	Tokens            []int     `json:"tokens,omitempty"`
	SpeakerEmbedding  []float32 `json:"speaker_embedding,omitempty"`
	RefPCMBase64      string    `json:"ref_pcm_base64,omitempty"`
	RefTranscript     string    `json:"ref_transcript,omitempty"`
	Temperature       float64   `json:"temperature"`
	TopP              float64   `json:"top_p"`
	TopK              int       `json:"top_k"`
	RepetitionPenalty float64   `json:"repetition_penalty"`
	MaxNewTokens      int       `json:"max_new_tokens"`
	Prompt1           string    `json:"prompt1,omitempty"`
	Prompt2           string    `json:"prompt2,omitempty"`
	Prefix            string    `json:"prefix,omitempty"`
	Seed              int64     `json:"seed"`
	Deterministic     bool      `json:"deterministic"`
	ChunkSize         int       `json:"chunk_size,omitempty"`
	Stream            bool      `json:"stream"`
}

type procResponse struct {
	Index     int    `json:"index"`
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
	Tokens    []int  `json:"tokens,omitempty"`
	Text      string `json:"text,omitempty"`
}

// NewProcBackend creates a subprocess backend.
func NewProcBackend(cfg ProcConfig, log *logger.Logger) (*ProcBackend, error) {
	if cfg.Command == "" {
		return nil, ErrCommandEmpty
	}

	return &ProcBackend{cfg: cfg, log: log}, nil
}

// ID implements Backend. The model path is the model identity.
func (p *ProcBackend) ID() string {
	return p.cfg.ModelPath
}

// Load implements Backend. Loading checks that the inference binary is
// resolvable; the process itself is spawned per generation.
func (p *ProcBackend) Load(_ context.Context) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != nil && p.handle.Loaded() {
		return p.handle, nil
	}

	if _, err := exec.LookPath(p.cfg.Command); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	if p.handle == nil {
		p.handle = &Handle{modelID: p.cfg.ModelPath}
	}

	p.handle.mu.Lock()
	p.handle.loaded = true
	p.handle.mu.Unlock()

	return p.handle, nil
}

// Unload implements Backend.
func (p *ProcBackend) Unload(handle *Handle) error {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if !handle.loaded {
		return ErrNotLoaded
	}

	handle.loaded = false

	return nil
}

// Encode implements Backend via a one-shot tokenizer invocation.
func (p *ProcBackend) Encode(text string) ([]int, error) {
	resp, err := p.runOnce(procRequest{Mode: "encode", Text: text})
	if err != nil {
		return nil, err
	}

	return resp.Tokens, nil
}

// Decode implements Backend.
func (p *ProcBackend) Decode(tokens []int) (string, error) {
	resp, err := p.runOnce(procRequest{Mode: "decode", Tokens: tokens})
	if err != nil {
		return "", err
	}

	return resp.Text, nil
}

// Generate implements Backend.
func (p *ProcBackend) Generate(ctx context.Context, _ *Handle, req Request) ([]Result, error) {
	generateCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.activeCancel.Store(&cancel)
	defer p.activeCancel.Store(nil)

	buffers := make([][]float32, len(req.Texts))
	failed := make([]bool, len(req.Texts))

	err := req.Scope.Run(func(_ *rand.Rand) error {
		return p.consume(generateCtx, req, false, func(resp procResponse) error {
			if resp.Index < 0 || resp.Index >= len(buffers) {
				return fmt.Errorf("%w: segment index %d out of range", ErrBadResponse, resp.Index)
			}

			if resp.Error != "" {
				// Segment-level failure: mark the slot, keep the batch.
				failed[resp.Index] = true
				p.log.Warn("segment %d generation failed: %s", resp.Index, resp.Error)

				return nil
			}

			pcm, err := pcmFromBase64(resp.PCMBase64)
			if err != nil {
				return err
			}

			buffers[resp.Index] = append(buffers[resp.Index], pcm...)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(buffers))

	for i, buf := range buffers {
		if failed[i] {
			results[i] = Result{Channels: nil}

			continue
		}

		results[i] = Result{Channels: [][]float32{buf}}
	}

	return results, nil
}

// GenerateStream implements Backend.
func (p *ProcBackend) GenerateStream(ctx context.Context, _ *Handle, req Request) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream := newStream(cancel)
	p.activeStream.Store(stream)

	go func() {
		defer close(stream.chunks)
		defer p.activeStream.Store(nil)

		err := req.Scope.Run(func(_ *rand.Rand) error {
			return p.consume(streamCtx, req, true, func(resp procResponse) error {
				// One response line addresses one segment; the other
				// slots carry no new audio in this batch.
				batch := make([]Result, len(req.Texts))
				for i := range batch {
					batch[i] = Result{Channels: [][]float32{{}}}
				}

				if resp.Index < 0 || resp.Index >= len(batch) {
					return fmt.Errorf("%w: segment index %d out of range", ErrBadResponse, resp.Index)
				}

				switch {
				case resp.Error != "":
					batch[resp.Index] = Result{Channels: nil}
				case resp.Final && resp.PCMBase64 == "":
					// Already an empty chunk for that slot.
				default:
					pcm, err := pcmFromBase64(resp.PCMBase64)
					if err != nil {
						return err
					}

					batch[resp.Index] = Result{Channels: [][]float32{pcm}}
				}

				select {
				case stream.chunks <- batch:
					return nil
				case <-streamCtx.Done():
					return streamCtx.Err()
				}
			})
		})
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			// Stopped before stdout was exhausted; the stream must not
			// look cleanly finished, or the truncated result gets cached.
			stream.setErr(ErrInterrupted)
		default:
			stream.setErr(err)
		}
	}()

	return stream, nil
}

// Interrupt implements Backend. An active stream is stopped through its
// own token so its Err reports ErrInterrupted; a blocking Generate is
// cancelled directly. Either way the inference process is killed.
func (p *ProcBackend) Interrupt() {
	if stream := p.activeStream.Load(); stream != nil {
		stream.Interrupt()

		return
	}

	if cancel := p.activeCancel.Load(); cancel != nil {
		(*cancel)()
	}
}

// consume spawns the inference process, writes the request, and feeds
// every response line to sink until stdout is exhausted.
func (p *ProcBackend) consume(
	ctx context.Context,
	req Request,
	stream bool,
	sink func(procResponse) error,
) error {
	payload := procRequest{
		Mode:              "generate",
		Texts:             req.Texts,
		SpeakerEmbedding:  req.SpeakerEmbedding,
		RefPCMBase64:      pcmToBase64(req.RefAudio),
		RefTranscript:     req.RefTranscript,
		Temperature:       req.Params.Temperature,
		TopP:              req.Params.TopP,
		TopK:              req.Params.TopK,
		RepetitionPenalty: req.Params.RepetitionPenalty,
		MaxNewTokens:      req.Params.MaxNewTokens,
		Prompt1:           req.Prompt1,
		Prompt2:           req.Prompt2,
		Prefix:            req.Prefix,
		Seed:              req.Scope.Seed(),
		Deterministic:     req.Scope.Deterministic(),
		ChunkSize:         req.ChunkSize,
		Stream:            stream,
	}

	// A sampled reference wins over an embedding.
	if len(req.RefAudio) > 0 {
		payload.SpeakerEmbedding = nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal backend request: %w", err)
	}

	// #nosec G204 -- command and model path come from validated configuration
	cmd := exec.CommandContext(ctx, p.cfg.Command, "--model", p.cfg.ModelPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open backend stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open backend stdout: %w", err)
	}

	if startErr := cmd.Start(); startErr != nil {
		return fmt.Errorf("failed to start backend process: %w", startErr)
	}

	if _, writeErr := stdin.Write(append(data, '\n')); writeErr != nil {
		_ = cmd.Wait()

		return fmt.Errorf("failed to write backend request: %w", writeErr)
	}

	if closeErr := stdin.Close(); closeErr != nil {
		_ = cmd.Wait()

		return fmt.Errorf("failed to close backend stdin: %w", closeErr)
	}

	scanErr := scanResponses(stdout, sink)

	waitErr := cmd.Wait()
	if scanErr != nil {
		return scanErr
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("backend process failed: %w", waitErr)
	}

	return nil
}

func (p *ProcBackend) runOnce(payload procRequest) (procResponse, error) {
	var resp procResponse

	data, err := json.Marshal(payload)
	if err != nil {
		return resp, fmt.Errorf("failed to marshal backend request: %w", err)
	}

	// #nosec G204 -- command and model path come from validated configuration
	cmd := exec.Command(p.cfg.Command, "--model", p.cfg.ModelPath)
	cmd.Stdin = bytes.NewReader(append(data, '\n'))

	out, err := cmd.Output()
	if err != nil {
		return resp, fmt.Errorf("backend process failed: %w", err)
	}

	if unmarshalErr := json.Unmarshal(out, &resp); unmarshalErr != nil {
		return resp, fmt.Errorf("%w: %w", ErrBadResponse, unmarshalErr)
	}

	return resp, nil
}

func scanResponses(r io.Reader, sink func(procResponse) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp procResponse

		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("%w: %w", ErrBadResponse, err)
		}

		if err := sink(resp); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read backend output: %w", err)
	}

	return nil
}

func pcmToBase64(samples []float32) string {
	if len(samples) == 0 {
		return ""
	}

	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}

	return base64.StdEncoding.EncodeToString(buf)
}

func pcmFromBase64(encoded string) ([]float32, error) {
	if encoded == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}

	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: pcm payload not float32-aligned", ErrBadResponse)
	}

	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return samples, nil
}
