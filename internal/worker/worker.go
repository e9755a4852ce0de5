// Package worker provides a NATS worker that processes synthesis jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/speech-forge/internal/audio"
	"github.com/book-expert/speech-forge/internal/config"
	"github.com/book-expert/speech-forge/internal/core"
	"github.com/book-expert/speech-forge/internal/pipeline"
)

const handleMessageTimeout = 120 * time.Second

// Static errors.
var (
	// ErrTopPRange indicates that the TopP parameter is out of the valid range [0.0, 1.0].
	ErrTopPRange = errors.New("top_p must be between 0.0 and 1.0")
	// ErrRepetitionPenaltyRange indicates that the RepetitionPenalty parameter is below 1.0.
	ErrRepetitionPenaltyRange = errors.New("repetition penalty must be >= 1.0")
	// ErrTemperatureRange indicates that the Temperature parameter is negative.
	ErrTemperatureRange = errors.New("temperature must be >= 0.0")
)

// Worker listens for synthesis jobs on a NATS subject, drives the
// pipeline handler, and replies with the stored audio key.
//
// Generations are serialized: the backend allows one in-flight
// generation per loaded model handle, and the worker is that
// single-consumer queue.
type Worker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	speakers       core.SpeakerProvider
	handler        *pipeline.Handler
	defaults       config.PipelineConfig
	adjust         config.AdjustConfig
	log            *logger.Logger

	generateMu sync.Mutex
}

// New creates a worker.
func New(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	speakers core.SpeakerProvider,
	handler *pipeline.Handler,
	defaults config.PipelineConfig,
	adjust config.AdjustConfig,
	log *logger.Logger,
) (*Worker, error) {
	return &Worker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		speakers:       speakers,
		handler:        handler,
		defaults:       defaults,
		adjust:         adjust,
		log:            log,
	}, nil
}

// Run starts the worker and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	if drainErr := sub.Drain(); drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *Worker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var event events.TextProcessedEvent

	if err := json.Unmarshal(msg.Data, &event); err != nil {
		w.log.Error("Failed to unmarshal event: %v", err)

		return
	}

	audioKey, err := w.processJob(ctx, &event)
	if err != nil {
		w.log.Error("Failed to process synthesis job for workflow %s: %v", event.Header.WorkflowID, err)

		return
	}

	reply := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	if err := w.publishReply(msg, reply); err != nil {
		w.log.Error("Failed to publish reply for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processJob downloads the text, synthesizes it, and uploads the WAV.
func (w *Worker) processJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text for key '%s': %w", event.TextKey, err)
	}

	req, pctx, err := w.buildRequest(ctx, event, string(textData))
	if err != nil {
		return "", err
	}

	// One generation in flight per model handle.
	w.generateMu.Lock()
	rendered, err := w.handler.Synthesize(ctx, req, pctx)
	w.generateMu.Unlock()

	if err != nil {
		return "", fmt.Errorf("failed to synthesize text: %w", err)
	}

	wavData, err := audio.EncodeWAV(rendered)
	if err != nil {
		return "", fmt.Errorf("failed to encode audio: %w", err)
	}

	audioKey := uuid.NewString() + ".wav"

	if uploadErr := w.store.Upload(ctx, audioKey, wavData); uploadErr != nil {
		return "", fmt.Errorf("failed to upload audio for key '%s': %w", audioKey, uploadErr)
	}

	return audioKey, nil
}

func (w *Worker) buildRequest(
	ctx context.Context,
	event *events.TextProcessedEvent,
	text string,
) (pipeline.Request, *core.PipelineContext, error) {
	params := core.SamplingParams{
		Temperature:       event.Temperature,
		TopP:              event.TopP,
		TopK:              0,
		RepetitionPenalty: event.RepetitionPenalty,
		MaxNewTokens:      0,
	}

	if err := validateParams(params); err != nil {
		return pipeline.Request{}, nil, err
	}

	req := pipeline.Request{
		Text:   text,
		Params: params,
		Seed:   int64(event.Seed),
	}

	if event.Voice != "" {
		spk, err := w.speakers.Load(ctx, event.Voice)
		if err != nil {
			return pipeline.Request{}, nil, fmt.Errorf("failed to load speaker '%s': %w", event.Voice, err)
		}

		req.Speaker = spk
	}

	pctx := &core.PipelineContext{
		Infer: core.InferConfig{
			BatchSize:         w.defaults.BatchSize,
			SplitterThreshold: w.defaults.SplitterThreshold,
			EOS:               w.defaults.EOS,
			Seed:              0,
			StreamChunkSize:   w.defaults.StreamChunkSize,
		},
		Adjust: core.AdjustConfig{
			Pitch:        w.adjust.Pitch,
			SpeedRate:    w.adjust.SpeedRate,
			VolumeGainDB: w.adjust.VolumeGainDB,
			Normalize:    w.adjust.Normalize,
			Headroom:     w.adjust.Headroom,
		},
		Deterministic: w.defaults.Deterministic,
	}

	return req, pctx, nil
}

func (w *Worker) publishReply(msg *nats.Msg, reply *events.AudioChunkCreatedEvent) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	if err := msg.Respond(data); err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

// validateParams ensures sampling parameters are safe before they reach
// the backend. Zero values mean "backend default" and are accepted.
func validateParams(params core.SamplingParams) error {
	if params.TopP < 0.0 || params.TopP > 1.0 {
		return fmt.Errorf("%w: got %f", ErrTopPRange, params.TopP)
	}

	if params.RepetitionPenalty != 0 && params.RepetitionPenalty < 1.0 {
		return fmt.Errorf("%w: got %f", ErrRepetitionPenaltyRange, params.RepetitionPenalty)
	}

	if params.Temperature < 0.0 {
		return fmt.Errorf("%w: got %f", ErrTemperatureRange, params.Temperature)
	}

	return nil
}
