// main package for the speech-forge command-line client. It submits a
// synthesis job over NATS and writes the rendered WAV to disk.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/speech-forge/internal/config"
	"github.com/book-expert/speech-forge/internal/objectstore"
)

// Flag descriptions.
const (
	flagTextDesc    = "Text to convert to speech"
	flagOutputDesc  = "Output file path (.wav)"
	flagVoiceDesc   = "Speaker document key in the speaker bucket (optional)"
	flagSeedDesc    = "Generation seed (0 picks the service default)"
	flagTimeoutDesc = "How long to wait for the rendered audio"
)

const defaultOutputFile = "output.wav"

var errTextRequired = errors.New("--text must be provided")

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text    string
	output  string
	voice   string
	seed    int
	timeout time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()
	if flags.text == "" {
		flag.Usage()

		return errTextRequired
	}

	log, err := logger.New(os.TempDir(), "forge-client.log")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	cfg, err := config.Load(log)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open audio object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	audioKey, err := submitJob(ctx, natsConnection, store, cfg, flags)
	if err != nil {
		return err
	}

	wavData, err := store.Download(ctx, audioKey)
	if err != nil {
		return fmt.Errorf("failed to download rendered audio '%s': %w", audioKey, err)
	}

	if err := os.WriteFile(flags.output, wavData, 0o644); err != nil {
		return fmt.Errorf("failed to write output file '%s': %w", flags.output, err)
	}

	log.Info("Rendered %d bytes to %s", len(wavData), flags.output)
	fmt.Printf("Generated: %s\n", flags.output)

	return nil
}

// submitJob uploads the text, publishes the job event, and waits for
// the audio-created reply. It returns the rendered audio's object key.
func submitJob(
	ctx context.Context,
	natsConnection *nats.Conn,
	store *objectstore.Store,
	cfg *config.Config,
	flags appFlags,
) (string, error) {
	textKey := uuid.NewString() + ".txt"

	if err := store.Upload(ctx, textKey, []byte(flags.text)); err != nil {
		return "", fmt.Errorf("failed to upload text: %w", err)
	}

	job := &events.TextProcessedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
		},
		TextKey: textKey,
		Voice:   flags.voice,
		Seed:    flags.seed,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job event: %w", err)
	}

	replyMsg, err := natsConnection.RequestWithContext(ctx, cfg.NATS.TextProcessedSubject, jobData)
	if err != nil {
		return "", fmt.Errorf("synthesis request failed: %w", err)
	}

	var reply events.AudioChunkCreatedEvent
	if err := json.Unmarshal(replyMsg.Data, &reply); err != nil {
		return "", fmt.Errorf("failed to unmarshal reply event: %w", err)
	}

	return reply.AudioKey, nil
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.text, "text", "", flagTextDesc)
	flag.StringVar(&flags.output, "output", defaultOutputFile, flagOutputDesc)
	flag.StringVar(&flags.voice, "voice", "", flagVoiceDesc)
	flag.IntVar(&flags.seed, "seed", 0, flagSeedDesc)
	flag.DurationVar(&flags.timeout, "timeout", 2*time.Minute, flagTimeoutDesc)
	flag.Parse()

	return flags
}
