// Package config provides the configuration structure for speech-forge.
package config

import (
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	SpeakerObjectStoreBucket string `toml:"speaker_object_store_bucket"`
}

// PipelineConfig holds the per-service defaults for the inference
// pipeline; individual jobs may override the sampling fields.
type PipelineConfig struct {
	BatchSize         int    `toml:"batch_size"`
	SplitterThreshold int    `toml:"splitter_threshold"`
	EOS               string `toml:"eos"`
	StreamChunkSize   int    `toml:"stream_chunk_size"`
	Deterministic     bool   `toml:"deterministic"`
}

// BackendConfig selects and configures the inference backend. An empty
// command selects the built-in mock backend (development mode).
type BackendConfig struct {
	Command   string `toml:"command"`
	ModelPath string `toml:"model_path"`
}

// CacheConfig selects the result-cache store.
type CacheConfig struct {
	// Backend is one of "memory", "sqlite", or "none".
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	Capacity int    `toml:"capacity"`
}

// AdjustConfig holds the default post-processing applied to rendered
// audio.
type AdjustConfig struct {
	Pitch        float64 `toml:"pitch"`
	SpeedRate    float64 `toml:"speed_rate"`
	VolumeGainDB float64 `toml:"volume_gain_db"`
	Normalize    bool    `toml:"normalize"`
	Headroom     float64 `toml:"headroom"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Backend  BackendConfig  `toml:"backend"`
	Cache    CacheConfig    `toml:"cache"`
	Adjust   AdjustConfig   `toml:"adjust"`
	Paths    PathsConfig    `toml:"paths"`
}

// Load loads the configuration for speech-forge.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}
