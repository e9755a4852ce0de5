// Package config_test tests the configuration loading for speech-forge.
package config_test

import (
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/speech-forge/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tomlData := `
[nats]
url = "nats://127.0.0.1:4222"
text_processed_subject = "text.processed"
audio_chunk_created_subject = "audio.chunk.created"
audio_object_store_bucket = "AUDIO_FILES"
speaker_object_store_bucket = "SPEAKER_FILES"

[pipeline]
batch_size = 4
splitter_threshold = 100
eos = "[uv_break]"
stream_chunk_size = 96
deterministic = true

[backend]
command = "chat-tts-runner"
model_path = "models/chat-tts"

[cache]
backend = "sqlite"
path = "/var/lib/speech-forge/cache.db"
capacity = 256

[adjust]
pitch = -2.0
speed_rate = 1.1
volume_gain_db = 3.0
normalize = true
headroom = 1.0

[paths]
base_logs_dir = "/var/log/speech-forge"
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "text.processed", cfg.NATS.TextProcessedSubject)
	assert.Equal(t, "audio.chunk.created", cfg.NATS.AudioChunkCreatedSubject)
	assert.Equal(t, "AUDIO_FILES", cfg.NATS.AudioObjectStoreBucket)
	assert.Equal(t, "SPEAKER_FILES", cfg.NATS.SpeakerObjectStoreBucket)

	assert.Equal(t, 4, cfg.Pipeline.BatchSize)
	assert.Equal(t, 100, cfg.Pipeline.SplitterThreshold)
	assert.Equal(t, "[uv_break]", cfg.Pipeline.EOS)
	assert.Equal(t, 96, cfg.Pipeline.StreamChunkSize)
	assert.True(t, cfg.Pipeline.Deterministic)

	assert.Equal(t, "chat-tts-runner", cfg.Backend.Command)
	assert.Equal(t, "models/chat-tts", cfg.Backend.ModelPath)

	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, "/var/lib/speech-forge/cache.db", cfg.Cache.Path)
	assert.Equal(t, 256, cfg.Cache.Capacity)

	assert.InEpsilon(t, -2.0, cfg.Adjust.Pitch, 0.001)
	assert.InEpsilon(t, 1.1, cfg.Adjust.SpeedRate, 0.001)
	assert.InEpsilon(t, 3.0, cfg.Adjust.VolumeGainDB, 0.001)
	assert.True(t, cfg.Adjust.Normalize)
	assert.InEpsilon(t, 1.0, cfg.Adjust.Headroom, 0.001)

	assert.Equal(t, "/var/log/speech-forge", cfg.Paths.BaseLogsDir)
}

func TestLoadConfig_EmptyBackendCommandIsMockMode(t *testing.T) {
	t.Parallel()

	tomlData := `
[backend]
model_path = ""
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Empty(t, cfg.Backend.Command)
}
