package audio

import (
	"errors"
	"fmt"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/book-expert/speech-forge/internal/core"
)

const (
	wavBitDepth = 16
	wavChannels = 1
	wavPCMFmt   = 1
)

// ErrNoAudio is returned when asked to encode an empty buffer.
var ErrNoAudio = errors.New("no audio samples to encode")

// EncodeWAV renders audio as a 16-bit mono PCM WAV file in memory.
func EncodeWAV(a core.Audio) ([]byte, error) {
	if a.Empty() {
		return nil, ErrNoAudio
	}

	buf := &writeSeekBuffer{}

	encoder := wav.NewEncoder(buf, a.SampleRate, wavBitDepth, wavChannels, wavPCMFmt)

	intBuf := &gaudio.IntBuffer{
		Format: &gaudio.Format{
			NumChannels: wavChannels,
			SampleRate:  a.SampleRate,
		},
		Data:           ToInt16(a.Samples),
		SourceBitDepth: wavBitDepth,
	}

	if err := encoder.Write(intBuf); err != nil {
		return nil, fmt.Errorf("failed to write wav data: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize wav data: %w", err)
	}

	return buf.Bytes(), nil
}

// writeSeekBuffer is the in-memory io.WriteSeeker the wav encoder needs
// to patch up chunk sizes after writing.
type writeSeekBuffer struct {
	data []byte
	pos  int
}

func (b *writeSeekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.data) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}

	copy(b.data[b.pos:], p)
	b.pos += len(p)

	return len(p), nil
}

func (b *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64

	switch whence {
	case 0:
		next = offset
	case 1:
		next = int64(b.pos) + offset
	case 2:
		next = int64(len(b.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}

	if next < 0 {
		return 0, errors.New("negative seek position")
	}

	b.pos = int(next)

	return next, nil
}

func (b *writeSeekBuffer) Bytes() []byte {
	return b.data
}
