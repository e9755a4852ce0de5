package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/book-expert/speech-forge/internal/core"
	"github.com/book-expert/speech-forge/internal/infer"
)

// StreamState is the lifecycle state of a pipeline stream.
type StreamState int32

// Stream lifecycle. Finalizing covers the deferred cache write that
// runs once the underlying source is exhausted.
const (
	StateIdle StreamState = iota
	StateStreaming
	StateFinalizing
	StateDone
	StateFailed
)

// String implements fmt.Stringer.
func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stream is a lazily produced sequence of audio batches. Each batch
// holds the newly generated audio per segment index since the previous
// one; failed segments appear as empty audio. Chunks for one segment
// index arrive in strictly increasing time order and concatenate, in
// yield order, to the segment's full audio.
type Stream struct {
	batches  chan []core.Audio
	src      *infer.Stream
	segments int

	state atomic.Int32

	stopOnce sync.Once
	stopped  chan struct{}

	mu  sync.Mutex
	err error
}

func newStream(src *infer.Stream, segmentCount int) *Stream {
	s := &Stream{
		batches:  make(chan []core.Audio, segmentCount),
		src:      src,
		segments: segmentCount,
		stopped:  make(chan struct{}),
	}
	s.state.Store(int32(StateIdle))

	return s
}

// newCachedStream wraps an already-cached batch as a single-item
// stream.
func newCachedStream(cached []core.Audio) *Stream {
	s := newStream(nil, len(cached))
	s.state.Store(int32(StateStreaming))
	s.batches <- cached
	close(s.batches)
	s.state.Store(int32(StateDone))

	return s
}

// Batches returns the batch channel. It closes once the generation is
// exhausted, failed, or interrupted.
func (s *Stream) Batches() <-chan []core.Audio {
	return s.batches
}

// State reports the stream's current lifecycle state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// Err reports why the stream failed. It is nil after clean exhaustion
// and after an interrupt: stopping a stream on purpose is not an error
// the consumer has to handle.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Interrupt stops the underlying generation. Audio already yielded (and
// accumulated) is retained. Yields after Interrupt are best effort: the
// consumer may drain Batches or abandon it, the stream reaches a
// terminal state either way. Interrupting a cache-hit stream or one
// that already finished is a no-op.
func (s *Stream) Interrupt() {
	s.stopOnce.Do(func() { close(s.stopped) })

	if s.src != nil {
		s.src.Interrupt()
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(StateFailed))
}

// runStream consumes the backend stream: every incoming partial batch
// is sanitized (failure sentinels become empty audio, secondary
// channels are dropped) and both yielded to the consumer and appended
// to a running per-segment accumulation. When the source is exhausted
// cleanly, the accumulation is written to the cache as if the batch had
// been generated in one shot.
func (g *Generator) runStream(ctx context.Context, stream *Stream, key string) {
	defer close(stream.batches)

	stream.state.Store(int32(StateStreaming))

	accumulated := make([]core.Audio, stream.segments)
	for i := range accumulated {
		accumulated[i] = core.Audio{SampleRate: BackendSampleRate, Samples: nil}
	}

	for chunk := range stream.src.Chunks() {
		out := make([]core.Audio, len(accumulated))

		for i := range out {
			var data []float32
			if i < len(chunk) {
				data = chunk[i].Primary()
			}

			out[i] = core.Audio{SampleRate: BackendSampleRate, Samples: data}
			accumulated[i].Samples = append(accumulated[i].Samples, data...)
		}

		select {
		case stream.batches <- out:
		case <-ctx.Done():
			// Consumer is gone: implicit cancellation.
			stream.src.Interrupt()
		case <-stream.stopped:
			// Interrupted and the consumer may have stopped reading;
			// drop the yield and keep draining the source to its close.
		}
	}

	stream.state.Store(int32(StateFinalizing))

	srcErr := stream.src.Err()

	switch {
	case srcErr == nil:
		// Deferred cache write: future identical requests hit the
		// cache even though this one streamed.
		if err := g.store.Set(key, accumulated); err != nil {
			g.log.Warn("cache write failed for key %s: %v", key, err)
		}

		stream.state.Store(int32(StateDone))
	case errors.Is(srcErr, infer.ErrInterrupted) || errors.Is(srcErr, context.Canceled):
		// Interrupted: what was yielded stands, but a truncated batch
		// must never be cached as the full result for this key.
		stream.state.Store(int32(StateDone))
	default:
		stream.fail(srcErr)
	}
}
