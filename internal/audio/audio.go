// Package audio provides raw-audio transforms applied around the
// pipeline core: reference resampling before generation, and pitch,
// speed, gain, and normalization adjustments after it. All transforms
// work on mono float32 sample buffers.
package audio

import (
	"math"

	"github.com/book-expert/speech-forge/internal/core"
)

const (
	semitonesPerOctave = 12.0
	fullScale          = 1.0
)

// Resample converts samples from srcRate to dstRate by linear
// interpolation. It returns the input unchanged when the rates match.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 || srcRate <= 0 || dstRate <= 0 {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(math.Floor(float64(len(samples)) / ratio))

	if outLen < 1 {
		outLen = 1
	}

	out := make([]float32, outLen)

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		if idx+1 < len(samples) {
			out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		} else {
			out[i] = samples[len(samples)-1]
		}
	}

	return out
}

// StretchSpeed changes playback speed by rate (1.0 = unchanged,
// 2.0 = twice as fast). Plain resampling: pitch shifts along with
// speed, which is acceptable for the small rates the adjust layer uses.
func StretchSpeed(samples []float32, rate float64) []float32 {
	if rate <= 0 || rate == 1.0 || len(samples) == 0 {
		return samples
	}

	outLen := int(math.Floor(float64(len(samples)) / rate))
	if outLen < 1 {
		outLen = 1
	}

	out := make([]float32, outLen)

	for i := range out {
		pos := float64(i) * rate
		idx := int(pos)
		frac := float32(pos - float64(idx))

		if idx+1 < len(samples) {
			out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		} else {
			out[i] = samples[len(samples)-1]
		}
	}

	return out
}

// PitchShift shifts pitch by the given number of semitones without
// changing duration: resample by the pitch factor, then stretch back.
func PitchShift(samples []float32, semitones float64) []float32 {
	if semitones == 0 || len(samples) == 0 {
		return samples
	}

	factor := math.Pow(2, semitones/semitonesPerOctave)

	shifted := StretchSpeed(samples, factor)

	restored := StretchSpeed(shifted, float64(len(shifted))/float64(len(samples)))

	return restored
}

// GainDB applies a gain in decibels.
func GainDB(samples []float32, db float64) []float32 {
	if db == 0 || len(samples) == 0 {
		return samples
	}

	gain := float32(math.Pow(10, db/20))

	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * gain
	}

	return out
}

// Normalize scales the buffer so its peak sits headroomDB below full
// scale. Silent buffers are returned unchanged.
func Normalize(samples []float32, headroomDB float64) []float32 {
	if len(samples) == 0 {
		return samples
	}

	var peak float32
	for _, s := range samples {
		if abs := float32(math.Abs(float64(s))); abs > peak {
			peak = abs
		}
	}

	if peak == 0 {
		return samples
	}

	target := float32(fullScale * math.Pow(10, -headroomDB/20))

	return GainDB(samples, 20*math.Log10(float64(target/peak)))
}

// Concat joins audio buffers in order. The sample rate of the first
// non-empty buffer wins; all pipeline audio shares one rate anyway.
func Concat(buffers []core.Audio) core.Audio {
	var (
		total int
		rate  int
	)

	for _, b := range buffers {
		total += len(b.Samples)

		if rate == 0 && b.SampleRate != 0 {
			rate = b.SampleRate
		}
	}

	samples := make([]float32, 0, total)
	for _, b := range buffers {
		samples = append(samples, b.Samples...)
	}

	return core.Audio{SampleRate: rate, Samples: samples}
}

// ToInt16 converts float32 samples in [-1, 1] to 16-bit PCM, clipping
// out-of-range values.
func ToInt16(samples []float32) []int {
	out := make([]int, len(samples))

	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}

		out[i] = int(s * math.MaxInt16)
	}

	return out
}
