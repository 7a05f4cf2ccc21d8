// Package convert defines the Converter interface used to turn an extracted
// segment's raw audio into its stored form.
//
// The input is always mono little-endian PCM16 as produced by the chunk
// buffer. A Converter applies the requested clean-up (noise removal, silence
// trimming, normalisation, fades), resamples when asked and encodes into the
// target container.
//
// Implementations must be safe for concurrent use.
package convert

import (
	"context"
	"errors"
	"time"
)

// Format names a target container.
type Format string

const (
	FormatWAV   Format = "wav"
	FormatMP3   Format = "mp3"
	FormatPCM16 Format = "pcm16"
)

// IsValid reports whether f is a known format.
func (f Format) IsValid() bool {
	switch f {
	case FormatWAV, FormatMP3, FormatPCM16:
		return true
	}
	return false
}

// ErrNoAudio is returned when nothing audible is left to encode, for example
// after silence trimming removed the whole input.
var ErrNoAudio = errors.New("convert: no audio")

// Options controls a single conversion.
type Options struct {
	// Quality is a 0–1 hint for lossy encoders. Lossless formats ignore it.
	Quality float64

	// Normalize scales the peak to a fixed target level.
	Normalize bool

	// RemoveNoise applies a high-pass filter and a noise gate.
	RemoveNoise bool

	// TrimSilence removes quiet audio from both ends.
	TrimSilence bool

	// FadeIn and FadeOut apply linear ramps of the given length.
	FadeIn  time.Duration
	FadeOut time.Duration

	// SampleRate is the rate of the input PCM. Required.
	SampleRate int

	// TargetSampleRate resamples the output when non-zero and different
	// from SampleRate.
	TargetSampleRate int
}

// Metrics describes what a conversion did.
type Metrics struct {
	InputBytes     int
	OutputBytes    int
	InputDuration  time.Duration
	OutputDuration time.Duration

	// PeakBefore and PeakAfter are absolute sample peaks in [0, 1].
	PeakBefore float64
	PeakAfter  float64

	// Gain is the normalisation factor applied, 1 when none.
	Gain float64

	TrimmedLeading  time.Duration
	TrimmedTrailing time.Duration

	// GatedWindows counts 10ms windows attenuated by the noise gate.
	GatedWindows int

	ProcessingTime time.Duration
}

// Result is a converted payload.
type Result struct {
	Payload    []byte
	Format     Format
	SampleRate int
	Metrics    Metrics
}

// Converter encodes PCM16 mono audio into a target format.
type Converter interface {
	// Convert processes payload per opts and encodes it as target.
	Convert(ctx context.Context, payload []byte, target Format, opts Options) (Result, error)
}
