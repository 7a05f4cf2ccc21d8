// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine classifies fixed-size analysis frames of a mono PCM16 stream as
// voice or silence and groups voiced frames into [types.VADSegment] values.
// Each session owns its own detection state (carry-over samples, smoothing
// window, adaptive threshold history, segment state machine) so that every
// speaker can be analysed independently.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is safe for concurrent use as well; callers that need
// strict frame ordering must serialize Process calls themselves.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicesift/pkg/types"
)

// Defaults for [Config].
const (
	DefaultSampleRate          = 16000
	DefaultFrameSize           = 512
	DefaultHopSize             = 256
	DefaultEnergyThreshold     = 0.01
	DefaultMinZCR              = 0.02
	DefaultMaxZCR              = 0.35
	DefaultSpectralMinHz       = 200.0
	DefaultSpectralMaxHz       = 5000.0
	DefaultConfidenceThreshold = 0.5
	DefaultHangoverFrames      = 8
	DefaultSmoothingWindow     = 5
	DefaultMinVoiceDuration    = 250 * time.Millisecond
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the rate of the PCM passed to Process, in Hz.
	SampleRate int

	// FrameSize is the analysis window length in samples.
	FrameSize int

	// HopSize is the distance between consecutive frame starts in samples.
	// Must be in (0, FrameSize].
	HopSize int

	// EnergyThreshold is the frame RMS at or above which the energy vote
	// passes. When AdaptiveThreshold is set it is the base the adaptive
	// estimate is floored against.
	EnergyThreshold float64

	// MinZCR and MaxZCR bound the zero-crossing rate typical of speech.
	MinZCR float64
	MaxZCR float64

	// SpectralMinHz and SpectralMaxHz bound the spectral centroid typical
	// of speech.
	SpectralMinHz float64
	SpectralMaxHz float64

	// ConfidenceThreshold is the minimum frame confidence that opens a
	// segment. Range: [0, 1].
	ConfidenceThreshold float64

	// HangoverFrames is the number of consecutive silent frames tolerated
	// inside a segment before it is closed.
	HangoverFrames int

	// SmoothingWindow is the number of recent frames used for the majority
	// vote that may flip a low-confidence classification. 1 disables it.
	SmoothingWindow int

	// AdaptiveThreshold replaces EnergyThreshold with the 30th percentile of
	// recent frame energies, floored at half the base threshold.
	AdaptiveThreshold bool

	// MinVoiceDuration is the shortest segment that is emitted.
	MinVoiceDuration time.Duration

	// SpeakerID is copied onto every emitted segment.
	SpeakerID string
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:          DefaultSampleRate,
		FrameSize:           DefaultFrameSize,
		HopSize:             DefaultHopSize,
		EnergyThreshold:     DefaultEnergyThreshold,
		MinZCR:              DefaultMinZCR,
		MaxZCR:              DefaultMaxZCR,
		SpectralMinHz:       DefaultSpectralMinHz,
		SpectralMaxHz:       DefaultSpectralMaxHz,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		HangoverFrames:      DefaultHangoverFrames,
		SmoothingWindow:     DefaultSmoothingWindow,
		MinVoiceDuration:    DefaultMinVoiceDuration,
	}
}

// Validate reports every invalid field in c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSize <= 1 {
		errs = append(errs, fmt.Errorf("vad: frame_size must be greater than 1, got %d", c.FrameSize))
	}
	if c.HopSize <= 0 || c.HopSize > c.FrameSize {
		errs = append(errs, fmt.Errorf("vad: hop_size must be in (0, frame_size], got %d", c.HopSize))
	}
	if c.EnergyThreshold <= 0 {
		errs = append(errs, fmt.Errorf("vad: energy_threshold must be positive, got %g", c.EnergyThreshold))
	}
	if c.MinZCR < 0 || c.MinZCR >= c.MaxZCR {
		errs = append(errs, fmt.Errorf("vad: zcr range [%g, %g] is invalid", c.MinZCR, c.MaxZCR))
	}
	if c.SpectralMinHz < 0 || c.SpectralMinHz >= c.SpectralMaxHz {
		errs = append(errs, fmt.Errorf("vad: spectral range [%g, %g] is invalid", c.SpectralMinHz, c.SpectralMaxHz))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: confidence_threshold must be in [0, 1], got %g", c.ConfidenceThreshold))
	}
	if c.HangoverFrames < 0 {
		errs = append(errs, fmt.Errorf("vad: hangover_frames must not be negative, got %d", c.HangoverFrames))
	}
	if c.SmoothingWindow < 1 {
		errs = append(errs, fmt.Errorf("vad: smoothing_window must be at least 1, got %d", c.SmoothingWindow))
	}
	if c.MinVoiceDuration < 0 {
		errs = append(errs, errors.New("vad: min_voice_duration must not be negative"))
	}
	return errors.Join(errs...)
}

// Stats summarises a session's activity since creation or the last Reset.
type Stats struct {
	FramesProcessed int
	VoiceFrames     int
	SegmentsEmitted int

	// SegmentsDropped counts closed segments shorter than MinVoiceDuration.
	SegmentsDropped int

	// Threshold is the energy threshold applied to the most recent frame.
	Threshold float64
}

// VoiceRatio returns VoiceFrames / FramesProcessed, or 0 before any frame.
func (s Stats) VoiceRatio() float64 {
	if s.FramesProcessed == 0 {
		return 0
	}
	return float64(s.VoiceFrames) / float64(s.FramesProcessed)
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live engine.
type SessionHandle interface {
	// Process analyses little-endian PCM16 mono samples at the session's
	// SampleRate. ts is the capture time of the first sample. Samples that do
	// not fill a whole frame are carried over to the next call. Malformed
	// input (empty or an odd byte count) is logged and yields no frames.
	Process(pcm []byte, ts time.Time) []types.VADFrame

	// ForceClose closes an open segment without waiting for the hangover.
	// The minimum duration still applies: it returns the emitted segment,
	// or nil when no segment was open or it was too short.
	ForceClose(ts time.Time) *types.VADSegment

	// OnSegment registers fn to be called for every emitted segment and
	// returns a function that removes it.
	OnSegment(fn func(types.VADSegment)) (unsubscribe func())

	// Stats returns a snapshot of the session counters.
	Stats() Stats

	// Reset clears all detection state and counters without closing the
	// session. Subscribers are kept.
	Reset()

	// Close releases the session. After Close, Process returns nil and
	// ForceClose is a no-op. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session. Returns an error if cfg is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
