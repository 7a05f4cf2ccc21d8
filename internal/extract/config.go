package extract

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicesift/pkg/provider/convert"
	"github.com/MrWong99/voicesift/pkg/provider/vad"
)

// Defaults for [Config].
const (
	DefaultExtractionThreshold   = 0.3
	DefaultMaxSegmentsPerSpeaker = 5
	DefaultSpeakerChangeGrace    = 500 * time.Millisecond
	DefaultTargetFormat          = convert.FormatWAV
	DefaultTargetSampleRate      = 16000
	DefaultFade                  = 10 * time.Millisecond
	DefaultTickInterval          = 100 * time.Millisecond
	DefaultBatchSize             = 16
)

// Config controls extraction, retention and speaker-change handling.
type Config struct {
	// ExtractionThreshold is the minimum segment Overall quality.
	ExtractionThreshold float64

	// MaxSegmentsPerSpeaker caps the ranked list kept per speaker.
	MaxSegmentsPerSpeaker int

	// SpeakerChangeGrace: label switches arriving sooner than this after the
	// previous accepted change are treated as diarization jitter.
	SpeakerChangeGrace time.Duration

	// Conversion settings passed to the converter.
	TargetFormat     convert.Format
	TargetSampleRate int
	Quality          float64
	Normalize        bool
	RemoveNoise      bool
	TrimSilence      bool
	FadeIn           time.Duration
	FadeOut          time.Duration

	// Realtime enables the queue tick. Fixed at construction.
	Realtime bool

	// TickInterval is how often the queue is drained in realtime mode.
	TickInterval time.Duration

	// BatchSize bounds the number of queued chunks processed per tick.
	BatchSize int

	// VAD configures per-speaker VAD sessions. SampleRate is overridden by
	// the buffer's sample rate. Changes apply to sessions created later.
	VAD vad.Config
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		ExtractionThreshold:   DefaultExtractionThreshold,
		MaxSegmentsPerSpeaker: DefaultMaxSegmentsPerSpeaker,
		SpeakerChangeGrace:    DefaultSpeakerChangeGrace,
		TargetFormat:          DefaultTargetFormat,
		TargetSampleRate:      DefaultTargetSampleRate,
		Quality:               0.8,
		Normalize:             true,
		RemoveNoise:           true,
		TrimSilence:           true,
		FadeIn:                DefaultFade,
		FadeOut:               DefaultFade,
		TickInterval:          DefaultTickInterval,
		BatchSize:             DefaultBatchSize,
		VAD:                   vad.DefaultConfig(),
	}
}

// Validate reports every invalid field in c.
func (c Config) Validate() error {
	var errs []error
	if c.ExtractionThreshold < 0 || c.ExtractionThreshold > 1 {
		errs = append(errs, fmt.Errorf("extract: extraction_threshold must be in [0, 1], got %g", c.ExtractionThreshold))
	}
	if c.MaxSegmentsPerSpeaker < 1 {
		errs = append(errs, fmt.Errorf("extract: max_segments_per_speaker must be at least 1, got %d", c.MaxSegmentsPerSpeaker))
	}
	if c.SpeakerChangeGrace < 0 {
		errs = append(errs, errors.New("extract: speaker_change_grace must not be negative"))
	}
	if !c.TargetFormat.IsValid() {
		errs = append(errs, fmt.Errorf("extract: unsupported target_format %q", c.TargetFormat))
	}
	if c.TargetSampleRate < 0 {
		errs = append(errs, fmt.Errorf("extract: target_sample_rate must not be negative, got %d", c.TargetSampleRate))
	}
	if c.FadeIn < 0 || c.FadeOut < 0 {
		errs = append(errs, errors.New("extract: fades must not be negative"))
	}
	if c.Realtime && c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("extract: tick_interval must be positive in realtime mode, got %v", c.TickInterval))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("extract: batch_size must be at least 1, got %d", c.BatchSize))
	}
	return errors.Join(errs...)
}

func (c Config) convertOptions(sampleRate int) convert.Options {
	return convert.Options{
		Quality:          c.Quality,
		Normalize:        c.Normalize,
		RemoveNoise:      c.RemoveNoise,
		TrimSilence:      c.TrimSilence,
		FadeIn:           c.FadeIn,
		FadeOut:          c.FadeOut,
		SampleRate:       sampleRate,
		TargetSampleRate: c.TargetSampleRate,
	}
}
