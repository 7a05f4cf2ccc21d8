package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicesift/pkg/audio"
)

// Defaults for [Config].
const (
	DefaultSampleRate           = 16000
	DefaultMinSNR               = 0.1
	DefaultMinVolume            = 0.02
	DefaultMinClarity           = 0.05
	DefaultMinVoiceActivity     = 0.1
	DefaultVoiceThreshold       = 0.02
	DefaultLowActivityThreshold = 0.3
	DefaultSilenceChunkCount    = 3
	DefaultSilenceTimeout       = 1500 * time.Millisecond
	DefaultMinSegmentDuration   = time.Second
	DefaultMaxSegmentDuration   = 10 * time.Second
	DefaultMaxChunksPerSpeaker  = 600
	DefaultMaxMemoryBytes       = 50 << 20
	DefaultSweepInterval        = 500 * time.Millisecond
)

// Config controls admission, storage limits and segmentation.
type Config struct {
	// Encoding is the chunk payload encoding. Default: pcm16.
	Encoding audio.Encoding

	// Input describes raw PCM16 and Opus payloads. Zero fields default to
	// SampleRate and mono.
	Input audio.Format

	// SampleRate is the rate chunks are stored and analysed at.
	SampleRate int

	// Admission floors. A chunk with any metric below its floor is rejected.
	MinSNR           float64
	MinVolume        float64
	MinClarity       float64
	MinVoiceActivity float64

	// VoiceThreshold is the 10ms sub-frame RMS counted as voiced.
	VoiceThreshold float64

	// LowActivityThreshold: chunks whose voice activity is below it count
	// toward the silence boundary, as do rejected chunks.
	LowActivityThreshold float64

	// SilenceChunkCount is the number of consecutive low-activity chunks
	// tolerated; one more closes the segment.
	SilenceChunkCount int

	// SilenceTimeout closes the segment when this long has passed since the
	// last voiced chunk. The sweep uses it for speakers that stopped sending.
	SilenceTimeout time.Duration

	MinSegmentDuration time.Duration
	MaxSegmentDuration time.Duration

	MaxChunksPerSpeaker int

	// MaxMemoryBytes caps payload bytes held across all speakers.
	MaxMemoryBytes int64

	// SweepInterval is how often stalled speakers are checked. Zero
	// disables the sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		Encoding:             audio.EncodingPCM16,
		SampleRate:           DefaultSampleRate,
		MinSNR:               DefaultMinSNR,
		MinVolume:            DefaultMinVolume,
		MinClarity:           DefaultMinClarity,
		MinVoiceActivity:     DefaultMinVoiceActivity,
		VoiceThreshold:       DefaultVoiceThreshold,
		LowActivityThreshold: DefaultLowActivityThreshold,
		SilenceChunkCount:    DefaultSilenceChunkCount,
		SilenceTimeout:       DefaultSilenceTimeout,
		MinSegmentDuration:   DefaultMinSegmentDuration,
		MaxSegmentDuration:   DefaultMaxSegmentDuration,
		MaxChunksPerSpeaker:  DefaultMaxChunksPerSpeaker,
		MaxMemoryBytes:       DefaultMaxMemoryBytes,
		SweepInterval:        DefaultSweepInterval,
	}
}

// Normalize replaces unsafe values that have an obvious safe default and
// logs each correction. Values that cannot be corrected are left for
// [Config.Validate] to reject.
func (c Config) Normalize() Config {
	if c.Encoding == "" {
		c.Encoding = audio.EncodingPCM16
	}
	if c.MinSegmentDuration <= 0 || c.MaxSegmentDuration <= 0 || c.MinSegmentDuration >= c.MaxSegmentDuration {
		slog.Warn("buffer: invalid segment duration range, using defaults",
			"min", c.MinSegmentDuration, "max", c.MaxSegmentDuration)
		c.MinSegmentDuration = DefaultMinSegmentDuration
		c.MaxSegmentDuration = DefaultMaxSegmentDuration
	}
	if c.SilenceChunkCount < 1 {
		slog.Warn("buffer: silence_chunk_count must be at least 1, using default", "value", c.SilenceChunkCount)
		c.SilenceChunkCount = DefaultSilenceChunkCount
	}
	if c.SilenceTimeout <= 0 {
		slog.Warn("buffer: silence_timeout must be positive, using default", "value", c.SilenceTimeout)
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MaxChunksPerSpeaker < 1 {
		slog.Warn("buffer: max_chunks_per_speaker must be at least 1, using default", "value", c.MaxChunksPerSpeaker)
		c.MaxChunksPerSpeaker = DefaultMaxChunksPerSpeaker
	}
	return c
}

// Validate reports every invalid field in c.
func (c Config) Validate() error {
	var errs []error
	if !c.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("buffer: unsupported encoding %q", c.Encoding))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("buffer: sample_rate must be positive, got %d", c.SampleRate))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"min_snr", c.MinSNR},
		{"min_volume", c.MinVolume},
		{"min_clarity", c.MinClarity},
		{"min_voice_activity", c.MinVoiceActivity},
		{"low_activity_threshold", c.LowActivityThreshold},
	} {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("buffer: %s must be in [0, 1], got %g", f.name, f.v))
		}
	}
	if c.VoiceThreshold <= 0 {
		errs = append(errs, fmt.Errorf("buffer: voice_threshold must be positive, got %g", c.VoiceThreshold))
	}
	if c.MinSegmentDuration >= c.MaxSegmentDuration {
		errs = append(errs, fmt.Errorf("buffer: min_segment_duration %v must be below max_segment_duration %v",
			c.MinSegmentDuration, c.MaxSegmentDuration))
	}
	if c.MaxMemoryBytes <= 0 {
		errs = append(errs, fmt.Errorf("buffer: max_memory_bytes must be positive, got %d", c.MaxMemoryBytes))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("buffer: sweep_interval must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) decoderConfig() audio.DecoderConfig {
	return audio.DecoderConfig{
		Encoding:   c.Encoding,
		Input:      c.Input,
		TargetRate: c.SampleRate,
	}
}
