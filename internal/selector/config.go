package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicesift/internal/resilience"
	"github.com/MrWong99/voicesift/internal/segcache"
)

// Defaults for [Config].
const (
	DefaultUploadThreshold         = 0.5
	DefaultMinSampleDuration       = time.Second
	DefaultMaxSampleDuration       = 15 * time.Second
	DefaultTargetSamplesPerSpeaker = 3
	DefaultQualityMargin           = 0.1
	DefaultUploadWorkers           = 2
	DefaultUploadQueue             = 64
)

// Config controls the upload gate.
type Config struct {
	// AutoEmit enables the gate. When false nothing is accepted.
	AutoEmit bool

	// UploadThreshold is the minimum Overall quality of an accepted sample.
	UploadThreshold float64

	// MinSampleDuration and MaxSampleDuration bound accepted durations,
	// inclusive.
	MinSampleDuration time.Duration
	MaxSampleDuration time.Duration

	// TargetSamplesPerSpeaker is the number of samples accepted on quality
	// alone. Beyond it a sample must beat the speaker's running average by
	// QualityMargin.
	TargetSamplesPerSpeaker int
	QualityMargin           float64

	// MinFingerprintDistance rejects samples whose fingerprint lies closer
	// than this to an indexed sample of the same speaker. Zero disables
	// the check.
	MinFingerprintDistance float64

	// UploadWorkers and UploadQueue size the background upload pool. Fixed
	// at construction.
	UploadWorkers int
	UploadQueue   int

	// Cache configures the accepted-sample cache. Fixed at construction.
	Cache segcache.Config

	// Breaker guards the uploader. Fixed at construction.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		AutoEmit:                true,
		UploadThreshold:         DefaultUploadThreshold,
		MinSampleDuration:       DefaultMinSampleDuration,
		MaxSampleDuration:       DefaultMaxSampleDuration,
		TargetSamplesPerSpeaker: DefaultTargetSamplesPerSpeaker,
		QualityMargin:           DefaultQualityMargin,
		UploadWorkers:           DefaultUploadWorkers,
		UploadQueue:             DefaultUploadQueue,
		Cache:                   segcache.DefaultConfig(),
		Breaker:                 resilience.CircuitBreakerConfig{Name: "upload"},
	}
}

// Normalize replaces unsafe values that have an obvious safe default and
// logs each correction.
func (c Config) Normalize() Config {
	if c.MinSampleDuration <= 0 || c.MaxSampleDuration <= 0 || c.MinSampleDuration >= c.MaxSampleDuration {
		slog.Warn("selector: invalid sample duration range, using defaults",
			"min", c.MinSampleDuration, "max", c.MaxSampleDuration)
		c.MinSampleDuration = DefaultMinSampleDuration
		c.MaxSampleDuration = DefaultMaxSampleDuration
	}
	if c.TargetSamplesPerSpeaker < 1 {
		slog.Warn("selector: target_samples_per_speaker must be at least 1, using default", "value", c.TargetSamplesPerSpeaker)
		c.TargetSamplesPerSpeaker = DefaultTargetSamplesPerSpeaker
	}
	if c.UploadWorkers < 1 {
		c.UploadWorkers = DefaultUploadWorkers
	}
	if c.UploadQueue < 1 {
		c.UploadQueue = DefaultUploadQueue
	}
	return c
}

// Validate reports every invalid field in c.
func (c Config) Validate() error {
	var errs []error
	if c.UploadThreshold < 0 || c.UploadThreshold > 1 {
		errs = append(errs, fmt.Errorf("selector: upload_threshold must be in [0, 1], got %g", c.UploadThreshold))
	}
	if c.MinSampleDuration >= c.MaxSampleDuration {
		errs = append(errs, fmt.Errorf("selector: min_sample_duration (%v) must be below max_sample_duration (%v)",
			c.MinSampleDuration, c.MaxSampleDuration))
	}
	if c.TargetSamplesPerSpeaker < 1 {
		errs = append(errs, fmt.Errorf("selector: target_samples_per_speaker must be at least 1, got %d", c.TargetSamplesPerSpeaker))
	}
	if c.QualityMargin < 0 {
		errs = append(errs, fmt.Errorf("selector: quality_margin must not be negative, got %g", c.QualityMargin))
	}
	if c.MinFingerprintDistance < 0 {
		errs = append(errs, fmt.Errorf("selector: min_fingerprint_distance must not be negative, got %g", c.MinFingerprintDistance))
	}
	if c.UploadWorkers < 1 {
		errs = append(errs, fmt.Errorf("selector: upload_workers must be at least 1, got %d", c.UploadWorkers))
	}
	if c.UploadQueue < 1 {
		errs = append(errs, fmt.Errorf("selector: upload_queue must be at least 1, got %d", c.UploadQueue))
	}
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
