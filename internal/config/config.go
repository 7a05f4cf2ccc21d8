// Package config provides the configuration schema, loader, watcher and
// provider registry for the voicesift server.
package config

import (
	"time"

	"github.com/MrWong99/voicesift/internal/buffer"
	"github.com/MrWong99/voicesift/internal/extract"
	"github.com/MrWong99/voicesift/internal/resilience"
	"github.com/MrWong99/voicesift/internal/segcache"
	"github.com/MrWong99/voicesift/internal/selector"
	"github.com/MrWong99/voicesift/pkg/audio"
	"github.com/MrWong99/voicesift/pkg/provider/convert"
	"github.com/MrWong99/voicesift/pkg/provider/vad"
)

// LogLevel controls log verbosity for the voicesift server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voicesift.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Extract   ExtractConfig   `yaml:"extract"`
	Selector  SelectorConfig  `yaml:"selector"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the ingest server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxSessions caps concurrently open ingest sessions. 0 means no cap.
	MaxSessions int `yaml:"max_sessions"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the implementation behind each pluggable stage.
// Each entry names a factory registered in the [Registry].
type ProvidersConfig struct {
	VAD       ProviderEntry `yaml:"vad"`
	Converter ProviderEntry `yaml:"converter"`

	// Upload lists sample stores in preference order. The first entry is the
	// primary; the rest are fallbacks tried while earlier stores fail.
	Upload []ProviderEntry `yaml:"upload"`
}

// ProviderEntry is the configuration for a single provider instance.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "s3").
	Name string `yaml:"name"`

	// Options holds implementation-specific settings such as bucket names
	// or directories.
	Options map[string]any `yaml:"options"`
}

// String returns the string option key, or def when it is missing or not a
// string.
func (e ProviderEntry) String(key, def string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the boolean option key, or false when it is missing or not a
// bool.
func (e ProviderEntry) Bool(key string) bool {
	v, _ := e.Options[key].(bool)
	return v
}

// AudioConfig describes incoming chunk payloads and the analysis rate.
type AudioConfig struct {
	// InputFormat is the chunk payload encoding: pcm16, wav, mp3 or opus.
	InputFormat audio.Encoding `yaml:"input_format"`

	// SampleRate is the rate audio is stored and analysed at.
	SampleRate int `yaml:"sample_rate"`

	// InputSampleRate and InputChannels describe raw pcm16 and opus
	// payloads. Zero means SampleRate and mono.
	InputSampleRate int `yaml:"input_sample_rate"`
	InputChannels   int `yaml:"input_channels"`
}

// VADConfig mirrors [vad.Config]; the sample rate comes from [AudioConfig].
type VADConfig struct {
	FrameSize           int           `yaml:"frame_size"`
	HopSize             int           `yaml:"hop_size"`
	EnergyThreshold     float64       `yaml:"energy_threshold"`
	MinZCR              float64       `yaml:"min_zcr"`
	MaxZCR              float64       `yaml:"max_zcr"`
	SpectralMinHz       float64       `yaml:"spectral_min_hz"`
	SpectralMaxHz       float64       `yaml:"spectral_max_hz"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	HangoverFrames      int           `yaml:"hangover_frames"`
	SmoothingWindow     int           `yaml:"smoothing_window"`
	AdaptiveThreshold   bool          `yaml:"adaptive_threshold"`
	MinVoiceDuration    time.Duration `yaml:"min_voice_duration"`
}

// BufferConfig holds the chunk admission floors and segmentation limits.
type BufferConfig struct {
	MinSNR               float64       `yaml:"min_snr"`
	MinVolume            float64       `yaml:"min_volume"`
	MinClarity           float64       `yaml:"min_clarity"`
	MinVoiceActivity     float64       `yaml:"min_voice_activity"`
	VoiceThreshold       float64       `yaml:"voice_threshold"`
	LowActivityThreshold float64       `yaml:"low_activity_threshold"`
	SilenceChunkCount    int           `yaml:"silence_chunk_count"`
	SilenceTimeout       time.Duration `yaml:"silence_timeout"`
	MinSegmentDuration   time.Duration `yaml:"min_segment_duration"`
	MaxSegmentDuration   time.Duration `yaml:"max_segment_duration"`
	MaxChunksPerSpeaker  int           `yaml:"max_chunks_per_speaker"`
	MaxMemoryBytes       int64         `yaml:"max_memory_bytes"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
}

// ExtractConfig controls extraction, retention and conversion.
type ExtractConfig struct {
	ExtractionThreshold   float64        `yaml:"extraction_threshold"`
	MaxSegmentsPerSpeaker int            `yaml:"max_segments_per_speaker"`
	SpeakerChangeGrace    time.Duration  `yaml:"speaker_change_grace"`
	TargetFormat          convert.Format `yaml:"target_format"`
	TargetSampleRate      int            `yaml:"target_sample_rate"`
	Quality               float64        `yaml:"quality"`
	Normalize             bool           `yaml:"normalize"`
	RemoveNoise           bool           `yaml:"remove_noise"`
	TrimSilence           bool           `yaml:"trim_silence"`
	FadeIn                time.Duration  `yaml:"fade_in"`
	FadeOut               time.Duration  `yaml:"fade_out"`
	Realtime              bool           `yaml:"realtime"`
	TickInterval          time.Duration  `yaml:"tick_interval"`
	BatchSize             int            `yaml:"batch_size"`
}

// SelectorConfig holds the upload gate thresholds and the upload pool.
type SelectorConfig struct {
	AutoEmit                bool          `yaml:"auto_emit"`
	UploadThreshold         float64       `yaml:"upload_threshold"`
	MinSampleDuration       time.Duration `yaml:"min_sample_duration"`
	MaxSampleDuration       time.Duration `yaml:"max_sample_duration"`
	TargetSamplesPerSpeaker int           `yaml:"target_samples_per_speaker"`
	QualityMargin           float64       `yaml:"quality_margin"`
	MinFingerprintDistance  float64       `yaml:"min_fingerprint_distance"`
	CacheMaxBytes           int64         `yaml:"cache_max_bytes"`
	CacheTTL                time.Duration `yaml:"cache_ttl"`
	CacheSweepInterval      time.Duration `yaml:"cache_sweep_interval"`
	UploadWorkers           int           `yaml:"upload_workers"`
	UploadQueue             int           `yaml:"upload_queue"`

	// BreakerMaxFailures and BreakerResetTimeout tune the circuit breaker
	// around every upload store. Zero uses the breaker defaults.
	BreakerMaxFailures  int           `yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// StorageConfig holds the identity registry and stats store locations.
type StorageConfig struct {
	// PostgresDSN selects the PostgreSQL identity registry. When empty an
	// in-memory registry is used.
	PostgresDSN string `yaml:"postgres_dsn"`

	// StatsDir is the badger directory for per-speaker stats. When empty
	// stats are kept in memory.
	StatsDir string `yaml:"stats_dir"`
}

// TelemetryConfig configures metrics export and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of new traces recorded. 0 disables
	// tracing for requests that arrive without a sampled parent.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Default values for the top-level sections.
const (
	DefaultListenAddr  = ":8080"
	DefaultServiceName = "voicesift"
	DefaultMetricsPath = "/metrics"
	DefaultSampleDir   = "./samples"
)

// Default returns a Config populated with every documented default. The
// upload chain is a single local store under [DefaultSampleDir].
func Default() *Config {
	v := vad.DefaultConfig()
	b := buffer.DefaultConfig()
	e := extract.DefaultConfig()
	s := selector.DefaultConfig()
	return &Config{
		Server: ServerConfig{ListenAddr: DefaultListenAddr, LogLevel: LogInfo},
		Providers: ProvidersConfig{
			VAD:       ProviderEntry{Name: "energy"},
			Converter: ProviderEntry{Name: "native"},
			Upload: []ProviderEntry{
				{Name: "local", Options: map[string]any{"dir": DefaultSampleDir}},
			},
		},
		Audio: AudioConfig{
			InputFormat: audio.EncodingPCM16,
			SampleRate:  b.SampleRate,
		},
		VAD: VADConfig{
			FrameSize:           v.FrameSize,
			HopSize:             v.HopSize,
			EnergyThreshold:     v.EnergyThreshold,
			MinZCR:              v.MinZCR,
			MaxZCR:              v.MaxZCR,
			SpectralMinHz:       v.SpectralMinHz,
			SpectralMaxHz:       v.SpectralMaxHz,
			ConfidenceThreshold: v.ConfidenceThreshold,
			HangoverFrames:      v.HangoverFrames,
			SmoothingWindow:     v.SmoothingWindow,
			AdaptiveThreshold:   v.AdaptiveThreshold,
			MinVoiceDuration:    v.MinVoiceDuration,
		},
		Buffer: BufferConfig{
			MinSNR:               b.MinSNR,
			MinVolume:            b.MinVolume,
			MinClarity:           b.MinClarity,
			MinVoiceActivity:     b.MinVoiceActivity,
			VoiceThreshold:       b.VoiceThreshold,
			LowActivityThreshold: b.LowActivityThreshold,
			SilenceChunkCount:    b.SilenceChunkCount,
			SilenceTimeout:       b.SilenceTimeout,
			MinSegmentDuration:   b.MinSegmentDuration,
			MaxSegmentDuration:   b.MaxSegmentDuration,
			MaxChunksPerSpeaker:  b.MaxChunksPerSpeaker,
			MaxMemoryBytes:       b.MaxMemoryBytes,
			SweepInterval:        b.SweepInterval,
		},
		Extract: ExtractConfig{
			ExtractionThreshold:   e.ExtractionThreshold,
			MaxSegmentsPerSpeaker: e.MaxSegmentsPerSpeaker,
			SpeakerChangeGrace:    e.SpeakerChangeGrace,
			TargetFormat:          e.TargetFormat,
			TargetSampleRate:      e.TargetSampleRate,
			Quality:               e.Quality,
			Normalize:             e.Normalize,
			RemoveNoise:           e.RemoveNoise,
			TrimSilence:           e.TrimSilence,
			FadeIn:                e.FadeIn,
			FadeOut:               e.FadeOut,
			Realtime:              e.Realtime,
			TickInterval:          e.TickInterval,
			BatchSize:             e.BatchSize,
		},
		Selector: SelectorConfig{
			AutoEmit:                s.AutoEmit,
			UploadThreshold:         s.UploadThreshold,
			MinSampleDuration:       s.MinSampleDuration,
			MaxSampleDuration:       s.MaxSampleDuration,
			TargetSamplesPerSpeaker: s.TargetSamplesPerSpeaker,
			QualityMargin:           s.QualityMargin,
			MinFingerprintDistance:  s.MinFingerprintDistance,
			CacheMaxBytes:           s.Cache.MaxBytes,
			CacheTTL:                s.Cache.TTL,
			CacheSweepInterval:      s.Cache.SweepInterval,
			UploadWorkers:           s.UploadWorkers,
			UploadQueue:             s.UploadQueue,
		},
		Telemetry: TelemetryConfig{
			ServiceName:      DefaultServiceName,
			MetricsPath:      DefaultMetricsPath,
			TraceSampleRatio: 1,
		},
	}
}

// ApplyDefaults fills zero-valued fields of cfg whose zero value is never
// meaningful. Thresholds and booleans are left alone since zero is a valid
// setting for them.
func ApplyDefaults(cfg *Config) {
	def := Default()
	setIfZero(&cfg.Server.ListenAddr, def.Server.ListenAddr)
	setIfZero(&cfg.Server.LogLevel, def.Server.LogLevel)
	setIfZero(&cfg.Providers.VAD.Name, def.Providers.VAD.Name)
	setIfZero(&cfg.Providers.Converter.Name, def.Providers.Converter.Name)
	if len(cfg.Providers.Upload) == 0 {
		cfg.Providers.Upload = def.Providers.Upload
	}
	setIfZero(&cfg.Audio.InputFormat, def.Audio.InputFormat)
	setIfZero(&cfg.Audio.SampleRate, def.Audio.SampleRate)

	setIfZero(&cfg.VAD.FrameSize, def.VAD.FrameSize)
	setIfZero(&cfg.VAD.HopSize, def.VAD.HopSize)
	setIfZero(&cfg.VAD.EnergyThreshold, def.VAD.EnergyThreshold)
	setIfZero(&cfg.VAD.MaxZCR, def.VAD.MaxZCR)
	setIfZero(&cfg.VAD.SpectralMaxHz, def.VAD.SpectralMaxHz)
	setIfZero(&cfg.VAD.SmoothingWindow, def.VAD.SmoothingWindow)

	setIfZero(&cfg.Buffer.VoiceThreshold, def.Buffer.VoiceThreshold)
	setIfZero(&cfg.Buffer.SilenceChunkCount, def.Buffer.SilenceChunkCount)
	setIfZero(&cfg.Buffer.SilenceTimeout, def.Buffer.SilenceTimeout)
	setIfZero(&cfg.Buffer.MinSegmentDuration, def.Buffer.MinSegmentDuration)
	setIfZero(&cfg.Buffer.MaxSegmentDuration, def.Buffer.MaxSegmentDuration)
	setIfZero(&cfg.Buffer.MaxChunksPerSpeaker, def.Buffer.MaxChunksPerSpeaker)
	setIfZero(&cfg.Buffer.MaxMemoryBytes, def.Buffer.MaxMemoryBytes)

	setIfZero(&cfg.Extract.MaxSegmentsPerSpeaker, def.Extract.MaxSegmentsPerSpeaker)
	setIfZero(&cfg.Extract.TargetFormat, def.Extract.TargetFormat)
	setIfZero(&cfg.Extract.TickInterval, def.Extract.TickInterval)
	setIfZero(&cfg.Extract.BatchSize, def.Extract.BatchSize)

	setIfZero(&cfg.Selector.MinSampleDuration, def.Selector.MinSampleDuration)
	setIfZero(&cfg.Selector.MaxSampleDuration, def.Selector.MaxSampleDuration)
	setIfZero(&cfg.Selector.TargetSamplesPerSpeaker, def.Selector.TargetSamplesPerSpeaker)
	setIfZero(&cfg.Selector.CacheMaxBytes, def.Selector.CacheMaxBytes)
	setIfZero(&cfg.Selector.CacheTTL, def.Selector.CacheTTL)
	setIfZero(&cfg.Selector.UploadWorkers, def.Selector.UploadWorkers)
	setIfZero(&cfg.Selector.UploadQueue, def.Selector.UploadQueue)

	setIfZero(&cfg.Telemetry.ServiceName, def.Telemetry.ServiceName)
	setIfZero(&cfg.Telemetry.MetricsPath, def.Telemetry.MetricsPath)
}

func setIfZero[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

// ForVAD returns the VAD session config for the configured analysis rate.
func (c *Config) ForVAD() vad.Config {
	return vad.Config{
		SampleRate:          c.Audio.SampleRate,
		FrameSize:           c.VAD.FrameSize,
		HopSize:             c.VAD.HopSize,
		EnergyThreshold:     c.VAD.EnergyThreshold,
		MinZCR:              c.VAD.MinZCR,
		MaxZCR:              c.VAD.MaxZCR,
		SpectralMinHz:       c.VAD.SpectralMinHz,
		SpectralMaxHz:       c.VAD.SpectralMaxHz,
		ConfidenceThreshold: c.VAD.ConfidenceThreshold,
		HangoverFrames:      c.VAD.HangoverFrames,
		SmoothingWindow:     c.VAD.SmoothingWindow,
		AdaptiveThreshold:   c.VAD.AdaptiveThreshold,
		MinVoiceDuration:    c.VAD.MinVoiceDuration,
	}
}

// ForBuffer returns the chunk buffer config.
func (c *Config) ForBuffer() buffer.Config {
	return buffer.Config{
		Encoding: c.Audio.InputFormat,
		Input: audio.Format{
			SampleRate: c.Audio.InputSampleRate,
			Channels:   c.Audio.InputChannels,
		},
		SampleRate:           c.Audio.SampleRate,
		MinSNR:               c.Buffer.MinSNR,
		MinVolume:            c.Buffer.MinVolume,
		MinClarity:           c.Buffer.MinClarity,
		MinVoiceActivity:     c.Buffer.MinVoiceActivity,
		VoiceThreshold:       c.Buffer.VoiceThreshold,
		LowActivityThreshold: c.Buffer.LowActivityThreshold,
		SilenceChunkCount:    c.Buffer.SilenceChunkCount,
		SilenceTimeout:       c.Buffer.SilenceTimeout,
		MinSegmentDuration:   c.Buffer.MinSegmentDuration,
		MaxSegmentDuration:   c.Buffer.MaxSegmentDuration,
		MaxChunksPerSpeaker:  c.Buffer.MaxChunksPerSpeaker,
		MaxMemoryBytes:       c.Buffer.MaxMemoryBytes,
		SweepInterval:        c.Buffer.SweepInterval,
	}
}

// ForExtract returns the segment extractor config, VAD settings included.
func (c *Config) ForExtract() extract.Config {
	return extract.Config{
		ExtractionThreshold:   c.Extract.ExtractionThreshold,
		MaxSegmentsPerSpeaker: c.Extract.MaxSegmentsPerSpeaker,
		SpeakerChangeGrace:    c.Extract.SpeakerChangeGrace,
		TargetFormat:          c.Extract.TargetFormat,
		TargetSampleRate:      c.Extract.TargetSampleRate,
		Quality:               c.Extract.Quality,
		Normalize:             c.Extract.Normalize,
		RemoveNoise:           c.Extract.RemoveNoise,
		TrimSilence:           c.Extract.TrimSilence,
		FadeIn:                c.Extract.FadeIn,
		FadeOut:               c.Extract.FadeOut,
		Realtime:              c.Extract.Realtime,
		TickInterval:          c.Extract.TickInterval,
		BatchSize:             c.Extract.BatchSize,
		VAD:                   c.ForVAD(),
	}
}

// ForSelector returns the upload gate config.
func (c *Config) ForSelector() selector.Config {
	return selector.Config{
		AutoEmit:                c.Selector.AutoEmit,
		UploadThreshold:         c.Selector.UploadThreshold,
		MinSampleDuration:       c.Selector.MinSampleDuration,
		MaxSampleDuration:       c.Selector.MaxSampleDuration,
		TargetSamplesPerSpeaker: c.Selector.TargetSamplesPerSpeaker,
		QualityMargin:           c.Selector.QualityMargin,
		MinFingerprintDistance:  c.Selector.MinFingerprintDistance,
		UploadWorkers:           c.Selector.UploadWorkers,
		UploadQueue:             c.Selector.UploadQueue,
		Cache: segcache.Config{
			MaxBytes:      c.Selector.CacheMaxBytes,
			TTL:           c.Selector.CacheTTL,
			SweepInterval: c.Selector.CacheSweepInterval,
		},
		Breaker: c.ForBreaker("upload"),
	}
}

// ForBreaker returns a circuit breaker config named name.
func (c *Config) ForBreaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  c.Selector.BreakerMaxFailures,
		ResetTimeout: c.Selector.BreakerResetTimeout,
	}
}
