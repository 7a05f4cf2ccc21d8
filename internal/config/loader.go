package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every error returned by [Validate].
var ErrInvalid = errors.New("config: invalid configuration")

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":       {"energy"},
	"converter": {"native"},
	"upload":    {"s3", "local"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Fields absent from the document keep their default.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns [ErrInvalid] joined with every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if !cfg.Audio.InputFormat.IsValid() {
		errs = append(errs, fmt.Errorf("audio.input_format %q is invalid; valid values: pcm16, wav, mp3, opus", cfg.Audio.InputFormat))
	}
	if cfg.Audio.InputSampleRate < 0 || cfg.Audio.InputChannels < 0 {
		errs = append(errs, errors.New("audio.input_sample_rate and audio.input_channels must not be negative"))
	}

	// Providers
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("converter", cfg.Providers.Converter.Name)
	if len(cfg.Providers.Upload) == 0 {
		errs = append(errs, errors.New("providers.upload must list at least one store"))
	}
	seen := make(map[string]int, len(cfg.Providers.Upload))
	for i, entry := range cfg.Providers.Upload {
		prefix := fmt.Sprintf("providers.upload[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("upload", entry.Name)
		key := entry.Name + "/" + entry.String("bucket", "") + entry.String("dir", "")
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates providers.upload[%d]", prefix, prev))
		}
		seen[key] = i
		switch entry.Name {
		case "s3":
			if entry.String("bucket", "") == "" {
				errs = append(errs, fmt.Errorf("%s.options.bucket is required for s3", prefix))
			}
		case "local":
			if entry.String("dir", "") == "" {
				errs = append(errs, fmt.Errorf("%s.options.dir is required for local", prefix))
			}
		}
	}

	// Pipeline stages
	for _, err := range []error{
		cfg.ForVAD().Validate(),
		cfg.ForBuffer().Validate(),
		cfg.ForExtract().Validate(),
		cfg.ForSelector().Validate(),
		cfg.ForSelector().Cache.Validate(),
	} {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; speaker identities will not survive a restart")
	}

	// Telemetry
	if cfg.Telemetry.MetricsPath != "" && !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be in [0, 1]", r))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a provider registered at runtime",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
