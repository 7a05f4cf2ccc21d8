package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicesift/internal/config"
	"github.com/MrWong99/voicesift/internal/resilience"
)

// BuildProviders instantiates every provider named in cfg using the registry.
// The upload entries become a fallback chain (see [BuildUploader]).
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	v, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("app: create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = v
	slog.Info("app: provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	c, err := reg.CreateConverter(cfg.Providers.Converter)
	if err != nil {
		return nil, fmt.Errorf("app: create converter %q: %w", cfg.Providers.Converter.Name, err)
	}
	ps.Converter = c
	slog.Info("app: provider created", "kind", "converter", "name", cfg.Providers.Converter.Name)

	up, err := BuildUploader(cfg, reg)
	if err != nil {
		return nil, err
	}
	ps.Uploader = up
	return ps, nil
}

// BuildUploader creates every store listed under providers.upload and chains
// them behind per-store circuit breakers. The first entry is the primary.
func BuildUploader(cfg *config.Config, reg *config.Registry) (*resilience.UploadFallback, error) {
	entries := cfg.Providers.Upload
	if len(entries) == 0 {
		return nil, errors.New("app: no upload providers configured")
	}

	var chain *resilience.UploadFallback
	for i, e := range entries {
		u, err := reg.CreateUploader(e)
		if err != nil {
			return nil, fmt.Errorf("app: create upload provider %q (index %d): %w", e.Name, i, err)
		}
		name := fmt.Sprintf("%s-%d", e.Name, i)
		if chain == nil {
			chain = resilience.NewUploadFallback(u, name, resilience.FallbackConfig{
				CircuitBreaker: cfg.ForBreaker("upload"),
			})
		} else {
			chain.AddFallback(name, u)
		}
		slog.Info("app: provider created", "kind", "upload", "name", e.Name, "role", role(i))
	}
	return chain, nil
}

func role(i int) string {
	if i == 0 {
		return "primary"
	}
	return "fallback"
}
