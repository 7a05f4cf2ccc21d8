package main

import (
	"log/slog"

	"github.com/MrWong99/voicesift/internal/config"
	"github.com/MrWong99/voicesift/pkg/provider/convert"
	"github.com/MrWong99/voicesift/pkg/provider/convert/native"
	"github.com/MrWong99/voicesift/pkg/provider/upload"
	"github.com/MrWong99/voicesift/pkg/provider/upload/local"
	"github.com/MrWong99/voicesift/pkg/provider/upload/s3"
	"github.com/MrWong99/voicesift/pkg/provider/vad"
	"github.com/MrWong99/voicesift/pkg/provider/vad/energy"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from its options.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Converter ─────────────────────────────────────────────────────────────

	reg.RegisterConverter("native", func(config.ProviderEntry) (convert.Converter, error) {
		return native.New(), nil
	})

	// ── Upload ────────────────────────────────────────────────────────────────

	reg.RegisterUploader("s3", func(entry config.ProviderEntry) (upload.Uploader, error) {
		return s3.NewFromConfig(s3.Config{
			Bucket:          entry.String("bucket", ""),
			Prefix:          entry.String("prefix", ""),
			Region:          entry.String("region", ""),
			Endpoint:        entry.String("endpoint", ""),
			AccessKeyID:     entry.String("access_key_id", ""),
			SecretAccessKey: entry.String("secret_access_key", ""),
			PathStyle:       entry.Bool("path_style"),
			PublicURL:       entry.String("public_url", ""),
		})
	})

	reg.RegisterUploader("local", func(entry config.ProviderEntry) (upload.Uploader, error) {
		return local.New(entry.String("dir", config.DefaultSampleDir))
	})

	for _, kind := range []string{"vad", "converter", "upload"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}
