package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicesift/internal/app"
	"github.com/MrWong99/voicesift/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "voicesift",
		Short: "Harvest per-speaker voice samples from multi-speaker audio",
		Long: `voicesift ingests diarized audio chunks, cuts them into per-speaker
segments, ranks them by quality and uploads the best ones as voice samples.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(opts),
		newAnalyzeCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger installs a text logger on stderr whose level can be changed
// after startup.
func newLogger(level config.LogLevel) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(app.SlogLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return lv
}
