package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MrWong99/voicesift/internal/app"
	"github.com/MrWong99/voicesift/internal/config"
	"github.com/MrWong99/voicesift/internal/observe"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var watchInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket ingest server",
		Long: `Run the ingest server. Clients stream chunks to GET /v1/stream?session=<id>;
health probes live at /healthz and /readyz and Prometheus metrics at the
configured metrics path. The configuration file is watched and reloaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.configPath, watchInterval)
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", config.DefaultWatchInterval, "how often the config file is checked for changes")
	return cmd
}

func serve(parent context.Context, path string, watchInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The watcher does the initial load; reloads reach the app once it exists.
	var current atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(path, func(old, new *config.Config) {
		if a := current.Load(); a != nil {
			a.ApplyConfig(old, new)
		}
	}, config.WithInterval(watchInterval))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", path)
		}
		return err
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	level := newLogger(cfg.Server.LogLevel)
	slog.Info("voicesift starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	host, _ := os.Hostname()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     host,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		return err
	}
	current.Store(application)

	fmt.Fprintln(os.Stderr, startupSummary(cfg))

	if err := application.Run(ctx); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}

var (
	summaryTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FFFF"))
	summaryKey   = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")).Width(16)
	summaryBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

func startupSummary(cfg *config.Config) string {
	uploads := make([]string, 0, len(cfg.Providers.Upload))
	for _, e := range cfg.Providers.Upload {
		uploads = append(uploads, e.Name)
	}
	identities := "memory"
	if cfg.Storage.PostgresDSN != "" {
		identities = "postgres"
	}
	stats := "memory"
	if cfg.Storage.StatsDir != "" {
		stats = cfg.Storage.StatsDir
	}
	maxSessions := "unlimited"
	if cfg.Server.MaxSessions > 0 {
		maxSessions = fmt.Sprint(cfg.Server.MaxSessions)
	}
	mode := "batch"
	if cfg.Extract.Realtime {
		mode = "realtime"
	}

	rows := [][2]string{
		{"Listen addr", cfg.Server.ListenAddr},
		{"Input", fmt.Sprintf("%s @ %dHz", cfg.Audio.InputFormat, cfg.Audio.SampleRate)},
		{"VAD", cfg.Providers.VAD.Name},
		{"Converter", cfg.Providers.Converter.Name},
		{"Upload chain", fmt.Sprint(uploads)},
		{"Identities", identities},
		{"Stats", stats},
		{"Extraction", mode},
		{"Max sessions", maxSessions},
		{"Metrics", cfg.Telemetry.MetricsPath},
	}
	lines := []string{summaryTitle.Render("voicesift " + version)}
	for _, r := range rows {
		lines = append(lines, summaryKey.Render(r[0])+r[1])
	}
	return summaryBox.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
