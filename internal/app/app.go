// Package app wires all voicesift subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// shared stores, Run serves the ingest, health and metrics endpoints, and
// Shutdown drains open sessions and tears everything down in order.
//
// For testing, inject fakes via functional options (WithIdentityRegistry,
// WithStatsStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicesift/internal/config"
	"github.com/MrWong99/voicesift/internal/health"
	"github.com/MrWong99/voicesift/internal/ingest"
	"github.com/MrWong99/voicesift/internal/observe"
	"github.com/MrWong99/voicesift/internal/selector"
	"github.com/MrWong99/voicesift/internal/statstore"
	"github.com/MrWong99/voicesift/pkg/provider/convert"
	"github.com/MrWong99/voicesift/pkg/provider/identity"
	"github.com/MrWong99/voicesift/pkg/provider/identity/memory"
	"github.com/MrWong99/voicesift/pkg/provider/identity/postgres"
	"github.com/MrWong99/voicesift/pkg/provider/upload"
	"github.com/MrWong99/voicesift/pkg/provider/vad"
)

// DefaultShutdownTimeout bounds the drain Run performs after its context
// is cancelled.
const DefaultShutdownTimeout = 30 * time.Second

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	VAD       vad.Engine
	Converter convert.Converter

	// Uploader is usually the fallback chain built by [BuildUploader].
	Uploader upload.Uploader
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	ids      identity.Registry
	stats    selector.StatsStore
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	sessions *SessionManager
	ingest   *ingest.Server
	health   *health.Handler
	checkers []health.Checker
	server   *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIdentityRegistry injects an identity registry instead of creating one
// from config.
func WithIdentityRegistry(r identity.Registry) Option {
	return func(a *App) { a.ids = r }
}

// WithStatsStore injects a stats store instead of opening badger.
func WithStatsStore(s selector.StatsStore) Option {
	return func(a *App) { a.stats = s }
}

// WithMetrics injects the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil || providers.Converter == nil || providers.Uploader == nil {
		return nil, errors.New("app: vad, converter and uploader providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initIdentity(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init identity registry: %w", err)
	}
	if err := a.initStats(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init stats store: %w", err)
	}

	if c, ok := providers.Uploader.(interface{ Check(context.Context) error }); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "upload", Check: c.Check})
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:     cfg,
		Providers:  providers,
		Identities: a.ids,
		Stats:      a.stats,
		Metrics:    a.metrics,
	})
	a.checkers = append(a.checkers, health.Capacity("sessions", a.sessions.Load))
	a.ingest = ingest.New(a.sessions)
	a.health = health.New(a.checkers...)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initIdentity connects to PostgreSQL when a DSN is configured and falls
// back to the in-memory registry otherwise.
func (a *App) initIdentity(ctx context.Context) error {
	if a.ids != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("app: no postgres_dsn configured, identities are kept in memory")
		a.ids = memory.New()
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.ids = store
	a.checkers = append(a.checkers, health.Ping("postgres", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initStats() error {
	if a.stats != nil {
		return nil
	}
	dir := a.cfg.Storage.StatsDir
	st, err := statstore.Open(statstore.Options{Dir: dir, InMemory: dir == ""})
	if err != nil {
		return err
	}
	a.stats = st
	a.closers = append(a.closers, st.Close)
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the HTTP handler serving ingest, health and metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.ingest.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, observe.MetricsHandler())
	return observe.Middleware(a.metrics,
		observe.WithRoutes(ingest.StreamPath, health.LivePath, health.ReadyPath, a.cfg.Telemetry.MetricsPath),
		observe.WithQuietPaths(health.LivePath, health.ReadyPath, a.cfg.Telemetry.MetricsPath),
	)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then shuts down with
// [DefaultShutdownTimeout]. It returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("app: listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// ApplyConfig reacts to a reloaded configuration. Log level and the
// extraction and upload gate settings apply immediately; audio and buffer
// settings apply to sessions opened afterwards.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.ExtractChanged || d.SelectorChanged || d.SessionChanged {
		if err := a.sessions.UpdateConfig(new); err != nil {
			slog.Error("app: config update rejected", "err", err)
			return
		}
		slog.Info("app: session config updated",
			"extract", d.ExtractChanged,
			"selector", d.SelectorChanged,
			"new_sessions_only", d.SessionChanged,
			"open_sessions", len(a.sessions.Active()),
		)
	}
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops accepting connections, ends
// every open stream and session, then closes the shared stores. It respects
// the context deadline: when ctx expires the remaining steps still run but
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "open_sessions", len(a.sessions.Active()))
		a.health.SetDraining(true)

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.ingest.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.sessions.CloseAll(ctx); err != nil {
			errs = append(errs, err)
		}
		a.runClosers()

		a.stopErr = errors.Join(errs...)
		slog.Info("app: shutdown complete")
	})
	return a.stopErr
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("app: closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
