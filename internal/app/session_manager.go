package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicesift/internal/buffer"
	"github.com/MrWong99/voicesift/internal/config"
	"github.com/MrWong99/voicesift/internal/extract"
	"github.com/MrWong99/voicesift/internal/ingest"
	"github.com/MrWong99/voicesift/internal/observe"
	"github.com/MrWong99/voicesift/internal/selector"
	"github.com/MrWong99/voicesift/pkg/provider/identity"
	"github.com/MrWong99/voicesift/pkg/types"
)

// ErrNoSession is returned when closing a session that is not open.
var ErrNoSession = errors.New("app: no such session")

// SessionInfo holds metadata about an open session.
type SessionInfo struct {
	// SessionID is the caller-chosen session identifier.
	SessionID string

	// StartedAt is when the session was opened.
	StartedAt time.Time

	// Realtime reports whether chunks go through the extractor queue.
	Realtime bool
}

// SessionManager owns one buffer, extractor and selector per open session.
// The upload chain, identity registry, stats store and metrics are shared.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	cfg      *config.Config
	sessions map[string]*harvestSession

	providers *Providers
	ids       identity.Registry
	stats     selector.StatsStore
	metrics   *observe.Metrics
	now       func() time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config     *config.Config
	Providers  *Providers
	Identities identity.Registry

	// Stats persists per-speaker counters. Nil keeps them in memory only.
	Stats selector.StatsStore

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		cfg:       cfg.Config,
		sessions:  make(map[string]*harvestSession),
		providers: cfg.Providers,
		ids:       cfg.Identities,
		stats:     cfg.Stats,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	return sm
}

// Open starts a harvesting session under id. It fails with an error
// wrapping [ingest.ErrSessionActive] when id is already open.
func (sm *SessionManager) Open(ctx context.Context, id string) (ingest.Stream, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("app: open session: empty session id")
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[id]; ok {
		return nil, fmt.Errorf("app: open session %q: %w", id, ingest.ErrSessionActive)
	}
	if limit := sm.cfg.Server.MaxSessions; limit > 0 && len(sm.sessions) >= limit {
		return nil, fmt.Errorf("app: open session %q: %d of %d open: %w", id, len(sm.sessions), limit, ingest.ErrAtCapacity)
	}
	s, err := sm.build(ctx, id, sm.cfg)
	if err != nil {
		return nil, fmt.Errorf("app: open session %q: %w", id, err)
	}
	sm.sessions[id] = s

	slog.Info("app: session opened",
		"session_id", id,
		"realtime", s.info.Realtime,
		"open_sessions", len(sm.sessions),
	)
	return s, nil
}

// build wires buffer → extractor → selector for one session.
func (sm *SessionManager) build(ctx context.Context, id string, cfg *config.Config) (*harvestSession, error) {
	buf, err := buffer.New(cfg.ForBuffer(), buffer.WithMetrics(sm.metrics))
	if err != nil {
		return nil, err
	}
	ext, err := extract.New(cfg.ForExtract(), buf, sm.providers.VAD, sm.providers.Converter, extract.WithMetrics(sm.metrics))
	if err != nil {
		_ = buf.Close()
		return nil, err
	}

	selOpts := []selector.Option{selector.WithMetrics(sm.metrics)}
	if sm.stats != nil {
		selOpts = append(selOpts, selector.WithStatsStore(sm.stats))
	}
	sel, err := selector.New(cfg.ForSelector(), sm.providers.Uploader, sm.ids, selOpts...)
	if err != nil {
		_ = ext.Close()
		_ = buf.Close()
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := sel.StartSession(sctx, id); err != nil {
		cancel()
		sel.Close()
		_ = ext.Close()
		_ = buf.Close()
		return nil, err
	}

	s := &harvestSession{
		info: SessionInfo{
			SessionID: id,
			StartedAt: sm.now(),
			Realtime:  cfg.Extract.Realtime,
		},
		buf:    buf,
		ext:    ext,
		sel:    sel,
		ctx:    sctx,
		cancel: cancel,
		log:    slog.With("session_id", id),
	}
	s.unsubmit = ext.OnSegmentExtracted(s.submit)
	return s, nil
}

// Close force-extracts the session's pending audio, waits for queued
// uploads and returns the final per-speaker stats.
func (sm *SessionManager) Close(ctx context.Context, id string) ([]types.SpeakerStats, error) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("app: close session %q: %w", id, ErrNoSession)
	}
	stats, err := s.close(ctx)
	if err != nil {
		return stats, fmt.Errorf("app: close session %q: %w", id, err)
	}
	return stats, nil
}

// CloseAll closes every open session.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	open := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		open = append(open, id)
	}
	sm.mu.Unlock()

	var errs []error
	for _, id := range open {
		if _, err := sm.Close(ctx, id); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active returns metadata for every open session, ordered by id.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s.info)
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.SessionID, b.SessionID) })
	return out
}

// Load reports the number of open sessions and the configured cap, which
// is 0 when unlimited.
func (sm *SessionManager) Load() (active, limit int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions), sm.cfg.Server.MaxSessions
}

// UpdateConfig pushes cfg's extraction and upload gate settings to every
// open session and uses cfg for sessions opened afterwards. Audio and
// buffer settings and the session cap only apply to new sessions.
func (sm *SessionManager) UpdateConfig(cfg *config.Config) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	extCfg := cfg.ForExtract()
	selCfg := cfg.ForSelector()
	var errs []error
	for id, s := range sm.sessions {
		if err := s.ext.UpdateConfig(extCfg); err != nil {
			errs = append(errs, fmt.Errorf("app: update session %q: %w", id, err))
		}
		if err := s.sel.UpdateConfig(selCfg); err != nil {
			errs = append(errs, fmt.Errorf("app: update session %q: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sm.cfg = cfg
	return nil
}

// harvestSession is one open session. It implements [ingest.Stream].
type harvestSession struct {
	info SessionInfo
	buf  *buffer.Buffer
	ext  *extract.Extractor
	sel  *selector.Selector

	// ctx outlives the request that opened the session; uploads run on it.
	ctx      context.Context
	cancel   context.CancelFunc
	unsubmit func()
	log      *slog.Logger
}

var _ ingest.Stream = (*harvestSession)(nil)

// submit hands an extracted segment to the upload gate.
func (s *harvestSession) submit(seg *types.ExtractedSegment) {
	accepted, err := s.sel.Submit(s.ctx, seg)
	if err != nil {
		s.log.Warn("app: submit segment failed", "speaker", seg.SpeakerID, "segment_id", seg.ID, "err", err)
		return
	}
	s.log.Debug("app: segment submitted",
		"speaker", seg.SpeakerID,
		"segment_id", seg.ID,
		"quality", seg.Quality.Overall,
		"accepted", accepted,
	)
}

func (s *harvestSession) Ingest(ctx context.Context, payload []byte, speakerID string, ts time.Time) error {
	if s.info.Realtime {
		return s.ext.Enqueue(payload, speakerID, ts)
	}
	_, err := s.ext.AddChunk(ctx, payload, speakerID, ts)
	return err
}

func (s *harvestSession) ChangeSpeaker(ctx context.Context, speakerID string, ts time.Time) {
	s.ext.HandleSpeakerChange(ctx, speakerID, ts)
}

func (s *harvestSession) SetTranscript(speakerID, text string) {
	s.ext.SetTranscript(speakerID, text)
}

func (s *harvestSession) Flush(ctx context.Context) int {
	return len(s.ext.ForceExtraction(ctx))
}

func (s *harvestSession) OnSegment(fn func(*types.ExtractedSegment)) func() {
	return s.ext.OnSegmentExtracted(fn)
}

func (s *harvestSession) OnSpeakerChange(fn func(types.SpeakerChangeEvent)) func() {
	return s.ext.OnSpeakerChange(fn)
}

func (s *harvestSession) OnSample(fn func(selector.SampleEvent)) func() {
	return s.sel.OnSample(fn)
}

// close extracts what is left, drains uploads and tears the pipeline down.
func (s *harvestSession) close(ctx context.Context) ([]types.SpeakerStats, error) {
	flushed := s.ext.ForceExtraction(ctx)
	drainErr := s.sel.Drain(ctx)
	stats := s.sel.EndSession()

	s.unsubmit()
	var errs []error
	if drainErr != nil {
		errs = append(errs, fmt.Errorf("drain uploads: %w", drainErr))
	}
	if err := s.ext.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.buf.Close(); err != nil {
		errs = append(errs, err)
	}
	s.sel.Close()
	s.cancel()

	s.log.Info("app: session closed",
		"flushed", len(flushed),
		"speakers", len(stats),
		"duration", time.Since(s.info.StartedAt).Round(time.Millisecond),
	)
	return stats, errors.Join(errs...)
}
