// Package selector decides which extracted segments become persisted speaker
// samples.
//
// [Selector.ShouldEmit] applies the upload gate: a minimum quality, a
// duration window and, once a speaker has TargetSamplesPerSpeaker accepted
// samples, a margin over that speaker's running average quality. The gate
// only tightens as better samples accumulate.
//
// [Selector.Submit] accepts a segment, updates the speaker's statistics
// immediately and hands the upload and identity bookkeeping to a background
// worker pool so that the ingest path never waits on I/O. Persistence
// failures are recorded in the statistics and metrics but never undo an
// acceptance.
package selector

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voicesift/internal/event"
	"github.com/MrWong99/voicesift/internal/observe"
	"github.com/MrWong99/voicesift/internal/resilience"
	"github.com/MrWong99/voicesift/internal/segcache"
	"github.com/MrWong99/voicesift/pkg/provider/identity"
	"github.com/MrWong99/voicesift/pkg/provider/upload"
	"github.com/MrWong99/voicesift/pkg/types"
)

var (
	// ErrClosed is returned by Submit and StartSession after Close.
	ErrClosed = errors.New("selector: closed")

	// ErrPersistence wraps upload and identity failures reported through
	// [SampleEvent].
	ErrPersistence = errors.New("selector: persistence failed")
)

// Rejection reasons reported through metrics.
const (
	ReasonDisabled  = "disabled"
	ReasonNoSession = "no_session"
	ReasonQuality   = "quality"
	ReasonDuration  = "duration"
	ReasonMargin    = "margin"
	ReasonDuplicate = "duplicate"
)

// Upload statuses reported through metrics.
const (
	statusOK          = "ok"
	statusError       = "error"
	statusCircuitOpen = "circuit_open"
	statusDropped     = "dropped"
)

// StatsStore persists per-session speaker statistics. *statstore.Store
// implements it.
type StatsStore interface {
	Save(ctx context.Context, st types.SpeakerStats) error
	Load(ctx context.Context, sessionID string) ([]types.SpeakerStats, error)
}

// SampleEvent reports the outcome of the background work for one accepted
// sample.
type SampleEvent struct {
	SessionID string
	SpeakerID string
	SegmentID string

	// URL is empty when the upload failed.
	URL string

	// IdentityID is set when the speaker label maps to a known identity.
	IdentityID string

	// Err wraps [ErrPersistence] when the upload or the identity
	// bookkeeping failed.
	Err error
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Selector) { s.metrics = m }
}

// WithStatsStore persists statistics after every upload and restores them
// in StartSession.
func WithStatsStore(st StatsStore) Option {
	return func(s *Selector) { s.store = st }
}

type job struct {
	ctx     context.Context
	session string
	seg     *types.ExtractedSegment
	stats   *types.SpeakerStats
}

// Selector is the upload gate. Create with [New].
type Selector struct {
	up      upload.Uploader
	ids     identity.Registry
	store   StatsStore
	breaker *resilience.CircuitBreaker
	cache   *segcache.Cache
	now     func() time.Time
	metrics *observe.Metrics

	samples event.Observer[SampleEvent]

	jobs    chan job
	workers sync.WaitGroup

	mu      sync.Mutex
	cfg     Config
	session string
	stats   map[string]*types.SpeakerStats
	closed  bool
	pending int
	idle    []chan struct{}

	closeOnce sync.Once
}

// New creates a Selector and starts its upload workers. ids may be nil, in
// which case identity bookkeeping is skipped.
func New(cfg Config, up upload.Uploader, ids identity.Registry, opts ...Option) (*Selector, error) {
	if up == nil {
		return nil, errors.New("selector: uploader is required")
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Selector{
		up:    up,
		ids:   ids,
		now:   time.Now,
		cfg:   cfg,
		stats: make(map[string]*types.SpeakerStats),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	cache, err := segcache.New(cfg.Cache, segcache.WithClock(s.now))
	if err != nil {
		return nil, err
	}
	s.cache = cache

	bcfg := cfg.Breaker
	if bcfg.Name == "" {
		bcfg.Name = "upload"
	}
	if bcfg.Now == nil {
		bcfg.Now = s.now
	}
	s.breaker = resilience.NewCircuitBreaker(bcfg)

	s.jobs = make(chan job, cfg.UploadQueue)
	for range cfg.UploadWorkers {
		s.workers.Add(1)
		go s.worker()
	}
	return s, nil
}

// Config returns the active configuration.
func (s *Selector) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig replaces the gate thresholds. Worker, queue, cache and
// breaker settings keep their construction-time values.
func (s *Selector) UpdateConfig(cfg Config) error {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg.UploadWorkers = s.cfg.UploadWorkers
	cfg.UploadQueue = s.cfg.UploadQueue
	cfg.Cache = s.cfg.Cache
	cfg.Breaker = s.cfg.Breaker
	s.cfg = cfg
	s.mu.Unlock()
	slog.Info("selector: config updated",
		"upload_threshold", cfg.UploadThreshold,
		"target_samples_per_speaker", cfg.TargetSamplesPerSpeaker,
		"quality_margin", cfg.QualityMargin)
	return nil
}

// Breaker returns the circuit breaker guarding the uploader.
func (s *Selector) Breaker() *resilience.CircuitBreaker { return s.breaker }

// OnSample subscribes fn to the outcome of background work for accepted
// samples. fn runs on a worker goroutine.
func (s *Selector) OnSample(fn func(SampleEvent)) (unsubscribe func()) {
	return s.samples.Subscribe(fn)
}

// StartSession activates sessionID. An active session is ended first. With
// a stats store configured, statistics saved earlier for sessionID are
// restored.
func (s *Selector) StartSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("selector: empty session ID")
	}
	var restored []types.SpeakerStats
	if s.store != nil {
		var err error
		restored, err = s.store.Load(ctx, sessionID)
		if err != nil {
			slog.Warn("selector: could not restore session stats", "session_id", sessionID, "err", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	previous := s.session
	if previous != "" {
		s.endSessionLocked()
	}
	s.session = sessionID
	for i := range restored {
		st := restored[i]
		s.stats[st.SpeakerID] = &st
	}
	s.mu.Unlock()

	if previous != "" {
		s.metrics.ActiveSessions.Add(ctx, -1)
		slog.Info("selector: session replaced", "previous", previous, "session_id", sessionID)
	}
	s.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("selector: session started", "session_id", sessionID, "restored_speakers", len(restored))
	return nil
}

// EndSession deactivates the current session and returns its final
// statistics sorted by speaker. Uploads already queued still run.
func (s *Selector) EndSession() []types.SpeakerStats {
	s.mu.Lock()
	if s.session == "" {
		s.mu.Unlock()
		return nil
	}
	session := s.session
	out := s.endSessionLocked()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("selector: session ended", "session_id", session, "speakers", len(out))
	return out
}

func (s *Selector) endSessionLocked() []types.SpeakerStats {
	out := s.snapshotLocked()
	s.session = ""
	s.stats = make(map[string]*types.SpeakerStats)
	return out
}

// Session returns the active session ID, or "".
func (s *Selector) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// ShouldEmit reports whether seg passes the upload gate given the current
// statistics. It does not change any state.
func (s *Selector) ShouldEmit(seg *types.ExtractedSegment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectReasonLocked(seg) == ""
}

// rejectReasonLocked returns "" when seg passes the gate. Caller holds s.mu.
func (s *Selector) rejectReasonLocked(seg *types.ExtractedSegment) string {
	cfg := s.cfg
	switch {
	case !cfg.AutoEmit:
		return ReasonDisabled
	case s.session == "":
		return ReasonNoSession
	case seg.Quality.Overall < cfg.UploadThreshold:
		return ReasonQuality
	case seg.Duration < cfg.MinSampleDuration || seg.Duration > cfg.MaxSampleDuration:
		return ReasonDuration
	}
	if st, ok := s.stats[seg.SpeakerID]; ok && st.Accepted >= cfg.TargetSamplesPerSpeaker {
		if !(seg.Quality.Overall > st.AvgQuality+cfg.QualityMargin) {
			return ReasonMargin
		}
	}
	return ""
}

// Submit runs seg through the gate. On acceptance the speaker's statistics
// are updated, the segment is cached and the upload is queued; the call
// returns without waiting for it. A full upload queue drops the upload and
// counts it as a failure. The returned error is non-nil only after Close.
func (s *Selector) Submit(ctx context.Context, seg *types.ExtractedSegment) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	reason := s.rejectReasonLocked(seg)
	minDist := s.cfg.MinFingerprintDistance
	if reason != "" {
		s.rejectLocked(seg.SpeakerID)
	}
	s.mu.Unlock()
	if reason != "" {
		s.recordRejected(ctx, seg, reason)
		return false, nil
	}

	if minDist > 0 && s.isDuplicate(ctx, seg, minDist) {
		s.mu.Lock()
		s.rejectLocked(seg.SpeakerID)
		s.mu.Unlock()
		s.recordRejected(ctx, seg, ReasonDuplicate)
		return false, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	// The gate is re-evaluated because another Submit for the same speaker
	// may have been accepted while the duplicate check ran.
	if reason = s.rejectReasonLocked(seg); reason != "" {
		s.rejectLocked(seg.SpeakerID)
		s.mu.Unlock()
		s.recordRejected(ctx, seg, reason)
		return false, nil
	}
	st := s.statsLocked(seg.SpeakerID)
	st.Accepted++
	st.TotalDuration += seg.Duration
	st.AvgQuality += (seg.Quality.Overall - st.AvgQuality) / float64(st.Accepted)
	st.UpdatedAt = s.now()
	accepted := *st

	j := job{ctx: context.WithoutCancel(ctx), session: s.session, seg: seg, stats: st}
	queued := true
	select {
	case s.jobs <- j:
		s.pending++
	default:
		queued = false
		st.UploadFailures++
	}
	s.mu.Unlock()

	s.cache.Put(seg)
	s.metrics.SamplesAccepted.Add(ctx, 1)
	slog.Info("selector: sample accepted",
		"session_id", accepted.SessionID,
		"speaker_id", seg.SpeakerID,
		"segment_id", seg.ID,
		"quality", seg.Quality.Overall,
		"duration", seg.Duration,
		"accepted", accepted.Accepted,
		"avg_quality", accepted.AvgQuality)
	if !queued {
		s.metrics.RecordUpload(ctx, statusDropped, 0)
		slog.Warn("selector: upload queue full, sample not uploaded",
			"speaker_id", seg.SpeakerID, "segment_id", seg.ID)
	}
	return true, nil
}

// statsLocked returns the speaker's entry, creating it. Caller holds s.mu.
func (s *Selector) statsLocked(speakerID string) *types.SpeakerStats {
	st, ok := s.stats[speakerID]
	if !ok {
		st = &types.SpeakerStats{SpeakerID: speakerID, SessionID: s.session}
		s.stats[speakerID] = st
	}
	return st
}

func (s *Selector) rejectLocked(speakerID string) {
	if s.session == "" {
		return
	}
	st := s.statsLocked(speakerID)
	st.Rejected++
	st.UpdatedAt = s.now()
}

func (s *Selector) recordRejected(ctx context.Context, seg *types.ExtractedSegment, reason string) {
	s.metrics.RecordSampleRejected(ctx, reason)
	slog.Debug("selector: sample rejected",
		"speaker_id", seg.SpeakerID, "segment_id", seg.ID, "reason", reason, "quality", seg.Quality.Overall)
}

func (s *Selector) isDuplicate(ctx context.Context, seg *types.ExtractedSegment, minDist float64) bool {
	idx, ok := s.ids.(identity.SampleIndex)
	if !ok {
		return false
	}
	dist, found, err := idx.Nearest(ctx, seg.SpeakerID, identity.Fingerprint(seg))
	if err != nil {
		slog.Warn("selector: fingerprint lookup failed, skipping duplicate check",
			"speaker_id", seg.SpeakerID, "err", err)
		return false
	}
	return found && dist < minDist
}

// Stats returns a copy of the speaker's statistics in the active session.
func (s *Selector) Stats(speakerID string) (types.SpeakerStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[speakerID]
	if !ok {
		return types.SpeakerStats{}, false
	}
	return *st, true
}

// AllStats returns copies of every speaker's statistics sorted by speaker.
func (s *Selector) AllStats() []types.SpeakerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Selector) snapshotLocked() []types.SpeakerStats {
	out := make([]types.SpeakerStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b types.SpeakerStats) int { return cmp.Compare(a.SpeakerID, b.SpeakerID) })
	return out
}

// Cached returns an accepted segment still held by the cache.
func (s *Selector) Cached(segmentID string) (*types.ExtractedSegment, bool) {
	return s.cache.Get(segmentID)
}

// Drain blocks until every queued upload has been processed or ctx is done.
func (s *Selector) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idle = append(s.idle, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting segments, waits for queued uploads to finish and
// empties the cache. Safe to call more than once.
func (s *Selector) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		hadSession := s.session != ""
		close(s.jobs)
		s.mu.Unlock()

		s.workers.Wait()
		s.cache.Close()
		s.samples.Clear()
		if hadSession {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}

		s.mu.Lock()
		s.session = ""
		clear(s.stats)
		s.mu.Unlock()
	})
}

func (s *Selector) worker() {
	defer s.workers.Done()
	for j := range s.jobs {
		s.process(j)

		s.mu.Lock()
		s.pending--
		if s.pending == 0 {
			for _, ch := range s.idle {
				close(ch)
			}
			s.idle = nil
		}
		s.mu.Unlock()
	}
}

func (s *Selector) process(j job) {
	ctx, span := observe.StartSegmentSpan(j.ctx, "selector.persist", j.session, j.seg.SpeakerID, j.seg.ID)
	defer span.End()
	log := observe.SpeakerLogger(ctx, j.session, j.seg.SpeakerID)

	ev := SampleEvent{SessionID: j.session, SpeakerID: j.seg.SpeakerID, SegmentID: j.seg.ID}

	res, err := s.upload(ctx, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		log.Error("selector: upload failed", "segment_id", j.seg.ID, "err", err)
		s.mu.Lock()
		j.stats.UploadFailures++
		j.stats.UpdatedAt = s.now()
		s.mu.Unlock()
		ev.Err = fmt.Errorf("%w: upload: %w", ErrPersistence, err)
		s.save(ctx, j)
		s.samples.Emit(ev)
		return
	}
	ev.URL = res.URL
	s.mu.Lock()
	j.stats.Uploaded++
	j.stats.LastURL = res.URL
	j.stats.UpdatedAt = s.now()
	s.mu.Unlock()
	log.Info("selector: sample uploaded", "segment_id", j.seg.ID, "url", res.URL, "size", res.Size)

	identityID, err := s.resolveIdentity(ctx, j, res.URL)
	ev.IdentityID = identityID
	if err != nil {
		span.RecordError(err)
		log.Error("selector: identity bookkeeping failed", "segment_id", j.seg.ID, "err", err)
		ev.Err = fmt.Errorf("%w: identity: %w", ErrPersistence, err)
	}

	s.save(ctx, j)
	s.samples.Emit(ev)
}

func (s *Selector) upload(ctx context.Context, j job) (upload.Result, error) {
	req := upload.Request{
		SpeakerID: j.seg.SpeakerID,
		SessionID: j.session,
		SampleID:  j.seg.ID,
		Payload:   j.seg.Payload,
		Format:    j.seg.Format,
		Duration:  j.seg.Duration,
		Metadata: upload.Metadata{
			Quality:    j.seg.Quality.Overall,
			Transcript: j.seg.Provenance.Transcript,
			Confidence: j.seg.Provenance.VoiceRatio,
		},
	}
	start := time.Now()
	var res upload.Result
	err := s.breaker.Execute(func() error {
		var err error
		res, err = s.up.Upload(ctx, req)
		return err
	})
	status := statusOK
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = statusCircuitOpen
	case err != nil:
		status = statusError
	}
	s.metrics.RecordUpload(ctx, status, time.Since(start))
	return res, err
}

// resolveIdentity adds speaking time to a known identity or registers the
// label as pending, once per session.
func (s *Selector) resolveIdentity(ctx context.Context, j job, url string) (string, error) {
	if s.ids == nil {
		return "", nil
	}
	fp := identity.Fingerprint(j.seg)
	if idx, ok := s.ids.(identity.SampleIndex); ok {
		err := idx.IndexSample(ctx, identity.Sample{
			ID:          j.seg.ID,
			SpeakerID:   j.seg.SpeakerID,
			SessionID:   j.session,
			URL:         url,
			Quality:     j.seg.Quality.Overall,
			Fingerprint: fp,
		})
		if err != nil {
			slog.Warn("selector: could not index sample fingerprint", "segment_id", j.seg.ID, "err", err)
		}
	}

	id, err := s.ids.Lookup(ctx, j.seg.SpeakerID)
	if err != nil {
		return "", fmt.Errorf("lookup: %w", err)
	}
	if id != nil {
		if err := s.ids.AddSpeakingTime(ctx, id.ID, j.seg.Duration); err != nil {
			return id.ID, fmt.Errorf("add speaking time: %w", err)
		}
		s.mu.Lock()
		j.stats.IdentityID = id.ID
		s.mu.Unlock()
		return id.ID, nil
	}

	s.mu.Lock()
	claimed := !j.stats.PendingIdentity
	j.stats.PendingIdentity = true
	s.mu.Unlock()
	if !claimed {
		return "", nil
	}
	err = s.ids.RegisterPending(ctx, identity.Pending{
		SpeakerID:   j.seg.SpeakerID,
		SessionID:   j.session,
		SampleID:    j.seg.ID,
		SampleURL:   url,
		Quality:     j.seg.Quality.Overall,
		Duration:    j.seg.Duration,
		Transcript:  j.seg.Provenance.Transcript,
		Fingerprint: fp,
		CreatedAt:   s.now(),
	})
	if err != nil {
		s.mu.Lock()
		j.stats.PendingIdentity = false
		s.mu.Unlock()
		return "", fmt.Errorf("register pending: %w", err)
	}
	slog.Info("selector: speaker registered for identification",
		"session_id", j.session, "speaker_id", j.seg.SpeakerID, "sample_url", url)
	return "", nil
}

func (s *Selector) save(ctx context.Context, j job) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	snap := *j.stats
	s.mu.Unlock()
	if err := s.store.Save(ctx, snap); err != nil {
		slog.Warn("selector: could not persist stats", "speaker_id", snap.SpeakerID, "err", err)
	}
}
