// Package extract turns buffer segments into retained, converted speaker
// samples.
//
// The [Extractor] sits in front of a [buffer.Buffer]: every incoming chunk is
// first checked for a speaker change, then admitted by the buffer and
// analysed by the speaker's VAD session. Segments materialised by the buffer
// are quality-filtered, converted by a [convert.Converter] and kept in a
// per-speaker list ranked by quality, capped at MaxSegmentsPerSpeaker. The
// retained set always holds the best segments seen so far, not the newest.
//
// A switch of the upstream speaker label force-closes the outgoing speaker's
// pending audio unless it follows the previous switch within the grace
// period, in which case it is treated as diarization jitter.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voicesift/internal/buffer"
	"github.com/MrWong99/voicesift/internal/event"
	"github.com/MrWong99/voicesift/internal/observe"
	"github.com/MrWong99/voicesift/internal/sched"
	"github.com/MrWong99/voicesift/pkg/provider/convert"
	"github.com/MrWong99/voicesift/pkg/provider/vad"
	"github.com/MrWong99/voicesift/pkg/types"
)

// ErrClosed is returned by AddChunk and Enqueue after Close.
var ErrClosed = errors.New("extract: closed")

// Discard reasons reported through metrics.
const (
	DiscardQuality    = "quality"
	DiscardConversion = "conversion"
	DiscardRank       = "rank"
)

// Option configures an Extractor.
type Option func(*Extractor)

// WithClock overrides the time source used for zero timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// Extractor orchestrates buffering, VAD and speaker-change handling. Create
// with [New].
type Extractor struct {
	buf     *buffer.Buffer
	vad     vad.Engine
	conv    convert.Converter
	now     func() time.Time
	metrics *observe.Metrics

	extracted event.Observer[*types.ExtractedSegment]
	changes   event.Observer[types.SpeakerChangeEvent]

	unsubBuffer func()
	tick        *sched.Task

	// trackMu serializes speaker-change decisions and their side effects.
	trackMu    sync.Mutex
	current    string
	lastChange time.Time

	// queueMu guards queue; procMu keeps batches strictly FIFO.
	queueMu sync.Mutex
	queue   []queued
	procMu  sync.Mutex

	// mu guards every field below.
	mu          sync.Mutex
	cfg         Config
	closed      bool
	speakers    map[string]*speakerState
	ranked      map[string][]*types.ExtractedSegment
	transcripts map[string]string
}

// speakerState is the extractor's per-speaker state. mu serializes chunk
// ingestion and force-closure for the speaker. vad is replaced only while
// both mu and Extractor.mu are held, so holding either is enough to read it.
type speakerState struct {
	mu  sync.Mutex
	vad vad.SessionHandle
}

// New creates an Extractor on top of buf. It subscribes to buf's segments
// and, in realtime mode, starts the queue tick. Close releases both; buf
// itself stays owned by the caller.
func New(cfg Config, buf *buffer.Buffer, vadEngine vad.Engine, conv convert.Converter, opts ...Option) (*Extractor, error) {
	if buf == nil || vadEngine == nil || conv == nil {
		return nil, errors.New("extract: buffer, vad engine and converter are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Extractor{
		buf:         buf,
		vad:         vadEngine,
		conv:        conv,
		now:         time.Now,
		cfg:         cfg,
		speakers:    make(map[string]*speakerState),
		ranked:      make(map[string][]*types.ExtractedSegment),
		transcripts: make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	e.unsubBuffer = buf.OnSegment(e.onBufferSegment)
	if cfg.Realtime {
		e.tick = sched.Every("extract-queue", cfg.TickInterval, func(time.Time) {
			e.ProcessQueue(context.Background())
		})
	}
	return e, nil
}

// Config returns the current configuration.
func (e *Extractor) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdateConfig validates cfg and applies its thresholds, conversion settings
// and retention cap. Realtime and TickInterval keep their construction-time
// values; a smaller cap trims the ranked lists immediately. A changed VAD
// config restarts the VAD session of every known speaker.
func (e *Extractor) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	cfg.Realtime = e.cfg.Realtime
	cfg.TickInterval = e.cfg.TickInterval
	old := e.cfg
	e.cfg = cfg
	trimmed := 0
	for id, list := range e.ranked {
		if len(list) > cfg.MaxSegmentsPerSpeaker {
			trimmed += len(list) - cfg.MaxSegmentsPerSpeaker
			e.ranked[id] = slices.Clone(list[:cfg.MaxSegmentsPerSpeaker])
		}
	}
	e.mu.Unlock()

	slog.Info("extract: config updated",
		"extraction_threshold", cfg.ExtractionThreshold,
		"max_segments_per_speaker", cfg.MaxSegmentsPerSpeaker,
		"speaker_change_grace", cfg.SpeakerChangeGrace,
		"target_format", cfg.TargetFormat,
		"trimmed", trimmed,
	)
	if old.VAD != cfg.VAD {
		e.reconfigureVAD(cfg.VAD)
	}
	return nil
}

// reconfigureVAD replaces the VAD session of every known speaker with one
// built from vcfg. An open voice segment is force-closed first and the
// session counters restart. A speaker whose new session fails keeps the old.
func (e *Extractor) reconfigureVAD(vcfg vad.Config) {
	e.mu.Lock()
	states := make(map[string]*speakerState, len(e.speakers))
	for id, st := range e.speakers {
		states[id] = st
	}
	e.mu.Unlock()

	replaced := 0
	for id, st := range states {
		sess, err := e.newVADSession(id, vcfg)
		if err != nil {
			slog.Warn("extract: vad reconfigure failed, keeping session", "speaker", id, "err", err)
			continue
		}
		st.mu.Lock()
		e.mu.Lock()
		closed := e.closed
		old := st.vad
		if !closed {
			st.vad = sess
		}
		e.mu.Unlock()
		st.mu.Unlock()

		if closed {
			_ = sess.Close()
			return
		}
		if old != nil {
			old.ForceClose(e.now())
			if err := old.Close(); err != nil {
				slog.Warn("extract: close replaced vad session", "speaker", id, "err", err)
			}
		}
		replaced++
	}
	slog.Info("extract: vad reconfigured", "speakers", replaced)
}

// OnSegmentExtracted registers fn for every segment that enters a speaker's
// ranked list.
func (e *Extractor) OnSegmentExtracted(fn func(*types.ExtractedSegment)) func() {
	return e.extracted.Subscribe(fn)
}

// OnSpeakerChange registers fn for every accepted speaker change.
func (e *Extractor) OnSpeakerChange(fn func(types.SpeakerChangeEvent)) func() {
	return e.changes.Subscribe(fn)
}

// CurrentSpeaker returns the tracked speaker, or "" before the first chunk.
func (e *Extractor) CurrentSpeaker() string {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	return e.current
}

// SetTranscript attaches text to the next segment extracted for speakerID.
func (e *Extractor) SetTranscript(speakerID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if text == "" {
		delete(e.transcripts, speakerID)
		return
	}
	e.transcripts[speakerID] = text
}

// AddChunk handles a possible speaker change, then admits payload through
// the buffer and feeds admitted audio to the speaker's VAD session. It
// returns the admitted chunk, or nil when the buffer rejected it. A zero ts
// is replaced by the extractor clock.
func (e *Extractor) AddChunk(ctx context.Context, payload []byte, speakerID string, ts time.Time) (*types.AudioChunk, error) {
	if speakerID == "" {
		return nil, errors.New("extract: add chunk: speaker id must not be empty")
	}
	if ts.IsZero() {
		ts = e.now()
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	e.HandleSpeakerChange(ctx, speakerID, ts)
	return e.ingest(ctx, payload, speakerID, ts)
}

// HandleSpeakerChange reports a speaker label seen at ts. It returns the
// change event when newSpeakerID differs from the tracked speaker and the
// previous change is older than the grace period. The outgoing speaker's
// pending audio is extracted and its VAD session force-closed before
// listeners are notified. Otherwise it returns nil and changes nothing,
// except for tracking the very first speaker.
func (e *Extractor) HandleSpeakerChange(ctx context.Context, newSpeakerID string, ts time.Time) *types.SpeakerChangeEvent {
	if ts.IsZero() {
		ts = e.now()
	}
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	ev := e.changeLocked(newSpeakerID, ts)
	if ev == nil {
		return nil
	}
	e.applyChange(ctx, *ev)
	return ev
}

// changeLocked decides whether newSpeakerID at ts is a speaker change and
// updates the tracked state. Caller holds trackMu.
func (e *Extractor) changeLocked(newSpeakerID string, ts time.Time) *types.SpeakerChangeEvent {
	if e.current == "" {
		e.current = newSpeakerID
		e.lastChange = ts
		return nil
	}
	if e.current == newSpeakerID {
		return nil
	}
	grace := e.Config().SpeakerChangeGrace
	elapsed := ts.Sub(e.lastChange)
	if elapsed <= grace {
		slog.Debug("extract: speaker change within grace ignored",
			"current", e.current, "label", newSpeakerID, "elapsed", elapsed)
		return nil
	}
	ev := &types.SpeakerChangeEvent{
		PreviousSpeaker: e.current,
		NewSpeaker:      newSpeakerID,
		Timestamp:       ts,
		Confidence:      changeConfidence(elapsed, grace),
	}
	e.current = newSpeakerID
	e.lastChange = ts
	return ev
}

// changeConfidence grows with how long the previous speaker held the floor
// relative to the grace period.
func changeConfidence(elapsed, grace time.Duration) float64 {
	if grace <= 0 || elapsed <= 0 {
		return 1
	}
	return min(1, 1-float64(grace)/float64(elapsed)/2)
}

// applyChange performs the side effects of ev and notifies listeners.
// Caller holds trackMu.
func (e *Extractor) applyChange(ctx context.Context, ev types.SpeakerChangeEvent) {
	e.closeSpeaker(ctx, ev.PreviousSpeaker, ev.Timestamp)
	e.metrics.SpeakerChanges.Add(ctx, 1)
	slog.Info("extract: speaker change",
		"previous", ev.PreviousSpeaker, "new", ev.NewSpeaker, "confidence", ev.Confidence)
	e.changes.Emit(ev)
}

// closeSpeaker extracts whatever the speaker has pending, regardless of the
// minimum duration, and force-closes its VAD session.
func (e *Extractor) closeSpeaker(ctx context.Context, speakerID string, ts time.Time) *types.ExtractedSegment {
	e.mu.Lock()
	st := e.speakers[speakerID]
	e.mu.Unlock()
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
	}

	var out *types.ExtractedSegment
	if seg := e.buf.Drain(speakerID); seg != nil {
		ext, err := e.ProcessSegment(ctx, seg)
		if err == nil {
			out = ext
		}
	}
	if st != nil && st.vad != nil {
		st.vad.ForceClose(ts)
	}
	return out
}

// ingest admits one chunk for speakerID. Every decoded chunk reaches the
// speaker's VAD, admitted or not, so silence drives its hangover. Holding the
// speaker's lock across admission and VAD keeps per-speaker processing FIFO.
func (e *Extractor) ingest(ctx context.Context, payload []byte, speakerID string, ts time.Time) (*types.AudioChunk, error) {
	st, err := e.state(speakerID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	a, err := e.buf.Ingest(payload, speakerID, ts)
	if err != nil {
		return nil, fmt.Errorf("extract: add chunk: %w", err)
	}
	if st.vad != nil && a.PCM != nil {
		st.vad.Process(a.PCM, a.Timestamp)
	}
	return a.Chunk, nil
}

// state returns the per-speaker state, creating it and its VAD session on
// first use. A VAD session that fails to start is logged and skipped; the
// speaker is then extracted without VAD statistics.
func (e *Extractor) state(speakerID string) (*speakerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if st, ok := e.speakers[speakerID]; ok {
		return st, nil
	}
	st := &speakerState{}
	sess, err := e.newVADSession(speakerID, e.cfg.VAD)
	if err != nil {
		slog.Warn("extract: vad session failed, continuing without vad", "speaker", speakerID, "err", err)
	} else {
		st.vad = sess
	}
	e.speakers[speakerID] = st
	return st, nil
}

// newVADSession starts a VAD session for speakerID at the buffer's rate.
func (e *Extractor) newVADSession(speakerID string, vcfg vad.Config) (vad.SessionHandle, error) {
	vcfg.SampleRate = e.buf.Config().SampleRate
	vcfg.SpeakerID = speakerID
	sess, err := e.vad.NewSession(vcfg)
	if err != nil {
		return nil, err
	}
	sess.OnSegment(func(seg types.VADSegment) {
		e.metrics.VADSegments.Add(context.Background(), 1)
		slog.Debug("extract: vad segment", "speaker", speakerID,
			"duration", seg.Duration, "confidence", seg.AvgConfidence, "forced", seg.ForceClosed)
	})
	return sess, nil
}

func (e *Extractor) onBufferSegment(seg types.AudioSegment) {
	// Errors are logged by ProcessSegment.
	_, _ = e.ProcessSegment(context.Background(), &seg)
}

// ProcessSegment filters seg by quality, converts it and offers it to the
// speaker's ranked list. It returns the extracted segment, or nil when seg
// fell below the extraction threshold. Listeners are notified only when the
// segment was retained. A conversion failure drops the segment and is
// returned as an error.
func (e *Extractor) ProcessSegment(ctx context.Context, seg *types.AudioSegment) (*types.ExtractedSegment, error) {
	if seg == nil || len(seg.Chunks) == 0 {
		return nil, nil
	}
	cfg := e.Config()
	log := slog.With("speaker", seg.SpeakerID, "segment", seg.ID)

	if seg.Quality.Overall < cfg.ExtractionThreshold {
		e.metrics.RecordSegmentDiscarded(ctx, DiscardQuality)
		log.Debug("extract: segment below extraction threshold",
			"quality", seg.Quality.Overall, "threshold", cfg.ExtractionThreshold)
		return nil, nil
	}

	ctx, span := observe.StartSegmentSpan(ctx, "extract.convert", "", seg.SpeakerID, seg.ID,
		attribute.String("format", string(cfg.TargetFormat)))
	defer span.End()

	start := time.Now()
	res, err := e.conv.Convert(ctx, seg.Blob(), cfg.TargetFormat, cfg.convertOptions(seg.SampleRate()))
	elapsed := time.Since(start)
	e.metrics.ConversionDuration.Record(ctx, elapsed.Seconds())
	if err != nil {
		span.RecordError(err)
		e.metrics.RecordSegmentDiscarded(ctx, DiscardConversion)
		log.Error("extract: conversion failed, segment dropped", "err", err)
		return nil, fmt.Errorf("extract: convert segment %s: %w", seg.ID, err)
	}

	ext := &types.ExtractedSegment{
		ID:        uuid.NewString(),
		SpeakerID: seg.SpeakerID,
		Start:     seg.Start,
		End:       seg.End,
		Duration:  seg.Duration(),
		Payload:   res.Payload,
		Format:    string(res.Format),
		Quality:   seg.Quality,
		Provenance: types.Provenance{
			ChunkCount:     len(seg.Chunks),
			ProcessingTime: elapsed,
			VoiceRatio:     e.voiceRatio(seg.SpeakerID),
			Forced:         seg.Forced,
			Reason:         seg.Reason,
		},
	}

	retained := e.retain(ctx, ext, cfg.MaxSegmentsPerSpeaker)
	e.metrics.SegmentsExtracted.Add(ctx, 1)
	e.metrics.SegmentQuality.Record(ctx, ext.Quality.Overall)
	log.Info("extract: segment extracted",
		"duration", ext.Duration,
		"quality", ext.Quality.Overall,
		"bytes", len(ext.Payload),
		"reason", seg.Reason,
		"retained", retained,
	)
	if retained {
		e.extracted.Emit(ext)
	}
	return ext, nil
}

// retain inserts ext into its speaker's ranked list, keeping it sorted by
// descending quality and at most limit long. It reports whether ext
// survived. Transcript text pending for the speaker is attached here.
func (e *Extractor) retain(ctx context.Context, ext *types.ExtractedSegment, limit int) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if t, ok := e.transcripts[ext.SpeakerID]; ok {
		ext.Provenance.Transcript = t
		delete(e.transcripts, ext.SpeakerID)
	}
	list := e.ranked[ext.SpeakerID]
	q := ext.Quality.Overall
	i := sort.Search(len(list), func(i int) bool { return list[i].Quality.Overall < q })
	list = slices.Insert(list, i, ext)
	evicted := 0
	if len(list) > limit {
		evicted = len(list) - limit
		list = slices.Clone(list[:limit])
	}
	e.ranked[ext.SpeakerID] = list
	e.mu.Unlock()

	for range evicted {
		e.metrics.RecordSegmentDiscarded(ctx, DiscardRank)
	}
	return i < limit
}

func (e *Extractor) voiceRatio(speakerID string) float64 {
	st, ok := e.VADStats(speakerID)
	if !ok {
		return 0
	}
	return st.VoiceRatio()
}

// Segments returns speakerID's retained segments, best first.
func (e *Extractor) Segments(speakerID string) []*types.ExtractedSegment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.ranked[speakerID])
}

// AllSegments returns every speaker's retained segments, best first.
func (e *Extractor) AllSegments() map[string][]*types.ExtractedSegment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]*types.ExtractedSegment, len(e.ranked))
	for id, list := range e.ranked {
		if len(list) > 0 {
			out[id] = slices.Clone(list)
		}
	}
	return out
}

// VADStats returns the statistics of speakerID's VAD session.
func (e *Extractor) VADStats(speakerID string) (vad.Stats, bool) {
	e.mu.Lock()
	var sess vad.SessionHandle
	if st := e.speakers[speakerID]; st != nil {
		sess = st.vad
	}
	e.mu.Unlock()
	if sess == nil {
		return vad.Stats{}, false
	}
	return sess.Stats(), true
}

// ForceExtraction drains the queue, then force-closes every speaker with
// pending audio or a VAD session and extracts what remains regardless of
// the minimum duration. Speaker tracking starts over afterwards. It returns
// the extracted segments in speaker order.
func (e *Extractor) ForceExtraction(ctx context.Context) []*types.ExtractedSegment {
	for e.ProcessQueue(ctx) > 0 {
	}

	ids := e.buf.Speakers()
	e.mu.Lock()
	for id := range e.speakers {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	slices.Sort(ids)

	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	now := e.now()
	var out []*types.ExtractedSegment
	for _, id := range ids {
		if ext := e.closeSpeaker(ctx, id, now); ext != nil {
			out = append(out, ext)
		}
	}
	e.current = ""
	e.lastChange = time.Time{}

	slog.Info("extract: forced extraction", "speakers", len(ids), "segments", len(out))
	return out
}

func (e *Extractor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops the queue tick, unsubscribes from the buffer, closes all VAD
// sessions and clears the ranked lists and subscribers. Safe to call more
// than once.
func (e *Extractor) Close() error {
	if e.tick != nil {
		e.tick.Stop()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	speakers := e.speakers
	e.speakers = map[string]*speakerState{}
	e.ranked = map[string][]*types.ExtractedSegment{}
	e.transcripts = map[string]string{}
	e.mu.Unlock()

	e.unsubBuffer()

	e.queueMu.Lock()
	e.queue = nil
	e.queueMu.Unlock()

	var errs []error
	for id, st := range speakers {
		st.mu.Lock()
		sess := st.vad
		st.mu.Unlock()
		if sess == nil {
			continue
		}
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("extract: close vad session %q: %w", id, err))
		}
	}
	e.extracted.Clear()
	e.changes.Clear()
	return errors.Join(errs...)
}
