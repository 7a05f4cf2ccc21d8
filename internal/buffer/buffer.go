// Package buffer holds admitted audio chunks per speaker and cuts them into
// time-bounded segments in real time.
//
// Every incoming chunk is decoded to mono PCM16, scored ([types.QualityMetrics])
// and admitted only if each metric clears its floor. Admitted chunks are kept
// in a per-speaker list until a boundary fires: too many consecutive
// low-activity chunks, too long since the speaker's last voiced chunk, or a
// segment that would outgrow the maximum duration. A boundary materialises
// the accumulated chunks as a [types.AudioSegment] and notifies subscribers.
// A periodic sweep closes segments for speakers that stopped sending.
//
// Work for one speaker is serialized by a per-speaker mutex; different
// speakers proceed in parallel. The global byte ceiling is enforced under a
// single lock that covers both admission and eviction.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicesift/internal/event"
	"github.com/MrWong99/voicesift/internal/observe"
	"github.com/MrWong99/voicesift/internal/sched"
	"github.com/MrWong99/voicesift/pkg/audio"
	"github.com/MrWong99/voicesift/pkg/audio/signal"
	"github.com/MrWong99/voicesift/pkg/types"
)

// ErrClosed is returned by AddChunk after Close.
var ErrClosed = errors.New("buffer: closed")

// Rejection reasons reported through metrics and logs.
const (
	RejectDecode        = "decode"
	RejectSNR           = "snr"
	RejectVolume        = "volume"
	RejectClarity       = "clarity"
	RejectVoiceActivity = "voice_activity"
	RejectOversize      = "oversize"
)

// Stats is a snapshot of buffer occupancy and counters.
type Stats struct {
	TotalBytes int64

	// Chunks maps each speaker with buffered audio to its chunk count.
	Chunks map[string]int

	Admitted     int64
	Rejected     int64
	Evicted      int64
	Materialized int64
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock overrides the time source used for arrival tracking and the
// stalled-speaker sweep.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// Buffer is the multi-speaker chunk store. Create with [New].
type Buffer struct {
	cfg     Config
	now     func() time.Time
	metrics *observe.Metrics

	observer event.Observer[types.AudioSegment]
	sweep    *sched.Task

	// mu guards every field below and the chunk lists inside speakers.
	mu         sync.Mutex
	closed     bool
	speakers   map[string]*speaker
	totalBytes int64
	counters   Stats
}

// speaker is the per-speaker state. proc serializes chunk processing for the
// speaker; chunks is guarded by Buffer.mu because eviction may touch any
// speaker's list.
type speaker struct {
	id string

	proc    sync.Mutex
	decoder audio.Decoder

	// Segmentation state, guarded by proc.
	consecutiveLow int
	lastVoiceTime  time.Time
	lastArrival    time.Time

	chunks []*types.AudioChunk
}

// New validates cfg and starts the stalled-speaker sweep.
func New(cfg Config, opts ...Option) (*Buffer, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Buffer{
		cfg:      cfg,
		now:      time.Now,
		speakers: make(map[string]*speaker),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.sweep = sched.Every("buffer-sweep", cfg.SweepInterval, func(time.Time) { b.SweepStalled() })
	return b, nil
}

// Config returns the effective configuration.
func (b *Buffer) Config() Config { return b.cfg }

// OnSegment registers fn for every materialised segment. fn runs while the
// speaker's processing lock is held and must not call back into the buffer
// for the same speaker.
func (b *Buffer) OnSegment(fn func(types.AudioSegment)) func() {
	return b.observer.Subscribe(fn)
}

// Admission is the outcome of offering one chunk to the buffer.
type Admission struct {
	// Chunk is the stored chunk, nil when the chunk was rejected.
	Chunk *types.AudioChunk

	// PCM is the decoded mono PCM16, set whenever decoding succeeded.
	PCM []byte

	// Timestamp is the chunk start after defaulting a zero ts.
	Timestamp time.Time

	// Reason is the rejection reason, "" when admitted.
	Reason string
}

// AddChunk decodes, scores and possibly admits payload for speakerID. It
// returns the stored chunk, or nil with a nil error when the chunk was
// rejected. A zero ts is replaced by the buffer clock.
func (b *Buffer) AddChunk(payload []byte, speakerID string, ts time.Time) (*types.AudioChunk, error) {
	a, err := b.Ingest(payload, speakerID, ts)
	return a.Chunk, err
}

// Ingest is [Buffer.AddChunk] reporting the decoded audio and the rejection
// reason as well, so callers can analyse audio the buffer did not keep.
func (b *Buffer) Ingest(payload []byte, speakerID string, ts time.Time) (Admission, error) {
	if speakerID == "" {
		return Admission{}, errors.New("buffer: add chunk: speaker id must not be empty")
	}
	if ts.IsZero() {
		ts = b.now()
	}
	sp, err := b.speaker(speakerID)
	if err != nil {
		return Admission{}, err
	}

	sp.proc.Lock()
	defer sp.proc.Unlock()

	ctx := context.Background()
	sp.lastArrival = b.now()

	chunk, pcm, reason := b.admit(sp, payload, ts)
	res := Admission{PCM: pcm, Timestamp: ts, Reason: reason}
	if chunk == nil {
		b.metrics.RecordChunkRejected(ctx, reason)
		b.mu.Lock()
		b.counters.Rejected++
		b.mu.Unlock()
		b.emitAll(b.observeActivity(sp, ts, true))
		return res, nil
	}

	var segs []*types.AudioSegment
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Admission{}, ErrClosed
	}
	if len(sp.chunks) > 0 && chunk.End().Sub(sp.chunks[0].Timestamp) > b.cfg.MaxSegmentDuration {
		if seg := b.takeLocked(sp, types.ReasonMaxDuration, false); seg != nil {
			segs = append(segs, seg)
		} else {
			// Too short to emit and too old to extend.
			b.discardLocked(sp)
		}
	}
	stored := b.storeLocked(sp, chunk)
	if !stored {
		b.counters.Rejected++
	}
	b.mu.Unlock()

	if !stored {
		b.metrics.RecordChunkRejected(ctx, RejectOversize)
		slog.Warn("buffer: chunk larger than memory ceiling", "speaker", speakerID, "bytes", chunk.Size())
		b.emitAll(append(segs, b.observeActivity(sp, ts, true)...))
		res.Reason = RejectOversize
		return res, nil
	}

	b.metrics.ChunksAdmitted.Add(ctx, 1)
	low := chunk.Quality.VoiceActivity < b.cfg.LowActivityThreshold
	b.emitAll(append(segs, b.observeActivity(sp, ts, low)...))
	res.Chunk = chunk
	return res, nil
}

// admit decodes and scores payload. It returns the chunk to store, or nil and
// the rejection reason. pcm is returned whenever decoding succeeded. A chunk
// longer than the maximum segment duration could never fit in an unforced
// segment and is refused. Caller holds sp.proc.
func (b *Buffer) admit(sp *speaker, payload []byte, ts time.Time) (chunk *types.AudioChunk, pcm []byte, reason string) {
	pcm, err := sp.decoder.Decode(payload)
	if err != nil {
		slog.Warn("buffer: chunk rejected", "speaker", sp.id, "reason", RejectDecode, "bytes", len(payload), "err", err)
		return nil, nil, RejectDecode
	}

	dur := audio.Duration(pcm, b.cfg.SampleRate)
	if dur > b.cfg.MaxSegmentDuration {
		slog.Warn("buffer: chunk rejected", "speaker", sp.id, "reason", RejectOversize,
			"duration", dur, "max_segment_duration", b.cfg.MaxSegmentDuration)
		return nil, pcm, RejectOversize
	}

	q := signal.Quality(audio.Float64s(pcm), b.cfg.SampleRate, signal.QualityParams{
		VoiceThreshold: b.cfg.VoiceThreshold,
	})
	if reason := b.gate(q); reason != "" {
		slog.Debug("buffer: chunk rejected", "speaker", sp.id, "reason", reason,
			"snr", q.SNR, "volume", q.Volume, "clarity", q.Clarity, "voice_activity", q.VoiceActivity)
		return nil, pcm, reason
	}

	return &types.AudioChunk{
		ID:         uuid.NewString(),
		SpeakerID:  sp.id,
		Data:       pcm,
		SampleRate: b.cfg.SampleRate,
		Timestamp:  ts,
		Duration:   dur,
		Quality:    q,
	}, pcm, ""
}

// gate returns the first failed admission floor, or "" when q passes.
func (b *Buffer) gate(q types.QualityMetrics) string {
	switch {
	case q.SNR < b.cfg.MinSNR:
		return RejectSNR
	case q.Volume < b.cfg.MinVolume:
		return RejectVolume
	case q.Clarity < b.cfg.MinClarity:
		return RejectClarity
	case q.VoiceActivity < b.cfg.MinVoiceActivity:
		return RejectVoiceActivity
	}
	return ""
}

// speaker returns the state for id, creating it on first use.
func (b *Buffer) speaker(id string) (*speaker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if sp, ok := b.speakers[id]; ok {
		return sp, nil
	}
	dec, err := audio.NewDecoder(b.cfg.decoderConfig())
	if err != nil {
		return nil, fmt.Errorf("buffer: speaker %q: %w", id, err)
	}
	sp := &speaker{id: id, decoder: dec}
	b.speakers[id] = sp
	return sp, nil
}

// lookup returns the state for id without creating it.
func (b *Buffer) lookup(id string) *speaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speakers[id]
}

// storeLocked appends c to sp and evicts until both limits hold. It reports
// false when c alone exceeds the memory ceiling. Caller holds b.mu.
func (b *Buffer) storeLocked(sp *speaker, c *types.AudioChunk) bool {
	size := int64(c.Size())
	if size > b.cfg.MaxMemoryBytes {
		return false
	}
	ctx := context.Background()

	for len(sp.chunks) >= b.cfg.MaxChunksPerSpeaker {
		b.evictLocked(ctx, sp, "speaker")
	}
	for b.totalBytes+size > b.cfg.MaxMemoryBytes {
		oldest := b.oldestLocked()
		if oldest == nil {
			break
		}
		b.evictLocked(ctx, oldest, "memory")
	}

	if len(sp.chunks) == 0 {
		b.metrics.ActiveSpeakers.Add(ctx, 1)
	}
	sp.chunks = append(sp.chunks, c)
	b.totalBytes += size
	b.counters.Admitted++
	b.metrics.BufferBytes.Add(ctx, size)
	return true
}

// oldestLocked returns the speaker holding the oldest chunk. Caller holds b.mu.
func (b *Buffer) oldestLocked() *speaker {
	var oldest *speaker
	for _, sp := range b.speakers {
		if len(sp.chunks) == 0 {
			continue
		}
		if oldest == nil || sp.chunks[0].Timestamp.Before(oldest.chunks[0].Timestamp) {
			oldest = sp
		}
	}
	return oldest
}

// evictLocked drops sp's oldest chunk. Caller holds b.mu.
func (b *Buffer) evictLocked(ctx context.Context, sp *speaker, limit string) {
	c := sp.chunks[0]
	sp.chunks[0] = nil
	sp.chunks = sp.chunks[1:]
	size := int64(c.Size())
	b.totalBytes -= size
	b.counters.Evicted++
	b.metrics.BufferBytes.Add(ctx, -size)
	b.metrics.RecordChunkEvicted(ctx, limit)
	if len(sp.chunks) == 0 {
		b.metrics.ActiveSpeakers.Add(ctx, -1)
	}
	slog.Debug("buffer: chunk evicted", "speaker", sp.id, "limit", limit, "bytes", size)
}

// ForceSegmentCreation flushes whatever speakerID has accumulated as a
// segment, ignoring the minimum duration, and notifies subscribers. It
// returns nil and changes nothing when the speaker has no buffered chunks.
func (b *Buffer) ForceSegmentCreation(speakerID string) *types.AudioSegment {
	seg := b.flush(speakerID)
	if seg != nil {
		b.observer.Emit(*seg)
	}
	return seg
}

// Drain is ForceSegmentCreation without notification: the caller takes
// ownership of the returned segment.
func (b *Buffer) Drain(speakerID string) *types.AudioSegment {
	return b.flush(speakerID)
}

func (b *Buffer) flush(speakerID string) *types.AudioSegment {
	sp := b.lookup(speakerID)
	if sp == nil {
		return nil
	}
	sp.proc.Lock()
	defer sp.proc.Unlock()

	b.mu.Lock()
	seg := b.takeLocked(sp, types.ReasonForced, true)
	b.mu.Unlock()
	if seg == nil {
		return nil
	}
	sp.resetActivity()
	return seg
}

// Speakers returns the IDs of speakers that currently hold chunks.
func (b *Buffer) Speakers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.speakers))
	for id, sp := range b.speakers {
		if len(sp.chunks) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns a snapshot of occupancy and counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.counters
	st.TotalBytes = b.totalBytes
	st.Chunks = make(map[string]int, len(b.speakers))
	for id, sp := range b.speakers {
		if len(sp.chunks) > 0 {
			st.Chunks[id] = len(sp.chunks)
		}
	}
	return st
}

// Close stops the sweep, drops every buffered chunk and removes all
// subscribers. Safe to call more than once.
func (b *Buffer) Close() error {
	b.sweep.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	ctx := context.Background()
	for _, sp := range b.speakers {
		if len(sp.chunks) > 0 {
			b.metrics.ActiveSpeakers.Add(ctx, -1)
		}
		sp.chunks = nil
	}
	b.metrics.BufferBytes.Add(ctx, -b.totalBytes)
	b.totalBytes = 0
	b.speakers = map[string]*speaker{}
	b.observer.Clear()
	return nil
}
