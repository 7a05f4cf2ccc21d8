package buffer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicesift/pkg/types"
)

func (sp *speaker) resetActivity() {
	sp.consecutiveLow = 0
	sp.lastVoiceTime = time.Time{}
}

// observeActivity updates sp's silence tracking for a chunk arriving at ts
// and materialises the pending segment when a silence boundary fires.
// Caller holds sp.proc.
func (b *Buffer) observeActivity(sp *speaker, ts time.Time, low bool) []*types.AudioSegment {
	if !low {
		sp.consecutiveLow = 0
		sp.lastVoiceTime = ts
		return nil
	}
	sp.consecutiveLow++

	var reason types.SegmentReason
	switch {
	case sp.consecutiveLow > b.cfg.SilenceChunkCount:
		reason = types.ReasonSilenceCount
	case !sp.lastVoiceTime.IsZero() && ts.Sub(sp.lastVoiceTime) > b.cfg.SilenceTimeout:
		reason = types.ReasonSilenceTimeout
	default:
		return nil
	}

	b.mu.Lock()
	seg := b.takeLocked(sp, reason, false)
	b.mu.Unlock()
	if seg == nil {
		return nil
	}
	sp.resetActivity()
	return []*types.AudioSegment{seg}
}

// takeLocked removes sp's pending chunks and returns them as a segment.
// Unless forced, pending material shorter than MinSegmentDuration stays in
// place and nil is returned. Caller holds b.mu.
func (b *Buffer) takeLocked(sp *speaker, reason types.SegmentReason, forced bool) *types.AudioSegment {
	if len(sp.chunks) == 0 {
		return nil
	}
	start := sp.chunks[0].Timestamp
	end := sp.chunks[len(sp.chunks)-1].End()
	if !forced && end.Sub(start) < b.cfg.MinSegmentDuration {
		return nil
	}

	chunks := sp.chunks
	b.releaseLocked(sp)

	qs := make([]types.QualityMetrics, len(chunks))
	for i, c := range chunks {
		qs[i] = c.Quality
	}
	seg := &types.AudioSegment{
		ID:        uuid.NewString(),
		SpeakerID: sp.id,
		Chunks:    chunks,
		Start:     start,
		End:       end,
		Quality:   types.MeanQuality(qs),
		Forced:    forced,
		Reason:    reason,
	}
	b.counters.Materialized++
	b.metrics.RecordSegmentMaterialized(context.Background(), string(reason))
	slog.Debug("buffer: segment materialized", "speaker", sp.id, "reason", reason,
		"chunks", len(chunks), "duration", seg.Duration(), "quality", seg.Quality.Overall)
	return seg
}

// discardLocked drops sp's pending chunks without emitting them. Caller
// holds b.mu.
func (b *Buffer) discardLocked(sp *speaker) {
	if len(sp.chunks) == 0 {
		return
	}
	slog.Debug("buffer: discarding short pending audio", "speaker", sp.id, "chunks", len(sp.chunks))
	b.releaseLocked(sp)
}

// releaseLocked detaches sp's chunk list and returns its bytes to the
// budget. Caller holds b.mu.
func (b *Buffer) releaseLocked(sp *speaker) {
	var size int64
	for _, c := range sp.chunks {
		size += int64(c.Size())
	}
	sp.chunks = nil
	b.totalBytes -= size

	ctx := context.Background()
	b.metrics.BufferBytes.Add(ctx, -size)
	b.metrics.ActiveSpeakers.Add(ctx, -1)
}

// SweepStalled materialises the pending segment of every speaker whose last
// chunk arrived more than SilenceTimeout ago by the buffer clock. It runs on
// SweepInterval and may be called directly.
func (b *Buffer) SweepStalled() {
	now := b.now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	candidates := make([]*speaker, 0, len(b.speakers))
	for _, sp := range b.speakers {
		if len(sp.chunks) > 0 {
			candidates = append(candidates, sp)
		}
	}
	b.mu.Unlock()

	for _, sp := range candidates {
		sp.proc.Lock()
		if !sp.lastArrival.IsZero() && now.Sub(sp.lastArrival) > b.cfg.SilenceTimeout {
			b.mu.Lock()
			seg := b.takeLocked(sp, types.ReasonStalled, false)
			b.mu.Unlock()
			if seg != nil {
				sp.resetActivity()
				b.observer.Emit(*seg)
			}
		}
		sp.proc.Unlock()
	}
}

func (b *Buffer) emitAll(segs []*types.AudioSegment) {
	for _, seg := range segs {
		b.observer.Emit(*seg)
	}
}
