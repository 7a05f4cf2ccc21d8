package extract

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicesift/internal/buffer"
	"github.com/MrWong99/voicesift/pkg/audio"
	"github.com/MrWong99/voicesift/pkg/provider/convert"
	convertmock "github.com/MrWong99/voicesift/pkg/provider/convert/mock"
	"github.com/MrWong99/voicesift/pkg/provider/vad"
	"github.com/MrWong99/voicesift/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/voicesift/pkg/provider/vad/mock"
	"github.com/MrWong99/voicesift/pkg/types"
)

const (
	rate     = 16000
	chunkDur = 100 * time.Millisecond
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// voice returns one 100ms chunk with a syllable-like envelope that clears
// every admission floor.
func voice() []byte {
	n := rate / 10
	x := make([]float64, n)
	for i := range x {
		t := float64(i) / rate
		x[i] = 0.6 * math.Abs(math.Sin(math.Pi*t/0.1)) * math.Sin(2*math.Pi*800*t)
	}
	return audio.PCM16(x)
}

func silence() []byte { return make([]byte, 2*rate/10) }

type harness struct {
	ext  *Extractor
	buf  *buffer.Buffer
	conv *convertmock.Converter

	mu        sync.Mutex
	extracted []*types.ExtractedSegment
	changes   []types.SpeakerChangeEvent
}

func (h *harness) onExtracted(s *types.ExtractedSegment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extracted = append(h.extracted, s)
}

func (h *harness) onChange(ev types.SpeakerChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, ev)
}

func (h *harness) extractedSegments() []*types.ExtractedSegment {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*types.ExtractedSegment(nil), h.extracted...)
}

func (h *harness) changeEvents() []types.SpeakerChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.SpeakerChangeEvent(nil), h.changes...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Normalize = false
	cfg.RemoveNoise = false
	cfg.TrimSilence = false
	cfg.FadeIn = 0
	cfg.FadeOut = 0
	return cfg
}

func newHarness(t *testing.T, cfg Config, eng vad.Engine) *harness {
	t.Helper()
	bcfg := buffer.DefaultConfig()
	bcfg.SweepInterval = 0
	buf, err := buffer.New(bcfg)
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	t.Cleanup(func() { _ = buf.Close() })

	if eng == nil {
		eng = energy.New()
	}
	h := &harness{buf: buf, conv: &convertmock.Converter{}}
	h.ext, err = New(cfg, buf, eng, h.conv, WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.ext.Close() })
	h.ext.OnSegmentExtracted(h.onExtracted)
	h.ext.OnSpeakerChange(h.onChange)
	return h
}

// feed adds n copies of payload for speaker starting at start, 100ms apart,
// and returns the timestamp following the last chunk.
func (h *harness) feed(t *testing.T, speaker string, payload []byte, start time.Time, n int) time.Time {
	t.Helper()
	ts := start
	for range n {
		if _, err := h.ext.AddChunk(context.Background(), payload, speaker, ts); err != nil {
			t.Fatalf("AddChunk(%s, %v): %v", speaker, ts, err)
		}
		ts = ts.Add(chunkDur)
	}
	return ts
}

func (h *harness) enqueue(t *testing.T, speaker string, payload []byte, start time.Time, n int) time.Time {
	t.Helper()
	ts := start
	for range n {
		if err := h.ext.Enqueue(payload, speaker, ts); err != nil {
			t.Fatalf("Enqueue(%s, %v): %v", speaker, ts, err)
		}
		ts = ts.Add(chunkDur)
	}
	return ts
}

// syntheticSegment builds a one-chunk buffer segment with the given overall
// quality.
func syntheticSegment(speaker string, q float64) *types.AudioSegment {
	c := &types.AudioChunk{
		ID:         "c",
		SpeakerID:  speaker,
		Data:       voice(),
		SampleRate: rate,
		Timestamp:  t0,
		Duration:   chunkDur,
		Quality:    types.QualityMetrics{Overall: q},
	}
	return &types.AudioSegment{
		ID:        "seg",
		SpeakerID: speaker,
		Chunks:    []*types.AudioChunk{c},
		Start:     t0,
		End:       t0.Add(chunkDur),
		Quality:   c.Quality,
	}
}

func qualities(segs []*types.ExtractedSegment) []float64 {
	out := make([]float64, len(segs))
	for i, s := range segs {
		out[i] = s.Quality.Overall
	}
	return out
}

func TestNew_Errors(t *testing.T) {
	buf, err := buffer.New(buffer.DefaultConfig())
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	t.Cleanup(func() { _ = buf.Close() })

	if _, err := New(DefaultConfig(), nil, energy.New(), &convertmock.Converter{}); err == nil {
		t.Error("expected error for nil buffer")
	}
	cfg := DefaultConfig()
	cfg.MaxSegmentsPerSpeaker = 0
	cfg.TargetFormat = "flac"
	if _, err := New(cfg, buf, energy.New(), &convertmock.Converter{}); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestExtractor_SingleTurn(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	next := h.feed(t, "s1", voice(), t0, 30)
	h.feed(t, "s1", silence(), next, 15)

	got := h.extractedSegments()
	if len(got) != 1 {
		t.Fatalf("extracted %d segments, want 1", len(got))
	}
	seg := got[0]
	if seg.Duration != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", seg.Duration)
	}
	if seg.Quality.Overall <= 0 {
		t.Errorf("Quality.Overall = %g, want > 0", seg.Quality.Overall)
	}
	if seg.Provenance.ChunkCount != 30 || seg.Provenance.Reason != types.ReasonSilenceCount {
		t.Errorf("provenance = %+v, want 30 chunks cut on silence count", seg.Provenance)
	}
	if seg.Format != string(convert.FormatWAV) {
		t.Errorf("Format = %q, want wav", seg.Format)
	}
	if h.conv.CallCount() != 1 {
		t.Errorf("converter called %d times, want 1", h.conv.CallCount())
	}
	if st, ok := h.ext.VADStats("s1"); !ok || st.FramesProcessed == 0 {
		t.Errorf("VADStats = %+v, %v; want frames processed", st, ok)
	}
	if got := h.ext.Segments("s1"); len(got) != 1 || got[0].ID != seg.ID {
		t.Errorf("Segments(s1) = %v, want the extracted segment", got)
	}
	if len(h.changeEvents()) != 0 {
		t.Errorf("unexpected speaker changes: %v", h.changeEvents())
	}
}

func TestExtractor_AlternatingSpeakers(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ts := t0
	speakers := []string{"s1", "s2", "s1", "s2"}
	for _, s := range speakers {
		ts = h.feed(t, s, voice(), ts, 10)
	}

	changes := h.changeEvents()
	if len(changes) != 3 {
		t.Fatalf("got %d speaker changes, want 3", len(changes))
	}
	for i, ev := range changes {
		if ev.PreviousSpeaker != speakers[i] || ev.NewSpeaker != speakers[i+1] {
			t.Errorf("change %d = %s -> %s, want %s -> %s", i, ev.PreviousSpeaker, ev.NewSpeaker, speakers[i], speakers[i+1])
		}
		want := t0.Add(time.Duration(i+1) * time.Second)
		if !ev.Timestamp.Equal(want) {
			t.Errorf("change %d at %v, want %v", i, ev.Timestamp, want)
		}
		if ev.Confidence <= 0 || ev.Confidence > 1 {
			t.Errorf("change %d confidence = %g, want in (0, 1]", i, ev.Confidence)
		}
	}

	got := h.extractedSegments()
	if len(got) != 3 {
		t.Fatalf("extracted %d segments on changes, want 3", len(got))
	}
	for i, seg := range got {
		if seg.SpeakerID != speakers[i] {
			t.Errorf("segment %d speaker = %s, want outgoing %s", i, seg.SpeakerID, speakers[i])
		}
		if !seg.Provenance.Forced || seg.Duration != time.Second {
			t.Errorf("segment %d forced=%v duration=%v, want forced 1s", i, seg.Provenance.Forced, seg.Duration)
		}
	}

	rest := h.ext.ForceExtraction(context.Background())
	if len(rest) != 1 || rest[0].SpeakerID != "s2" {
		t.Fatalf("ForceExtraction = %v, want the final s2 turn", rest)
	}
}

func TestExtractor_VADSeesRejectedSilence(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	next := t0
	for range 3 {
		next = h.feed(t, "s1", voice(), next, 20)
		next = h.feed(t, "s1", silence(), next, 20)
	}

	got := h.extractedSegments()
	if len(got) != 3 {
		t.Fatalf("extracted %d segments, want 3", len(got))
	}
	st, ok := h.ext.VADStats("s1")
	if !ok {
		t.Fatal("no vad session for s1")
	}
	if st.SegmentsEmitted < 3 {
		t.Errorf("vad emitted %d segments, want one per turn", st.SegmentsEmitted)
	}
	if r := st.VoiceRatio(); r <= 0.2 || r >= 0.7 {
		t.Errorf("VoiceRatio = %.3f, want about half", r)
	}
	if r := got[2].Provenance.VoiceRatio; r >= 0.8 {
		t.Errorf("last segment VoiceRatio = %.3f, want silence counted", r)
	}
}

func TestExtractor_VADGetsEveryDecodedChunk(t *testing.T) {
	eng := &vadmock.Engine{}
	h := newHarness(t, testConfig(), eng)
	next := h.feed(t, "s1", voice(), t0, 1)
	h.feed(t, "s1", silence(), next, 2)
	if _, err := h.ext.AddChunk(context.Background(), []byte{1, 2, 3}, "s1", t0.Add(time.Second)); err != nil {
		t.Fatalf("AddChunk(odd bytes): %v", err)
	}

	sess := eng.Sessions[0]
	if n := sess.ProcessCallCount(); n != 3 {
		t.Fatalf("vad processed %d chunks, want 3 (undecodable chunk skipped)", n)
	}
	if got := sess.ProcessCalls[2].TS; !got.Equal(t0.Add(200 * time.Millisecond)) {
		t.Errorf("rejected chunk ts = %v, want t0+200ms", got)
	}
}

func TestHandleSpeakerChange_Grace(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	if ev := h.ext.HandleSpeakerChange(ctx, "s1", t0); ev != nil {
		t.Fatalf("first speaker produced event %+v", ev)
	}
	if got := h.ext.CurrentSpeaker(); got != "s1" {
		t.Fatalf("CurrentSpeaker = %q, want s1", got)
	}
	if ev := h.ext.HandleSpeakerChange(ctx, "s1", t0.Add(time.Second)); ev != nil {
		t.Errorf("same speaker produced event %+v", ev)
	}

	h.feed(t, "s1", voice(), t0, 10)
	h.feed(t, "s2", voice(), t0.Add(time.Second), 1)
	// Jitter back to s1 inside the grace period.
	h.feed(t, "s1", voice(), t0.Add(1100*time.Millisecond), 1)
	h.feed(t, "s2", voice(), t0.Add(1200*time.Millisecond), 8)

	if got := len(h.changeEvents()); got != 1 {
		t.Fatalf("got %d changes after jitter, want 1", got)
	}
	if got := h.ext.CurrentSpeaker(); got != "s2" {
		t.Errorf("CurrentSpeaker = %q, want s2", got)
	}

	h.feed(t, "s1", voice(), t0.Add(2*time.Second), 1)
	changes := h.changeEvents()
	if len(changes) != 2 || changes[1].PreviousSpeaker != "s2" || changes[1].NewSpeaker != "s1" {
		t.Fatalf("changes = %+v, want a second s2 -> s1 change", changes)
	}
}

func TestHandleSpeakerChange_ForceClosesVAD(t *testing.T) {
	eng := &vadmock.Engine{}
	h := newHarness(t, testConfig(), eng)
	h.feed(t, "s1", voice(), t0, 10)
	h.feed(t, "s2", voice(), t0.Add(time.Second), 1)

	if len(eng.Sessions) != 2 {
		t.Fatalf("created %d vad sessions, want 2", len(eng.Sessions))
	}
	s1 := eng.Sessions[0]
	if s1.ProcessCallCount() != 10 {
		t.Errorf("s1 vad processed %d chunks, want 10", s1.ProcessCallCount())
	}
	if len(s1.ForceCloseCalls) != 1 || !s1.ForceCloseCalls[0].Equal(t0.Add(time.Second)) {
		t.Errorf("s1 ForceClose calls = %v, want one at the change", s1.ForceCloseCalls)
	}
	cfg := eng.NewSessionCalls[0].Cfg
	if cfg.SpeakerID != "s1" || cfg.SampleRate != rate {
		t.Errorf("vad config speaker=%q rate=%d, want s1 at %d", cfg.SpeakerID, cfg.SampleRate, rate)
	}
}

func TestProcessSegment_RankedRetention(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSegmentsPerSpeaker = 2
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	for _, q := range []float64{0.3, 0.5, 0.4, 0.9, 0.6} {
		if _, err := h.ext.ProcessSegment(ctx, syntheticSegment("s1", q)); err != nil {
			t.Fatalf("ProcessSegment(%g): %v", q, err)
		}
	}
	got := qualities(h.ext.Segments("s1"))
	if len(got) != 2 || got[0] != 0.9 || got[1] != 0.6 {
		t.Fatalf("retained = %v, want [0.9 0.6]", got)
	}
	if n := len(h.extractedSegments()); n != 5 {
		t.Errorf("notified %d times, want 5", n)
	}

	ext, err := h.ext.ProcessSegment(ctx, syntheticSegment("s1", 0.35))
	if err != nil || ext == nil {
		t.Fatalf("ProcessSegment(0.35) = %v, %v", ext, err)
	}
	if n := len(h.extractedSegments()); n != 5 {
		t.Errorf("segment outside the top 2 was notified")
	}
	if got := qualities(h.ext.Segments("s1")); got[0] != 0.9 || got[1] != 0.6 {
		t.Errorf("retained = %v after weak segment, want [0.9 0.6]", got)
	}
}

func TestProcessSegment_RetentionStaysSorted(t *testing.T) {
	cfg := testConfig()
	cfg.ExtractionThreshold = 0
	cfg.MaxSegmentsPerSpeaker = 4
	h := newHarness(t, cfg, nil)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := range 50 {
		speaker := []string{"a", "b", "c"}[i%3]
		if _, err := h.ext.ProcessSegment(context.Background(), syntheticSegment(speaker, rng.Float64())); err != nil {
			t.Fatalf("ProcessSegment: %v", err)
		}
		for id, list := range h.ext.AllSegments() {
			if len(list) > cfg.MaxSegmentsPerSpeaker {
				t.Fatalf("speaker %s holds %d segments, cap %d", id, len(list), cfg.MaxSegmentsPerSpeaker)
			}
			for j := 1; j < len(list); j++ {
				if list[j].Quality.Overall > list[j-1].Quality.Overall {
					t.Fatalf("speaker %s list not descending: %v", id, qualities(list))
				}
			}
		}
	}
}

func TestProcessSegment_BelowThreshold(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ext, err := h.ext.ProcessSegment(context.Background(), syntheticSegment("s1", 0.2))
	if ext != nil || err != nil {
		t.Fatalf("ProcessSegment = %v, %v; want nil, nil", ext, err)
	}
	if h.conv.CallCount() != 0 {
		t.Error("converter called for a segment below threshold")
	}
	if ext, err := h.ext.ProcessSegment(context.Background(), nil); ext != nil || err != nil {
		t.Errorf("ProcessSegment(nil) = %v, %v", ext, err)
	}
}

func TestProcessSegment_ConversionFailure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.conv.Err = errors.New("encoder exploded")

	ext, err := h.ext.ProcessSegment(context.Background(), syntheticSegment("s1", 0.8))
	if err == nil || ext != nil {
		t.Fatalf("ProcessSegment = %v, %v; want error", ext, err)
	}
	if len(h.ext.Segments("s1")) != 0 || len(h.extractedSegments()) != 0 {
		t.Error("failed conversion left a retained or notified segment")
	}
}

func TestProcessSegment_ConversionOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetFormat = convert.FormatMP3
	cfg.TargetSampleRate = 32000
	h := newHarness(t, cfg, nil)

	seg := syntheticSegment("s1", 0.8)
	if _, err := h.ext.ProcessSegment(context.Background(), seg); err != nil {
		t.Fatalf("ProcessSegment: %v", err)
	}
	call := h.conv.Calls[0]
	if call.Target != convert.FormatMP3 {
		t.Errorf("target = %s, want mp3", call.Target)
	}
	want := convert.Options{
		Quality:          cfg.Quality,
		Normalize:        true,
		RemoveNoise:      true,
		TrimSilence:      true,
		FadeIn:           DefaultFade,
		FadeOut:          DefaultFade,
		SampleRate:       rate,
		TargetSampleRate: 32000,
	}
	if call.Opts != want {
		t.Errorf("opts = %+v, want %+v", call.Opts, want)
	}
	if string(call.Payload) != string(seg.Blob()) {
		t.Error("converter did not receive the segment blob")
	}
}

func TestSetTranscript(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	h.ext.SetTranscript("s1", "hello there")

	first, _ := h.ext.ProcessSegment(ctx, syntheticSegment("s1", 0.8))
	second, _ := h.ext.ProcessSegment(ctx, syntheticSegment("s1", 0.7))
	if first.Provenance.Transcript != "hello there" {
		t.Errorf("first transcript = %q", first.Provenance.Transcript)
	}
	if second.Provenance.Transcript != "" {
		t.Errorf("transcript reused: %q", second.Provenance.Transcript)
	}
}

func TestQueue_BatchesInOrder(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	next := h.enqueue(t, "s1", voice(), t0, 30)
	h.enqueue(t, "s1", silence(), next, 15)
	if h.ext.QueueLen() != 45 {
		t.Fatalf("QueueLen = %d, want 45", h.ext.QueueLen())
	}

	ctx := context.Background()
	for i, want := range []int{16, 16, 13, 0} {
		if got := h.ext.ProcessQueue(ctx); got != want {
			t.Fatalf("batch %d took %d, want %d", i, got, want)
		}
	}
	got := h.extractedSegments()
	if len(got) != 1 || got[0].Duration != 3*time.Second {
		t.Fatalf("extracted %v, want one 3s segment", got)
	}
}

func TestQueue_SpeakerChangeInsideBatch(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	next := h.enqueue(t, "s1", voice(), t0, 10)
	h.enqueue(t, "s2", voice(), next, 10)

	ctx := context.Background()
	h.ext.ProcessQueue(ctx)
	h.ext.ProcessQueue(ctx)

	if got := len(h.changeEvents()); got != 1 {
		t.Fatalf("got %d changes, want 1", got)
	}
	got := h.extractedSegments()
	if len(got) != 1 || got[0].SpeakerID != "s1" || got[0].Provenance.ChunkCount != 10 {
		t.Fatalf("extracted %v, want s1's 10 chunks", got)
	}

	rest := h.ext.ForceExtraction(ctx)
	if len(rest) != 1 || rest[0].SpeakerID != "s2" || rest[0].Provenance.ChunkCount != 10 {
		t.Fatalf("ForceExtraction = %v, want s2's 10 chunks", rest)
	}
}

func TestQueue_Realtime(t *testing.T) {
	cfg := testConfig()
	cfg.Realtime = true
	cfg.TickInterval = 5 * time.Millisecond
	h := newHarness(t, cfg, nil)
	next := h.enqueue(t, "s1", voice(), t0, 30)
	h.enqueue(t, "s1", silence(), next, 15)

	deadline := time.Now().Add(5 * time.Second)
	for len(h.extractedSegments()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("tick never drained the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.extractedSegments(); len(got) != 1 || got[0].Duration != 3*time.Second {
		t.Errorf("extracted %v, want one 3s segment", got)
	}
}

func TestForceExtraction(t *testing.T) {
	cfg := testConfig()
	cfg.SpeakerChangeGrace = time.Second
	h := newHarness(t, cfg, nil)
	ctx := context.Background()
	h.feed(t, "s1", voice(), t0, 5)
	// Every s2 chunk arrives inside the grace period, so no change fires.
	h.feed(t, "s2", voice(), t0.Add(500*time.Millisecond), 3)
	if len(h.changeEvents()) != 0 {
		t.Fatalf("unexpected changes: %v", h.changeEvents())
	}

	got := h.ext.ForceExtraction(ctx)
	if len(got) != 2 {
		t.Fatalf("ForceExtraction returned %d segments, want 2", len(got))
	}
	if got[0].SpeakerID != "s1" || got[0].Duration != 500*time.Millisecond {
		t.Errorf("first = %s %v, want s1 500ms", got[0].SpeakerID, got[0].Duration)
	}
	if got[1].SpeakerID != "s2" || got[1].Duration != 300*time.Millisecond {
		t.Errorf("second = %s %v, want s2 300ms", got[1].SpeakerID, got[1].Duration)
	}
	if h.ext.CurrentSpeaker() != "" {
		t.Errorf("CurrentSpeaker = %q after ForceExtraction, want empty", h.ext.CurrentSpeaker())
	}
	if again := h.ext.ForceExtraction(ctx); len(again) != 0 {
		t.Errorf("second ForceExtraction = %v, want nothing", again)
	}
	if st := h.buf.Stats(); st.TotalBytes != 0 {
		t.Errorf("buffer still holds %d bytes", st.TotalBytes)
	}
}

func TestUpdateConfig(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	for _, q := range []float64{0.9, 0.8, 0.7, 0.6} {
		if _, err := h.ext.ProcessSegment(ctx, syntheticSegment("s1", q)); err != nil {
			t.Fatalf("ProcessSegment: %v", err)
		}
	}

	bad := testConfig()
	bad.ExtractionThreshold = 1.5
	if err := h.ext.UpdateConfig(bad); err == nil {
		t.Fatal("expected error for invalid config")
	}

	cfg := testConfig()
	cfg.MaxSegmentsPerSpeaker = 2
	cfg.ExtractionThreshold = 0.75
	cfg.Realtime = true
	if err := h.ext.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if got := qualities(h.ext.Segments("s1")); len(got) != 2 || got[0] != 0.9 || got[1] != 0.8 {
		t.Errorf("retained = %v, want [0.9 0.8]", got)
	}
	if h.ext.Config().Realtime {
		t.Error("UpdateConfig changed realtime mode")
	}
	if ext, _ := h.ext.ProcessSegment(ctx, syntheticSegment("s1", 0.7)); ext != nil {
		t.Error("segment below the new threshold was extracted")
	}
}

func TestUpdateConfig_RestartsVADSessions(t *testing.T) {
	eng := &vadmock.Engine{}
	h := newHarness(t, testConfig(), eng)
	h.feed(t, "s1", voice(), t0, 2)

	same := testConfig()
	same.ExtractionThreshold = 0.5
	if err := h.ext.UpdateConfig(same); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if len(eng.Sessions) != 1 {
		t.Fatalf("unchanged vad config created %d sessions, want 1", len(eng.Sessions))
	}

	cfg := testConfig()
	cfg.VAD.HangoverFrames = 3
	if err := h.ext.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if len(eng.Sessions) != 2 {
		t.Fatalf("created %d vad sessions, want a replacement", len(eng.Sessions))
	}
	old, repl := eng.Sessions[0], eng.Sessions[1]
	if len(old.ForceCloseCalls) != 1 || old.CloseCallCount != 1 {
		t.Errorf("old session force-closed %d times, closed %d times; want 1 and 1",
			len(old.ForceCloseCalls), old.CloseCallCount)
	}
	got := eng.NewSessionCalls[1].Cfg
	if got.HangoverFrames != 3 || got.SpeakerID != "s1" || got.SampleRate != rate {
		t.Errorf("replacement config = %+v, want hangover 3 for s1 at %d", got, rate)
	}

	h.feed(t, "s1", voice(), t0.Add(200*time.Millisecond), 1)
	if old.ProcessCallCount() != 2 || repl.ProcessCallCount() != 1 {
		t.Errorf("process calls old=%d new=%d, want 2 and 1", old.ProcessCallCount(), repl.ProcessCallCount())
	}
}

func TestClose(t *testing.T) {
	eng := &vadmock.Engine{}
	h := newHarness(t, testConfig(), eng)
	ctx := context.Background()
	h.feed(t, "s1", voice(), t0, 3)
	if _, err := h.ext.ProcessSegment(ctx, syntheticSegment("s1", 0.8)); err != nil {
		t.Fatalf("ProcessSegment: %v", err)
	}

	if err := h.ext.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.ext.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := h.ext.AddChunk(ctx, voice(), "s1", t0); !errors.Is(err, ErrClosed) {
		t.Errorf("AddChunk after Close = %v, want ErrClosed", err)
	}
	if err := h.ext.Enqueue(voice(), "s1", t0); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
	if len(h.ext.AllSegments()) != 0 {
		t.Error("ranked lists survived Close")
	}
	if eng.Sessions[0].CloseCallCount != 1 {
		t.Errorf("vad session closed %d times, want 1", eng.Sessions[0].CloseCallCount)
	}

	// Buffer segments no longer reach the closed extractor.
	h.buf.ForceSegmentCreation("s1")
	if h.conv.CallCount() != 1 {
		t.Errorf("converter called %d times, want only the pre-close call", h.conv.CallCount())
	}
}

func TestAddChunk_ProgrammerErrors(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	if _, err := h.ext.AddChunk(context.Background(), voice(), "", t0); err == nil {
		t.Error("expected error for empty speaker")
	}
	if err := h.ext.Enqueue(voice(), "", t0); err == nil {
		t.Error("expected error for empty speaker on Enqueue")
	}
	chunk, err := h.ext.AddChunk(context.Background(), silence(), "s1", time.Time{})
	if chunk != nil || err != nil {
		t.Errorf("silent chunk = %v, %v; want rejected without error", chunk, err)
	}
}
