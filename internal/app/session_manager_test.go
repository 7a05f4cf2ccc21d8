package app_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicesift/internal/app"
	"github.com/MrWong99/voicesift/internal/config"
	"github.com/MrWong99/voicesift/internal/ingest"
	"github.com/MrWong99/voicesift/internal/selector"
	"github.com/MrWong99/voicesift/internal/statstore"
	"github.com/MrWong99/voicesift/pkg/audio"
	convertmock "github.com/MrWong99/voicesift/pkg/provider/convert/mock"
	"github.com/MrWong99/voicesift/pkg/provider/identity/memory"
	uploadmock "github.com/MrWong99/voicesift/pkg/provider/upload/mock"
	"github.com/MrWong99/voicesift/pkg/provider/vad/energy"
	"github.com/MrWong99/voicesift/pkg/types"
)

const (
	rate     = 16000
	chunkDur = 100 * time.Millisecond
)

// voice returns one 100ms chunk with a syllable-like envelope that clears
// every admission floor.
func voice() []byte {
	x := make([]float64, rate/10)
	for i := range x {
		t := float64(i) / rate
		x[i] = 0.6 * math.Abs(math.Sin(math.Pi*t/0.1)) * math.Sin(2*math.Pi*800*t)
	}
	return audio.PCM16(x)
}

func silence() []byte { return make([]byte, 2*rate/10) }

// testConfig returns a config with deterministic conversion and no
// background sweeps.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Buffer.SweepInterval = 0
	cfg.Extract.Normalize = false
	cfg.Extract.RemoveNoise = false
	cfg.Extract.TrimSilence = false
	cfg.Extract.FadeIn = 0
	cfg.Extract.FadeOut = 0
	cfg.Selector.UploadThreshold = 0.01
	cfg.Selector.CacheSweepInterval = 0
	return cfg
}

type fixture struct {
	sm       *app.SessionManager
	uploader *uploadmock.Uploader
	ids      *memory.Registry
	stats    *statstore.Store
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	st, err := statstore.Open(statstore.Options{InMemory: true})
	if err != nil {
		t.Fatalf("statstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		uploader: &uploadmock.Uploader{},
		ids:      memory.New(),
		stats:    st,
	}
	f.sm = app.NewSessionManager(app.SessionManagerConfig{
		Config: cfg,
		Providers: &app.Providers{
			VAD:       energy.New(),
			Converter: &convertmock.Converter{},
			Uploader:  f.uploader,
		},
		Identities: f.ids,
		Stats:      st,
	})
	t.Cleanup(func() { _ = f.sm.CloseAll(context.Background()) })
	return f
}

// feed sends n copies of payload for speaker starting at start, 100ms
// apart, and returns the timestamp following the last chunk.
func feed(t *testing.T, s ingest.Stream, speaker string, payload []byte, start time.Time, n int) time.Time {
	t.Helper()
	ts := start
	for range n {
		if err := s.Ingest(context.Background(), payload, speaker, ts); err != nil {
			t.Fatalf("Ingest(%s, %v): %v", speaker, ts, err)
		}
		ts = ts.Add(chunkDur)
	}
	return ts
}

type eventLog struct {
	mu       sync.Mutex
	segments []*types.ExtractedSegment
	samples  []selector.SampleEvent
}

func (l *eventLog) segment(s *types.ExtractedSegment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.segments = append(l.segments, s)
}

func (l *eventLog) sample(ev selector.SampleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, ev)
}

func (l *eventLog) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.segments), len(l.samples)
}

func TestSessionManager_HarvestsAndUploads(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	s, err := f.sm.Open(ctx, "table-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var log eventLog
	s.OnSegment(log.segment)
	s.OnSample(log.sample)

	next := feed(t, s, "alice", voice(), time.Now(), 30)
	feed(t, s, "alice", silence(), next, 15)

	stats, err := f.sm.Close(ctx, "table-1")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(stats) != 1 || stats[0].SpeakerID != "alice" || stats[0].Accepted != 1 {
		t.Fatalf("stats = %+v, want one accepted sample for alice", stats)
	}
	if stats[0].Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", stats[0].Uploaded)
	}
	if f.uploader.CallCount() != 1 {
		t.Errorf("uploader called %d times, want 1", f.uploader.CallCount())
	}
	if req := f.uploader.Requests()[0]; req.SessionID != "table-1" || req.SpeakerID != "alice" {
		t.Errorf("upload request = %+v", req)
	}
	if segs, samples := log.counts(); segs != 1 || samples != 1 {
		t.Errorf("events: %d segments, %d samples; want 1 and 1", segs, samples)
	}
	if p := f.ids.Pending("table-1"); len(p) != 1 || p[0].SpeakerID != "alice" {
		t.Errorf("pending identities = %+v, want alice", p)
	}
	saved, err := f.stats.Get(ctx, "table-1", "alice")
	if err != nil || saved.Accepted != 1 {
		t.Errorf("persisted stats = %+v, %v", saved, err)
	}
	if len(f.sm.Active()) != 0 {
		t.Errorf("Active = %v after Close", f.sm.Active())
	}
}

func TestSessionManager_FlushForcesExtraction(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	s, err := f.sm.Open(ctx, "table-2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	feed(t, s, "bob", voice(), time.Now(), 20)

	if n := s.Flush(ctx); n != 1 {
		t.Fatalf("Flush = %d, want 1", n)
	}
	if n := s.Flush(ctx); n != 0 {
		t.Errorf("second Flush = %d, want 0", n)
	}
	stats, err := f.sm.Close(ctx, "table-2")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(stats) != 1 || stats[0].Accepted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSessionManager_RealtimeQueue(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Extract.Realtime = true
	cfg.Extract.TickInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	s, err := f.sm.Open(ctx, "table-3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if info := f.sm.Active(); len(info) != 1 || !info[0].Realtime {
		t.Fatalf("Active = %+v, want one realtime session", info)
	}
	feed(t, s, "carol", voice(), time.Now(), 20)

	stats, err := f.sm.Close(ctx, "table-3")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(stats) != 1 || stats[0].SpeakerID != "carol" || stats[0].Accepted != 1 {
		t.Errorf("stats = %+v, want the queued audio extracted on close", stats)
	}
}

func TestSessionManager_SpeakerChangeSplitsTurns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	s, err := f.sm.Open(ctx, "table-4")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var (
		mu      sync.Mutex
		changes []types.SpeakerChangeEvent
	)
	s.OnSpeakerChange(func(ev types.SpeakerChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, ev)
	})

	next := feed(t, s, "alice", voice(), time.Now(), 20)
	s.ChangeSpeaker(ctx, "bob", next)
	feed(t, s, "bob", voice(), next, 20)

	mu.Lock()
	got := append([]types.SpeakerChangeEvent(nil), changes...)
	mu.Unlock()
	if len(got) != 1 || got[0].PreviousSpeaker != "alice" || got[0].NewSpeaker != "bob" {
		t.Fatalf("changes = %+v, want alice -> bob", got)
	}

	stats, err := f.sm.Close(ctx, "table-4")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(stats) != 2 {
		t.Errorf("stats = %+v, want both speakers", stats)
	}
}

func TestSessionManager_OpenErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	if _, err := f.sm.Open(ctx, "  "); err == nil {
		t.Error("expected error for empty session id")
	}
	if _, err := f.sm.Open(ctx, "dup"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.sm.Open(ctx, "dup"); !errors.Is(err, ingest.ErrSessionActive) {
		t.Errorf("second Open error = %v, want ErrSessionActive", err)
	}
	if _, err := f.sm.Close(ctx, "missing"); !errors.Is(err, app.ErrNoSession) {
		t.Errorf("Close(missing) error = %v, want ErrNoSession", err)
	}
}

func TestSessionManager_InvalidConfigRejected(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Buffer.MinVolume = 2
	f := newFixture(t, cfg)

	if _, err := f.sm.Open(context.Background(), "bad"); err == nil {
		t.Fatal("expected error for invalid buffer config")
	}
	if len(f.sm.Active()) != 0 {
		t.Errorf("failed Open left a session behind: %v", f.sm.Active())
	}
}

func TestSessionManager_UpdateConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	if _, err := f.sm.Open(ctx, "live"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	bad := testConfig()
	bad.Selector.UploadThreshold = 2
	if err := f.sm.UpdateConfig(bad); err == nil {
		t.Error("expected error for out-of-range upload threshold")
	}

	good := testConfig()
	good.Selector.UploadThreshold = 0.99
	if err := f.sm.UpdateConfig(good); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	// The raised threshold now rejects everything the session extracts.
	s, err := f.sm.Open(ctx, "after")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	feed(t, s, "dave", voice(), time.Now(), 20)
	stats, err := f.sm.Close(ctx, "after")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(stats) != 1 || stats[0].Accepted != 0 || stats[0].Rejected != 1 {
		t.Errorf("stats = %+v, want one rejected sample", stats)
	}
}

func TestSessionManager_CloseAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		if _, err := f.sm.Open(ctx, id); err != nil {
			t.Fatalf("Open(%s): %v", id, err)
		}
	}
	active := f.sm.Active()
	if len(active) != 2 || active[0].SessionID != "a" || active[1].SessionID != "b" {
		t.Fatalf("Active = %+v, want a and b in order", active)
	}
	if err := f.sm.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if len(f.sm.Active()) != 0 {
		t.Errorf("Active = %v after CloseAll", f.sm.Active())
	}
}

func TestSessionManager_Capacity(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.MaxSessions = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	if _, err := f.sm.Open(ctx, "first"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.sm.Open(ctx, "second"); !errors.Is(err, ingest.ErrAtCapacity) {
		t.Fatalf("Open over cap error = %v, want ErrAtCapacity", err)
	}
	if active, limit := f.sm.Load(); active != 1 || limit != 1 {
		t.Errorf("Load = (%d, %d), want (1, 1)", active, limit)
	}

	if _, err := f.sm.Close(ctx, "first"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.sm.Open(ctx, "second"); err != nil {
		t.Errorf("Open after a slot freed: %v", err)
	}

	raised := testConfig()
	raised.Server.MaxSessions = 0
	if err := f.sm.UpdateConfig(raised); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if _, err := f.sm.Open(ctx, "third"); err != nil {
		t.Errorf("Open with cap lifted: %v", err)
	}
	if err := f.sm.CloseAll(ctx); err != nil {
		t.Errorf("CloseAll: %v", err)
	}
}
