package postgres_test

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicesift/pkg/provider/identity"
	"github.com/MrWong99/voicesift/pkg/provider/identity/postgres"
)

// testDSN returns the test database DSN, or skips the test if
// VOICESIFT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOICESIFT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICESIFT_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore drops the registry tables and returns a freshly migrated
// store closed on cleanup.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS speaker_samples CASCADE",
		"DROP TABLE IF EXISTS pending_identities CASCADE",
		"DROP TABLE IF EXISTS speaker_identities CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			t.Fatalf("drop schema: %v", err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_BindLookupSpeakingTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Lookup(ctx, "s1")
	if err != nil || id != nil {
		t.Fatalf("Lookup unknown = %v, %v", id, err)
	}

	bound, err := s.Bind(ctx, "s1", "Alice")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.AddSpeakingTime(ctx, bound.ID, 1500*time.Millisecond); err != nil {
		t.Fatalf("AddSpeakingTime: %v", err)
	}
	id, err = s.Lookup(ctx, "s1")
	if err != nil || id == nil {
		t.Fatalf("Lookup = %v, %v", id, err)
	}
	if id.Name != "Alice" || id.SpeakingTime != 1500*time.Millisecond {
		t.Errorf("identity = %+v", id)
	}

	if err := s.AddSpeakingTime(ctx, "missing", time.Second); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_RegisterPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := identity.Pending{
		SpeakerID:   "s2",
		SessionID:   "sess",
		SampleID:    "a",
		Quality:     0.6,
		Duration:    2 * time.Second,
		Fingerprint: make([]float32, identity.FingerprintDims),
	}
	if err := s.RegisterPending(ctx, p); err != nil {
		t.Fatalf("RegisterPending: %v", err)
	}
	p.SampleID = "b"
	p.Fingerprint = nil
	if err := s.RegisterPending(ctx, p); err != nil {
		t.Fatalf("RegisterPending again: %v", err)
	}

	got, err := s.PendingForSession(ctx, "sess")
	if err != nil {
		t.Fatalf("PendingForSession: %v", err)
	}
	if len(got) != 1 || got[0].SampleID != "b" || got[0].Duration != 2*time.Second {
		t.Errorf("pending = %+v", got)
	}
	if got[0].Fingerprint != nil {
		t.Errorf("fingerprint = %v, want nil", got[0].Fingerprint)
	}
}

func TestStore_Nearest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Nearest(ctx, "s1", make([]float32, identity.FingerprintDims)); ok || err != nil {
		t.Fatalf("Nearest on empty = ok %v, err %v", ok, err)
	}
	for i, fp := range [][]float32{{1, 0, 0, 0, 0, 0}, {0, 3, 4, 0, 0, 0}} {
		err := s.IndexSample(ctx, identity.Sample{SpeakerID: "s1", SessionID: "sess", Quality: float64(i), Fingerprint: fp})
		if err != nil {
			t.Fatalf("IndexSample: %v", err)
		}
	}
	d, ok, err := s.Nearest(ctx, "s1", []float32{0, 0, 0, 0, 0, 0})
	if err != nil || !ok {
		t.Fatalf("Nearest = ok %v, err %v", ok, err)
	}
	if math.Abs(d-1) > 1e-6 {
		t.Errorf("distance = %v, want 1", d)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
