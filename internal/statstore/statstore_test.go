package statstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicesift/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := types.SpeakerStats{
		SpeakerID:     "s1",
		SessionID:     "sess",
		Accepted:      3,
		TotalDuration: 4500 * time.Millisecond,
		AvgQuality:    0.72,
		LastURL:       "s3://bucket/sess/s1/x.wav",
		UpdatedAt:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get(ctx, "sess", "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Accepted != 3 || got.TotalDuration != want.TotalDuration || got.AvgQuality != 0.72 || got.LastURL != want.LastURL {
		t.Errorf("got %+v", got)
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, want.UpdatedAt)
	}

	if _, err := s.Get(ctx, "sess", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadIsolatesSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, st := range []types.SpeakerStats{
		{SessionID: "a", SpeakerID: "s1", Accepted: 1},
		{SessionID: "a", SpeakerID: "s2", Accepted: 2},
		{SessionID: "ab", SpeakerID: "s1", Accepted: 9},
	} {
		if err := s.Save(ctx, st); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	got, err := s.Load(ctx, "a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0].SpeakerID != "s1" || got[1].SpeakerID != "s2" {
		t.Errorf("Load(a) = %+v", got)
	}

	if err := s.DeleteSession(ctx, "a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if got, _ := s.Load(ctx, "a"); len(got) != 0 {
		t.Errorf("Load after delete = %+v", got)
	}
	if got, _ := s.Load(ctx, "ab"); len(got) != 1 {
		t.Errorf("DeleteSession touched session ab: %+v", got)
	}
}

func TestSaveValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, types.SpeakerStats{SpeakerID: "s1"}); err == nil {
		t.Error("expected error for missing session")
	}
	if err := s.Save(ctx, types.SpeakerStats{SessionID: "a/b", SpeakerID: "s1"}); err == nil {
		t.Error("expected error for session containing '/'")
	}
}

func TestOpenRequiresDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Error("expected error without dir")
	}
}

func TestOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(ctx, types.SpeakerStats{SessionID: "sess", SpeakerID: "s1", Accepted: 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "sess", "s1")
	if err != nil || got.Accepted != 2 {
		t.Errorf("after reopen = %+v, %v", got, err)
	}
}
