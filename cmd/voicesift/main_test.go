package main

import (
	"bytes"
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voicesift/internal/config"
	"github.com/MrWong99/voicesift/pkg/audio"
)

const testRate = 16000

// speech returns n 100ms chunks of syllable-shaped tone followed by m
// chunks of silence.
func speech(n, m int) []byte {
	per := testRate / 10
	x := make([]float64, (n+m)*per)
	for i := range n * per {
		t := float64(i) / testRate
		x[i] = 0.6 * math.Abs(math.Sin(math.Pi*t/0.1)) * math.Sin(2*math.Pi*800*t)
	}
	return audio.PCM16(x)
}

func analyzeConfig() *config.Config {
	cfg := config.Default()
	cfg.Audio.SampleRate = testRate
	cfg.Extract.Normalize = false
	cfg.Extract.RemoveNoise = false
	cfg.Extract.TrimSilence = false
	cfg.Extract.FadeIn = 0
	cfg.Extract.FadeOut = 0
	cfg.Selector.UploadThreshold = 0.01
	cfg.Selector.CacheSweepInterval = 0
	return cfg
}

func TestEncodingFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want audio.Encoding
	}{
		{"a.wav", audio.EncodingWAV},
		{"B.WAV", audio.EncodingWAV},
		{"c.mp3", audio.EncodingMP3},
		{"d.raw", audio.EncodingPCM16},
		{"noext", audio.EncodingPCM16},
	}
	for _, tt := range tests {
		if got := encodingFor(tt.path); got != tt.want {
			t.Errorf("encodingFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestAnalyze_WAV(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	wav, err := audio.EncodeWAV(speech(30, 15), audio.Format{SampleRate: testRate, Channels: 1})
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	path := filepath.Join(dir, "take.wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")

	rep, err := analyze(context.Background(), analyzeConfig(), path, analyzeOptions{
		speaker: "alice",
		chunk:   defaultChunk,
		outDir:  out,
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if rep.chunks != 45 {
		t.Errorf("chunks = %d, want 45", rep.chunks)
	}
	if len(rep.segments) == 0 {
		t.Fatal("no segments extracted")
	}
	accepted := 0
	for _, ok := range rep.accepted {
		if ok {
			accepted++
		}
	}
	if accepted == 0 {
		t.Error("no segment passed the gate")
	}
	if len(rep.stats) != 1 || rep.stats[0].SpeakerID != "alice" {
		t.Fatalf("stats = %+v, want one entry for alice", rep.stats)
	}

	var written int
	_ = filepath.WalkDir(out, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(p, ".wav") {
			written++
		}
		return nil
	})
	if written != rep.stats[0].Uploaded || written == 0 {
		t.Errorf("wrote %d files, stats report %d uploads", written, rep.stats[0].Uploaded)
	}

	var b bytes.Buffer
	if err := rep.write(&b); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []string{"take.wav", "alice", "accepted"} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("report missing %q:\n%s", want, b.String())
		}
	}
}

func TestAnalyze_Silence(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "quiet.raw")
	if err := os.WriteFile(path, speech(0, 20), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := analyze(context.Background(), analyzeConfig(), path, analyzeOptions{speaker: "bob", chunk: defaultChunk})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(rep.segments) != 0 {
		t.Errorf("extracted %d segments from silence", len(rep.segments))
	}
	var b bytes.Buffer
	if err := rep.write(&b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(b.String(), "no segments extracted") {
		t.Errorf("report = %q", b.String())
	}
}

func TestAnalyze_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, err := analyze(ctx, analyzeConfig(), filepath.Join(t.TempDir(), "missing.wav"), analyzeOptions{chunk: defaultChunk}); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := analyze(ctx, analyzeConfig(), "x.wav", analyzeOptions{}); err == nil {
		t.Error("expected error for zero chunk length")
	}
	bad := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(bad, []byte("not a wav file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := analyze(ctx, analyzeConfig(), bad, analyzeOptions{chunk: defaultChunk}); err == nil {
		t.Error("expected decode error")
	}
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	yaml := "providers:\n  upload:\n    - name: local\n      options:\n        dir: " + filepath.Join(dir, "samples") + "\n"
	if err := os.WriteFile(good, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	var b bytes.Buffer
	if err := configCheck(&b, good); err != nil {
		t.Fatalf("configCheck: %v", err)
	}
	if !strings.Contains(b.String(), "OK") {
		t.Errorf("output = %q, want OK", b.String())
	}

	unknown := filepath.Join(dir, "unknown.yaml")
	if err := os.WriteFile(unknown, []byte("providers:\n  vad:\n    name: silero\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := configCheck(&b, unknown); err == nil {
		t.Error("expected error for unregistered provider")
	}
	if err := configCheck(&b, filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestListProviders(t *testing.T) {
	t.Parallel()
	var b bytes.Buffer
	if err := listProviders(&b); err != nil {
		t.Fatalf("listProviders: %v", err)
	}
	for _, want := range []string{"energy", "native", "local", "s3"} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("output missing %q:\n%s", want, b.String())
		}
	}
}

func TestRootCmd_Commands(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	for _, name := range []string{"serve", "analyze", "config"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("command %q not registered (err %v)", name, err)
		}
	}
}
