package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voicesift/pkg/provider/upload"
)

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	u, err := New(filepath.Join(dir, "samples"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := u.Upload(context.Background(), upload.Request{
		SpeakerID: "s1",
		SessionID: "sess",
		SampleID:  "abc",
		Payload:   []byte("audio"),
		Format:    "wav",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Key != "sess/s1/abc.wav" || res.Size != 5 {
		t.Errorf("result = %+v", res)
	}
	if !strings.HasPrefix(res.URL, "file://") || !strings.HasSuffix(res.URL, "/samples/sess/s1/abc.wav") {
		t.Errorf("URL = %q", res.URL)
	}
	data, err := os.ReadFile(filepath.Join(u.Root(), "sess", "s1", "abc.wav"))
	if err != nil || string(data) != "audio" {
		t.Errorf("stored %q, %v", data, err)
	}

	entries, _ := os.ReadDir(filepath.Join(u.Root(), "sess", "s1"))
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want no leftover temp files", len(entries))
	}
}

func TestUpload_LabelsCannotEscapeRoot(t *testing.T) {
	u, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := u.Upload(context.Background(), upload.Request{
		SpeakerID: "../../etc",
		SessionID: "..",
		SampleID:  "x/y",
		Payload:   []byte{1},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Key != "_/.._.._etc/x_y" {
		t.Errorf("Key = %q", res.Key)
	}
	if _, err := os.Stat(filepath.Join(u.Root(), filepath.FromSlash(res.Key))); err != nil {
		t.Errorf("sample not under root: %v", err)
	}
}

func TestUpload_Invalid(t *testing.T) {
	u, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := u.Upload(context.Background(), upload.Request{SpeakerID: "s1"}); err == nil {
		t.Error("expected validation error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := upload.Request{SpeakerID: "s1", SessionID: "x", SampleID: "y", Payload: []byte{1}}
	if _, err := u.Upload(ctx, req); err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	u, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := u.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := u.Check(context.Background()); err == nil {
		t.Error("expected error after root removal")
	}
}
