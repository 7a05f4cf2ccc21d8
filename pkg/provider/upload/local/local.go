// Package local implements upload.Uploader on the local filesystem. It is
// the fallback target when the object store is unavailable and the default
// for single-machine deployments.
package local

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/MrWong99/voicesift/pkg/provider/upload"
)

// Uploader writes samples below a root directory.
type Uploader struct {
	root string
}

// Compile-time interface assertion.
var _ upload.Uploader = (*Uploader)(nil)

// New creates an Uploader rooted at dir. The directory is created (with
// parents) if it does not already exist.
func New(dir string) (*Uploader, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local: create %s: %w", abs, err)
	}
	return &Uploader{root: abs}, nil
}

// Root returns the absolute root directory.
func (u *Uploader) Root() string { return u.root }

// Upload writes req to <root>/<session>/<speaker>/<sample>.<format>. The
// file is written under a temporary name and renamed into place so readers
// never see a partial sample.
func (u *Uploader) Upload(ctx context.Context, req upload.Request) (upload.Result, error) {
	if err := req.Validate(); err != nil {
		return upload.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return upload.Result{}, err
	}
	key := upload.ObjectKey(req)
	full := filepath.Join(u.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return upload.Result{}, &upload.Error{SpeakerID: req.SpeakerID, SampleID: req.SampleID, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return upload.Result{}, &upload.Error{SpeakerID: req.SpeakerID, SampleID: req.SampleID, Err: err}
	}
	_, werr := tmp.Write(req.Payload)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), full)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return upload.Result{}, &upload.Error{SpeakerID: req.SpeakerID, SampleID: req.SampleID, Err: werr}
	}

	return upload.Result{
		URL:  (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String(),
		Key:  key,
		Size: len(req.Payload),
	}, nil
}

// Check reports whether the root directory is still usable.
func (u *Uploader) Check(context.Context) error {
	fi, err := os.Stat(u.root)
	if err != nil {
		return fmt.Errorf("local: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("local: %s is not a directory", u.root)
	}
	return nil
}
