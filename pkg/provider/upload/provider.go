// Package upload defines the Uploader interface used to persist accepted
// voice samples.
//
// An Uploader stores one converted sample and returns a URL that identifies
// it. Retries belong to the implementation or to a wrapper such as the
// circuit-breaking fallback in internal/resilience; callers record failures
// and move on.
//
// Implementations must be safe for concurrent use.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Metadata describes a sample beyond its audio.
type Metadata struct {
	// Quality is the sample's overall quality score in [0, 1].
	Quality float64

	// Transcript is optional text spoken in the sample.
	Transcript string

	// Confidence is the selector's confidence in the speaker label.
	Confidence float64
}

// Request is a single sample to persist.
type Request struct {
	SpeakerID string
	SessionID string

	// SampleID names the object. Required.
	SampleID string

	Payload []byte

	// Format is the payload container, e.g. "wav" or "mp3".
	Format string

	Duration time.Duration
	Metadata Metadata
}

// Validate reports whether r carries everything an Uploader needs.
func (r Request) Validate() error {
	var errs []error
	if r.SpeakerID == "" {
		errs = append(errs, errors.New("upload: speaker id is required"))
	}
	if r.SessionID == "" {
		errs = append(errs, errors.New("upload: session id is required"))
	}
	if r.SampleID == "" {
		errs = append(errs, errors.New("upload: sample id is required"))
	}
	if len(r.Payload) == 0 {
		errs = append(errs, errors.New("upload: payload is empty"))
	}
	return errors.Join(errs...)
}

// ObjectKey returns the storage key for r:
// "<session>/<speaker>/<sample>.<format>". Path separators inside the
// components are replaced so a label cannot escape its directory.
func ObjectKey(r Request) string {
	name := safe(r.SampleID)
	if r.Format != "" {
		name += "." + safe(r.Format)
	}
	return path.Join(safe(r.SessionID), safe(r.SpeakerID), name)
}

func safe(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

// ContentType returns the MIME type for a payload format.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// Result describes a stored sample.
type Result struct {
	URL  string
	Key  string
	Size int
}

// Uploader persists samples.
type Uploader interface {
	// Upload stores req and returns where it went.
	Upload(ctx context.Context, req Request) (Result, error)
}

// Error wraps a failure with the request it belongs to.
type Error struct {
	SpeakerID string
	SampleID  string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload: sample %s of speaker %s: %v", e.SampleID, e.SpeakerID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
