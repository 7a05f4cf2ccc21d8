package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicesift/pkg/provider/upload"
)

// UploadFallback implements [upload.Uploader] with failover across several
// stores, each behind its own circuit breaker.
type UploadFallback struct {
	group *FallbackGroup[upload.Uploader]
}

// Compile-time interface assertion.
var _ upload.Uploader = (*UploadFallback)(nil)

// NewUploadFallback creates an [UploadFallback] with primary as the
// preferred store.
func NewUploadFallback(primary upload.Uploader, primaryName string, cfg FallbackConfig) *UploadFallback {
	return &UploadFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another store tried after the earlier ones.
func (f *UploadFallback) AddFallback(name string, u upload.Uploader) {
	f.group.AddFallback(name, u)
}

// Upload stores req in the first healthy store. Invalid requests fail
// without touching any breaker.
func (f *UploadFallback) Upload(ctx context.Context, req upload.Request) (upload.Result, error) {
	if err := req.Validate(); err != nil {
		return upload.Result{}, err
	}
	res, name, err := executeNamed(ctx, f.group, func(u upload.Uploader) (upload.Result, error) {
		return u.Upload(ctx, req)
	})
	if err != nil {
		return upload.Result{}, err
	}
	slog.Debug("resilience: sample stored", "backend", name, "key", res.Key, "size", res.Size)
	return res, nil
}

// Status returns the breaker counters of every store.
func (f *UploadFallback) Status() []EntryStatus { return f.group.Status() }

// Check fails when no store would currently accept an upload.
func (f *UploadFallback) Check(context.Context) error {
	var errs []error
	for _, st := range f.group.Status() {
		if st.Counts.State != StateOpen {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: circuit open", st.Name))
	}
	return fmt.Errorf("resilience: no upload backend available: %w", errors.Join(errs...))
}
