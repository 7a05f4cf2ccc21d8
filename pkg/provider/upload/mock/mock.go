// Package mock provides a test double for the upload.Uploader interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicesift/pkg/provider/upload"
)

// Uploader is a mock implementation of upload.Uploader. By default it
// succeeds with a mock:// URL built from the object key.
type Uploader struct {
	mu sync.Mutex

	// Err, if non-nil, is returned as the error from Upload.
	Err error

	// Hook, if non-nil, runs before the result is returned. It may block to
	// simulate a slow store.
	Hook func(ctx context.Context, req upload.Request)

	// Calls records every request in order.
	Calls []upload.Request
}

// Upload records req and returns a result or Err.
func (u *Uploader) Upload(ctx context.Context, req upload.Request) (upload.Result, error) {
	if u.Hook != nil {
		u.Hook(ctx, req)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Calls = append(u.Calls, req)
	if u.Err != nil {
		return upload.Result{}, u.Err
	}
	key := upload.ObjectKey(req)
	return upload.Result{URL: "mock://" + key, Key: key, Size: len(req.Payload)}, nil
}

// CallCount returns the number of Upload calls. Thread-safe.
func (u *Uploader) CallCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.Calls)
}

// Requests returns a copy of the recorded requests. Thread-safe.
func (u *Uploader) Requests() []upload.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upload.Request(nil), u.Calls...)
}

// SetErr changes Err. Thread-safe.
func (u *Uploader) SetErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Err = err
}

// Ensure Uploader implements upload.Uploader at compile time.
var _ upload.Uploader = (*Uploader)(nil)
