// Package mock provides a configurable test double for identity.Registry.
//
// Every method call is recorded for assertion. Exported fields control what
// the mock returns. The mock is safe for concurrent use.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicesift/pkg/provider/identity"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Registry is a test double for identity.Registry and identity.SampleIndex.
type Registry struct {
	mu    sync.Mutex
	calls []Call

	// Known maps speaker labels to the identity Lookup returns.
	Known map[string]*identity.Identity

	LookupErr          error
	RegisterPendingErr error
	AddSpeakingTimeErr error
	IndexSampleErr     error

	// NearestDist and NearestOK are returned by Nearest.
	NearestDist float64
	NearestOK   bool
	NearestErr  error
}

// Compile-time interface checks.
var (
	_ identity.Registry    = (*Registry)(nil)
	_ identity.SampleIndex = (*Registry)(nil)
)

func (m *Registry) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Lookup implements identity.Registry.
func (m *Registry) Lookup(_ context.Context, speakerID string) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Lookup", speakerID)
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	id, ok := m.Known[speakerID]
	if !ok {
		return nil, nil
	}
	c := *id
	return &c, nil
}

// RegisterPending implements identity.Registry.
func (m *Registry) RegisterPending(_ context.Context, p identity.Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RegisterPending", p)
	return m.RegisterPendingErr
}

// AddSpeakingTime implements identity.Registry.
func (m *Registry) AddSpeakingTime(_ context.Context, identityID string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AddSpeakingTime", identityID, d)
	return m.AddSpeakingTimeErr
}

// IndexSample implements identity.SampleIndex.
func (m *Registry) IndexSample(_ context.Context, s identity.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IndexSample", s)
	return m.IndexSampleErr
}

// Nearest implements identity.SampleIndex.
func (m *Registry) Nearest(_ context.Context, speakerID string, fp []float32) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Nearest", speakerID, fp)
	return m.NearestDist, m.NearestOK, m.NearestErr
}

// Calls returns a copy of all recorded invocations.
func (m *Registry) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many times method was called.
func (m *Registry) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// PendingRecords returns the arguments of every RegisterPending call.
func (m *Registry) PendingRecords() []identity.Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.Pending
	for _, c := range m.calls {
		if c.Method == "RegisterPending" {
			out = append(out, c.Args[0].(identity.Pending))
		}
	}
	return out
}

// Reset clears recorded calls.
func (m *Registry) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}
