// Package memory provides an in-process identity.Registry used by the CLI and
// by tests. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicesift/pkg/provider/identity"
)

// Compile-time interface checks.
var (
	_ identity.Registry    = (*Registry)(nil)
	_ identity.SampleIndex = (*Registry)(nil)
)

type pendingKey struct{ session, speaker string }

// Registry keeps identities, pending records and sample fingerprints in maps.
type Registry struct {
	mu        sync.RWMutex
	bySpeaker map[string]*identity.Identity
	byID      map[string]*identity.Identity
	pending   map[pendingKey]identity.Pending
	samples   map[string][]identity.Sample
	now       func() time.Time
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		bySpeaker: make(map[string]*identity.Identity),
		byID:      make(map[string]*identity.Identity),
		pending:   make(map[pendingKey]identity.Pending),
		samples:   make(map[string][]identity.Sample),
		now:       time.Now,
	}
}

// Bind creates an identity named name for speakerID, replacing any earlier
// binding of that label.
func (r *Registry) Bind(speakerID, name string) *identity.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.bySpeaker[speakerID]; ok {
		delete(r.byID, old.ID)
	}
	id := &identity.Identity{
		ID:        uuid.NewString(),
		SpeakerID: speakerID,
		Name:      name,
		CreatedAt: r.now(),
	}
	r.bySpeaker[speakerID] = id
	r.byID[id.ID] = id
	return cloneIdentity(id)
}

// Lookup implements identity.Registry.
func (r *Registry) Lookup(_ context.Context, speakerID string) (*identity.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySpeaker[speakerID]
	if !ok {
		return nil, nil
	}
	return cloneIdentity(id), nil
}

// RegisterPending implements identity.Registry.
func (r *Registry) RegisterPending(_ context.Context, p identity.Pending) error {
	if p.SpeakerID == "" {
		return fmt.Errorf("identity memory: register pending: empty speaker ID")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	p.Fingerprint = append([]float32(nil), p.Fingerprint...)
	r.mu.Lock()
	r.pending[pendingKey{p.SessionID, p.SpeakerID}] = p
	r.mu.Unlock()
	return nil
}

// AddSpeakingTime implements identity.Registry.
func (r *Registry) AddSpeakingTime(_ context.Context, identityID string, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byID[identityID]
	if !ok {
		return fmt.Errorf("identity memory: add speaking time %q: %w", identityID, identity.ErrNotFound)
	}
	id.SpeakingTime += d
	return nil
}

// Pending returns the pending records of sessionID. An empty sessionID
// returns all of them.
func (r *Registry) Pending(sessionID string) []identity.Pending {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []identity.Pending
	for k, p := range r.pending {
		if sessionID == "" || k.session == sessionID {
			out = append(out, p)
		}
	}
	return out
}

// IndexSample implements identity.SampleIndex.
func (r *Registry) IndexSample(_ context.Context, s identity.Sample) error {
	if s.SpeakerID == "" {
		return fmt.Errorf("identity memory: index sample: empty speaker ID")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	s.Fingerprint = append([]float32(nil), s.Fingerprint...)
	r.mu.Lock()
	r.samples[s.SpeakerID] = append(r.samples[s.SpeakerID], s)
	r.mu.Unlock()
	return nil
}

// Nearest implements identity.SampleIndex.
func (r *Registry) Nearest(_ context.Context, speakerID string, fp []float32) (float64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	samples := r.samples[speakerID]
	if len(samples) == 0 {
		return 0, false, nil
	}
	best := math.Inf(1)
	for _, s := range samples {
		best = min(best, identity.Distance(s.Fingerprint, fp))
	}
	return best, true, nil
}

func cloneIdentity(id *identity.Identity) *identity.Identity {
	c := *id
	return &c
}
