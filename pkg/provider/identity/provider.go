// Package identity defines the Registry interface the sample selector uses to
// link accepted speaker samples to known or pending identities.
//
// Upstream diarization labels ("speaker_0", "s1", ...) are only stable within
// a session. A Registry maps them onto long-lived identities. Unknown labels
// are registered once per session as [Pending] records so that an operator
// or a later enrolment step can confirm them.
//
// Implementations must be safe for concurrent use.
package identity

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/MrWong99/voicesift/pkg/types"
)

// ErrNotFound is returned by [Registry.AddSpeakingTime] when the identity
// does not exist.
var ErrNotFound = errors.New("identity: not found")

// Identity is a confirmed speaker.
type Identity struct {
	ID           string
	SpeakerID    string
	Name         string
	SpeakingTime time.Duration
	CreatedAt    time.Time
}

// Pending is an unconfirmed speaker label awaiting enrolment.
type Pending struct {
	SpeakerID string
	SessionID string
	SampleID  string
	SampleURL string
	Quality   float64
	Duration  time.Duration

	// Transcript is optional text spoken in the sample.
	Transcript string

	// Fingerprint is the sample's feature vector, see [Fingerprint].
	Fingerprint []float32

	CreatedAt time.Time
}

// Registry links speaker labels to identities.
type Registry interface {
	// Lookup returns the identity bound to speakerID, or nil and no error
	// when the label is unknown.
	Lookup(ctx context.Context, speakerID string) (*Identity, error)

	// RegisterPending records an unknown label. Registering the same
	// (SessionID, SpeakerID) pair again replaces the earlier record.
	RegisterPending(ctx context.Context, p Pending) error

	// AddSpeakingTime adds d to the identity's accumulated speaking time.
	AddSpeakingTime(ctx context.Context, identityID string, d time.Duration) error
}

// SampleIndex is implemented by registries that also store sample
// fingerprints and can answer nearest-sample queries.
type SampleIndex interface {
	// IndexSample stores the fingerprint of an accepted sample.
	IndexSample(ctx context.Context, s Sample) error

	// Nearest returns the smallest Euclidean distance between fp and any
	// indexed sample of speakerID. ok is false when the speaker has no
	// indexed samples.
	Nearest(ctx context.Context, speakerID string, fp []float32) (dist float64, ok bool, err error)
}

// Sample is an indexed fingerprint.
type Sample struct {
	ID          string
	SpeakerID   string
	SessionID   string
	URL         string
	Quality     float64
	Fingerprint []float32
	CreatedAt   time.Time
}

// FingerprintDims is the length of the vector returned by [Fingerprint].
const FingerprintDims = 6

// Fingerprint summarises an extracted segment as a small feature vector:
// SNR, volume, clarity, voice activity, overall quality and the VAD voice
// ratio. It is a coarse near-duplicate detector, not a speaker embedding.
func Fingerprint(seg *types.ExtractedSegment) []float32 {
	q := seg.Quality
	return []float32{
		float32(q.SNR),
		float32(q.Volume),
		float32(q.Clarity),
		float32(q.VoiceActivity),
		float32(q.Overall),
		float32(seg.Provenance.VoiceRatio),
	}
}

// Distance returns the Euclidean distance between a and b. Vectors of
// different length compare over their common prefix.
func Distance(a, b []float32) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := range n {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
