// Package types defines the shared data types passed between the voicesift
// pipeline stages.
//
// Each stage owns its own configuration and state types; only the values that
// cross stage boundaries (chunks, segments, quality snapshots, VAD results and
// speaker-change events) live here to avoid circular imports.
package types

import (
	"bytes"
	"time"
)

// QualityMetrics scores a piece of audio. Every field is in [0, 1].
type QualityMetrics struct {
	// SNR is the normalised signal-to-noise estimate derived from comparing the
	// overall energy with the quietest analysis sub-frames.
	SNR float64

	// Volume is the normalised RMS level.
	Volume float64

	// Clarity is derived from the zero-crossing rate.
	Clarity float64

	// VoiceActivity is the fraction of analysis sub-frames above the voice
	// energy threshold.
	VoiceActivity float64

	// Overall is the weighted combination of the four scores above.
	Overall float64
}

// Quality weights for [QualityMetrics.Overall].
const (
	WeightSNR           = 0.3
	WeightVolume        = 0.2
	WeightClarity       = 0.3
	WeightVoiceActivity = 0.2

	// VolumeEnvelopeLow and VolumeEnvelopeHigh bound the preferred volume
	// range. Outside it the volume contribution is halved.
	VolumeEnvelopeLow  = 0.1
	VolumeEnvelopeHigh = 0.8
)

// CombineQuality fills in Overall from the four component scores and returns
// the updated metrics.
func CombineQuality(q QualityMetrics) QualityMetrics {
	vol := q.Volume
	if vol < VolumeEnvelopeLow || vol > VolumeEnvelopeHigh {
		vol *= 0.5
	}
	q.Overall = clamp01(WeightSNR*q.SNR + WeightVolume*vol + WeightClarity*q.Clarity + WeightVoiceActivity*q.VoiceActivity)
	return q
}

// MeanQuality averages a set of metrics component-wise. Overall is averaged
// as well rather than recomputed, so that a segment's score is the mean of
// its chunk scores. Returns the zero value for an empty input.
func MeanQuality(qs []QualityMetrics) QualityMetrics {
	if len(qs) == 0 {
		return QualityMetrics{}
	}
	var sum QualityMetrics
	for _, q := range qs {
		sum.SNR += q.SNR
		sum.Volume += q.Volume
		sum.Clarity += q.Clarity
		sum.VoiceActivity += q.VoiceActivity
		sum.Overall += q.Overall
	}
	n := float64(len(qs))
	return QualityMetrics{
		SNR:           sum.SNR / n,
		Volume:        sum.Volume / n,
		Clarity:       sum.Clarity / n,
		VoiceActivity: sum.VoiceActivity / n,
		Overall:       sum.Overall / n,
	}
}

// AudioChunk is a single admitted slice of speaker audio. Chunks are
// immutable once created and belong to exactly one speaker buffer.
type AudioChunk struct {
	// ID uniquely identifies the chunk.
	ID string

	// SpeakerID is the upstream diarization label the chunk arrived with.
	SpeakerID string

	// Data is little-endian 16-bit mono PCM at SampleRate.
	Data []byte

	// SampleRate of Data in Hz.
	SampleRate int

	// Timestamp is when the chunk starts.
	Timestamp time.Time

	// Duration is the playback length of Data.
	Duration time.Duration

	// Quality is the admission-time quality snapshot.
	Quality QualityMetrics
}

// End returns the time at which the chunk's audio ends.
func (c *AudioChunk) End() time.Time { return c.Timestamp.Add(c.Duration) }

// Size returns the number of payload bytes held by the chunk.
func (c *AudioChunk) Size() int { return len(c.Data) }

// SegmentReason records why a buffer segment was materialised.
type SegmentReason string

const (
	ReasonSilenceCount   SegmentReason = "silence_count"
	ReasonSilenceTimeout SegmentReason = "silence_timeout"
	ReasonMaxDuration    SegmentReason = "max_duration"
	ReasonStalled        SegmentReason = "stalled"
	ReasonForced         SegmentReason = "forced"
)

// AudioSegment is a contiguous run of chunks from one speaker, materialised
// by the chunk buffer.
type AudioSegment struct {
	ID        string
	SpeakerID string

	// Chunks are ordered by timestamp.
	Chunks []*AudioChunk

	Start time.Time
	End   time.Time

	// Quality is the mean of the member chunks' metrics.
	Quality QualityMetrics

	// Forced is set for segments flushed on request, which may be shorter
	// than the configured minimum duration.
	Forced bool

	Reason SegmentReason
}

// Duration returns End - Start.
func (s *AudioSegment) Duration() time.Duration { return s.End.Sub(s.Start) }

// Size returns the sum of member chunk payload sizes.
func (s *AudioSegment) Size() int {
	n := 0
	for _, c := range s.Chunks {
		n += len(c.Data)
	}
	return n
}

// Blob concatenates the member chunks' payloads into one contiguous buffer.
func (s *AudioSegment) Blob() []byte {
	var buf bytes.Buffer
	buf.Grow(s.Size())
	for _, c := range s.Chunks {
		buf.Write(c.Data)
	}
	return buf.Bytes()
}

// SampleRate returns the sample rate of the member chunks, or 0 when empty.
func (s *AudioSegment) SampleRate() int {
	if len(s.Chunks) == 0 {
		return 0
	}
	return s.Chunks[0].SampleRate
}

// Provenance describes how an extracted segment was produced.
type Provenance struct {
	ChunkCount     int
	ProcessingTime time.Duration

	// Transcript is optional text attached by the caller.
	Transcript string

	// VoiceRatio is the fraction of VAD frames classified as voice for the
	// speaker at extraction time.
	VoiceRatio float64

	Forced bool
	Reason SegmentReason
}

// SpeakerStats is the sample selector's per-speaker bookkeeping for one
// session.
type SpeakerStats struct {
	SpeakerID string `msgpack:"speaker_id" json:"speaker_id"`
	SessionID string `msgpack:"session_id" json:"session_id"`

	// Accepted counts samples that passed the upload gate.
	Accepted int `msgpack:"accepted" json:"accepted"`

	// Rejected counts samples that did not.
	Rejected int `msgpack:"rejected" json:"rejected"`

	// TotalDuration is the summed duration of accepted samples.
	TotalDuration time.Duration `msgpack:"total_duration" json:"total_duration"`

	// AvgQuality is the running mean of accepted samples' overall quality.
	AvgQuality float64 `msgpack:"avg_quality" json:"avg_quality"`

	Uploaded       int `msgpack:"uploaded" json:"uploaded"`
	UploadFailures int `msgpack:"upload_failures" json:"upload_failures"`

	// PendingIdentity is set once the label was registered as pending in
	// this session.
	PendingIdentity bool   `msgpack:"pending_identity" json:"pending_identity"`
	IdentityID      string `msgpack:"identity_id,omitempty" json:"identity_id,omitempty"`

	LastURL   string    `msgpack:"last_url,omitempty" json:"last_url,omitempty"`
	UpdatedAt time.Time `msgpack:"updated_at" json:"updated_at"`
}

// ExtractedSegment is a converted, quality-checked segment retained as
// candidate identification evidence for a speaker.
type ExtractedSegment struct {
	ID        string
	SpeakerID string
	Start     time.Time
	End       time.Time
	Duration  time.Duration

	// Payload is the converted audio in Format (e.g. "wav").
	Payload []byte
	Format  string

	Quality    QualityMetrics
	Provenance Provenance
}

// VADFrame is the analysis result for one fixed-size analysis window.
type VADFrame struct {
	Timestamp        time.Time
	IsVoice          bool
	Confidence       float64
	Energy           float64
	SpectralCentroid float64
	ZeroCrossingRate float64
}

// VADSegment is a contiguous voice run detected by a VAD session.
type VADSegment struct {
	Start         time.Time
	End           time.Time
	Duration      time.Duration
	AvgConfidence float64
	FrameCount    int
	SpeakerID     string
	ForceClosed   bool
}

// SpeakerChangeEvent is emitted when the tracked speaker switches.
type SpeakerChangeEvent struct {
	PreviousSpeaker string
	NewSpeaker      string
	Timestamp       time.Time
	Confidence      float64
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
