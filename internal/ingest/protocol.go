package ingest

import (
	"time"

	"github.com/MrWong99/voicesift/internal/selector"
	"github.com/MrWong99/voicesift/pkg/types"
)

// Control frame types sent by the client as text messages.
const (
	// FrameChunk announces that the next binary message is a chunk payload
	// for Speaker.
	FrameChunk = "chunk"

	// FrameSpeaker reports a diarization label switch without audio.
	FrameSpeaker = "speaker"

	// FrameTranscript attaches text to the speaker's next extracted segment.
	FrameTranscript = "transcript"

	// FrameFlush force-extracts everything pending.
	FrameFlush = "flush"

	// FrameEnd ends the session; the server answers with a summary and
	// closes the connection.
	FrameEnd = "end"
)

// Event types sent by the server as text messages.
const (
	EventReady         = "ready"
	EventSegment       = "segment"
	EventSpeakerChange = "speaker_change"
	EventSample        = "sample"
	EventFlushed       = "flushed"
	EventSummary       = "summary"
	EventError         = "error"
)

// Control is a client control frame.
type Control struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker,omitempty"`

	// TsMs is the capture time in Unix milliseconds. Zero means "now".
	TsMs int64  `json:"ts_ms,omitempty"`
	Text string `json:"text,omitempty"`
}

// Time returns the capture time of c, or the zero time when unset.
func (c Control) Time() time.Time {
	if c.TsMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.TsMs)
}

// Event is a server message. Only the fields relevant to Type are set.
type Event struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`

	Speaker  string `json:"speaker,omitempty"`
	Previous string `json:"previous,omitempty"`

	SegmentID  string  `json:"segment_id,omitempty"`
	TsMs       int64   `json:"ts_ms,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Format     string  `json:"format,omitempty"`
	Quality    float64 `json:"quality,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Forced     bool    `json:"forced,omitempty"`

	URL        string `json:"url,omitempty"`
	IdentityID string `json:"identity_id,omitempty"`

	Count int                  `json:"count,omitempty"`
	Stats []types.SpeakerStats `json:"stats,omitempty"`
	Error string               `json:"error,omitempty"`
}

func segmentEvent(seg *types.ExtractedSegment) Event {
	return Event{
		Type:       EventSegment,
		Speaker:    seg.SpeakerID,
		SegmentID:  seg.ID,
		TsMs:       seg.Start.UnixMilli(),
		DurationMs: seg.Duration.Milliseconds(),
		Format:     seg.Format,
		Quality:    seg.Quality.Overall,
		Forced:     seg.Provenance.Forced,
	}
}

func changeEvent(ev types.SpeakerChangeEvent) Event {
	return Event{
		Type:       EventSpeakerChange,
		Speaker:    ev.NewSpeaker,
		Previous:   ev.PreviousSpeaker,
		TsMs:       ev.Timestamp.UnixMilli(),
		Confidence: ev.Confidence,
	}
}

func sampleEvent(ev selector.SampleEvent) Event {
	out := Event{
		Type:       EventSample,
		Session:    ev.SessionID,
		Speaker:    ev.SpeakerID,
		SegmentID:  ev.SegmentID,
		URL:        ev.URL,
		IdentityID: ev.IdentityID,
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Error: err.Error()}
}
