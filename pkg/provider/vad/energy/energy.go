// Package energy implements vad.Engine with a time-domain classifier: frame
// RMS energy, zero-crossing rate and an approximate spectral centroid vote on
// each frame, a majority window smooths low-confidence decisions and a
// hangover state machine groups voiced frames into segments.
//
// The engine has no model to load; NewSession only validates the config.
package energy

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/voicesift/internal/event"
	"github.com/MrWong99/voicesift/pkg/audio"
	"github.com/MrWong99/voicesift/pkg/audio/signal"
	"github.com/MrWong99/voicesift/pkg/provider/vad"
	"github.com/MrWong99/voicesift/pkg/types"
)

const (
	// historySize bounds both the frame history and the energy window used
	// by the adaptive threshold.
	historySize = 100

	// adaptivePercentile is the energy percentile used as adaptive threshold.
	adaptivePercentile = 0.3

	// adaptiveFloor scales the base threshold to the lowest adaptive value.
	adaptiveFloor = 0.5

	// smoothingMaxConfidence: frames at or above this confidence are never
	// flipped by the majority vote.
	smoothingMaxConfidence = 0.8

	// zcrCenter is the zero-crossing rate that scores full confidence.
	zcrCenter = 0.1
)

// Compile-time assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: new session: %w", err)
	}
	return newSession(cfg), nil
}

type state int

const (
	stateIdle state = iota
	stateInSegment
)

// Session is one speaker's classifier state. Safe for concurrent use.
type Session struct {
	cfg      vad.Config
	frameDur time.Duration
	observer event.Observer[types.VADSegment]

	mu     sync.Mutex
	closed bool

	carry      []float64
	carryStart time.Time

	history  []types.VADFrame
	energies []float64
	votes    []bool

	state        state
	segStart     time.Time
	lastVoiceEnd time.Time
	silentRun    int
	confSum      float64
	voiceFrames  int

	stats vad.Stats
}

func newSession(cfg vad.Config) *Session {
	return &Session{
		cfg:      cfg,
		frameDur: samplesToDuration(cfg.FrameSize, cfg.SampleRate),
		stats:    vad.Stats{Threshold: cfg.EnergyThreshold},
	}
}

// Process implements vad.SessionHandle.
func (s *Session) Process(pcm []byte, ts time.Time) []types.VADFrame {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		slog.Warn("energy: malformed pcm, skipping", "speaker", s.cfg.SpeakerID, "bytes", len(pcm))
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	if len(s.carry) == 0 {
		s.carryStart = ts
	}
	s.carry = append(s.carry, audio.Float64s(pcm)...)

	windows := signal.Frames(s.carry, s.cfg.FrameSize, s.cfg.HopSize)
	frames := make([]types.VADFrame, 0, len(windows))
	var emitted []types.VADSegment
	for i, w := range windows {
		at := s.carryStart.Add(samplesToDuration(i*s.cfg.HopSize, s.cfg.SampleRate))
		f := s.classify(w, at)
		frames = append(frames, f)
		if seg, ok := s.advance(f); ok {
			emitted = append(emitted, seg)
		}
	}

	if consumed := len(windows) * s.cfg.HopSize; consumed > 0 {
		rest := copy(s.carry, s.carry[consumed:])
		s.carry = s.carry[:rest]
		s.carryStart = s.carryStart.Add(samplesToDuration(consumed, s.cfg.SampleRate))
	}
	s.mu.Unlock()

	for _, seg := range emitted {
		s.observer.Emit(seg)
	}
	return frames
}

// classify computes the frame features and its smoothed decision. Caller
// holds s.mu.
func (s *Session) classify(w []float64, at time.Time) types.VADFrame {
	energy := signal.RMS(w)
	zcr := signal.ZeroCrossingRate(w)
	centroid := signal.SpectralCentroid(w, s.cfg.SampleRate)

	thr := s.threshold()
	s.energies = appendBounded(s.energies, energy, historySize)

	energyVote := energy >= thr
	zcrVote := zcr >= s.cfg.MinZCR && zcr <= s.cfg.MaxZCR
	spectralVote := centroid >= s.cfg.SpectralMinHz && centroid <= s.cfg.SpectralMaxHz
	isVoice := energyVote && (zcrVote || spectralVote)

	conf := signal.Clamp01(
		0.5*signal.Clamp01((energy-thr)/thr) +
			0.3*signal.Clamp01(1-math.Abs(zcr-zcrCenter)/zcrCenter) +
			0.2*s.bandFit(centroid),
	)

	s.votes = appendBounded(s.votes, isVoice, s.cfg.SmoothingWindow)
	if conf < smoothingMaxConfidence && len(s.votes) > 1 {
		yes := 0
		for _, v := range s.votes {
			if v {
				yes++
			}
		}
		isVoice = yes*2 > len(s.votes)
	}

	f := types.VADFrame{
		Timestamp:        at,
		IsVoice:          isVoice,
		Confidence:       conf,
		Energy:           energy,
		SpectralCentroid: centroid,
		ZeroCrossingRate: zcr,
	}
	s.history = appendBounded(s.history, f, historySize)
	s.stats.FramesProcessed++
	if isVoice {
		s.stats.VoiceFrames++
	}
	s.stats.Threshold = thr
	return f
}

// threshold returns the energy threshold for the next frame.
func (s *Session) threshold() float64 {
	base := s.cfg.EnergyThreshold
	if !s.cfg.AdaptiveThreshold || len(s.energies) == 0 {
		return base
	}
	return max(signal.Quantile(adaptivePercentile, s.energies), adaptiveFloor*base)
}

// bandFit is 1 inside the speech band and decays linearly to 0 over one
// band-width outside it.
func (s *Session) bandFit(centroid float64) float64 {
	lo, hi := s.cfg.SpectralMinHz, s.cfg.SpectralMaxHz
	width := hi - lo
	switch {
	case centroid < lo:
		return signal.Clamp01(1 - (lo-centroid)/width)
	case centroid > hi:
		return signal.Clamp01(1 - (centroid-hi)/width)
	}
	return 1
}

// advance feeds one frame through the segment state machine. It reports a
// segment when one was closed and long enough. Caller holds s.mu.
func (s *Session) advance(f types.VADFrame) (types.VADSegment, bool) {
	switch s.state {
	case stateIdle:
		if f.IsVoice && f.Confidence >= s.cfg.ConfidenceThreshold {
			s.state = stateInSegment
			s.segStart = f.Timestamp
			s.lastVoiceEnd = f.Timestamp.Add(s.frameDur)
			s.silentRun = 0
			s.confSum = f.Confidence
			s.voiceFrames = 1
		}
	case stateInSegment:
		if f.IsVoice {
			s.lastVoiceEnd = f.Timestamp.Add(s.frameDur)
			s.silentRun = 0
			s.confSum += f.Confidence
			s.voiceFrames++
			return types.VADSegment{}, false
		}
		s.silentRun++
		if s.silentRun > s.cfg.HangoverFrames {
			return s.closeSegment(s.lastVoiceEnd, false)
		}
	}
	return types.VADSegment{}, false
}

// closeSegment ends the open segment at end. Caller holds s.mu.
func (s *Session) closeSegment(end time.Time, forced bool) (types.VADSegment, bool) {
	seg := types.VADSegment{
		Start:         s.segStart,
		End:           end,
		Duration:      end.Sub(s.segStart),
		AvgConfidence: s.confSum / float64(max(s.voiceFrames, 1)),
		FrameCount:    s.voiceFrames,
		SpeakerID:     s.cfg.SpeakerID,
		ForceClosed:   forced,
	}
	s.state = stateIdle
	s.silentRun = 0
	s.confSum = 0
	s.voiceFrames = 0

	if seg.Duration < s.cfg.MinVoiceDuration {
		s.stats.SegmentsDropped++
		slog.Debug("energy: segment below minimum duration", "speaker", s.cfg.SpeakerID, "duration", seg.Duration)
		return types.VADSegment{}, false
	}
	s.stats.SegmentsEmitted++
	return seg, true
}

// ForceClose implements vad.SessionHandle. The segment ends at the last voiced
// frame, or at ts when ts is earlier. Carried-over samples are discarded.
func (s *Session) ForceClose(ts time.Time) *types.VADSegment {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.carry = s.carry[:0]
	if s.state != stateInSegment {
		s.mu.Unlock()
		return nil
	}
	end := s.lastVoiceEnd
	if !ts.IsZero() && ts.Before(end) && ts.After(s.segStart) {
		end = ts
	}
	seg, ok := s.closeSegment(end, true)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	s.observer.Emit(seg)
	return &seg
}

// OnSegment implements vad.SessionHandle.
func (s *Session) OnSegment(fn func(types.VADSegment)) func() {
	return s.observer.Subscribe(fn)
}

// Stats implements vad.SessionHandle.
func (s *Session) Stats() vad.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// History returns a copy of the most recent frames, oldest first.
func (s *Session) History() []types.VADFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.VADFrame, len(s.history))
	copy(out, s.history)
	return out
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carry = nil
	s.carryStart = time.Time{}
	s.history = nil
	s.energies = nil
	s.votes = nil
	s.state = stateIdle
	s.silentRun = 0
	s.confSum = 0
	s.voiceFrames = 0
	s.stats = vad.Stats{Threshold: s.cfg.EnergyThreshold}
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.carry = nil
	s.history = nil
	s.energies = nil
	s.votes = nil
	s.observer.Clear()
	return nil
}

func samplesToDuration(n, rate int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0], s[over:]...)
	}
	return s
}
