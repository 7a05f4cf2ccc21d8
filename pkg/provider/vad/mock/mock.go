// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to inject frame results, trigger segment notifications and
// inspect the audio that was submitted for processing.
//
// Example:
//
//	sess := &mock.Session{
//	    FramesResult: []types.VADFrame{{IsVoice: true, Confidence: 0.9}},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/voicesift/internal/event"
	"github.com/MrWong99/voicesift/pkg/provider/vad"
	"github.com/MrWong99/voicesift/pkg/types"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall

	// Sessions holds every default Session created because Session was nil.
	Sessions []*Session
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	s := &Session{}
	e.Sessions = append(e.Sessions, s)
	return s, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
	e.Sessions = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// ProcessCall records a single invocation of Session.Process.
type ProcessCall struct {
	// PCM is a copy of the bytes passed to Process.
	PCM []byte
	TS  time.Time
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu       sync.Mutex
	observer event.Observer[types.VADSegment]

	// FramesResult is returned by every Process call.
	FramesResult []types.VADFrame

	// ForceCloseResult is returned by ForceClose and delivered to
	// subscribers when non-nil.
	ForceCloseResult *types.VADSegment

	// StatsResult is returned by Stats.
	StatsResult vad.Stats

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ProcessCalls records every call to Process in order.
	ProcessCalls []ProcessCall

	// ForceCloseCalls records the timestamp of every ForceClose call.
	ForceCloseCalls []time.Time

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Process records the call and returns FramesResult.
func (s *Session) Process(pcm []byte, ts time.Time) []types.VADFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.ProcessCalls = append(s.ProcessCalls, ProcessCall{PCM: cp, TS: ts})
	return s.FramesResult
}

// ForceClose records the call and returns ForceCloseResult.
func (s *Session) ForceClose(ts time.Time) *types.VADSegment {
	s.mu.Lock()
	s.ForceCloseCalls = append(s.ForceCloseCalls, ts)
	res := s.ForceCloseResult
	s.mu.Unlock()
	if res != nil {
		s.observer.Emit(*res)
	}
	return res
}

// OnSegment registers fn for segments delivered by ForceClose or Emit.
func (s *Session) OnSegment(fn func(types.VADSegment)) func() {
	return s.observer.Subscribe(fn)
}

// Emit delivers seg to every subscriber, simulating a hangover close.
func (s *Session) Emit(seg types.VADSegment) {
	s.observer.Emit(seg)
}

// Stats returns StatsResult.
func (s *Session) Stats() vad.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StatsResult
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ProcessCallCount returns the number of Process calls. Thread-safe.
func (s *Session) ProcessCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ProcessCalls)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessCalls = nil
	s.ForceCloseCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
