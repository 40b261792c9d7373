// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a scripted sequence of classifications, which lets segmenter
// tests describe a call as "5 silence, 3 speech, N silence" without crafting
// PCM that a real engine would classify that way.
//
//	sess := mock.Script(false, false, true, true, false)
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a Session that always reports
	// silence is returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
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
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Results are returned in order by successive ProcessFrame calls. Once
	// exhausted, Default is returned.
	Results []vad.Result

	// Default is returned after Results runs out.
	Default vad.Result

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// --- Call records ---

	// Frames holds a copy of every frame passed to ProcessFrame.
	Frames [][]byte

	ResetCallCount int
	CloseCallCount int
}

// Script builds a Session whose frames are classified by speech, in order.
func Script(speech ...bool) *Session {
	s := &Session{}
	for _, sp := range speech {
		s.Results = append(s.Results, vad.Result{Speech: sp})
	}
	return s
}

// ProcessFrame records the frame and returns the next scripted result.
func (s *Session) ProcessFrame(frame []byte) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, append([]byte(nil), frame...))
	if s.ProcessFrameErr != nil {
		return vad.Result{}, s.ProcessFrameErr
	}
	if len(s.Results) == 0 {
		return s.Default, nil
	}
	r := s.Results[0]
	s.Results = s.Results[1:]
	return r, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// FrameCount returns how many frames were processed. Thread-safe.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

var _ vad.SessionHandle = (*Session)(nil)
