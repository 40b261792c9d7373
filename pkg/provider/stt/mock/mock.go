// Package mock provides test doubles for the stt package interfaces.
//
// Session records audio and utterance boundaries and lets the test push final
// transcripts. When OnEndUtterance is set it is called for each boundary, so a
// test can answer "Finalize" with a transcript the way the real service does.
//
//	sess := mock.NewSession()
//	sess.OnEndUtterance = func(s *mock.Session) { s.PushFinal("two soups") }
//	p := &mock.Provider{Session: sess}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, a fresh Session is created.
	Session *Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// StartCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool

	// OnEndUtterance, if set, runs after each EndUtterance is recorded.
	OnEndUtterance func(s *Session)

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// --- Call records ---

	Audio             [][]byte
	EndUtteranceCount int
	CloseCount        int
}

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.Audio = append(s.Audio, append([]byte(nil), chunk...))
	return nil
}

// EndUtterance records the boundary and runs OnEndUtterance.
func (s *Session) EndUtterance() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stt.ErrClosed
	}
	s.EndUtteranceCount++
	hook := s.OnEndUtterance
	s.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return nil
}

// PushFinal delivers a final transcript to the consumer.
func (s *Session) PushFinal(text string) {
	s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1}
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Close closes both transcript channels once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}

// AudioBytes returns the total number of audio bytes received. Thread-safe.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.Audio {
		n += len(a)
	}
	return n
}

// EndUtterances returns EndUtteranceCount. Thread-safe.
func (s *Session) EndUtterances() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EndUtteranceCount
}

var _ stt.SessionHandle = (*Session)(nil)
