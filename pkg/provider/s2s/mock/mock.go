// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls (including scripted connect failures)
// and Session to push events at the code under test and inspect what it sent.
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	sess.Emit(s2s.Event{Kind: s2s.EventAgentAudioDone})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by successful Connect calls. If nil, a fresh
	// NewSession is returned.
	Session s2s.SessionHandle

	// ConnectErrs are returned by the first len(ConnectErrs) calls, in order.
	ConnectErrs []error

	// ConnectErr, if non-nil, is returned once ConnectErrs is exhausted.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

var _ s2s.Provider = (*Provider)(nil)

// Connect records the call and returns the scripted result.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.ConnectCalls)
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if n < len(p.ConnectErrs) && p.ConnectErrs[n] != nil {
		return nil, p.ConnectErrs[n]
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// FunctionResponse records one RespondFunctionCall invocation.
type FunctionResponse struct {
	ID     string
	Output string
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan s2s.Event
	closed bool
	err    error

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// Audio records every chunk passed to SendAudio.
	Audio [][]byte

	// Injected records every text passed to InjectAgentMessage.
	Injected []string

	// Responses records every RespondFunctionCall invocation.
	Responses []FunctionResponse

	// OnRespond, if set, is called after a response is recorded.
	OnRespond func(FunctionResponse)

	// CloseCount is the number of Close calls.
	CloseCount int
}

var _ s2s.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 256)}
}

// Emit pushes ev onto the event channel. It is a no-op after Finish or Close.
func (s *Session) Emit(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Finish ends the session as if the peer hung up with err.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

// SendAudio implements s2s.SessionHandle.
func (s *Session) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Audio = append(s.Audio, cp)
	return nil
}

// InjectAgentMessage implements s2s.SessionHandle.
func (s *Session) InjectAgentMessage(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrClosed
	}
	s.Injected = append(s.Injected, text)
	return nil
}

// RespondFunctionCall implements s2s.SessionHandle.
func (s *Session) RespondFunctionCall(_ context.Context, id, output string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrClosed
	}
	r := FunctionResponse{ID: id, Output: output}
	s.Responses = append(s.Responses, r)
	hook := s.OnRespond
	s.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return nil
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err implements s2s.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements s2s.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// AudioBytes returns the total number of audio bytes received.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Audio {
		n += len(c)
	}
	return n
}

// InjectedMessages returns a copy of the injected texts.
func (s *Session) InjectedMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Injected...)
}

// FunctionResponses returns a copy of the recorded function responses.
func (s *Session) FunctionResponses() []FunctionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FunctionResponse(nil), s.Responses...)
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCount
}
