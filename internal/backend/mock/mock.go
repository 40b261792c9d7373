// Package mock provides test doubles for the backend package interfaces.
//
// Adapter records everything the call session sends it and lets the test
// push backend events; Connector hands it out and can script failures.
//
//	a := mock.NewAdapter()
//	conn := &mock.Connector{Adapter: a}
//	a.Emit(backend.Event{Kind: backend.EventAgentAudioDone})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/internal/backend"
)

// ConnectCall records a single invocation of Connector.Connect.
type ConnectCall struct {
	CallID string
	Cfg    backend.SessionConfig
}

// Connector is a mock implementation of backend.Connector.
type Connector struct {
	mu sync.Mutex

	// Adapter is returned by successful Connect calls. If nil, a fresh
	// NewAdapter is created.
	Adapter *Adapter

	// ConnectErr, if non-nil, is returned by every Connect call.
	ConnectErr error

	ConnectCalls []ConnectCall
}

var _ backend.Connector = (*Connector)(nil)

// Connect records the call and returns Adapter or ConnectErr.
func (c *Connector) Connect(_ context.Context, callID string, cfg backend.SessionConfig) (backend.Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls = append(c.ConnectCalls, ConnectCall{CallID: callID, Cfg: cfg})
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	if c.Adapter == nil {
		c.Adapter = NewAdapter()
	}
	return c.Adapter, nil
}

// CallIDs returns the call ids passed to Connect, in order.
func (c *Connector) CallIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ConnectCalls))
	for i, cc := range c.ConnectCalls {
		out[i] = cc.CallID
	}
	return out
}

// Configs returns the session configs passed to Connect, in order.
func (c *Connector) Configs() []backend.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]backend.SessionConfig, len(c.ConnectCalls))
	for i, cc := range c.ConnectCalls {
		out[i] = cc.Cfg
	}
	return out
}

// FunctionResponse records one RespondFunctionCall invocation.
type FunctionResponse struct {
	ID     string
	Output string
}

// Adapter is a mock implementation of backend.Adapter and
// backend.MarkObserver.
type Adapter struct {
	mu sync.Mutex

	events chan backend.Event
	closed bool

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// OnInject, if set, runs after each recorded InjectSpokenMessage.
	OnInject func(text string)

	audio     [][]byte
	injected  []string
	responses []FunctionResponse
	marks     []string
	closes    int
}

var (
	_ backend.Adapter      = (*Adapter)(nil)
	_ backend.MarkObserver = (*Adapter)(nil)
)

// NewAdapter returns an Adapter with a buffered event channel.
func NewAdapter() *Adapter {
	return &Adapter{events: make(chan backend.Event, 64)}
}

// Emit delivers ev to the consumer. It is dropped after Close.
func (a *Adapter) Emit(ev backend.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.events <- ev
}

// Finish closes the event channel as if the backend ended on its own.
func (a *Adapter) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
}

func (a *Adapter) SendAudio(_ context.Context, mulaw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return backend.ErrClosed
	}
	if a.SendAudioErr != nil {
		return a.SendAudioErr
	}
	a.audio = append(a.audio, append([]byte(nil), mulaw...))
	return nil
}

func (a *Adapter) InjectSpokenMessage(_ context.Context, text string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return backend.ErrClosed
	}
	a.injected = append(a.injected, text)
	hook := a.OnInject
	a.mu.Unlock()

	if hook != nil {
		hook(text)
	}
	return nil
}

func (a *Adapter) RespondFunctionCall(_ context.Context, id, output string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return backend.ErrClosed
	}
	a.responses = append(a.responses, FunctionResponse{ID: id, Output: output})
	return nil
}

func (a *Adapter) MarkPlayed(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks = append(a.marks, name)
}

func (a *Adapter) Events() <-chan backend.Event { return a.events }

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	return nil
}

// AudioBytes returns the total number of audio bytes received.
func (a *Adapter) AudioBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.audio {
		n += len(p)
	}
	return n
}

// Chunks returns how many SendAudio calls were recorded.
func (a *Adapter) Chunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.audio)
}

// Injected returns a copy of the injected messages.
func (a *Adapter) Injected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.injected...)
}

// Responses returns a copy of the function responses.
func (a *Adapter) Responses() []FunctionResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FunctionResponse(nil), a.responses...)
}

// Marks returns the mark names passed to MarkPlayed.
func (a *Adapter) Marks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.marks...)
}

// Closes returns how many times Close was called.
func (a *Adapter) Closes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closes
}
