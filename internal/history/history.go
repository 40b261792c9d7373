// Package history keeps the per-call chat history of the segmented backend.
package history

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/llm"
)

// Store holds the conversation of each call.
type Store interface {
	// Load returns the messages of callID in order. An unknown call has an
	// empty history.
	Load(ctx context.Context, callID string) ([]llm.Message, error)
	// Append adds messages to the end of callID's history.
	Append(ctx context.Context, callID string, msgs ...llm.Message) error
	// Clear drops callID's history.
	Clear(ctx context.Context, callID string) error
}

// Memory is an in-process [Store].
type Memory struct {
	mu    sync.Mutex
	calls map[string][]llm.Message
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{calls: make(map[string][]llm.Message)}
}

// Load implements [Store].
func (m *Memory) Load(_ context.Context, callID string) ([]llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Message(nil), m.calls[callID]...), nil
}

// Append implements [Store].
func (m *Memory) Append(_ context.Context, callID string, msgs ...llm.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[callID] = append(m.calls[callID], msgs...)
	return nil
}

// Clear implements [Store].
func (m *Memory) Clear(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, callID)
	return nil
}
