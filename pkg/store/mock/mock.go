// Package mock provides an in-memory [store.Store] for tests.
//
// The mock records every method call and keeps saved data so assertions can
// inspect both. It is safe for concurrent use.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/pkg/store"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is an in-memory [store.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call

	records    map[string]store.Call
	utterances []store.Utterance
	orders     []store.Order

	// Err, if non-nil, is returned by every Save method.
	Err error
}

var _ store.Store = (*Store)(nil)

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// SaveCallStart implements [store.Store].
func (s *Store) SaveCallStart(_ context.Context, c store.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SaveCallStart", c)
	if s.Err != nil {
		return s.Err
	}
	if s.records == nil {
		s.records = make(map[string]store.Call)
	}
	s.records[c.CallID] = c
	return nil
}

// SaveCallEnd implements [store.Store].
func (s *Store) SaveCallEnd(_ context.Context, callID, audioURL string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SaveCallEnd", callID, audioURL, at)
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.records[callID]
	if !ok {
		return store.ErrNotFound
	}
	c.EndedAt = &at
	c.AudioURL = audioURL
	s.records[callID] = c
	return nil
}

// SaveUtterance implements [store.Store].
func (s *Store) SaveUtterance(_ context.Context, u store.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SaveUtterance", u)
	if s.Err != nil {
		return s.Err
	}
	s.utterances = append(s.utterances, u)
	return nil
}

// SaveOrder implements [store.Store].
func (s *Store) SaveOrder(_ context.Context, o store.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SaveOrder", o)
	if s.Err != nil {
		return s.Err
	}
	s.orders = append(s.orders, o)
	return nil
}

// GetCall implements [store.Store].
func (s *Store) GetCall(_ context.Context, callID string) (store.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetCall", callID)
	c, ok := s.records[callID]
	if !ok {
		return store.Call{}, store.ErrNotFound
	}
	return c, nil
}

// ListCalls implements [store.Store].
func (s *Store) ListCalls(_ context.Context, limit, offset int) ([]store.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ListCalls", limit, offset)
	out := make([]store.Call, 0, len(s.records))
	for _, c := range s.records {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset >= len(out) {
		return []store.Call{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Utterances implements [store.Store].
func (s *Store) Utterances(_ context.Context, callID string) ([]store.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Utterances", callID)
	out := []store.Utterance{}
	for _, u := range s.utterances {
		if u.CallID == callID {
			out = append(out, u)
		}
	}
	return out, nil
}

// CallCount returns how many times method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// SavedUtterances returns a copy of every saved utterance.
func (s *Store) SavedUtterances() []store.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Utterance(nil), s.utterances...)
}

// SavedOrders returns a copy of every saved order.
func (s *Store) SavedOrders() []store.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Order(nil), s.orders...)
}
