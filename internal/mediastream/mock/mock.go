// Package mock provides a test double for mediastream.Stream.
//
// Tests push inbound messages with Push/PushErr and end the stream with
// Hangup; everything the code under test writes is recorded.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/internal/mediastream"
)

type inbound struct {
	msg mediastream.Message
	err error
}

// Stream is a mock implementation of mediastream.Stream.
type Stream struct {
	in     chan inbound
	hungUp chan struct{}
	once   sync.Once

	mu     sync.Mutex
	media  [][]byte
	marks  []string
	clears int
	stops  int
	closes int

	// OnStop, if set, is called after SendStop is recorded.
	OnStop func()
}

var _ mediastream.Stream = (*Stream)(nil)

// New returns a Stream with a buffered inbound queue.
func New() *Stream {
	return &Stream{in: make(chan inbound, 1024), hungUp: make(chan struct{})}
}

// Push queues an inbound message.
func (s *Stream) Push(msg mediastream.Message) { s.in <- inbound{msg: msg} }

// PushErr queues a read error that leaves the stream usable.
func (s *Stream) PushErr(err error) { s.in <- inbound{err: err} }

// Hangup makes Read return ErrClosed once the queue is drained.
func (s *Stream) Hangup() { s.once.Do(func() { close(s.hungUp) }) }

// Read implements mediastream.Stream.
func (s *Stream) Read(ctx context.Context) (mediastream.Message, error) {
	select {
	case in := <-s.in:
		return in.msg, in.err
	default:
	}
	select {
	case in := <-s.in:
		return in.msg, in.err
	case <-s.hungUp:
		return mediastream.Message{}, mediastream.ErrClosed
	case <-ctx.Done():
		return mediastream.Message{}, ctx.Err()
	}
}

// SendMedia implements mediastream.Stream.
func (s *Stream) SendMedia(_ context.Context, _ string, mulaw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = append(s.media, append([]byte(nil), mulaw...))
	return nil
}

// SendMark implements mediastream.Stream.
func (s *Stream) SendMark(_ context.Context, _ string, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, name)
	return nil
}

// SendClear implements mediastream.Stream.
func (s *Stream) SendClear(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

// SendStop implements mediastream.Stream.
func (s *Stream) SendStop(context.Context, string) error {
	s.mu.Lock()
	s.stops++
	hook := s.OnStop
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// Close implements mediastream.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.Hangup()
	return nil
}

// MediaBytes returns the total number of audio bytes sent to the caller.
func (s *Stream) MediaBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.media {
		n += len(m)
	}
	return n
}

// Marks returns a copy of the mark names sent.
func (s *Stream) Marks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.marks...)
}

// Stops returns the number of stop instructions sent.
func (s *Stream) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Closes returns the number of Close calls.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
