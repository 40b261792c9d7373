// Package stt defines the Provider interface for streaming speech-to-text.
//
// A session stays open for the whole call. Callers push audio only while the
// caller is speaking and mark each utterance boundary with EndUtterance, which
// asks the service to finalise what it has heard without closing the stream.
// Final transcripts arrive on Finals; interim hypotheses on Partials.
package stt

import (
	"context"
	"errors"
)

// ErrClosed is returned by SessionHandle methods after Close.
var ErrClosed = errors.New("stt: session is closed")

// StreamConfig configures one streaming session.
type StreamConfig struct {
	// SampleRate of the audio passed to SendAudio, in Hz.
	SampleRate int

	// Encoding names the wire encoding ("mulaw", "linear16"). Empty means the
	// provider default.
	Encoding string

	// Language is a BCP-47 code such as "en" or "zh-CN".
	Language string

	// Keywords boosts recognition of domain words, e.g. menu item names.
	Keywords []KeywordBoost
}

// SessionHandle is a live transcription stream.
type SessionHandle interface {
	// SendAudio queues an audio chunk. Returns [ErrClosed] after Close.
	SendAudio(chunk []byte) error

	// EndUtterance tells the service the current utterance is complete. The
	// stream stays open for the next one.
	EndUtterance() error

	// Partials delivers interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals delivers final transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio and ends the stream. Safe to call twice.
	Close() error
}

// Provider opens streaming sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
