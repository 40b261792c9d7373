// Package vad defines the Engine interface for voice activity detection.
//
// A VAD engine classifies fixed-duration frames of 16-bit linear PCM as speech
// or silence. It does not decide where utterances begin or end: hangover
// timing lives in the segmenter that consumes these classifications, so an
// engine only has to answer "is this frame speech?".
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import "errors"

// ErrFrameSize is returned by ProcessFrame when a frame does not match the
// size implied by Config.
var ErrFrameSize = errors.New("vad: unexpected frame size")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the PCM sample rate in Hz. Telephony audio is 8000.
	SampleRate int

	// FrameSizeMs is the duration of each frame. Valid values: 10, 20, 30.
	FrameSizeMs int

	// Aggressiveness trades missed speech for fewer false triggers.
	// 0 is the most permissive, 3 the most aggressive at filtering out
	// non-speech.
	Aggressiveness int
}

// FrameBytes returns the expected byte length of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports whether the config can be served by an engine.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return errors.New("vad: sample rate must be positive")
	}
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		return errors.New("vad: frame size must be 10, 20 or 30 ms")
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return errors.New("vad: aggressiveness must be between 0 and 3")
	}
	return nil
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame classifies one frame of little-endian 16-bit PCM. It must
	// not block. A frame of the wrong size returns [ErrFrameSize].
	ProcessFrame(frame []byte) (Result, error)

	// Reset clears adaptive state (e.g. the noise floor estimate).
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
