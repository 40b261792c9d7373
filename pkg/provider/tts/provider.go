// Package tts defines the Provider interface for Text-to-Speech backends.
//
// The segmented call flow speaks one complete reply per turn, so providers
// synthesise a whole text at once and return telephony audio ready to be
// framed and sent to the caller.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text as 8 kHz mono mu-law audio. An empty text
	// yields an empty result and no error.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
