package stt

import "time"

// Transcript is one recognition result.
type Transcript struct {
	Text string

	// IsFinal is true when the service will not revise this text.
	IsFinal bool

	// Confidence in [0, 1].
	Confidence float64

	// Start is the offset of the result from the beginning of the stream.
	Start time.Duration

	// Duration of the audio the result covers.
	Duration time.Duration
}

// KeywordBoost raises the likelihood of a word being recognised.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
