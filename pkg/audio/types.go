// Package audio holds the pure audio helpers used on the telephony path:
// G.711 mu-law companding, 16-bit PCM resampling, fixed-duration framing and
// WAV wrapping for archived recordings.
//
// Every function here is stateless except [Framer], which owns a remainder
// buffer and must not be shared across goroutines.
package audio

import "time"

// Telephony media streams carry 8 kHz mono mu-law, one byte per sample.
const (
	TelephonySampleRate = 8000
	MulawBytesPerSample = 1
	PCMBytesPerSample   = 2
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesFor returns the number of bytes d of audio occupies in a stream with
// the given sample rate and bytes per sample (mono).
func BytesFor(d time.Duration, sampleRate, bytesPerSample int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second) * int64(bytesPerSample))
}

// DurationOf is the inverse of [BytesFor].
func DurationOf(n, sampleRate, bytesPerSample int) time.Duration {
	if sampleRate <= 0 || bytesPerSample <= 0 {
		return 0
	}
	samples := n / bytesPerSample
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}
