// Package segment turns a stream of fixed-duration telephony frames into
// utterance boundaries.
//
// A [Segmenter] runs every frame through a VAD session and tracks a small
// state machine: onset on the first speech frame, a hangover counter over
// consecutive silence frames, and an end boundary once the counter reaches the
// silence timeout. The segmenter never performs I/O itself; each call to
// [Segmenter.Process] returns a [Step] telling the caller what to do with the
// frame, which keeps the state machine testable without a live STT stream.
package segment

import (
	"fmt"
	"time"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/provider/vad"
)

// Defaults used when Config fields are zero.
const (
	DefaultFrameDuration  = 30 * time.Millisecond
	DefaultSilenceTimeout = 700 * time.Millisecond
	DefaultMinSpeech      = 250 * time.Millisecond
)

// Config tunes a Segmenter.
type Config struct {
	// FrameDuration is the length of every frame passed to Process.
	FrameDuration time.Duration

	// SilenceTimeout is how long the caller must stay silent before the
	// current utterance ends.
	SilenceTimeout time.Duration

	// MinSpeech marks utterances with less speech than this as Short.
	MinSpeech time.Duration
}

func (c Config) withDefaults() Config {
	if c.FrameDuration <= 0 {
		c.FrameDuration = DefaultFrameDuration
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = DefaultMinSpeech
	}
	return c
}

// FrameBytes returns the mu-law byte length of one frame at 8 kHz.
func (c Config) FrameBytes() int {
	c = c.withDefaults()
	return audio.BytesFor(c.FrameDuration, audio.TelephonySampleRate, audio.MulawBytesPerSample)
}

// State is the utterance state of a segmenter.
//
// HasSpeechSinceTrigger is only ever true while Triggered is true; both are
// cleared together when an utterance ends.
type State struct {
	Triggered             bool
	SilenceFrames         int
	HasSpeechSinceTrigger bool
}

// Step describes what the caller should do with the frame just processed.
type Step struct {
	// Speech is the VAD classification of the frame.
	Speech bool

	// Start is set on the frame that begins an utterance. The caller opens
	// its STT stream here if it is not already open.
	Start bool

	// Forward is set when the frame belongs to the current utterance and
	// should be sent downstream.
	Forward bool

	// End is set on the frame that closes an utterance.
	End bool

	// Signal is set together with End when the utterance contained speech
	// and the downstream stream should be told the utterance is over.
	Signal bool

	// Short is set together with End when the utterance carried less than
	// MinSpeech of speech frames.
	Short bool
}

// Segmenter is the per-call utterance state machine. It is not safe for
// concurrent use.
type Segmenter struct {
	vad   vad.SessionHandle
	cfg   Config
	state State

	silenceTimeoutFrames int
	minSpeechFrames      int
	speechFrames         int
}

// New returns a Segmenter classifying frames with sess.
func New(sess vad.SessionHandle, cfg Config) *Segmenter {
	cfg = cfg.withDefaults()
	return &Segmenter{
		vad:                  sess,
		cfg:                  cfg,
		silenceTimeoutFrames: max(1, int(cfg.SilenceTimeout/cfg.FrameDuration)),
		minSpeechFrames:      max(1, int(cfg.MinSpeech/cfg.FrameDuration)),
	}
}

// SilenceTimeoutFrames is the number of consecutive silence frames that end
// an utterance.
func (s *Segmenter) SilenceTimeoutFrames() int { return s.silenceTimeoutFrames }

// State returns a copy of the current utterance state.
func (s *Segmenter) State() State { return s.state }

// Process classifies one mu-law frame and advances the state machine. A VAD
// error leaves the state untouched.
func (s *Segmenter) Process(mulawFrame []byte) (Step, error) {
	res, err := s.vad.ProcessFrame(audio.DecodeMulaw(mulawFrame))
	if err != nil {
		return Step{}, fmt.Errorf("segment: classify frame: %w", err)
	}
	return s.advance(res.Speech), nil
}

func (s *Segmenter) advance(speech bool) Step {
	step := Step{Speech: speech}

	switch {
	case speech && !s.state.Triggered:
		s.state = State{Triggered: true, HasSpeechSinceTrigger: true}
		s.speechFrames = 1
		step.Start = true
		step.Forward = true

	case speech:
		s.state.SilenceFrames = 0
		s.speechFrames++
		step.Forward = true

	case s.state.Triggered:
		s.state.SilenceFrames++
		step.Forward = true
		if s.state.SilenceFrames >= s.silenceTimeoutFrames {
			step.End = true
			step.Signal = s.state.HasSpeechSinceTrigger
			step.Short = s.speechFrames < s.minSpeechFrames
			s.state = State{}
			s.speechFrames = 0
		}

	default:
		// Pre-speech or inter-utterance silence is dropped.
	}
	return step
}

// Reset abandons any utterance in progress and resets the VAD session.
func (s *Segmenter) Reset() {
	s.state = State{}
	s.speechFrames = 0
	s.vad.Reset()
}
