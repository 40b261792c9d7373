// Package energy implements a pure-Go VAD engine that classifies frames by
// short-term RMS energy against an adaptive noise floor, with a zero-crossing
// gate to reject broadband hiss.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/provider/vad"
)

// modeParams holds the thresholds for one aggressiveness level.
type modeParams struct {
	// minLevel is the absolute RMS level (normalised) a frame must reach.
	minLevel float64
	// floorRatio is how far above the running noise floor a frame must be.
	floorRatio float64
	// maxZCR rejects quiet frames with a noise-like zero-crossing rate.
	maxZCR float64
}

var modes = [4]modeParams{
	{minLevel: 0.006, floorRatio: 1.5, maxZCR: 0.65},
	{minLevel: 0.010, floorRatio: 2.0, maxZCR: 0.55},
	{minLevel: 0.015, floorRatio: 2.5, maxZCR: 0.50},
	{minLevel: 0.022, floorRatio: 3.0, maxZCR: 0.45},
}

// floorAlpha is the smoothing factor for the noise floor EMA.
const floorAlpha = 0.05

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		params:     modes[cfg.Aggressiveness],
		frameBytes: cfg.FrameBytes(),
	}, nil
}

// Session is a single-stream energy classifier.
type Session struct {
	mu         sync.Mutex
	params     modeParams
	frameBytes int
	floor      float64
	closed     bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Result{}, fmt.Errorf("energy vad: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Result{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}

	level := audio.RMS(frame)
	threshold := max(s.params.minLevel, s.floor*s.params.floorRatio)

	speech := level >= threshold
	if speech && level < 2*threshold && audio.ZeroCrossingRate(frame) > s.params.maxZCR {
		speech = false
	}

	if !speech {
		s.floor = s.floor*(1-floorAlpha) + level*floorAlpha
	}

	return vad.Result{Speech: speech, Probability: min(1, level/(2*threshold))}, nil
}

// Reset forgets the noise floor estimate.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = 0
}

// Close marks the session closed. Subsequent ProcessFrame calls fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
