// Package hangup ends a call once the agent has finished its closing
// message.
package hangup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FinalMark is the media-stream mark name sent after the closing message.
const FinalMark = "final_message_played"

// Trigger names what released an armed scheduler.
type Trigger string

const (
	TriggerAudioDone Trigger = "agent_audio_done"
	TriggerFinalMark Trigger = "final_mark"
	TriggerTimeout   Trigger = "timeout"
)

// Ender terminates a call leg at the telephony provider.
type Ender interface {
	EndCall(ctx context.Context, callID string) error
}

// Config tunes a Scheduler. Zero durations take defaults.
type Config struct {
	// Grace is waited after AgentAudioDone so the tail of the audio still
	// queued at the carrier plays out. Default: 1s.
	Grace time.Duration
	// SafetyTimeout ends the call if no completion signal arrives.
	// Default: 15s.
	SafetyTimeout time.Duration
	// StopDelay separates the stream stop from the REST hangup. Default: 2s.
	StopDelay time.Duration
	// OnFire, if set, is called with the trigger that released the
	// scheduler.
	OnFire func(Trigger)
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = time.Second
	}
	if c.SafetyTimeout <= 0 {
		c.SafetyTimeout = 15 * time.Second
	}
	if c.StopDelay <= 0 {
		c.StopDelay = 2 * time.Second
	}
	return c
}

// Scheduler is armed once per call. After arming it waits for the first of
// AgentAudioDone (plus grace), the final mark or the safety timeout, then
// stops the media stream, waits StopDelay and ends the call leg.
//
// Signals that arrive before Arm are ignored. All methods are safe for
// concurrent use.
type Scheduler struct {
	callID string
	stop   func(ctx context.Context) error
	ender  Ender
	cfg    Config

	mu      sync.Mutex
	armed   bool
	armedCh chan struct{}
	signals chan Trigger
}

// New creates a Scheduler for callID. stop sends the stop instruction to the
// media stream; ender may be nil when no REST credentials are configured.
func New(callID string, stop func(ctx context.Context) error, ender Ender, cfg Config) *Scheduler {
	return &Scheduler{
		callID:  callID,
		stop:    stop,
		ender:   ender,
		cfg:     cfg.withDefaults(),
		armedCh: make(chan struct{}),
		signals: make(chan Trigger, 2),
	}
}

// Arm starts the countdown. It reports false if the scheduler was already
// armed.
func (s *Scheduler) Arm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return false
	}
	s.armed = true
	close(s.armedCh)
	return true
}

// Armed reports whether Arm was called.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// AgentAudioDone signals that the backend finished sending agent audio.
func (s *Scheduler) AgentAudioDone() { s.signal(TriggerAudioDone) }

// Mark signals a media-stream mark. Only [FinalMark] counts.
func (s *Scheduler) Mark(name string) {
	if name == FinalMark {
		s.signal(TriggerFinalMark)
	}
}

func (s *Scheduler) signal(t Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return
	}
	select {
	case s.signals <- t:
	default:
	}
}

// Run blocks until the scheduler fires and the call is ended, or ctx is
// done. Cancelling ctx abandons a pending termination. Run returns nil in
// both cases; stop and hangup failures are logged.
func (s *Scheduler) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.armedCh:
	}

	trigger, ok := s.wait(ctx)
	if !ok {
		return nil
	}
	log := slog.With("call_id", s.callID, "trigger", string(trigger))
	log.Info("hanging up")
	if s.cfg.OnFire != nil {
		s.cfg.OnFire(trigger)
	}

	if s.stop != nil {
		if err := s.stop(ctx); err != nil {
			log.Warn("stop media stream", "err", err)
		}
	}

	t := time.NewTimer(s.cfg.StopDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
	}

	if s.ender != nil {
		if err := s.ender.EndCall(ctx, s.callID); err != nil {
			log.Error("end call", "err", err)
		}
	}
	return nil
}

func (s *Scheduler) wait(ctx context.Context) (Trigger, bool) {
	safety := time.NewTimer(s.cfg.SafetyTimeout)
	defer safety.Stop()

	var grace <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-safety.C:
			return TriggerTimeout, true
		case <-grace:
			return TriggerAudioDone, true
		case t := <-s.signals:
			if t != TriggerAudioDone {
				return t, true
			}
			if grace == nil {
				g := time.NewTimer(s.cfg.Grace)
				defer g.Stop()
				grace = g.C
			}
		}
	}
}
