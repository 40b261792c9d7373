// Package backend adapts the speech backends a call can be relayed to into
// one [Adapter] contract: a persistent voice agent (passthrough) or a
// locally segmented STT, chat and TTS chain (segmented).
//
// Both variants deliver everything they produce on one ordered [Event]
// channel so agent audio and control events never overtake each other.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/callrelay/pkg/provider/llm"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
)

// Event is one item of backend output.
type Event = s2s.Event

// FunctionCall is a tool invocation requested by the agent.
type FunctionCall = s2s.FunctionCall

// EventKind identifies the variant of an Event.
type EventKind = s2s.EventKind

// Event kinds, shared by both variants.
const (
	EventAudio           = s2s.EventAudio
	EventSettingsApplied = s2s.EventSettingsApplied
	EventTranscript      = s2s.EventTranscript
	EventAgentText       = s2s.EventAgentText
	EventFunctionCall    = s2s.EventFunctionCall
	EventAgentAudioDone  = s2s.EventAgentAudioDone
	EventMark            = s2s.EventMark
	EventError           = s2s.EventError
)

// ErrClosed is returned by Adapter methods after Close.
var ErrClosed = s2s.ErrClosed

// EndOfBotSpeechMark is the playback mark placed after synthesized agent
// audio. The media stream echoes it once the caller has heard the audio.
const EndOfBotSpeechMark = "end_of_bot_speech"

// Mode selects a backend variant.
type Mode string

const (
	ModePassthrough Mode = "passthrough"
	ModeSegmented   Mode = "segmented"
)

// Adapter is a live backend session for one call. All methods are safe for
// concurrent use.
type Adapter interface {
	// SendAudio forwards caller audio (8 kHz mu-law). Returns ErrClosed once
	// closed.
	SendAudio(ctx context.Context, mulaw []byte) error

	// InjectSpokenMessage makes the agent say text verbatim.
	InjectSpokenMessage(ctx context.Context, text string) error

	// RespondFunctionCall answers the function call with the given id.
	RespondFunctionCall(ctx context.Context, id, output string) error

	// Events is the ordered output channel. It is closed when the adapter
	// ends.
	Events() <-chan Event

	// Close ends the session. Safe to call more than once.
	Close() error
}

// MarkObserver is implemented by adapters that need to know when a playback
// mark was reached by the caller.
type MarkObserver interface {
	MarkPlayed(name string)
}

// SessionConfig configures the backend session of one call.
type SessionConfig struct {
	// Instructions is the system message including the menu block.
	Instructions string
	Tools        []llm.ToolDefinition
	// Language is the caller language requested by the telephony webhook.
	// Empty means the default.
	Language string
	// Keywords are boosted by speech recognition, e.g. menu item names.
	Keywords []string
}

// Connector opens backend sessions.
type Connector interface {
	Connect(ctx context.Context, callID string, cfg SessionConfig) (Adapter, error)
}

// Router picks the variant for each call: segmented when the router's mode
// is segmented or the call's language is one of SegmentedLanguages,
// passthrough otherwise.
type Router struct {
	Mode               Mode
	Passthrough        Connector
	Segmented          Connector
	SegmentedLanguages []string
}

// Select returns the mode a call in language would use.
func (r *Router) Select(language string) Mode {
	if r.Segmented == nil {
		return ModePassthrough
	}
	if r.Mode == ModeSegmented || r.Passthrough == nil {
		return ModeSegmented
	}
	for _, l := range r.SegmentedLanguages {
		if language != "" && strings.EqualFold(l, language) {
			return ModeSegmented
		}
	}
	return ModePassthrough
}

// Connect implements [Connector].
func (r *Router) Connect(ctx context.Context, callID string, cfg SessionConfig) (Adapter, error) {
	switch r.Select(cfg.Language) {
	case ModeSegmented:
		return r.Segmented.Connect(ctx, callID, cfg)
	default:
		if r.Passthrough == nil {
			return nil, fmt.Errorf("backend: no connector configured")
		}
		return r.Passthrough.Connect(ctx, callID, cfg)
	}
}
