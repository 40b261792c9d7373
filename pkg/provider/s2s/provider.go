// Package s2s defines the Provider interface for Speech-to-Speech (S2S)
// backends: managed voice agents that take caller audio in and hand synthesised
// agent audio back, running recognition, reasoning and synthesis on their side.
//
// Everything a session produces (audio, transcripts, function-call requests,
// playback notifications, errors) is delivered on a single ordered [Event]
// channel, so binary audio and JSON control messages never overtake each
// other.
package s2s

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MrWong99/callrelay/pkg/provider/llm"
)

// ErrClosed is returned by SessionHandle methods after Close.
var ErrClosed = errors.New("s2s: session closed")

// EventKind identifies the variant held by an [Event].
type EventKind int

const (
	// EventAudio carries agent audio (8 kHz mu-law) in Event.Audio.
	EventAudio EventKind = iota + 1
	// EventSettingsApplied reports that the session configuration took effect.
	EventSettingsApplied
	// EventTranscript carries recognised caller speech in Event.Text.
	EventTranscript
	// EventAgentText carries the agent's spoken reply text in Event.Text.
	EventAgentText
	// EventFunctionCall carries a tool invocation in Event.FunctionCall.
	EventFunctionCall
	// EventAgentAudioDone reports that the agent finished emitting a reply.
	EventAgentAudioDone
	// EventMark asks the media stream to place a playback mark named
	// Event.Mark after the audio sent so far.
	EventMark
	// EventError carries a non-fatal backend error in Event.Err.
	EventError
)

var eventKindNames = map[EventKind]string{
	EventAudio:           "audio",
	EventSettingsApplied: "settings_applied",
	EventTranscript:      "transcript",
	EventAgentText:       "agent_text",
	EventFunctionCall:    "function_call",
	EventAgentAudioDone:  "agent_audio_done",
	EventMark:            "mark",
	EventError:           "error",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// FunctionCall is a tool invocation requested by the agent.
type FunctionCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Event is one item of session output. Only the fields belonging to Kind are
// set.
type Event struct {
	Kind         EventKind
	Audio        []byte
	Role         string
	Text         string
	FunctionCall *FunctionCall
	Mark         string
	Err          error
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Instructions is the system prompt, including any menu block.
	Instructions string

	// Tools are offered to the agent's reasoning model.
	Tools []llm.ToolDefinition
}

// SessionHandle represents an open S2S session. All methods are safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio delivers a mu-law audio chunk. Returns ErrClosed after Close.
	SendAudio(ctx context.Context, chunk []byte) error

	// InjectAgentMessage makes the agent speak text verbatim.
	InjectAgentMessage(ctx context.Context, text string) error

	// RespondFunctionCall returns a tool result for the call with the given id.
	RespondFunctionCall(ctx context.Context, id, output string) error

	// Events returns the ordered event channel. It is closed when the session
	// ends; Err then reports why.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil after a clean close.
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a session and sends cfg. The caller owns the returned
	// handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
