// Package deepgram implements the s2s.Provider interface for the Deepgram
// Voice Agent API.
//
// A session is one websocket to the agent endpoint. Caller audio goes out as
// binary frames; agent audio comes back as binary frames interleaved with
// JSON control messages, and both are surfaced in arrival order on the
// session's event channel.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/pkg/provider/llm"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultEndpoint      = "wss://agent.deepgram.com/agent"
	defaultListenModel   = "nova-3"
	defaultThinkProvider = "open_ai"
	defaultThinkModel    = "gpt-4o"
	defaultSpeakModel    = "aura-asteria-en"

	sampleRate = 8000
	encoding   = "mulaw"

	keepAliveInterval = 8 * time.Second
	closeTimeout      = 2 * time.Second
	eventBuffer       = 256
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithEndpoint overrides the agent websocket URL. Used by tests.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// WithListenModel sets the speech recognition model.
func WithListenModel(model string) Option {
	return func(p *Provider) { p.listenModel = model }
}

// WithThinkModel sets the reasoning provider type and model.
func WithThinkModel(provider, model string) Option {
	return func(p *Provider) {
		p.thinkProvider = provider
		p.thinkModel = model
	}
}

// WithSpeakModel sets the synthesis voice model.
func WithSpeakModel(model string) Option {
	return func(p *Provider) { p.speakModel = model }
}

// Provider implements s2s.Provider for the Deepgram Voice Agent.
type Provider struct {
	apiKey        string
	endpoint      string
	listenModel   string
	thinkProvider string
	thinkModel    string
	speakModel    string
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram agent: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		endpoint:      defaultEndpoint,
		listenModel:   defaultListenModel,
		thinkProvider: defaultThinkProvider,
		thinkModel:    defaultThinkModel,
		speakModel:    defaultSpeakModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect dials the agent, sends the settings message and starts the reader.
// ctx bounds the dial and the settings write only.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram agent: dial: %w", err)
	}
	// Agent audio frames can exceed the 32 KiB default.
	conn.SetReadLimit(1 << 20)

	settings, err := json.Marshal(p.settings(cfg))
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("deepgram agent: marshal settings: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, settings); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("deepgram agent: send settings: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:       conn,
		ctx:        sessCtx,
		cancel:     cancel,
		events:     make(chan s2s.Event, eventBuffer),
		readerDone: make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

// ── Protocol messages (outgoing) ───────────────────────────────────────────────

type settingsConfiguration struct {
	Type  string        `json:"type"`
	Audio audioSettings `json:"audio"`
	Agent agentSettings `json:"agent"`
}

type audioSettings struct {
	Input  audioFormat `json:"input"`
	Output audioFormat `json:"output"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type agentSettings struct {
	Listen modelRef      `json:"listen"`
	Think  thinkSettings `json:"think"`
	Speak  modelRef      `json:"speak"`
}

type modelRef struct {
	Model string `json:"model"`
}

type thinkSettings struct {
	Provider     thinkProvider `json:"provider"`
	Model        string        `json:"model"`
	Instructions string        `json:"instructions,omitempty"`
	Functions    []function    `json:"functions,omitempty"`
}

type thinkProvider struct {
	Type string `json:"type"`
}

type function struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type injectAgentMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type functionCallResponse struct {
	Type           string `json:"type"`
	FunctionCallID string `json:"function_call_id"`
	Output         string `json:"output"`
}

var msgKeepAlive = []byte(`{"type":"KeepAlive"}`)

func (p *Provider) settings(cfg s2s.SessionConfig) settingsConfiguration {
	return settingsConfiguration{
		Type: "SettingsConfiguration",
		Audio: audioSettings{
			Input:  audioFormat{Encoding: encoding, SampleRate: sampleRate},
			Output: audioFormat{Encoding: encoding, SampleRate: sampleRate, Container: "none"},
		},
		Agent: agentSettings{
			Listen: modelRef{Model: p.listenModel},
			Think: thinkSettings{
				Provider:     thinkProvider{Type: p.thinkProvider},
				Model:        p.thinkModel,
				Instructions: cfg.Instructions,
				Functions:    toFunctions(cfg.Tools),
			},
			Speak: modelRef{Model: p.speakModel},
		},
	}
}

func toFunctions(tools []llm.ToolDefinition) []function {
	out := make([]function, len(tools))
	for i, t := range tools {
		out[i] = function{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}

// ── Protocol messages (incoming) ───────────────────────────────────────────────

type serverMessage struct {
	Type string `json:"type"`

	// ConversationText
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// FunctionCallRequest
	FunctionName   string          `json:"function_name,omitempty"`
	FunctionCallID string          `json:"function_call_id,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`

	// Error
	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
}

// parseServerMessage maps one JSON control message to an event. ok is false
// for messages that carry nothing for the caller (Welcome, KeepAlive echoes,
// UserStartedSpeaking and unknown types).
func parseServerMessage(data []byte) (s2s.Event, bool, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return s2s.Event{}, false, fmt.Errorf("deepgram agent: decode message: %w", err)
	}
	switch msg.Type {
	case "SettingsApplied":
		return s2s.Event{Kind: s2s.EventSettingsApplied}, true, nil
	case "ConversationText":
		kind := s2s.EventTranscript
		if msg.Role == "assistant" {
			kind = s2s.EventAgentText
		}
		return s2s.Event{Kind: kind, Role: msg.Role, Text: msg.Content}, true, nil
	case "FunctionCallRequest":
		input := msg.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return s2s.Event{Kind: s2s.EventFunctionCall, FunctionCall: &s2s.FunctionCall{
			ID:    msg.FunctionCallID,
			Name:  msg.FunctionName,
			Input: input,
		}}, true, nil
	case "AgentAudioDone":
		return s2s.Event{Kind: s2s.EventAgentAudioDone}, true, nil
	case "Error":
		text := msg.Message
		if text == "" {
			text = msg.Description
		}
		if text == "" {
			text = "unknown error"
		}
		return s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("deepgram agent: %s", text)}, true, nil
	default:
		return s2s.Event{}, false, nil
	}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	events chan s2s.Event

	readerDone chan struct{}

	mu       sync.Mutex
	closed   bool
	err      error
	lastSent time.Time
}

func (s *session) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrClosed
	}
	s.lastSent = time.Now()
	s.mu.Unlock()

	if err := s.conn.Write(ctx, typ, data); err != nil {
		if s.ctx.Err() != nil {
			return s2s.ErrClosed
		}
		return fmt.Errorf("deepgram agent: write: %w", err)
	}
	return nil
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deepgram agent: marshal: %w", err)
	}
	return s.write(ctx, websocket.MessageText, data)
}

// SendAudio sends a raw mu-law chunk as a binary frame.
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	return s.write(ctx, websocket.MessageBinary, chunk)
}

// InjectAgentMessage makes the agent say text.
func (s *session) InjectAgentMessage(ctx context.Context, text string) error {
	return s.writeJSON(ctx, injectAgentMessage{Type: "InjectAgentMessage", Message: text})
}

// RespondFunctionCall answers a FunctionCallRequest.
func (s *session) RespondFunctionCall(ctx context.Context, id, output string) error {
	return s.writeJSON(ctx, functionCallResponse{Type: "FunctionCallResponse", FunctionCallID: id, Output: output})
}

// Events returns the ordered event channel.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the error that ended the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. The close handshake is bounded by closeTimeout.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		s.conn.CloseNow()
	}
	s.cancel()
	<-s.readerDone
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !s.closed {
		s.err = err
	}
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// readLoop owns the events channel and closes it on exit.
func (s *session) readLoop() {
	defer close(s.readerDone)
	defer close(s.events)
	defer s.cancel()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(fmt.Errorf("deepgram agent: read: %w", err))
			}
			return
		}

		if typ == websocket.MessageBinary {
			if len(data) == 0 {
				continue
			}
			if !s.emit(s2s.Event{Kind: s2s.EventAudio, Audio: data}) {
				return
			}
			continue
		}

		ev, ok, err := parseServerMessage(data)
		if err != nil {
			slog.Warn("deepgram agent: skipping malformed message", "err", err)
			continue
		}
		if !ok {
			continue
		}
		if !s.emit(ev) {
			return
		}
	}
}

// keepAlive sends a KeepAlive message whenever nothing was written for a
// full interval, so the agent keeps the socket open during long pauses.
func (s *session) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastSent) >= keepAliveInterval
			s.mu.Unlock()
			if !idle {
				continue
			}
			if err := s.write(s.ctx, websocket.MessageText, msgKeepAlive); err != nil {
				return
			}
		}
	}
}
