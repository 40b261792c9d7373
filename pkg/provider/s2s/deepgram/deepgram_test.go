package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/pkg/provider/llm"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestSettings(t *testing.T) {
	t.Parallel()
	p, _ := New("k", WithThinkModel("open_ai", "gpt-4o-mini"))
	data, err := json.Marshal(p.settings(s2s.SessionConfig{
		Instructions: "Take orders.",
		Tools:        []llm.ToolDefinition{{Name: "order_summary", Parameters: map[string]any{"type": "object"}}},
	}))
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "SettingsConfiguration" {
		t.Errorf("type = %v", got["type"])
	}
	audio := got["audio"].(map[string]any)
	out := audio["output"].(map[string]any)
	if out["encoding"] != "mulaw" || out["sample_rate"] != float64(8000) || out["container"] != "none" {
		t.Errorf("output audio = %v", out)
	}
	in := audio["input"].(map[string]any)
	if _, ok := in["container"]; ok {
		t.Errorf("input audio should not carry a container: %v", in)
	}
	agent := got["agent"].(map[string]any)
	think := agent["think"].(map[string]any)
	if think["model"] != "gpt-4o-mini" || think["instructions"] != "Take orders." {
		t.Errorf("think = %v", think)
	}
	if fns := think["functions"].([]any); len(fns) != 1 {
		t.Errorf("functions = %v", fns)
	}
	if agent["listen"].(map[string]any)["model"] != "nova-3" {
		t.Errorf("listen = %v", agent["listen"])
	}
	if agent["speak"].(map[string]any)["model"] != "aura-asteria-en" {
		t.Errorf("speak = %v", agent["speak"])
	}
}

func TestParseServerMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     string
		wantOK bool
		kind   s2s.EventKind
	}{
		{"welcome ignored", `{"type":"Welcome","session_id":"x"}`, false, 0},
		{"settings applied", `{"type":"SettingsApplied"}`, true, s2s.EventSettingsApplied},
		{"user text", `{"type":"ConversationText","role":"user","content":"two soups"}`, true, s2s.EventTranscript},
		{"agent text", `{"type":"ConversationText","role":"assistant","content":"sure"}`, true, s2s.EventAgentText},
		{"function call", `{"type":"FunctionCallRequest","function_name":"order_summary","function_call_id":"fc1","input":{"summary":"DONE"}}`, true, s2s.EventFunctionCall},
		{"audio done", `{"type":"AgentAudioDone"}`, true, s2s.EventAgentAudioDone},
		{"error", `{"type":"Error","message":"bad settings"}`, true, s2s.EventError},
		{"user started speaking", `{"type":"UserStartedSpeaking"}`, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := parseServerMessage([]byte(tt.in))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && ev.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", ev.Kind, tt.kind)
			}
		})
	}

	if _, _, err := parseServerMessage([]byte("{not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}

	ev, _, _ := parseServerMessage([]byte(`{"type":"FunctionCallRequest","function_name":"f","function_call_id":"id"}`))
	if string(ev.FunctionCall.Input) != "{}" {
		t.Errorf("missing input = %q, want {}", ev.FunctionCall.Input)
	}
}

// fakeAgent is a minimal voice agent peer. It replies to the settings message
// with a fixed script and records everything the client sends.
type fakeAgent struct {
	mu         sync.Mutex
	authHeader string
	settings   map[string]any
	texts      []string
	audio      int
	gotText    chan struct{}
}

func (f *fakeAgent) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authHeader = r.Header.Get("Authorization")
		f.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var settings map[string]any
		_ = json.Unmarshal(data, &settings)
		f.mu.Lock()
		f.settings = settings
		f.mu.Unlock()

		script := []struct {
			typ  websocket.MessageType
			data string
		}{
			{websocket.MessageText, `{"type":"Welcome"}`},
			{websocket.MessageText, `{"type":"SettingsApplied"}`},
			{websocket.MessageBinary, "\xff\xff\xff\xff"},
			{websocket.MessageText, `{"type":"ConversationText","role":"assistant","content":"Hello!"}`},
			{websocket.MessageText, `{"type":"FunctionCallRequest","function_name":"order_summary","function_call_id":"fc1","input":{"summary":"DONE"}}`},
			{websocket.MessageText, `{"type":"AgentAudioDone"}`},
		}
		for _, m := range script {
			if err := conn.Write(ctx, m.typ, []byte(m.data)); err != nil {
				return
			}
		}

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			f.mu.Lock()
			if typ == websocket.MessageBinary {
				f.audio += len(data)
			} else {
				f.texts = append(f.texts, string(data))
				if f.gotText != nil && len(f.texts) == 2 {
					close(f.gotText)
				}
			}
			f.mu.Unlock()
		}
	}
}

func TestSession_OrderedEventsAndReplies(t *testing.T) {
	fake := &fakeAgent{gotText: make(chan struct{})}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Connect(ctx, s2s.SessionConfig{Instructions: "Take orders."})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []s2s.EventKind{
		s2s.EventSettingsApplied,
		s2s.EventAudio,
		s2s.EventAgentText,
		s2s.EventFunctionCall,
		s2s.EventAgentAudioDone,
	}
	for i, kind := range want {
		select {
		case ev := <-sess.Events():
			if ev.Kind != kind {
				t.Fatalf("event %d = %v, want %v", i, ev.Kind, kind)
			}
			if ev.Kind == s2s.EventFunctionCall && ev.FunctionCall.ID != "fc1" {
				t.Errorf("function call id = %q", ev.FunctionCall.ID)
			}
			if ev.Kind == s2s.EventAudio && len(ev.Audio) != 4 {
				t.Errorf("audio len = %d, want 4", len(ev.Audio))
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if err := sess.SendAudio(ctx, make([]byte, 160)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.InjectAgentMessage(ctx, "Hello! Welcome."); err != nil {
		t.Fatalf("InjectAgentMessage: %v", err)
	}
	if err := sess.RespondFunctionCall(ctx, "fc1", "Your order is placed."); err != nil {
		t.Fatalf("RespondFunctionCall: %v", err)
	}

	select {
	case <-fake.gotText:
	case <-ctx.Done():
		t.Fatal("timed out waiting for server to receive messages")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio(ctx, []byte{1}); err != s2s.ErrClosed {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	if _, ok := <-sess.Events(); ok {
		t.Error("events channel should be closed after Close")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.authHeader != "Token secret" {
		t.Errorf("Authorization = %q", fake.authHeader)
	}
	if fake.settings["type"] != "SettingsConfiguration" {
		t.Errorf("first message = %v, want SettingsConfiguration", fake.settings)
	}
	if fake.audio != 160 {
		t.Errorf("server received %d audio bytes, want 160", fake.audio)
	}
	if !strings.Contains(fake.texts[0], `"InjectAgentMessage"`) {
		t.Errorf("texts[0] = %s", fake.texts[0])
	}
	if !strings.Contains(fake.texts[1], `"function_call_id":"fc1"`) {
		t.Errorf("texts[1] = %s", fake.texts[1])
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}
