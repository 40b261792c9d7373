package backend_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/backend"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
	s2smock "github.com/MrWong99/callrelay/pkg/provider/s2s/mock"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{Name: "test", Attempts: 3, Backoff: time.Millisecond, Factor: 1}
}

func TestPassthrough_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	sess := s2smock.NewSession()
	p := &s2smock.Provider{
		Session:     sess,
		ConnectErrs: []error{errors.New("refused"), errors.New("refused")},
	}
	var mu sync.Mutex
	var attempts []int
	conn := backend.NewPassthrough(p,
		backend.WithRetry(fastRetry()),
		backend.WithOnAttempt(func(n int) {
			mu.Lock()
			attempts = append(attempts, n)
			mu.Unlock()
		}),
	)

	a, err := conn.Connect(t.Context(), "CA1", backend.SessionConfig{
		Instructions: "Take orders.",
		Tools:        []llm.ToolDefinition{{Name: "order_summary"}},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Close()

	if got := p.ConnectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
	if len(attempts) != 3 || attempts[2] != 3 {
		t.Errorf("OnAttempt calls = %v", attempts)
	}
	if cfg := p.ConnectCalls[2].Cfg; cfg.Instructions != "Take orders." || len(cfg.Tools) != 1 {
		t.Errorf("session config = %+v", cfg)
	}
}

func TestPassthrough_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	p := &s2smock.Provider{ConnectErr: errors.New("refused")}
	conn := backend.NewPassthrough(p, backend.WithRetry(fastRetry()))

	_, err := conn.Connect(t.Context(), "CA1", backend.SessionConfig{})
	if err == nil {
		t.Fatal("expected connect error")
	}
	if got := p.ConnectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want exactly 3", got)
	}
	if conn.Attempts() != 3 {
		t.Errorf("Attempts() = %d", conn.Attempts())
	}
}

func TestPassthrough_Delegates(t *testing.T) {
	t.Parallel()

	sess := s2smock.NewSession()
	conn := backend.NewPassthrough(&s2smock.Provider{Session: sess}, backend.WithRetry(fastRetry()))
	a, err := conn.Connect(t.Context(), "CA1", backend.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := a.SendAudio(t.Context(), make([]byte, 160)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := a.InjectSpokenMessage(t.Context(), "Hello!"); err != nil {
		t.Fatalf("InjectSpokenMessage: %v", err)
	}
	if err := a.RespondFunctionCall(t.Context(), "fc1", "ok"); err != nil {
		t.Fatalf("RespondFunctionCall: %v", err)
	}
	sess.Emit(s2s.Event{Kind: backend.EventAgentAudioDone})

	select {
	case ev := <-a.Events():
		if ev.Kind != backend.EventAgentAudioDone {
			t.Errorf("event kind = %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	if sess.AudioBytes() != 160 {
		t.Errorf("audio bytes = %d", sess.AudioBytes())
	}
	if got := sess.InjectedMessages(); len(got) != 1 || got[0] != "Hello!" {
		t.Errorf("injected = %v", got)
	}
	if got := sess.FunctionResponses(); len(got) != 1 || got[0].Output != "ok" {
		t.Errorf("responses = %v", got)
	}
	_ = a.Close()
	if sess.Closes() != 1 {
		t.Errorf("closes = %d", sess.Closes())
	}
}
