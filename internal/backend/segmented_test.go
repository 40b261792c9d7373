package backend

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/history"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/provider/stt"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/callrelay/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/callrelay/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/callrelay/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/callrelay/pkg/provider/vad/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const frameBytes = 240

type segmentedFixture struct {
	stt     *sttmock.Provider
	sttSess *sttmock.Session
	llm     *llmmock.Provider
	tts     *ttsmock.Provider
	vad     *vadmock.Session
	hist    *history.Memory
	adapter *segmentedSession
}

func newSegmentedFixture(t *testing.T, script []bool, responses ...*llm.CompletionResponse) *segmentedFixture {
	t.Helper()
	return newSegmentedFixtureWith(t, nil, script, responses...)
}

// newSegmentedFixtureWith lets a test adjust the config before Connect.
func newSegmentedFixtureWith(t *testing.T, tune func(*SegmentedConfig), script []bool, responses ...*llm.CompletionResponse) *segmentedFixture {
	t.Helper()
	f := &segmentedFixture{
		sttSess: sttmock.NewSession(),
		llm:     &llmmock.Provider{Responses: responses},
		tts:     &ttsmock.Provider{Audio: bytes.Repeat([]byte{0xFF}, 800)},
		vad:     vadmock.Script(script...),
		hist:    history.NewMemory(),
	}
	f.stt = &sttmock.Provider{Session: f.sttSess}

	cfg := SegmentedConfig{
		STT:     f.stt,
		LLM:     f.llm,
		TTS:     f.tts,
		VAD:     &vadmock.Engine{Session: f.vad},
		History: f.hist,
	}
	if tune != nil {
		tune(&cfg)
	}
	conn, err := NewSegmented(cfg)
	if err != nil {
		t.Fatalf("NewSegmented: %v", err)
	}
	a, err := conn.Connect(t.Context(), "CA1", SessionConfig{
		Instructions: "You take orders.",
		Tools:        []llm.ToolDefinition{{Name: "order_summary"}},
		Language:     "de",
		Keywords:     []string{"Soup"},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.adapter = a.(*segmentedSession)
	t.Cleanup(func() { _ = a.Close() })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func frames(n int) []byte { return bytes.Repeat([]byte{0xFF}, n*frameBytes) }

func speechScript(silenceBefore, speech, silenceAfter int) []bool {
	var s []bool
	for range silenceBefore {
		s = append(s, false)
	}
	for range speech {
		s = append(s, true)
	}
	for range silenceAfter {
		s = append(s, false)
	}
	return s
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNewSegmented_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSegmented(SegmentedConfig{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"stt", "llm", "tts", "vad"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSegmented_UtteranceToolLoop(t *testing.T) {
	t.Parallel()

	f := newSegmentedFixture(t, speechScript(5, 3, 23),
		&llm.CompletionResponse{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "order_summary", Arguments: `{"items":[]}`}}},
		&llm.CompletionResponse{Content: "Two soups, anything else?"},
	)
	f.sttSess.OnEndUtterance = func(s *sttmock.Session) { s.PushFinal("two soups please") }

	if err := f.adapter.SendAudio(t.Context(), frames(31)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	ev := nextEvent(t, f.adapter.Events())
	if ev.Kind != EventTranscript || ev.Text != "two soups please" || ev.Role != llm.RoleUser {
		t.Fatalf("first event = %+v, want user transcript", ev)
	}
	ev = nextEvent(t, f.adapter.Events())
	if ev.Kind != EventFunctionCall || ev.FunctionCall.ID != "call_1" || ev.FunctionCall.Name != "order_summary" {
		t.Fatalf("second event = %+v, want function call", ev)
	}
	if string(ev.FunctionCall.Input) != `{"items":[]}` {
		t.Errorf("function input = %s", ev.FunctionCall.Input)
	}
	if err := f.adapter.RespondFunctionCall(t.Context(), "call_1", "Order noted."); err != nil {
		t.Fatalf("RespondFunctionCall: %v", err)
	}

	want := []EventKind{EventAgentText, EventAudio, EventMark}
	for _, k := range want {
		ev = nextEvent(t, f.adapter.Events())
		if ev.Kind != k {
			t.Fatalf("event kind = %v, want %v", ev.Kind, k)
		}
		if k == EventMark && ev.Mark != EndOfBotSpeechMark {
			t.Errorf("mark = %q", ev.Mark)
		}
		if k == EventAudio && len(ev.Audio) != 800 {
			t.Errorf("audio length = %d", len(ev.Audio))
		}
	}

	// 3 speech frames plus 23 trailing silence frames reach STT.
	if got := f.sttSess.AudioBytes(); got != 26*frameBytes {
		t.Errorf("stt audio = %d bytes, want %d", got, 26*frameBytes)
	}
	if got := f.sttSess.EndUtterances(); got != 1 {
		t.Errorf("end utterances = %d, want 1", got)
	}
	cfg := f.stt.StartStreamCalls[0].Cfg
	if cfg.Language != "de" || cfg.Encoding != "mulaw" || cfg.SampleRate != 8000 || len(cfg.Keywords) != 1 {
		t.Errorf("stream config = %+v", cfg)
	}

	calls := f.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(calls))
	}
	req := calls[1].Req
	if req.ToolChoice != "auto" || req.Temperature != DefaultTemperature || req.SystemPrompt != "You take orders." {
		t.Errorf("request = %+v", req)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" || last.Content != "Order noted." {
		t.Errorf("last message = %+v, want tool reply", last)
	}
	if got := f.tts.Calls(); len(got) != 1 || got[0] != "Two soups, anything else?" {
		t.Errorf("tts texts = %v", got)
	}

	msgs, _ := f.hist.Load(t.Context(), "CA1")
	if len(msgs) != 4 {
		t.Errorf("history = %d messages, want 4", len(msgs))
	}
}

func TestSegmented_SilenceOnlyNeverOpensSTT(t *testing.T) {
	t.Parallel()

	f := newSegmentedFixture(t, speechScript(40, 0, 0))
	if err := f.adapter.SendAudio(t.Context(), frames(40)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if f.stt.StartCount() != 0 {
		t.Errorf("stt streams = %d, want 0", f.stt.StartCount())
	}
	if f.vad.FrameCount() != 40 {
		t.Errorf("vad frames = %d, want 40", f.vad.FrameCount())
	}
}

func TestSegmented_EchoSuppression(t *testing.T) {
	t.Parallel()

	f := newSegmentedFixture(t, nil)
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.adapter.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	if err := f.adapter.InjectSpokenMessage(t.Context(), "Hello! Welcome."); err != nil {
		t.Fatalf("InjectSpokenMessage: %v", err)
	}
	for _, k := range []EventKind{EventAgentText, EventAudio, EventMark} {
		if ev := nextEvent(t, f.adapter.Events()); ev.Kind != k {
			t.Fatalf("event kind = %v, want %v", ev.Kind, k)
		}
	}

	// Speaking: caller audio is discarded.
	_ = f.adapter.SendAudio(t.Context(), frames(4))
	if got := f.vad.FrameCount(); got != 0 {
		t.Fatalf("vad frames while speaking = %d, want 0", got)
	}

	f.adapter.MarkPlayed(EndOfBotSpeechMark)
	if ev := nextEvent(t, f.adapter.Events()); ev.Kind != EventAgentAudioDone {
		t.Fatalf("event kind = %v, want AgentAudioDone", ev.Kind)
	}

	// Echo tail still mutes.
	advance(DefaultEchoTail - time.Millisecond)
	_ = f.adapter.SendAudio(t.Context(), frames(4))
	if got := f.vad.FrameCount(); got != 0 {
		t.Fatalf("vad frames during echo tail = %d, want 0", got)
	}

	advance(time.Millisecond)
	_ = f.adapter.SendAudio(t.Context(), frames(4))
	if got := f.vad.FrameCount(); got != 4 {
		t.Errorf("vad frames after echo tail = %d, want 4", got)
	}

	msgs, _ := f.hist.Load(t.Context(), "CA1")
	if len(msgs) != 1 || msgs[0].Role != llm.RoleAssistant {
		t.Errorf("history = %+v, want injected assistant message", msgs)
	}
}

func TestSegmented_OtherMarksIgnored(t *testing.T) {
	t.Parallel()

	f := newSegmentedFixture(t, nil)
	f.adapter.MarkPlayed("final_message_played")
	select {
	case ev := <-f.adapter.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSegmented_CompletionErrorEmitsError(t *testing.T) {
	t.Parallel()

	f := newSegmentedFixture(t, speechScript(0, 3, 23))
	f.llm.CompleteErr = errors.New("rate limited")
	f.sttSess.OnEndUtterance = func(s *sttmock.Session) { s.PushFinal("hello") }

	_ = f.adapter.SendAudio(t.Context(), frames(26))
	if ev := nextEvent(t, f.adapter.Events()); ev.Kind != EventTranscript {
		t.Fatalf("event kind = %v, want transcript", ev.Kind)
	}
	ev := nextEvent(t, f.adapter.Events())
	if ev.Kind != EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "rate limited") {
		t.Errorf("event = %+v, want error", ev)
	}
}

func TestSegmented_Close(t *testing.T) {
	t.Parallel()

	f := newSegmentedFixture(t, speechScript(0, 3, 0))
	_ = f.adapter.SendAudio(t.Context(), frames(3))
	if err := f.adapter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.adapter.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, ok := <-f.adapter.Events(); ok {
		t.Error("events channel still open")
	}
	if err := f.adapter.SendAudio(t.Context(), frames(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("SendAudio after close = %v, want ErrClosed", err)
	}
	if err := f.adapter.InjectSpokenMessage(t.Context(), "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("InjectSpokenMessage after close = %v, want ErrClosed", err)
	}
	if err := f.adapter.RespondFunctionCall(t.Context(), "x", "y"); !errors.Is(err, ErrClosed) {
		t.Errorf("RespondFunctionCall after close = %v, want ErrClosed", err)
	}
	if f.vad.CloseCallCount != 1 {
		t.Errorf("vad closes = %d, want 1", f.vad.CloseCallCount)
	}
	if f.sttSess.CloseCount != 1 {
		t.Errorf("stt closes = %d, want 1", f.sttSess.CloseCount)
	}
	f.adapter.MarkPlayed(EndOfBotSpeechMark) // must not panic
}

func TestSegmented_UnknownFunctionResponse(t *testing.T) {
	t.Parallel()

	f := newSegmentedFixture(t, nil)
	if err := f.adapter.RespondFunctionCall(t.Context(), "nope", "x"); err == nil {
		t.Error("expected error for unknown call id")
	}
}

// hangingSTT never completes a dial until its context ends.
type hangingSTT struct {
	mu    sync.Mutex
	dials int
}

func (h *hangingSTT) StartStream(ctx context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	h.mu.Lock()
	h.dials++
	h.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hangingSTT) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func TestSegmented_HungSTTDialDoesNotBlock(t *testing.T) {
	t.Parallel()

	hung := &hangingSTT{}
	f := newSegmentedFixtureWith(t, func(c *SegmentedConfig) {
		c.STT = hung
		c.STTConnectTimeout = 50 * time.Millisecond
	}, append(speechScript(0, 3, 23), true, true, true))

	sent := make(chan error, 1)
	go func() { sent <- f.adapter.SendAudio(t.Context(), frames(26)) }()
	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendAudio blocked on the stt dial")
	}

	ev := nextEvent(t, f.adapter.Events())
	if ev.Kind != EventError || !strings.Contains(ev.Err.Error(), "open stt stream") {
		t.Fatalf("event = %+v, want stt open error", ev)
	}
	if hung.Dials() != 1 {
		t.Errorf("dials = %d, want 1", hung.Dials())
	}

	// The next utterance dials again; Close cancels it.
	if err := f.adapter.SendAudio(t.Context(), frames(3)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	waitFor(t, "second dial", func() bool { return hung.Dials() == 2 })
	closed := make(chan struct{})
	go func() {
		_ = f.adapter.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the stt dial")
	}
}

func TestSegmented_BacklogReplayedWhenSTTOpens(t *testing.T) {
	t.Parallel()

	f := newSegmentedFixture(t, speechScript(2, 4, 23))
	if err := f.adapter.SendAudio(t.Context(), frames(29)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	waitFor(t, "utterance boundary", func() bool { return f.sttSess.EndUtterances() == 1 })
	if got := f.sttSess.AudioBytes(); got != 27*frameBytes {
		t.Errorf("stt audio = %d bytes, want %d", got, 27*frameBytes)
	}
	if f.stt.StartCount() != 1 {
		t.Errorf("stt streams = %d, want 1", f.stt.StartCount())
	}
}

func TestSegmented_ShortUtterancesCounted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		speech int
		short  bool
	}{
		{"short", 3, true},
		{"full", 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reader := sdkmetric.NewManualReader()
			metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
			if err != nil {
				t.Fatal(err)
			}
			f := newSegmentedFixtureWith(t, func(c *SegmentedConfig) { c.Metrics = metrics },
				speechScript(0, tt.speech, 23))
			if err := f.adapter.SendAudio(t.Context(), frames(tt.speech+23)); err != nil {
				t.Fatalf("SendAudio: %v", err)
			}
			// Short utterances are still closed downstream.
			waitFor(t, "utterance boundary", func() bool { return f.sttSess.EndUtterances() == 1 })

			var rm metricdata.ResourceMetrics
			if err := reader.Collect(t.Context(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			var points []metricdata.DataPoint[int64]
			for _, sm := range rm.ScopeMetrics {
				for _, m := range sm.Metrics {
					if m.Name == "callrelay.utterances" {
						points = m.Data.(metricdata.Sum[int64]).DataPoints
					}
				}
			}
			if len(points) != 1 || points[0].Value != 1 {
				t.Fatalf("utterance points = %+v", points)
			}
			if short, _ := points[0].Attributes.Value("short"); short.AsBool() != tt.short {
				t.Errorf("short = %v, want %v", short.AsBool(), tt.short)
			}
		})
	}
}

func TestSegmented_SpeakingClosesOpenUtterance(t *testing.T) {
	t.Parallel()

	// The caller is mid-utterance when the greeting is spoken.
	f := newSegmentedFixture(t, speechScript(0, 3, 0))
	if err := f.adapter.SendAudio(t.Context(), frames(3)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := f.adapter.InjectSpokenMessage(t.Context(), "Hello! Welcome."); err != nil {
		t.Fatalf("InjectSpokenMessage: %v", err)
	}
	for _, k := range []EventKind{EventAgentText, EventAudio, EventMark} {
		if ev := nextEvent(t, f.adapter.Events()); ev.Kind != k {
			t.Fatalf("event kind = %v, want %v", ev.Kind, k)
		}
	}

	f.adapter.mu.Lock()
	st := f.adapter.seg.State()
	f.adapter.mu.Unlock()
	if st.Triggered || st.SilenceFrames != 0 {
		t.Errorf("segmenter state = %+v, want reset", st)
	}
	if f.vad.ResetCallCount == 0 {
		t.Error("vad session not reset")
	}
	waitFor(t, "utterance boundary", func() bool { return f.sttSess.EndUtterances() == 1 })
}
