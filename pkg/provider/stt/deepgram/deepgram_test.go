package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "mulaw", q.Get("encoding"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	p, err := New("key", WithLanguage("en"), WithModel("nova-2"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "zh-CN", SampleRate: 16000, Encoding: "linear16"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	q, _ := url.ParseQuery(strings.SplitN(rawURL, "?", 2)[1])
	assertEqual(t, "language", "zh-CN", q.Get("language"))
	assertEqual(t, "model", "nova-2", q.Get("model"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestBuildURL_Keywords(t *testing.T) {
	p, _ := New("key")
	rawURL, err := p.buildURL(stt.StreamConfig{
		Keywords: []stt.KeywordBoost{
			{Keyword: "Wonton", Boost: 5},
			{Keyword: "Chow Mein", Boost: 2.5},
		},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d: %v", len(kws), kws)
	}
	assertEqual(t, "keyword[0]", "Wonton:5", kws[0])
	assertEqual(t, "keyword[1]", "Chow Mein:2.5", kws[1])
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantFinal bool
		wantText  string
	}{
		{
			name:      "final",
			raw:       `{"type":"Results","is_final":true,"start":1.5,"duration":0.75,"channel":{"alternatives":[{"transcript":"two soups","confidence":0.95}]}}`,
			wantOK:    true,
			wantFinal: true,
			wantText:  "two soups",
		},
		{
			name:     "partial",
			raw:      `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"two","confidence":0.7}]}}`,
			wantOK:   true,
			wantText: "two",
		},
		{
			name:      "from finalize",
			raw:       `{"type":"Results","from_finalize":true,"channel":{"alternatives":[{"transcript":"done"}]}}`,
			wantOK:    true,
			wantFinal: true,
			wantText:  "done",
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := parseDeepgramResponse([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if tr.IsFinal != tt.wantFinal {
				t.Errorf("IsFinal = %v, want %v", tr.IsFinal, tt.wantFinal)
			}
			assertEqual(t, "text", tt.wantText, tr.Text)
		})
	}
}

func TestParseDeepgramResponse_Timing(t *testing.T) {
	tr, ok := parseDeepgramResponse([]byte(`{"type":"Results","is_final":true,"start":1.5,"duration":0.75,"channel":{"alternatives":[{"transcript":"x"}]}}`))
	if !ok {
		t.Fatal("expected ok")
	}
	if tr.Start != 1500*time.Millisecond || tr.Duration != 750*time.Millisecond {
		t.Errorf("timing = %v/%v, want 1.5s/750ms", tr.Start, tr.Duration)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- Streaming session against a fake server ----

type fakeServer struct {
	mu         sync.Mutex
	audioBytes int
	texts      []string
	authHeader string
}

func (f *fakeServer) handler(t *testing.T) http.HandlerFunc {
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
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				f.mu.Lock()
				f.audioBytes += len(data)
				f.mu.Unlock()
				continue
			}
			f.mu.Lock()
			f.texts = append(f.texts, string(data))
			f.mu.Unlock()

			switch string(data) {
			case string(msgFinalize):
				_ = conn.Write(ctx, websocket.MessageText, []byte(
					`{"type":"Results","is_final":true,"from_finalize":true,"channel":{"alternatives":[{"transcript":"two soups please","confidence":0.9}]}}`))
			case string(msgCloseStream):
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func TestSession_FinalizeKeepsStreamOpen(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	for range 2 {
		if err := sess.SendAudio(make([]byte, 240)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
		if err := sess.EndUtterance(); err != nil {
			t.Fatalf("EndUtterance: %v", err)
		}
		select {
		case tr := <-sess.Finals():
			assertEqual(t, "final", "two soups please", tr.Text)
		case <-ctx.Done():
			t.Fatal("timed out waiting for final transcript")
		}
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{1}); err != stt.ErrClosed {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.audioBytes != 480 {
		t.Errorf("server received %d audio bytes, want 480", fake.audioBytes)
	}
	if fake.authHeader != "Token secret" {
		t.Errorf("Authorization = %q, want %q", fake.authHeader, "Token secret")
	}
	finalizes := 0
	for _, txt := range fake.texts {
		if txt == string(msgFinalize) {
			finalizes++
		}
	}
	if finalizes != 2 {
		t.Errorf("Finalize messages = %d, want 2", finalizes)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
