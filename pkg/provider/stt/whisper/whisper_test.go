package whisper_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/pkg/provider/stt"
	"github.com/MrWong99/callrelay/pkg/provider/stt/whisper"
)

type inference struct {
	language   string
	model      string
	sampleRate uint32
	format     uint16
	dataLen    int
}

// newServer answers POST /inference with reply and records each request.
func newServer(t *testing.T, status int, reply string) (*httptest.Server, func() []inference) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []inference
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wav, _ := io.ReadAll(f)
		in := inference{language: r.FormValue("language"), model: r.FormValue("model")}
		if len(wav) >= 44 {
			in.format = binary.LittleEndian.Uint16(wav[20:22])
			in.sampleRate = binary.LittleEndian.Uint32(wav[24:28])
			in.dataLen = len(wav) - 44
		}
		mu.Lock()
		reqs = append(reqs, in)
		mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": reply})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []inference {
		mu.Lock()
		defer mu.Unlock()
		return append([]inference(nil), reqs...)
	}
}

func recvFinal(t *testing.T, h stt.SessionHandle) stt.Transcript {
	t.Helper()
	select {
	case tr, ok := <-h.Finals():
		if !ok {
			t.Fatal("finals closed before a transcript arrived")
		}
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
	return stt.Transcript{}
}

func TestNew_EmptyServerURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestStartStream_UnsupportedEncoding(t *testing.T) {
	t.Parallel()
	p, err := whisper.New("http://localhost:8080")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.StartStream(t.Context(), stt.StreamConfig{Encoding: "opus"}); err == nil {
		t.Fatal("expected error for opus encoding")
	}
}

func TestSession_EndUtteranceTranscribes(t *testing.T) {
	t.Parallel()
	srv, requests := newServer(t, http.StatusOK, "  one salmon roll please ")

	p, err := whisper.New(srv.URL, whisper.WithModel("base.en"))
	if err != nil {
		t.Fatal(err)
	}
	h, err := p.StartStream(t.Context(), stt.StreamConfig{SampleRate: 8000, Encoding: "mulaw", Language: "es"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	// 0.5 s of 8 kHz mu-law.
	if err := h.SendAudio(bytes.Repeat([]byte{0x7F}, 4000)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := h.EndUtterance(); err != nil {
		t.Fatalf("EndUtterance: %v", err)
	}

	tr := recvFinal(t, h)
	if tr.Text != "one salmon roll please" || !tr.IsFinal {
		t.Errorf("final = %+v", tr)
	}
	if tr.Duration != 500*time.Millisecond {
		t.Errorf("duration = %v, want 500ms", tr.Duration)
	}
	select {
	case pt := <-h.Partials():
		if pt.Text != tr.Text || pt.IsFinal {
			t.Errorf("partial = %+v", pt)
		}
	case <-time.After(time.Second):
		t.Error("no partial emitted")
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	got := reqs[0]
	if got.language != "es" || got.model != "base.en" {
		t.Errorf("fields = %+v", got)
	}
	if got.format != 1 || got.sampleRate != 16000 {
		t.Errorf("wav format = %d rate = %d, want PCM at 16000", got.format, got.sampleRate)
	}
	// 4000 mu-law samples become 8000 samples of 16-bit PCM at 16 kHz.
	if got.dataLen != 16000 {
		t.Errorf("wav data = %d bytes, want 16000", got.dataLen)
	}
}

func TestSession_EmptyUtteranceSkipped(t *testing.T) {
	t.Parallel()
	srv, requests := newServer(t, http.StatusOK, "hello")
	p, _ := whisper.New(srv.URL)
	h, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.EndUtterance(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if n := len(requests()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestSession_CloseFlushesPendingAudio(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, http.StatusOK, "two miso soups")
	p, _ := whisper.New(srv.URL)
	h, err := p.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000, Encoding: "linear16"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.SendAudio(make([]byte, 3200)); err != nil {
		t.Fatal(err)
	}

	done := make(chan []stt.Transcript, 1)
	go func() {
		var got []stt.Transcript
		for tr := range h.Finals() {
			got = append(got, tr)
		}
		done <- got
	}()
	go func() {
		for range h.Partials() {
		}
	}()

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := <-done
	if len(got) != 1 || got[0].Text != "two miso soups" {
		t.Errorf("finals = %+v", got)
	}
}

func TestSession_ServerErrorDropsUtterance(t *testing.T) {
	t.Parallel()
	srv, requests := newServer(t, http.StatusInternalServerError, "")
	p, _ := whisper.New(srv.URL)
	h, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	_ = h.SendAudio(bytes.Repeat([]byte{0x7F}, 800))
	_ = h.EndUtterance()
	_ = h.Close()

	if _, ok := <-h.Finals(); ok {
		t.Error("expected no transcript after a server error")
	}
	if n := len(requests()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestSession_ClosedErrors(t *testing.T) {
	t.Parallel()
	p, _ := whisper.New("http://localhost:8080")
	h, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := h.SendAudio([]byte{1}); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	if err := h.EndUtterance(); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("EndUtterance after Close = %v, want ErrClosed", err)
	}
}
