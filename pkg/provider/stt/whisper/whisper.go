// Package whisper provides an STT provider backed by a self-hosted
// whisper.cpp server (POST /inference).
//
// whisper.cpp transcribes whole files, so a session buffers the caller audio
// of the current utterance and submits it when the caller marks the utterance
// complete with EndUtterance. Each result is emitted on both Partials and
// Finals with identical text. The segmented call flow already cuts audio at
// speech boundaries, which is what makes the batch engine usable there.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 8000, Encoding: "mulaw"})
//	h.SendAudio(chunk)
//	h.EndUtterance()
//	t := <-h.Finals()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/provider/stt"
)

const (
	// inferenceRate is the sample rate whisper models are trained on.
	inferenceRate = 16000

	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// maxUtterance caps the audio kept for one utterance; older audio is
	// submitted early.
	maxUtterance = 30 * time.Second

	queueSize = 8
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.
// "base.en"). Empty uses whichever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language code. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each inference request. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements stt.Provider against a whisper.cpp HTTP server.
// Sessions are independent and may run concurrently.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the server at serverURL (e.g.
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No request is made until the first utterance
// is submitted. Supported encodings are "mulaw" (the default) and "linear16".
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = "mulaw"
	}
	if enc != "mulaw" && enc != "linear16" {
		return nil, fmt.Errorf("whisper: unsupported encoding %q", enc)
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.TelephonySampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	bytesPerSample := audio.MulawBytesPerSample
	if enc == "linear16" {
		bytesPerSample = audio.PCMBytesPerSample
	}

	s := &session{
		p:          p,
		ctx:        ctx,
		language:   lang,
		encoding:   enc,
		sampleRate: rate,
		maxBytes:   audio.BytesFor(maxUtterance, rate, bytesPerSample),
		queue:      make(chan utterance, queueSize),
		partials:   make(chan stt.Transcript, queueSize),
		finals:     make(chan stt.Transcript, queueSize),
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

type utterance struct {
	data  []byte
	start time.Duration
}

// session implements stt.SessionHandle. buf and offset are guarded by mu;
// inference runs on the worker goroutine in submission order.
type session struct {
	p          *Provider
	ctx        context.Context
	language   string
	encoding   string
	sampleRate int
	maxBytes   int

	mu     sync.Mutex
	buf    []byte
	offset int // bytes submitted so far, for transcript offsets
	closed bool

	queue    chan utterance
	partials chan stt.Transcript
	finals   chan stt.Transcript
	wg       sync.WaitGroup
}

func (s *session) bytesPerSample() int {
	if s.encoding == "linear16" {
		return audio.PCMBytesPerSample
	}
	return audio.MulawBytesPerSample
}

// SendAudio implements stt.SessionHandle.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	s.buf = append(s.buf, chunk...)
	if len(s.buf) >= s.maxBytes {
		s.submitLocked()
	}
	return nil
}

// EndUtterance implements stt.SessionHandle.
func (s *session) EndUtterance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	s.submitLocked()
	return nil
}

func (s *session) submitLocked() {
	if len(s.buf) == 0 {
		return
	}
	u := utterance{
		data:  s.buf,
		start: audio.DurationOf(s.offset, s.sampleRate, s.bytesPerSample()),
	}
	s.offset += len(s.buf)
	s.buf = nil
	select {
	case s.queue <- u:
	case <-s.ctx.Done():
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Close submits any buffered audio, waits for pending inferences and closes
// both channels.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.submitLocked()
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *session) worker() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	// Audio already spoken is still transcribed after the call context ends.
	ctx := context.WithoutCancel(s.ctx)
	for u := range s.queue {
		text, err := s.infer(ctx, u.data)
		if err != nil || text == "" {
			continue
		}
		t := stt.Transcript{
			Text:       text,
			Confidence: 1,
			Start:      u.start,
			Duration:   audio.DurationOf(len(u.data), s.sampleRate, s.bytesPerSample()),
		}
		s.emit(s.partials, t)
		t.IsFinal = true
		s.emit(s.finals, t)
	}
}

// emit drops the transcript once the session context is done and nobody is
// reading anymore.
func (s *session) emit(ch chan stt.Transcript, t stt.Transcript) {
	select {
	case ch <- t:
	case <-s.ctx.Done():
	}
}

// infer converts the utterance to a 16 kHz PCM WAV file and posts it to the
// /inference endpoint.
func (s *session) infer(ctx context.Context, data []byte) (string, error) {
	pcm := data
	if s.encoding == "mulaw" {
		pcm = audio.DecodeMulaw(data)
	}
	pcm = audio.ResampleMono16(pcm, s.sampleRate, inferenceRate)
	wav := audio.WrapPCMWAV(pcm, inferenceRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"language":        s.language,
		"model":           s.p.model,
		"response_format": "json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
