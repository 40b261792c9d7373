package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/internal/history"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/segment"
	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
	"github.com/MrWong99/callrelay/pkg/provider/stt"
	"github.com/MrWong99/callrelay/pkg/provider/tts"
	"github.com/MrWong99/callrelay/pkg/provider/vad"
)

// Segmented defaults.
const (
	DefaultTemperature   = 0.7
	DefaultEchoTail      = 2 * time.Second
	DefaultMaxToolRounds = 5
)

// maxBacklogBytes bounds the utterance audio held while the STT stream is
// being opened: 10 s of 8 kHz mu-law.
const maxBacklogBytes = 80000

// SegmentedConfig wires the providers of the segmented variant.
type SegmentedConfig struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine

	// History keeps the chat of each call. Default: in-process memory.
	History history.Store

	Segment           segment.Config
	VADAggressiveness int

	// Temperature of the chat model. Default: 0.7.
	Temperature float64

	// EchoTail is how long caller audio stays ignored after the agent's
	// audio finished playing. Default: 2s.
	EchoTail time.Duration

	// MaxToolRounds bounds the tool calls answered for one utterance.
	// Default: 5.
	MaxToolRounds int

	// STTConnectTimeout bounds opening the STT stream. Default: 10s.
	STTConnectTimeout time.Duration

	// Metrics, if set, records provider latencies.
	Metrics *observe.Metrics
}

// Segmented relays calls through VAD segmentation, streaming STT, a chat
// completion tool loop and TTS.
type Segmented struct {
	cfg SegmentedConfig
}

// NewSegmented validates cfg and returns a connector.
func NewSegmented(cfg SegmentedConfig) (*Segmented, error) {
	var errs []error
	if cfg.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if cfg.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("backend: segmented: %w", err)
	}
	if cfg.History == nil {
		cfg.History = history.NewMemory()
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.EchoTail <= 0 {
		cfg.EchoTail = DefaultEchoTail
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.STTConnectTimeout <= 0 {
		cfg.STTConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Segment.FrameDuration <= 0 {
		cfg.Segment.FrameDuration = segment.DefaultFrameDuration
	}
	return &Segmented{cfg: cfg}, nil
}

// Connect implements [Connector]. The STT stream is opened lazily on the
// first speech frame.
func (s *Segmented) Connect(_ context.Context, callID string, sc SessionConfig) (Adapter, error) {
	vadSess, err := s.cfg.VAD.NewSession(vad.Config{
		SampleRate:     audio.TelephonySampleRate,
		FrameSizeMs:    int(s.cfg.Segment.FrameDuration / time.Millisecond),
		Aggressiveness: s.cfg.VADAggressiveness,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: segmented: vad session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &segmentedSession{
		callID:  callID,
		cfg:     &s.cfg,
		sc:      sc,
		log:     slog.With("call_id", callID, "backend", string(ModeSegmented)),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event, 64),
		jobs:    make(chan job, 8),
		vad:     vadSess,
		seg:     segment.New(vadSess, s.cfg.Segment),
		framer:  audio.NewFramer(s.cfg.Segment.FrameBytes()),
		pending: make(map[string]chan string),
		now:     time.Now,
	}
	sess.wg.Add(1)
	go sess.turnLoop()
	return sess, nil
}

// sttOp is one queued STT write: a frame, or an utterance boundary.
type sttOp struct {
	frame []byte
	end   bool
}

type job struct {
	text string
	// user is set for caller transcripts; otherwise text is spoken verbatim.
	user bool
}

type segmentedSession struct {
	callID string
	cfg    *SegmentedConfig
	sc     SessionConfig
	log    *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	jobs   chan job

	// mu guards the audio path and the speaking state.
	mu         sync.Mutex
	closed     bool
	vad        vad.SessionHandle
	seg        *segment.Segmenter
	framer     *audio.Framer
	stt        stt.SessionHandle
	speaking   bool
	mutedUntil time.Time

	// While the STT stream is being opened, writes queue in backlog.
	sttOpening   bool
	backlog      []sttOp
	backlogBytes int

	pendingMu sync.Mutex
	pending   map[string]chan string

	emitMu       sync.RWMutex
	events       chan Event
	eventsClosed bool

	closeOnce sync.Once
}

func (s *segmentedSession) Events() <-chan Event { return s.events }

// SendAudio segments caller audio and forwards utterance frames to STT.
// Audio is discarded while the agent speaks and during the echo tail. The
// STT stream is opened in the background so a slow provider never blocks the
// media stream; frames wait in a bounded backlog meanwhile.
func (s *segmentedSession) SendAudio(_ context.Context, mulaw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.speaking || s.now().Before(s.mutedUntil) {
		s.framer.Reset()
		return nil
	}

	for _, frame := range s.framer.Write(mulaw) {
		step, err := s.seg.Process(frame)
		if err != nil {
			return err
		}
		if step.Start && s.stt == nil && !s.sttOpening {
			s.sttOpening = true
			s.wg.Add(1)
			go s.openSTT()
		}
		if step.Forward {
			if err := s.writeSTTLocked(sttOp{frame: frame}); err != nil {
				return err
			}
		}
		if step.End && step.Signal {
			s.endUtteranceLocked(step.Short)
			if err := s.writeSTTLocked(sttOp{end: true}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *segmentedSession) endUtteranceLocked(short bool) {
	if short {
		s.log.Debug("short utterance", "min_speech", s.cfg.Segment.MinSpeech)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordUtterance(s.ctx, short)
	}
}

// writeSTTLocked sends op to the open stream or queues it while the stream
// is opening. Writes with neither are dropped.
func (s *segmentedSession) writeSTTLocked(op sttOp) error {
	if s.stt == nil {
		if !s.sttOpening {
			return nil
		}
		if !op.end && s.backlogBytes+len(op.frame) > maxBacklogBytes {
			s.log.Warn("stt not ready, dropping caller audio", "bytes", len(op.frame))
			return nil
		}
		s.backlog = append(s.backlog, op)
		s.backlogBytes += len(op.frame)
		return nil
	}
	if op.end {
		if err := s.stt.EndUtterance(); err != nil {
			return fmt.Errorf("backend: stt end utterance: %w", err)
		}
		return nil
	}
	if err := s.stt.SendAudio(op.frame); err != nil {
		return fmt.Errorf("backend: stt send: %w", err)
	}
	return nil
}

// openSTT dials the STT stream without holding s.mu, then replays the
// backlog. A failed or timed out dial drops the backlog; the next utterance
// tries again.
func (s *segmentedSession) openSTT() {
	defer s.wg.Done()

	keywords := make([]stt.KeywordBoost, len(s.sc.Keywords))
	for i, k := range s.sc.Keywords {
		keywords[i] = stt.KeywordBoost{Keyword: k, Boost: 2}
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.STTConnectTimeout)
	start := time.Now()
	sess, err := s.cfg.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: audio.TelephonySampleRate,
		Encoding:   "mulaw",
		Language:   s.sc.Language,
		Keywords:   keywords,
	})
	cancel()
	s.record(s.ctx, "stt", start, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	backlog := s.backlog
	s.sttOpening = false
	s.backlog = nil
	s.backlogBytes = 0

	if err != nil {
		if !s.closed {
			// Reported off the lock; emit may wait for the consumer.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.emitError(fmt.Errorf("backend: open stt stream: %w", err))
			}()
		}
		return
	}
	if s.closed {
		_ = sess.Close()
		return
	}
	s.stt = sess
	s.log.Debug("stt stream opened", "backlog_ops", len(backlog))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		audio.Drain(sess.Partials())
	}()
	go func() {
		defer s.wg.Done()
		for tr := range sess.Finals() {
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				continue
			}
			select {
			case s.jobs <- job{text: text, user: true}:
			case <-s.ctx.Done():
				return
			}
		}
	}()

	for _, op := range backlog {
		if err := s.writeSTTLocked(op); err != nil {
			s.log.Warn("replay stt backlog", "err", err)
			return
		}
	}
}

func (s *segmentedSession) InjectSpokenMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case s.jobs <- job{text: text}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *segmentedSession) RespondFunctionCall(_ context.Context, id, output string) error {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if !ok {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("backend: no pending function call %q", id)
	}
	ch <- output
	return nil
}

// MarkPlayed implements [MarkObserver]. The end-of-speech mark lifts the
// speaking state, starts the echo tail and reports AgentAudioDone.
func (s *segmentedSession) MarkPlayed(name string) {
	if name != EndOfBotSpeechMark {
		return
	}
	s.mu.Lock()
	s.speaking = false
	s.mutedUntil = s.now().Add(s.cfg.EchoTail)
	s.mu.Unlock()
	s.emit(Event{Kind: EventAgentAudioDone})
}

func (s *segmentedSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sttSess := s.stt
		s.mu.Unlock()

		s.cancel()
		if sttSess != nil {
			if err := sttSess.Close(); err != nil {
				s.log.Warn("close stt stream", "err", err)
			}
		}
		_ = s.vad.Close()
		s.wg.Wait()

		s.emitMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.emitMu.Unlock()
	})
	return nil
}

func (s *segmentedSession) emit(ev Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *segmentedSession) emitError(err error) {
	s.log.Warn("segmented backend error", "err", err)
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *segmentedSession) turnLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			if j.user {
				s.handleUtterance(j.text)
			} else {
				s.speak(j.text, true)
			}
		}
	}
}

func (s *segmentedSession) handleUtterance(text string) {
	s.emit(Event{Kind: EventTranscript, Role: llm.RoleUser, Text: text})
	if err := s.cfg.History.Append(s.ctx, s.callID, llm.Message{Role: llm.RoleUser, Content: text}); err != nil {
		s.emitError(err)
		return
	}

	for round := 0; round < s.cfg.MaxToolRounds; round++ {
		msgs, err := s.cfg.History.Load(s.ctx, s.callID)
		if err != nil {
			s.emitError(err)
			return
		}
		resp, err := s.complete(msgs)
		if err != nil {
			s.emitError(err)
			return
		}

		if len(resp.ToolCalls) == 0 {
			if err := s.cfg.History.Append(s.ctx, s.callID, llm.Message{Role: llm.RoleAssistant, Content: resp.Content}); err != nil {
				s.log.Warn("append history", "err", err)
			}
			s.speak(resp.Content, false)
			return
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		if err := s.cfg.History.Append(s.ctx, s.callID, assistant); err != nil {
			s.emitError(err)
			return
		}
		for _, tc := range resp.ToolCalls {
			out, ok := s.callTool(tc)
			if !ok {
				return
			}
			reply := llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Name: tc.Name, Content: out}
			if err := s.cfg.History.Append(s.ctx, s.callID, reply); err != nil {
				s.emitError(err)
				return
			}
		}
	}
	s.log.Warn("tool round limit reached", "rounds", s.cfg.MaxToolRounds)
}

func (s *segmentedSession) complete(msgs []llm.Message) (*llm.CompletionResponse, error) {
	ctx, span := observe.StartSpan(s.ctx, "llm.complete")
	defer span.End()

	start := time.Now()
	resp, err := s.cfg.LLM.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		Tools:        s.sc.Tools,
		ToolChoice:   "auto",
		Temperature:  s.cfg.Temperature,
		SystemPrompt: s.sc.Instructions,
	})
	s.record(ctx, "llm", start, err)
	if err != nil {
		return nil, fmt.Errorf("backend: chat completion: %w", err)
	}
	return resp, nil
}

// callTool emits the function call and waits for RespondFunctionCall.
func (s *segmentedSession) callTool(tc llm.ToolCall) (string, bool) {
	ch := make(chan string, 1)
	s.pendingMu.Lock()
	s.pending[tc.ID] = ch
	s.pendingMu.Unlock()

	input := json.RawMessage(tc.Arguments)
	if len(strings.TrimSpace(tc.Arguments)) == 0 {
		input = json.RawMessage("{}")
	}
	s.emit(Event{Kind: EventFunctionCall, FunctionCall: &FunctionCall{ID: tc.ID, Name: tc.Name, Input: input}})

	select {
	case out := <-ch:
		return out, true
	case <-s.ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, tc.ID)
		s.pendingMu.Unlock()
		return "", false
	}
}

// speak synthesizes text and emits it followed by the end-of-speech mark.
func (s *segmentedSession) speak(text string, injected bool) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.emit(Event{Kind: EventAgentText, Role: llm.RoleAssistant, Text: text})
	if injected {
		if err := s.cfg.History.Append(s.ctx, s.callID, llm.Message{Role: llm.RoleAssistant, Content: text}); err != nil {
			s.log.Warn("append history", "err", err)
		}
	}

	ctx, span := observe.StartSpan(s.ctx, "tts.synthesize")
	start := time.Now()
	mulaw, err := s.cfg.TTS.Synthesize(ctx, text)
	s.record(ctx, "tts", start, err)
	span.End()
	if err != nil {
		s.emitError(fmt.Errorf("backend: synthesize: %w", err))
		return
	}
	if len(mulaw) == 0 {
		return
	}

	s.mu.Lock()
	s.muteLocked()
	s.mu.Unlock()
	s.emit(Event{Kind: EventAudio, Audio: mulaw})
	s.emit(Event{Kind: EventMark, Mark: EndOfBotSpeechMark})
}

// muteLocked starts the speaking state. A caller utterance still open is
// closed here so its silence count does not carry across the agent's turn.
func (s *segmentedSession) muteLocked() {
	s.speaking = true
	s.framer.Reset()
	st := s.seg.State()
	if !st.Triggered {
		return
	}
	s.seg.Reset()
	if !st.HasSpeechSinceTrigger {
		return
	}
	s.endUtteranceLocked(false)
	if err := s.writeSTTLocked(sttOp{end: true}); err != nil {
		s.log.Warn("close utterance before speaking", "err", err)
	}
}

func (s *segmentedSession) record(ctx context.Context, kind string, start time.Time, err error) {
	if s.cfg.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.cfg.Metrics.RecordProviderRequest(ctx, string(ModeSegmented), kind, status, time.Since(start))
}
