// Package call runs one telephone call end to end: it reads the media
// stream, relays caller audio to the speech backend, dispatches backend
// events, settles orders and tears the call down exactly once.
package call

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/archive"
	"github.com/MrWong99/callrelay/internal/backend"
	"github.com/MrWong99/callrelay/internal/hangup"
	"github.com/MrWong99/callrelay/internal/mediastream"
	"github.com/MrWong99/callrelay/internal/menu"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/order"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
	"github.com/MrWong99/callrelay/pkg/store"
)

// Defaults for [Options].
const (
	DefaultFlushBytes      = 3200  // 400 ms of 8 kHz mu-law
	DefaultMaxPendingBytes = 80000 // 10 s of 8 kHz mu-law
	DefaultLanguage        = "en"
	DefaultCloseTimeout    = 2 * time.Second
	DefaultPersistTimeout  = 30 * time.Second
)

// Custom parameters read from the start event.
const (
	ParamCaller   = "caller"
	ParamLanguage = "language"
)

// Restaurant is the restaurant configuration a call starts with.
type Restaurant struct {
	Name          string
	SystemMessage string
	// Greeting overrides the default welcome line.
	Greeting       string
	FallbackCaller string
	Menu           menu.Menu
}

// GreetingText returns the line injected when a call starts.
func (r Restaurant) GreetingText() string {
	if r.Greeting != "" {
		return r.Greeting
	}
	return fmt.Sprintf("Hello! Welcome to %s. I'm your AI voice assistant. How can I help you today?", r.Name)
}

// Notifier delivers text messages to callers.
type Notifier interface {
	SendConfirmation(ctx context.Context, to, text string) error
}

// Deps are the collaborators shared by all calls. Store, Notifier, Archiver
// and Ender are optional.
type Deps struct {
	Registry *Registry
	Backend  backend.Connector
	Executor *order.Executor
	Store    store.Store
	Notifier Notifier
	Archiver archive.Archiver
	Ender    hangup.Ender
	Metrics  *observe.Metrics

	// Restaurant returns the current restaurant settings. It is called once
	// per call so reloaded settings apply to new calls only.
	Restaurant func() Restaurant
}

// Options tune call handling. Zero values take defaults.
type Options struct {
	// FlushBytes is the amount of buffered caller audio forwarded at once.
	FlushBytes int
	// MaxPendingBytes bounds the audio kept while the backend is not ready.
	MaxPendingBytes int
	// DefaultLanguage applies when the start event names none.
	DefaultLanguage string
	// ConnectAttempts is reported in BackendConnectionError.
	ConnectAttempts int
	// CloseTimeout bounds the backend close.
	CloseTimeout time.Duration
	// PersistTimeout bounds archival and persistence at call end.
	PersistTimeout time.Duration
	Hangup         hangup.Config
}

func (o Options) withDefaults() Options {
	if o.FlushBytes <= 0 {
		o.FlushBytes = DefaultFlushBytes
	}
	if o.MaxPendingBytes <= 0 {
		o.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if o.DefaultLanguage == "" {
		o.DefaultLanguage = DefaultLanguage
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = backend.DefaultConnectAttempts
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = DefaultPersistTimeout
	}
	return o
}

// Handler accepts media streams and runs one [Session] per stream.
type Handler struct {
	deps Deps
	opts Options
}

// NewHandler creates a Handler. Backend is required.
func NewHandler(deps Deps, opts Options) (*Handler, error) {
	if deps.Backend == nil {
		return nil, errors.New("call: backend connector is required")
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Executor == nil {
		deps.Executor = order.NewExecutor(nil, order.Config{TaxRate: order.DefaultTaxRate})
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Restaurant == nil {
		deps.Restaurant = func() Restaurant { return Restaurant{} }
	}
	return &Handler{deps: deps, opts: opts.withDefaults()}, nil
}

// Registry returns the registry of live calls.
func (h *Handler) Registry() *Registry { return h.deps.Registry }

// ServeHTTP upgrades the request to a media stream and serves it until the
// call ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := mediastream.Accept(w, r)
	if err != nil {
		slog.Warn("media stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	if err := h.Serve(r.Context(), conn); err != nil {
		slog.Error("call ended with error", "err", err)
	}
}

// Serve runs one call over stream. It returns when the stream ends, the
// context is cancelled or the call fails fatally. Cleanup always runs once.
func (h *Handler) Serve(ctx context.Context, stream mediastream.Stream) error {
	ctx, span := observe.StartSpan(ctx, "call.session")
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	s := &Session{
		h:      h,
		stream: stream,
		span:   span,
		log:    observe.Logger(ctx),
		g:      g,
		ctx:    gctx,
		cancel: cancel,
		info:   Info{Status: StatusAwaitingStart},
	}
	defer s.finalize()

	g.Go(s.readLoop)
	return g.Wait()
}

// Session is the state of one call. The read loop owns the audio buffers;
// the backend event loop owns function-call execution.
type Session struct {
	h      *Handler
	stream mediastream.Stream
	span   trace.Span
	log    *slog.Logger
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	restaurant Restaurant
	registered bool
	adapter    backend.Adapter
	sched      *hangup.Scheduler
	buf        []byte
	recording  []byte

	stopOnce    sync.Once
	stopHandled bool

	mu   sync.Mutex
	info Info
}

// CallID returns the call id, or "" before the start event.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.CallID
}

func (s *Session) streamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.StreamID
}

// Info returns a snapshot of the call.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status == StatusEnded {
		return
	}
	s.info.Status = st
}

var messageHandlers = map[mediastream.EventType]func(*Session, mediastream.Message) error{
	mediastream.EventConnected: (*Session).onConnected,
	mediastream.EventStart:     (*Session).onStart,
	mediastream.EventMedia:     (*Session).onMedia,
	mediastream.EventStop:      (*Session).onStop,
	mediastream.EventMark:      (*Session).onMark,
	mediastream.EventDTMF:      (*Session).onDTMF,
}

func (s *Session) readLoop() error {
	defer s.cancel()
	for {
		msg, err := s.stream.Read(s.ctx)
		if err != nil {
			switch {
			case s.ctx.Err() != nil, errors.Is(err, mediastream.ErrClosed):
				s.log.Debug("media stream ended", "err", err)
				return nil
			case errors.Is(err, mediastream.ErrMalformedMessage), errors.Is(err, mediastream.ErrUnknownEvent):
				s.log.Warn("skipping media-stream message", "err", &MalformedMessageError{Event: "inbound", Err: err})
				continue
			default:
				return fmt.Errorf("call: read media stream: %w", err)
			}
		}

		handle, ok := messageHandlers[msg.Type]
		if !ok {
			continue
		}
		if err := handle(s, msg); err != nil {
			var fatal *FatalCallError
			if errors.As(err, &fatal) {
				s.log.Error("call aborted", "err", err)
				return err
			}
			s.log.Warn("media-stream handler failed", "event", msg.Type.String(), "err", err)
		}
		if s.status() == StatusEnded {
			return nil
		}
	}
}

func (s *Session) onConnected(mediastream.Message) error {
	s.log.Debug("media stream connected")
	return nil
}

func (s *Session) onStart(msg mediastream.Message) error {
	if id := s.CallID(); id != "" {
		// A repeated start only rotates the stream id.
		if msg.StreamID != "" {
			s.mu.Lock()
			s.info.StreamID = msg.StreamID
			s.mu.Unlock()
			s.log.Info("media stream id rotated", "stream_id", msg.StreamID)
		}
		return nil
	}

	st := msg.Start
	if st == nil || strings.TrimSpace(st.CallID) == "" {
		return &FatalCallError{Reason: "start event without call id"}
	}

	rest := s.h.deps.Restaurant()
	caller := st.Params[ParamCaller]
	if caller == "" {
		caller = rest.FallbackCaller
	}
	lang := st.Params[ParamLanguage]
	if lang == "" {
		lang = s.h.opts.DefaultLanguage
	}
	mode := backend.ModePassthrough
	if sel, ok := s.h.deps.Backend.(interface{ Select(string) backend.Mode }); ok {
		mode = sel.Select(lang)
	}

	s.mu.Lock()
	s.info = Info{
		CallID:    st.CallID,
		StreamID:  msg.StreamID,
		Caller:    caller,
		Language:  lang,
		Mode:      mode,
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}
	s.mu.Unlock()
	s.restaurant = rest
	s.log = s.log.With("call_id", st.CallID, "stream_id", msg.StreamID)
	s.span.SetAttributes(attribute.String("call.id", st.CallID), attribute.String("call.mode", string(mode)))
	s.log.Info("call started", "caller", caller, "language", lang, "mode", mode)

	if err := s.h.deps.Registry.Register(s); err != nil {
		return &FatalCallError{CallID: st.CallID, Reason: "register call", Err: err}
	}
	s.registered = true
	s.h.deps.Metrics.CallStarted(s.ctx)

	adapter, err := s.h.deps.Backend.Connect(s.ctx, st.CallID, backend.SessionConfig{
		Instructions: rest.Menu.Instructions(rest.SystemMessage),
		Tools:        []llm.ToolDefinition{order.ToolDefinition()},
		Language:     lang,
		Keywords:     menuKeywords(rest.Menu),
	})
	if err != nil {
		berr := &BackendConnectionError{Attempts: s.h.opts.ConnectAttempts, Err: err}
		s.terminate(berr)
		return &FatalCallError{CallID: st.CallID, Reason: "speech backend unavailable", Err: berr}
	}
	s.adapter = adapter

	if s.h.deps.Store != nil {
		err := s.h.deps.Store.SaveCallStart(s.ctx, store.Call{
			CallID:    st.CallID,
			StreamID:  msg.StreamID,
			Caller:    caller,
			StartedAt: s.info.StartedAt,
		})
		if err != nil {
			s.log.Error("save call start", "err", err)
		}
	}

	hcfg := s.h.opts.Hangup
	hcfg.OnFire = func(t hangup.Trigger) {
		s.log.Info("hanging up", "trigger", t)
		s.h.deps.Metrics.RecordHangup(s.ctx, string(t))
	}
	s.sched = hangup.New(st.CallID, s.sendStop, s.h.deps.Ender, hcfg)
	s.g.Go(s.eventLoop)
	s.g.Go(func() error { return s.sched.Run(s.ctx) })

	if err := adapter.InjectSpokenMessage(s.ctx, rest.GreetingText()); err != nil {
		s.log.Warn("inject greeting", "err", err)
	}
	if !rest.Menu.Empty() {
		text := rest.Menu.SMSText(rest.Name)
		s.g.Go(func() error {
			s.notify(caller, text)
			return nil
		})
	}

	if len(s.buf) >= s.h.opts.FlushBytes {
		return s.forward()
	}
	return nil
}

func menuKeywords(m menu.Menu) []string {
	out := make([]string, 0, len(m.Items))
	for _, it := range m.Items {
		out = append(out, it.Name)
	}
	return out
}

func (s *Session) onMedia(msg mediastream.Message) error {
	if msg.Media == nil || msg.Media.Track != mediastream.InboundTrack {
		return nil
	}
	p := msg.Media.Payload
	if s.status() == StatusEnded {
		return nil
	}
	s.recording = append(s.recording, p...)

	if s.adapter == nil {
		room := max(s.h.opts.MaxPendingBytes-len(s.buf), 0)
		if len(p) > room {
			dropped := len(p) - room
			p = p[:room]
			s.mu.Lock()
			s.info.BytesDropped += int64(dropped)
			s.mu.Unlock()
			s.h.deps.Metrics.AudioDropped.Add(s.ctx, int64(dropped))
			s.log.Warn("backend not ready, dropping caller audio", "bytes", dropped)
		}
		s.buf = append(s.buf, p...)
		return nil
	}

	s.buf = append(s.buf, p...)
	if len(s.buf) >= s.h.opts.FlushBytes {
		return s.forward()
	}
	return nil
}

// forward sends the whole buffer to the backend.
func (s *Session) forward() error {
	return s.forwardCtx(s.ctx)
}

func (s *Session) forwardCtx(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	chunk := bytes.Clone(s.buf)
	s.buf = s.buf[:0]
	if err := s.adapter.SendAudio(ctx, chunk); err != nil {
		return fmt.Errorf("call: forward audio: %w", err)
	}
	s.mu.Lock()
	s.info.BytesForwarded += int64(len(chunk))
	s.mu.Unlock()
	s.h.deps.Metrics.AudioForwarded.Add(ctx, int64(len(chunk)))
	return nil
}

func (s *Session) onStop(mediastream.Message) error {
	s.log.Info("media stream stopped")
	s.stop()
	return nil
}

func (s *Session) onMark(msg mediastream.Message) error {
	s.log.Debug("mark played", "mark", msg.Mark)
	if s.sched != nil {
		s.sched.Mark(msg.Mark)
	}
	if obs, ok := s.adapter.(backend.MarkObserver); ok {
		obs.MarkPlayed(msg.Mark)
	}
	return nil
}

func (s *Session) onDTMF(msg mediastream.Message) error {
	s.log.Info("dtmf received", "digit", msg.Digit)
	return nil
}

// stop flushes, archives and persists the end of the call. It runs at most
// once whether triggered by a stop event or by the finalizer.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		if s.adapter == nil {
			return
		}
		s.setStatus(StatusEnding)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.h.opts.PersistTimeout)
		defer cancel()

		flushCtx, flushCancel := context.WithTimeout(ctx, s.h.opts.CloseTimeout)
		if err := s.forwardCtx(flushCtx); err != nil && !errors.Is(err, backend.ErrClosed) {
			s.log.Warn("flush caller audio", "err", err)
		}
		flushCancel()

		var audioURL string
		if s.h.deps.Archiver != nil {
			url, err := s.h.deps.Archiver.Upload(ctx, s.CallID(), s.recording)
			if err != nil {
				s.log.Error("archive call audio", "err", err)
			}
			audioURL = url
		}
		if s.h.deps.Store != nil {
			if err := s.h.deps.Store.SaveCallEnd(ctx, s.CallID(), audioURL, time.Now().UTC()); err != nil {
				s.log.Error("save call end", "err", err)
			}
		}

		s.stopHandled = true
		s.setStatus(StatusEnded)
		s.log.Info("call stopped", "audio_url", audioURL, "recorded_bytes", len(s.recording))
	})
}

// finalize runs after every task of the call has returned.
func (s *Session) finalize() {
	if !s.stopHandled {
		s.stop()
	}
	if s.adapter != nil {
		s.closeAdapter()
	}
	if !s.registered {
		return
	}

	info := s.Info()
	s.h.deps.Registry.Remove(info.CallID, s)
	s.h.deps.Executor.Forget(info.CallID)
	s.h.deps.Metrics.CallEnded(context.WithoutCancel(s.ctx), time.Since(info.StartedAt))
	s.log.Info("call finished",
		"duration", time.Since(info.StartedAt).Round(time.Millisecond),
		"bytes_forwarded", info.BytesForwarded,
		"bytes_dropped", info.BytesDropped,
	)
}

func (s *Session) closeAdapter() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.adapter.Close(); err != nil {
			s.log.Warn("close backend", "err", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(s.h.opts.CloseTimeout):
		s.log.Warn("backend close timed out", "timeout", s.h.opts.CloseTimeout)
	}
}

// sendStop is the hangup scheduler's stream stop.
func (s *Session) sendStop(ctx context.Context) error {
	s.setStatus(StatusEnding)
	return s.stream.SendStop(ctx, s.streamID())
}

// terminate ends the call politely after an unrecoverable backend failure so
// the caller is not left in silence.
func (s *Session) terminate(cause error) {
	s.log.Error("terminating call", "err", cause)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.h.opts.CloseTimeout)
	defer cancel()

	if err := s.stream.SendStop(ctx, s.streamID()); err != nil {
		s.log.Warn("send stop", "err", err)
	}
	if s.h.deps.Ender != nil {
		if err := s.h.deps.Ender.EndCall(ctx, s.CallID()); err != nil {
			s.log.Warn("end call", "err", err)
		}
	}
}

func (s *Session) notify(to, text string) {
	if s.h.deps.Notifier == nil || to == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.h.opts.PersistTimeout)
	defer cancel()
	if err := s.h.deps.Notifier.SendConfirmation(ctx, to, text); err != nil {
		s.log.Warn("sms not delivered", "err", &NotificationError{To: to, Err: err})
	}
}

func (s *Session) saveUtterance(role store.Role, text string) {
	if s.h.deps.Store == nil || text == "" {
		return
	}
	err := s.h.deps.Store.SaveUtterance(s.ctx, store.Utterance{
		CallID: s.CallID(),
		Role:   role,
		Text:   text,
		At:     time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("save utterance", "role", role, "err", err)
	}
}

var eventHandlers = map[backend.EventKind]func(*Session, backend.Event){
	backend.EventAudio:           (*Session).onAgentAudio,
	backend.EventSettingsApplied: (*Session).onSettingsApplied,
	backend.EventTranscript:      (*Session).onConversationText,
	backend.EventAgentText:       (*Session).onConversationText,
	backend.EventFunctionCall:    (*Session).onFunctionCall,
	backend.EventAgentAudioDone:  (*Session).onAgentAudioDone,
	backend.EventMark:            (*Session).onBackendMark,
	backend.EventError:           (*Session).onBackendError,
}

// eventLoop dispatches backend events in order. Function calls run here, so
// at most one executes at a time.
func (s *Session) eventLoop() error {
	events := s.adapter.Events()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return s.backendEnded()
			}
			if handle, ok := eventHandlers[ev.Kind]; ok {
				handle(s, ev)
			}
		}
	}
}

func (s *Session) backendEnded() error {
	if s.ctx.Err() != nil || s.status() != StatusActive {
		return nil
	}
	cause := errors.New("speech backend closed the session")
	s.terminate(cause)
	return &FatalCallError{CallID: s.CallID(), Reason: "speech backend lost", Err: cause}
}

func (s *Session) onAgentAudio(ev backend.Event) {
	if len(ev.Audio) == 0 {
		return
	}
	if err := s.stream.SendMedia(s.ctx, s.streamID(), ev.Audio); err != nil {
		s.log.Warn("send agent audio", "err", err)
	}
}

func (s *Session) onSettingsApplied(backend.Event) {
	s.log.Debug("backend settings applied")
}

func (s *Session) onConversationText(ev backend.Event) {
	role := store.Role(ev.Role)
	if role == "" {
		role = store.RoleUser
		if ev.Kind == backend.EventAgentText {
			role = store.RoleAssistant
		}
	}
	s.log.Info("conversation", "role", role, "text", ev.Text)
	s.saveUtterance(role, ev.Text)
}

func (s *Session) onAgentAudioDone(backend.Event) {
	if s.sched == nil || !s.sched.Armed() {
		return
	}
	if err := s.stream.SendMark(s.ctx, s.streamID(), hangup.FinalMark); err != nil {
		s.log.Warn("send final mark", "err", err)
	}
	s.sched.AgentAudioDone()
}

func (s *Session) onBackendMark(ev backend.Event) {
	if err := s.stream.SendMark(s.ctx, s.streamID(), ev.Mark); err != nil {
		s.log.Warn("send mark", "mark", ev.Mark, "err", err)
	}
}

func (s *Session) onBackendError(ev backend.Event) {
	s.log.Warn("speech backend error", "err", ev.Err)
}

func (s *Session) onFunctionCall(ev backend.Event) {
	fc := ev.FunctionCall
	if fc == nil {
		return
	}
	s.log.Info("function call", "function", fc.Name, "id", fc.ID)
	s.saveUtterance(store.RoleSystemFunction, fmt.Sprintf("Function: %s, Input: %s", fc.Name, fc.Input))

	start := time.Now()
	output, status := s.runTool(fc)
	s.h.deps.Metrics.RecordToolCall(s.ctx, fc.Name, status, time.Since(start))

	if err := s.adapter.RespondFunctionCall(s.ctx, fc.ID, output); err != nil {
		s.log.Warn("respond to function call", "function", fc.Name, "err", err)
	}
}

// toolReply is the function output returned to the agent.
type toolReply struct {
	OrderID       string  `json:"order_id,omitempty"`
	PaymentStatus string  `json:"payment_status"`
	Message       string  `json:"message"`
	Done          bool    `json:"done"`
	Total         float64 `json:"total,omitempty"`
	Tax           float64 `json:"tax,omitempty"`
	TotalWithTax  float64 `json:"total_with_tax,omitempty"`
}

func replyFor(res order.Result) string {
	b, err := json.Marshal(toolReply{
		OrderID:       res.OrderID,
		PaymentStatus: string(res.PaymentStatus),
		Message:       res.ConfirmationText,
		Done:          res.Done,
		Total:         res.Total,
		Tax:           res.Tax,
		TotalWithTax:  res.TotalWithTax,
	})
	if err != nil {
		return res.ConfirmationText
	}
	return string(b)
}

// runTool executes one function call and returns its output and a metric
// status.
func (s *Session) runTool(fc *backend.FunctionCall) (string, string) {
	if fc.Name != order.ToolName {
		s.log.Warn("unknown function requested", "function", fc.Name)
		return fmt.Sprintf("The function %s is not implemented.", fc.Name), "unknown"
	}

	req, digest, err := order.ParseRequest(fc.Input)
	if err != nil {
		s.log.Warn("order request rejected", "err", &ToolExecutionError{Name: fc.Name, Err: err})
		return replyFor(order.Result{PaymentStatus: order.PaymentError, ConfirmationText: order.ErrorText}), "error"
	}

	res := s.h.deps.Executor.Execute(s.ctx, s.CallID(), req, digest)
	if res.Err != nil {
		s.log.Warn("order not settled", "err", &ToolExecutionError{Name: fc.Name, Err: res.Err})
	}
	if res.OrderID != "" && !res.Duplicate {
		s.recordOrder(req, res)
	}
	if res.Done {
		if s.sched.Arm() {
			s.log.Info("order complete, hangup armed", "order_id", res.OrderID)
		}
	}

	status := "ok"
	if res.PaymentStatus == order.PaymentError {
		status = "error"
	}
	return replyFor(res), status
}

func (s *Session) recordOrder(req order.Request, res order.Result) {
	s.mu.Lock()
	s.info.OrderID = res.OrderID
	s.mu.Unlock()
	s.h.deps.Metrics.RecordOrder(s.ctx, string(res.PaymentStatus))

	if s.h.deps.Store != nil {
		items := make([]store.OrderItem, len(req.Items))
		for i, it := range req.Items {
			items[i] = store.OrderItem{Name: it.Name, Quantity: it.Quantity, Variation: it.Variation}
		}
		err := s.h.deps.Store.SaveOrder(s.ctx, store.Order{
			CallID:        s.CallID(),
			OrderID:       res.OrderID,
			Items:         items,
			Total:         res.Total,
			Tax:           res.Tax,
			TotalWithTax:  res.TotalWithTax,
			PaymentStatus: string(res.PaymentStatus),
			PaymentID:     res.PaymentID,
			Done:          res.Done,
			Digest:        res.Digest,
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			s.log.Error("save order", "order_id", res.OrderID, "err", err)
		}
	}
	s.saveUtterance(store.RoleSystem, res.ConfirmationText)

	if res.Done {
		caller := s.Info().Caller
		text := order.SummaryText(s.restaurant.Name, req, res)
		s.g.Go(func() error {
			s.notify(caller, text)
			return nil
		})
	}
}
