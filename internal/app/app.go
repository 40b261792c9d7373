// Package app wires the relay's subsystems into a running server.
//
// New creates and connects all subsystems, Run serves HTTP until the context
// ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithTelephony, ...). When an option is not provided, New creates the real
// implementation from the config, or leaves the feature disabled when the
// config does not enable it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callrelay/internal/archive"
	"github.com/MrWong99/callrelay/internal/backend"
	"github.com/MrWong99/callrelay/internal/call"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/hangup"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/history"
	"github.com/MrWong99/callrelay/internal/menu"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/order"
	"github.com/MrWong99/callrelay/internal/order/square"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/segment"
	"github.com/MrWong99/callrelay/internal/twilio"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
	"github.com/MrWong99/callrelay/pkg/provider/stt"
	"github.com/MrWong99/callrelay/pkg/provider/tts"
	"github.com/MrWong99/callrelay/pkg/provider/vad"
	"github.com/MrWong99/callrelay/pkg/provider/vad/energy"
	"github.com/MrWong99/callrelay/pkg/store"
	"github.com/MrWong99/callrelay/pkg/store/postgres"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	S2S s2s.Provider
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    store.Store
	history  history.Store
	archiver archive.Archiver
	orders   order.Backend
	menus    menu.Source
	notifier call.Notifier
	ender    hangup.Ender
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	// catalog is the menu loaded from the menu source at startup; nil when
	// the static config menu is used.
	catalog    *menu.Menu
	restaurant atomic.Pointer[call.Restaurant]

	calls    *call.Handler
	checkers []health.Checker
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the call store instead of connecting to PostgreSQL.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithHistory injects the chat history of the segmented backend.
func WithHistory(h history.Store) Option {
	return func(a *App) { a.history = h }
}

// WithArchiver injects the recording archiver instead of creating an S3 one.
func WithArchiver(ar archive.Archiver) Option {
	return func(a *App) { a.archiver = ar }
}

// WithOrderBackend injects the order backend instead of the Square client.
func WithOrderBackend(b order.Backend) Option {
	return func(a *App) { a.orders = b }
}

// WithMenuSource injects the catalog the menu is loaded from when the
// restaurant's menu source is not static.
func WithMenuSource(src menu.Source) Option {
	return func(a *App) { a.menus = src }
}

// Telephony sends SMS and ends call legs.
type Telephony interface {
	call.Notifier
	hangup.Ender
}

// WithTelephony injects the SMS and hangup client instead of Twilio.
func WithTelephony(t Telephony) Option {
	return func(a *App) {
		a.notifier = t
		a.ender = t
	}
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"history", a.initHistory},
		{"archive", a.initArchive},
		{"square", a.initSquare},
		{"twilio", a.initTwilio},
		{"menu", a.initMenu},
		{"calls", a.initCalls},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			_ = a.runClosers(context.Background())
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	a.handler = observe.Middleware(a.metrics)(a.routes())
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil && a.cfg.Storage.PostgresDSN != "" {
		pg, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
	}
	if p, ok := a.store.(health.Pinger); ok {
		a.checkers = append(a.checkers, health.Ping("postgres", p))
	}
	return nil
}

func (a *App) initHistory(ctx context.Context) error {
	if a.history == nil && a.cfg.History.RedisURL != "" {
		rd, err := history.NewRedis(ctx, a.cfg.History.RedisURL, a.cfg.History.TTL)
		if err != nil {
			return err
		}
		a.history = rd
		a.closers = append(a.closers, rd.Close)
	}
	if p, ok := a.history.(health.Pinger); ok {
		a.checkers = append(a.checkers, health.Ping("redis", p))
	}
	if a.history == nil {
		a.history = history.NewMemory()
	}
	return nil
}

func (a *App) initArchive(context.Context) error {
	if a.archiver != nil || a.cfg.Archive.Bucket == "" {
		return nil
	}
	s3, err := archive.NewS3(archive.S3Config{
		Bucket:          a.cfg.Archive.Bucket,
		Region:          a.cfg.Archive.Region,
		Prefix:          a.cfg.Archive.Prefix,
		Endpoint:        a.cfg.Archive.Endpoint,
		AccessKeyID:     a.cfg.Archive.AccessKeyID,
		SecretAccessKey: a.cfg.Archive.SecretAccessKey,
	})
	if err != nil {
		return err
	}
	a.archiver = s3
	return nil
}

func (a *App) initSquare(context.Context) error {
	sq := a.cfg.Square
	if sq.AccessToken == "" || (a.orders != nil && a.menus != nil) {
		return nil
	}
	baseURL := sq.BaseURL
	if baseURL == "" {
		baseURL = square.SandboxURL
		if sq.Environment == config.SquareProduction {
			baseURL = square.ProductionURL
		}
	}
	client, err := square.New(square.Config{
		AccessToken: sq.AccessToken,
		BaseURL:     baseURL,
		LocationID:  sq.LocationID,
		Currency:    a.cfg.Order.Currency,
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "square",
			MaxFailures:  sq.MaxFailures,
			ResetTimeout: sq.ResetTimeout,
		}),
	})
	if err != nil {
		return err
	}
	if a.orders == nil {
		a.orders = client
	}
	if a.menus == nil {
		a.menus = client
	}
	return nil
}

func (a *App) initTwilio(context.Context) error {
	tw := a.cfg.Twilio
	if a.ender != nil || tw.AccountSID == "" {
		return nil
	}
	client, err := twilio.New(twilio.Config{
		AccountSID: tw.AccountSID,
		AuthToken:  tw.AuthToken,
		From:       tw.FromNumber,
		BaseURL:    tw.BaseURL,
	})
	if err != nil {
		return err
	}
	a.ender = client
	if tw.FromNumber != "" {
		a.notifier = client
	}
	return nil
}

// initMenu loads the catalog when the restaurant's menu comes from Square.
// A catalog that cannot be loaded falls back to the static config menu.
func (a *App) initMenu(ctx context.Context) error {
	if a.cfg.Restaurant.MenuSource == config.MenuSquare && a.menus != nil {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		m, err := a.menus.Menu(ctx)
		switch {
		case err != nil:
			slog.Warn("failed to load menu catalog, using the static menu", "err", err)
		case m.Empty():
			slog.Warn("menu catalog is empty, using the static menu")
		default:
			a.catalog = &m
			slog.Info("loaded menu catalog", "items", len(m.Items))
		}
	}
	a.SetRestaurant(a.cfg.Restaurant)
	return nil
}

func (a *App) initCalls(context.Context) error {
	connector, err := a.buildBackend()
	if err != nil {
		return err
	}

	deps := call.Deps{
		Backend: connector,
		Executor: order.NewExecutor(a.orders, order.Config{
			TaxRate:       a.cfg.Order.Rate(),
			PaymentMethod: a.cfg.Order.PaymentMethod,
		}),
		Store:      a.store,
		Notifier:   a.notifier,
		Archiver:   a.archiver,
		Ender:      a.ender,
		Metrics:    a.metrics,
		Restaurant: a.Restaurant,
	}
	a.calls, err = call.NewHandler(deps, call.Options{
		FlushBytes:      a.cfg.Audio.FlushBytes(),
		MaxPendingBytes: a.cfg.Audio.MaxPendingBytes(),
		ConnectAttempts: a.cfg.Backend.ConnectAttempts,
		Hangup: hangup.Config{
			Grace:         a.cfg.Hangup.Grace,
			SafetyTimeout: a.cfg.Hangup.SafetyTimeout,
			StopDelay:     a.cfg.Hangup.StopDelay,
		},
	})
	return err
}

// buildBackend assembles the router over the variants whose providers are
// configured.
func (a *App) buildBackend() (*backend.Router, error) {
	r := &backend.Router{
		Mode:               backend.Mode(a.cfg.Backend.Mode),
		SegmentedLanguages: a.cfg.Backend.SegmentedLanguages,
	}

	if p := a.providers.S2S; p != nil {
		r.Passthrough = backend.NewPassthrough(p,
			backend.WithRetry(resilience.RetryConfig{
				Name:           "voice agent connect",
				Attempts:       a.cfg.Backend.ConnectAttempts,
				Backoff:        a.cfg.Backend.ConnectBackoff,
				Factor:         2,
				AttemptTimeout: a.cfg.Backend.ConnectTimeout,
			}),
			backend.WithOnAttempt(func(int) {
				a.metrics.RecordConnectAttempt(context.Background(), string(backend.ModePassthrough))
			}),
		)
	}

	ps := a.providers
	if ps.STT != nil && ps.LLM != nil && ps.TTS != nil {
		engine := ps.VAD
		if engine == nil {
			engine = energy.New()
		}
		seg, err := backend.NewSegmented(backend.SegmentedConfig{
			STT:     ps.STT,
			LLM:     ps.LLM,
			TTS:     ps.TTS,
			VAD:     engine,
			History: a.history,
			Segment: segment.Config{
				FrameDuration:  time.Duration(a.cfg.VAD.FrameMs) * time.Millisecond,
				SilenceTimeout: time.Duration(a.cfg.VAD.SilenceMs) * time.Millisecond,
				MinSpeech:      time.Duration(a.cfg.VAD.MinSpeechMs) * time.Millisecond,
			},
			VADAggressiveness: a.cfg.VAD.AggressivenessLevel(),
			STTConnectTimeout: a.cfg.Backend.ConnectTimeout,
			Metrics:           a.metrics,
		})
		if err != nil {
			return nil, err
		}
		r.Segmented = seg
	}

	if r.Passthrough == nil && r.Segmented == nil {
		return nil, errors.New("no speech backend configured: need providers.s2s or providers.stt, llm and tts")
	}
	if r.Mode == backend.ModeSegmented && r.Segmented == nil {
		return nil, errors.New("backend.mode segmented needs providers.stt, llm and tts")
	}
	slog.Info("speech backend ready",
		"mode", r.Mode,
		"passthrough", r.Passthrough != nil,
		"segmented", r.Segmented != nil,
		"segmented_languages", r.SegmentedLanguages,
	)
	return r, nil
}

// Restaurant returns the restaurant new calls start with.
func (a *App) Restaurant() call.Restaurant {
	if r := a.restaurant.Load(); r != nil {
		return *r
	}
	return call.Restaurant{}
}

// SetRestaurant replaces the restaurant for calls started from now on. A
// loaded catalog menu takes precedence over rc.Menu.
func (a *App) SetRestaurant(rc config.RestaurantConfig) {
	m := rc.Menu
	if rc.MenuSource == config.MenuSquare && a.catalog != nil {
		m = *a.catalog
	}
	a.restaurant.Store(&call.Restaurant{
		Name:           rc.Name,
		SystemMessage:  rc.SystemMessage,
		Greeting:       strings.ReplaceAll(rc.Greeting, "{restaurant}", rc.Name),
		FallbackCaller: rc.FallbackCallerID,
		Menu:           m,
	})
}

// OnConfigChange applies the hot-reloadable part of a config change. It is
// meant as the [config.Watcher] callback.
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.RestaurantChanged {
		a.SetRestaurant(new.Restaurant)
		slog.Info("restaurant reloaded",
			"name", new.Restaurant.Name,
			"items_added", d.Restaurant.ItemsAdded,
			"items_removed", d.Restaurant.ItemsRemoved,
			"items_changed", d.Restaurant.ItemsChanged,
		)
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that only apply after a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to a slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Calls returns the media-stream handler.
func (a *App) Calls() *call.Handler { return a.calls }

// Handler returns the instrumented HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP on the configured address until ctx is cancelled or the
// listener fails.
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP server and tears down all subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.calls.Registry().Len(), "closers", len(a.closers))
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		shutdownErr = a.runClosers(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
