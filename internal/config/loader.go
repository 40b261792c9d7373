package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callrelay/internal/order"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":5050"
	DefaultSendIntervalMs    = 400
	DefaultBufferSizeMs      = 20
	DefaultMaxPendingMs      = 10000
	DefaultConnectAttempts   = 3
	DefaultConnectBackoff    = time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultVADAggressiveness = 1
	DefaultVADFrameMs        = 30
	DefaultVADSilenceMs      = 700
	DefaultVADMinSpeechMs    = 250
	DefaultFallbackCallerID  = "+18005551234"
	DefaultTaxRate           = order.DefaultTaxRate
	DefaultCurrency          = "USD"
	DefaultHistoryTTL        = time.Hour
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"deepgram"},
	"stt": {"deepgram", "whisper"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"tts": {"openai"},
	"vad": {"energy"},
}

// envOverrides maps environment variables to the secret they replace.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, v string)
}{
	{"DEEPGRAM_API_KEY", func(cfg *Config, v string) {
		setKeyFor(cfg, "deepgram", v)
	}},
	{"OPENAI_API_KEY", func(cfg *Config, v string) {
		setKeyFor(cfg, "openai", v)
	}},
	{"TWILIO_ACCOUNT_SID", func(cfg *Config, v string) { cfg.Twilio.AccountSID = v }},
	{"TWILIO_AUTH_TOKEN", func(cfg *Config, v string) { cfg.Twilio.AuthToken = v }},
	{"SQUARE_ACCESS_TOKEN", func(cfg *Config, v string) { cfg.Square.AccessToken = v }},
	{"DATABASE_URL", func(cfg *Config, v string) { cfg.Storage.PostgresDSN = v }},
	{"REDIS_URL", func(cfg *Config, v string) { cfg.History.RedisURL = v }},
}

// setKeyFor sets the API key of every provider entry named name that does
// not carry a key of its own.
func setKeyFor(cfg *Config, name, key string) {
	entries := []*ProviderEntry{&cfg.Providers.S2S, &cfg.Providers.STT, &cfg.Providers.LLM, &cfg.Providers.TTS}
	for i := range cfg.Providers.LLMFallbacks {
		entries = append(entries, &cfg.Providers.LLMFallbacks[i])
	}
	for _, e := range entries {
		if e.Name == name && e.APIKey == "" {
			e.APIKey = key
		}
	}
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if getenv != nil {
		ApplyEnv(cfg, getenv)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets in cfg with the non-empty environment variables
// returned by getenv. Provider API keys are only filled in for entries that
// have none.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	for _, o := range envOverrides {
		if v := getenv(o.name); v != "" {
			o.apply(cfg, v)
		}
	}
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Audio.SendIntervalMs == 0 {
		cfg.Audio.SendIntervalMs = DefaultSendIntervalMs
	}
	if cfg.Audio.BufferSizeMs == 0 {
		cfg.Audio.BufferSizeMs = DefaultBufferSizeMs
	}
	if cfg.Audio.MaxPendingMs == 0 {
		cfg.Audio.MaxPendingMs = DefaultMaxPendingMs
	}

	if cfg.Backend.Mode == "" {
		cfg.Backend.Mode = ModePassthrough
	}
	if cfg.Backend.ConnectAttempts == 0 {
		cfg.Backend.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.Backend.ConnectBackoff == 0 {
		cfg.Backend.ConnectBackoff = DefaultConnectBackoff
	}
	if cfg.Backend.ConnectTimeout == 0 {
		cfg.Backend.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.VAD.FrameMs == 0 {
		cfg.VAD.FrameMs = DefaultVADFrameMs
	}
	if cfg.VAD.SilenceMs == 0 {
		cfg.VAD.SilenceMs = DefaultVADSilenceMs
	}
	if cfg.VAD.MinSpeechMs == 0 {
		cfg.VAD.MinSpeechMs = DefaultVADMinSpeechMs
	}

	if cfg.Restaurant.FallbackCallerID == "" {
		cfg.Restaurant.FallbackCallerID = DefaultFallbackCallerID
	}
	if cfg.Restaurant.MenuSource == "" {
		cfg.Restaurant.MenuSource = MenuStatic
	}

	if cfg.Order.PaymentMethod == "" {
		cfg.Order.PaymentMethod = order.DefaultPaymentMethod
	}
	if cfg.Order.Currency == "" {
		cfg.Order.Currency = DefaultCurrency
	}

	if cfg.Square.Environment == "" {
		cfg.Square.Environment = SquareSandbox
	}

	if cfg.History.TTL == 0 {
		cfg.History.TTL = DefaultHistoryTTL
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	for _, f := range []struct {
		name string
		v    int
	}{
		{"audio.send_interval_ms", cfg.Audio.SendIntervalMs},
		{"audio.buffer_size_ms", cfg.Audio.BufferSizeMs},
		{"audio.max_pending_ms", cfg.Audio.MaxPendingMs},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", f.name, f.v))
		}
	}
	if cfg.Audio.MaxPendingMs > 0 && cfg.Audio.MaxPendingMs < cfg.Audio.SendIntervalMs {
		errs = append(errs, fmt.Errorf("audio.max_pending_ms (%d) must be at least audio.send_interval_ms (%d)", cfg.Audio.MaxPendingMs, cfg.Audio.SendIntervalMs))
	}

	// Backend ↔ provider cross-validation
	if cfg.Backend.Mode != "" && !cfg.Backend.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("backend.mode %q is invalid; valid values: passthrough, segmented", cfg.Backend.Mode))
	}
	if cfg.Backend.ConnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("backend.connect_attempts must not be negative, got %d", cfg.Backend.ConnectAttempts))
	}
	if cfg.Backend.Mode == ModePassthrough && cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("backend.mode passthrough requires providers.s2s"))
	}
	if cfg.Backend.Mode == ModeSegmented || len(cfg.Backend.SegmentedLanguages) > 0 {
		for _, p := range []struct {
			kind string
			name string
		}{
			{"stt", cfg.Providers.STT.Name},
			{"llm", cfg.Providers.LLM.Name},
			{"tts", cfg.Providers.TTS.Name},
		} {
			if p.name == "" {
				errs = append(errs, fmt.Errorf("segmented backend requires providers.%s but it is not configured", p.kind))
			}
		}
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	// VAD
	if a := cfg.VAD.AggressivenessLevel(); a < 0 || a > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", a))
	}
	if cfg.VAD.FrameMs != 0 && cfg.VAD.FrameMs != 10 && cfg.VAD.FrameMs != 20 && cfg.VAD.FrameMs != 30 {
		errs = append(errs, fmt.Errorf("vad.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.VAD.FrameMs))
	}
	if cfg.VAD.SilenceMs < 0 || cfg.VAD.MinSpeechMs < 0 {
		errs = append(errs, errors.New("vad.silence_ms and vad.min_speech_ms must not be negative"))
	}

	// Hangup
	if cfg.Hangup.Grace < 0 || cfg.Hangup.SafetyTimeout < 0 || cfg.Hangup.StopDelay < 0 {
		errs = append(errs, errors.New("hangup durations must not be negative"))
	}

	// Restaurant
	if cfg.Restaurant.Name == "" {
		errs = append(errs, errors.New("restaurant.name is required"))
	}
	if cfg.Restaurant.MenuSource != "" && !cfg.Restaurant.MenuSource.IsValid() {
		errs = append(errs, fmt.Errorf("restaurant.menu_source %q is invalid; valid values: static, square", cfg.Restaurant.MenuSource))
	}
	if cfg.Restaurant.MenuSource == MenuSquare && cfg.Square.AccessToken == "" {
		errs = append(errs, errors.New("restaurant.menu_source square requires square.access_token"))
	}
	itemNamesSeen := make(map[string]int, len(cfg.Restaurant.Menu.Items))
	for i, item := range cfg.Restaurant.Menu.Items {
		prefix := fmt.Sprintf("restaurant.menu.items[%d]", i)
		if item.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := itemNamesSeen[item.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of restaurant.menu.items[%d]", prefix, item.Name, prev))
		}
		itemNamesSeen[item.Name] = i
		if item.Price < 0 {
			errs = append(errs, fmt.Errorf("%s.price must not be negative", prefix))
		}
	}

	// Order
	if r := cfg.Order.Rate(); r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("order.tax_rate %.2f is out of range [0, 1]", r))
	}

	// Square
	if cfg.Square.Environment != "" && !cfg.Square.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("square.environment %q is invalid; valid values: sandbox, production", cfg.Square.Environment))
	}

	// Twilio
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("twilio.auth_token is required when twilio.account_sid is set"))
	}
	if cfg.Twilio.AccountSID == "" {
		slog.Warn("twilio.account_sid is empty; SMS confirmations and REST hangups are disabled")
	} else if cfg.Twilio.FromNumber == "" {
		slog.Warn("twilio.from_number is empty; SMS confirmations are disabled")
	}

	// Persistence
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; calls will not be persisted")
	}
	if cfg.Archive.Bucket != "" && cfg.Archive.Region == "" {
		errs = append(errs, errors.New("archive.region is required when archive.bucket is set"))
	}
	if cfg.History.TTL < 0 {
		errs = append(errs, fmt.Errorf("history.ttl must not be negative, got %s", cfg.History.TTL))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
