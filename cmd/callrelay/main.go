// Command callrelay answers restaurant phone calls with a voice agent that
// takes orders over Twilio Media Streams.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callrelay/internal/app"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
	"github.com/MrWong99/callrelay/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/callrelay/pkg/provider/llm/openai"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
	dgagent "github.com/MrWong99/callrelay/pkg/provider/s2s/deepgram"
	"github.com/MrWong99/callrelay/pkg/provider/stt"
	"github.com/MrWong99/callrelay/pkg/provider/stt/deepgram"
	"github.com/MrWong99/callrelay/pkg/provider/stt/whisper"
	"github.com/MrWong99/callrelay/pkg/provider/tts"
	oatts "github.com/MrWong99/callrelay/pkg/provider/tts/openai"
	"github.com/MrWong99/callrelay/pkg/provider/vad"
	"github.com/MrWong99/callrelay/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// The watcher performs the initial load; its callback is bound once the
	// app exists.
	var running atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if a := running.Load(); a != nil {
			a.OnConfigChange(old, new)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callrelay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callrelay: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	logLevel := new(slog.LevelVar)
	logLevel.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("callrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callrelay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(logLevel))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	running.Store(application)

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the provider factories that ship with the
// relay into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("deepgram", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []dgagent.Option
		if entry.Model != "" {
			opts = append(opts, dgagent.WithListenModel(entry.Model))
		}
		if model := optString(entry.Options, "think_model"); model != "" {
			opts = append(opts, dgagent.WithThinkModel(optString(entry.Options, "think_provider"), model))
		}
		if model := optString(entry.Options, "speak_model"); model != "" {
			opts = append(opts, dgagent.WithSpeakModel(model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, dgagent.WithEndpoint(entry.BaseURL))
		}
		return dgagent.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// whisper is a self-hosted whisper.cpp server; BaseURL is its address.
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// openai talks to the Chat Completions API directly; the other chat
	// backends go through any-llm.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})
	for _, providerName := range []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, oatts.WithVoice(voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		return oatts.New(entry.APIKey, opts...)
	})

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	for _, kind := range []string{"s2s", "stt", "llm", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg. An llm entry with
// fallbacks becomes a fallback group tried in listed order.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if entry := cfg.Providers.S2S; entry.Name != "" {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, err
		}
		ps.S2S = p
		slog.Info("provider created", "kind", "s2s", "name", entry.Name)
	}

	if entry := cfg.Providers.STT; entry.Name != "" {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, err
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", entry.Name)
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, err
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", entry.Name)

		if len(cfg.Providers.LLMFallbacks) > 0 {
			group := resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{})
			for _, fb := range cfg.Providers.LLMFallbacks {
				fp, err := reg.CreateLLM(fb)
				if err != nil {
					return nil, fmt.Errorf("llm fallback: %w", err)
				}
				group.AddFallback(fb.Name, fp)
				slog.Info("provider created", "kind", "llm fallback", "name", fb.Name)
			}
			ps.LLM = group
		}
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, err
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
	}

	if entry := cfg.Providers.VAD; entry.Name != "" {
		p, err := reg.CreateVAD(entry)
		if err != nil {
			return nil, err
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", entry.Name)
	}

	return ps, nil
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        callrelay startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printLine("Restaurant", cfg.Restaurant.Name)
	printLine("Menu", fmt.Sprintf("%s, %d items", cfg.Restaurant.MenuSource, len(cfg.Restaurant.Menu.Items)))
	printLine("Backend", string(cfg.Backend.Mode))
	printProvider("S2S", cfg.Providers.S2S)
	printProvider("STT", cfg.Providers.STT)
	printProvider("LLM", cfg.Providers.LLM)
	printProvider("TTS", cfg.Providers.TTS)
	printProvider("VAD", cfg.Providers.VAD)
	printLine("Postgres", enabled(cfg.Storage.PostgresDSN != ""))
	printLine("Redis", enabled(cfg.History.RedisURL != ""))
	printLine("Archive", enabled(cfg.Archive.Bucket != ""))
	printLine("Square", enabled(cfg.Square.AccessToken != ""))
	printLine("Twilio", enabled(cfg.Twilio.AccountSID != ""))
	printLine("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, entry config.ProviderEntry) {
	value := entry.Name
	if value == "" {
		value = "(not configured)"
	} else if entry.Model != "" {
		value = entry.Name + " / " + entry.Model
	}
	printLine(kind, value)
}

func printLine(key, value string) {
	fmt.Printf("║  %-12s    : %-19s ║\n", key, truncate(value, 19))
}

// truncate shortens value to at most width runes, marking the cut with "...".
func truncate(value string, width int) string {
	if utf8.RuneCountInString(value) <= width {
		return value
	}
	r := []rune(value)
	return string(r[:width-3]) + "..."
}

func enabled(ok bool) string {
	if ok {
		return "enabled"
	}
	return "(disabled)"
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
