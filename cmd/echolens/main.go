// Command echolens runs the realtime voice and vision assistant server.
//
// Startup reads a YAML configuration file (see configs/example.yaml), pulls
// provider API keys from the environment (a local .env file is honoured when
// present), wires the speech pipeline and serves websocket clients until the
// process receives SIGINT or SIGTERM.
//
// Usage:
//
//	echolens -config config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/echolens-ai/echolens/internal/app"
	"github.com/echolens-ai/echolens/internal/config"
	"github.com/echolens-ai/echolens/internal/observe"
	"github.com/echolens-ai/echolens/pkg/provider/llm"
	"github.com/echolens-ai/echolens/pkg/provider/llm/anyllm"
	"github.com/echolens-ai/echolens/pkg/provider/llm/gemini"
	"github.com/echolens-ai/echolens/pkg/provider/llm/openai"
	"github.com/echolens-ai/echolens/pkg/provider/stt"
	stthf "github.com/echolens-ai/echolens/pkg/provider/stt/hf"
	"github.com/echolens-ai/echolens/pkg/provider/tts"
	ttshf "github.com/echolens-ai/echolens/pkg/provider/tts/hf"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// The log level lives in a LevelVar so config reloads can adjust
	// verbosity without a restart.
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level))

	// A .env file is a development convenience. Production deployments set
	// the process environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env file", "err", err)
	}

	watcher, err := config.NewWatcher(*configPath, app.ReloadHandler(level))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "config file %q not found. Copy configs/example.yaml and adjust it.\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(cfg.LogLevel.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "echolens"})
	if err != nil {
		slog.Error("initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	registry := config.NewRegistry()
	registerBuiltinProviders(registry)

	providers, err := buildProviders(cfg, registry)
	if err != nil {
		slog.Error("build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers)
	if err != nil {
		slog.Error("assemble application", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("echolens stopped")
	return 0
}

// registerBuiltinProviders wires the provider adapters shipped with the
// binary into the registry. API keys come from the environment only, never
// from the YAML file.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("huggingface", func(entry config.ProviderEntry) (stt.Provider, error) {
		token := os.Getenv("HF_TOKEN")
		if token == "" {
			return nil, errors.New("HF_TOKEN is not set")
		}
		var opts []stthf.Option
		if entry.Model != "" {
			opts = append(opts, stthf.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, stthf.WithBaseURL(entry.BaseURL))
		}
		return stthf.New(token, opts...), nil
	})

	reg.RegisterTTS("huggingface", func(entry config.ProviderEntry) (tts.Provider, error) {
		token := os.Getenv("HF_TOKEN")
		if token == "" {
			return nil, errors.New("HF_TOKEN is not set")
		}
		var opts []ttshf.Option
		if entry.Model != "" {
			opts = append(opts, ttshf.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, ttshf.WithBaseURL(entry.BaseURL))
		}
		return ttshf.New(token, opts...), nil
	})

	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			return nil, errors.New("GEMINI_API_KEY is not set")
		}
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(key, opts...), nil
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(key, entry.Model, opts...)
	})

	// The remaining chat backends route through any-llm-go, which reads its
	// own per-backend key variables (ANTHROPIC_API_KEY and friends) when no
	// explicit key option is given. Local servers need only a base URL.
	for _, backend := range []string{"anthropic", "deepseek", "mistral", "groq", "ollama", "llamacpp", "llamafile"} {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}
}

// buildProviders instantiates the three pipeline providers named in the
// configuration. All three are required; a missing registration or a factory
// failure aborts startup.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	sttProv, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	llmProv, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ttsProv, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	return &app.Providers{STT: sttProv, LLM: llmProv, TTS: ttsProv}, nil
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        EchoLens startup summary      ║")
	fmt.Println("╠══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	screen := "on demand only"
	if cfg.Screen.HeuristicEnabled {
		screen = fmt.Sprintf("heuristic %.2f", cfg.Screen.HeuristicThreshold)
	}
	fmt.Printf("║  %-12s : %-20s ║\n", "Screen", screen)
	fmt.Printf("║  %-12s : %-20s ║\n", "Memory", fmt.Sprintf("%d tokens", cfg.Memory.MaxTokens))
	fmt.Printf("║  %-12s : %-20s ║\n", "Listen addr", cfg.Server.Addr)
	fmt.Println("╚══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 20 {
		value = value[:19] + "…"
	}
	fmt.Printf("║  %-12s : %-20s ║\n", kind, value)
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
