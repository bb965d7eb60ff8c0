package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"huggingface"},
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"huggingface"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// The document is decoded over [Default], so a partial file only overrides
// the settings it mentions and an empty file yields the defaults. Unknown
// keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Server
	if cfg.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if cfg.Server.ShutdownTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout_s %d must be positive", cfg.Server.ShutdownTimeoutS))
	}

	// Speech
	if cfg.Speech.SampleRate < 4000 || cfg.Speech.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("speech.sample_rate %d is out of range [4000, 192000]", cfg.Speech.SampleRate))
	}
	if cfg.Speech.MinSpeechDurationS <= 0 {
		errs = append(errs, fmt.Errorf("speech.min_speech_duration_s %.2f must be positive", cfg.Speech.MinSpeechDurationS))
	}
	if cfg.Speech.MaxSpeechDurationS <= cfg.Speech.MinSpeechDurationS {
		errs = append(errs, fmt.Errorf("speech.max_speech_duration_s %.2f must exceed min_speech_duration_s %.2f",
			cfg.Speech.MaxSpeechDurationS, cfg.Speech.MinSpeechDurationS))
	}

	// Memory
	if cfg.Memory.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_tokens %d must be positive", cfg.Memory.MaxTokens))
	}
	if cfg.Memory.SummaryWaitS < 0 {
		errs = append(errs, fmt.Errorf("memory.summary_wait_s %d must not be negative", cfg.Memory.SummaryWaitS))
	}
	if cfg.Memory.GracePeriodS < 0 {
		errs = append(errs, fmt.Errorf("memory.grace_period_s %d must not be negative", cfg.Memory.GracePeriodS))
	}

	// Pipeline
	if cfg.Pipeline.STTDeadlineS <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.stage_deadline_stt_s %d must be positive", cfg.Pipeline.STTDeadlineS))
	}
	if cfg.Pipeline.LLMDeadlineS <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.stage_deadline_llm_s %d must be positive", cfg.Pipeline.LLMDeadlineS))
	}
	if cfg.Pipeline.TTSDeadlineS <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.stage_deadline_tts_s %d must be positive", cfg.Pipeline.TTSDeadlineS))
	}
	if cfg.Pipeline.ScreenCaptureTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.screen_capture_timeout_s %d must be positive", cfg.Pipeline.ScreenCaptureTimeoutS))
	}

	// Connection
	if cfg.Connection.IdleProbeS <= 0 {
		errs = append(errs, fmt.Errorf("connection.idle_probe_s %d must be positive", cfg.Connection.IdleProbeS))
	}
	if cfg.Connection.IdleCloseS <= cfg.Connection.IdleProbeS {
		errs = append(errs, fmt.Errorf("connection.idle_close_s %d must exceed idle_probe_s %d",
			cfg.Connection.IdleCloseS, cfg.Connection.IdleProbeS))
	}
	if cfg.Connection.OutboundQueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("connection.outbound_queue_depth %d must be positive", cfg.Connection.OutboundQueueDepth))
	}

	// Screen
	if cfg.Screen.HeuristicThreshold < 0 || cfg.Screen.HeuristicThreshold > 1 {
		errs = append(errs, fmt.Errorf("screen.heuristic_threshold %.2f is out of range [0, 1]", cfg.Screen.HeuristicThreshold))
	}

	// Provider name validation warns for unknown names so that third-party
	// registrations still load.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

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
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
