// Package config defines the YAML configuration schema for the echolens
// server, loads and validates it, and watches the file for changes so that
// the log level can be adjusted without a restart.
//
// Secrets never live in the YAML file. Provider API keys are read from the
// environment by the entrypoint when it registers provider factories, so a
// config file can be committed or shared without leaking credentials.
package config

import (
	"log/slog"
	"time"
)

// LogLevel names a slog level in the configuration file.
type LogLevel string

// Supported log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether the level is one of the supported names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog converts the level to its [slog.Level] equivalent. Unknown values
// map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root of the configuration file.
type Config struct {
	// Server holds the listen address and HTTP-level settings.
	Server ServerConfig `yaml:"server"`
	// Speech controls utterance aggregation.
	Speech SpeechConfig `yaml:"speech"`
	// Memory controls per-conversation history limits and retention.
	Memory MemoryConfig `yaml:"memory"`
	// Pipeline holds per-stage deadlines for the response pipeline.
	Pipeline PipelineConfig `yaml:"pipeline"`
	// Connection holds per-connection liveness and queue settings.
	Connection ConnectionConfig `yaml:"connection"`
	// Providers selects the upstream model services.
	Providers ProvidersConfig `yaml:"providers"`
	// Screen controls the screen-relevance heuristic.
	Screen ScreenConfig `yaml:"screen"`
	// LogLevel is the minimum level emitted by the logger. It can be
	// changed at runtime through the config watcher.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServerConfig holds the listen address and HTTP-level settings.
type ServerConfig struct {
	// Addr is the host:port the HTTP server binds to.
	Addr string `yaml:"addr"`
	// AllowedOrigins lists origin patterns accepted during the websocket
	// handshake. "*" accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ShutdownTimeoutS bounds graceful shutdown in seconds.
	ShutdownTimeoutS int `yaml:"shutdown_timeout_s"`
}

// ShutdownTimeout returns the shutdown bound as a duration.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// SpeechConfig controls utterance aggregation.
type SpeechConfig struct {
	// SampleRate is the rate in Hz the pipeline operates at. Frames
	// arriving at other rates are resampled.
	SampleRate int `yaml:"sample_rate"`
	// MinSpeechDurationS discards utterances shorter than this many
	// seconds of audio.
	MinSpeechDurationS float64 `yaml:"min_speech_duration_s"`
	// MaxSpeechDurationS force-closes an utterance once it reaches this
	// many seconds of audio.
	MaxSpeechDurationS float64 `yaml:"max_speech_duration_s"`
}

// MinSpeech returns the minimum utterance length as a duration.
func (c SpeechConfig) MinSpeech() time.Duration {
	return time.Duration(c.MinSpeechDurationS * float64(time.Second))
}

// MaxSpeech returns the forced-closure length as a duration.
func (c SpeechConfig) MaxSpeech() time.Duration {
	return time.Duration(c.MaxSpeechDurationS * float64(time.Second))
}

// MemoryConfig controls per-conversation history limits and retention.
type MemoryConfig struct {
	// MaxTokens caps the estimated token footprint of a conversation
	// before older turns are summarised away.
	MaxTokens int `yaml:"max_tokens"`
	// SummaryWaitS bounds the wait for an in-flight summarisation when a
	// snapshot is taken, in seconds.
	SummaryWaitS int `yaml:"summary_wait_s"`
	// GracePeriodS keeps a disconnected client's memory alive for this
	// many seconds so a reconnect resumes the conversation.
	GracePeriodS int `yaml:"grace_period_s"`
}

// SummaryWait returns the snapshot wait bound as a duration.
func (c MemoryConfig) SummaryWait() time.Duration {
	return time.Duration(c.SummaryWaitS) * time.Second
}

// GracePeriod returns the retention window as a duration.
func (c MemoryConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodS) * time.Second
}

// PipelineConfig holds per-stage deadlines for the response pipeline.
type PipelineConfig struct {
	// STTDeadlineS bounds a transcription call in seconds.
	STTDeadlineS int `yaml:"stage_deadline_stt_s"`
	// LLMDeadlineS bounds a response-generation call in seconds.
	LLMDeadlineS int `yaml:"stage_deadline_llm_s"`
	// TTSDeadlineS bounds a synthesis call in seconds.
	TTSDeadlineS int `yaml:"stage_deadline_tts_s"`
	// ScreenCaptureTimeoutS bounds the wait for a client screen capture
	// in seconds.
	ScreenCaptureTimeoutS int `yaml:"screen_capture_timeout_s"`
}

// STTDeadline returns the transcription bound as a duration.
func (c PipelineConfig) STTDeadline() time.Duration {
	return time.Duration(c.STTDeadlineS) * time.Second
}

// LLMDeadline returns the response-generation bound as a duration.
func (c PipelineConfig) LLMDeadline() time.Duration {
	return time.Duration(c.LLMDeadlineS) * time.Second
}

// TTSDeadline returns the synthesis bound as a duration.
func (c PipelineConfig) TTSDeadline() time.Duration {
	return time.Duration(c.TTSDeadlineS) * time.Second
}

// CaptureTimeout returns the screen-capture wait bound as a duration.
func (c PipelineConfig) CaptureTimeout() time.Duration {
	return time.Duration(c.ScreenCaptureTimeoutS) * time.Second
}

// ConnectionConfig holds per-connection liveness and queue settings.
type ConnectionConfig struct {
	// IdleProbeS sends a liveness probe after this many seconds without
	// inbound traffic.
	IdleProbeS int `yaml:"idle_probe_s"`
	// IdleCloseS closes the connection after this many seconds without
	// inbound traffic.
	IdleCloseS int `yaml:"idle_close_s"`
	// OutboundQueueDepth caps the number of events buffered for delivery
	// to a client.
	OutboundQueueDepth int `yaml:"outbound_queue_depth"`
}

// IdleProbe returns the probe threshold as a duration.
func (c ConnectionConfig) IdleProbe() time.Duration {
	return time.Duration(c.IdleProbeS) * time.Second
}

// IdleClose returns the close threshold as a duration.
func (c ConnectionConfig) IdleClose() time.Duration {
	return time.Duration(c.IdleCloseS) * time.Second
}

// ProvidersConfig selects the upstream model services by role.
type ProvidersConfig struct {
	// STT is the speech-to-text provider.
	STT ProviderEntry `yaml:"stt"`
	// LLM is the response-generation provider.
	LLM ProviderEntry `yaml:"llm"`
	// TTS is the text-to-speech provider.
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry configures a single upstream provider. API keys are not
// part of the entry; factories read them from the environment.
type ProviderEntry struct {
	// Name selects a registered provider factory, for example
	// "huggingface" or "gemini".
	Name string `yaml:"name"`
	// Model is the provider-specific model identifier.
	Model string `yaml:"model"`
	// BaseURL overrides the provider's default endpoint when set.
	BaseURL string `yaml:"base_url"`
	// VoicePreset selects a voice for synthesis providers.
	VoicePreset string `yaml:"voice_preset"`
	// Options carries provider-specific settings that have no dedicated
	// field.
	Options map[string]any `yaml:"options"`
}

// ScreenConfig controls the screen-relevance heuristic.
type ScreenConfig struct {
	// HeuristicEnabled requests a screen capture up front when an
	// utterance looks like it refers to the screen.
	HeuristicEnabled bool `yaml:"heuristic_enabled"`
	// HeuristicThreshold is the match score in [0,1] above which the
	// heuristic fires.
	HeuristicThreshold float64 `yaml:"heuristic_threshold"`
}

// Default returns the configuration used when a setting is absent from the
// file. Loading decodes the file over this value, so partial files only
// override what they mention.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8000",
			AllowedOrigins:   []string{"*"},
			ShutdownTimeoutS: 10,
		},
		Speech: SpeechConfig{
			SampleRate:         16000,
			MinSpeechDurationS: 0.5,
			MaxSpeechDurationS: 30,
		},
		Memory: MemoryConfig{
			MaxTokens:    2000,
			SummaryWaitS: 5,
			GracePeriodS: 30,
		},
		Pipeline: PipelineConfig{
			STTDeadlineS:          20,
			LLMDeadlineS:          30,
			TTSDeadlineS:          45,
			ScreenCaptureTimeoutS: 5,
		},
		Connection: ConnectionConfig{
			IdleProbeS:         45,
			IdleCloseS:         90,
			OutboundQueueDepth: 64,
		},
		Providers: ProvidersConfig{
			STT: ProviderEntry{Name: "huggingface", Model: "openai/whisper-large-v3"},
			LLM: ProviderEntry{Name: "gemini", Model: "gemini-2.0-flash"},
			TTS: ProviderEntry{Name: "huggingface", Model: "suno/bark-small"},
		},
		Screen: ScreenConfig{
			HeuristicEnabled:   true,
			HeuristicThreshold: 0.6,
		},
		LogLevel: LogInfo,
	}
}
