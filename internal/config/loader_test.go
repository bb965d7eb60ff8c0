package config_test

import (
	"strings"
	"testing"

	"github.com/echolens-ai/echolens/internal/config"
)

// expectLoadError loads yaml and asserts the resulting error mentions the
// offending key.
func expectLoadError(t *testing.T, yaml, wantSubstr string) {
	t.Helper()
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatalf("expected error mentioning %q, got nil", wantSubstr)
	}
	if !strings.Contains(err.Error(), wantSubstr) {
		t.Errorf("error should mention %q, got: %v", wantSubstr, err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
log_level: bananas
`, "log_level")
}

func TestValidate_EmptyAddr(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
server:
  addr: ""
`, "server.addr")
}

func TestValidate_ShutdownTimeoutNotPositive(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
server:
  shutdown_timeout_s: 0
`, "shutdown_timeout_s")
}

func TestValidate_SampleRateOutOfRange(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
speech:
  sample_rate: 1000
`, "sample_rate")
}

func TestValidate_MinSpeechNotPositive(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
speech:
  min_speech_duration_s: -0.5
`, "min_speech_duration_s")
}

func TestValidate_MaxSpeechMustExceedMin(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
speech:
  min_speech_duration_s: 5
  max_speech_duration_s: 2
`, "max_speech_duration_s")
}

func TestValidate_MaxTokensNotPositive(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
memory:
  max_tokens: 0
`, "max_tokens")
}

func TestValidate_NegativeGracePeriod(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
memory:
  grace_period_s: -5
`, "grace_period_s")
}

func TestValidate_StageDeadlineNotPositive(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
pipeline:
  stage_deadline_llm_s: 0
`, "stage_deadline_llm_s")
}

func TestValidate_IdleCloseMustExceedProbe(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
connection:
  idle_probe_s: 90
  idle_close_s: 45
`, "idle_close_s")
}

func TestValidate_QueueDepthNotPositive(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
connection:
  outbound_queue_depth: 0
`, "outbound_queue_depth")
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	expectLoadError(t, `
screen:
  heuristic_threshold: 1.5
`, "heuristic_threshold")
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
speech:
  sample_rate: 1000
connection:
  outbound_queue_depth: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "sample_rate") {
		t.Errorf("error should mention sample_rate, got: %v", err)
	}
	if !strings.Contains(errStr, "outbound_queue_depth") {
		t.Errorf("error should mention outbound_queue_depth, got: %v", err)
	}
}

func TestValidate_UnknownProviderNameIsNotFatal(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: my-custom-llm
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.Name != "my-custom-llm" {
		t.Errorf("providers.llm.name: got %q", cfg.Providers.LLM.Name)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "gemini" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"gemini\"")
	}
}
