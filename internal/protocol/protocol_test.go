package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/types"
)

func TestDecodeInbound(t *testing.T) {
	t.Run("decodes an audio frame", func(t *testing.T) {
		raw := `{
			"type": "audio_data",
			"timestamp": 1712345678901,
			"data": [0.0, 0.5, -0.5],
			"sample_rate": 16000,
			"vad": {"isSpeaking": true, "energy": 0.12, "confidence": 0.97},
			"screen_image": "data:image/jpeg;base64,abcd"
		}`

		m, err := DecodeInbound([]byte(raw))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Type != TypeAudioData || m.Timestamp != 1712345678901 {
			t.Errorf("envelope mismatch: %+v", m)
		}
		if len(m.Data) != 3 || m.Data[1] != 0.5 {
			t.Errorf("samples mismatch: %v", m.Data)
		}
		if m.VAD == nil || !m.VAD.IsSpeaking || m.VAD.Confidence != 0.97 {
			t.Errorf("vad mismatch: %+v", m.VAD)
		}
		if m.ScreenImage == "" {
			t.Error("expected screen image payload")
		}
	})

	t.Run("decodes a capture response with request data", func(t *testing.T) {
		raw := `{
			"type": "screen_capture_response",
			"timestamp": 2,
			"screen_image": "abcd",
			"request_data": {"original_text": "what is on my screen", "original_timestamp": 1}
		}`

		m, err := DecodeInbound([]byte(raw))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.RequestData == nil || m.RequestData.OriginalText != "what is on my screen" || m.RequestData.OriginalTimestamp != 1 {
			t.Errorf("request data mismatch: %+v", m.RequestData)
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{"type": `))
		if !fault.IsKind(err, fault.InvalidInput) {
			t.Errorf("expected invalid_input, got %v", err)
		}
	})

	t.Run("rejects a message without type", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{"timestamp": 1}`))
		if !fault.IsKind(err, fault.InvalidInput) {
			t.Errorf("expected invalid_input, got %v", err)
		}
	})
}

func TestInbound_Frame(t *testing.T) {
	t.Run("builds a frame with the default rate", func(t *testing.T) {
		m := &Inbound{Type: TypeAudioData, Timestamp: 42, Data: []float32{0.1, 0.2}}

		f, err := m.Frame(16000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.SampleRate != 16000 || len(f.Samples) != 2 || f.ClientTimestamp != 42 {
			t.Errorf("frame mismatch: %+v", f)
		}
		if f.VAD.IsSpeaking {
			t.Error("missing vad must default to silence")
		}
	})

	t.Run("rejects audio_data with neither samples nor vad", func(t *testing.T) {
		m := &Inbound{Type: TypeAudioData}
		if _, err := m.Frame(16000); !fault.IsKind(err, fault.InvalidInput) {
			t.Errorf("expected invalid_input, got %v", err)
		}
	})

	t.Run("rejects vad_state without vad", func(t *testing.T) {
		m := &Inbound{Type: TypeVADState}
		if _, err := m.Frame(16000); !fault.IsKind(err, fault.InvalidInput) {
			t.Errorf("expected invalid_input, got %v", err)
		}
	})

	t.Run("rejects implausible sample rates", func(t *testing.T) {
		m := &Inbound{Type: TypeAudioData, Data: []float32{0}, SampleRate: 1000000}
		if _, err := m.Frame(16000); !fault.IsKind(err, fault.InvalidInput) {
			t.Errorf("expected invalid_input, got %v", err)
		}
	})

	t.Run("rejects non-frame message types", func(t *testing.T) {
		m := &Inbound{Type: TypeHeartbeat}
		if _, err := m.Frame(16000); !fault.IsKind(err, fault.InvalidInput) {
			t.Errorf("expected invalid_input, got %v", err)
		}
	})
}

func TestEvent_Critical(t *testing.T) {
	critical := []Event{
		Transcription("hi", "c-1", 0.9, time.Second),
		AIResponse("hello", "c-1", "", time.Second),
		AudioResponse([]float32{0}, 16000, "hello", "c-1", time.Second),
		ErrorEvent(ErrSTTFailed, "boom"),
		ScreenCaptureRequest(0.9, "explicit_trigger", nil, nil, "look", 1),
	}
	for _, e := range critical {
		if !e.Critical() {
			t.Errorf("%s must be critical", e.Type)
		}
	}

	droppable := []Event{
		SpeechActive(types.VADVerdict{IsSpeaking: true}),
		SpeechInactive(types.VADVerdict{}),
		Heartbeat(),
		HeartbeatAck(),
		ScreenShareAck(true),
		AssistantAck(false),
	}
	for _, e := range droppable {
		if e.Critical() {
			t.Errorf("%s must be droppable", e.Type)
		}
	}
}

func TestEvent_Encoding(t *testing.T) {
	t.Run("share ack keeps a false flag on the wire", func(t *testing.T) {
		data, err := ScreenShareAck(false).Encode()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(string(data), `"screen_share_on":false`) {
			t.Errorf("expected explicit false flag, got %s", data)
		}
	})

	t.Run("audio response derives its duration", func(t *testing.T) {
		e := AudioResponse(make([]float32, 8000), 16000, "hi", "c-1", 250*time.Millisecond)
		if e.Duration != 0.5 {
			t.Errorf("duration = %v, want 0.5", e.Duration)
		}
		if e.ProcessingTime != 0.25 {
			t.Errorf("processing_time = %v, want 0.25", e.ProcessingTime)
		}
	})

	t.Run("irrelevant fields stay off the wire", func(t *testing.T) {
		data, err := Transcription("hello", "c-1", 0.8, time.Second).Encode()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("round trip: %v", err)
		}
		for _, key := range []string{"audio_data", "vad", "reason", "screen_share_on", "kind"} {
			if _, ok := decoded[key]; ok {
				t.Errorf("unexpected key %q in %s", key, data)
			}
		}
		for _, key := range []string{"type", "text", "session_id", "processing_time", "confidence"} {
			if _, ok := decoded[key]; !ok {
				t.Errorf("missing key %q in %s", key, data)
			}
		}
	})
}
