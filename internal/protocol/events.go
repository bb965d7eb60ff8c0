package protocol

import (
	"encoding/json"
	"time"

	"github.com/echolens-ai/echolens/pkg/audio"
	"github.com/echolens-ai/echolens/pkg/types"
)

// Outbound event types.
const (
	EventSpeechActive         = "speech_active"
	EventSpeechInactive       = "speech_inactive"
	EventTranscription        = "transcription_result"
	EventAIResponse           = "ai_response"
	EventAudioResponse        = "audio_response"
	EventScreenCaptureRequest = "screen_capture_request"
	EventError                = "error"
	EventHeartbeat            = "heartbeat"
	EventHeartbeatAck         = "heartbeat_ack"
	EventScreenShareStarted   = "screen_share_started"
	EventScreenShareStopped   = "screen_share_stopped"
	EventAssistantStarted     = "voice_assistant_started"
	EventAssistantStopped     = "voice_assistant_stopped"
)

// Wire values for the error event's kind field. Stage kinds name the
// pipeline stage that failed; the causal detail rides in the message.
const (
	ErrSTTFailed         = "stt_failed"
	ErrLLMFailed         = "llm_failed"
	ErrTTSFailed         = "tts_failed"
	ErrScreenUnavailable = "screen_unavailable"
	ErrBackpressure      = "backpressure"
	ErrInvalidInput      = "invalid_input"
	ErrInternal          = "internal"
)

// Event is one outbound message. Only the fields relevant to Type are set;
// the rest are omitted from the encoding.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`

	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`

	Text           string  `json:"text,omitempty"`
	SessionID      string  `json:"session_id,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	ScreenContext  string  `json:"screen_context,omitempty"`

	AudioData  []float32 `json:"audio_data,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Duration   float64   `json:"duration,omitempty"`

	VAD *types.VADVerdict `json:"vad,omitempty"`

	Reason            string   `json:"reason,omitempty"`
	TriggerMatches    []string `json:"trigger_matches,omitempty"`
	ContextMatches    []string `json:"context_matches,omitempty"`
	OriginalText      string   `json:"original_text,omitempty"`
	OriginalTimestamp int64    `json:"original_timestamp,omitempty"`

	ScreenShareOn *bool `json:"screen_share_on,omitempty"`
}

// Critical reports whether the event must survive outbound queue pressure.
// Non-critical events (progress notices, silence, keepalive, acks) are
// dropped first when the queue fills.
func (e Event) Critical() bool {
	switch e.Type {
	case EventTranscription, EventAIResponse, EventAudioResponse,
		EventError, EventScreenCaptureRequest:
		return true
	}
	return false
}

// Encode renders the event as one JSON text frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func now() int64 {
	return time.Now().UnixMilli()
}

// SpeechActive tells the client a speech session opened.
func SpeechActive(vad types.VADVerdict) Event {
	return Event{
		Type:      EventSpeechActive,
		Timestamp: now(),
		Message:   "Speech detected, accumulating audio...",
		VAD:       &vad,
	}
}

// SpeechInactive is the rate-limited idle silence notice.
func SpeechInactive(vad types.VADVerdict) Event {
	return Event{
		Type:      EventSpeechInactive,
		Timestamp: now(),
		Message:   "No speech detected",
		VAD:       &vad,
	}
}

// Transcription reports a successful STT stage.
func Transcription(text, sessionID string, confidence float64, processing time.Duration) Event {
	return Event{
		Type:           EventTranscription,
		Timestamp:      now(),
		Text:           text,
		SessionID:      sessionID,
		Confidence:     confidence,
		ProcessingTime: processing.Seconds(),
	}
}

// AIResponse reports a successful LLM stage. screenContext is non-empty when
// a screen image informed the answer.
func AIResponse(text, sessionID, screenContext string, processing time.Duration) Event {
	return Event{
		Type:           EventAIResponse,
		Timestamp:      now(),
		Text:           text,
		SessionID:      sessionID,
		ScreenContext:  screenContext,
		ProcessingTime: processing.Seconds(),
	}
}

// AudioResponse delivers synthesised speech.
func AudioResponse(samples []float32, sampleRate int, text, sessionID string, processing time.Duration) Event {
	return Event{
		Type:           EventAudioResponse,
		Timestamp:      now(),
		AudioData:      samples,
		SampleRate:     sampleRate,
		Duration:       audio.Duration(len(samples), sampleRate).Seconds(),
		Text:           text,
		SessionID:      sessionID,
		ProcessingTime: processing.Seconds(),
	}
}

// ScreenCaptureRequest asks the client for a capture, carrying the detector
// diagnostics and the transcription that triggered it.
func ScreenCaptureRequest(confidence float64, reason string, triggerMatches, contextMatches []string, originalText string, originalTimestamp int64) Event {
	return Event{
		Type:              EventScreenCaptureRequest,
		Timestamp:         now(),
		Confidence:        confidence,
		Reason:            reason,
		TriggerMatches:    triggerMatches,
		ContextMatches:    contextMatches,
		OriginalText:      originalText,
		OriginalTimestamp: originalTimestamp,
	}
}

// ErrorEvent reports an unrecoverable failure for one session or message.
func ErrorEvent(kind, message string) Event {
	return Event{
		Type:      EventError,
		Timestamp: now(),
		Kind:      kind,
		Message:   message,
	}
}

// Heartbeat is the server's idle probe.
func Heartbeat() Event {
	return Event{Type: EventHeartbeat, Timestamp: now()}
}

// HeartbeatAck answers an inbound heartbeat.
func HeartbeatAck() Event {
	return Event{Type: EventHeartbeatAck, Timestamp: now()}
}

// ScreenShareAck acknowledges a screen share toggle.
func ScreenShareAck(on bool) Event {
	e := Event{Timestamp: now(), ScreenShareOn: &on}
	if on {
		e.Type = EventScreenShareStarted
		e.Message = "Screen sharing session initiated"
	} else {
		e.Type = EventScreenShareStopped
		e.Message = "Screen sharing session ended"
	}
	return e
}

// AssistantAck acknowledges a voice assistant toggle.
func AssistantAck(on bool) Event {
	e := Event{Timestamp: now()}
	if on {
		e.Type = EventAssistantStarted
		e.Message = "Voice assistant activated"
	} else {
		e.Type = EventAssistantStopped
		e.Message = "Voice assistant deactivated"
	}
	return e
}
