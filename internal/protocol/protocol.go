// Package protocol defines the JSON messages exchanged over the /ws stream.
//
// Inbound traffic arrives as a single envelope ([Inbound]) whose meaning
// depends on Type; outbound traffic is the [Event] union built through
// constructor functions. Field names match the browser client's wire format;
// timestamps travel as milliseconds since the Unix epoch.
package protocol

import (
	"encoding/json"

	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/types"
)

// Inbound message types.
const (
	TypeAudioData             = "audio_data"
	TypeVADState              = "vad_state"
	TypeVoiceAssistantStart   = "voice_assistant_start"
	TypeVoiceAssistantStop    = "voice_assistant_stop"
	TypeScreenShareStart      = "screen_share_start"
	TypeScreenShareStop       = "screen_share_stop"
	TypeScreenCaptureResponse = "screen_capture_response"
	TypeHeartbeat             = "heartbeat"
)

// Sanity bounds for declared sample rates.
const (
	minSampleRate = 4000
	maxSampleRate = 192000
)

// RequestData echoes the capture request that prompted a
// screen_capture_response.
type RequestData struct {
	OriginalText      string `json:"original_text,omitempty"`
	OriginalTimestamp int64  `json:"original_timestamp,omitempty"`
}

// Inbound is the envelope for every client message. Unused fields stay at
// their zero values; which fields are meaningful depends on Type.
type Inbound struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`

	// Audio frames.
	Data       []float32         `json:"data,omitempty"`
	SampleRate int               `json:"sample_rate,omitempty"`
	VAD        *types.VADVerdict `json:"vad,omitempty"`

	// Screen captures, inline with audio or as a capture response.
	ScreenImage string `json:"screen_image,omitempty"`

	// Capture response correlation.
	OriginalText string       `json:"original_text,omitempty"`
	RequestData  *RequestData `json:"request_data,omitempty"`
}

// DecodeInbound parses one text frame. Malformed JSON and missing types are
// [fault.InvalidInput]; unknown Type values are not an error here, the
// supervisor logs and ignores them.
func DecodeInbound(data []byte) (*Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fault.New(fault.InvalidInput, "protocol: malformed message: %v", err)
	}
	if m.Type == "" {
		return nil, fault.New(fault.InvalidInput, "protocol: message without type")
	}
	return &m, nil
}

// Frame converts an audio_data or vad_state message into a [types.Frame].
// A zero sample rate falls back to defaultRate. The screen image string, if
// any, is not decoded here; the supervisor conditions it separately.
func (m *Inbound) Frame(defaultRate int) (types.Frame, error) {
	switch m.Type {
	case TypeAudioData:
		if len(m.Data) == 0 && m.VAD == nil {
			return types.Frame{}, fault.New(fault.InvalidInput, "protocol: audio_data without samples or vad")
		}
	case TypeVADState:
		if m.VAD == nil {
			return types.Frame{}, fault.New(fault.InvalidInput, "protocol: vad_state without vad")
		}
	default:
		return types.Frame{}, fault.New(fault.InvalidInput, "protocol: %s does not carry a frame", m.Type)
	}

	rate := m.SampleRate
	if rate == 0 {
		rate = defaultRate
	}
	if rate < minSampleRate || rate > maxSampleRate {
		return types.Frame{}, fault.New(fault.InvalidInput, "protocol: implausible sample rate %d", rate)
	}

	f := types.Frame{
		Samples:         m.Data,
		SampleRate:      rate,
		ClientTimestamp: m.Timestamp,
	}
	if m.VAD != nil {
		f.VAD = *m.VAD
	}
	return f, nil
}
