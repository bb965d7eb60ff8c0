package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/echolens-ai/echolens/internal/memory"
	"github.com/echolens-ai/echolens/internal/pipeline"
	"github.com/echolens-ai/echolens/internal/protocol"
	"github.com/echolens-ai/echolens/pkg/provider/llm"
	llmmock "github.com/echolens-ai/echolens/pkg/provider/llm/mock"
	"github.com/echolens-ai/echolens/pkg/provider/stt"
	sttmock "github.com/echolens-ai/echolens/pkg/provider/stt/mock"
	"github.com/echolens-ai/echolens/pkg/provider/tts"
	ttsmock "github.com/echolens-ai/echolens/pkg/provider/tts/mock"
)

// wsFixture runs the full server over httptest with mocked providers behind
// the coordinator factory, so tests exercise the real wire path: websocket
// accept, the reader, the aggregator, the pipeline, the queue, the writer.
type wsFixture struct {
	stt    *sttmock.Provider
	llm    *llmmock.Provider
	tts    *ttsmock.Provider
	reg    *Registry
	server *Server
	srv    *httptest.Server
}

func newWSFixture(t *testing.T, mutate func(*Config)) *wsFixture {
	t.Helper()
	f := &wsFixture{
		stt: &sttmock.Provider{Result: &stt.Result{Text: "hello there", Confidence: 0.93}},
		llm: &llmmock.Provider{Result: &llm.Result{Text: "Hi! How can I help?"}},
		tts: &ttsmock.Provider{Result: &tts.Result{Samples: make([]float32, 2400), SampleRate: 24000}},
	}
	f.reg = NewRegistry(time.Minute, func() *memory.Conversation {
		return memory.New(memory.Config{})
	})

	cfg := Config{
		AllowedOrigins: []string{"*"},
		// Keep the keepalive out of the way unless a test opts in.
		IdleProbe: time.Minute,
		IdleClose: 2 * time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	factory := func(connID string, mem *memory.Conversation, sink pipeline.Sink) *pipeline.Coordinator {
		return pipeline.New(pipeline.Config{
			ConnID:      connID,
			STT:         f.stt,
			LLM:         f.llm,
			TTS:         f.tts,
			Memory:      mem,
			Sink:        sink,
			CaptureWait: 3 * time.Second,
		})
	}

	f.server = New(cfg, f.reg, factory, nil, nil)
	f.srv = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.srv.Close)
	t.Cleanup(f.reg.Close)
	return f
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *wsFixture) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	u := wsURL(f.srv) + "/ws"
	if clientID != "" {
		u += "?client_id=" + clientID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	writeRaw(t, conn, websocket.MessageText, data)
}

func writeRaw(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected a text frame, got %v", typ)
	}
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v (%s)", err, data)
	}
	return ev
}

func expectEvent(t *testing.T, conn *websocket.Conn, wantType string) protocol.Event {
	t.Helper()
	ev := readEvent(t, conn)
	if ev.Type != wantType {
		t.Fatalf("expected a %s event, got %s (message %q)", wantType, ev.Type, ev.Message)
	}
	return ev
}

func startAssistant(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": protocol.TypeVoiceAssistantStart})
	expectEvent(t, conn, protocol.EventAssistantStarted)
}

// audioFrame builds an audio_data payload holding seconds of silence-valued
// samples under a speaking verdict.
func audioFrame(seconds float64) map[string]any {
	return map[string]any{
		"type":        protocol.TypeAudioData,
		"data":        make([]float32, int(seconds*16000)),
		"sample_rate": 16000,
		"vad":         map[string]any{"isSpeaking": true, "energy": 0.4, "confidence": 0.9},
	}
}

func silenceFrame() map[string]any {
	return map[string]any{
		"type": protocol.TypeVADState,
		"vad":  map[string]any{"isSpeaking": false},
	}
}

// runUtterance plays one second of speech plus the closing silence and reads
// the response triple.
func runUtterance(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, audioFrame(1))
	expectEvent(t, conn, protocol.EventSpeechActive)
	writeJSON(t, conn, silenceFrame())
	expectEvent(t, conn, protocol.EventTranscription)
	expectEvent(t, conn, protocol.EventAIResponse)
	expectEvent(t, conn, protocol.EventAudioResponse)
}

// capturePayload renders a small PNG as the data URI a browser capture
// response carries.
func capturePayload(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestServer_SpeechRoundTrip(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial(t, "rt-1")

	writeJSON(t, conn, map[string]any{"type": protocol.TypeVoiceAssistantStart})
	ack := expectEvent(t, conn, protocol.EventAssistantStarted)
	if ack.Message != "Voice assistant activated" {
		t.Fatalf("unexpected ack message %q", ack.Message)
	}

	writeJSON(t, conn, audioFrame(1))
	active := expectEvent(t, conn, protocol.EventSpeechActive)
	if active.VAD == nil || !active.VAD.IsSpeaking {
		t.Fatalf("speech_active must carry the speaking verdict, got %+v", active.VAD)
	}

	writeJSON(t, conn, silenceFrame())

	tr := expectEvent(t, conn, protocol.EventTranscription)
	if tr.Text != "hello there" || tr.SessionID != "rt-1-1" {
		t.Fatalf("unexpected transcription %q session %q", tr.Text, tr.SessionID)
	}
	if tr.Confidence != 0.93 {
		t.Fatalf("expected confidence 0.93, got %v", tr.Confidence)
	}

	ai := expectEvent(t, conn, protocol.EventAIResponse)
	if ai.Text != "Hi! How can I help?" || ai.SessionID != "rt-1-1" {
		t.Fatalf("unexpected ai_response %q session %q", ai.Text, ai.SessionID)
	}

	au := expectEvent(t, conn, protocol.EventAudioResponse)
	if au.SampleRate != 24000 || len(au.AudioData) != 2400 {
		t.Fatalf("unexpected audio payload: rate %d, %d samples", au.SampleRate, len(au.AudioData))
	}

	if got := f.stt.CallCount(); got != 1 {
		t.Fatalf("expected one transcription call, got %d", got)
	}
	if got := len(f.stt.LastCall().Req.Samples); got != 16000 {
		t.Fatalf("expected the full second of audio at the backend, got %d samples", got)
	}
}

func TestServer_HeartbeatAck(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial(t, "")

	writeJSON(t, conn, map[string]any{"type": protocol.TypeHeartbeat})
	expectEvent(t, conn, protocol.EventHeartbeatAck)
}

func TestServer_AssistantGatesFrames(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial(t, "gate-1")

	// Without voice_assistant_start the frame must vanish without any
	// event; the heartbeat ack arriving first proves it.
	writeJSON(t, conn, audioFrame(1))
	writeJSON(t, conn, map[string]any{"type": protocol.TypeHeartbeat})
	expectEvent(t, conn, protocol.EventHeartbeatAck)

	if got := f.stt.CallCount(); got != 0 {
		t.Fatalf("expected no transcription while the assistant is stopped, got %d", got)
	}
}

func TestServer_InvalidTraffic(t *testing.T) {
	f := newWSFixture(t, nil)

	expectError := func(t *testing.T, conn *websocket.Conn, message string) {
		t.Helper()
		ev := expectEvent(t, conn, protocol.EventError)
		if ev.Kind != protocol.ErrInvalidInput {
			t.Fatalf("expected kind %s, got %s", protocol.ErrInvalidInput, ev.Kind)
		}
		if ev.Message != message {
			t.Fatalf("expected message %q, got %q", message, ev.Message)
		}
	}

	t.Run("unknown type", func(t *testing.T) {
		conn := f.dial(t, "")
		writeJSON(t, conn, map[string]any{"type": "bogus"})
		expectError(t, conn, "Unknown message type: bogus")
	})

	t.Run("malformed json", func(t *testing.T) {
		conn := f.dial(t, "")
		writeRaw(t, conn, websocket.MessageText, []byte(`{"type":`))
		expectError(t, conn, "Invalid JSON format")
	})

	t.Run("binary frame", func(t *testing.T) {
		conn := f.dial(t, "")
		writeRaw(t, conn, websocket.MessageBinary, []byte{1, 2, 3})
		expectError(t, conn, "Only text frames are supported")
	})

	t.Run("audio without samples or vad", func(t *testing.T) {
		conn := f.dial(t, "")
		startAssistant(t, conn)
		writeJSON(t, conn, map[string]any{"type": protocol.TypeAudioData})
		expectError(t, conn, "Invalid audio frame")
	})

	t.Run("capture response without image", func(t *testing.T) {
		conn := f.dial(t, "")
		writeJSON(t, conn, map[string]any{"type": protocol.TypeScreenCaptureResponse})
		expectError(t, conn, "Screen capture response without an image")
	})

	t.Run("unsolicited capture is dropped silently", func(t *testing.T) {
		conn := f.dial(t, "")
		writeJSON(t, conn, map[string]any{
			"type":         protocol.TypeScreenCaptureResponse,
			"screen_image": capturePayload(t),
		})
		writeJSON(t, conn, map[string]any{"type": protocol.TypeHeartbeat})
		expectEvent(t, conn, protocol.EventHeartbeatAck)
	})
}

func TestServer_InlineImageRejectedAudioKept(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial(t, "img-1")
	startAssistant(t, conn)

	frame := audioFrame(1)
	frame["screen_image"] = "!!!not-base64!!!"
	writeJSON(t, conn, frame)

	ev := expectEvent(t, conn, protocol.EventError)
	if ev.Message != "Screen image could not be decoded" {
		t.Fatalf("unexpected error message %q", ev.Message)
	}
	expectEvent(t, conn, protocol.EventSpeechActive)

	// The corrupt attachment must not cost the utterance.
	writeJSON(t, conn, silenceFrame())
	expectEvent(t, conn, protocol.EventTranscription)
	expectEvent(t, conn, protocol.EventAIResponse)
	expectEvent(t, conn, protocol.EventAudioResponse)
}

func TestServer_ScreenCaptureRoundTrip(t *testing.T) {
	f := newWSFixture(t, nil)
	f.llm.RespondFunc = func(_ context.Context, req llm.Request) (*llm.Result, error) {
		if req.Screen == nil {
			return &llm.Result{Text: llm.ScreenSentinel + " Let me take a look."}, nil
		}
		return &llm.Result{
			Text:          "The build failed on line 42.",
			ScreenSummary: "terminal with a failing build",
		}, nil
	}

	conn := f.dial(t, "cap-1")
	startAssistant(t, conn)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeScreenShareStart})
	ack := expectEvent(t, conn, protocol.EventScreenShareStarted)
	if ack.Message != "Screen sharing session initiated" {
		t.Fatalf("unexpected ack message %q", ack.Message)
	}
	if ack.ScreenShareOn == nil || !*ack.ScreenShareOn {
		t.Fatal("screen_share_started must report the share as on")
	}

	writeJSON(t, conn, audioFrame(1))
	expectEvent(t, conn, protocol.EventSpeechActive)
	writeJSON(t, conn, silenceFrame())

	expectEvent(t, conn, protocol.EventTranscription)
	req := expectEvent(t, conn, protocol.EventScreenCaptureRequest)
	if req.OriginalText != "hello there" {
		t.Fatalf("capture request must echo the transcription, got %q", req.OriginalText)
	}

	writeJSON(t, conn, map[string]any{
		"type":          protocol.TypeScreenCaptureResponse,
		"screen_image":  capturePayload(t),
		"original_text": req.OriginalText,
	})

	ai := expectEvent(t, conn, protocol.EventAIResponse)
	if ai.Text != "The build failed on line 42." {
		t.Fatalf("unexpected answer %q", ai.Text)
	}
	if ai.ScreenContext != "terminal with a failing build" {
		t.Fatalf("unexpected screen context %q", ai.ScreenContext)
	}
	expectEvent(t, conn, protocol.EventAudioResponse)

	if got := f.llm.CallCount(); got != 2 {
		t.Fatalf("expected the model to be consulted twice, got %d", got)
	}
	if f.llm.LastCall().Req.Screen == nil {
		t.Fatal("the re-invocation must carry the delivered capture")
	}
}

func TestServer_MemoryOutlivesConnection(t *testing.T) {
	f := newWSFixture(t, nil)

	conn := f.dial(t, "returning-client")
	startAssistant(t, conn)
	runUtterance(t, conn)
	conn.Close(websocket.StatusNormalClosure, "")

	// Release happens once the supervisor unwinds, slightly after the
	// close frame lands.
	deadline := time.Now().Add(2 * time.Second)
	for f.reg.Parked() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.reg.Parked(); got != 1 {
		t.Fatalf("expected the conversation to be parked, got %d", got)
	}

	conn2 := f.dial(t, "returning-client")
	startAssistant(t, conn2)
	runUtterance(t, conn2)

	last := f.llm.LastCall()
	if got := len(last.Req.Memory.Turns); got != 1 {
		t.Fatalf("expected the reclaimed conversation behind the second call, got %d turns", got)
	}
	if turn := last.Req.Memory.Turns[0]; turn.User != "hello there" || turn.Assistant != "Hi! How can I help?" {
		t.Fatalf("unexpected reclaimed turn %+v", turn)
	}
}

func TestServer_IdleProbeThenClose(t *testing.T) {
	f := newWSFixture(t, func(cfg *Config) {
		cfg.IdleProbe = 80 * time.Millisecond
		cfg.IdleClose = 250 * time.Millisecond
	})
	conn := f.dial(t, "")

	expectEvent(t, conn, protocol.EventHeartbeat)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected a going-away close after the idle threshold, got %v", err)
	}
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial(t, "")

	writeJSON(t, conn, map[string]any{"type": protocol.TypeHeartbeat})
	expectEvent(t, conn, protocol.EventHeartbeatAck)

	f.server.closeOnce.Do(func() { close(f.server.closing) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected a going-away close on shutdown, got %v", err)
	}
}
