package app_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/echolens-ai/echolens/internal/app"
	"github.com/echolens-ai/echolens/internal/config"
	"github.com/echolens-ai/echolens/internal/protocol"
	llmmock "github.com/echolens-ai/echolens/pkg/provider/llm/mock"
	sttmock "github.com/echolens-ai/echolens/pkg/provider/stt/mock"
	ttsmock "github.com/echolens-ai/echolens/pkg/provider/tts/mock"
)

func testProviders() *app.Providers {
	return &app.Providers{
		STT: &sttmock.Provider{},
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Provider{},
	}
}

func TestNew_MissingProviderFails(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	cases := []struct {
		name string
		p    *app.Providers
	}{
		{"nil struct", nil},
		{"no stt", &app.Providers{LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}}},
		{"no llm", &app.Providers{STT: &sttmock.Provider{}, TTS: &ttsmock.Provider{}}},
		{"no tts", &app.Providers{STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}}},
	}
	for _, c := range cases {
		if _, err := app.New(cfg, c.p); err == nil {
			t.Errorf("%s: expected error, got nil", c.name)
		}
	}
}

func TestNew_ReadyzReportsProviders(t *testing.T) {
	t.Parallel()
	application, err := app.New(config.Default(), testProviders())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != 200 {
		t.Fatalf("readyz status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string                     `json:"status"`
		Checks map[string]json.RawMessage `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("readyz status = %q, want ok", body.Status)
	}
	for _, name := range []string{"stt", "llm", "tts"} {
		if _, ok := body.Checks[name]; !ok {
			t.Errorf("readyz is missing the %q check", name)
		}
	}
}

func TestNew_ServesMetrics(t *testing.T) {
	t.Parallel()
	application, err := app.New(config.Default(), testProviders())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}

func TestApp_WebsocketSmoke(t *testing.T) {
	t.Parallel()
	application, err := app.New(config.Default(), testProviders())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?client_id=smoke-1"
	ws, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	msg := map[string]any{"type": protocol.TypeVoiceAssistantStart, "timestamp": float64(time.Now().UnixMilli())}
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	var ev protocol.Event
	if err := wsjson.Read(ctx, ws, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != protocol.EventAssistantStarted {
		t.Errorf("event type = %q, want %q", ev.Type, protocol.EventAssistantStarted)
	}
	if ev.Message != "Voice assistant activated" {
		t.Errorf("message = %q", ev.Message)
	}
}

func TestReloadHandler_AppliesLogLevel(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	level.Set(slog.LevelInfo)

	h := app.ReloadHandler(&level)

	old := config.Default()
	new := config.Default()
	new.LogLevel = config.LogDebug
	new.Server.Addr = ":9999"
	h(old, new)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
}

func TestReloadHandler_NoChangeKeepsLevel(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	level.Set(slog.LevelWarn)

	h := app.ReloadHandler(&level)
	h(config.Default(), config.Default())

	if level.Level() != slog.LevelWarn {
		t.Errorf("level = %v, want warn", level.Level())
	}
}
