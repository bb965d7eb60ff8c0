package hf_test

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/provider/stt"
	"github.com/echolens-ai/echolens/pkg/provider/stt/hf"
)

// capturedRequest records what the fake Inference API received.
type capturedRequest struct {
	auth        string
	contentType string
	body        []byte
}

// newInferenceServer serves the given status and JSON body for every POST,
// recording the last request into captured and counting calls.
func newInferenceServer(t *testing.T, status int, response any, captured *capturedRequest, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if captured != nil {
			captured.auth = r.Header.Get("Authorization")
			captured.contentType = r.Header.Get("Content-Type")
			captured.body, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
}

// speechSamples generates a 440 Hz sine so the WAV payload carries real PCM.
func speechSamples(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func TestTranscribe_Success(t *testing.T) {
	var captured capturedRequest
	srv := newInferenceServer(t, http.StatusOK, map[string]string{"text": " Hello world."}, &captured, nil)
	defer srv.Close()

	p := hf.New("test-token", hf.WithBaseURL(srv.URL), hf.WithModel("openai/whisper-large-v3"))
	res, err := p.Transcribe(context.Background(), stt.Request{
		Samples:    speechSamples(1600),
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Text != " Hello world." {
		t.Errorf("text = %q, want %q", res.Text, " Hello world.")
	}
	if res.ProcessingTime <= 0 {
		t.Error("expected a positive processing time")
	}
	if captured.auth != "Bearer test-token" {
		t.Errorf("authorization = %q, want bearer token", captured.auth)
	}
	if captured.contentType != "audio/wav" {
		t.Errorf("content type = %q, want audio/wav", captured.contentType)
	}
	if len(captured.body) != 44+1600*2 {
		t.Errorf("upload size = %d, want %d", len(captured.body), 44+1600*2)
	}
	if string(captured.body[0:4]) != "RIFF" {
		t.Error("upload is not a WAV container")
	}
}

func TestTranscribe_EmptyAudioRejectedLocally(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, http.StatusOK, map[string]string{"text": "x"}, nil, &calls)
	defer srv.Close()

	p := hf.New("t", hf.WithBaseURL(srv.URL))
	_, err := p.Transcribe(context.Background(), stt.Request{SampleRate: 16000})
	if !fault.IsKind(err, fault.InvalidInput) {
		t.Fatalf("expected invalid_input, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("validation failure must not reach the backend")
	}
}

func TestTranscribe_InvalidSampleRate(t *testing.T) {
	p := hf.New("t")
	_, err := p.Transcribe(context.Background(), stt.Request{Samples: speechSamples(10)})
	if !fault.IsKind(err, fault.InvalidInput) {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}

func TestTranscribe_ModelLoadingIsRetryable(t *testing.T) {
	srv := newInferenceServer(t, http.StatusServiceUnavailable, map[string]any{
		"error":          "Model openai/whisper-large-v3 is currently loading",
		"estimated_time": 20.0,
	}, nil, nil)
	defer srv.Close()

	p := hf.New("t", hf.WithBaseURL(srv.URL))
	_, err := p.Transcribe(context.Background(), stt.Request{Samples: speechSamples(100), SampleRate: 16000})

	if !fault.IsKind(err, fault.UpstreamUnavailable) {
		t.Fatalf("expected upstream_unavailable, got %v", err)
	}
	if !fault.KindOf(err).Retryable() {
		t.Error("model loading must be retryable")
	}
	if !strings.Contains(err.Error(), "currently loading") {
		t.Errorf("error should carry the backend detail, got %q", err)
	}
}

func TestTranscribe_BadTokenIsNotRetryable(t *testing.T) {
	srv := newInferenceServer(t, http.StatusUnauthorized, map[string]string{"error": "Invalid token"}, nil, nil)
	defer srv.Close()

	p := hf.New("bad", hf.WithBaseURL(srv.URL))
	_, err := p.Transcribe(context.Background(), stt.Request{Samples: speechSamples(100), SampleRate: 16000})

	if !fault.IsKind(err, fault.UpstreamRejected) {
		t.Fatalf("expected upstream_rejected, got %v", err)
	}
	if fault.KindOf(err).Retryable() {
		t.Error("a credential failure must not be retried")
	}
}

func TestTranscribe_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	p := hf.New("t", hf.WithBaseURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.Transcribe(ctx, stt.Request{Samples: speechSamples(100), SampleRate: 16000})
	if !fault.IsKind(err, fault.Timeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestTranscribe_OversizedUtteranceRejected(t *testing.T) {
	// 4 MiB of WAV is the cap; 2.2M samples exceed it.
	p := hf.New("t")
	_, err := p.Transcribe(context.Background(), stt.Request{
		Samples:    make([]float32, 2_200_000),
		SampleRate: 16000,
	})
	if !fault.IsKind(err, fault.InvalidInput) {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}

func TestPing(t *testing.T) {
	t.Run("loaded model", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodHead {
				t.Errorf("ping used %s, want HEAD", r.Method)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		if err := hf.New("t", hf.WithBaseURL(srv.URL)).Ping(context.Background()); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("loading model still healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		if err := hf.New("t", hf.WithBaseURL(srv.URL)).Ping(context.Background()); err != nil {
			t.Errorf("a loading model should not fail the ping, got: %v", err)
		}
	})

	t.Run("auth failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()
		if err := hf.New("t", hf.WithBaseURL(srv.URL)).Ping(context.Background()); err == nil {
			t.Error("expected an error for HTTP 401")
		}
	})
}
