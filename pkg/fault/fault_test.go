package fault_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/echolens-ai/echolens/pkg/fault"
)

// fakeNetError implements net.Error for classification tests.
type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string   { return "fake network error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

func TestKindOf_TaggedError(t *testing.T) {
	err := fault.New(fault.UpstreamRejected, "quota exhausted")
	if got := fault.KindOf(err); got != fault.UpstreamRejected {
		t.Errorf("KindOf = %q, want %q", got, fault.UpstreamRejected)
	}
}

func TestKindOf_SeesThroughWrapping(t *testing.T) {
	inner := fault.New(fault.ScreenUnavailable, "no active share")
	err := fmt.Errorf("pipeline stage: %w", inner)
	if got := fault.KindOf(err); got != fault.ScreenUnavailable {
		t.Errorf("KindOf = %q, want %q", got, fault.ScreenUnavailable)
	}
}

func TestKindOf_ContextErrors(t *testing.T) {
	if got := fault.KindOf(context.DeadlineExceeded); got != fault.Timeout {
		t.Errorf("DeadlineExceeded classified as %q, want %q", got, fault.Timeout)
	}
	if got := fault.KindOf(context.Canceled); got != fault.Timeout {
		t.Errorf("Canceled classified as %q, want %q", got, fault.Timeout)
	}
}

func TestKindOf_NetworkErrors(t *testing.T) {
	if got := fault.KindOf(&fakeNetError{timeout: true}); got != fault.Timeout {
		t.Errorf("net timeout classified as %q, want %q", got, fault.Timeout)
	}
	if got := fault.KindOf(&fakeNetError{timeout: false}); got != fault.UpstreamUnavailable {
		t.Errorf("net error classified as %q, want %q", got, fault.UpstreamUnavailable)
	}
}

func TestKindOf_Defaults(t *testing.T) {
	if got := fault.KindOf(errors.New("mystery")); got != fault.Internal {
		t.Errorf("plain error classified as %q, want %q", got, fault.Internal)
	}
	if got := fault.KindOf(nil); got != "" {
		t.Errorf("nil classified as %q, want empty", got)
	}
}

func TestWrap_NilYieldsNil(t *testing.T) {
	if got := fault.Wrap(fault.Internal, nil); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	err := fault.Wrap(fault.UpstreamUnavailable, fmt.Errorf("read body: %w", io.ErrUnexpectedEOF))
	if want := "upstream_unavailable: read body: unexpected EOF"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("sentinel not reachable through the wrapper")
	}
}

func TestIsKind(t *testing.T) {
	err := fault.New(fault.Backpressure, "queue full")
	if !fault.IsKind(err, fault.Backpressure) {
		t.Error("IsKind should match the tagged kind")
	}
	if fault.IsKind(err, fault.Timeout) {
		t.Error("IsKind matched the wrong kind")
	}
	if fault.IsKind(nil, fault.Timeout) {
		t.Error("IsKind should be false for nil")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind fault.Kind
		want bool
	}{
		{fault.Timeout, true},
		{fault.UpstreamUnavailable, true},
		{fault.UpstreamRejected, false},
		{fault.InvalidInput, false},
		{fault.EmptyTranscription, false},
		{fault.ScreenUnavailable, false},
		{fault.Backpressure, false},
		{fault.Internal, false},
	}
	for _, c := range cases {
		if got := c.kind.Retryable(); got != c.want {
			t.Errorf("%s.Retryable() = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestFromStatusCode(t *testing.T) {
	cases := []struct {
		code int
		want fault.Kind
	}{
		{http.StatusOK, ""},
		{http.StatusNoContent, ""},
		{http.StatusRequestTimeout, fault.Timeout},
		{http.StatusGatewayTimeout, fault.Timeout},
		{http.StatusServiceUnavailable, fault.UpstreamUnavailable},
		{http.StatusInternalServerError, fault.UpstreamUnavailable},
		{http.StatusBadGateway, fault.UpstreamUnavailable},
		{http.StatusUnauthorized, fault.UpstreamRejected},
		{http.StatusForbidden, fault.UpstreamRejected},
		{http.StatusTooManyRequests, fault.UpstreamRejected},
		{http.StatusBadRequest, fault.UpstreamRejected},
		{http.StatusRequestEntityTooLarge, fault.UpstreamRejected},
		{http.StatusUnprocessableEntity, fault.UpstreamRejected},
		{http.StatusTeapot, fault.UpstreamRejected},
	}
	for _, c := range cases {
		if got := fault.FromStatusCode(c.code); got != c.want {
			t.Errorf("FromStatusCode(%d) = %q, want %q", c.code, got, c.want)
		}
	}
}
