// Package fault defines the failure taxonomy shared by the model adapters,
// the pipeline coordinator, and the connection supervisor.
//
// Failures travel as tagged values rather than ad-hoc error strings: every
// adapter classifies its transport and backend errors into a [Kind] at the
// edge, and downstream policy (retry, stage-failure reactions, client error
// events) is driven entirely off that kind. This keeps one policy table in
// the coordinator regardless of which stage failed.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failure. Kinds are stable identifiers and appear in logs
// and diagnostics; they are not free-form text.
type Kind string

const (
	// Timeout means a stage exceeded its deadline or a call was cancelled.
	Timeout Kind = "timeout"

	// UpstreamUnavailable means the adapter could not reach its backend, or
	// the backend reported a transient condition (5xx, model loading).
	UpstreamUnavailable Kind = "upstream_unavailable"

	// UpstreamRejected means the backend returned a hard refusal: bad
	// credentials, forbidden content, or exhausted quota. Not retryable.
	UpstreamRejected Kind = "upstream_rejected"

	// InvalidInput means the input failed local validation before any
	// network call (wrong sample rate, malformed image, empty text).
	InvalidInput Kind = "invalid_input"

	// EmptyTranscription means STT succeeded but produced no text. The
	// session is dropped silently; no client error is emitted.
	EmptyTranscription Kind = "empty_transcription"

	// ScreenUnavailable means a screen-capture request timed out or the
	// client had no active share.
	ScreenUnavailable Kind = "screen_unavailable"

	// Backpressure means the outbound queue overflowed and the connection
	// was closed.
	Backpressure Kind = "backpressure"

	// Internal means an invariant was violated. The affected connection is
	// closed; the process keeps running.
	Internal Kind = "internal"
)

// Error is a failure tagged with its [Kind]. It wraps the underlying cause
// when there is one, so call sites can still reach sentinel errors through
// [errors.Is] and [errors.As].
type Error struct {
	Kind Kind
	Err  error
}

// New returns an [*Error] of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. A nil err yields a nil result.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from err. Untagged errors are classified by
// shape: context cancellation and deadline expiry are [Timeout], network
// errors are [UpstreamUnavailable], anything else is [Internal].
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout
		}
		return UpstreamUnavailable
	}
	return Internal
}

// IsKind reports whether err carries the given kind per [KindOf].
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a failure of this kind may be retried. Only
// transient conditions qualify; rejections and validation failures repeat
// deterministically.
func (k Kind) Retryable() bool {
	return k == Timeout || k == UpstreamUnavailable
}

// FromStatusCode classifies an HTTP response status from an inference
// backend. 2xx is not a fault and returns the empty kind.
func FromStatusCode(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return Timeout
	case code == http.StatusServiceUnavailable || code >= 500:
		// 503 includes Hugging Face "model is loading"; worth retrying.
		return UpstreamUnavailable
	case code == http.StatusUnauthorized || code == http.StatusForbidden ||
		code == http.StatusTooManyRequests || code == http.StatusPaymentRequired:
		return UpstreamRejected
	case code == http.StatusRequestEntityTooLarge || code == http.StatusUnsupportedMediaType ||
		code == http.StatusUnprocessableEntity || code == http.StatusBadRequest:
		return UpstreamRejected
	default:
		return UpstreamRejected
	}
}
