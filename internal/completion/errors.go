// ABOUTME: Error taxonomy for upstream completion streams
// ABOUTME: Classifies failures as transient network, upstream rejection or stream timeout

package completion

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies why a completion stream ended without a reply.
type Kind int

// Error kinds
const (
	KindUnknown Kind = iota
	// KindTransientNetwork covers connection failures. Retried only while
	// establishing the connection.
	KindTransientNetwork
	// KindUpstreamRejection covers refusals and non-stop finish reasons.
	KindUpstreamRejection
	// KindStreamTimeout is raised when no delta arrives within the
	// inactivity window.
	KindStreamTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindUpstreamRejection:
		return "upstream_rejection"
	case KindStreamTimeout:
		return "stream_timeout"
	default:
		return "unknown"
	}
}

// Error is a classified completion failure.
type Error struct {
	Kind         Kind
	Reason       string
	FinishReason FinishReason // set when the upstream ended with a non-stop reason
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("completion %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("completion %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// NewTimeoutError reports a stream that produced nothing for d.
func NewTimeoutError(d time.Duration) *Error {
	return &Error{
		Kind:   KindStreamTimeout,
		Reason: fmt.Sprintf("no data for %s", d),
	}
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is a network failure worth retrying: the
// request never reached the upstream, so trying again may succeed.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientNetwork
}

// UserMessage renders err as text suitable for showing to a person.
// Internal detail stays in the logs.
func UserMessage(err error) string {
	var cerr *Error
	if !errors.As(err, &cerr) {
		return "Something went wrong while generating the reply."
	}

	switch cerr.Kind {
	case KindTransientNetwork:
		return "The assistant is temporarily unreachable. Please try again."
	case KindStreamTimeout:
		return "The assistant stopped responding. Please try again."
	case KindUpstreamRejection:
		switch cerr.FinishReason {
		case FinishLength:
			return "The reply was cut short because it reached the maximum length."
		case FinishContentFilter:
			return "The reply was blocked by the provider's content filter."
		case FinishToolCalls:
			return "The assistant tried to use a tool, which this chat does not support."
		case FinishUnknown:
			return "The assistant stopped for an unexpected reason."
		}
		var herr *HTTPStatusError
		if errors.As(cerr, &herr) && herr.StatusCode == 429 {
			return "The assistant is busy right now. Please try again shortly."
		}
		return "The completion provider rejected the request."
	}
	return "Something went wrong while generating the reply."
}
