package llm

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrModelUnavailable indicates a transient provider failure (network
	// error, timeout, rate limit, server error). Callers may retry.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrModelRejected indicates the provider permanently rejected the
	// request (malformed input, auth failure). Callers must not retry.
	ErrModelRejected = errors.New("model rejected request")
)

// IsTransient reports whether the gateway error may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrModelUnavailable)
}

// classifyStatus maps an HTTP response status to the gateway error taxonomy.
// 429 and all 5xx are transient; every other non-2xx status is permanent.
func classifyStatus(status int) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return ErrModelUnavailable
	}
	return ErrModelRejected
}

// classifyTransportError maps a transport-level failure to the taxonomy.
// Caller cancellation is passed through untouched; everything else that
// failed before an HTTP status arrived (DNS, dial, timeout) is transient.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return ErrModelUnavailable
}
