package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// Kind classifies an upstream failure. It drives both the retry decision in
// the backoff executor and the user-facing messaging in the presentation
// layer, so the set of values is a stable contract.
type Kind string

const (
	// KindNetwork means no response was received at all.
	KindNetwork Kind = "network"

	// KindTimeout means the request or a dial deadline expired.
	KindTimeout Kind = "timeout"

	// KindRateLimited means the upstream answered 429.
	KindRateLimited Kind = "rate_limited"

	// KindNotFound means the upstream answered 404.
	KindNotFound Kind = "not_found"

	// KindClient covers the remaining 4xx statuses.
	KindClient Kind = "client"

	// KindServer covers 5xx statuses.
	KindServer Kind = "server"

	// KindUnknown covers everything else, including transport-level
	// protocol mismatches (see APIError.ProtocolFailure).
	KindUnknown Kind = "unknown"
)

// APIError is the classified form of an upstream failure.
type APIError struct {
	Kind   Kind
	Status int

	// RetryAfter is the server-requested wait for KindRateLimited.
	RetryAfter time.Duration

	// ProtocolFailure marks a transport-level stream-protocol mismatch.
	// The backoff executor flags the host for an HTTP/1.1 downgrade and
	// retries immediately when this is set.
	ProtocolFailure bool

	// Attempts is filled in by the backoff executor on final failure.
	Attempts int

	Message string
	Err     error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("upstream %s error", e.Kind)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the backoff executor may attempt the call again.
// 4xx statuses (429 excepted) are final: retrying them wastes the upstream
// error budget.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return e.ProtocolFailure
	}
}

// DefaultRetryAfter is assumed when a 429 carries no Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// protocolFailureMarkers are error-string signatures of an HTTP/2 stream
// that the upstream (or a middlebox) cannot speak. Seeing one of these
// means the host needs an HTTP/1.1 downgrade, not a slower retry.
var protocolFailureMarkers = []string{
	"PROTOCOL_ERROR",
	"HTTP_1_1_REQUIRED",
	"http2: server sent GOAWAY",
	"REFUSED_STREAM",
}

// Classify maps a raw transport outcome to an APIError. A nil return means
// the outcome is a success (2xx/3xx). The function is pure: it inspects only
// its arguments and never touches the response body.
func Classify(status int, header http.Header, err error) *APIError {
	if err != nil {
		for _, marker := range protocolFailureMarkers {
			if strings.Contains(err.Error(), marker) {
				return &APIError{Kind: KindUnknown, ProtocolFailure: true, Message: "protocol mismatch", Err: err}
			}
		}
		if isTimeout(err) {
			return &APIError{Kind: KindTimeout, Message: "request timed out", Err: err}
		}
		return &APIError{Kind: KindNetwork, Message: "no response received", Err: err}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &APIError{
			Kind:       KindRateLimited,
			Status:     status,
			RetryAfter: parseRetryAfter(header),
		}
	case status == http.StatusNotFound:
		return &APIError{Kind: KindNotFound, Status: status}
	case status >= 400 && status < 500:
		return &APIError{Kind: KindClient, Status: status}
	case status >= 500:
		return &APIError{Kind: KindServer, Status: status}
	default:
		return nil
	}
}

// parseRetryAfter reads the Retry-After header as integer seconds.
// Falls back to DefaultRetryAfter when absent or unparseable.
func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return DefaultRetryAfter
	}
	raw := header.Get("Retry-After")
	if raw == "" {
		return DefaultRetryAfter
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds < 0 {
		return DefaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// errorDetail extracts the first human-readable detail from an upstream
// error body of shape {"errors":[{"detail":"..."}]}.
func errorDetail(body []byte) string {
	var envelope struct {
		Errors []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.Errors) == 0 {
		return ""
	}
	return envelope.Errors[0].Detail
}
