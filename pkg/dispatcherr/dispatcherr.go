// Package dispatcherr provides the typed error kinds surfaced across the
// LLM dispatch core and their mapping onto the system's HTTP error
// envelopes. Generalized from the prior pkg/apierr, which covers
// only provider/rate-limit/timeout errors for a single OpenAI-compatible
// surface; this package names one type per dispatch-core error kind
// instead.
package dispatcherr

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// StatusCoder is implemented by every error kind below so callers can map
// an error to an HTTP status without a type switch.
type StatusCoder interface {
	HTTPStatus() int
}

// BackendUnavailableError — C1 transport failure (connection refused, DNS,
// etc). Policy: retry with next backend (non-streaming only); else surface.
type BackendUnavailableError struct {
	Backend string
	Cause   error
}

func (e *BackendUnavailableError) Error() string {
	return "backend unavailable: " + e.Backend + ": " + e.Cause.Error()
}
func (e *BackendUnavailableError) Unwrap() error { return e.Cause }
func (*BackendUnavailableError) HTTPStatus() int { return fasthttp.StatusBadGateway }

// ProviderError — C1 non-2xx response from the remote backend. Policy:
// retry once on 5xx; surface on 4xx.
type ProviderError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string { return "provider error (" + e.Backend + "): " + e.Message }
func (e *ProviderError) HTTPStatus() int {
	if e.StatusCode == fasthttp.StatusTooManyRequests {
		return fasthttp.StatusTooManyRequests
	}
	if e.StatusCode >= 500 {
		return fasthttp.StatusBadGateway
	}
	return fasthttp.StatusBadGateway
}

// Retryable reports whether this provider error should be retried against
// the next candidate backend: 5xx and unclassified errors are retryable,
// 4xx are not (mirrors failover.go's isRetryable rule).
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// DecodeError — C1 malformed response. Policy: surface; do not retry.
type DecodeError struct {
	Backend string
	Cause   error
}

func (e *DecodeError) Error() string      { return "decode error (" + e.Backend + "): " + e.Cause.Error() }
func (e *DecodeError) Unwrap() error      { return e.Cause }
func (*DecodeError) HTTPStatus() int      { return fasthttp.StatusBadGateway }

// RateLimitedError — C4 deny. Policy: surface with retry_after.
type RateLimitedError struct {
	Key        string
	Category   string
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "rate limited: " + e.Category + ":" + e.Key }
func (*RateLimitedError) HTTPStatus() int { return fasthttp.StatusTooManyRequests }

// QueueTimeoutError — C7 admission timeout (task expired in the heap
// before a worker picked it up). Policy: record metric; surface as
// transient failure.
type QueueTimeoutError struct {
	TaskID string
	Waited time.Duration
}

func (e *QueueTimeoutError) Error() string { return "queue admission timeout: " + e.TaskID }
func (*QueueTimeoutError) HTTPStatus() int { return fasthttp.StatusServiceUnavailable }

// ExecutionTimeoutError — C7 worker deadline exceeded. Policy: record
// metric; surface.
type ExecutionTimeoutError struct {
	TaskID string
	Budget time.Duration
}

func (e *ExecutionTimeoutError) Error() string { return "execution timeout: " + e.TaskID }
func (*ExecutionTimeoutError) HTTPStatus() int { return fasthttp.StatusGatewayTimeout }

// CancelledError — caller abort. Policy: propagate; no retry.
type CancelledError struct {
	TaskID string
}

func (e *CancelledError) Error() string { return "cancelled: " + e.TaskID }
func (*CancelledError) HTTPStatus() int { return 499 }

// NoSuchBackendError — C2 lookup miss. Policy: surface as 400-class.
type NoSuchBackendError struct {
	ID string
}

func (e *NoSuchBackendError) Error() string { return "no such backend: " + e.ID }
func (*NoSuchBackendError) HTTPStatus() int { return fasthttp.StatusBadRequest }

// CacheUnavailableError — C5 backing store down. Policy: log once,
// degrade silently; this type exists mainly for the one log line, since
// callers otherwise never see a cache failure (a miss is not an error).
type CacheUnavailableError struct{ Cause error }

func (e *CacheUnavailableError) Error() string { return "cache unavailable: " + e.Cause.Error() }
func (e *CacheUnavailableError) Unwrap() error { return e.Cause }
func (*CacheUnavailableError) HTTPStatus() int { return fasthttp.StatusInternalServerError }

// MetricsUnavailableError — C3 backing store down. Policy: log once,
// degrade silently (the recorder falls back to its in-memory table).
type MetricsUnavailableError struct{ Cause error }

func (e *MetricsUnavailableError) Error() string { return "metrics unavailable: " + e.Cause.Error() }
func (e *MetricsUnavailableError) Unwrap() error { return e.Cause }
func (*MetricsUnavailableError) HTTPStatus() int { return fasthttp.StatusInternalServerError }

// --- HTTP envelope writers ---

type rateLimitEnvelope struct {
	Message    string  `json:"message"`
	ResetAt    float64 `json:"reset_at"`
	RetryAfter float64 `json:"retry_after"`
}

type serverErrorEnvelope struct {
	ErrorCode   string `json:"error_code"`
	Message     string `json:"message"`
	UserMessage string `json:"user_message"`
	Details     string `json:"details,omitempty"`
}

// WriteRateLimit writes the 429 envelope for a RateLimitedError.
func WriteRateLimit(ctx *fasthttp.RequestCtx, e *RateLimitedError) {
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	retryAfter := e.RetryAfter.Seconds()
	if retryAfter <= 0 {
		retryAfter = time.Until(e.ResetAt).Seconds()
	}
	if retryAfter <= 0 {
		retryAfter = 1
	}
	ctx.Response.Header.Set("Retry-After", formatSeconds(retryAfter))
	body, _ := json.Marshal(rateLimitEnvelope{
		Message:    "rate limit exceeded",
		ResetAt:    float64(e.ResetAt.Unix()),
		RetryAfter: retryAfter,
	})
	ctx.SetBody(body)
}

// Write maps any error to the HTTP envelope: a RateLimitedError
// gets the 429 shape; everything else (including unrecognized errors) gets
// the 500-class {error_code, message, user_message, details} shape with
// whatever status a StatusCoder reports, defaulting to 500.
func Write(ctx *fasthttp.RequestCtx, err error) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		WriteRateLimit(ctx, rl)
		return
	}

	status := fasthttp.StatusInternalServerError
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(serverErrorEnvelope{
		ErrorCode:   errorCode(err),
		Message:     err.Error(),
		UserMessage: "the request could not be completed",
		Details:     "",
	})
	ctx.SetBody(body)
}

func errorCode(err error) string {
	switch {
	case errors.As(err, new(*BackendUnavailableError)):
		return "backend_unavailable"
	case errors.As(err, new(*ProviderError)):
		return "provider_error"
	case errors.As(err, new(*DecodeError)):
		return "decode_error"
	case errors.As(err, new(*QueueTimeoutError)):
		return "queue_timeout"
	case errors.As(err, new(*ExecutionTimeoutError)):
		return "execution_timeout"
	case errors.As(err, new(*CancelledError)):
		return "cancelled"
	case errors.As(err, new(*NoSuchBackendError)):
		return "no_such_backend"
	case errors.As(err, new(*CacheUnavailableError)):
		return "cache_unavailable"
	case errors.As(err, new(*MetricsUnavailableError)):
		return "metrics_unavailable"
	default:
		return "internal_error"
	}
}

func formatSeconds(s float64) string {
	secs := int64(s + 0.5)
	if secs < 0 {
		secs = 0
	}
	return strconv.FormatInt(secs, 10)
}
