package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind categorizes why a provider request failed. The kind drives
// the retry and breaker decisions made above the adapter layer.
type ErrorKind string

const (
	// KindRateLimit indicates throttling by the provider (HTTP 429).
	KindRateLimit ErrorKind = "rate_limit"

	// KindAuthentication indicates a rejected credential (HTTP 401, 403).
	KindAuthentication ErrorKind = "authentication"

	// KindValidation indicates a request the provider refused as
	// malformed, including unknown models (HTTP 400, 404, 422).
	KindValidation ErrorKind = "validation"

	// KindContextWindow indicates the prompt exceeded the model's
	// context limit.
	KindContextWindow ErrorKind = "context_window"

	// KindServerError indicates provider-side failure (HTTP 5xx).
	KindServerError ErrorKind = "server_error"

	// KindTransport indicates a network-level failure: resets, refused
	// connections, DNS failures, timeouts.
	KindTransport ErrorKind = "transport"

	// KindUnknown indicates an unclassified error.
	KindUnknown ErrorKind = "unknown"
)

// Retryable reports whether the kind suggests a retry may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServerError, KindTransport:
		return true
	default:
		return false
	}
}

// Error is a classified failure from a provider adapter.
type Error struct {
	// Kind categorizes the failure for retry and breaker decisions.
	Kind ErrorKind

	// Provider is the adapter name, e.g. "anthropic".
	Provider string

	// Model is the wire model name that was requested.
	Model string

	// Status is the HTTP status code, when one was observed.
	Status int

	// Code is the provider-specific error code, when one was parsed.
	Code string

	// Message is the human-readable message.
	Message string

	// RetryAfter is the provider's requested backoff for rate-limit
	// failures, zero when the provider did not send one.
	RetryAfter time.Duration

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}

	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this failure is worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// NewError creates a classified Error from a raw failure.
func NewError(provider, model string, cause error) *Error {
	err := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Kind = Classify(cause)
	}

	return err
}

// WithStatus records the HTTP status and reclassifies from it. The
// status classification wins over the message-based one except when the
// message already pinned a context-window overflow, which providers
// commonly report under a generic 400.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if kind := classifyStatus(status); kind != KindUnknown && e.Kind != KindContextWindow {
		e.Kind = kind
	}
	return e
}

// WithCode records a provider-specific error code and reclassifies when
// the code is recognized.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if kind := classifyCode(code); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithMessage sets the human-readable message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithRetryAfter records the provider's requested backoff.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// Classify inspects an error's text and returns the matching kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	msg := strings.ToLower(err.Error())

	// Context-window overflow first: providers report it with 400s and
	// wording that would otherwise fall through to validation.
	if strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "input is too long") {
		return KindContextWindow
	}

	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "429") {
		return KindRateLimit
	}

	// An HTML body in place of a JSON error means the request never
	// reached the API proper: a proxy or gateway rejected it, almost
	// always over credentials.
	if strings.Contains(msg, "<html") ||
		strings.Contains(msg, "<!doctype html") {
		return KindAuthentication
	}

	if strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "unauthenticated") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid_api_key") ||
		strings.Contains(msg, "invalid x-api-key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "permission") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") {
		return KindAuthentication
	}

	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return KindTransport
	}

	if strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") {
		return KindServerError
	}

	if strings.Contains(msg, "invalid_request") ||
		strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "invalid argument") ||
		strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "model_not_found") ||
		strings.Contains(msg, "does not exist") {
		return KindValidation
	}

	return KindUnknown
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestEntityTooLarge:
		return KindContextWindow
	case status == http.StatusBadRequest ||
		status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// classifyCode maps provider-specific error codes to kinds.
func classifyCode(code string) ErrorKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		return KindRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return KindAuthentication
	case "context_length_exceeded":
		return KindContextWindow
	case "invalid_request_error", "not_found_error", "model_not_found":
		return KindValidation
	case "server_error", "internal_error", "api_error", "overloaded_error":
		return KindServerError
	default:
		return KindUnknown
	}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr, true
	}
	return nil, false
}

// IsRetryable reports whether an error, classified or raw, should be
// retried.
func IsRetryable(err error) bool {
	if provErr, ok := AsError(err); ok {
		return provErr.Retryable()
	}
	return Classify(err).Retryable()
}
