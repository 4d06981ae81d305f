package provider

import (
	"fmt"
	"net/http"
	"strings"
)

// FailKind categorizes why a model call failed. The client's retry loop
// keys off this.
type FailKind string

const (
	// FailToolUse means the provider rejected its own malformed tool output
	// and echoed the generated text in the error body. Recoverable.
	FailToolUse FailKind = "tool_use_failed"

	// FailRateLimit means the provider throttled the request (HTTP 429).
	FailRateLimit FailKind = "rate_limit"

	// FailTransient covers timeouts and server-side errors worth retrying.
	FailTransient FailKind = "transient"

	// FailFatal covers auth, billing, bad-request and anything else where a
	// retry cannot help.
	FailFatal FailKind = "fatal"
)

// Retryable reports whether another attempt may succeed.
func (k FailKind) Retryable() bool {
	return k == FailToolUse || k == FailRateLimit || k == FailTransient
}

// Error is a structured provider failure. Body holds the raw error body for
// tool-use-failed errors so the client can attempt recovery.
type Error struct {
	Kind     FailKind
	Provider string
	Model    string
	Status   int
	Body     string
	Cause    error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WrapError builds an Error around a raw provider failure, classifying it
// from the error text. Already-wrapped errors pass through unchanged.
func WrapError(providerName, model string, cause error) *Error {
	if cause == nil {
		return nil
	}
	if pe, ok := cause.(*Error); ok {
		return pe
	}
	return &Error{
		Kind:     classify(cause.Error()),
		Provider: providerName,
		Model:    model,
		Body:     cause.Error(),
		Cause:    cause,
	}
}

func classify(msg string) FailKind {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "tool_use_failed"),
		strings.Contains(lower, "failed_generation"),
		strings.Contains(lower, "tool use failed"):
		return FailToolUse

	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "429"):
		return FailRateLimit

	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "internal server"),
		strings.Contains(lower, "server error"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "504"):
		return FailTransient

	default:
		return FailFatal
	}
}

// ClassifyStatus maps an HTTP status code to a FailKind, for adapters that
// surface structured API errors.
func ClassifyStatus(status int) FailKind {
	switch {
	case status == http.StatusTooManyRequests:
		return FailRateLimit
	case status == http.StatusRequestTimeout || status >= 500:
		return FailTransient
	default:
		return FailFatal
	}
}
