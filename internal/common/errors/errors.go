// Package errors provides standardized error handling for workflow orchestration.
package errors

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies a failure independently of its message text. Adapters
// (platform, genai, oauth) must return one of these instead of relying on
// substring matching downstream.
type Kind string

const (
	// KindTerminal covers unknown workflow/step types, validation failures
	// and any condition that retrying cannot fix.
	KindTerminal Kind = "TERMINAL"
	// KindTransient covers timeouts, connection errors and 5xx responses.
	KindTransient Kind = "TRANSIENT"
	// KindNotFound marks a permanently-missing remote resource.
	KindNotFound Kind = "NOT_FOUND"
	// KindRateLimited marks a 429 or a locally-enforced publish rate limit.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindAuth marks authentication/authorization failures against the
	// external platform or the OAuth token endpoint.
	KindAuth Kind = "AUTH"
	// KindPolicyBlocked is not a failure: an approval gate is unmet and the
	// workflow must wait for a human decision.
	KindPolicyBlocked Kind = "POLICY_BLOCKED"
	// KindCredential marks an exhausted or invalid-grant credential that
	// needs tenant reconnection.
	KindCredential Kind = "CREDENTIAL"
)

// StandardError is the structured application error carried through the
// runner, queue manager and credential manager.
type StandardError struct {
	Kind      Kind                   `json:"kind"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s/%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches audit context (tenant, workflow id, step name).
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// Constructors
// ==========================

func NewTerminal(code, message string, cause error) *StandardError {
	return newError(KindTerminal, code, message, cause, false)
}

func NewTransient(code, message string, cause error) *StandardError {
	return newError(KindTransient, code, message, cause, true)
}

func NewNotFound(code, message string) *StandardError {
	return newError(KindNotFound, code, message, nil, false)
}

func NewRateLimited(code, message string) *StandardError {
	return newError(KindRateLimited, code, message, nil, false)
}

func NewAuth(code, message string, cause error) *StandardError {
	return newError(KindAuth, code, message, cause, false)
}

// NewPolicyBlocked reports an unmet approval gate. Reason names the gate
// ("confidence_below_threshold" etc.) so monitoring can tell it from a
// real failure.
func NewPolicyBlocked(reason string) *StandardError {
	e := newError(KindPolicyBlocked, "APPROVAL_REQUIRED", "response requires manual approval", nil, false)
	e.Details = reason
	return e
}

func NewCredential(code, message string, cause error) *StandardError {
	return newError(KindCredential, code, message, cause, false)
}

func newError(kind Kind, code, message string, cause error, retryable bool) *StandardError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return &StandardError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// ==========================
// Classification
// ==========================

// KindOf extracts the kind from any error chain. Unclassified errors are
// treated as terminal so an unexpected bug never loops forever.
func KindOf(err error) Kind {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Kind
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindTransient
	}
	return KindTerminal
}

// IsRetryable reports whether the in-process retry executor should attempt
// the operation again. A rate-limited error is only retryable when it says
// so explicitly: an upstream 429 is worth retrying after backoff, but a
// locally-enforced publish limit will not clear within one call.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Retryable || stdErr.Kind == KindTransient
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	return false
}

// IsPermanent reports whether the queue manager should dead-letter the
// publish attempt instead of rescheduling it.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindTerminal:
		return true
	}
	return false
}

// FromHTTPStatus classifies an HTTP response status from an outbound call.
// 429/502/503/504 are retryable; other 4xx are terminal (401/403 as auth,
// 404 as not found); 5xx are transient.
func FromHTTPStatus(service string, status int) *StandardError {
	msg := fmt.Sprintf("%s returned status %d", service, status)
	switch {
	case status == http.StatusTooManyRequests:
		e := NewRateLimited("UPSTREAM_RATE_LIMITED", msg)
		e.Retryable = true
		return e
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return NewTransient("UPSTREAM_UNAVAILABLE", msg, nil)
	case status == http.StatusNotFound:
		return NewNotFound("UPSTREAM_NOT_FOUND", msg)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return NewAuth("UPSTREAM_AUTH_FAILED", msg, nil)
	case status >= 500:
		return NewTransient("UPSTREAM_ERROR", msg, nil)
	default:
		return NewTerminal("UPSTREAM_REJECTED", msg, nil)
	}
}
