// Package autherr defines the error taxonomy for token acquisition. Errors
// are classified so that callers (and the orchestrator's retry loop) can
// distinguish configuration mistakes, signing failures, provider-reported
// protocol errors, interaction-required conditions and cache persistence
// failures without string matching.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigError indicates invalid configuration supplied by the caller:
// a malformed authority, an unsupported authority type, or an invalid
// credential. Never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// Configf creates a ConfigError with a formatted reason.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// CryptoError indicates a signing or certificate decoding failure.
// Never retried.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("cryptographic failure during %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// ServiceError is a non-2xx response from the token endpoint, carrying the
// provider's error code triple. StatusCode is zero when the request failed
// before a response was received (network failure, cancellation).
type ServiceError struct {
	StatusCode    int
	ErrorCode     string
	SubError      string
	CorrelationID string
	Description   string
	Err           error
}

func (e *ServiceError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("token endpoint error %q (suberror %q, status %d, correlation %s): %s",
			e.ErrorCode, e.SubError, e.StatusCode, e.CorrelationID, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("token endpoint request failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("token endpoint request failed with status %d", e.StatusCode)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure may succeed on retry: throttling,
// server-side transient failures, and transport-level errors. Protocol
// errors (invalid_grant, invalid_client, invalid_scope, unauthorized_client)
// are permanent.
func (e *ServiceError) Transient() bool {
	switch e.ErrorCode {
	case "invalid_grant", "invalid_client", "invalid_scope", "unauthorized_client",
		"invalid_request", "unsupported_grant_type", "access_denied":
		return false
	case "temporarily_unavailable":
		return true
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 0:
		// no response received at all
		return true
	}
	return false
}

// InteractionRequiredError signals that the silent path cannot proceed:
// the provider requires user interaction (consent, MFA, password reset).
// Permanent for the silent flow, actionable by falling back to an
// interactive flow.
type InteractionRequiredError struct {
	ServiceError
}

func (e *InteractionRequiredError) Error() string {
	return "user interaction required: " + e.ServiceError.Error()
}

// CacheUnavailableError indicates that a cache access aspect failed. The
// in-memory operation already performed in the same acquisition is preserved
// but it is not guaranteed to have been persisted.
type CacheUnavailableError struct {
	Stage string // "before" or "after"
	Err   error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("token cache unavailable (%s-access aspect): %v", e.Stage, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable service failure. Config,
// crypto, interaction-required and permanent protocol errors return false.
func IsTransient(err error) bool {
	var ir *InteractionRequiredError
	if errors.As(err, &ir) {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return false
}

// IsInvalidGrant reports whether err is the provider's invalid_grant
// response, which signals a silently-revoked or expired refresh token.
func IsInvalidGrant(err error) bool {
	var ir *InteractionRequiredError
	if errors.As(err, &ir) {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.ErrorCode == "invalid_grant"
	}
	return false
}
