// Package errors defines the unified error taxonomy for gateway operations.
// All provider-specific and pipeline errors are mapped to these standard
// kinds before they reach the failover engine or the client.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Kind identifies an error class. Retryability and HTTP status are a pure
// function of the kind; they never depend on which provider produced it.
type Kind string

const (
	KindAuthentication      Kind = "authentication_error"
	KindPermissionDenied    Kind = "permission_denied_error"
	KindRateLimit           Kind = "rate_limit_error"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindModelNotFound       Kind = "model_not_found"
	KindInvalidRequest      Kind = "invalid_request_error"
	KindGuardrailViolation  Kind = "guardrail_violation"
	KindContentFilter       Kind = "content_filter"
	KindContextWindow       Kind = "context_window_exceeded"
	KindTimeout             Kind = "timeout_error"
	KindProviderRateLimit   Kind = "provider_rate_limit_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindChainExhausted      Kind = "all_deployments_exhausted"
	KindInternal            Kind = "internal_error"
)

// GatewayError is the standardized error carried through the pipeline.
// It contains everything needed for failover classification, logging,
// and the client-facing error envelope.
type GatewayError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Kind       Kind   `json:"type"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Param      string `json:"param,omitempty"`

	// Guardrail is set when Kind is KindGuardrailViolation.
	Guardrail string `json:"guardrail,omitempty"`
	// Scope names the rate-limit or budget scope that rejected the request
	// (e.g. "team_rpm", "key_tpm", "org_budget").
	Scope string `json:"scope,omitempty"`
	// RetryAfter is the suggested client backoff for rate-limit errors.
	RetryAfter time.Duration `json:"-"`

	Retryable bool `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Kind, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the status code for the client response.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the failover engine may retry this error
// against the same deployment.
func (e *GatewayError) IsRetryable() bool {
	return e.Retryable
}

// IsContextWindow reports whether the error signals that the prompt
// exceeded the deployment's context window.
func (e *GatewayError) IsContextWindow() bool {
	return e.Kind == KindContextWindow
}

// IsContentPolicy reports whether the error signals a content refusal.
func (e *GatewayError) IsContentPolicy() bool {
	return e.Kind == KindContentFilter
}

// NewAuthenticationError creates a 401 authentication error.
func NewAuthenticationError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Kind:       KindAuthentication,
	}
}

// NewPermissionDeniedError creates a 403 permission error.
func NewPermissionDeniedError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Kind:       KindPermissionDenied,
	}
}

// NewRateLimitError creates a 429 gateway-side rate limit error.
// The scope names which limit rejected the request (e.g. "team_rpm").
func NewRateLimitError(scope, message string, retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Kind:       KindRateLimit,
		Scope:      scope,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewBudgetExceededError creates a 400 hard-budget error.
func NewBudgetExceededError(scope, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Kind:       KindBudgetExceeded,
		Scope:      scope,
	}
}

// NewModelNotFoundError creates a 404 model resolution error.
func NewModelNotFoundError(model string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusNotFound,
		Message:    fmt.Sprintf("model %q does not resolve to any model group", model),
		Kind:       KindModelNotFound,
		Model:      model,
	}
}

// NewInvalidRequestError creates a 400 invalid request error.
func NewInvalidRequestError(model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Kind:       KindInvalidRequest,
		Model:      model,
	}
}

// NewGuardrailViolationError creates a 400 guardrail block.
func NewGuardrailViolationError(guardrail, violation string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    fmt.Sprintf("request blocked by guardrail %q: %s", guardrail, violation),
		Kind:       KindGuardrailViolation,
		Guardrail:  guardrail,
	}
}

// NewContentFilterError creates a 400 content refusal error. It is not
// retryable but may trigger the content-policy fallback branch.
func NewContentFilterError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Kind:       KindContentFilter,
		Provider:   provider,
		Model:      model,
	}
}

// NewContextWindowError creates a 400 context-window error. It is not
// retryable but may trigger the context-window fallback branch.
func NewContextWindowError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Kind:       KindContextWindow,
		Provider:   provider,
		Model:      model,
	}
}

// NewTimeoutError creates a retryable 408 timeout error.
func NewTimeoutError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Kind:       KindTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewProviderRateLimitError creates a retryable 429 from an upstream provider.
func NewProviderRateLimitError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Kind:       KindProviderRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewUpstreamUnavailableError creates a retryable 502/503 error.
func NewUpstreamUnavailableError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Kind:       KindUpstreamUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates a 500 internal error.
func NewInternalError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Kind:       KindInternal,
	}
}

// IsRetryableStatus classifies an HTTP status as retryable. This is the
// single retryability rule used by the failover engine: 408, 429, 502,
// 503, and 504. Connection errors and deadline expiry are classified
// retryable before they are mapped to a status.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// FromStatus maps an upstream HTTP status to the corresponding error kind.
// Provider adapters use this as the default mapping before applying
// provider-specific refinements (content filter, context window).
func FromStatus(statusCode int, provider, model, message string) *GatewayError {
	switch {
	case statusCode == http.StatusUnauthorized:
		e := NewAuthenticationError(message)
		e.Provider, e.Model = provider, model
		return e
	case statusCode == http.StatusForbidden:
		e := NewPermissionDeniedError(message)
		e.Provider, e.Model = provider, model
		return e
	case statusCode == http.StatusNotFound:
		e := NewModelNotFoundError(model)
		e.Provider, e.Message = provider, message
		return e
	case statusCode == http.StatusTooManyRequests:
		return NewProviderRateLimitError(provider, model, message)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		e := NewTimeoutError(provider, model, message)
		e.StatusCode = statusCode
		return e
	case statusCode == http.StatusBadGateway || statusCode == http.StatusServiceUnavailable:
		e := NewUpstreamUnavailableError(provider, model, message)
		e.StatusCode = statusCode
		return e
	case statusCode >= 400 && statusCode < 500:
		return NewInvalidRequestError(model, message)
	default:
		e := NewInternalError(message)
		e.Provider, e.Model = provider, model
		return e
	}
}

// IsCooldownRequired determines whether a deployment failure should count
// toward cooldown. Client-shaped 4xx errors do not; rate limits, auth
// failures, timeouts, and every 5xx do.
func IsCooldownRequired(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusTooManyRequests,
			http.StatusUnauthorized,
			http.StatusRequestTimeout:
			return true
		default:
			return false
		}
	}
	return statusCode >= 500
}
