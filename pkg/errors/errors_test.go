package errors

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsSetStatusAndKind(t *testing.T) {
	tests := []struct {
		name   string
		err    *GatewayError
		status int
		kind   Kind
	}{
		{"authentication", NewAuthenticationError("m"), http.StatusUnauthorized, KindAuthentication},
		{"permission", NewPermissionDeniedError("m"), http.StatusForbidden, KindPermissionDenied},
		{"rate limit", NewRateLimitError("key", "m", time.Second), http.StatusTooManyRequests, KindRateLimit},
		{"budget", NewBudgetExceededError("key", "m"), http.StatusBadRequest, KindBudgetExceeded},
		{"model not found", NewModelNotFoundError("gpt-x"), http.StatusNotFound, KindModelNotFound},
		{"invalid request", NewInvalidRequestError("gpt-x", "m"), http.StatusBadRequest, KindInvalidRequest},
		{"context window", NewContextWindowError("openai", "gpt-x", "m"), http.StatusBadRequest, KindContextWindow},
		{"timeout", NewTimeoutError("openai", "gpt-x", "m"), http.StatusRequestTimeout, KindTimeout},
		{"provider rate limit", NewProviderRateLimitError("openai", "gpt-x", "m"), http.StatusTooManyRequests, KindProviderRateLimit},
		{"upstream unavailable", NewUpstreamUnavailableError("openai", "gpt-x", "m"), http.StatusServiceUnavailable, KindUpstreamUnavailable},
		{"internal", NewInternalError("m"), http.StatusInternalServerError, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.StatusCode)
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.status, tt.err.HTTPStatusCode())
		})
	}
}

func TestHTTPStatusCodeDefault(t *testing.T) {
	e := &GatewayError{Message: "m"}
	assert.Equal(t, http.StatusInternalServerError, e.HTTPStatusCode())
}

func TestClassifiers(t *testing.T) {
	assert.True(t, NewContextWindowError("p", "m", "x").IsContextWindow())
	assert.False(t, NewInvalidRequestError("m", "x").IsContextWindow())
	assert.True(t, NewContentFilterError("p", "m", "x").IsContentPolicy())
	assert.False(t, NewContextWindowError("p", "m", "x").IsContentPolicy())
	assert.True(t, NewProviderRateLimitError("p", "m", "x").IsRetryable())
	assert.False(t, NewInvalidRequestError("m", "x").IsRetryable())
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 502, 503, 504} {
		assert.True(t, IsRetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422, 500, 501} {
		assert.False(t, IsRetryableStatus(code), "status %d", code)
	}
}

func TestIsCooldownRequired(t *testing.T) {
	for _, code := range []int{401, 408, 429, 500, 502, 503, 504} {
		assert.True(t, IsCooldownRequired(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 403, 404, 422} {
		assert.False(t, IsCooldownRequired(code), "status %d", code)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{401, KindAuthentication},
		{403, KindPermissionDenied},
		{404, KindModelNotFound},
		{429, KindProviderRateLimit},
		{408, KindTimeout},
		{504, KindTimeout},
		{502, KindUpstreamUnavailable},
		{503, KindUpstreamUnavailable},
		{422, KindInvalidRequest},
		{500, KindInternal},
	}
	for _, tt := range tests {
		err := FromStatus(tt.status, "openai", "gpt-4o", "upstream said no")
		assert.Equal(t, tt.kind, err.Kind, "status %d", tt.status)
	}

	// Timeout and unavailable keep the upstream status.
	assert.Equal(t, 504, FromStatus(504, "p", "m", "x").StatusCode)
	assert.Equal(t, 502, FromStatus(502, "p", "m", "x").StatusCode)
}
