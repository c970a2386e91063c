// Package api exposes the gateway's HTTP surface: the OpenAI-compatible
// inference endpoints, key management, health, and metrics.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

// errorEnvelope is the OpenAI-style error response body.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// writeError renders any error as a gateway error envelope. Non-gateway
// errors render as opaque 500s so internals never leak.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *gwerrors.GatewayError
	if !errors.As(err, &gwErr) {
		gwErr = gwerrors.NewInternalError("internal server error")
	}

	if gwErr.RetryAfter > 0 {
		seconds := int(gwErr.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	body := errorEnvelope{Error: errorBody{
		Message: gwErr.Message,
		Type:    string(gwErr.Kind),
		Param:   gwErr.Param,
	}}
	switch {
	case gwErr.Guardrail != "":
		body.Error.Code = gwErr.Guardrail
	case gwErr.Scope != "":
		body.Error.Code = gwErr.Scope
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwErr.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSON renders a 200 JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
