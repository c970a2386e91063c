package api

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/registry"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

// passthroughAuth injects provider credentials on the outbound request.
type passthroughAuth func(r *http.Request, key string)

func bearerAuth(r *http.Request, key string) {
	r.Header.Set("Authorization", "Bearer "+key)
}

func anthropicAuth(r *http.Request, key string) {
	r.Header.Set("x-api-key", key)
	if r.Header.Get("anthropic-version") == "" {
		r.Header.Set("anthropic-version", "2023-06-01")
	}
}

// passthrough forwards provider-prefixed requests to the upstream API
// with the configured deployment's credentials swapped in. The caller's
// key and team rpm limits still apply; tokens are not metered because
// the body is opaque here.
func (h *handlers) passthrough(providerName, defaultBase string, setAuth passthroughAuth) http.HandlerFunc {
	prefix := "/" + providerName
	return func(w http.ResponseWriter, r *http.Request) {
		d := firstByProvider(h.registry.Snapshot(), providerName)
		if d == nil {
			writeError(w, r, gwerrors.NewInvalidRequestError("",
				fmt.Sprintf("no %s deployments configured", providerName)))
			return
		}

		if h.limiter != nil {
			principal := auth.PrincipalFromContext(r.Context())
			checks := ratelimit.ChecksForPrincipal(principal, providerName, 0)
			decision, err := h.limiter.Allow(r.Context(), checks)
			if err != nil {
				h.logger.WithRequestID(r.Context()).Warn("passthrough admission degraded, allowing", "error", err)
			} else if !decision.Allowed {
				writeError(w, r, gwerrors.NewRateLimitError(decision.FailedScope,
					fmt.Sprintf("%s %s limit exceeded", decision.FailedScope, decision.FailedKind),
					decision.RetryAfter))
				return
			}
		}

		base := d.APIBase
		if base == "" {
			base = defaultBase
		}
		target, err := url.Parse(base)
		if err != nil {
			writeError(w, r, gwerrors.NewInternalError("invalid upstream base url"))
			return
		}

		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.Out.URL.Path = strings.TrimSuffix(target.Path, "/") +
					strings.TrimPrefix(pr.In.URL.Path, prefix)
				pr.Out.Host = target.Host
				pr.Out.Header.Del("Authorization")
				pr.Out.Header.Del("x-api-key")
				setAuth(pr.Out, d.APIKey)
				for k, v := range d.Headers {
					pr.Out.Header.Set(k, v)
				}
			},
			// Flush immediately so upstream SSE is not buffered.
			FlushInterval: -1,
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				h.logger.WithRequestID(r.Context()).Error("passthrough upstream failed",
					"provider", providerName, "error", err)
				writeError(w, r, gwerrors.NewUpstreamUnavailableError(providerName, "",
					"upstream request failed"))
			},
		}
		proxy.ServeHTTP(w, r)
	}
}

// firstByProvider returns an enabled deployment of the given provider,
// preferring one with an explicit api_base.
func firstByProvider(snap *registry.Snapshot, provider string) *registry.Deployment {
	var fallback *registry.Deployment
	for _, group := range snap.Groups() {
		for _, d := range snap.Deployments(group) {
			if d.Provider != provider || d.Disabled {
				continue
			}
			if d.APIBase != "" {
				return d
			}
			if fallback == nil {
				fallback = d
			}
		}
	}
	return fallback
}
