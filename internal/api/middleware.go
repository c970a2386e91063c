package api

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

// bodyLimit caps request body size before decoding.
func bodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// globalRateLimit sheds load above the configured instance-wide request
// rate. A nil limiter passes everything through.
func globalRateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, r, gwerrors.NewRateLimitError("server",
					"server is at capacity", time.Second))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// chain applies middlewares outermost first.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
