package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/auth"
	"github.com/bilalesi/auth-vault-sub000/internal/metrics"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyIdentity stores the *auth.Identity established by the
	// Authenticate middleware.
	contextKeyIdentity contextKey = iota
)

// Authenticate validates the bearer token on every request by introspecting
// it at the IdP. On success the caller's identity lands in the request
// context; on failure the chain stops with the coded error.
func Authenticate(authn *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident, err := authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				Err(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyIdentity, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// identityFromCtx retrieves the identity stored by Authenticate. Returns nil
// on unauthenticated requests (only the consent callback and probes).
func identityFromCtx(ctx context.Context) *auth.Identity {
	ident, _ := ctx.Value(contextKeyIdentity).(*auth.Identity)
	return ident
}

// RequestLogger logs each request through zap and feeds the Prometheus
// request counters. Chi's middleware.RequestID is expected to run earlier in
// the chain so the request id is available.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
