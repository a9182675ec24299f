package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/auth"
	"github.com/bilalesi/auth-vault-sub000/internal/metrics"
	"github.com/bilalesi/auth-vault-sub000/internal/service"
)

// RouterConfig holds the dependencies needed to build the HTTP router.
type RouterConfig struct {
	Service       *service.Service
	Authenticator *auth.Authenticator
	Logger        *zap.Logger
}

// NewRouter builds the fully configured Chi router. The consent callback and
// the probe endpoints are public; everything else requires a bearer token.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	handler := NewTokenHandler(cfg.Service, cfg.Logger)

	// Public routes. The callback authenticates via the state token; the
	// probes carry no secrets.
	r.Group(func(r chi.Router) {
		r.Get("/offline-callback", handler.OfflineCallback)
		r.Get("/healthz", handler.Healthz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	// Bearer-authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Authenticator))

		r.Get("/validate-token", handler.ValidateToken)
		r.Get("/refresh-token-id", handler.RefreshTokenID)
		r.Get("/access-token", handler.AccessToken)

		r.Post("/offline-consent", handler.StartOfflineConsent)
		r.Get("/offline-token-id", handler.OfflineTokenID)
		r.Post("/offline-token-id", handler.MintOfflineToken)
		r.Delete("/offline-token-id", handler.RevokeOfflineToken)

		r.Post("/invalidate", handler.Invalidate)
	})

	return r
}
