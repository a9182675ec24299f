package api

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
	"github.com/bilalesi/auth-vault-sub000/internal/metrics"
	"github.com/bilalesi/auth-vault-sub000/internal/service"
)

// TokenHandler groups the token vault endpoints.
type TokenHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(svc *service.Service, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{
		svc:    svc,
		logger: logger.Named("token_handler"),
	}
}

// ValidateToken handles GET /validate-token. The Authenticate middleware has
// already done the work; reaching the handler means the token is active.
func (h *TokenHandler) ValidateToken(w http.ResponseWriter, _ *http.Request) {
	Ok(w, map[string]any{})
}

// RefreshTokenID handles GET /refresh-token-id.
func (h *TokenHandler) RefreshTokenID(w http.ResponseWriter, r *http.Request) {
	ident := identityFromCtx(r.Context())

	result, err := h.svc.GetRefreshTokenID(r.Context(), ident)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, result)
}

// idFromQuery parses the uuid `id` query parameter.
func idFromQuery(r *http.Request) (uuid.UUID, error) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		return uuid.UUID{}, apperr.New(apperr.CodeInvalidTokenID, "query parameter id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, apperr.Wrap(apperr.CodeInvalidTokenID, "id is not a valid uuid", err)
	}
	return id, nil
}

// AccessToken handles GET /access-token?id=<uuid>.
func (h *TokenHandler) AccessToken(w http.ResponseWriter, r *http.Request) {
	id, err := idFromQuery(r)
	if err != nil {
		Err(w, err)
		return
	}

	result, err := h.svc.ExchangeAccessToken(r.Context(), id)
	if err != nil {
		metrics.TokenExchanges.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		Err(w, err)
		return
	}
	metrics.TokenExchanges.WithLabelValues("success").Inc()
	Ok(w, result)
}

// offlineConsentResponse is the body of POST /offline-consent.
type offlineConsentResponse struct {
	ConsentURL        string `json:"consentUrl"`
	PersistentTokenID string `json:"persistentTokenId"`
	StateToken        string `json:"stateToken"`
	Message           string `json:"message"`
}

// StartOfflineConsent handles POST /offline-consent?task_id=….
func (h *TokenHandler) StartOfflineConsent(w http.ResponseWriter, r *http.Request) {
	ident := identityFromCtx(r.Context())
	taskID := r.URL.Query().Get("task_id")

	grant, err := h.svc.StartOfflineConsent(r.Context(), ident, taskID)
	if err != nil {
		metrics.Consents.WithLabelValues("start", "error").Inc()
		Err(w, err)
		return
	}
	metrics.Consents.WithLabelValues("start", "success").Inc()

	Ok(w, offlineConsentResponse{
		ConsentURL:        grant.ConsentURL,
		PersistentTokenID: grant.PersistentTokenID.String(),
		StateToken:        grant.StateToken,
		Message:           "redirect the user to consentUrl to grant offline access",
	})
}

// OfflineCallback handles GET /offline-callback, the IdP redirect target.
// It is unauthenticated: the state token plus the ack-state index stand in
// for the bearer token here.
func (h *TokenHandler) OfflineCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	result, err := h.svc.CompleteOfflineConsent(
		r.Context(),
		query.Get("code"),
		query.Get("state"),
		query.Get("error"),
	)
	if err != nil {
		metrics.Consents.WithLabelValues("callback", "error").Inc()
		Err(w, err)
		return
	}
	metrics.Consents.WithLabelValues("callback", string(result.Status)).Inc()

	if redirect := h.svc.ConsentRedirectURL(); redirect != "" {
		target, parseErr := url.Parse(redirect)
		if parseErr == nil {
			q := target.Query()
			q.Set("status", string(result.Status))
			q.Set("persistentTokenId", result.PersistentTokenID.String())
			target.RawQuery = q.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)
			return
		}
		h.logger.Warn("invalid consent redirect url", zap.Error(parseErr))
	}
	Ok(w, result)
}

// OfflineTokenID handles GET /offline-token-id.
func (h *TokenHandler) OfflineTokenID(w http.ResponseWriter, r *http.Request) {
	ident := identityFromCtx(r.Context())

	result, err := h.svc.GetOfflineTokenID(r.Context(), ident)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, result)
}

// MintOfflineToken handles POST /offline-token-id.
func (h *TokenHandler) MintOfflineToken(w http.ResponseWriter, r *http.Request) {
	ident := identityFromCtx(r.Context())

	result, err := h.svc.MintOfflineToken(r.Context(), ident)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, result)
}

// revokeResponse is the body of DELETE /offline-token-id.
type revokeResponse struct {
	Success               bool   `json:"success"`
	Revoked               bool   `json:"revoked"`
	TokensWithSameSession int    `json:"tokensWithSameSession"`
	Message               string `json:"message"`
}

// RevokeOfflineToken handles DELETE /offline-token-id?id=<uuid>.
func (h *TokenHandler) RevokeOfflineToken(w http.ResponseWriter, r *http.Request) {
	ident := identityFromCtx(r.Context())

	id, err := idFromQuery(r)
	if err != nil {
		Err(w, err)
		return
	}

	result, err := h.svc.RevokeOfflineToken(r.Context(), ident, id)
	if err != nil {
		metrics.Revocations.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		Err(w, err)
		return
	}
	metrics.Revocations.WithLabelValues("success").Inc()

	message := "offline token deleted"
	if result.SessionRevoked {
		message = "offline token deleted and identity provider session revoked"
	}
	Ok(w, revokeResponse{
		Success:               result.Success,
		Revoked:               result.SessionRevoked,
		TokensWithSameSession: result.TokensWithSameSession,
		Message:               message,
	})
}

// Invalidate handles POST /invalidate.
func (h *TokenHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	ident := identityFromCtx(r.Context())

	if err := h.svc.InvalidateAll(r.Context(), ident); err != nil {
		Err(w, err)
		return
	}
	Ok(w, map[string]any{"success": true})
}

// Healthz handles GET /healthz: a liveness probe that also pings storage.
func (h *TokenHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		Err(w, err)
		return
	}
	Ok(w, map[string]any{"status": "ok"})
}
