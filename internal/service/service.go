// Package service implements the vault's business operations: the offline
// consent state machine, the access-token exchange with refresh rotation,
// and the revocation coordinator. Handlers depend on Service; Service is the
// only caller of the storage and IdP layers.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
	"github.com/bilalesi/auth-vault-sub000/internal/auth"
	"github.com/bilalesi/auth-vault-sub000/internal/crypto"
	"github.com/bilalesi/auth-vault-sub000/internal/idp"
	"github.com/bilalesi/auth-vault-sub000/internal/vault"
)

// Default token lifetimes, overridable via configuration.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 12 * time.Hour
	DefaultOfflineTTL = 10 * 24 * time.Hour
	DefaultSessionTTL = 10 * time.Hour
)

// Config carries the tunables of the service layer.
type Config struct {
	RefreshTTL time.Duration
	OfflineTTL time.Duration

	// ConsentRedirectURL, when set, is where the consent callback redirects
	// the browser after reconciliation. Empty means a JSON response.
	ConsentRedirectURL string
}

// withDefaults fills zero fields with the default lifetimes.
func (c Config) withDefaults() Config {
	if c.RefreshTTL == 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	if c.OfflineTTL == 0 {
		c.OfflineTTL = DefaultOfflineTTL
	}
	return c
}

// Service wires the vault store, the IdP client and the cipher together.
type Service struct {
	store    vault.Store
	idp      *idp.Client
	cipher   *crypto.Cipher
	cfg      Config
	notifier *TaskNotifier
	logger   *zap.Logger
}

// New constructs the Service. notifier may be nil when no task service is
// configured.
func New(store vault.Store, idpClient *idp.Client, cipher *crypto.Cipher, cfg Config, notifier *TaskNotifier, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		idp:      idpClient,
		cipher:   cipher,
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		logger:   logger.Named("service"),
	}
}

// ConsentRedirectURL exposes the configured post-consent redirect target.
func (s *Service) ConsentRedirectURL() string {
	return s.cfg.ConsentRedirectURL
}

// RefreshTokenID is the response of the refresh-token-id lookup.
type RefreshTokenID struct {
	PersistentTokenID uuid.UUID `json:"persistentTokenId"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// GetRefreshTokenID returns the caller's refresh entry handle. The lookup
// prefers the session index and falls back to the user index for tokens
// persisted before the session claim was recorded.
func (s *Service) GetRefreshTokenID(ctx context.Context, ident *auth.Identity) (*RefreshTokenID, error) {
	entry, err := s.store.GetRefreshBySessionID(ctx, ident.SessionID)
	if errors.Is(err, vault.ErrNotFound) {
		entry, err = s.store.GetRefreshByUserID(ctx, ident.UserID)
	}
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, apperr.New(apperr.CodeNoRefreshToken, "no refresh token stored for this session").
				WithMeta("userId", ident.UserID)
		}
		return nil, err
	}
	return &RefreshTokenID{
		PersistentTokenID: entry.ID,
		ExpiresAt:         entry.ExpiresAt,
	}, nil
}

// Ping verifies the storage backend is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
