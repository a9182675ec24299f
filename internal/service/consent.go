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
	"github.com/bilalesi/auth-vault-sub000/internal/vault"
)

// ConsentGrant is the response of starting an offline-consent flow. The
// caller redirects the user to ConsentURL and keeps PersistentTokenID as the
// handle the entry will be reachable under once the consent completes.
type ConsentGrant struct {
	ConsentURL        string    `json:"consentUrl"`
	PersistentTokenID uuid.UUID `json:"persistentTokenId"`
	StateToken        string    `json:"stateToken"`
}

// ConsentResult is the outcome of reconciling the IdP callback.
type ConsentResult struct {
	PersistentTokenID uuid.UUID    `json:"persistentTokenId"`
	SessionStateID    string       `json:"sessionId"`
	Status            vault.Status `json:"status"`
}

// StartOfflineConsent pre-creates a pending vault entry, mints the state
// token that correlates the asynchronous redirect with it, indexes the entry
// under that state, and returns the IdP authorization URL.
func (s *Service) StartOfflineConsent(ctx context.Context, ident *auth.Identity, taskID string) (*ConsentGrant, error) {
	now := time.Now().UTC()

	entry, err := s.store.CreatePending(ctx, vault.PendingParams{
		UserID:         ident.UserID,
		SessionStateID: ident.SessionID,
		TaskID:         taskID,
		ExpiresAt:      now.Add(s.cfg.OfflineTTL),
		Metadata: vault.Metadata{
			"createdVia": "offline-consent",
		},
	})
	if err != nil {
		return nil, err
	}

	// A caller without an external workload had the entry id assigned as
	// its task handle by the store; the state payload mirrors the row.
	state := vault.StateToken{
		UserID:            ident.UserID,
		TaskID:            entry.TaskID,
		PersistentTokenID: entry.ID,
	}.Encode()

	if err := s.store.UpdateAckState(ctx, entry.ID, state); err != nil {
		if errors.Is(err, vault.ErrAckStateTaken) {
			// Server-minted states collide only on entry id reuse; treat as
			// a hard storage fault rather than retrying.
			return nil, apperr.Wrap(apperr.CodeStorageError, "ack state collision", err).
				WithMeta("persistentTokenId", entry.ID.String())
		}
		return nil, err
	}

	return &ConsentGrant{
		ConsentURL:        s.idp.ConsentURL(state),
		PersistentTokenID: entry.ID,
		StateToken:        state,
	}, nil
}

// CompleteOfflineConsent reconciles the authorization-code redirect with the
// pending entry. Repeated callbacks for the same state observe the settled
// entry and return its current status without overwriting it.
func (s *Service) CompleteOfflineConsent(ctx context.Context, code, state, errParam string) (*ConsentResult, error) {
	if errParam != "" {
		// The IdP reported a consent failure. Mark the entry failed when we
		// can still find it, then surface the IdP error.
		if entry, lookupErr := s.store.GetByAckState(ctx, state); lookupErr == nil {
			s.markFailed(ctx, entry.ID)
		}
		return nil, apperr.New(apperr.CodeKeycloak, "identity provider rejected the consent").
			WithMeta("error", errParam)
	}

	parsed, err := vault.ParseStateToken(state)
	if err != nil {
		return nil, err
	}

	entry, err := s.store.GetByAckState(ctx, state)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, apperr.New(apperr.CodeTokenNotFound, "no pending entry for this state")
		}
		return nil, err
	}

	if entry.ID != parsed.PersistentTokenID {
		return nil, apperr.New(apperr.CodeInvalidRequest, "state payload does not match the pending entry").
			WithMeta("persistentTokenId", entry.ID.String())
	}

	// Idempotent repeat: the entry already settled. Never downgrade Active
	// and never re-encrypt with a different token.
	if entry.Status != vault.StatusPending {
		return &ConsentResult{
			PersistentTokenID: entry.ID,
			SessionStateID:    entry.SessionStateID,
			Status:            entry.Status,
		}, nil
	}

	tr, err := s.idp.ExchangeCode(ctx, code)
	if err != nil {
		s.markFailed(ctx, entry.ID)
		return nil, err
	}
	if tr.RefreshToken == "" {
		s.markFailed(ctx, entry.ID)
		return nil, apperr.New(apperr.CodeKeycloak, "token response missing refresh_token").
			WithMeta("operation", "exchange_code")
	}

	cipherHex, ivHex, err := s.cipher.Encrypt(tr.RefreshToken)
	if err != nil {
		s.markFailed(ctx, entry.ID)
		return nil, err
	}

	updated, err := s.store.UpdateOfflineToken(ctx, vault.OfflineUpdate{
		ID:             entry.ID,
		EncryptedToken: cipherHex,
		IV:             ivHex,
		TokenHash:      crypto.Hash(tr.RefreshToken),
		Status:         vault.StatusActive,
		SessionStateID: tr.SessionState,
		ExpiresAt:      time.Now().UTC().Add(s.cfg.OfflineTTL),
	})
	if err != nil {
		return nil, err
	}

	s.notifyTask(ctx, updated)

	return &ConsentResult{
		PersistentTokenID: updated.ID,
		SessionStateID:    updated.SessionStateID,
		Status:            updated.Status,
	}, nil
}

// OfflineTokenID is the response of the offline-token-id lookups.
type OfflineTokenID struct {
	PersistentTokenID uuid.UUID `json:"persistentTokenId"`
	SessionStateID    string    `json:"sessionId"`
}

// GetOfflineTokenID returns the newest offline entry for the caller's
// session.
func (s *Service) GetOfflineTokenID(ctx context.Context, ident *auth.Identity) (*OfflineTokenID, error) {
	entry, err := s.store.RetrieveNewestOfflineBySession(ctx, ident.SessionID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, apperr.New(apperr.CodeTokenNotFound, "no offline token for this session").
				WithMeta("sessionId", ident.SessionID)
		}
		return nil, err
	}
	return &OfflineTokenID{
		PersistentTokenID: entry.ID,
		SessionStateID:    entry.SessionStateID,
	}, nil
}

// MintOfflineToken elevates the caller's stored refresh token to an offline
// token via direct scope elevation, bypassing the consent redirect. Only
// usable where the IdP permits the elevation without fresh user interaction.
func (s *Service) MintOfflineToken(ctx context.Context, ident *auth.Identity) (*OfflineTokenID, error) {
	refresh, err := s.store.GetRefreshBySessionID(ctx, ident.SessionID)
	if errors.Is(err, vault.ErrNotFound) {
		refresh, err = s.store.GetRefreshByUserID(ctx, ident.UserID)
	}
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, apperr.New(apperr.CodeNoRefreshToken, "no refresh token stored for this session").
				WithMeta("userId", ident.UserID)
		}
		return nil, err
	}

	plaintext, err := s.cipher.Decrypt(refresh.EncryptedToken, refresh.IV)
	if err != nil {
		return nil, err
	}

	tr, err := s.idp.RequestOfflineToken(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	if tr.RefreshToken == "" {
		return nil, apperr.New(apperr.CodeKeycloak, "token response missing refresh_token").
			WithMeta("operation", "request_offline_token")
	}

	cipherHex, ivHex, err := s.cipher.Encrypt(tr.RefreshToken)
	if err != nil {
		return nil, err
	}

	sessionID := tr.SessionState
	if sessionID == "" {
		sessionID = ident.SessionID
	}

	entry, err := s.store.Create(ctx, vault.CreateParams{
		UserID:         ident.UserID,
		TokenType:      vault.TypeOffline,
		EncryptedToken: cipherHex,
		IV:             ivHex,
		TokenHash:      crypto.Hash(tr.RefreshToken),
		SessionStateID: sessionID,
		ExpiresAt:      time.Now().UTC().Add(s.cfg.OfflineTTL),
		Metadata: vault.Metadata{
			"createdVia": "offline-exchange",
		},
	})
	if err != nil {
		return nil, err
	}

	return &OfflineTokenID{
		PersistentTokenID: entry.ID,
		SessionStateID:    entry.SessionStateID,
	}, nil
}

// markFailed best-effort transitions a pending entry to failed.
func (s *Service) markFailed(ctx context.Context, id uuid.UUID) {
	if _, err := s.store.UpdateOfflineToken(ctx, vault.OfflineUpdate{
		ID:     id,
		Status: vault.StatusFailed,
	}); err != nil {
		s.logger.Warn("marking consent entry failed",
			zap.String("persistent_token_id", id.String()),
			zap.Error(err))
	}
}
