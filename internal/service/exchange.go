package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
	"github.com/bilalesi/auth-vault-sub000/internal/crypto"
	"github.com/bilalesi/auth-vault-sub000/internal/vault"
)

// AccessToken is the result of exchanging a persistent token id. The rotated
// refresh token is never part of the response.
type AccessToken struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

// ExchangeAccessToken resolves a persistent token id to a fresh access
// token. When the IdP rotates the refresh token, the new one is persisted
// under the same persistent id so external holders of the handle are
// unaffected.
func (s *Service) ExchangeAccessToken(ctx context.Context, id uuid.UUID) (*AccessToken, error) {
	entry, err := s.store.Retrieve(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrNotFound):
			return nil, apperr.New(apperr.CodeTokenNotFound, "no vault entry for this token id").
				WithMeta("persistentTokenId", id.String())
		case errors.Is(err, vault.ErrExpired):
			return nil, apperr.New(apperr.CodeTokenExpired, "vault entry has expired").
				WithMeta("persistentTokenId", id.String())
		default:
			return nil, err
		}
	}

	if entry.Status != vault.StatusActive && entry.Status != vault.StatusNone || !entry.HasToken() {
		return nil, apperr.New(apperr.CodeTokenNotFound, "vault entry holds no usable token").
			WithMeta("persistentTokenId", id.String()).
			WithMeta("reason", string(entry.Status))
	}

	plaintext, err := s.cipher.Decrypt(entry.EncryptedToken, entry.IV)
	if err != nil {
		// Tamper or key mismatch. Never retried, never deletes the entry.
		return nil, err
	}

	tr, err := s.idp.RefreshAccessToken(ctx, plaintext)
	if err != nil {
		return nil, err
	}

	if tr.RefreshToken != "" {
		if rotateErr := s.rotate(ctx, entry, tr.RefreshToken); rotateErr != nil {
			// The IdP already rotated; losing the new token would strand the
			// entry, so rotation faults are surfaced rather than swallowed.
			return nil, rotateErr
		}
	}

	return &AccessToken{
		AccessToken: tr.AccessToken,
		ExpiresIn:   tr.ExpiresIn,
	}, nil
}

// rotate persists a rotated refresh token in place of the old one. Refresh
// entries go through the session upsert; offline entries re-create under
// their existing persistent id. Either way the caller-visible handle is
// preserved and the write is atomic at the row/key level.
func (s *Service) rotate(ctx context.Context, entry *vault.Entry, newToken string) error {
	cipherHex, ivHex, err := s.cipher.Encrypt(newToken)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	meta := vault.Metadata{"updatedAt": now.Format(time.RFC3339)}

	switch entry.TokenType {
	case vault.TypeOffline:
		_, err = s.store.Create(ctx, vault.CreateParams{
			ID:             entry.ID,
			UserID:         entry.UserID,
			TokenType:      vault.TypeOffline,
			EncryptedToken: cipherHex,
			IV:             ivHex,
			TokenHash:      crypto.Hash(newToken),
			SessionStateID: entry.SessionStateID,
			TaskID:         entry.TaskID,
			ExpiresAt:      now.Add(s.cfg.OfflineTTL),
			Metadata:       entry.Metadata.Merge(meta),
		})
	default:
		_, err = s.store.UpsertRefreshToken(ctx, vault.UpsertRefreshParams{
			UserID:         entry.UserID,
			EncryptedToken: cipherHex,
			IV:             ivHex,
			TokenHash:      crypto.Hash(newToken),
			SessionStateID: entry.SessionStateID,
			ExpiresAt:      now.Add(s.cfg.RefreshTTL),
			Metadata:       entry.Metadata.Merge(meta),
		})
	}
	if err != nil {
		s.logger.Error("refresh token rotation failed",
			zap.String("persistent_token_id", entry.ID.String()),
			zap.Error(err))
		return err
	}
	return nil
}
