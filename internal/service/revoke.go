package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
	"github.com/bilalesi/auth-vault-sub000/internal/auth"
	"github.com/bilalesi/auth-vault-sub000/internal/vault"
)

// RevocationResult reports what a token revocation did beyond deleting the
// vault entry.
type RevocationResult struct {
	Success               bool `json:"success"`
	SessionRevoked        bool `json:"revoked"`
	TokensWithSameSession int  `json:"tokensWithSameSession"`
}

// RevokeOfflineToken deletes an offline entry and, when it was the last
// token of its IdP session, tears the session down upstream. The vault
// delete happens before the IdP side effect so a crash leaves the vault in
// the tighter state. IdP failures after the delete are logged and swallowed.
func (s *Service) RevokeOfflineToken(ctx context.Context, ident *auth.Identity, id uuid.UUID) (*RevocationResult, error) {
	entry, err := s.store.Retrieve(ctx, id)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) || errors.Is(err, vault.ErrExpired) {
			return nil, apperr.New(apperr.CodeTokenNotFound, "no vault entry for this token id").
				WithMeta("persistentTokenId", id.String())
		}
		return nil, err
	}

	if entry.UserID != ident.UserID {
		return nil, apperr.New(apperr.CodeUnauthorized, "token belongs to another user").
			WithMeta("persistentTokenId", id.String())
	}
	if entry.TokenType != vault.TypeOffline {
		return nil, apperr.New(apperr.CodeInvalidTokenType, "only offline tokens can be revoked here").
			WithMeta("tokenType", string(entry.TokenType))
	}
	if !entry.HasToken() || entry.SessionStateID == "" {
		return nil, apperr.New(apperr.CodeInvalidTokenType, "entry is not an active offline token").
			WithMeta("reason", string(entry.Status))
	}

	others, err := s.store.RetrieveAllBySession(ctx, entry.SessionStateID, entry.ID, vault.TypeOffline)
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, entry.ID); err != nil {
		return nil, err
	}

	result := &RevocationResult{
		Success:               true,
		TokensWithSameSession: len(others),
	}

	// Co-tenant entries still depend on the IdP session; only the last one
	// out turns off the lights.
	if len(others) == 0 {
		if err := s.idp.RevokeSession(ctx, entry.SessionStateID); err != nil {
			s.logger.Warn("session revocation at identity provider failed",
				zap.String("session_state_id", entry.SessionStateID),
				zap.Error(err))
		} else {
			result.SessionRevoked = true
		}
	}

	return result, nil
}

// InvalidateAll revokes and deletes every vault entry belonging to the
// caller. Per entry the IdP revocation runs first, then the delete; IdP
// faults never block the loop. An entry whose token fingerprint is shared
// with another live entry is deleted without the IdP revoke so the shared
// token keeps working for its co-owner.
func (s *Service) InvalidateAll(ctx context.Context, ident *auth.Identity) error {
	entries, err := s.store.RetrieveAllByUserID(ctx, ident.UserID)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := &entries[i]

		if entry.HasToken() {
			shared, dupErr := s.store.HasDuplicateHash(ctx, entry.TokenHash, entry.ID)
			if dupErr != nil {
				s.logger.Warn("duplicate hash check failed",
					zap.String("persistent_token_id", entry.ID.String()),
					zap.Error(dupErr))
			}
			if !shared && dupErr == nil {
				if plaintext, decErr := s.cipher.Decrypt(entry.EncryptedToken, entry.IV); decErr != nil {
					s.logger.Warn("decrypting entry for revocation failed",
						zap.String("persistent_token_id", entry.ID.String()),
						zap.Error(decErr))
				} else if revErr := s.idp.Revoke(ctx, plaintext); revErr != nil {
					s.logger.Warn("token revocation at identity provider failed",
						zap.String("persistent_token_id", entry.ID.String()),
						zap.Error(revErr))
				}
			}
		}

		if delErr := s.store.Delete(ctx, entry.ID); delErr != nil {
			s.logger.Error("deleting vault entry failed",
				zap.String("persistent_token_id", entry.ID.String()),
				zap.Error(delErr))
		}
	}

	return nil
}
