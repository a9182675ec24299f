// Package auth validates inbound requests against the IdP. The service
// never mints or verifies tokens itself — identity is established by
// introspecting the presented bearer token and reading the subject and
// session claims from the introspection response.
package auth

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
	"github.com/bilalesi/auth-vault-sub000/internal/idp"
)

// Identity describes a successfully authenticated caller.
type Identity struct {
	UserID      string
	SessionID   string
	AccessToken string
}

// Authenticator extracts and introspects bearer tokens on inbound calls.
type Authenticator struct {
	idp    *idp.Client
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator backed by the given IdP client.
func NewAuthenticator(client *idp.Client, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		idp:    client,
		logger: logger.Named("authenticator"),
	}
}

// ExtractBearer pulls the token out of an Authorization header value. The
// header must split on a single space into exactly two parts, the first of
// which is literally "Bearer".
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", apperr.New(apperr.CodeMissingBearerToken, "authorization header is missing")
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", apperr.New(apperr.CodeInvalidBearerToken, "authorization header is not a bearer token")
	}
	return parts[1], nil
}

// Authenticate validates the Authorization header value and returns the
// caller's identity. Every failure carries a stable code: missing or
// malformed headers are 401-class, introspection transport faults are
// token_introspection_failed.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*Identity, error) {
	token, err := ExtractBearer(authorization)
	if err != nil {
		return nil, err
	}

	intro, err := a.idp.Introspect(ctx, token)
	if err != nil {
		a.logger.Warn("token introspection failed", zap.Error(err))
		return nil, apperr.Wrap(apperr.CodeIntrospectionFailed, "token introspection failed", err)
	}
	if !intro.Active {
		return nil, apperr.New(apperr.CodeTokenNotActive, "token is not active")
	}

	return &Identity{
		UserID:      intro.Sub,
		SessionID:   intro.SessionID(),
		AccessToken: token,
	}, nil
}
