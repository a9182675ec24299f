// Package idp implements a thin typed client for a Keycloak-compatible
// OpenID Connect provider: token grants, introspection, userinfo, token
// revocation and admin session deletion. Endpoints are derived from the
// realm issuer URL by suffix; the admin API additionally needs the realm
// name and a client-credentials admin token obtained on demand.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
)

// offlineScopes is the scope set requested for offline-access grants.
const offlineScopes = "openid profile email offline_access"

// DefaultTimeout bounds every outbound IdP call.
const DefaultTimeout = 10 * time.Second

// Config carries the confidential client configuration for one realm.
type Config struct {
	// Issuer is the base realm URL, e.g. https://idp.example.com/realms/main.
	Issuer       string
	ClientID     string
	ClientSecret string
	// Realm is the realm name, used to build the admin API path.
	Realm string
	// CallbackURL is the absolute redirect_uri for the consent flow.
	CallbackURL string
	// Timeout defaults to DefaultTimeout when zero.
	Timeout time.Duration
}

// Client talks to the IdP over a pooled keep-alive transport. It is safe for
// concurrent use; construct one per process.
type Client struct {
	cfg    Config
	http   *http.Client
	oauth  *oauth2.Config
	admin  *clientcredentials.Config
	logger *zap.Logger
}

// NewClient builds a Client from the given configuration.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("idp: issuer, client id and client secret are required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		cfg:  cfg,
		http: httpClient,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.Issuer + "/protocol/openid-connect/auth",
				TokenURL: cfg.Issuer + "/protocol/openid-connect/token",
			},
			Scopes: strings.Fields(offlineScopes),
		},
		admin: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.Issuer + "/protocol/openid-connect/token",
		},
		logger: logger.Named("idp"),
	}, nil
}

func (c *Client) tokenURL() string      { return c.cfg.Issuer + "/protocol/openid-connect/token" }
func (c *Client) introspectURL() string { return c.tokenURL() + "/introspect" }
func (c *Client) userinfoURL() string   { return c.cfg.Issuer + "/protocol/openid-connect/userinfo" }
func (c *Client) revokeURL() string     { return c.cfg.Issuer + "/protocol/openid-connect/revoke" }

// adminSessionURL builds the admin endpoint for deleting an IdP session.
// Keycloak serves realms at /realms/{realm} and the admin API at
// /admin/realms/{realm}.
func (c *Client) adminSessionURL(sessionID string) string {
	base := c.cfg.Issuer
	if idx := strings.Index(base, "/realms/"); idx >= 0 {
		base = base[:idx]
	}
	return base + "/admin/realms/" + c.cfg.Realm + "/sessions/" + url.PathEscape(sessionID)
}

// keycloakErr maps a non-2xx IdP response onto the error taxonomy, attaching
// the IdP's error and error_description when the body carries them.
func keycloakErr(op string, status int, body []byte) *apperr.Error {
	e := apperr.New(apperr.CodeKeycloak, "identity provider request failed").
		WithMeta("operation", op).
		WithMeta("status", status)
	var parsed idpError
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		e = e.WithMeta("error", parsed.Error).
			WithMeta("error_description", parsed.ErrorDescription)
	}
	return e
}

// postForm issues a form-encoded POST and decodes the 2xx JSON body into out.
func (c *Client) postForm(ctx context.Context, op, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return apperr.Wrap(apperr.CodeKeycloak, "building request", err).WithMeta("operation", op)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeConnection, "identity provider unreachable", err).
			WithMeta("operation", op)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.CodeKeycloak, "reading response", err).WithMeta("operation", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return keycloakErr(op, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.CodeKeycloak, "malformed response body", err).WithMeta("operation", op)
	}
	return nil
}

// clientForm returns a form pre-filled with the confidential client credentials.
func (c *Client) clientForm() url.Values {
	return url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
}

// RefreshAccessToken exchanges a refresh token for a fresh access token.
// The response may carry a rotated refresh token; the caller persists it.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := c.clientForm()
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	var tr TokenResponse
	if err := c.postForm(ctx, "refresh_access_token", c.tokenURL(), form, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, apperr.New(apperr.CodeKeycloak, "token response missing access_token").
			WithMeta("operation", "refresh_access_token")
	}
	return &tr, nil
}

// RequestOfflineToken is the refresh grant with explicit scope elevation to
// offline_access. Only usable where the IdP accepts the elevation without a
// fresh user interaction — the preferred path is the consent flow.
func (c *Client) RequestOfflineToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := c.clientForm()
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", offlineScopes)

	var tr TokenResponse
	if err := c.postForm(ctx, "request_offline_token", c.tokenURL(), form, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, apperr.New(apperr.CodeKeycloak, "token response missing access_token").
			WithMeta("operation", "request_offline_token")
	}
	return &tr, nil
}

// ConsentURL builds the authorization URL that forces a fresh consent screen
// for the offline_access grant. state is the server-minted ack state.
func (c *Client) ConsentURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeCode completes the authorization-code grant from the consent
// callback. session_state is read from the token response extras — with
// prompt=consent the IdP may return a fresh session unrelated to the one
// that initiated the flow.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, keycloakErr("exchange_code", retrieveErr.Response.StatusCode, retrieveErr.Body)
		}
		return nil, apperr.Wrap(apperr.CodeConnection, "identity provider unreachable", err).
			WithMeta("operation", "exchange_code")
	}

	tr := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		tr.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	if v, ok := tok.Extra("session_state").(string); ok {
		tr.SessionState = v
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		tr.IDToken = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		tr.Scope = v
	}
	if tr.AccessToken == "" {
		return nil, apperr.New(apperr.CodeKeycloak, "token response missing access_token").
			WithMeta("operation", "exchange_code")
	}
	return tr, nil
}

// Introspect reports whether an access token is active and returns its
// claims. Callers decide how to treat an inactive token.
func (c *Client) Introspect(ctx context.Context, accessToken string) (*Introspection, error) {
	form := c.clientForm()
	form.Set("token", accessToken)

	var intro Introspection
	if err := c.postForm(ctx, "introspect", c.introspectURL(), form, &intro); err != nil {
		return nil, err
	}
	return &intro, nil
}

// UserinfoClaims fetches the identity claims for an access token.
func (c *Client) UserinfoClaims(ctx context.Context, accessToken string) (*Userinfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoURL(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeKeycloak, "building request", err).WithMeta("operation", "userinfo")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConnection, "identity provider unreachable", err).
			WithMeta("operation", "userinfo")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeKeycloak, "reading response", err).WithMeta("operation", "userinfo")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, keycloakErr("userinfo", resp.StatusCode, body)
	}

	var info Userinfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, apperr.Wrap(apperr.CodeKeycloak, "malformed response body", err).WithMeta("operation", "userinfo")
	}
	return &info, nil
}

// Revoke invalidates a single token at the standard revocation endpoint.
// Callers treat failures as recoverable — the vault deletion has already
// happened by the time this is called.
func (c *Client) Revoke(ctx context.Context, token string) error {
	form := c.clientForm()
	form.Set("token", token)
	form.Set("token_type_hint", "refresh_token")
	return c.postForm(ctx, "revoke", c.revokeURL(), form, nil)
}

// RevokeSession deletes an IdP session via the admin API, obtaining a
// client-credentials admin token on demand.
func (c *Client) RevokeSession(ctx context.Context, sessionID string) error {
	adminCtx := context.WithValue(ctx, oauth2.HTTPClient, c.http)
	adminToken, err := c.admin.Token(adminCtx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return keycloakErr("revoke_session", retrieveErr.Response.StatusCode, retrieveErr.Body)
		}
		return apperr.Wrap(apperr.CodeConnection, "identity provider unreachable", err).
			WithMeta("operation", "revoke_session")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.adminSessionURL(sessionID), nil)
	if err != nil {
		return apperr.Wrap(apperr.CodeKeycloak, "building request", err).WithMeta("operation", "revoke_session")
	}
	req.Header.Set("Authorization", "Bearer "+adminToken.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeConnection, "identity provider unreachable", err).
			WithMeta("operation", "revoke_session")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return keycloakErr("revoke_session", resp.StatusCode, body).
			WithMeta("session_id", sessionID)
	}
	return nil
}
