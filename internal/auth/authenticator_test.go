package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
	"github.com/bilalesi/auth-vault-sub000/internal/idp"
)

func TestExtractBearer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		header   string
		want     string
		wantCode apperr.Code
	}{
		{name: "valid bearer", header: "Bearer abc123", want: "abc123"},
		{name: "missing header", header: "", wantCode: apperr.CodeMissingBearerToken},
		{name: "wrong scheme", header: "Basic abc123", wantCode: apperr.CodeInvalidBearerToken},
		{name: "lowercase scheme", header: "bearer abc123", wantCode: apperr.CodeInvalidBearerToken},
		{name: "no token", header: "Bearer", wantCode: apperr.CodeInvalidBearerToken},
		{name: "empty token", header: "Bearer ", wantCode: apperr.CodeInvalidBearerToken},
		{name: "extra parts", header: "Bearer abc 123", wantCode: apperr.CodeInvalidBearerToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			token, err := ExtractBearer(tt.header)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.True(t, apperr.IsCode(err, tt.wantCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, token)
		})
	}
}

func introspectingAuthenticator(t *testing.T, response map[string]any) *Authenticator {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/protocol/openid-connect/token/introspect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := idp.NewClient(idp.Config{
		Issuer:       srv.URL + "/realms/test",
		ClientID:     "auth-manager",
		ClientSecret: "secret",
		Realm:        "test",
	}, zap.NewNop())
	require.NoError(t, err)

	return NewAuthenticator(client, zap.NewNop())
}

func TestAuthenticateActiveToken(t *testing.T) {
	t.Parallel()

	a := introspectingAuthenticator(t, map[string]any{
		"active": true,
		"sub":    "user-1",
		"sid":    "sess-1",
	})

	ident, err := a.Authenticate(context.Background(), "Bearer good-token")
	require.NoError(t, err)
	assert.Equal(t, "user-1", ident.UserID)
	assert.Equal(t, "sess-1", ident.SessionID)
	assert.Equal(t, "good-token", ident.AccessToken)
}

func TestAuthenticateInactiveToken(t *testing.T) {
	t.Parallel()

	a := introspectingAuthenticator(t, map[string]any{"active": false})

	_, err := a.Authenticate(context.Background(), "Bearer stale-token")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeTokenNotActive))
}

func TestAuthenticateMalformedHeader(t *testing.T) {
	t.Parallel()

	a := introspectingAuthenticator(t, map[string]any{"active": true})

	_, err := a.Authenticate(context.Background(), "")
	assert.True(t, apperr.IsCode(err, apperr.CodeMissingBearerToken))

	_, err = a.Authenticate(context.Background(), "Token abc")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidBearerToken))
}

func TestAuthenticateIntrospectionFault(t *testing.T) {
	t.Parallel()

	client, err := idp.NewClient(idp.Config{
		Issuer:       "http://127.0.0.1:1/realms/test",
		ClientID:     "auth-manager",
		ClientSecret: "secret",
		Realm:        "test",
	}, zap.NewNop())
	require.NoError(t, err)

	a := NewAuthenticator(client, zap.NewNop())

	_, err = a.Authenticate(context.Background(), "Bearer token")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeIntrospectionFailed))
}
