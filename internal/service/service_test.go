package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
	"github.com/bilalesi/auth-vault-sub000/internal/auth"
	"github.com/bilalesi/auth-vault-sub000/internal/crypto"
	"github.com/bilalesi/auth-vault-sub000/internal/db"
	"github.com/bilalesi/auth-vault-sub000/internal/idp"
	"github.com/bilalesi/auth-vault-sub000/internal/vault"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// fakeKeycloak stubs the IdP endpoints the service layer reaches.
type fakeKeycloak struct {
	t *testing.T

	refreshResponse map[string]any
	refreshStatus   int
	codeResponse    map[string]any
	codeStatus      int

	tokenCalls      int
	revokedTokens   []string
	deletedSessions []string
}

func (f *fakeKeycloak) start() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/realms/test/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())

		if r.PostForm.Get("grant_type") == "client_credentials" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "admin-token",
				"token_type":   "Bearer",
				"expires_in":   60,
			})
			return
		}

		f.tokenCalls++

		var response map[string]any
		status := http.StatusOK
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			response = f.codeResponse
			if f.codeStatus != 0 {
				status = f.codeStatus
			}
		default:
			response = f.refreshResponse
			if f.refreshStatus != 0 {
				status = f.refreshStatus
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	})

	mux.HandleFunc("/realms/test/protocol/openid-connect/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		f.revokedTokens = append(f.revokedTokens, r.PostForm.Get("token"))
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/admin/realms/test/sessions/", func(w http.ResponseWriter, r *http.Request) {
		f.deletedSessions = append(f.deletedSessions, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	f.t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	svc    *Service
	store  vault.Store
	cipher *crypto.Cipher
	fake   *fakeKeycloak
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := &fakeKeycloak{t: t}
	srv := fake.start()

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	store := vault.NewGormStore(gdb)

	cipher, err := crypto.New(testKey)
	require.NoError(t, err)

	idpClient, err := idp.NewClient(idp.Config{
		Issuer:       srv.URL + "/realms/test",
		ClientID:     "auth-manager",
		ClientSecret: "secret",
		Realm:        "test",
		CallbackURL:  "https://auth.example.com/offline-callback",
	}, zap.NewNop())
	require.NoError(t, err)

	svc := New(store, idpClient, cipher, Config{}, nil, zap.NewNop())

	return &fixture{svc: svc, store: store, cipher: cipher, fake: fake}
}

func (f *fixture) seedRefresh(t *testing.T, userID, sessionID, plaintext string) *vault.Entry {
	t.Helper()

	cipherHex, ivHex, err := f.cipher.Encrypt(plaintext)
	require.NoError(t, err)

	entry, err := f.store.Create(context.Background(), vault.CreateParams{
		UserID:         userID,
		TokenType:      vault.TypeRefresh,
		EncryptedToken: cipherHex,
		IV:             ivHex,
		TokenHash:      crypto.Hash(plaintext),
		SessionStateID: sessionID,
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	return entry
}

func (f *fixture) seedOffline(t *testing.T, userID, sessionID, plaintext string) *vault.Entry {
	t.Helper()

	cipherHex, ivHex, err := f.cipher.Encrypt(plaintext)
	require.NoError(t, err)

	entry, err := f.store.Create(context.Background(), vault.CreateParams{
		UserID:         userID,
		TokenType:      vault.TypeOffline,
		EncryptedToken: cipherHex,
		IV:             ivHex,
		TokenHash:      crypto.Hash(plaintext),
		SessionStateID: sessionID,
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	return entry
}

func ident(userID, sessionID string) *auth.Identity {
	return &auth.Identity{UserID: userID, SessionID: sessionID, AccessToken: "access"}
}

func TestGetRefreshTokenID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	entry := f.seedRefresh(t, "user-1", "sess-1", "refresh-token")

	got, err := f.svc.GetRefreshTokenID(ctx, ident("user-1", "sess-1"))
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.PersistentTokenID)

	// Entries persisted before the session claim was recorded are reachable
	// through the user fallback.
	fallback, err := f.svc.GetRefreshTokenID(ctx, ident("user-1", "other-session"))
	require.NoError(t, err)
	assert.Equal(t, entry.ID, fallback.PersistentTokenID)

	_, err = f.svc.GetRefreshTokenID(ctx, ident("stranger", "no-session"))
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeNoRefreshToken))
}

func TestExchangeAccessTokenRotatesInPlace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.fake.refreshResponse = map[string]any{
		"access_token":  "fresh-access",
		"expires_in":    300,
		"refresh_token": "rotated-refresh",
	}

	entry := f.seedRefresh(t, "user-1", "sess-1", "old-refresh")

	got, err := f.svc.ExchangeAccessToken(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", got.AccessToken)
	assert.Equal(t, 300, got.ExpiresIn)

	// The rotated refresh token lands under the same persistent id.
	stored, err := f.store.Retrieve(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, crypto.Hash("rotated-refresh"), stored.TokenHash)

	plaintext, err := f.cipher.Decrypt(stored.EncryptedToken, stored.IV)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", plaintext)
}

func TestExchangeAccessTokenOfflineEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.fake.refreshResponse = map[string]any{
		"access_token":  "fresh-access",
		"refresh_token": "rotated-offline",
	}

	entry := f.seedOffline(t, "user-1", "sess-1", "old-offline")

	_, err := f.svc.ExchangeAccessToken(ctx, entry.ID)
	require.NoError(t, err)

	stored, err := f.store.Retrieve(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, stored.ID)
	assert.Equal(t, crypto.Hash("rotated-offline"), stored.TokenHash)
}

func TestExchangeAccessTokenWithoutRotation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Some IdP configurations reuse the refresh token; the vault keeps the
	// stored one untouched.
	f.fake.refreshResponse = map[string]any{"access_token": "fresh-access"}

	entry := f.seedRefresh(t, "user-1", "sess-1", "stable-refresh")

	_, err := f.svc.ExchangeAccessToken(ctx, entry.ID)
	require.NoError(t, err)

	stored, err := f.store.Retrieve(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, crypto.Hash("stable-refresh"), stored.TokenHash)
}

func TestExchangeAccessTokenErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ExchangeAccessToken(ctx, uuid.New())
	assert.True(t, apperr.IsCode(err, apperr.CodeTokenNotFound))

	expired, err := f.store.Create(ctx, vault.CreateParams{
		UserID:         "user-1",
		TokenType:      vault.TypeRefresh,
		EncryptedToken: "deadbeef",
		IV:             "00112233445566778899aabbccddeeff",
		TokenHash:      "h",
		ExpiresAt:      time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)
	_, err = f.svc.ExchangeAccessToken(ctx, expired.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeTokenExpired))

	pending, err := f.store.CreatePending(ctx, vault.PendingParams{
		UserID:    "user-1",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = f.svc.ExchangeAccessToken(ctx, pending.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeTokenNotFound))
}

func TestExchangeAccessTokenIdPRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.fake.refreshStatus = http.StatusBadRequest
	f.fake.refreshResponse = map[string]any{"error": "invalid_grant"}

	entry := f.seedRefresh(t, "user-1", "sess-1", "revoked-upstream")

	_, err := f.svc.ExchangeAccessToken(ctx, entry.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeKeycloak))
}

func TestExchangeAccessTokenTamperedCiphertext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	entry := f.seedRefresh(t, "user-1", "sess-1", "refresh-token")

	// Flip one hex nibble in the stored ciphertext.
	tampered := []byte(entry.EncryptedToken)
	if tampered[0] == 'f' {
		tampered[0] = '0'
	} else {
		tampered[0] = 'f'
	}
	rotate := vault.CreateParams{
		ID:             entry.ID,
		UserID:         entry.UserID,
		TokenType:      entry.TokenType,
		EncryptedToken: string(tampered),
		IV:             entry.IV,
		TokenHash:      entry.TokenHash,
		SessionStateID: entry.SessionStateID,
		ExpiresAt:      entry.ExpiresAt,
	}
	_, err := f.store.Create(ctx, rotate)
	require.NoError(t, err)

	_, err = f.svc.ExchangeAccessToken(ctx, entry.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeDecryptionFailed))

	// Tamper detection never deletes the entry.
	_, err = f.store.Retrieve(ctx, entry.ID)
	require.NoError(t, err)
}

func TestOfflineConsentFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.fake.codeResponse = map[string]any{
		"access_token":  "access",
		"refresh_token": "consented-offline",
		"session_state": "sess-from-consent",
		"expires_in":    300,
	}

	grant, err := f.svc.StartOfflineConsent(ctx, ident("user-1", "sess-1"), "task-1")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.StateToken)

	consentURL, err := url.Parse(grant.ConsentURL)
	require.NoError(t, err)
	assert.Equal(t, "consent", consentURL.Query().Get("prompt"))
	assert.Equal(t, grant.StateToken, consentURL.Query().Get("state"))

	// The pending entry is indexed under the minted state.
	pending, err := f.store.GetByAckState(ctx, grant.StateToken)
	require.NoError(t, err)
	assert.Equal(t, grant.PersistentTokenID, pending.ID)
	assert.Equal(t, vault.StatusPending, pending.Status)

	result, err := f.svc.CompleteOfflineConsent(ctx, "auth-code", grant.StateToken, "")
	require.NoError(t, err)
	assert.Equal(t, grant.PersistentTokenID, result.PersistentTokenID)
	assert.Equal(t, vault.StatusActive, result.Status)
	assert.Equal(t, "sess-from-consent", result.SessionStateID)

	stored, err := f.store.Retrieve(ctx, grant.PersistentTokenID)
	require.NoError(t, err)
	plaintext, err := f.cipher.Decrypt(stored.EncryptedToken, stored.IV)
	require.NoError(t, err)
	assert.Equal(t, "consented-offline", plaintext)

	// A repeated callback observes the settled entry without a second code
	// exchange.
	calls := f.fake.tokenCalls
	repeat, err := f.svc.CompleteOfflineConsent(ctx, "auth-code", grant.StateToken, "")
	require.NoError(t, err)
	assert.Equal(t, vault.StatusActive, repeat.Status)
	assert.Equal(t, calls, f.fake.tokenCalls)
}

func TestOfflineConsentCallbackErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.svc.StartOfflineConsent(ctx, ident("user-1", "sess-1"), "task-1")
	require.NoError(t, err)

	// The IdP reported a consent denial: the entry settles as failed.
	_, err = f.svc.CompleteOfflineConsent(ctx, "", grant.StateToken, "access_denied")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeKeycloak))

	failed, err := f.store.Retrieve(ctx, grant.PersistentTokenID)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusFailed, failed.Status)

	_, err = f.svc.CompleteOfflineConsent(ctx, "code", "not-base64!!", "")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidRequest))

	unknown := vault.StateToken{
		UserID:            "user-1",
		TaskID:            "task-1",
		PersistentTokenID: uuid.New(),
	}.Encode()
	_, err = f.svc.CompleteOfflineConsent(ctx, "code", unknown, "")
	assert.True(t, apperr.IsCode(err, apperr.CodeTokenNotFound))
}

func TestOfflineConsentStatePayloadMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.svc.StartOfflineConsent(ctx, ident("user-1", "sess-1"), "task-1")
	require.NoError(t, err)

	// Index the entry under a state whose payload names a different entry.
	forged := vault.StateToken{
		UserID:            "user-1",
		TaskID:            "task-1",
		PersistentTokenID: uuid.New(),
	}.Encode()
	require.NoError(t, f.store.UpdateAckState(ctx, grant.PersistentTokenID, forged))

	_, err = f.svc.CompleteOfflineConsent(ctx, "code", forged, "")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidRequest))

	// The mismatch never settles the entry.
	entry, err := f.store.Retrieve(ctx, grant.PersistentTokenID)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusPending, entry.Status)
}

func TestOfflineConsentMissingRefreshToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.fake.codeResponse = map[string]any{"access_token": "access-only"}

	grant, err := f.svc.StartOfflineConsent(ctx, ident("user-1", "sess-1"), "task-1")
	require.NoError(t, err)

	_, err = f.svc.CompleteOfflineConsent(ctx, "auth-code", grant.StateToken, "")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeKeycloak))

	failed, err := f.store.Retrieve(ctx, grant.PersistentTokenID)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusFailed, failed.Status)
}

func TestGetOfflineTokenID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	entry := f.seedOffline(t, "user-1", "sess-1", "offline-token")

	got, err := f.svc.GetOfflineTokenID(ctx, ident("user-1", "sess-1"))
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.PersistentTokenID)
	assert.Equal(t, "sess-1", got.SessionStateID)

	_, err = f.svc.GetOfflineTokenID(ctx, ident("user-1", "no-session"))
	assert.True(t, apperr.IsCode(err, apperr.CodeTokenNotFound))
}

func TestMintOfflineToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.fake.refreshResponse = map[string]any{
		"access_token":  "access",
		"refresh_token": "minted-offline",
		"session_state": "sess-new",
	}

	f.seedRefresh(t, "user-1", "sess-1", "stored-refresh")

	got, err := f.svc.MintOfflineToken(ctx, ident("user-1", "sess-1"))
	require.NoError(t, err)
	assert.Equal(t, "sess-new", got.SessionStateID)

	stored, err := f.store.Retrieve(ctx, got.PersistentTokenID)
	require.NoError(t, err)
	assert.Equal(t, vault.TypeOffline, stored.TokenType)
	assert.Equal(t, crypto.Hash("minted-offline"), stored.TokenHash)

	_, err = f.svc.MintOfflineToken(ctx, ident("stranger", "no-session"))
	assert.True(t, apperr.IsCode(err, apperr.CodeNoRefreshToken))
}

func TestRevokeOfflineTokenLastInSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	entry := f.seedOffline(t, "user-1", "sess-1", "only-offline")

	result, err := f.svc.RevokeOfflineToken(ctx, ident("user-1", "sess-1"), entry.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.SessionRevoked)
	assert.Zero(t, result.TokensWithSameSession)

	// Vault delete happened and the IdP session went with it.
	_, err = f.store.Retrieve(ctx, entry.ID)
	require.ErrorIs(t, err, vault.ErrNotFound)
	require.Len(t, f.fake.deletedSessions, 1)
	assert.Contains(t, f.fake.deletedSessions[0], "sess-1")
}

func TestRevokeOfflineTokenWithCoTenants(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first := f.seedOffline(t, "user-1", "sess-1", "offline-a")
	time.Sleep(5 * time.Millisecond)
	second := f.seedOffline(t, "user-1", "sess-1", "offline-b")

	result, err := f.svc.RevokeOfflineToken(ctx, ident("user-1", "sess-1"), first.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.SessionRevoked)
	assert.Equal(t, 1, result.TokensWithSameSession)

	// The session survives for its co-tenant.
	assert.Empty(t, f.fake.deletedSessions)

	// Revoking the last tenant tears the session down.
	result, err = f.svc.RevokeOfflineToken(ctx, ident("user-1", "sess-1"), second.ID)
	require.NoError(t, err)
	assert.True(t, result.SessionRevoked)
	assert.Zero(t, result.TokensWithSameSession)
	assert.Len(t, f.fake.deletedSessions, 1)
}

func TestRevokeOfflineTokenGuards(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	offline := f.seedOffline(t, "user-1", "sess-1", "offline")
	refresh := f.seedRefresh(t, "user-1", "sess-1", "refresh")

	_, err := f.svc.RevokeOfflineToken(ctx, ident("user-1", "sess-1"), uuid.New())
	assert.True(t, apperr.IsCode(err, apperr.CodeTokenNotFound))

	_, err = f.svc.RevokeOfflineToken(ctx, ident("intruder", "sess-x"), offline.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeUnauthorized))

	_, err = f.svc.RevokeOfflineToken(ctx, ident("user-1", "sess-1"), refresh.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidTokenType))

	pending, err := f.store.CreatePending(ctx, vault.PendingParams{
		UserID:    "user-1",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = f.svc.RevokeOfflineToken(ctx, ident("user-1", "sess-1"), pending.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidTokenType))
}

func TestInvalidateAllSkipsSharedTokens(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// user-1 owns two entries; "shared-token" is also vaulted for user-2 and
	// must keep working for them after user-1's purge.
	f.seedOffline(t, "user-1", "sess-1", "shared-token")
	f.seedRefresh(t, "user-1", "sess-2", "private-token")
	other := f.seedOffline(t, "user-2", "sess-3", "shared-token")

	require.NoError(t, f.svc.InvalidateAll(ctx, ident("user-1", "sess-1")))

	// Only the private token was revoked upstream.
	require.Len(t, f.fake.revokedTokens, 1)
	assert.Equal(t, "private-token", f.fake.revokedTokens[0])

	mine, err := f.store.RetrieveAllByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, mine)

	_, err = f.store.Retrieve(ctx, other.ID)
	require.NoError(t, err)
}

func TestNotifyTaskOnConsentCompletion(t *testing.T) {
	t.Parallel()

	var received taskNotification
	notified := make(chan struct{}, 1)
	taskSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		notified <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(taskSrv.Close)

	f := newFixture(t)
	f.svc.notifier = NewTaskNotifier(taskSrv.URL, zap.NewNop())
	f.fake.codeResponse = map[string]any{
		"access_token":  "access",
		"refresh_token": "consented-offline",
		"session_state": "sess-1",
	}

	ctx := context.Background()
	grant, err := f.svc.StartOfflineConsent(ctx, ident("user-1", "sess-1"), "task-42")
	require.NoError(t, err)

	_, err = f.svc.CompleteOfflineConsent(ctx, "auth-code", grant.StateToken, "")
	require.NoError(t, err)

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("task service was not notified")
	}
	assert.Equal(t, "task-42", received.TaskID)
	assert.Equal(t, grant.PersistentTokenID.String(), received.PersistentTokenID)
	assert.Equal(t, "user-1", received.UserID)
	assert.Equal(t, string(vault.StatusActive), received.Status)
}

func TestConsentWithoutTaskSelfCorrelates(t *testing.T) {
	t.Parallel()

	notifications := make(chan struct{}, 1)
	taskSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notifications <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(taskSrv.Close)

	f := newFixture(t)
	f.svc.notifier = NewTaskNotifier(taskSrv.URL, zap.NewNop())
	f.fake.codeResponse = map[string]any{
		"access_token":  "access",
		"refresh_token": "consented-offline",
		"session_state": "sess-1",
	}

	ctx := context.Background()
	grant, err := f.svc.StartOfflineConsent(ctx, ident("user-1", "sess-1"), "")
	require.NoError(t, err)

	// The entry id doubles as the task handle, in the persisted row and in
	// the state payload alike.
	parsed, err := vault.ParseStateToken(grant.StateToken)
	require.NoError(t, err)
	assert.Equal(t, grant.PersistentTokenID.String(), parsed.TaskID)

	pending, err := f.store.Retrieve(ctx, grant.PersistentTokenID)
	require.NoError(t, err)
	assert.Equal(t, parsed.TaskID, pending.TaskID)

	result, err := f.svc.CompleteOfflineConsent(ctx, "auth-code", grant.StateToken, "")
	require.NoError(t, err)
	assert.Equal(t, vault.StatusActive, result.Status)

	// Self-correlated entries have no external workload to notify.
	select {
	case <-notifications:
		t.Fatal("task service notified for a self-correlated entry")
	case <-time.After(100 * time.Millisecond):
	}
}
