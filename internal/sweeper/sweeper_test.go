package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/db"
	"github.com/bilalesi/auth-vault-sub000/internal/vault"
)

func TestSweepRemovesExpiredEntries(t *testing.T) {
	t.Parallel()

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	store := vault.NewGormStore(gdb)
	ctx := context.Background()

	live, err := store.Create(ctx, vault.CreateParams{
		UserID:    "user-1",
		TokenType: vault.TypeRefresh,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	expired, err := store.Create(ctx, vault.CreateParams{
		UserID:    "user-1",
		TokenType: vault.TypeOffline,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	s, err := New(store, time.Minute, zap.NewNop())
	require.NoError(t, err)

	s.sweep()

	_, err = store.Retrieve(ctx, live.ID)
	require.NoError(t, err)
	_, err = store.Retrieve(ctx, expired.ID)
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	s, err := New(vault.NewGormStore(gdb), time.Hour, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}
