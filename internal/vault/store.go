package vault

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateParams carries everything needed to insert (or rotate) an active
// entry. The ciphertext, IV and hash are produced by the caller — the store
// never sees token plaintext.
type CreateParams struct {
	// ID is optional. When set, the write is an upsert under that persistent
	// id: rotation replaces the ciphertext, IV, hash and expiry in place so
	// the caller-visible handle survives.
	ID             uuid.UUID
	UserID         string
	TokenType      TokenType
	EncryptedToken string
	IV             string
	TokenHash      string
	SessionStateID string
	TaskID         string
	ExpiresAt      time.Time
	Metadata       Metadata
}

// PendingParams creates an offline entry awaiting the consent callback.
// It has no ciphertext; the callback either promotes it to active or marks
// it failed.
type PendingParams struct {
	UserID         string
	SessionStateID string
	TaskID         string
	ExpiresAt      time.Time
	Metadata       Metadata
}

// OfflineUpdate transitions a pending offline entry. When the token triple
// is present the entry is re-encrypted under a fresh IV; metadata merges
// {tokenActivatedAt, status} without discarding existing keys.
type OfflineUpdate struct {
	ID             uuid.UUID
	EncryptedToken string // empty on failure transitions
	IV             string
	TokenHash      string
	Status         Status
	SessionStateID string
	ExpiresAt      time.Time // zero = leave unchanged
}

// UpsertRefreshParams overwrites the refresh entry for (userID,
// sessionStateID) or inserts a new one, preserving the single-refresh-per-
// session invariant.
type UpsertRefreshParams struct {
	UserID         string
	EncryptedToken string
	IV             string
	TokenHash      string
	SessionStateID string
	ExpiresAt      time.Time
	Metadata       Metadata
}

// Store is the backend-agnostic vault interface. Two implementations exist:
// a relational one (gorm, postgres in production, sqlite in development and
// tests) and a key-value one (Redis). All operations are safe for concurrent
// callers; serialization is delegated to the backend.
type Store interface {
	// Create inserts a new active entry, or rotates in place when
	// params.ID is set.
	Create(ctx context.Context, params CreateParams) (*Entry, error)

	// CreatePending inserts a pending offline entry with no ciphertext.
	CreatePending(ctx context.Context, params PendingParams) (*Entry, error)

	// Retrieve fetches an entry by persistent id. An entry whose expiry has
	// passed is deleted (best effort) and reported as ErrExpired.
	Retrieve(ctx context.Context, id uuid.UUID) (*Entry, error)

	// Delete removes an entry. Deleting a missing entry is a no-op.
	Delete(ctx context.Context, id uuid.UUID) error

	// GetRefreshByID / GetRefreshByUserID / GetRefreshBySessionID are
	// single-row lookups restricted to tokenType = refresh.
	GetRefreshByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	GetRefreshByUserID(ctx context.Context, userID string) (*Entry, error)
	GetRefreshBySessionID(ctx context.Context, sessionStateID string) (*Entry, error)

	// UpdateOfflineToken transitions an offline entry's status and, when a
	// token is provided, replaces its ciphertext.
	UpdateOfflineToken(ctx context.Context, update OfflineUpdate) (*Entry, error)

	// UpsertRefreshToken overwrites or inserts the refresh entry for the
	// given session and returns its persistent id.
	UpsertRefreshToken(ctx context.Context, params UpsertRefreshParams) (uuid.UUID, error)

	// RetrieveNewestOfflineBySession returns the newest offline entry for
	// the session (createdAt DESC), or ErrNotFound.
	RetrieveNewestOfflineBySession(ctx context.Context, sessionStateID string) (*Entry, error)

	// RetrieveAllBySession lists live entries sharing a session, newest
	// first, optionally excluding one id and filtering by token type
	// (empty tokenType = all types).
	RetrieveAllBySession(ctx context.Context, sessionStateID string, excludeID uuid.UUID, tokenType TokenType) ([]Entry, error)

	// RetrieveAllByUserID lists all live entries belonging to a user.
	RetrieveAllByUserID(ctx context.Context, userID string) ([]Entry, error)

	// HasDuplicateHash reports whether any other live entry carries the
	// same token fingerprint.
	HasDuplicateHash(ctx context.Context, tokenHash string, excludeID uuid.UUID) (bool, error)

	// GetByAckState resolves the consent-callback index.
	GetByAckState(ctx context.Context, ackState string) (*Entry, error)

	// UpdateAckState indexes an entry under the minted state token.
	// ErrAckStateTaken signals a collision with a live entry.
	UpdateAckState(ctx context.Context, id uuid.UUID, ackState string) error

	// DeleteExpired removes entries whose expiry has passed. Backends with
	// native TTL may implement this as a no-op.
	DeleteExpired(ctx context.Context) (int64, error)

	// Ping verifies the backend connection is alive.
	Ping(ctx context.Context) error
}
