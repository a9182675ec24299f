package vault

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
)

// gormStore is the relational implementation of Store. It is used with
// postgres in production and with the pure-Go sqlite driver in development
// and tests. All queries are index-backed; see the migration for the
// composite (user_id, token_type DESC), session, hash and ack-state indexes.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by the provided *gorm.DB.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// storageErr wraps a driver fault with the operation context required by the
// error taxonomy.
func storageErr(op string, err error) error {
	return apperr.Wrap(apperr.CodeStorageError, "vault storage operation failed", err).
		WithMeta("operation", op).
		WithMeta("backend", "sql")
}

func (s *gormStore) Create(ctx context.Context, params CreateParams) (*Entry, error) {
	now := time.Now().UTC()

	entry := &Entry{
		ID:             params.ID,
		UserID:         params.UserID,
		TokenType:      params.TokenType,
		EncryptedToken: params.EncryptedToken,
		IV:             params.IV,
		TokenHash:      params.TokenHash,
		SessionStateID: params.SessionStateID,
		Status:         StatusActive,
		TaskID:         params.TaskID,
		Metadata:       params.Metadata,
		ExpiresAt:      params.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if entry.ID == (uuid.UUID{}) {
		entry.ID = uuid.New()
	}

	// Rotation under an existing persistent id is a single upsert statement
	// so concurrent readers never observe a partial update.
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"encrypted_token", "iv", "token_hash", "session_state_id",
				"status", "metadata", "expires_at", "updated_at",
			}),
		}).
		Create(entry).Error
	if err != nil {
		return nil, storageErr("create", err)
	}
	return entry, nil
}

func (s *gormStore) CreatePending(ctx context.Context, params PendingParams) (*Entry, error) {
	now := time.Now().UTC()

	entry := &Entry{
		ID:             uuid.New(),
		UserID:         params.UserID,
		TokenType:      TypeOffline,
		SessionStateID: params.SessionStateID,
		Status:         StatusPending,
		TaskID:         params.TaskID,
		Metadata:       params.Metadata,
		ExpiresAt:      params.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// A pending entry without an external workload carries its own id as
	// the correlation handle, matching what the state token will encode.
	if entry.TaskID == "" {
		entry.TaskID = entry.ID.String()
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, storageErr("create_pending", err)
	}
	return entry, nil
}

func (s *gormStore) Retrieve(ctx context.Context, id uuid.UUID) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("retrieve", err)
	}

	// Lazy GC: an expired entry is deleted on sight and reported as such.
	if entry.Expired(time.Now().UTC()) {
		_ = s.db.WithContext(ctx).Delete(&Entry{}, "id = ?", id).Error
		return nil, ErrExpired
	}
	return &entry, nil
}

func (s *gormStore) Delete(ctx context.Context, id uuid.UUID) error {
	// Deleting a missing entry is a no-op — the desired state is already met.
	if err := s.db.WithContext(ctx).Delete(&Entry{}, "id = ?", id).Error; err != nil {
		return storageErr("delete", err)
	}
	return nil
}

// getRefresh is the shared single-row lookup behind the GetRefreshBy* family.
func (s *gormStore) getRefresh(ctx context.Context, op string, conds ...any) (*Entry, error) {
	var entry Entry
	query := s.db.WithContext(ctx).
		Where("token_type = ?", TypeRefresh).
		Where("expires_at > ?", time.Now().UTC()).
		Order("created_at DESC")
	err := query.First(&entry, conds...).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr(op, err)
	}
	return &entry, nil
}

func (s *gormStore) GetRefreshByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.getRefresh(ctx, "get_refresh_by_id", "id = ?", id)
}

func (s *gormStore) GetRefreshByUserID(ctx context.Context, userID string) (*Entry, error) {
	return s.getRefresh(ctx, "get_refresh_by_user", "user_id = ?", userID)
}

func (s *gormStore) GetRefreshBySessionID(ctx context.Context, sessionStateID string) (*Entry, error) {
	return s.getRefresh(ctx, "get_refresh_by_session", "session_state_id = ?", sessionStateID)
}

func (s *gormStore) UpdateOfflineToken(ctx context.Context, update OfflineUpdate) (*Entry, error) {
	var entry Entry

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&entry, "id = ? AND token_type = ?", update.ID, TypeOffline).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		// Status guard: only a pending entry may transition. A repeated
		// callback observes the already-settled entry and must not
		// downgrade active to failed or swap in a different token.
		if entry.Status != StatusPending {
			return nil
		}

		now := time.Now().UTC()
		entry.Status = update.Status
		entry.UpdatedAt = now
		if update.SessionStateID != "" {
			entry.SessionStateID = update.SessionStateID
		}
		if update.EncryptedToken != "" {
			entry.EncryptedToken = update.EncryptedToken
			entry.IV = update.IV
			entry.TokenHash = update.TokenHash
		}
		if !update.ExpiresAt.IsZero() {
			entry.ExpiresAt = update.ExpiresAt
		}
		entry.Metadata = entry.Metadata.Merge(Metadata{
			"tokenActivatedAt": now.Format(time.RFC3339),
			"status":           string(update.Status),
		})

		return tx.Model(&Entry{}).
			Where("id = ? AND status = ?", update.ID, StatusPending).
			Updates(map[string]any{
				"encrypted_token":  entry.EncryptedToken,
				"iv":               entry.IV,
				"token_hash":       entry.TokenHash,
				"session_state_id": entry.SessionStateID,
				"status":           entry.Status,
				"metadata":         entry.Metadata,
				"expires_at":       entry.ExpiresAt,
				"updated_at":       entry.UpdatedAt,
			}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("update_offline_token", err)
	}
	return &entry, nil
}

func (s *gormStore) UpsertRefreshToken(ctx context.Context, params UpsertRefreshParams) (uuid.UUID, error) {
	var id uuid.UUID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Entry
		err := tx.
			Where("session_state_id = ? AND token_type = ?", params.SessionStateID, TypeRefresh).
			First(&existing).Error

		switch {
		case err == nil:
			// At most one refresh entry per (user, session): overwrite in place.
			id = existing.ID
			return tx.Model(&Entry{}).
				Where("id = ?", existing.ID).
				Updates(map[string]any{
					"user_id":         params.UserID,
					"encrypted_token": params.EncryptedToken,
					"iv":              params.IV,
					"token_hash":      params.TokenHash,
					"status":          StatusActive,
					"metadata":        existing.Metadata.Merge(params.Metadata),
					"expires_at":      params.ExpiresAt,
					"updated_at":      time.Now().UTC(),
				}).Error

		case errors.Is(err, gorm.ErrRecordNotFound):
			now := time.Now().UTC()
			entry := &Entry{
				ID:             uuid.New(),
				UserID:         params.UserID,
				TokenType:      TypeRefresh,
				EncryptedToken: params.EncryptedToken,
				IV:             params.IV,
				TokenHash:      params.TokenHash,
				SessionStateID: params.SessionStateID,
				Status:         StatusActive,
				Metadata:       params.Metadata,
				ExpiresAt:      params.ExpiresAt,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			id = entry.ID
			return tx.Create(entry).Error

		default:
			return err
		}
	})
	if err != nil {
		return uuid.UUID{}, storageErr("upsert_refresh_token", err)
	}
	return id, nil
}

func (s *gormStore) RetrieveNewestOfflineBySession(ctx context.Context, sessionStateID string) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where("session_state_id = ? AND token_type = ?", sessionStateID, TypeOffline).
		Where("expires_at > ?", time.Now().UTC()).
		Order("created_at DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("retrieve_newest_offline_by_session", err)
	}
	return &entry, nil
}

func (s *gormStore) RetrieveAllBySession(ctx context.Context, sessionStateID string, excludeID uuid.UUID, tokenType TokenType) ([]Entry, error) {
	query := s.db.WithContext(ctx).
		Where("session_state_id = ?", sessionStateID).
		Where("expires_at > ?", time.Now().UTC()).
		Order("created_at DESC")
	if excludeID != (uuid.UUID{}) {
		query = query.Where("id <> ?", excludeID)
	}
	if tokenType != "" {
		query = query.Where("token_type = ?", tokenType)
	}

	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, storageErr("retrieve_all_by_session", err)
	}
	return entries, nil
}

func (s *gormStore) RetrieveAllByUserID(ctx context.Context, userID string) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("expires_at > ?", time.Now().UTC()).
		Order("created_at DESC").
		Find(&entries).Error
	if err != nil {
		return nil, storageErr("retrieve_all_by_user", err)
	}
	return entries, nil
}

func (s *gormStore) HasDuplicateHash(ctx context.Context, tokenHash string, excludeID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("token_hash = ? AND id <> ?", tokenHash, excludeID).
		Where("expires_at > ?", time.Now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, storageErr("has_duplicate_hash", err)
	}
	return count > 0, nil
}

func (s *gormStore) GetByAckState(ctx context.Context, ackState string) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where("ack_state = ?", ackState).
		Where("expires_at > ?", time.Now().UTC()).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get_by_ack_state", err)
	}
	return &entry, nil
}

func (s *gormStore) UpdateAckState(ctx context.Context, id uuid.UUID, ackState string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Entry{}).
			Where("ack_state = ? AND id <> ?", ackState, id).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAckStateTaken
		}

		result := tx.Model(&Entry{}).
			Where("id = ?", id).
			Updates(map[string]any{"ack_state": ackState, "updated_at": time.Now().UTC()})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAckStateTaken) || errors.Is(err, ErrNotFound) {
			return err
		}
		return storageErr("update_ack_state", err)
	}
	return nil
}

func (s *gormStore) DeleteExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now().UTC()).
		Delete(&Entry{})
	if result.Error != nil {
		return 0, storageErr("delete_expired", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storageErr("ping", err)
	}
	return sqlDB.PingContext(ctx)
}
