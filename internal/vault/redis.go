package vault

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
)

// Key layout of the Redis backend:
//
//	token:{id}            primary JSON blob, TTL = expiresAt − now (≥1s)
//	user:{userId}:tokens  set of entry ids owned by the user
//	user:{userId}:refresh persistent id of the user's refresh entry
//	session:{sid}:tokens  set of entry ids sharing an IdP session
//	ack:{state}           entry id indexed by consent ack state
//
// Index sets may hold ids whose blobs were TTL-evicted; readers skip and
// prune those members. Hash-dedup scans the token keyspace and is O(n) in
// this backend; the relational backend answers it from an index.
const (
	redisTokenPrefix   = "token:"
	redisAckPrefix     = "ack:"
	redisUserPrefix    = "user:"
	redisSessionPrefix = "session:"
)

// minTTL clamps the blob TTL so an entry expiring "now" still gets written
// with a positive expiry rather than failing the SET.
const minTTL = time.Second

// redisStore is the key-value implementation of Store.
type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a Store backed by the provided Redis client.
// The client is expected to be connected already (eager ping at boot).
func NewRedisStore(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

func redisErr(op string, err error) error {
	return apperr.Wrap(apperr.CodeStorageError, "vault storage operation failed", err).
		WithMeta("operation", op).
		WithMeta("backend", "redis")
}

func tokenKey(id uuid.UUID) string       { return redisTokenPrefix + id.String() }
func ackKey(state string) string         { return redisAckPrefix + state }
func userTokensKey(userID string) string { return redisUserPrefix + userID + ":tokens" }
func userRefreshKey(userID string) string {
	return redisUserPrefix + userID + ":refresh"
}
func sessionTokensKey(sid string) string { return redisSessionPrefix + sid + ":tokens" }

func entryTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl < minTTL {
		ttl = minTTL
	}
	return ttl
}

// save writes the blob and refreshes every secondary index in one pipeline.
func (s *redisStore) save(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return redisErr("save", err)
	}
	ttl := entryTTL(entry.ExpiresAt)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tokenKey(entry.ID), data, ttl)
	// Index sets are shared between entries with different lifetimes, so
	// their TTL must never shrink below the longest-lived member: NX seeds
	// the expiry on a fresh set, GT only ever extends it. A short-lived
	// write (a refresh rotation next to a 10-day offline entry) must not
	// evict the set while the offline entry is still live.
	pipe.SAdd(ctx, userTokensKey(entry.UserID), entry.ID.String())
	pipe.ExpireNX(ctx, userTokensKey(entry.UserID), ttl)
	pipe.ExpireGT(ctx, userTokensKey(entry.UserID), ttl)
	if entry.SessionStateID != "" {
		pipe.SAdd(ctx, sessionTokensKey(entry.SessionStateID), entry.ID.String())
		pipe.ExpireNX(ctx, sessionTokensKey(entry.SessionStateID), ttl)
		pipe.ExpireGT(ctx, sessionTokensKey(entry.SessionStateID), ttl)
	}
	if entry.TokenType == TypeRefresh {
		pipe.Set(ctx, userRefreshKey(entry.UserID), entry.ID.String(), ttl)
	}
	if entry.AckState != "" {
		pipe.Set(ctx, ackKey(entry.AckState), entry.ID.String(), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return redisErr("save", err)
	}
	return nil
}

// load fetches and decodes a blob. Missing keys surface as ErrNotFound.
func (s *redisStore) load(ctx context.Context, id uuid.UUID) (*Entry, error) {
	data, err := s.client.Get(ctx, tokenKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, redisErr("load", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, redisErr("load", err)
	}
	return &entry, nil
}

func (s *redisStore) Create(ctx context.Context, params CreateParams) (*Entry, error) {
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
	} else if existing, err := s.load(ctx, entry.ID); err == nil {
		// Rotation under an existing handle keeps the original creation
		// time and merges metadata instead of replacing it.
		entry.CreatedAt = existing.CreatedAt
		entry.TaskID = existing.TaskID
		entry.AckState = existing.AckState
		entry.Metadata = existing.Metadata.Merge(params.Metadata)
	}

	if err := s.save(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *redisStore) CreatePending(ctx context.Context, params PendingParams) (*Entry, error) {
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
	if err := s.save(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *redisStore) Retrieve(ctx context.Context, id uuid.UUID) (*Entry, error) {
	entry, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	// Native TTL normally evicts expired blobs; the explicit check covers
	// the clamped-TTL window and clock skew.
	if entry.Expired(time.Now().UTC()) {
		_ = s.Delete(ctx, id)
		return nil, ErrExpired
	}
	return entry, nil
}

func (s *redisStore) Delete(ctx context.Context, id uuid.UUID) error {
	entry, err := s.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, tokenKey(id))
	pipe.SRem(ctx, userTokensKey(entry.UserID), id.String())
	if entry.SessionStateID != "" {
		pipe.SRem(ctx, sessionTokensKey(entry.SessionStateID), id.String())
	}
	if entry.AckState != "" {
		pipe.Del(ctx, ackKey(entry.AckState))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return redisErr("delete", err)
	}

	// Drop the refresh pointer only if it still points at this entry.
	if entry.TokenType == TypeRefresh {
		current, err := s.client.Get(ctx, userRefreshKey(entry.UserID)).Result()
		if err == nil && current == id.String() {
			_ = s.client.Del(ctx, userRefreshKey(entry.UserID)).Err()
		}
	}
	return nil
}

// liveEntries resolves a set of ids into live entries, pruning members whose
// blobs were TTL-evicted, and returns them newest first.
func (s *redisStore) liveEntries(ctx context.Context, setKey string) ([]Entry, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, redisErr("live_entries", err)
	}

	now := time.Now().UTC()
	entries := make([]Entry, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			_ = s.client.SRem(ctx, setKey, raw).Err()
			continue
		}
		entry, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				_ = s.client.SRem(ctx, setKey, raw).Err()
				continue
			}
			return nil, err
		}
		if entry.Expired(now) {
			_ = s.Delete(ctx, id)
			continue
		}
		entries = append(entries, *entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *redisStore) GetRefreshByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	entry, err := s.Retrieve(ctx, id)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if entry.TokenType != TypeRefresh {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *redisStore) GetRefreshByUserID(ctx context.Context, userID string) (*Entry, error) {
	raw, err := s.client.Get(ctx, userRefreshKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, redisErr("get_refresh_by_user", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.GetRefreshByID(ctx, id)
}

func (s *redisStore) GetRefreshBySessionID(ctx context.Context, sessionStateID string) (*Entry, error) {
	entries, err := s.liveEntries(ctx, sessionTokensKey(sessionStateID))
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].TokenType == TypeRefresh {
			return &entries[i], nil
		}
	}
	return nil, ErrNotFound
}

func (s *redisStore) UpdateOfflineToken(ctx context.Context, update OfflineUpdate) (*Entry, error) {
	entry, err := s.load(ctx, update.ID)
	if err != nil {
		return nil, err
	}
	if entry.TokenType != TypeOffline {
		return nil, ErrNotFound
	}
	// Status guard: settled entries are returned as-is, never downgraded.
	if entry.Status != StatusPending {
		return entry, nil
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

	if err := s.save(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *redisStore) UpsertRefreshToken(ctx context.Context, params UpsertRefreshParams) (uuid.UUID, error) {
	existing, err := s.GetRefreshBySessionID(ctx, params.SessionStateID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return uuid.UUID{}, err
	}

	entry := &Entry{
		UserID:         params.UserID,
		TokenType:      TypeRefresh,
		EncryptedToken: params.EncryptedToken,
		IV:             params.IV,
		TokenHash:      params.TokenHash,
		SessionStateID: params.SessionStateID,
		Status:         StatusActive,
		Metadata:       params.Metadata,
		ExpiresAt:      params.ExpiresAt,
		UpdatedAt:      time.Now().UTC(),
	}
	if existing != nil {
		entry.ID = existing.ID
		entry.CreatedAt = existing.CreatedAt
		entry.Metadata = existing.Metadata.Merge(params.Metadata)
	} else {
		entry.ID = uuid.New()
		entry.CreatedAt = entry.UpdatedAt
	}

	if err := s.save(ctx, entry); err != nil {
		return uuid.UUID{}, err
	}
	return entry.ID, nil
}

func (s *redisStore) RetrieveNewestOfflineBySession(ctx context.Context, sessionStateID string) (*Entry, error) {
	entries, err := s.liveEntries(ctx, sessionTokensKey(sessionStateID))
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].TokenType == TypeOffline {
			return &entries[i], nil
		}
	}
	return nil, ErrNotFound
}

func (s *redisStore) RetrieveAllBySession(ctx context.Context, sessionStateID string, excludeID uuid.UUID, tokenType TokenType) ([]Entry, error) {
	entries, err := s.liveEntries(ctx, sessionTokensKey(sessionStateID))
	if err != nil {
		return nil, err
	}
	filtered := entries[:0]
	for _, e := range entries {
		if excludeID != (uuid.UUID{}) && e.ID == excludeID {
			continue
		}
		if tokenType != "" && e.TokenType != tokenType {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

func (s *redisStore) RetrieveAllByUserID(ctx context.Context, userID string) ([]Entry, error) {
	return s.liveEntries(ctx, userTokensKey(userID))
}

func (s *redisStore) HasDuplicateHash(ctx context.Context, tokenHash string, excludeID uuid.UUID) (bool, error) {
	// Full keyspace scan — acknowledged O(n) for this backend.
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisTokenPrefix+"*", 100).Result()
		if err != nil {
			return false, redisErr("has_duplicate_hash", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				continue
			}
			if entry.ID != excludeID && entry.TokenHash == tokenHash {
				return true, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return false, nil
		}
	}
}

func (s *redisStore) GetByAckState(ctx context.Context, ackState string) (*Entry, error) {
	raw, err := s.client.Get(ctx, ackKey(ackState)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, redisErr("get_by_ack_state", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, ErrNotFound
	}
	entry, err := s.Retrieve(ctx, id)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *redisStore) UpdateAckState(ctx context.Context, id uuid.UUID, ackState string) error {
	current, err := s.client.Get(ctx, ackKey(ackState)).Result()
	if err == nil && current != id.String() {
		return ErrAckStateTaken
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return redisErr("update_ack_state", err)
	}

	entry, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	entry.AckState = ackState
	entry.UpdatedAt = time.Now().UTC()
	return s.save(ctx, entry)
}

// DeleteExpired is a no-op: the native key TTL discharges expiry passively.
func (s *redisStore) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(apperr.CodeConnection, "redis ping failed", err)
	}
	return nil
}
