// Package vault defines the token vault: the persisted, indexed store of
// long-lived refresh and offline tokens. Token plaintext never touches this
// package — callers hand in ciphertext produced by internal/crypto together
// with the matching IV and SHA-256 fingerprint.
package vault

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenType distinguishes session-bound refresh tokens from offline tokens
// that survive user logout.
type TokenType string

const (
	TypeRefresh TokenType = "refresh"
	TypeOffline TokenType = "offline"
)

// Status tracks the consent lifecycle of an offline entry. Refresh entries
// only ever use StatusActive or StatusNone.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
	StatusNone    Status = "none"
)

// Metadata is an opaque free-form key/value map persisted as JSON in a single
// text column. Writes merge into the existing map rather than replacing it.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("vault: marshaling metadata: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("vault: Metadata.Scan: expected string or []byte, got %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Merge returns a copy of m with the entries of other applied on top.
// Existing keys not present in other are preserved.
func (m Metadata) Merge(other Metadata) Metadata {
	merged := make(Metadata, len(m)+len(other))
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Entry is a single vault row. ID is the persistent token id exposed to
// callers as an opaque handle; it is preserved across refresh-token rotation
// so external systems never need to re-learn it.
type Entry struct {
	ID             uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	UserID         string    `gorm:"not null;index:idx_vault_user_type,priority:1" json:"userId"`
	TokenType      TokenType `gorm:"not null;index:idx_vault_user_type,priority:2,sort:desc" json:"tokenType"`
	EncryptedToken string    `gorm:"type:text" json:"encryptedToken,omitempty"` // hex(ciphertext ∥ tag); empty while pending
	IV             string    `json:"iv,omitempty"`                              // hex, 16 bytes; empty while pending
	TokenHash      string    `gorm:"index:idx_vault_token_hash" json:"tokenHash,omitempty"`
	SessionStateID string    `gorm:"index:idx_vault_session" json:"sessionStateId,omitempty"`
	Status         Status    `gorm:"not null;default:'none'" json:"status"`
	TaskID         string    `json:"taskId,omitempty"`
	AckState       string    `gorm:"index:idx_vault_ack_state" json:"ackState,omitempty"`
	Metadata       Metadata  `gorm:"type:text" json:"metadata,omitempty"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expiresAt"`
	CreatedAt      time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"not null" json:"updatedAt"`
}

// TableName pins the gorm table name to the migrated schema.
func (Entry) TableName() string {
	return "auth_vault"
}

// Expired reports whether the entry's absolute expiry has passed.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// HasToken reports whether the entry carries ciphertext. Pending offline
// entries have none until the consent callback promotes them.
func (e *Entry) HasToken() bool {
	return e.EncryptedToken != "" && e.IV != ""
}
