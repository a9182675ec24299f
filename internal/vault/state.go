package vault

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
)

// stateSeparator joins the state-token payload fields before encoding.
const stateSeparator = ":"

// stateFieldCount is the number of payload fields. The older two-field
// {userId, sessionStateId} shape is rejected by Parse.
const stateFieldCount = 3

// StateToken is the payload handed to the IdP in the OAuth `state` parameter
// during the offline-consent flow and returned verbatim on the callback. It
// correlates the asynchronous redirect with the pending vault entry.
//
// The encoding is deliberately opaque and unsigned — the unique index on
// ack_state is the defense against replay, not the token itself.
type StateToken struct {
	UserID            string
	TaskID            string
	PersistentTokenID uuid.UUID
}

// Encode serializes the payload as base64url(userID:taskID:persistentTokenID).
func (s StateToken) Encode() string {
	raw := strings.Join([]string{s.UserID, s.TaskID, s.PersistentTokenID.String()}, stateSeparator)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseStateToken decodes a state token. It fails closed: malformed base64,
// a wrong separator count, an empty field, or a non-UUID token id all yield
// invalid_request.
func ParseStateToken(encoded string) (StateToken, error) {
	if encoded == "" {
		return StateToken{}, apperr.New(apperr.CodeInvalidRequest, "state token is empty")
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return StateToken{}, apperr.Wrap(apperr.CodeInvalidRequest, "state token is not valid base64url", err)
	}

	parts := strings.Split(string(raw), stateSeparator)
	if len(parts) != stateFieldCount {
		return StateToken{}, apperr.New(apperr.CodeInvalidRequest, "state token has wrong field count").
			WithMeta("fields", len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return StateToken{}, apperr.New(apperr.CodeInvalidRequest, "state token has empty field")
		}
	}

	id, err := uuid.Parse(parts[2])
	if err != nil {
		return StateToken{}, apperr.Wrap(apperr.CodeInvalidRequest, "state token carries invalid token id", err)
	}

	return StateToken{
		UserID:            parts[0],
		TaskID:            parts[1],
		PersistentTokenID: id,
	}, nil
}
