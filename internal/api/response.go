// Package api implements the HTTP surface of the auth manager. It uses Chi
// as the router; every route except the IdP consent callback and the probe
// endpoints requires a bearer token, validated against the IdP by the
// Authenticate middleware.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// errorBody is the error envelope: {error, code, details?}. details carries
// the error's metadata bag when present.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Err maps an error onto the taxonomy's HTTP status and writes the error
// envelope. Errors without a taxonomy code become internal_error and do not
// leak their detail to the client.
func Err(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	message := "an internal error occurred"
	var e *apperr.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	JSON(w, apperr.HTTPStatus(err), errorBody{
		Error:   message,
		Code:    string(code),
		Details: apperr.MetaOf(err),
	})
}
