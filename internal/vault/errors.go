package vault

import "errors"

// Sentinel errors returned by Store implementations. Callers use errors.Is;
// the service layer maps them onto the public error taxonomy.
var (
	// ErrNotFound is returned when no entry matches the lookup.
	ErrNotFound = errors.New("vault: entry not found")

	// ErrExpired is returned by Retrieve when the entry existed but its
	// expiry has passed. The entry has already been deleted (best effort)
	// by the time this is returned.
	ErrExpired = errors.New("vault: entry expired")

	// ErrAckStateTaken is returned when an ack-state value collides with a
	// live entry. Ack states must be unique across live entries.
	ErrAckStateTaken = errors.New("vault: ack state already in use")
)
