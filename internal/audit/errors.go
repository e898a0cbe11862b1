package audit

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no entry for the tenant.
	ErrNotFound = errors.New("audit entry not found")

	// ErrNotCanonical is returned when a payload has no canonical JSON form.
	ErrNotCanonical = errors.New("payload has no canonical JSON representation")

	// ErrInvalidRequest is returned when an append request is missing a required field.
	ErrInvalidRequest = errors.New("invalid audit append request")

	// ErrForkConflict is returned by a store when another writer already
	// claimed the chain head this append was built on.
	ErrForkConflict = errors.New("audit chain head changed during append")
)
