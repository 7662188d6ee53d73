// Package apperr holds the error taxonomy shared by the services and the HTTP layer.
package apperr

import "errors"

var (
	// ErrNotFound: the referenced entity is absent or not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrPermission: the entity exists but belongs to someone else.
	ErrPermission = errors.New("permission denied")
	// ErrInvalidState: the operation would break an entity invariant.
	ErrInvalidState = errors.New("invalid state")
	// ErrLimitReached: a free-tier quota is exhausted.
	ErrLimitReached = errors.New("limit reached")

	// ErrTransientDispatch marks push failures worth retrying later.
	ErrTransientDispatch = errors.New("transient dispatch failure")
	// ErrPermanentDispatch marks push targets that will never accept a message again.
	ErrPermanentDispatch = errors.New("permanent dispatch failure")
)
