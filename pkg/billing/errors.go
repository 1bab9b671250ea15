package billing

import (
	"errors"
)

var (
	// ErrUnauthenticated means the operation needs a caller identity.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden means the caller does not own the subscription.
	ErrForbidden = errors.New("subscription belongs to another user")
	// ErrNotFound means the subscription or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExceeded means the user has no tokens left for the request.
	ErrQuotaExceeded = errors.New("token quota exceeded")
	// ErrInvalidInput means required fields are missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
)
