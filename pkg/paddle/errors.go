package paddle

import "errors"

var (
	// ErrInvalidSignature means the request was not signed with the shared secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload means the verified body is not a decodable event envelope.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrMissingFields means an event lacks a field its handler requires.
	ErrMissingFields = errors.New("missing required event fields")
	// ErrInvalidField means a field is present but carries an unusable value.
	ErrInvalidField = errors.New("invalid event field")
)

// IsValidation reports whether err is a per-event validation failure that
// should be logged and acknowledged rather than retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingFields) || errors.Is(err, ErrInvalidField)
}
