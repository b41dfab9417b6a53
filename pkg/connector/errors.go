package connector

import "errors"

var (
	// ErrCredentialRejected is returned on 401/403-equivalent responses.
	ErrCredentialRejected = errors.New("connector: credential rejected")

	// ErrNotFound is returned when a single entity fetch finds nothing.
	ErrNotFound = errors.New("connector: entity not found")

	// ErrMetricsRejected is a terminal refusal from the metrics endpoint.
	ErrMetricsRejected = errors.New("connector: metrics rejected")

	// ErrTransient covers network failures and 5xx-equivalent responses.
	ErrTransient = errors.New("connector: transient failure")

	// ErrNotAuthenticated is returned when a call is attempted without a valid session.
	ErrNotAuthenticated = errors.New("connector: not authenticated")
)

// IsUnauthorized reports whether err signals a rejected credential.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrCredentialRejected)
}
