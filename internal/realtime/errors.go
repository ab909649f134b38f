package realtime

import "errors"

// Error taxonomy for the real-time core. Every error produced by the Router or
// the Lifecycle wraps one of these, so callers classify with errors.Is.
var (
	// ErrAuthRejected means the credential presented on connect could not be
	// resolved to a user. Terminal: the connection is closed with CloseUnauthorized.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrNotAMember means a room action was attempted without durable membership.
	ErrNotAMember = errors.New("not a member of room")

	// ErrValidationFailed means an inbound frame was malformed or out of bounds.
	ErrValidationFailed = errors.New("validation failed")

	// ErrPersistenceUnavailable means a persistence call failed. The in-flight
	// event is dropped but the connection stays open.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrDeliveryFailed means one handle could not accept an outbound frame.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrRateLimited means the connection sent frames faster than allowed.
	ErrRateLimited = errors.New("rate limited")

	// ErrConnClosed is returned when sending on a connection that is shutting
	// down, and by Hub operations that need a live connection or online user.
	ErrConnClosed = errors.New("connection closed")

	// ErrHubStopped is returned by operations attempted after the Hub stopped.
	ErrHubStopped = errors.New("hub stopped")
)

// Error codes carried in outbound error events.
const (
	CodeUnauthorized           = "unauthorized"
	CodeNotAMember             = "not_a_member"
	CodeValidationFailed       = "validation_failed"
	CodePersistenceUnavailable = "persistence_unavailable"
	CodeRateLimited            = "rate_limited"
	CodeInternal               = "internal_error"
)

// ErrorCode maps an error onto the code reported to the originating connection.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthRejected):
		return CodeUnauthorized
	case errors.Is(err, ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, ErrPersistenceUnavailable):
		return CodePersistenceUnavailable
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
