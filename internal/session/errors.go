package session

import "errors"

var (
	// ErrMalformedMessage is returned for client input that cannot be parsed.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownDataType is returned for a subscribe with an unsupported data type.
	ErrUnknownDataType = errors.New("unknown data type")

	// ErrInvalidParams is returned when subscription parameters fail validation.
	ErrInvalidParams = errors.New("invalid subscription parameters")

	// ErrSubscriptionLimit is returned when a session holds too many subscriptions.
	ErrSubscriptionLimit = errors.New("subscription limit reached")

	// ErrUnknownSubscription is returned when unsubscribing an id the session does not own.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrSessionClosed is returned for operations on a torn down session.
	ErrSessionClosed = errors.New("session closed")
)

// errorKind labels err for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, ErrUnknownDataType):
		return "unknown_data_type"
	case errors.Is(err, ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, ErrSubscriptionLimit):
		return "subscription_limit"
	case errors.Is(err, ErrUnknownSubscription):
		return "unknown_subscription"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "internal"
	}
}
