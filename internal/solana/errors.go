package solana

import (
	"errors"
	"fmt"
	"strings"
)

// Transport and protocol errors shared by the RPC and stream clients.
var (
	// ErrRateLimited is returned when the node answers with HTTP 429,
	// JSON-RPC code 429, or a "too many requests" message.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransportClosed is returned for operations on a closed or broken stream.
	ErrTransportClosed = errors.New("transport closed")

	// ErrRequestTimeout is returned when a correlated request gets no response in time.
	ErrRequestTimeout = errors.New("request timed out")
)

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrRateLimited) match rate-limit RPC errors.
func (e *RPCError) Is(target error) bool {
	return target == ErrRateLimited && e.rateLimited()
}

func (e *RPCError) rateLimited() bool {
	return e.Code == 429 || IsRateLimitMessage(e.Message)
}

// IsRateLimitMessage reports whether msg carries a "too many requests" signal.
func IsRateLimitMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "too many requests")
}

// IsRateLimited reports whether err signals endpoint-level rate limiting.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return IsRateLimitMessage(err.Error())
}
