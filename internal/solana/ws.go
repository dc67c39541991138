package solana

import (
	"context"
	"encoding/json"
	"fmt"
)

// Subscription methods of the Solana pubsub API and their notification names.
const (
	MethodProgramSubscribe     = "programSubscribe"
	MethodLogsSubscribe        = "logsSubscribe"
	MethodSignatureSubscribe   = "signatureSubscribe"
	MethodProgramUnsubscribe   = "programUnsubscribe"
	MethodLogsUnsubscribe      = "logsUnsubscribe"
	MethodSignatureUnsubscribe = "signatureUnsubscribe"

	NotificationProgram   = "programNotification"
	NotificationLogs      = "logsNotification"
	NotificationSignature = "signatureNotification"
)

// Stream is a single JSON-RPC websocket connection to a node. It multiplexes
// correlated requests and subscription notifications. A Stream never
// reconnects by itself: once Done is closed the caller dials a new one.
type Stream interface {
	// Subscribe sends a *Subscribe request and returns the node-assigned subscription id.
	Subscribe(ctx context.Context, method string, params []interface{}) (int64, error)

	// Unsubscribe cancels a subscription. method is the matching *Unsubscribe method.
	Unsubscribe(ctx context.Context, method string, subID int64) error

	// Call sends a correlated request and decodes its result into result (may be nil).
	Call(ctx context.Context, method string, params []interface{}, result interface{}) error

	// Notifications delivers subscription notifications in arrival order.
	Notifications() <-chan Notification

	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}

	// Err returns the reason Done was closed, nil while open or after a clean Close.
	Err() error

	// Close closes the connection.
	Close() error
}

// StreamDialer opens a Stream to address.
type StreamDialer func(ctx context.Context, address string) (Stream, error)

// Notification is one subscription message pushed by the node.
type Notification struct {
	Method       string
	Subscription int64
	Slot         int64
	Value        json.RawMessage
}

// LogsValue is the value of a logsNotification.
type LogsValue struct {
	Signature string      `json:"signature"`
	Logs      []string    `json:"logs"`
	Err       interface{} `json:"err"`
}

// ProgramValue is the value of a programNotification.
type ProgramValue struct {
	Pubkey  string          `json:"pubkey"`
	Account json.RawMessage `json:"account"`
	// Signature is only set by providers that annotate program notifications.
	Signature string `json:"signature"`
}

// SignatureValue is the value of a signatureNotification.
type SignatureValue struct {
	Err interface{} `json:"err"`
}

// DecodeLogs decodes a logsNotification value.
func (n Notification) DecodeLogs() (LogsValue, error) {
	var v LogsValue
	if err := json.Unmarshal(n.Value, &v); err != nil {
		return v, fmt.Errorf("decode logs notification: %w", err)
	}
	return v, nil
}

// DecodeProgram decodes a programNotification value.
func (n Notification) DecodeProgram() (ProgramValue, error) {
	var v ProgramValue
	if err := json.Unmarshal(n.Value, &v); err != nil {
		return v, fmt.Errorf("decode program notification: %w", err)
	}
	return v, nil
}

// DecodeSignature decodes a signatureNotification value.
func (n Notification) DecodeSignature() (SignatureValue, error) {
	var v SignatureValue
	if err := json.Unmarshal(n.Value, &v); err != nil {
		return v, fmt.Errorf("decode signature notification: %w", err)
	}
	return v, nil
}

// LogsSubscribeParams builds logsSubscribe params for a mentions filter.
func LogsSubscribeParams(mentions []string, commitment string) []interface{} {
	filter := map[string]interface{}{}
	if len(mentions) > 0 {
		filter["mentions"] = mentions
	} else {
		filter["all"] = nil
	}
	return []interface{}{filter, map[string]string{"commitment": commitment}}
}

// ProgramSubscribeParams builds programSubscribe params.
func ProgramSubscribeParams(programID, commitment string) []interface{} {
	return []interface{}{
		programID,
		map[string]string{"encoding": "jsonParsed", "commitment": commitment},
	}
}

// SignatureSubscribeParams builds signatureSubscribe params.
func SignatureSubscribeParams(signature, commitment string) []interface{} {
	return []interface{}{signature, map[string]string{"commitment": commitment}}
}
