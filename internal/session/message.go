package session

import (
	"bytes"
	"encoding/json"
	"fmt"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
	"solana-feed-gateway/internal/storage"
)

// DataType names a logical feed a client can subscribe to.
type DataType string

const (
	DataRecords               DataType = "records"
	DataRecordsByOwner        DataType = "recordsByOwner"
	DataRecordByAddress       DataType = "recordByAddress"
	DataTransactionsByAddress DataType = "transactionsByAddress"
	DataAllTransactions       DataType = "allTransactions"
	DataAggregateVolume       DataType = "aggregateVolume"
	DataLedgerAccountActivity DataType = "ledgerAccountActivity"
)

// Collection returns the record-store collection backing d, or "" for
// ledger-derived data.
func (d DataType) Collection() string {
	switch d {
	case DataRecords, DataRecordsByOwner, DataRecordByAddress:
		return domain.CollectionTokens
	case DataTransactionsByAddress, DataAllTransactions, DataAggregateVolume:
		return domain.CollectionTransactions
	}
	return ""
}

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	return d == DataLedgerAccountActivity || d.Collection() != ""
}

// RequiresAddress reports whether subscribing to d needs an address.
func (d DataType) RequiresAddress() bool {
	switch d {
	case DataRecordsByOwner, DataRecordByAddress, DataTransactionsByAddress, DataAggregateVolume:
		return true
	}
	return false
}

// Windowed reports whether d is restricted to a trailing time range.
func (d DataType) Windowed() bool {
	return d.Collection() == domain.CollectionTransactions
}

// Client message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server message types.
const (
	TypeSubscribed   = "subscribed"
	TypeData         = "data"
	TypeUpdate       = "update"
	TypeError        = "error"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
)

// ClientMessage is a message received from a client.
type ClientMessage struct {
	Type           string            `json:"type"`
	DataType       DataType          `json:"dataType,omitempty"`
	Address        string            `json:"address,omitempty"`
	TimeRange      string            `json:"timeRange,omitempty"`
	Filter         map[string]string `json:"filter,omitempty"`
	Sort           *storage.Sort     `json:"sort,omitempty"`
	Limit          int               `json:"limit,omitempty"`
	ID             string            `json:"id,omitempty"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
}

// ParseClientMessage decodes a client frame.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedMessage)
	}
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe, TypePing:
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	return &msg, nil
}

// Request is a validated subscribe message.
type Request struct {
	DataType  DataType
	Address   string
	TimeRange domain.TimeRange
	Tokens    storage.TokenQuery
	Limit     int
	RequestID string
}

// Request validates a subscribe message.
func (m *ClientMessage) Request() (Request, error) {
	if !m.DataType.Valid() {
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownDataType, m.DataType)
	}
	req := Request{
		DataType:  m.DataType,
		Address:   m.Address,
		Limit:     m.Limit,
		RequestID: m.ID,
	}
	if m.DataType.RequiresAddress() && m.Address == "" {
		return Request{}, fmt.Errorf("%w: address is required for %s", ErrInvalidParams, m.DataType)
	}
	if m.Limit < 0 {
		return Request{}, fmt.Errorf("%w: negative limit", ErrInvalidParams)
	}
	if m.DataType.Windowed() {
		tr, err := domain.ParseTimeRange(m.TimeRange)
		if err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		req.TimeRange = tr
	}
	if m.DataType.Collection() == domain.CollectionTokens {
		q := storage.TokenQuery{Filter: m.Filter, Limit: m.Limit}
		if m.DataType == DataRecordsByOwner {
			q.Owner = m.Address
		}
		if m.Sort != nil {
			q.Sort = *m.Sort
		}
		q, err := q.Normalize()
		if err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		req.Tokens = q
	}
	return req, nil
}

// ServerMessage is a message sent to a client. Data is kept raw so that a
// missing record is sent as an explicit null.
type ServerMessage struct {
	Type           string          `json:"type"`
	DataType       DataType        `json:"dataType,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	RequestID      string          `json:"id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Change         *feed.Change    `json:"change,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// ErrorMessage builds an error message for the client.
func ErrorMessage(dataType DataType, requestID string, err error) ServerMessage {
	return ServerMessage{
		Type:      TypeError,
		DataType:  dataType,
		RequestID: requestID,
		Message:   err.Error(),
	}
}

func dataMessage(msgType string, sub *Subscription, v interface{}) (ServerMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("marshal %s data: %w", sub.DataType, err)
	}
	return ServerMessage{
		Type:           msgType,
		DataType:       sub.DataType,
		SubscriptionID: sub.ID,
		Data:           raw,
	}, nil
}
