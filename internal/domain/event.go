package domain

import (
	"encoding/json"
	"fmt"
)

// EventKind tags a ledger-derived domain event.
type EventKind string

const (
	EventTokenCreated  EventKind = "token_created"
	EventTokenMetadata EventKind = "token_metadata"
)

// TokenCreated is emitted for a transaction that initializes a new mint.
type TokenCreated struct {
	Account   string `json:"account"`   // watched target account
	Mint      string `json:"mint"`      // new mint address
	Wallet    string `json:"wallet"`    // first signer (fee payer)
	Signature string `json:"signature"` // transaction signature
	Timestamp int64  `json:"timestamp"` // block time, unix seconds
}

// SocialLinks are collected from the off-chain metadata document.
type SocialLinks struct {
	Twitter  string `json:"twitter,omitempty"`
	Telegram string `json:"telegram,omitempty"`
	Website  string `json:"website,omitempty"`
}

// TokenMetadata is TokenCreated enriched with resolved metadata.
// OffChainAvailable is false when only on-chain fields were resolved.
type TokenMetadata struct {
	TokenCreated
	Name              string      `json:"name"`
	Symbol            string      `json:"symbol"`
	URI               string      `json:"uri"`
	Description       string      `json:"description"`
	Image             string      `json:"image"`
	SocialLinks       SocialLinks `json:"socialLinks"`
	OffChainAvailable bool        `json:"offChainAvailable"`
}

// Event is a tagged union of the domain events a watcher emits.
// Exactly one of Created or Metadata is set, matching Kind.
type Event struct {
	Kind     EventKind
	Created  *TokenCreated
	Metadata *TokenMetadata
}

// Signature returns the transaction signature the event was extracted from.
func (e Event) Signature() string {
	switch {
	case e.Metadata != nil:
		return e.Metadata.Signature
	case e.Created != nil:
		return e.Created.Signature
	}
	return ""
}

// NewTokenCreatedEvent wraps c as an Event.
func NewTokenCreatedEvent(c TokenCreated) Event {
	return Event{Kind: EventTokenCreated, Created: &c}
}

// NewTokenMetadataEvent builds a metadata event from c and md.
func NewTokenMetadataEvent(c TokenCreated, md *Metadata) Event {
	m := TokenMetadata{
		TokenCreated: c,
		Name:         md.OnChain.Name,
		Symbol:       md.OnChain.Symbol,
		URI:          md.OnChain.URI,
	}
	if off := md.OffChain; off != nil {
		m.OffChainAvailable = true
		if off.Name != "" {
			m.Name = off.Name
		}
		if off.Symbol != "" {
			m.Symbol = off.Symbol
		}
		m.Description = off.Description
		m.Image = off.Image
		m.SocialLinks = SocialLinks{
			Twitter:  off.Twitter,
			Telegram: off.Telegram,
			Website:  off.Website,
		}
	}
	return Event{Kind: EventTokenMetadata, Metadata: &m}
}

type eventJSON struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {"type": kind, "data": payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch e.Kind {
	case EventTokenCreated:
		payload = e.Created
	case EventTokenMetadata:
		payload = e.Metadata
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{Type: e.Kind, Data: data})
}

// UnmarshalJSON decodes the {"type", "data"} form.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case EventTokenCreated:
		var c TokenCreated
		if err := json.Unmarshal(raw.Data, &c); err != nil {
			return err
		}
		*e = Event{Kind: raw.Type, Created: &c}
	case EventTokenMetadata:
		var m TokenMetadata
		if err := json.Unmarshal(raw.Data, &m); err != nil {
			return err
		}
		*e = Event{Kind: raw.Type, Metadata: &m}
	default:
		return fmt.Errorf("unknown event kind %q", raw.Type)
	}
	return nil
}
