package feed

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is the kind of mutation carried by a Change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one mutation of a record-store collection. Insert and delete
// changes carry the full document; update changes carry only the id and
// the updated fields, so consumers must look the record up. A change too
// large for its transport arrives with the id alone and is looked up the
// same way, except for deletes.
type Change struct {
	Op            Op              `json:"op" msgpack:"op"`
	Collection    string          `json:"collection" msgpack:"collection"`
	ID            string          `json:"id" msgpack:"id"`
	Document      json.RawMessage `json:"document,omitempty" msgpack:"document,omitempty"`
	UpdatedFields json.RawMessage `json:"updatedFields,omitempty" msgpack:"updatedFields,omitempty"`
	Timestamp     int64           `json:"ts" msgpack:"ts"` // unix ms
}

// NewChange builds a change for doc. doc is omitted for updates.
func NewChange(op Op, collection, id string, doc interface{}) (Change, error) {
	c := Change{
		Op:         op,
		Collection: collection,
		ID:         id,
		Timestamp:  time.Now().UnixMilli(),
	}
	if doc != nil && op != OpUpdate {
		raw, err := json.Marshal(doc)
		if err != nil {
			return Change{}, fmt.Errorf("marshal %s document: %w", collection, err)
		}
		c.Document = raw
	}
	return c, nil
}

// HasDocument reports whether the change carries the full record.
func (c Change) HasDocument() bool {
	return len(c.Document) > 0 && string(c.Document) != "null"
}

// DecodeDocument unmarshals the carried document into v.
func (c Change) DecodeDocument(v interface{}) error {
	if !c.HasDocument() {
		return fmt.Errorf("%s change %s has no document", c.Op, c.ID)
	}
	return json.Unmarshal(c.Document, v)
}

// DecodeChange parses a JSON change payload.
func DecodeChange(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	switch c.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return Change{}, fmt.Errorf("decode change: unknown op %q", c.Op)
	}
	if c.Collection == "" || c.ID == "" {
		return Change{}, fmt.Errorf("decode change: missing collection or id")
	}
	return c, nil
}
