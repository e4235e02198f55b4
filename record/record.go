// Package record defines the inner, encrypted record carried inside a
// datagram's payload. Unlike the cleartext header, the record is a
// JSON-like structure whose schema depends on the datagram's kind.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind mirrors datagram.Kind as a string, since the record travels as JSON.
type Kind string

const (
	KindSOS    Kind = "sos"
	KindDirect Kind = "direct"
	KindRelay  Kind = "relay"
	KindAck    Kind = "ack"
)

// BroadcastRecipient is the sentinel recipient meaning "every node".
const BroadcastRecipient = "broadcast"

// ErrMalformedRecord is returned when a decoded record violates its schema.
var ErrMalformedRecord = errors.New("record: malformed")

// Location is a latitude/longitude pair, present on SOS records.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Record is the sum type carried inside the encrypted payload. Only the
// fields relevant to Kind are populated; Validate enforces the schema.
type Record struct {
	Kind              Kind      `json:"kind"`
	Sender            string    `json:"sender"`
	Recipient         string    `json:"recipient"`
	Content           string    `json:"content,omitempty"`
	Location          *Location `json:"location,omitempty"`
	Priority          int       `json:"priority"`
	Timestamp         int64     `json:"timestamp"`
	SOSType           string    `json:"sosType,omitempty"`
	OriginalMessageID string    `json:"originalMessageId,omitempty"`
}

// Encode marshals the record to its wire JSON form.
func (r Record) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// Decode unmarshals and validates a record from its wire JSON form.
func Decode(data []byte) (Record, error) {
	var r Record
	if len(data) == 0 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrMalformedRecord)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Validate enforces the fixed schema per kind described in spec §3.
func (r Record) Validate() error {
	switch r.Kind {
	case KindSOS, KindDirect, KindRelay, KindAck:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedRecord, r.Kind)
	}
	if r.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedRecord)
	}
	if r.Recipient == "" {
		return fmt.Errorf("%w: missing recipient", ErrMalformedRecord)
	}
	if r.Priority < 1 || r.Priority > 5 {
		return fmt.Errorf("%w: priority %d out of range", ErrMalformedRecord, r.Priority)
	}
	switch r.Kind {
	case KindSOS:
		if r.Location == nil {
			return fmt.Errorf("%w: sos record missing location", ErrMalformedRecord)
		}
		if r.SOSType == "" {
			return fmt.Errorf("%w: sos record missing sosType", ErrMalformedRecord)
		}
	case KindAck:
		if r.OriginalMessageID == "" {
			return fmt.Errorf("%w: ack record missing originalMessageId", ErrMalformedRecord)
		}
	}
	return nil
}

// IsBroadcast reports whether the record's recipient is the broadcast sentinel.
func (r Record) IsBroadcast() bool {
	return r.Recipient == BroadcastRecipient
}
