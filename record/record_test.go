package record

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := Record{
		Kind:      KindSOS,
		Sender:    "node-a",
		Recipient: BroadcastRecipient,
		Priority:  5,
		Timestamp: 1700000000,
		Location:  &Location{Latitude: 37.7749, Longitude: -122.4194},
		SOSType:   "medical",
	}

	data, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != r.Kind || got.Sender != r.Sender || got.Recipient != r.Recipient ||
		got.Priority != r.Priority || got.Timestamp != r.Timestamp || got.SOSType != r.SOSType {
		t.Fatalf("round trip mismatch: %+v != %+v", got, r)
	}
	if got.Location == nil || *got.Location != *r.Location {
		t.Fatalf("location mismatch: %+v != %+v", got.Location, r.Location)
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	r := Record{Kind: "bogus", Sender: "a", Recipient: "b", Priority: 1}
	if err := r.Validate(); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestValidateRejectsMissingSenderOrRecipient(t *testing.T) {
	cases := []Record{
		{Kind: KindDirect, Sender: "", Recipient: "b", Priority: 1},
		{Kind: KindDirect, Sender: "a", Recipient: "", Priority: 1},
	}
	for _, r := range cases {
		if err := r.Validate(); !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("expected ErrMalformedRecord for %+v, got %v", r, err)
		}
	}
}

func TestValidateRejectsPriorityOutOfRange(t *testing.T) {
	for _, p := range []int{0, -1, 6, 100} {
		r := Record{Kind: KindDirect, Sender: "a", Recipient: "b", Priority: p}
		if err := r.Validate(); !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("expected ErrMalformedRecord for priority %d, got %v", p, err)
		}
	}
}

func TestValidateSOSRequiresLocationAndType(t *testing.T) {
	base := Record{Kind: KindSOS, Sender: "a", Recipient: BroadcastRecipient, Priority: 5}
	if err := base.Validate(); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord for missing location, got %v", err)
	}

	withLoc := base
	withLoc.Location = &Location{}
	if err := withLoc.Validate(); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord for missing sosType, got %v", err)
	}

	withLoc.SOSType = "medical"
	if err := withLoc.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAckRequiresOriginalMessageID(t *testing.T) {
	r := Record{Kind: KindAck, Sender: "a", Recipient: "b", Priority: 1}
	if err := r.Validate(); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
	r.OriginalMessageID = "abc-123"
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeRejectsEmptyAndGarbage(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord for empty payload, got %v", err)
	}
	if _, err := Decode([]byte("not json")); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord for garbage, got %v", err)
	}
}

func TestIsBroadcast(t *testing.T) {
	r := Record{Recipient: BroadcastRecipient}
	if !r.IsBroadcast() {
		t.Fatalf("expected broadcast recipient to report true")
	}
	r.Recipient = "node-b"
	if r.IsBroadcast() {
		t.Fatalf("expected non-broadcast recipient to report false")
	}
}
