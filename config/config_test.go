package config

import "testing"

func TestValidateRequiresNetworkKey(t *testing.T) {
	c := Default()
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing network key")
	}
	c.NetworkKey = []byte("0123456789abcdef")
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsOversizedNetworkKey(t *testing.T) {
	c := Default()
	c.NetworkKey = make([]byte, 17)
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for oversized network key")
	}
}

func TestValidateRejectsBadScanMode(t *testing.T) {
	c := Default()
	c.NetworkKey = []byte("0123456789abcdef")
	c.ScanMode = "turbo"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for invalid scan mode")
	}
}

func TestRandomSelfIDVaries(t *testing.T) {
	a, err := RandomSelfID()
	if err != nil {
		t.Fatalf("RandomSelfID: %v", err)
	}
	b, err := RandomSelfID()
	if err != nil {
		t.Fatalf("RandomSelfID: %v", err)
	}
	if a == b {
		t.Fatalf("expected two random ids to differ (collision astronomically unlikely)")
	}
}
