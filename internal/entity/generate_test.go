package entity

import (
	"strings"
	"testing"
)

func TestRandomPinAvoidsTrivialSet(t *testing.T) {
	for i := 0; i < 10000; i++ {
		pin, err := RandomPin()
		if err != nil {
			t.Fatalf("RandomPin() error = %v", err)
		}
		if len(pin) != 8 {
			t.Fatalf("RandomPin() = %q, want 8 digits", pin)
		}
		if TrivialPins[pin] {
			t.Fatalf("RandomPin() returned trivial pin %q", pin)
		}
	}
}

func TestFormatPin(t *testing.T) {
	if got := FormatPin("01032017"); got != "010-32-017" {
		t.Errorf("FormatPin() = %q, want 010-32-017", got)
	}
}

func TestValidPin(t *testing.T) {
	tests := []struct {
		pin  string
		want bool
	}{
		{"01032017", true},
		{"12345678", false},
		{"00000000", false},
		{"87654321", false},
		{"1234567", false},
		{"abcdefgh", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidPin(tt.pin); got != tt.want {
			t.Errorf("ValidPin(%q) = %v, want %v", tt.pin, got, tt.want)
		}
	}
}

func TestRandomSetupID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id, err := RandomSetupID()
		if err != nil {
			t.Fatalf("RandomSetupID() error = %v", err)
		}
		if len(id) != 4 {
			t.Fatalf("RandomSetupID() = %q, want 4 chars", id)
		}
		for _, r := range id {
			if !strings.ContainsRune(setupIDAlphabet, r) {
				t.Fatalf("RandomSetupID() char %q outside [0-9A-Z]", r)
			}
		}
		seen[id] = true
	}
	// 36^4 = 1.6M possibilities; 1000 draws colliding down to a handful
	// would indicate a broken generator.
	if len(seen) < 950 {
		t.Errorf("RandomSetupID() produced only %d distinct values in 1000 draws", len(seen))
	}
}

func TestRandomMAC(t *testing.T) {
	mac, err := RandomMAC()
	if err != nil {
		t.Fatalf("RandomMAC() error = %v", err)
	}
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		t.Fatalf("RandomMAC() = %q, want 6 octets", mac)
	}
	for _, p := range parts {
		if len(p) != 2 {
			t.Errorf("octet %q, want 2 hex chars", p)
		}
	}
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	enc, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	key, err := DecodePrivateKey(enc)
	if err != nil {
		t.Fatalf("DecodePrivateKey() error = %v", err)
	}
	if len(key) != 64 {
		t.Errorf("decoded key length = %d, want 64", len(key))
	}
}

func TestNewBridge(t *testing.T) {
	b, err := NewBridge("Living Room", 35001, "")
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if !ValidPin(b.PinCode) {
		t.Errorf("NewBridge() pin %q invalid", b.PinCode)
	}
	if b.StatusFlag != StatusNotPaired {
		t.Errorf("StatusFlag = %q, want not_paired", b.StatusFlag)
	}
	if b.ConfigVersion != 1 {
		t.Errorf("ConfigVersion = %d, want 1", b.ConfigVersion)
	}

	if _, err := NewBridge("Bad", 35002, "12345678"); err == nil {
		t.Error("NewBridge() accepted trivial pin")
	}
}
