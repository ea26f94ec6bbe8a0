package entity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// TrivialPins are the pin codes HomeKit controllers reject as insecure.
// Matches the set the HAP library refuses at pair-setup time.
var TrivialPins = map[string]bool{
	"00000000": true,
	"11111111": true,
	"22222222": true,
	"33333333": true,
	"44444444": true,
	"55555555": true,
	"66666666": true,
	"77777777": true,
	"88888888": true,
	"99999999": true,
	"12345678": true,
	"87654321": true,
}

const (
	pinDigits        = 8
	setupIDLen       = 4
	setupIDAlphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	macOctets        = 6
)

// RandomPin returns a random 8-digit pin code outside the trivial set.
func RandomPin() (string, error) {
	max := big.NewInt(100000000) // 10^8
	for {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating pin: %w", err)
		}
		pin := fmt.Sprintf("%08d", n)
		if !TrivialPins[pin] {
			return pin, nil
		}
	}
}

// FormatPin renders an 8-digit pin in the XXX-XX-XXX form the HAP library
// expects.
func FormatPin(pin string) string {
	if len(pin) != pinDigits {
		return pin
	}
	return pin[:3] + "-" + pin[3:5] + "-" + pin[5:]
}

// ValidPin reports whether pin is 8 digits and outside the trivial set.
func ValidPin(pin string) bool {
	if len(pin) != pinDigits {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return !TrivialPins[pin]
}

// RandomMAC returns a random MAC-shaped HAP device id. The locally
// administered bit is set and the multicast bit cleared.
func RandomMAC() (string, error) {
	buf := make([]byte, macOctets)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating device id: %w", err)
	}
	buf[0] = (buf[0] | 0x02) &^ 0x01

	parts := make([]string, macOctets)
	for i, b := range buf {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// RandomSetupID returns a 4-character setup id over [0-9A-Z], used in the
// HomeKit setup QR URI and the mDNS sh record.
func RandomSetupID() (string, error) {
	alphabet := big.NewInt(int64(len(setupIDAlphabet)))
	out := make([]byte, setupIDLen)
	for i := range out {
		n, err := rand.Int(rand.Reader, alphabet)
		if err != nil {
			return "", fmt.Errorf("generating setup id: %w", err)
		}
		out[i] = setupIDAlphabet[n.Int64()]
	}
	return string(out), nil
}

// NewPrivateKey generates a fresh ed25519 long-term keypair and returns it
// hex-encoded (seed and public key, 64 bytes total).
func NewPrivateKey() (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating keypair: %w", err)
	}
	return hex.EncodeToString(priv), nil
}

// DecodePrivateKey decodes a hex-encoded ed25519 private key.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// NewBridge assembles a Bridge with a fresh random identity. The pin may be
// supplied by the caller; when empty a random non-trivial one is chosen.
func NewBridge(name string, port int, pin string) (*Bridge, error) {
	var err error
	if pin == "" {
		pin, err = RandomPin()
		if err != nil {
			return nil, err
		}
	} else if !ValidPin(pin) {
		return nil, fmt.Errorf("pin %q: %w", pin, ErrConflict)
	}

	mac, err := RandomMAC()
	if err != nil {
		return nil, err
	}
	setupID, err := RandomSetupID()
	if err != nil {
		return nil, err
	}
	key, err := NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return &Bridge{
		Name:          name,
		PinCode:       pin,
		Port:          port,
		Category:      2, // bridge
		DeviceID:      mac,
		SetupID:       setupID,
		PrivateKey:    key,
		ConfigVersion: 1,
		StatusFlag:    StatusNotPaired,
		MaxPeers:      16,
		Pairings:      map[string]Pairing{},
	}, nil
}
