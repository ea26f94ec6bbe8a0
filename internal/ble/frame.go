package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ServiceUUID is the Xiaomi vendor service carrying MiBeacon frames.
const ServiceUUID = "0000fe95-0000-1000-8000-00805f9b34fb"

// ErrMalformedFrame marks structurally invalid service data. The frame is
// dropped; the stream survives.
var ErrMalformedFrame = errors.New("ble: malformed frame")

// Frame control bits (little-endian uint16 at the start of the frame).
const (
	flagMesh       = 0x0080
	flagEncrypted  = 0x0008
	flagMAC        = 0x0010
	flagCapability = 0x0020
	flagObject     = 0x0040

	// capabilityIO marks an extra IO byte after the capability byte.
	capabilityIO = 0x20

	versionShift = 12
	maxVersion   = 5
)

// Event is one decoded advertisement object.
type Event struct {
	EType     uint16
	MAC       string
	EData     []byte
	ProductID uint16
	PacketID  byte
}

// Logger is the logging hook for dropped frames.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// KeyFunc resolves the 16-byte bindkey registered for a MAC, if any.
type KeyFunc func(mac string) ([]byte, bool)

// Decoder parses MiBeacon service data. Zero-value usable; set Keys to
// enable decryption of v4/v5 encrypted frames.
type Decoder struct {
	Keys   KeyFunc
	Logger Logger
}

func (d *Decoder) logger() Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return noopLogger{}
}

// Decode parses one service-data blob. advMAC is the advertiser address as
// reported by the scanner, used when the frame itself omits the MAC.
//
// Returns (nil, nil) for frames that are valid but carry nothing for us:
// mesh frames, frames without an object, and encrypted frames without a
// registered key. Structural damage returns ErrMalformedFrame.
func (d *Decoder) Decode(data []byte, advMAC string) (*Event, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}

	fctrl := binary.LittleEndian.Uint16(data[0:2])
	version := int(fctrl >> versionShift)

	if fctrl&flagMesh != 0 {
		return nil, nil
	}
	if version > maxVersion {
		d.logger().Warn("unsupported MiBeacon version", "version", version, "mac", advMAC)
		return nil, nil
	}
	if fctrl&flagObject == 0 {
		return nil, nil
	}

	ev := Event{
		ProductID: binary.LittleEndian.Uint16(data[2:4]),
		PacketID:  data[4],
		MAC:       strings.ToUpper(advMAC),
	}
	off := 5

	// The on-air MAC is reversed relative to the canonical form.
	var frameMAC []byte
	if fctrl&flagMAC != 0 {
		if len(data) < off+6 {
			return nil, fmt.Errorf("%w: truncated MAC", ErrMalformedFrame)
		}
		frameMAC = data[off : off+6]
		ev.MAC = canonicalMAC(frameMAC)
		off += 6
	}

	if fctrl&flagCapability != 0 {
		if len(data) <= off {
			return nil, fmt.Errorf("%w: truncated capability", ErrMalformedFrame)
		}
		if data[off]&capabilityIO != 0 {
			off++
		}
		off++
	}

	body := data[off:]
	if fctrl&flagEncrypted != 0 {
		if version < 4 {
			d.logger().Warn("legacy encrypted frame unsupported", "mac", ev.MAC, "version", version)
			return nil, nil
		}
		plain, ok := d.decryptBody(body, frameMAC, data[2:4], data[4], ev.MAC)
		if !ok {
			return nil, nil
		}
		body = plain
	}

	if len(body) < 3 {
		return nil, fmt.Errorf("%w: truncated object", ErrMalformedFrame)
	}
	ev.EType = binary.LittleEndian.Uint16(body[0:2])
	length := int(body[2])
	if len(body) < 3+length {
		return nil, fmt.Errorf("%w: object length %d exceeds frame", ErrMalformedFrame, length)
	}
	ev.EData = append([]byte(nil), body[3:3+length]...)
	return &ev, nil
}

// decryptBody handles the v4/v5 AES-CCM envelope:
// ciphertext ‖ counter(3) ‖ mic(4), nonce = frame-MAC ‖ product-id ‖
// packet-id ‖ counter, aad = 0x11.
func (d *Decoder) decryptBody(body, frameMAC, productID []byte, packetID byte, mac string) ([]byte, bool) {
	if d.Keys == nil {
		d.logger().Warn("encrypted frame but no keystore", "mac", mac)
		return nil, false
	}
	key, ok := d.Keys(mac)
	if !ok {
		d.logger().Warn("encrypted frame without registered key", "mac", mac)
		return nil, false
	}
	if len(body) < 3+4+1 || len(frameMAC) != 6 {
		d.logger().Warn("encrypted frame too short", "mac", mac)
		return nil, false
	}

	cipherText := body[:len(body)-7]
	counter := body[len(body)-7 : len(body)-4]
	mic := body[len(body)-4:]

	nonce := make([]byte, 0, 12)
	nonce = append(nonce, frameMAC...)
	nonce = append(nonce, productID...)
	nonce = append(nonce, packetID)
	nonce = append(nonce, counter...)

	plain, err := ccmDecrypt(key, nonce, cipherText, mic, []byte{0x11})
	if err != nil {
		d.logger().Warn("frame decryption failed", "mac", mac, "error", err)
		return nil, false
	}
	return plain, true
}

// canonicalMAC renders a reversed on-air address as AA:BB:CC:DD:EE:FF.
func canonicalMAC(raw []byte) string {
	var sb strings.Builder
	for i := len(raw) - 1; i >= 0; i-- {
		if sb.Len() > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", raw[i])
	}
	return sb.String()
}
