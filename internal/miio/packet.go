package miio

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // protocol-mandated digest, not used for security
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Wire constants for the stamped UDP framing.
const (
	magic      = 0x2131
	headerSize = 32

	// DefaultPort is the UDP port Mi-Home devices listen on.
	DefaultPort = 54321
)

// Token is the 16-byte per-device secret. The AES key and IV both derive
// from it: key = md5(token), iv = md5(key ‖ token).
type Token [16]byte

// ParseToken decodes a 32-char hex token string.
func ParseToken(s string) (Token, error) {
	var t Token
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(t) {
		return t, fmt.Errorf("%w: token must be 32 hex chars", ErrInvalidToken)
	}
	copy(t[:], raw)
	return t, nil
}

func (t Token) key() []byte {
	sum := md5.Sum(t[:]) //nolint:gosec
	return sum[:]
}

func (t Token) iv() []byte {
	key := t.key()
	h := md5.New() //nolint:gosec
	h.Write(key)
	h.Write(t[:])
	return h.Sum(nil)
}

// encrypt applies AES-128-CBC with PKCS7 padding.
func (t Token) encrypt(plain []byte) []byte {
	block, _ := aes.NewCipher(t.key())

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := make([]byte, len(plain)+pad)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, t.iv()).CryptBlocks(out, padded)
	return out
}

// decrypt reverses encrypt, validating the PKCS7 padding. A wrong token
// produces garbage padding, which surfaces as ErrInvalidToken.
func (t Token) decrypt(enc []byte) ([]byte, error) {
	if len(enc) == 0 || len(enc)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrProtocol, len(enc))
	}

	block, _ := aes.NewCipher(t.key())
	out := make([]byte, len(enc))
	cipher.NewCBCDecrypter(block, t.iv()).CryptBlocks(out, enc)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, ErrInvalidToken
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, ErrInvalidToken
		}
	}
	return out[:len(out)-pad], nil
}

// Packet is one decoded UDP frame. Payload holds plaintext JSON; it is
// empty for hello exchanges.
type Packet struct {
	DeviceID uint32
	Stamp    uint32
	Payload  []byte
}

// Hello returns the discovery packet: a bare header with everything after
// the length field set to 0xFF. Devices answer with their id and stamp.
func Hello() []byte {
	out := make([]byte, headerSize)
	binary.BigEndian.PutUint16(out[0:2], magic)
	binary.BigEndian.PutUint16(out[2:4], headerSize)
	for i := 4; i < headerSize; i++ {
		out[i] = 0xFF
	}
	return out
}

// Encode frames and encrypts a packet. The checksum is
// md5(header-without-checksum ‖ token ‖ encrypted-payload).
func Encode(p Packet, t Token) []byte {
	enc := t.encrypt(p.Payload)

	out := make([]byte, headerSize+len(enc))
	binary.BigEndian.PutUint16(out[0:2], magic)
	binary.BigEndian.PutUint16(out[2:4], uint16(headerSize+len(enc)))
	binary.BigEndian.PutUint32(out[4:8], 0)
	binary.BigEndian.PutUint32(out[8:12], p.DeviceID)
	binary.BigEndian.PutUint32(out[12:16], p.Stamp)
	copy(out[headerSize:], enc)

	h := md5.New() //nolint:gosec
	h.Write(out[0:16])
	h.Write(t[:])
	h.Write(enc)
	copy(out[16:headerSize], h.Sum(nil))

	return out
}

// Decode validates and decrypts one frame.
//
// Hello replies carry no payload; their checksum field holds the device
// token (or junk on some firmwares), so it is not verified. For payload
// frames the token is substituted into the checksum position before
// hashing and the digests compared.
func Decode(data []byte, t Token) (Packet, error) {
	var p Packet
	if len(data) < headerSize {
		return p, fmt.Errorf("%w: frame too short (%d bytes)", ErrProtocol, len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != magic {
		return p, fmt.Errorf("%w: bad magic", ErrProtocol)
	}
	if int(binary.BigEndian.Uint16(data[2:4])) != len(data) {
		return p, fmt.Errorf("%w: length field %d does not match frame size %d",
			ErrProtocol, binary.BigEndian.Uint16(data[2:4]), len(data))
	}

	p.DeviceID = binary.BigEndian.Uint32(data[8:12])
	p.Stamp = binary.BigEndian.Uint32(data[12:16])

	enc := data[headerSize:]
	if len(enc) == 0 {
		return p, nil
	}

	h := md5.New() //nolint:gosec
	h.Write(data[0:16])
	h.Write(t[:])
	h.Write(enc)
	if !bytes.Equal(h.Sum(nil), data[16:headerSize]) {
		return p, ErrInvalidToken
	}

	payload, err := t.decrypt(enc)
	if err != nil {
		return p, err
	}
	p.Payload = payload
	return p, nil
}
