package ble

import (
	"crypto/aes"
	"crypto/subtle"
	"errors"
	"fmt"
)

// AES-CCM decryption (RFC 3610) for MiBeacon envelopes: 16-byte key,
// 12-byte nonce (so the length field is 3 octets) and a 4-byte MIC.
// The standard library has no CCM mode, hence this minimal decrypt-only
// implementation built from the AES block primitive.

var errCCMAuth = errors.New("ble: ccm authentication failed")

func ccmDecrypt(key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("ble: ccm key length %d, want 16", len(key))
	}
	if len(nonce) != 12 {
		return nil, fmt.Errorf("ble: ccm nonce length %d, want 12", len(nonce))
	}
	tagLen := len(tag)
	if tagLen < 4 || tagLen > 16 || tagLen%2 != 0 {
		return nil, fmt.Errorf("ble: ccm tag length %d unsupported", tagLen)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	const L = 3 // 15 - len(nonce)

	// Keystream: A_i = flags(L-1) ‖ nonce ‖ counter_i. Counter 0 masks the
	// MIC, counters 1..n mask the payload.
	ctr := make([]byte, aes.BlockSize)
	ctr[0] = L - 1
	copy(ctr[1:], nonce)

	stream := make([]byte, aes.BlockSize)
	plain := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		setCounter(ctr, uint32(i/aes.BlockSize)+1)
		block.Encrypt(stream, ctr)
		for j := i; j < i+aes.BlockSize && j < len(ciphertext); j++ {
			plain[j] = ciphertext[j] ^ stream[j-i]
		}
	}

	setCounter(ctr, 0)
	s0 := make([]byte, aes.BlockSize)
	block.Encrypt(s0, ctr)

	// CBC-MAC over B0, the encoded AAD, then the plaintext.
	b0 := make([]byte, aes.BlockSize)
	b0[0] = byte((tagLen-2)/2)<<3 | (L - 1)
	if len(aad) > 0 {
		b0[0] |= 0x40
	}
	copy(b0[1:], nonce)
	n := len(plain)
	b0[13] = byte(n >> 16)
	b0[14] = byte(n >> 8)
	b0[15] = byte(n)

	x := make([]byte, aes.BlockSize)
	block.Encrypt(x, b0)

	if len(aad) > 0 {
		if len(aad) >= 0xFF00 {
			return nil, errors.New("ble: ccm aad too long")
		}
		buf := make([]byte, 2+len(aad))
		buf[0] = byte(len(aad) >> 8)
		buf[1] = byte(len(aad))
		copy(buf[2:], aad)
		cbcMac(block, x, buf)
	}
	cbcMac(block, x, plain)

	want := make([]byte, tagLen)
	for i := range want {
		want[i] = x[i] ^ s0[i]
	}
	if subtle.ConstantTimeCompare(want, tag) != 1 {
		return nil, errCCMAuth
	}
	return plain, nil
}

// cbcMac folds data into the running CBC-MAC state x, zero-padding the
// final block.
func cbcMac(block interface{ Encrypt(dst, src []byte) }, x, data []byte) {
	for i := 0; i < len(data); i += aes.BlockSize {
		for j := i; j < i+aes.BlockSize && j < len(data); j++ {
			x[j-i] ^= data[j]
		}
		block.Encrypt(x, x)
	}
}

// setCounter writes the 3-octet big-endian block counter into A_i.
func setCounter(ctr []byte, n uint32) {
	ctr[13] = byte(n >> 16)
	ctr[14] = byte(n >> 8)
	ctr[15] = byte(n)
}
