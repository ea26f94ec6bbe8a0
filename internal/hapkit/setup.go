package hapkit

import (
	"crypto/sha512"
	"encoding/base64"
	"strconv"
	"strings"
)

// ComputeSetupHash derives the mDNS sh record: the first 4 bytes of
// SHA-512(setup-id || uppercase device-id), base64-encoded (8 chars).
func ComputeSetupHash(setupID, deviceID string) string {
	sum := sha512.Sum512([]byte(setupID + strings.ToUpper(deviceID)))
	return base64.StdEncoding.EncodeToString(sum[:4])
}

// SetupURI renders the X-HM:// payload controllers scan from a QR code.
// The 45-bit payload packs the category, the IP-transport flag and the
// numeric pin, base36-encoded to 9 uppercase digits, followed by the
// 4-char setup id.
func SetupURI(pin string, category int, setupID string) string {
	code, err := strconv.ParseUint(strings.ReplaceAll(pin, "-", ""), 10, 32)
	if err != nil {
		return ""
	}

	var payload uint64
	payload |= uint64(category&0xFF) << 31
	payload |= 1 << 28 // IP transport
	payload |= uint64(code) & 0x7FFFFFF

	encoded := strings.ToUpper(strconv.FormatUint(payload, 36))
	for len(encoded) < 9 {
		encoded = "0" + encoded
	}
	return "X-HM://" + encoded + setupID
}
