package miio

import "errors"

// Protocol errors. Use errors.Is() to classify failures in calling code:
// timeouts and transport drops are retryable, a token failure is fatal for
// the device until the operator fixes credentials.
var (
	// ErrTimeout is returned when an awaited response does not arrive.
	// Retryable; does not change device status.
	ErrTimeout = errors.New("miio: request timed out")

	// ErrConnect is returned when initial transport establishment fails.
	ErrConnect = errors.New("miio: connect failed")

	// ErrDisconnect is returned when the transport drops after earlier
	// success. The device supervisor retries with backoff.
	ErrDisconnect = errors.New("miio: transport disconnected")

	// ErrInvalidToken is returned when payload decryption fails. Fatal for
	// the device; it is stopped until credentials are corrected.
	ErrInvalidToken = errors.New("miio: invalid device token")

	// ErrProtocol is returned for malformed frames or unexpected fields.
	// The offending message is dropped; the connection survives.
	ErrProtocol = errors.New("miio: protocol error")
)
