package device

import "errors"

var (
	// ErrNotGateway is returned when a child device is installed before
	// its gateway, or points at a device that is not a gateway.
	ErrNotGateway = errors.New("device: gateway not available")

	// ErrNotRunning is returned for operations on a stopped device.
	ErrNotRunning = errors.New("device: not running")

	// ErrNotInstalled is returned when no runner exists for a device id.
	ErrNotInstalled = errors.New("device: not installed")

	// ErrNotSupported is returned when a capability is requested from a
	// device type that cannot provide it, e.g. the Mi-Home property view
	// on a virtual device.
	ErrNotSupported = errors.New("device: operation not supported")
)
