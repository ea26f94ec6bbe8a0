package hapkit

import "errors"

var (
	// ErrDuplicateID means an accessory carries two services or two
	// characteristics with the same id. The accessory is skipped; the rest
	// of the bridge still starts.
	ErrDuplicateID = errors.New("duplicate id in accessory graph")

	// ErrSingleAccessoryCount means a single_accessory bridge does not own
	// exactly one enabled accessory.
	ErrSingleAccessoryCount = errors.New("single-accessory bridge must own exactly one accessory")

	// ErrBridgeRunning means the bridge is already installed.
	ErrBridgeRunning = errors.New("bridge already running")

	// ErrBridgeNotRunning means no server is installed for the bridge.
	ErrBridgeNotRunning = errors.New("bridge not running")

	// ErrUnknownFormat means a characteristic row carries a format the
	// graph builder cannot realize.
	ErrUnknownFormat = errors.New("unknown characteristic format")
)
