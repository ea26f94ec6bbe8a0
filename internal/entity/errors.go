package entity

import "errors"

// Sentinel errors returned by the repositories. The admin API maps
// ErrNotFound and ErrConflict onto 404 and 409 responses.
var (
	ErrNotFound = errors.New("entity not found")
	ErrConflict = errors.New("entity conflict")

	// ErrDeviceInUse is returned when deleting a device that is still
	// referenced by an accessory.
	ErrDeviceInUse = errors.New("device is referenced by an accessory")

	// ErrBridgeInUse is returned when deleting a bridge that still owns
	// accessories.
	ErrBridgeInUse = errors.New("bridge still owns accessories")

	// ErrStatusFlagRegression guards the pairing flag monotonicity: once
	// paired, a bridge can only return to not_paired via an explicit reset.
	ErrStatusFlagRegression = errors.New("status flag cannot regress without reset")

	ErrInfoFormatMissing    = errors.New("characteristic info: format missing")
	ErrInfoBoundsNotNumeric = errors.New("characteristic info: numeric bounds on non-numeric format")
	ErrInfoMaxLenNotString  = errors.New("characteristic info: max_len on non-string format")
)
