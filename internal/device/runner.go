package device

import (
	"context"
	"time"

	"homeport/internal/entity"
	"homeport/internal/miio"
)

// Logger defines the logging interface used by the device runtimes.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// HapInfo is the identification block a device contributes to its HAP
// Accessory Information service.
type HapInfo struct {
	Manufacturer string
	Model        string
	Serial       string
	SwRev        string
	FwRev        string
}

// Runner is the common contract of all source device runtimes.
//
// Run is long-lived: it owns the device's transport for one session and
// returns when the context is cancelled (nil) or the session fails (an
// error the supervisor classifies via errors.Is).
type Runner interface {
	DevID() string
	DeviceType() entity.DeviceType
	Run(ctx context.Context) error
	Retry() *RetryInfo
	Events() *Emitter
	HapInfo() HapInfo
}

// MiotDevice is the Mi-Home property capability. Delegates that need raw
// property access request this view; device types that cannot provide it
// simply do not implement the interface and the caller receives
// ErrNotSupported from AsMiotDevice.
type MiotDevice interface {
	GetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error)
	SetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error)
}

// AsMiotDevice extracts the Mi-Home property view from a runner.
func AsMiotDevice(r Runner) (MiotDevice, error) {
	if m, ok := r.(MiotDevice); ok {
		return m, nil
	}
	return nil, ErrNotSupported
}

// pollInterval is how often polling devices refresh their registered
// property set.
const pollInterval = 70 * time.Second
