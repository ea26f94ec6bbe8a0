package history

import (
	"context"
	"time"

	"homeport/internal/device"
)

// Logger defines the logging interface used by the recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Sink is the subset of the InfluxDB client the recorder writes to.
type Sink interface {
	WriteProperty(did string, siid, piid int, value float64)
	WriteBleEvent(did string, etype uint16, value int64)
}

// reconcileInterval is how often the recorder re-checks the installed
// device set for new or removed listeners.
const reconcileInterval = 15 * time.Second

// Recorder forwards device events into a history sink.
type Recorder struct {
	sink    Sink
	devices *device.Manager
	logger  Logger
}

// NewRecorder builds a recorder over the device manager.
func NewRecorder(sink Sink, devices *device.Manager, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{
		sink:    sink,
		devices: devices,
		logger:  logger,
	}
}

// Run subscribes to every installed device and records its events until
// the context is cancelled. Devices installed later are picked up on the
// next reconcile tick.
func (r *Recorder) Run(ctx context.Context) {
	cancels := make(map[int64]context.CancelFunc)
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		installed := make(map[int64]bool)
		for _, id := range r.devices.InstalledIDs() {
			installed[id] = true
			if _, tracked := cancels[id]; tracked {
				continue
			}
			runner, err := r.devices.Runner(id)
			if err != nil {
				continue
			}
			devCtx, cancel := context.WithCancel(ctx)
			cancels[id] = cancel
			go r.recordOne(devCtx, runner)
		}
		for id, cancel := range cancels {
			if !installed[id] {
				cancel()
				delete(cancels, id)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// recordOne consumes one device's events until its context is cancelled.
func (r *Recorder) recordOne(ctx context.Context, runner device.Runner) {
	id, events := runner.Events().AddListener()
	defer runner.Events().RemoveListener(id)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			r.Record(ev)
		}
	}
}

// Record writes one event to the sink. Gateway report messages are
// skipped: the child devices re-emit them as property events with the
// correct did.
func (r *Recorder) Record(ev device.Event) {
	switch ev.Kind {
	case device.KindPropertyChanged:
		for _, p := range ev.Properties {
			if !p.Ok() {
				continue
			}
			v, ok := numeric(p.Value)
			if !ok {
				continue
			}
			r.sink.WriteProperty(ev.DevID, p.Siid, p.Piid, v)
		}
	case device.KindBleEvent:
		r.sink.WriteBleEvent(ev.DevID, ev.BleEType, ev.BleValue)
	case device.KindGatewayMsg:
	}
}

// numeric coerces a property value to a float64 field. Strings and
// structured values are not recorded.
func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case int32:
		return float64(t), true
	default:
		return 0, false
	}
}
