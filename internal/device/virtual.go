package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homeport/internal/entity"
	"homeport/internal/miio"
)

// Virtual is an in-memory device with no transport. Reads answer from a
// property map, writes update it and emit a PropertyChanged event. Useful
// for dummy switches and for exercising accessory wiring without hardware.
type Virtual struct {
	did    string
	info   HapInfo
	logger Logger

	emitter *Emitter
	retry   *RetryInfo

	mu     sync.Mutex
	values map[[2]int]any
}

// NewVirtual builds the runtime. Initial property values may be seeded via
// the "values" device param, keyed "siid.piid".
func NewVirtual(d *entity.Device, logger Logger) (*Virtual, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	v := &Virtual{
		did:     d.SourceID,
		logger:  logger,
		emitter: NewEmitter(DefaultEmitterCap, logger),
		retry:   NewRetryInfo(),
		values:  make(map[[2]int]any),
		info: HapInfo{
			Manufacturer: "homeport",
			Model:        "virtual",
			Serial:       d.SourceID,
			SwRev:        "1.0",
			FwRev:        "1.0",
		},
	}
	if seed, ok := d.Params["values"].(map[string]any); ok {
		for key, val := range seed {
			var siid, piid int
			if _, err := fmt.Sscanf(key, "%d.%d", &siid, &piid); err == nil {
				v.values[[2]int{siid, piid}] = val
			}
		}
	}
	return v, nil
}

func (v *Virtual) DevID() string                 { return v.did }
func (v *Virtual) DeviceType() entity.DeviceType { return entity.DeviceVirtual }
func (v *Virtual) Retry() *RetryInfo             { return v.retry }
func (v *Virtual) Events() *Emitter              { return v.emitter }
func (v *Virtual) HapInfo() HapInfo              { return v.info }

// Run idles until the context is cancelled; there is nothing to supervise.
func (v *Virtual) Run(ctx context.Context) error {
	v.retry.Reset()
	<-ctx.Done()
	return nil
}

// GetProperties answers from the in-memory map. Unset properties come back
// with a nil value and code 0; HomeKit sees the characteristic default.
func (v *Virtual) GetProperties(_ context.Context, props []miio.Property, _ time.Duration) ([]miio.Property, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]miio.Property, len(props))
	for i, p := range props {
		p.Did = v.did
		p.Value = v.values[[2]int{p.Siid, p.Piid}]
		code := 0
		p.Code = &code
		out[i] = p
	}
	return out, nil
}

// SetProperties updates the map and emits a PropertyChanged event.
func (v *Virtual) SetProperties(_ context.Context, props []miio.Property, _ time.Duration) ([]miio.Property, error) {
	v.mu.Lock()
	out := make([]miio.Property, len(props))
	for i, p := range props {
		p.Did = v.did
		v.values[[2]int{p.Siid, p.Piid}] = p.Value
		code := 0
		p.Code = &code
		out[i] = p
	}
	v.mu.Unlock()

	v.emitter.Emit(Event{Kind: KindPropertyChanged, DevID: v.did, Properties: out})
	return out, nil
}
