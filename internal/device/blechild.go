package device

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"

	"homeport/internal/ble"
	"homeport/internal/entity"
)

// bleEventMethod is the gateway report method carrying sniffed BLE
// advertisement objects.
const bleEventMethod = "_async.ble_event"

// bleEventPayload is the params shape of a ble_event report.
type bleEventPayload struct {
	Dev struct {
		Did string `json:"did"`
		Mac string `json:"mac"`
	} `json:"dev"`
	Evt []struct {
		Eid   uint16 `json:"eid"`
		Edata string `json:"edata"`
	} `json:"evt"`
}

// BleChild is a BLE sensor heard through a gateway. It owns no transport:
// it subscribes to the gateway's event stream, filters ble_event reports
// for its own did, and keeps a per-etype last-value map.
//
// The map outlives gateway sessions, so HAP reads keep answering with the
// last known values while the gateway is down.
type BleChild struct {
	did     string
	gateway *Gateway
	decoder *ble.Decoder
	logger  Logger

	emitter *Emitter
	retry   *RetryInfo
	info    HapInfo

	mu   sync.Mutex
	last map[uint16]int64
}

// NewBleChild builds the runtime. The gateway must already be installed;
// keys resolves per-MAC bindkeys for encrypted adverts.
func NewBleChild(d *entity.Device, mi *entity.MiDevice, gateway *Gateway, keys ble.KeyFunc, logger Logger) (*BleChild, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if gateway == nil {
		return nil, ErrNotGateway
	}

	model := "ble"
	serial := d.SourceID
	if mi != nil {
		model = mi.Model
		serial = mi.Did
	}
	return &BleChild{
		did:     d.SourceID,
		gateway: gateway,
		decoder: &ble.Decoder{Keys: keys, Logger: logger},
		logger:  logger,
		emitter: NewEmitter(DefaultEmitterCap, logger),
		retry:   NewRetryInfo(),
		last:    make(map[uint16]int64),
		info: HapInfo{
			Manufacturer: "Xiaomi",
			Model:        model,
			Serial:       serial,
			SwRev:        "1.0",
			FwRev:        "1.0",
		},
	}, nil
}

func (b *BleChild) DevID() string                 { return b.did }
func (b *BleChild) DeviceType() entity.DeviceType { return entity.DeviceBle }
func (b *BleChild) Retry() *RetryInfo             { return b.retry }
func (b *BleChild) Events() *Emitter              { return b.emitter }
func (b *BleChild) HapInfo() HapInfo              { return b.info }

// LastValue returns the most recent raw value seen for an etype.
func (b *BleChild) LastValue(etype uint16) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.last[etype]
	return v, ok
}

// Run filters the gateway stream until the context is cancelled.
func (b *BleChild) Run(ctx context.Context) error {
	id, events := b.gateway.Events().AddListener()
	defer b.gateway.Events().RemoveListener(id)

	b.retry.Reset()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.Kind != KindGatewayMsg || ev.Message.Method != bleEventMethod {
				continue
			}
			b.handleBleEvent(ev.Message.Params)
		}
	}
}

// handleBleEvent ingests one ble_event report if it belongs to this did.
func (b *BleChild) handleBleEvent(params json.RawMessage) {
	var payload bleEventPayload
	if err := json.Unmarshal(params, &payload); err != nil {
		b.logger.Warn("undecodable ble_event", "did", b.did, "error", err)
		return
	}
	if payload.Dev.Did != b.did {
		return
	}

	for _, obj := range payload.Evt {
		edata, err := hex.DecodeString(obj.Edata)
		if err != nil {
			b.logger.Warn("ble_event edata not hex", "did", b.did, "edata", obj.Edata)
			continue
		}

		etype := obj.Eid
		// Some firmwares relay the whole MiBeacon frame instead of the
		// extracted object; detect and unwrap.
		if etype == 0 {
			ev, err := b.decoder.Decode(edata, payload.Dev.Mac)
			if err != nil || ev == nil {
				continue
			}
			etype, edata = ev.EType, ev.EData
		}

		raw, err := ble.RawValue(etype, edata)
		if err != nil {
			b.logger.Warn("ble object undecodable", "did", b.did, "etype", etype, "error", err)
			continue
		}

		b.mu.Lock()
		b.last[etype] = raw
		b.mu.Unlock()

		b.emitter.Emit(Event{Kind: KindBleEvent, DevID: b.did, BleEType: etype, BleValue: raw})
	}
}
