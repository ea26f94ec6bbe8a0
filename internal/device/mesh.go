package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"homeport/internal/entity"
	"homeport/internal/miio"
)

// meshReportMethod is the gateway report method for mesh child property
// changes.
const meshReportMethod = "properties_changed"

// Mesh is a BLE-mesh child driven through its gateway's RPC channel. The
// supervision model matches BleChild; property access goes through the
// gateway with the child's did stamped on every entry.
type Mesh struct {
	did     string
	gateway *Gateway
	logger  Logger

	emitter *Emitter
	retry   *RetryInfo
	info    HapInfo

	mu         sync.Mutex
	registered []miio.Property
}

// NewMesh builds the runtime. The gateway must already be installed.
func NewMesh(d *entity.Device, mi *entity.MiDevice, gateway *Gateway, logger Logger) (*Mesh, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if gateway == nil {
		return nil, ErrNotGateway
	}
	model := "mesh"
	serial := d.SourceID
	if mi != nil {
		model = mi.Model
		serial = mi.Did
	}
	return &Mesh{
		did:     d.SourceID,
		gateway: gateway,
		logger:  logger,
		emitter: NewEmitter(DefaultEmitterCap, logger),
		retry:   NewRetryInfo(),
		info: HapInfo{
			Manufacturer: "Xiaomi",
			Model:        model,
			Serial:       serial,
			SwRev:        "1.0",
			FwRev:        "1.0",
		},
	}, nil
}

func (m *Mesh) DevID() string                 { return m.did }
func (m *Mesh) DeviceType() entity.DeviceType { return entity.DeviceMesh }
func (m *Mesh) Retry() *RetryInfo             { return m.retry }
func (m *Mesh) Events() *Emitter              { return m.emitter }
func (m *Mesh) HapInfo() HapInfo              { return m.info }

// RegisterProperties adds properties to the poll set, deduplicating by
// (siid, piid).
func (m *Mesh) RegisterProperties(props ...miio.Property) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range props {
		seen := false
		for _, q := range m.registered {
			if q.Siid == p.Siid && q.Piid == p.Piid {
				seen = true
				break
			}
		}
		if !seen {
			m.registered = append(m.registered, miio.Property{Did: m.did, Siid: p.Siid, Piid: p.Piid})
		}
	}
}

func (m *Mesh) pollSet() []miio.Property {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]miio.Property(nil), m.registered...)
}

// Run listens for unsolicited property reports and polls the registered
// set through the gateway.
func (m *Mesh) Run(ctx context.Context) error {
	id, events := m.gateway.Events().AddListener()
	defer m.gateway.Events().RemoveListener(id)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if err := m.pollOnce(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.pollOnce(ctx); err != nil {
				return err
			}
		case ev := <-events:
			if ev.Kind != KindGatewayMsg || ev.Message.Method != meshReportMethod {
				continue
			}
			m.handleReport(ev.Message)
		}
	}
}

func (m *Mesh) pollOnce(ctx context.Context) error {
	props := m.pollSet()
	if len(props) == 0 {
		return nil
	}
	res, err := m.GetProperties(ctx, props, 0)
	switch {
	case err == nil:
		m.emitter.Emit(Event{Kind: KindPropertyChanged, DevID: m.did, Properties: res})
		return nil
	case errors.Is(err, miio.ErrTimeout), errors.Is(err, miio.ErrProtocol):
		m.logger.Warn("mesh poll failed", "did", m.did, "error", err)
		return nil
	default:
		return err
	}
}

// handleReport relays properties_changed entries matching this did.
func (m *Mesh) handleReport(msg miio.Message) {
	var props []miio.Property
	if err := json.Unmarshal(msg.Params, &props); err != nil {
		m.logger.Warn("undecodable mesh report", "did", m.did, "error", err)
		return
	}
	var mine []miio.Property
	for _, p := range props {
		if p.Did == m.did {
			mine = append(mine, p)
		}
	}
	if len(mine) > 0 {
		m.emitter.Emit(Event{Kind: KindPropertyChanged, DevID: m.did, Properties: mine})
	}
}

// GetProperties reads mesh properties through the gateway.
func (m *Mesh) GetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error) {
	res, err := m.gateway.GetProperties(ctx, m.withDid(props), timeout)
	if err == nil {
		m.retry.Reset()
	}
	return res, err
}

// SetProperties writes mesh properties through the gateway.
func (m *Mesh) SetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error) {
	res, err := m.gateway.SetProperties(ctx, m.withDid(props), timeout)
	if err == nil {
		m.retry.Reset()
	}
	return res, err
}

func (m *Mesh) withDid(props []miio.Property) []miio.Property {
	out := make([]miio.Property, len(props))
	for i, p := range props {
		if p.Did == "" {
			p.Did = m.did
		}
		out[i] = p
	}
	return out
}
