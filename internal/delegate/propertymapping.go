package delegate

import (
	"context"
	"fmt"

	"homeport/internal/device"
	"homeport/internal/miio"
)

// charMapping is one characteristic's resolved source binding.
type charMapping struct {
	CharBinding
	conv  Convertor
	siid  int
	piid  int
	etype uint16
	isBle bool
}

// PropertyMapping is the default delegate: each characteristic maps to one
// Mi-Home property (or one BLE advertisement object) through a configured
// convertor. It is the fallthrough for every characteristic no other
// binding claims.
type PropertyMapping struct {
	runner  device.Runner
	miot    device.MiotDevice
	ble     *device.BleChild
	updater CharUpdater
	logger  Logger

	byCid   map[int64]*charMapping
	byProp  map[[2]int][]*charMapping
	byEtype map[uint16][]*charMapping
}

// NewPropertyMapping builds the delegate from per-characteristic convertor
// params: {siid, piid} for MIoT properties or {etype} for BLE objects.
func NewPropertyMapping(cfg Config) (Delegate, error) {
	d := &PropertyMapping{
		runner:  cfg.Runner,
		updater: cfg.Updater,
		logger:  cfg.Logger,
		byCid:   make(map[int64]*charMapping),
		byProp:  make(map[[2]int][]*charMapping),
		byEtype: make(map[uint16][]*charMapping),
	}
	if m, err := device.AsMiotDevice(cfg.Runner); err == nil {
		d.miot = m
	}
	if b, ok := cfg.Runner.(*device.BleChild); ok {
		d.ble = b
	}

	for _, cb := range cfg.Chars {
		conv, err := newConvertor(cb.Convertor, cb.ConvertorParams)
		if err != nil {
			return nil, fmt.Errorf("cid %d: %w", cb.Cid, err)
		}
		m := &charMapping{CharBinding: cb, conv: conv}
		if et, ok := intParam(cb.ConvertorParams, "etype"); ok {
			m.etype = uint16(et)
			m.isBle = true
			d.byEtype[m.etype] = append(d.byEtype[m.etype], m)
		} else {
			siid, okS := intParam(cb.ConvertorParams, "siid")
			piid, okP := intParam(cb.ConvertorParams, "piid")
			if !okS || !okP {
				return nil, fmt.Errorf("cid %d needs siid/piid or etype: %w", cb.Cid, ErrBadParams)
			}
			m.siid, m.piid = siid, piid
			d.byProp[[2]int{siid, piid}] = append(d.byProp[[2]int{siid, piid}], m)
		}
		d.byCid[cb.Cid] = m
	}

	// Polling devices refresh the mapped properties on their own schedule.
	type registrar interface{ RegisterProperties(...miio.Property) }
	if reg, ok := cfg.Runner.(registrar); ok {
		var props []miio.Property
		for key := range d.byProp {
			props = append(props, miio.Property{Siid: key[0], Piid: key[1]})
		}
		if len(props) > 0 {
			reg.RegisterProperties(props...)
		}
	}
	return d, nil
}

func (d *PropertyMapping) SubscribesEvents() bool { return true }

// ReadChars answers a batch with one source round trip for the MIoT
// properties and map lookups for the BLE objects.
func (d *PropertyMapping) ReadChars(ctx context.Context, params []ReadParam) []ReadResult {
	// One property fetch per distinct (siid, piid).
	want := make(map[[2]int]bool)
	for _, p := range params {
		if m, ok := d.byCid[p.Cid]; ok && !m.isBle {
			want[[2]int{m.siid, m.piid}] = true
		}
	}

	values := make(map[[2]int]any)
	if len(want) > 0 && d.miot != nil {
		req := make([]miio.Property, 0, len(want))
		for key := range want {
			req = append(req, miio.Property{Siid: key[0], Piid: key[1]})
		}
		res, err := d.miot.GetProperties(ctx, req, 0)
		if err != nil {
			d.logger.Warn("property read failed", "did", d.runner.DevID(), "error", err)
		} else {
			for _, p := range res {
				if p.Ok() {
					values[[2]int{p.Siid, p.Piid}] = p.Value
				}
			}
		}
	}

	out := make([]ReadResult, len(params))
	for i, p := range params {
		out[i] = d.readOne(p, values)
	}
	return out
}

func (d *PropertyMapping) readOne(p ReadParam, values map[[2]int]any) ReadResult {
	m, ok := d.byCid[p.Cid]
	if !ok {
		return ReadResult{Cid: p.Cid}
	}

	var raw any
	if m.isBle {
		if d.ble == nil {
			return ReadResult{Cid: p.Cid}
		}
		v, ok := d.ble.LastValue(m.etype)
		if !ok {
			return ReadResult{Cid: p.Cid}
		}
		raw = v
	} else {
		v, ok := values[[2]int{m.siid, m.piid}]
		if !ok {
			return ReadResult{Cid: p.Cid}
		}
		raw = v
	}

	v, err := m.conv.ToHap(raw)
	if err != nil {
		d.logger.Warn("convertor failed", "cid", p.Cid, "error", err)
		return ReadResult{Cid: p.Cid}
	}
	return ReadResult{Cid: p.Cid, Success: true, Value: v}
}

// UpdateChars writes the batch as one set_properties call. BLE objects are
// read-only and fail their cids.
func (d *PropertyMapping) UpdateChars(ctx context.Context, params []UpdateParam) []UpdateResult {
	out := make([]UpdateResult, len(params))
	var req []miio.Property
	reqCid := make(map[int][]int) // request index -> param indexes

	for i, p := range params {
		out[i] = UpdateResult{Cid: p.Cid}
		m, ok := d.byCid[p.Cid]
		if !ok || m.isBle {
			continue
		}
		raw, err := m.conv.FromHap(p.NewValue)
		if err != nil {
			d.logger.Warn("convertor failed", "cid", p.Cid, "error", err)
			continue
		}
		reqCid[len(req)] = append(reqCid[len(req)], i)
		req = append(req, miio.Property{Siid: m.siid, Piid: m.piid, Value: raw})
	}

	if len(req) == 0 || d.miot == nil {
		return out
	}
	res, err := d.miot.SetProperties(ctx, req, 0)
	if err != nil {
		d.logger.Warn("property write failed", "did", d.runner.DevID(), "error", err)
		return out
	}
	for ri, p := range res {
		if !p.Ok() {
			continue
		}
		for _, pi := range reqCid[ri] {
			out[pi].Success = true
		}
	}
	return out
}

// OnEvent pushes fresh device values into the bound characteristics.
func (d *PropertyMapping) OnEvent(_ context.Context, ev device.Event) {
	switch ev.Kind {
	case device.KindPropertyChanged:
		for _, prop := range ev.Properties {
			if !prop.Ok() {
				continue
			}
			for _, m := range d.byProp[[2]int{prop.Siid, prop.Piid}] {
				d.push(m, prop.Value)
			}
		}
	case device.KindBleEvent:
		for _, m := range d.byEtype[ev.BleEType] {
			d.push(m, ev.BleValue)
		}
	}
}

func (d *PropertyMapping) push(m *charMapping, raw any) {
	if d.updater == nil {
		return
	}
	v, err := m.conv.ToHap(raw)
	if err != nil {
		d.logger.Warn("convertor failed", "cid", m.Cid, "error", err)
		return
	}
	d.updater.UpdateCharValue(m.Aid, m.Sid, m.CharType, v)
}
