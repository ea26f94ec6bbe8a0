package delegate

import (
	"context"
	"fmt"
	"sync"

	"homeport/internal/device"
	"homeport/internal/miio"
)

// propRef addresses one MIoT property from delegate params.
type propRef struct {
	siid int
	piid int
}

func propRefParam(params map[string]any, key string) (propRef, error) {
	raw, ok := params[key].(map[string]any)
	if !ok {
		return propRef{}, fmt.Errorf("param %q must be {siid, piid}: %w", key, ErrBadParams)
	}
	siid, okS := intParam(raw, "siid")
	piid, okP := intParam(raw, "piid")
	if !okS || !okP {
		return propRef{}, fmt.Errorf("param %q must be {siid, piid}: %w", key, ErrBadParams)
	}
	return propRef{siid: siid, piid: piid}, nil
}

func (r propRef) prop(value any) miio.Property {
	return miio.Property{Siid: r.siid, Piid: r.piid, Value: value}
}

func (r propRef) matches(p miio.Property) bool {
	return p.Siid == r.siid && p.Piid == r.piid
}

// ModeSwitch composes a power property with an enum mode property. Each
// bound power-state characteristic represents "device on in mode X", where
// X is looked up by the characteristic's service tag in mode_map.
//
// Writing true selects the mode and then powers on; writing false only
// powers off, leaving the mode untouched.
type ModeSwitch struct {
	runner  device.Runner
	miot    device.MiotDevice
	updater CharUpdater
	logger  Logger

	on      propRef
	mode    propRef
	modeMap map[string]int // service tag -> vendor mode code
	chars   []CharBinding

	mu       sync.Mutex
	lastOn   *bool
	lastMode *int
}

// NewModeSwitch builds the delegate from params
// {on: {siid,piid}, mode: {siid,piid}, mode_map: {stag: code}}.
func NewModeSwitch(cfg Config) (Delegate, error) {
	on, err := propRefParam(cfg.Params, "on")
	if err != nil {
		return nil, err
	}
	mode, err := propRefParam(cfg.Params, "mode")
	if err != nil {
		return nil, err
	}
	rawMap, ok := cfg.Params["mode_map"].(map[string]any)
	if !ok || len(rawMap) == 0 {
		return nil, fmt.Errorf("param mode_map missing: %w", ErrBadParams)
	}
	modeMap := make(map[string]int, len(rawMap))
	for tag, v := range rawMap {
		code, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("mode_map[%q] not numeric: %w", tag, ErrBadParams)
		}
		modeMap[tag] = int(code)
	}
	for _, cb := range cfg.Chars {
		if _, ok := modeMap[cb.Stag]; !ok {
			return nil, fmt.Errorf("service tag %q not in mode_map: %w", cb.Stag, ErrBadParams)
		}
	}

	miot, err := device.AsMiotDevice(cfg.Runner)
	if err != nil {
		return nil, fmt.Errorf("mode_switch needs property access: %w", err)
	}

	d := &ModeSwitch{
		runner:  cfg.Runner,
		miot:    miot,
		updater: cfg.Updater,
		logger:  cfg.Logger,
		on:      on,
		mode:    mode,
		modeMap: modeMap,
		chars:   cfg.Chars,
	}
	type registrar interface{ RegisterProperties(...miio.Property) }
	if reg, ok := cfg.Runner.(registrar); ok {
		reg.RegisterProperties(on.prop(nil), mode.prop(nil))
	}
	return d, nil
}

func (d *ModeSwitch) SubscribesEvents() bool { return true }

// ReadChars fetches on and mode once and derives every bound switch.
func (d *ModeSwitch) ReadChars(ctx context.Context, params []ReadParam) []ReadResult {
	out := make([]ReadResult, len(params))
	for i, p := range params {
		out[i] = ReadResult{Cid: p.Cid}
	}

	res, err := d.miot.GetProperties(ctx, []miio.Property{d.on.prop(nil), d.mode.prop(nil)}, 0)
	if err != nil {
		d.logger.Warn("mode_switch read failed", "did", d.runner.DevID(), "error", err)
		return out
	}
	on, mode, ok := d.extract(res)
	if !ok {
		return out
	}
	d.remember(on, mode)

	for i, p := range params {
		want, found := d.modeMap[p.Stag]
		if !found {
			continue
		}
		out[i].Success = true
		out[i].Value = on && mode == want
	}
	return out
}

// UpdateChars issues mode-then-on for true writes and a bare power-off for
// false writes.
func (d *ModeSwitch) UpdateChars(ctx context.Context, params []UpdateParam) []UpdateResult {
	out := make([]UpdateResult, len(params))
	for i, p := range params {
		out[i] = UpdateResult{Cid: p.Cid}

		want, found := d.modeMap[p.Stag]
		if !found {
			continue
		}
		on, ok := toBool(p.NewValue)
		if !ok {
			continue
		}

		var req []miio.Property
		if on {
			req = []miio.Property{d.mode.prop(want), d.on.prop(true)}
		} else {
			req = []miio.Property{d.on.prop(false)}
		}
		res, err := d.miot.SetProperties(ctx, req, 0)
		if err != nil {
			d.logger.Warn("mode_switch write failed", "did", d.runner.DevID(), "error", err)
			continue
		}
		failed := false
		for _, r := range res {
			if !r.Ok() {
				failed = true
			}
		}
		if failed {
			continue
		}
		out[i].Success = true
		if on {
			d.remember(true, want)
		} else {
			d.rememberOn(false)
		}
		d.pushAll()
	}
	return out
}

// OnEvent tracks on/mode reports and refreshes every bound switch.
func (d *ModeSwitch) OnEvent(_ context.Context, ev device.Event) {
	if ev.Kind != device.KindPropertyChanged {
		return
	}
	changed := false
	for _, p := range ev.Properties {
		if !p.Ok() {
			continue
		}
		if d.on.matches(p) {
			if on, ok := toBool(p.Value); ok {
				d.rememberOn(on)
				changed = true
			}
		}
		if d.mode.matches(p) {
			if f, ok := toFloat(p.Value); ok {
				d.rememberMode(int(f))
				changed = true
			}
		}
	}
	if changed {
		d.pushAll()
	}
}

func (d *ModeSwitch) extract(res []miio.Property) (bool, int, bool) {
	var (
		on      bool
		mode    int
		gotOn   bool
		gotMode bool
	)
	for _, p := range res {
		if !p.Ok() {
			continue
		}
		if d.on.matches(p) {
			if b, ok := toBool(p.Value); ok {
				on, gotOn = b, true
			}
		}
		if d.mode.matches(p) {
			if f, ok := toFloat(p.Value); ok {
				mode, gotMode = int(f), true
			}
		}
	}
	return on, mode, gotOn && gotMode
}

func (d *ModeSwitch) remember(on bool, mode int) {
	d.mu.Lock()
	d.lastOn = &on
	d.lastMode = &mode
	d.mu.Unlock()
}

func (d *ModeSwitch) rememberOn(on bool) {
	d.mu.Lock()
	d.lastOn = &on
	d.mu.Unlock()
}

func (d *ModeSwitch) rememberMode(mode int) {
	d.mu.Lock()
	d.lastMode = &mode
	d.mu.Unlock()
}

// pushAll recomputes every bound switch from the cached on/mode pair.
func (d *ModeSwitch) pushAll() {
	if d.updater == nil {
		return
	}
	d.mu.Lock()
	on, mode := d.lastOn, d.lastMode
	d.mu.Unlock()
	if on == nil || mode == nil {
		return
	}
	for _, cb := range d.chars {
		want := d.modeMap[cb.Stag]
		d.updater.UpdateCharValue(cb.Aid, cb.Sid, cb.CharType, *on && *mode == want)
	}
}
