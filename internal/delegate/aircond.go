package delegate

import (
	"context"
	"fmt"
	"sync"

	"homeport/internal/device"
	"homeport/internal/miio"
)

// HAP thermostat characteristic types (short-form UUIDs).
const (
	typeCurrentHeatingCoolingState = "F"
	typeTargetHeatingCoolingState  = "33"
	typeCurrentTemperature         = "11"
	typeTargetTemperature          = "35"
)

// AirConditioner maps the HAP thermostat service onto a Mi-Home AC's
// on/mode/target-temperature properties.
//
// Write tie-breaks: TargetHeatingCoolingState 0 powers off without
// touching the mode; 1..3 select the vendor mode code and then power on.
// A TargetTemperature write mirrors the value onto CurrentTemperature in
// the same batch, since most ACs report no room temperature.
type AirConditioner struct {
	runner  device.Runner
	miot    device.MiotDevice
	updater CharUpdater
	logger  Logger

	on         propRef
	mode       propRef
	targetTemp propRef
	modeMap    map[int]int // HAP target state 1..3 -> vendor mode code
	chars      []CharBinding

	mu       sync.Mutex
	lastOn   *bool
	lastMode *int
}

// NewAirConditioner builds the delegate from params
// {on: {siid,piid}, mode: {siid,piid}, target_temp: {siid,piid},
//  mode_map: {"1": code, "2": code, "3": code}}.
func NewAirConditioner(cfg Config) (Delegate, error) {
	on, err := propRefParam(cfg.Params, "on")
	if err != nil {
		return nil, err
	}
	mode, err := propRefParam(cfg.Params, "mode")
	if err != nil {
		return nil, err
	}
	targetTemp, err := propRefParam(cfg.Params, "target_temp")
	if err != nil {
		return nil, err
	}

	modeMap := map[int]int{1: 1, 2: 2, 3: 3}
	if rawMap, ok := cfg.Params["mode_map"].(map[string]any); ok {
		for k, v := range rawMap {
			var state int
			if _, err := fmt.Sscanf(k, "%d", &state); err != nil || state < 1 || state > 3 {
				return nil, fmt.Errorf("mode_map key %q must be 1..3: %w", k, ErrBadParams)
			}
			code, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("mode_map[%q] not numeric: %w", k, ErrBadParams)
			}
			modeMap[state] = int(code)
		}
	}

	miot, err := device.AsMiotDevice(cfg.Runner)
	if err != nil {
		return nil, fmt.Errorf("air_conditioner needs property access: %w", err)
	}

	d := &AirConditioner{
		runner:     cfg.Runner,
		miot:       miot,
		updater:    cfg.Updater,
		logger:     cfg.Logger,
		on:         on,
		mode:       mode,
		targetTemp: targetTemp,
		modeMap:    modeMap,
		chars:      cfg.Chars,
	}
	type registrar interface{ RegisterProperties(...miio.Property) }
	if reg, ok := cfg.Runner.(registrar); ok {
		reg.RegisterProperties(on.prop(nil), mode.prop(nil), targetTemp.prop(nil))
	}
	return d, nil
}

func (d *AirConditioner) SubscribesEvents() bool { return true }

// hapState derives the HAP heating/cooling state from on and vendor mode.
func (d *AirConditioner) hapState(on bool, vendorMode int) int {
	if !on {
		return 0
	}
	for state, code := range d.modeMap {
		if code == vendorMode {
			return state
		}
	}
	return 0
}

// currentState caps the target-shaped state at 2; HAP's current state has
// no "auto".
func currentState(target int) int {
	if target > 2 {
		return 1
	}
	return target
}

// ReadChars fetches on/mode/target-temp once and derives every bound
// thermostat characteristic.
func (d *AirConditioner) ReadChars(ctx context.Context, params []ReadParam) []ReadResult {
	out := make([]ReadResult, len(params))
	for i, p := range params {
		out[i] = ReadResult{Cid: p.Cid}
	}

	res, err := d.miot.GetProperties(ctx,
		[]miio.Property{d.on.prop(nil), d.mode.prop(nil), d.targetTemp.prop(nil)}, 0)
	if err != nil {
		d.logger.Warn("air_conditioner read failed", "did", d.runner.DevID(), "error", err)
		return out
	}

	var (
		on      bool
		mode    int
		temp    float64
		gotOn   bool
		gotMode bool
		gotTemp bool
	)
	for _, p := range res {
		if !p.Ok() {
			continue
		}
		switch {
		case d.on.matches(p):
			if b, ok := toBool(p.Value); ok {
				on, gotOn = b, true
			}
		case d.mode.matches(p):
			if f, ok := toFloat(p.Value); ok {
				mode, gotMode = int(f), true
			}
		case d.targetTemp.matches(p):
			if f, ok := toFloat(p.Value); ok {
				temp, gotTemp = f, true
			}
		}
	}
	if gotOn && gotMode {
		d.remember(on, mode)
	}

	for i, p := range params {
		switch p.CharType {
		case typeTargetHeatingCoolingState:
			if gotOn && gotMode {
				out[i].Success = true
				out[i].Value = d.hapState(on, mode)
			}
		case typeCurrentHeatingCoolingState:
			if gotOn && gotMode {
				out[i].Success = true
				out[i].Value = currentState(d.hapState(on, mode))
			}
		case typeTargetTemperature, typeCurrentTemperature:
			if gotTemp {
				out[i].Success = true
				out[i].Value = temp
			}
		}
	}
	return out
}

// UpdateChars applies thermostat writes with the vendor tie-breaks.
func (d *AirConditioner) UpdateChars(ctx context.Context, params []UpdateParam) []UpdateResult {
	out := make([]UpdateResult, len(params))
	for i, p := range params {
		out[i] = UpdateResult{Cid: p.Cid}

		switch p.CharType {
		case typeTargetHeatingCoolingState:
			f, ok := toFloat(p.NewValue)
			if !ok {
				continue
			}
			if d.writeState(ctx, int(f)) {
				out[i].Success = true
				d.pushState(int(f))
			}
		case typeTargetTemperature:
			f, ok := toFloat(p.NewValue)
			if !ok {
				continue
			}
			if d.writeProps(ctx, []miio.Property{d.targetTemp.prop(f)}) {
				out[i].Success = true
				d.mirrorCurrentTemperature(f)
			}
		case typeCurrentHeatingCoolingState, typeCurrentTemperature:
			// Read-only mirrors; accept idempotent writes of the same
			// value, reject everything else.
			out[i].Success = p.OldValue == p.NewValue
		}
	}
	return out
}

// writeState issues the on/mode properties for one target state.
func (d *AirConditioner) writeState(ctx context.Context, state int) bool {
	if state == 0 {
		if !d.writeProps(ctx, []miio.Property{d.on.prop(false)}) {
			return false
		}
		d.rememberOn(false)
		return true
	}
	code, ok := d.modeMap[state]
	if !ok {
		return false
	}
	if !d.writeProps(ctx, []miio.Property{d.mode.prop(code), d.on.prop(true)}) {
		return false
	}
	d.remember(true, code)
	return true
}

func (d *AirConditioner) writeProps(ctx context.Context, props []miio.Property) bool {
	res, err := d.miot.SetProperties(ctx, props, 0)
	if err != nil {
		d.logger.Warn("air_conditioner write failed", "did", d.runner.DevID(), "error", err)
		return false
	}
	for _, r := range res {
		if !r.Ok() {
			return false
		}
	}
	return true
}

// OnEvent tracks device reports and refreshes the state characteristics.
func (d *AirConditioner) OnEvent(_ context.Context, ev device.Event) {
	if ev.Kind != device.KindPropertyChanged {
		return
	}
	changed := false
	for _, p := range ev.Properties {
		if !p.Ok() {
			continue
		}
		switch {
		case d.on.matches(p):
			if b, ok := toBool(p.Value); ok {
				d.rememberOn(b)
				changed = true
			}
		case d.mode.matches(p):
			if f, ok := toFloat(p.Value); ok {
				d.rememberMode(int(f))
				changed = true
			}
		case d.targetTemp.matches(p):
			if f, ok := toFloat(p.Value); ok {
				d.pushByType(typeTargetTemperature, f)
				d.mirrorCurrentTemperature(f)
			}
		}
	}
	if changed {
		d.mu.Lock()
		on, mode := d.lastOn, d.lastMode
		d.mu.Unlock()
		if on != nil && mode != nil {
			d.pushState(d.hapState(*on, *mode))
		}
	}
}

// pushState refreshes both heating/cooling state characteristics.
func (d *AirConditioner) pushState(target int) {
	d.pushByType(typeTargetHeatingCoolingState, target)
	d.pushByType(typeCurrentHeatingCoolingState, currentState(target))
}

func (d *AirConditioner) mirrorCurrentTemperature(temp float64) {
	d.pushByType(typeCurrentTemperature, temp)
}

func (d *AirConditioner) pushByType(charType string, value any) {
	if d.updater == nil {
		return
	}
	for _, cb := range d.chars {
		if cb.CharType == charType {
			d.updater.UpdateCharValue(cb.Aid, cb.Sid, cb.CharType, value)
		}
	}
}

func (d *AirConditioner) remember(on bool, mode int) {
	d.mu.Lock()
	d.lastOn = &on
	d.lastMode = &mode
	d.mu.Unlock()
}

func (d *AirConditioner) rememberOn(on bool) {
	d.mu.Lock()
	d.lastOn = &on
	d.mu.Unlock()
}

func (d *AirConditioner) rememberMode(mode int) {
	d.mu.Lock()
	d.lastMode = &mode
	d.mu.Unlock()
}
