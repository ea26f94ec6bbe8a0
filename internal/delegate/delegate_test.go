package delegate

import (
	"context"
	"sync"
	"testing"
	"time"

	"homeport/internal/device"
	"homeport/internal/entity"
	"homeport/internal/miio"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeMiot is a Runner with canned property values and a record of every
// set_properties batch it receives.
type fakeMiot struct {
	emitter *device.Emitter
	retry   *device.RetryInfo

	mu     sync.Mutex
	values map[[2]int]any
	sets   [][]miio.Property
}

func newFakeMiot(values map[[2]int]any) *fakeMiot {
	if values == nil {
		values = make(map[[2]int]any)
	}
	return &fakeMiot{
		emitter: device.NewEmitter(device.DefaultEmitterCap, nil),
		retry:   device.NewRetryInfo(),
		values:  values,
	}
}

func (f *fakeMiot) DevID() string                 { return "fake.1" }
func (f *fakeMiot) DeviceType() entity.DeviceType { return entity.DeviceWifi }
func (f *fakeMiot) Retry() *device.RetryInfo      { return f.retry }
func (f *fakeMiot) Events() *device.Emitter       { return f.emitter }
func (f *fakeMiot) HapInfo() device.HapInfo       { return device.HapInfo{} }

func (f *fakeMiot) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeMiot) GetProperties(_ context.Context, props []miio.Property, _ time.Duration) ([]miio.Property, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]miio.Property, len(props))
	code := 0
	for i, p := range props {
		p.Value = f.values[[2]int{p.Siid, p.Piid}]
		p.Code = &code
		out[i] = p
	}
	return out, nil
}

func (f *fakeMiot) SetProperties(_ context.Context, props []miio.Property, _ time.Duration) ([]miio.Property, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sets = append(f.sets, append([]miio.Property(nil), props...))
	out := make([]miio.Property, len(props))
	code := 0
	for i, p := range props {
		f.values[[2]int{p.Siid, p.Piid}] = p.Value
		p.Code = &code
		out[i] = p
	}
	return out, nil
}

func (f *fakeMiot) setBatches() [][]miio.Property {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]miio.Property(nil), f.sets...)
}

// recordUpdater captures pushed characteristic values.
type recordUpdater struct {
	mu    sync.Mutex
	calls []pushedValue
}

type pushedValue struct {
	Aid      int64
	Sid      int64
	CharType string
	Value    any
}

func (r *recordUpdater) UpdateCharValue(aid, sid int64, charType string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, pushedValue{aid, sid, charType, value})
}

func (r *recordUpdater) pushed() []pushedValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pushedValue(nil), r.calls...)
}

func propEq(t *testing.T, got, want []miio.Property) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("batch = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].Siid != want[i].Siid || got[i].Piid != want[i].Piid || got[i].Value != want[i].Value {
			t.Fatalf("batch[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

// =============================================================================
// Mode switch
// =============================================================================

func modeSwitchConfig(dev *fakeMiot, updater CharUpdater) Config {
	return Config{
		Runner:  dev,
		Updater: updater,
		Chars: []CharBinding{
			{Aid: 2, Sid: 10, Stag: "heat", Cid: 100, CharType: "25", Format: "bool"},
			{Aid: 2, Sid: 11, Stag: "cool", Cid: 101, CharType: "25", Format: "bool"},
		},
		Params: map[string]any{
			"on":       map[string]any{"siid": 2.0, "piid": 1.0},
			"mode":     map[string]any{"siid": 2.0, "piid": 2.0},
			"mode_map": map[string]any{"heat": 3.0, "cool": 2.0},
		},
	}
}

func TestModeSwitchWriteTrueSelectsModeThenPowersOn(t *testing.T) {
	dev := newFakeMiot(nil)
	d, err := NewModeSwitch(modeSwitchConfig(dev, nil))
	if err != nil {
		t.Fatalf("NewModeSwitch() error = %v", err)
	}

	res := d.UpdateChars(context.Background(), []UpdateParam{{
		ReadParam: ReadParam{Aid: 2, Sid: 10, Stag: "heat", Cid: 100, CharType: "25", Format: "bool"},
		OldValue:  false,
		NewValue:  true,
	}})
	if len(res) != 1 || !res[0].Success {
		t.Fatalf("UpdateChars() = %+v, want one success", res)
	}

	batches := dev.setBatches()
	if len(batches) != 1 {
		t.Fatalf("set batches = %d, want 1", len(batches))
	}
	propEq(t, batches[0], []miio.Property{
		{Siid: 2, Piid: 2, Value: 3},
		{Siid: 2, Piid: 1, Value: true},
	})
}

func TestModeSwitchWriteFalseOnlyPowersOff(t *testing.T) {
	dev := newFakeMiot(nil)
	d, err := NewModeSwitch(modeSwitchConfig(dev, nil))
	if err != nil {
		t.Fatalf("NewModeSwitch() error = %v", err)
	}

	res := d.UpdateChars(context.Background(), []UpdateParam{{
		ReadParam: ReadParam{Aid: 2, Sid: 10, Stag: "heat", Cid: 100, CharType: "25", Format: "bool"},
		OldValue:  true,
		NewValue:  false,
	}})
	if !res[0].Success {
		t.Fatalf("UpdateChars() = %+v", res)
	}

	batches := dev.setBatches()
	if len(batches) != 1 {
		t.Fatalf("set batches = %d, want 1", len(batches))
	}
	propEq(t, batches[0], []miio.Property{{Siid: 2, Piid: 1, Value: false}})
}

func TestModeSwitchReadDerivesFromOnAndMode(t *testing.T) {
	dev := newFakeMiot(map[[2]int]any{
		{2, 1}: true,
		{2, 2}: 3.0,
	})
	d, err := NewModeSwitch(modeSwitchConfig(dev, nil))
	if err != nil {
		t.Fatalf("NewModeSwitch() error = %v", err)
	}

	res := d.ReadChars(context.Background(), []ReadParam{
		{Aid: 2, Sid: 10, Stag: "heat", Cid: 100, CharType: "25"},
		{Aid: 2, Sid: 11, Stag: "cool", Cid: 101, CharType: "25"},
	})
	if len(res) != 2 {
		t.Fatalf("ReadChars() returned %d results", len(res))
	}
	if !res[0].Success || res[0].Value != true {
		t.Errorf("heat = %+v, want true", res[0])
	}
	if !res[1].Success || res[1].Value != false {
		t.Errorf("cool = %+v, want false", res[1])
	}
}

func TestModeSwitchEventRefreshesBothSwitches(t *testing.T) {
	dev := newFakeMiot(nil)
	updater := &recordUpdater{}
	d, err := NewModeSwitch(modeSwitchConfig(dev, updater))
	if err != nil {
		t.Fatalf("NewModeSwitch() error = %v", err)
	}

	code := 0
	d.OnEvent(context.Background(), device.Event{
		Kind: device.KindPropertyChanged,
		Properties: []miio.Property{
			{Siid: 2, Piid: 1, Value: true, Code: &code},
			{Siid: 2, Piid: 2, Value: 2.0, Code: &code},
		},
	})

	pushes := updater.pushed()
	if len(pushes) != 2 {
		t.Fatalf("pushed %d values, want 2", len(pushes))
	}
	for _, p := range pushes {
		switch p.Sid {
		case 10: // heat, mode is 2
			if p.Value != false {
				t.Errorf("heat pushed %v, want false", p.Value)
			}
		case 11: // cool
			if p.Value != true {
				t.Errorf("cool pushed %v, want true", p.Value)
			}
		}
	}
}

// =============================================================================
// Air conditioner
// =============================================================================

func airCondConfig(dev *fakeMiot, updater CharUpdater) Config {
	return Config{
		Runner:  dev,
		Updater: updater,
		Chars: []CharBinding{
			{Aid: 3, Sid: 20, Stag: "ac", Cid: 200, CharType: typeTargetHeatingCoolingState, Format: "uint8"},
			{Aid: 3, Sid: 20, Stag: "ac", Cid: 201, CharType: typeCurrentHeatingCoolingState, Format: "uint8"},
			{Aid: 3, Sid: 20, Stag: "ac", Cid: 202, CharType: typeTargetTemperature, Format: "float"},
			{Aid: 3, Sid: 20, Stag: "ac", Cid: 203, CharType: typeCurrentTemperature, Format: "float"},
		},
		Params: map[string]any{
			"on":          map[string]any{"siid": 2.0, "piid": 1.0},
			"mode":        map[string]any{"siid": 2.0, "piid": 2.0},
			"target_temp": map[string]any{"siid": 2.0, "piid": 4.0},
			"mode_map":    map[string]any{"1": 1.0, "2": 2.0, "3": 0.0},
		},
	}
}

func acUpdate(cid int64, charType string, oldV, newV any) UpdateParam {
	return UpdateParam{
		ReadParam: ReadParam{Aid: 3, Sid: 20, Stag: "ac", Cid: cid, CharType: charType},
		OldValue:  oldV,
		NewValue:  newV,
	}
}

func TestAirConditionerTargetStateZeroPowersOff(t *testing.T) {
	dev := newFakeMiot(nil)
	d, err := NewAirConditioner(airCondConfig(dev, nil))
	if err != nil {
		t.Fatalf("NewAirConditioner() error = %v", err)
	}

	res := d.UpdateChars(context.Background(), []UpdateParam{
		acUpdate(200, typeTargetHeatingCoolingState, 1.0, 0.0),
	})
	if !res[0].Success {
		t.Fatalf("UpdateChars() = %+v", res)
	}

	batches := dev.setBatches()
	if len(batches) != 1 {
		t.Fatalf("set batches = %d, want 1", len(batches))
	}
	propEq(t, batches[0], []miio.Property{{Siid: 2, Piid: 1, Value: false}})
}

func TestAirConditionerTargetStateSelectsModeThenPowersOn(t *testing.T) {
	dev := newFakeMiot(nil)
	d, err := NewAirConditioner(airCondConfig(dev, nil))
	if err != nil {
		t.Fatalf("NewAirConditioner() error = %v", err)
	}

	res := d.UpdateChars(context.Background(), []UpdateParam{
		acUpdate(200, typeTargetHeatingCoolingState, 0.0, 2.0),
	})
	if !res[0].Success {
		t.Fatalf("UpdateChars() = %+v", res)
	}
	propEq(t, dev.setBatches()[0], []miio.Property{
		{Siid: 2, Piid: 2, Value: 2},
		{Siid: 2, Piid: 1, Value: true},
	})
}

func TestAirConditionerTargetTemperatureMirrorsCurrent(t *testing.T) {
	dev := newFakeMiot(nil)
	updater := &recordUpdater{}
	d, err := NewAirConditioner(airCondConfig(dev, updater))
	if err != nil {
		t.Fatalf("NewAirConditioner() error = %v", err)
	}

	res := d.UpdateChars(context.Background(), []UpdateParam{
		acUpdate(202, typeTargetTemperature, 20.0, 24.0),
	})
	if !res[0].Success {
		t.Fatalf("UpdateChars() = %+v", res)
	}
	propEq(t, dev.setBatches()[0], []miio.Property{{Siid: 2, Piid: 4, Value: 24.0}})

	var mirrored bool
	for _, p := range updater.pushed() {
		if p.CharType == typeCurrentTemperature && p.Value == 24.0 {
			mirrored = true
		}
	}
	if !mirrored {
		t.Error("TargetTemperature write did not mirror onto CurrentTemperature")
	}
}

func TestAirConditionerReadDerivesStates(t *testing.T) {
	dev := newFakeMiot(map[[2]int]any{
		{2, 1}: true,
		{2, 2}: 2.0,
		{2, 4}: 26.5,
	})
	d, err := NewAirConditioner(airCondConfig(dev, nil))
	if err != nil {
		t.Fatalf("NewAirConditioner() error = %v", err)
	}

	res := d.ReadChars(context.Background(), []ReadParam{
		{Cid: 200, CharType: typeTargetHeatingCoolingState, Stag: "ac"},
		{Cid: 201, CharType: typeCurrentHeatingCoolingState, Stag: "ac"},
		{Cid: 202, CharType: typeTargetTemperature, Stag: "ac"},
		{Cid: 203, CharType: typeCurrentTemperature, Stag: "ac"},
	})
	want := map[int64]any{200: 2, 201: 2, 202: 26.5, 203: 26.5}
	for _, r := range res {
		if !r.Success {
			t.Errorf("cid %d failed", r.Cid)
			continue
		}
		if r.Value != want[r.Cid] {
			t.Errorf("cid %d = %v, want %v", r.Cid, r.Value, want[r.Cid])
		}
	}
}

// =============================================================================
// Property mapping
// =============================================================================

func TestPropertyMappingScaleConvertor(t *testing.T) {
	dev := newFakeMiot(map[[2]int]any{{3, 7}: 720.0})
	d, err := NewPropertyMapping(Config{
		Runner: dev,
		Chars: []CharBinding{{
			Aid: 2, Sid: 10, Stag: "temp", Cid: 300, CharType: typeCurrentTemperature,
			Format: "float", Convertor: "scale",
			ConvertorParams: map[string]any{"siid": 3.0, "piid": 7.0, "factor": 0.1},
		}},
	})
	if err != nil {
		t.Fatalf("NewPropertyMapping() error = %v", err)
	}

	res := d.ReadChars(context.Background(), []ReadParam{{Cid: 300, CharType: typeCurrentTemperature}})
	if !res[0].Success || res[0].Value != 72.0 {
		t.Errorf("ReadChars() = %+v, want 72.0", res[0])
	}
}

func TestPropertyMappingWriteInvertsConvertor(t *testing.T) {
	dev := newFakeMiot(nil)
	d, err := NewPropertyMapping(Config{
		Runner: dev,
		Chars: []CharBinding{{
			Aid: 2, Sid: 10, Cid: 300, CharType: typeTargetTemperature,
			Format: "float", Convertor: "scale",
			ConvertorParams: map[string]any{"siid": 3.0, "piid": 7.0, "factor": 0.1},
		}},
	})
	if err != nil {
		t.Fatalf("NewPropertyMapping() error = %v", err)
	}

	res := d.UpdateChars(context.Background(), []UpdateParam{{
		ReadParam: ReadParam{Cid: 300, CharType: typeTargetTemperature},
		NewValue:  25.5,
	}})
	if !res[0].Success {
		t.Fatalf("UpdateChars() = %+v", res)
	}
	propEq(t, dev.setBatches()[0], []miio.Property{{Siid: 3, Piid: 7, Value: 255.0}})
}

func TestPropertyMappingEventPushesConvertedValue(t *testing.T) {
	dev := newFakeMiot(nil)
	updater := &recordUpdater{}
	d, err := NewPropertyMapping(Config{
		Runner:  dev,
		Updater: updater,
		Chars: []CharBinding{{
			Aid: 2, Sid: 10, Cid: 300, CharType: typeCurrentTemperature,
			Format: "float", Convertor: "scale",
			ConvertorParams: map[string]any{"siid": 3.0, "piid": 7.0, "factor": 0.1},
		}},
	})
	if err != nil {
		t.Fatalf("NewPropertyMapping() error = %v", err)
	}

	code := 0
	d.OnEvent(context.Background(), device.Event{
		Kind:       device.KindPropertyChanged,
		Properties: []miio.Property{{Siid: 3, Piid: 7, Value: 315.0, Code: &code}},
	})

	pushes := updater.pushed()
	if len(pushes) != 1 || pushes[0].Value != 31.5 {
		t.Errorf("pushed = %+v, want one 31.5", pushes)
	}
}

// =============================================================================
// Engine
// =============================================================================

// forgetfulDelegate answers no cids at all.
type forgetfulDelegate struct{}

func (forgetfulDelegate) ReadChars(context.Context, []ReadParam) []ReadResult {
	return nil
}
func (forgetfulDelegate) UpdateChars(context.Context, []UpdateParam) []UpdateResult {
	return nil
}
func (forgetfulDelegate) OnEvent(context.Context, device.Event) {}
func (forgetfulDelegate) SubscribesEvents() bool                { return false }

func TestEngineEveryCidAnsweredExactlyOnce(t *testing.T) {
	reg := NewRegistry()
	reg.Register("forgetful", func(Config) (Delegate, error) {
		return forgetfulDelegate{}, nil
	})

	dev := newFakeMiot(map[[2]int]any{{2, 1}: true})
	chars := []CharBinding{
		{Aid: 2, Sid: 10, Stag: "main", Cid: 100, CharType: "25", Format: "bool",
			ConvertorParams: map[string]any{"siid": 2.0, "piid": 1.0}},
		{Aid: 2, Sid: 10, Stag: "main", Cid: 101, CharType: "11", Format: "float",
			ConvertorParams: map[string]any{"siid": 2.0, "piid": 3.0}},
	}
	bindings := []entity.DelegateBinding{{
		Chars: []entity.DelegateCharRef{{ServiceTag: "main", CharType: "11"}},
		Model: "forgetful",
	}}

	e, err := NewEngine(reg, bindings, chars, Config{Runner: dev})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	params := []ReadParam{
		{Cid: 100, Stag: "main", CharType: "25"},
		{Cid: 101, Stag: "main", CharType: "11"},
	}
	res := e.ReadChars(context.Background(), params)
	if len(res) != len(params) {
		t.Fatalf("ReadChars() returned %d results, want %d", len(res), len(params))
	}
	seen := make(map[int64]int)
	for _, r := range res {
		seen[r.Cid]++
	}
	for _, p := range params {
		if seen[p.Cid] != 1 {
			t.Errorf("cid %d answered %d times, want exactly 1", p.Cid, seen[p.Cid])
		}
	}

	// The forgetful delegate owns cid 101; its silence becomes a failure,
	// while the fallthrough property mapping still answers cid 100.
	for _, r := range res {
		switch r.Cid {
		case 100:
			if !r.Success || r.Value != true {
				t.Errorf("cid 100 = %+v, want success true", r)
			}
		case 101:
			if r.Success {
				t.Errorf("cid 101 = %+v, want failure", r)
			}
		}
	}
}

func TestEngineScopedBindingClaimsOnlyItsChars(t *testing.T) {
	reg := NewRegistry()

	dev := newFakeMiot(nil)
	chars := []CharBinding{
		{Aid: 2, Sid: 10, Stag: "heat", Cid: 100, CharType: "25", Format: "bool"},
		{Aid: 2, Sid: 11, Stag: "plain", Cid: 101, CharType: "25", Format: "bool",
			ConvertorParams: map[string]any{"siid": 5.0, "piid": 1.0}},
	}
	bindings := []entity.DelegateBinding{{
		Chars: []entity.DelegateCharRef{{ServiceTag: "heat", CharType: "25"}},
		Model: ModelModeSwitch,
		Params: map[string]any{
			"on":       map[string]any{"siid": 2.0, "piid": 1.0},
			"mode":     map[string]any{"siid": 2.0, "piid": 2.0},
			"mode_map": map[string]any{"heat": 3.0},
		},
	}}

	e, err := NewEngine(reg, bindings, chars, Config{Runner: dev})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if len(e.delegates) != 2 {
		t.Fatalf("engine built %d delegates, want mode_switch + fallthrough", len(e.delegates))
	}
	if _, ok := e.byCid[100].(*ModeSwitch); !ok {
		t.Errorf("cid 100 owned by %T, want *ModeSwitch", e.byCid[100])
	}
	if _, ok := e.byCid[101].(*PropertyMapping); !ok {
		t.Errorf("cid 101 owned by %T, want *PropertyMapping", e.byCid[101])
	}
}

func TestRegistryUnknownModel(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.New("no_such_model", Config{})
	if err == nil {
		t.Fatal("New(no_such_model) error = nil")
	}
}
