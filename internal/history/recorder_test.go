package history

import (
	"testing"

	"homeport/internal/device"
	"homeport/internal/miio"
)

type fakeSink struct {
	props []propWrite
	bles  []bleWrite
}

type propWrite struct {
	did        string
	siid, piid int
	value      float64
}

type bleWrite struct {
	did   string
	etype uint16
	value int64
}

func (f *fakeSink) WriteProperty(did string, siid, piid int, value float64) {
	f.props = append(f.props, propWrite{did, siid, piid, value})
}

func (f *fakeSink) WriteBleEvent(did string, etype uint16, value int64) {
	f.bles = append(f.bles, bleWrite{did, etype, value})
}

// =============================================================================
// Record
// =============================================================================

func TestRecordPropertyChanged(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, nil, nil)

	bad := 1
	r.Record(device.Event{
		Kind:  device.KindPropertyChanged,
		DevID: "123456789",
		Properties: []miio.Property{
			{Siid: 2, Piid: 1, Value: true},
			{Siid: 2, Piid: 2, Value: 75.0},
			{Siid: 2, Piid: 3, Value: "warm"},      // non-numeric, skipped
			{Siid: 2, Piid: 4, Value: 1.0, Code: &bad}, // failed read, skipped
		},
	})

	if len(sink.props) != 2 {
		t.Fatalf("props recorded = %d, want 2", len(sink.props))
	}
	if sink.props[0] != (propWrite{"123456789", 2, 1, 1}) {
		t.Errorf("props[0] = %+v, want bool coerced to 1", sink.props[0])
	}
	if sink.props[1] != (propWrite{"123456789", 2, 2, 75}) {
		t.Errorf("props[1] = %+v, want 75", sink.props[1])
	}
}

func TestRecordBleEvent(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, nil, nil)

	r.Record(device.Event{
		Kind:     device.KindBleEvent,
		DevID:    "blt.3.abc",
		BleEType: 4106,
		BleValue: 87,
	})

	if len(sink.bles) != 1 {
		t.Fatalf("ble events recorded = %d, want 1", len(sink.bles))
	}
	if sink.bles[0] != (bleWrite{"blt.3.abc", 4106, 87}) {
		t.Errorf("bles[0] = %+v", sink.bles[0])
	}
}

func TestRecordSkipsGatewayMsg(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, nil, nil)

	r.Record(device.Event{Kind: device.KindGatewayMsg, DevID: "gw"})

	if len(sink.props) != 0 || len(sink.bles) != 0 {
		t.Error("gateway messages must not be recorded")
	}
}

// =============================================================================
// numeric coercion
// =============================================================================

func TestNumeric(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  float64
		ok    bool
	}{
		{"bool true", true, 1, true},
		{"bool false", false, 0, true},
		{"float64", 21.5, 21.5, true},
		{"int", 42, 42, true},
		{"int64", int64(7), 7, true},
		{"string", "on", 0, false},
		{"nil", nil, 0, false},
		{"map", map[string]any{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := numeric(tt.value)
			if ok != tt.ok || got != tt.want {
				t.Errorf("numeric(%v) = (%v, %v), want (%v, %v)", tt.value, got, ok, tt.want, tt.ok)
			}
		})
	}
}
