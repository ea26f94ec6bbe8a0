package ble

import (
	"encoding/binary"
	"fmt"
)

// Well-known MiBeacon object ids.
const (
	ETypeTemperature  uint16 = 0x1004
	ETypeHumidity     uint16 = 0x1006
	ETypeIlluminance  uint16 = 0x1007
	ETypeMoisture     uint16 = 0x1008
	ETypeConductivity uint16 = 0x1009
	ETypeBattery      uint16 = 0x100A
	ETypeTempHumidity uint16 = 0x100D
	ETypeContact      uint16 = 0x1019
)

// Contact object states.
const (
	ContactOpen        = 0
	ContactClosed      = 1
	ContactTimeoutOpen = 2
	ContactReset       = 3
)

// Value decodes a typed object payload to its engineering value.
//
// Temperature and humidity are tenths in the frame and come back as
// float64; counters and states come back as their natural integer width.
// Unknown etypes return the raw payload so callers can still forward them.
func Value(etype uint16, edata []byte) (any, error) {
	switch etype {
	case ETypeTemperature:
		if len(edata) != 2 {
			return nil, lengthErr(etype, edata, 2)
		}
		return float64(int16(binary.LittleEndian.Uint16(edata))) / 10, nil

	case ETypeHumidity:
		if len(edata) != 2 {
			return nil, lengthErr(etype, edata, 2)
		}
		return float64(binary.LittleEndian.Uint16(edata)) / 10, nil

	case ETypeIlluminance:
		if len(edata) != 3 {
			return nil, lengthErr(etype, edata, 3)
		}
		return uint32(edata[0]) | uint32(edata[1])<<8 | uint32(edata[2])<<16, nil

	case ETypeMoisture, ETypeBattery:
		if len(edata) != 1 {
			return nil, lengthErr(etype, edata, 1)
		}
		return edata[0], nil

	case ETypeConductivity:
		if len(edata) != 2 {
			return nil, lengthErr(etype, edata, 2)
		}
		return binary.LittleEndian.Uint16(edata), nil

	case ETypeContact:
		if len(edata) != 1 {
			return nil, lengthErr(etype, edata, 1)
		}
		if edata[0] > ContactReset {
			return nil, fmt.Errorf("%w: contact state %d", ErrMalformedFrame, edata[0])
		}
		return edata[0], nil

	default:
		return edata, nil
	}
}

// RawValue decodes an object payload to its on-air integer, before any
// unit scaling. Temperature 0x1004 with edata D0 02 yields 720; the tenths
// conversion to 72.0 is the characteristic convertor's job. This is what
// BLE child devices keep in their per-etype last-value map.
func RawValue(etype uint16, edata []byte) (int64, error) {
	switch etype {
	case ETypeTemperature:
		if len(edata) != 2 {
			return 0, lengthErr(etype, edata, 2)
		}
		return int64(int16(binary.LittleEndian.Uint16(edata))), nil
	case ETypeHumidity, ETypeConductivity:
		if len(edata) != 2 {
			return 0, lengthErr(etype, edata, 2)
		}
		return int64(binary.LittleEndian.Uint16(edata)), nil
	case ETypeIlluminance:
		if len(edata) != 3 {
			return 0, lengthErr(etype, edata, 3)
		}
		return int64(edata[0]) | int64(edata[1])<<8 | int64(edata[2])<<16, nil
	case ETypeMoisture, ETypeBattery, ETypeContact:
		if len(edata) != 1 {
			return 0, lengthErr(etype, edata, 1)
		}
		return int64(edata[0]), nil
	default:
		// Best effort: treat up to 8 bytes as a little-endian integer.
		if len(edata) == 0 || len(edata) > 8 {
			return 0, fmt.Errorf("%w: etype %#04x payload %d bytes", ErrMalformedFrame, etype, len(edata))
		}
		var v int64
		for i := len(edata) - 1; i >= 0; i-- {
			v = v<<8 | int64(edata[i])
		}
		return v, nil
	}
}

func lengthErr(etype uint16, edata []byte, want int) error {
	return fmt.Errorf("%w: etype %#04x payload %d bytes, want %d",
		ErrMalformedFrame, etype, len(edata), want)
}
