package entity

import (
	"encoding/json"
	"time"
)

// BonjourStatus is the HAP pairing status flag advertised over mDNS.
// It transitions not_paired -> paired on the first admin pairing and only
// returns to not_paired via an explicit reset.
type BonjourStatus string

const (
	StatusNotPaired BonjourStatus = "not_paired"
	StatusPaired    BonjourStatus = "paired"
)

// DeviceType discriminates the source-platform device variants.
type DeviceType string

const (
	DeviceWifi        DeviceType = "wifi"
	DeviceMqttGateway DeviceType = "mqtt_gateway"
	DeviceBle         DeviceType = "ble"
	DeviceMesh        DeviceType = "mesh"
	DeviceCloud       DeviceType = "cloud"
	DeviceChild       DeviceType = "child"
	DeviceNativeBle   DeviceType = "native_ble"
	DeviceVirtual     DeviceType = "virtual"
)

// RequiresGateway reports whether the device type runs through a gateway
// device and therefore must carry a gateway id.
func (t DeviceType) RequiresGateway() bool {
	switch t {
	case DeviceBle, DeviceMesh, DeviceChild:
		return true
	default:
		return false
	}
}

// Pairing is one HAP pairing record stored in the Bridge pairings map,
// keyed by the controller's UUID.
type Pairing struct {
	PublicKey string `json:"public_key"` // hex-encoded 32-byte ed25519 public key
	Admin     bool   `json:"admin"`
}

// Bridge is a HomeKit identity: one HAP server with its own pairing state,
// port and mDNS advertisement.
type Bridge struct {
	ID              int64
	Name            string
	PinCode         string
	Port            int
	Category        int
	DeviceID        string // MAC-shaped HAP device id, unique
	SetupID         string // 4-char uppercase, for the setup QR URI
	PrivateKey      string // hex-encoded ed25519 private key (seed||public)
	ConfigVersion   int    // HAP c#, bumped when the accessory database shape changes
	StatusFlag      BonjourStatus
	MaxPeers        int
	Pairings        map[string]Pairing
	Disabled        bool
	SingleAccessory bool
	CreatedAt       time.Time
	UpdateAt        time.Time
}

// IsPaired reports whether at least one admin pairing exists.
func (b *Bridge) IsPaired() bool {
	return b.StatusFlag == StatusPaired
}

// MiDevice is the Mi-Home source-platform record: the vendor's own view of
// a device, consumed read-only during Device construction.
type MiDevice struct {
	Did       string
	Token     string // 16-byte hex
	Model     string
	MAC       string
	LocalIP   string
	Account   string
	Payload   map[string]any // full manufacturer payload
	CreatedAt time.Time
	UpdateAt  time.Time
}

// Device is a source-platform endpoint projected into HomeKit.
type Device struct {
	ID          int64
	Tag         string
	Type        DeviceType
	GatewayID   *int64
	Platform    string // source-platform tag, e.g. "mi_home"
	SourceID    string // platform-side id, e.g. Mi-Home did
	Name        string
	Disabled    bool
	Params      map[string]any
	TempID      *string
	TempBatchID *string
	CreatedAt   time.Time
	UpdateAt    time.Time
}

// DelegateCharRef scopes a delegate binding to one characteristic,
// addressed symbolically by service tag and characteristic type.
type DelegateCharRef struct {
	ServiceTag string `json:"stag"`
	CharType   string `json:"ctype"`
}

// DelegateBinding is one entry of an accessory's ordered delegate list.
// A nil Chars list binds the delegate to every characteristic the earlier
// bindings left unclaimed.
type DelegateBinding struct {
	Chars  []DelegateCharRef `json:"chars,omitempty"`
	Model  string            `json:"model"`
	Params map[string]any    `json:"params,omitempty"`
}

// Accessory is a HAP accessory owned at runtime by exactly one bridge.
type Accessory struct {
	Aid       int64 // >= 2; aid 1 is reserved for the bridge info accessory
	Name      string
	Tag       string
	DeviceID  int64
	BridgeID  int64
	Disabled  bool
	Category  int
	Delegates []DelegateBinding
	Memo      string
	Info      map[string]any
	TempID    *string
	CreatedAt time.Time
	UpdateAt  time.Time
}

// Service is one HAP service row.
type Service struct {
	ID             int64
	AccessoryID    int64
	Tag            string
	ServiceType    string // HAP type UUID (short form)
	ConfiguredName string
	Primary        bool
	Disabled       bool
	CreatedAt      time.Time
	UpdateAt       time.Time
}

// Characteristic is one HAP characteristic row.
type Characteristic struct {
	Cid             int64
	ServiceID       int64
	CharType        string // HAP type UUID (short form)
	Disabled        bool
	Name            string
	Info            CharInfo
	Convertor       string
	ConvertorParams map[string]any
	Memo            string
	CreatedAt       time.Time
	UpdateAt        time.Time
}

// HAP characteristic value formats.
const (
	FormatBool   = "bool"
	FormatUint8  = "uint8"
	FormatUint16 = "uint16"
	FormatUint32 = "uint32"
	FormatUint64 = "uint64"
	FormatInt32  = "int32"
	FormatFloat  = "float"
	FormatString = "string"
	FormatTLV8   = "tlv8"
	FormatData   = "data"
)

// HAP characteristic permissions (wire abbreviations).
const (
	PermRead          = "pr"
	PermWrite         = "pw"
	PermEvents        = "ev"
	PermAdditionalAuth = "aa"
	PermTimedWrite    = "tw"
	PermHidden        = "hd"
	PermWriteResponse = "wr"
)

// HAP characteristic units.
const (
	UnitCelsius    = "celsius"
	UnitPercentage = "percentage"
	UnitArcDegrees = "arcdegrees"
	UnitLux        = "lux"
	UnitSeconds    = "seconds"
	UnitPPM        = "ppm"
	UnitMicrogram  = "micrograms/m^3"
)

// CharInfo is the characteristic metadata blob: format, unit, numeric
// bounds, valid values and permissions. Unset fields inherit from the HAP
// metadata defaults at accessory build time.
type CharInfo struct {
	Format      string    `json:"format,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	MinValue    *float64  `json:"min_value,omitempty"`
	MaxValue    *float64  `json:"max_value,omitempty"`
	MinStep     *float64  `json:"min_step,omitempty"`
	MaxLen      *int      `json:"max_len,omitempty"`
	ValidValues []int     `json:"valid_values,omitempty"`
	ValidRange  []int     `json:"valid_values_range,omitempty"`
	TTL         *int      `json:"ttl,omitempty"`
	Perms       []string  `json:"perms,omitempty"`
	Pid         *uint64   `json:"pid,omitempty"`
}

// IsNumeric reports whether the format carries numeric bounds.
func IsNumericFormat(format string) bool {
	switch format {
	case FormatUint8, FormatUint16, FormatUint32, FormatUint64, FormatInt32, FormatFloat:
		return true
	default:
		return false
	}
}

// Merge returns a copy of base with every set field of override applied.
// Used when a template or row supplies partial info over the HAP defaults.
func (base CharInfo) Merge(override CharInfo) CharInfo {
	out := base
	if override.Format != "" {
		out.Format = override.Format
	}
	if override.Unit != "" {
		out.Unit = override.Unit
	}
	if override.MinValue != nil {
		out.MinValue = override.MinValue
	}
	if override.MaxValue != nil {
		out.MaxValue = override.MaxValue
	}
	if override.MinStep != nil {
		out.MinStep = override.MinStep
	}
	if override.MaxLen != nil {
		out.MaxLen = override.MaxLen
	}
	if len(override.ValidValues) > 0 {
		out.ValidValues = override.ValidValues
	}
	if len(override.ValidRange) > 0 {
		out.ValidRange = override.ValidRange
	}
	if override.TTL != nil {
		out.TTL = override.TTL
	}
	if len(override.Perms) > 0 {
		out.Perms = override.Perms
	}
	if override.Pid != nil {
		out.Pid = override.Pid
	}
	return out
}

// Validate checks that the info fields are consistent with the format.
func (i CharInfo) Validate() error {
	if i.Format == "" {
		return ErrInfoFormatMissing
	}
	if !IsNumericFormat(i.Format) {
		if i.MinValue != nil || i.MaxValue != nil || i.MinStep != nil {
			return ErrInfoBoundsNotNumeric
		}
	}
	if i.MaxLen != nil && i.Format != FormatString && i.Format != FormatData && i.Format != FormatTLV8 {
		return ErrInfoMaxLenNotString
	}
	return nil
}

// marshalJSON is a small helper for persisting map/struct columns.
func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
