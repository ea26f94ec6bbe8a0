package hapkit

import "homeport/internal/entity"

// HAP characteristic type UUIDs, short form.
const (
	TypeIdentify                   = "14"
	TypeManufacturer               = "20"
	TypeModel                      = "21"
	TypeName                       = "23"
	TypeOn                         = "25"
	TypeOutletInUse                = "26"
	TypeRotationSpeed              = "29"
	TypeSerialNumber               = "30"
	TypeTargetHeatingCoolingState  = "33"
	TypeTargetRelativeHumidity     = "34"
	TypeTargetTemperature          = "35"
	TypeTemperatureDisplayUnits    = "36"
	TypeFirmwareRevision           = "52"
	TypeBatteryLevel               = "68"
	TypeContactSensorState         = "6A"
	TypeCurrentAmbientLightLevel   = "6B"
	TypeProgrammableSwitchEvent    = "73"
	TypeStatusLowBattery           = "79"
	TypeChargingState              = "8F"
	TypeActive                     = "B0"
	TypeBrightness                 = "8"
	TypeCurrentHeatingCoolingState = "F"
	TypeCurrentRelativeHumidity    = "10"
	TypeCurrentTemperature         = "11"
	TypeMotionDetected             = "22"
)

// HAP service type UUIDs, short form.
const (
	ServiceAccessoryInfo     = "3E"
	ServiceFan               = "40"
	ServiceLightbulb         = "43"
	ServiceOutlet            = "47"
	ServiceSwitch            = "49"
	ServiceThermostat        = "4A"
	ServiceContactSensor     = "80"
	ServiceHumiditySensor    = "82"
	ServiceLightSensor       = "84"
	ServiceMotionSensor      = "85"
	ServiceTemperatureSensor = "8A"
	ServiceBatteryService    = "96"
)

func f(v float64) *float64 { return &v }

var (
	permsRead      = []string{entity.PermRead, entity.PermEvents}
	permsReadWrite = []string{entity.PermRead, entity.PermWrite, entity.PermEvents}
)

// hapDefaults is the process-wide HAP metadata table: per characteristic
// type, the format, unit, bounds and permissions HomeKit expects.
// Characteristic rows inherit from it; row info fields override.
var hapDefaults = map[string]entity.CharInfo{
	TypeIdentify: {Format: entity.FormatBool, Perms: []string{entity.PermWrite}},
	TypeName:     {Format: entity.FormatString, Perms: []string{entity.PermRead}},
	TypeManufacturer: {Format: entity.FormatString, Perms: []string{entity.PermRead}},
	TypeModel:        {Format: entity.FormatString, Perms: []string{entity.PermRead}},
	TypeSerialNumber: {Format: entity.FormatString, Perms: []string{entity.PermRead}},
	TypeFirmwareRevision: {Format: entity.FormatString, Perms: []string{entity.PermRead}},

	TypeOn:          {Format: entity.FormatBool, Perms: permsReadWrite},
	TypeOutletInUse: {Format: entity.FormatBool, Perms: permsRead},
	TypeActive: {Format: entity.FormatUint8, Perms: permsReadWrite,
		MinValue: f(0), MaxValue: f(1), MinStep: f(1), ValidValues: []int{0, 1}},
	TypeBrightness: {Format: entity.FormatInt32, Unit: entity.UnitPercentage,
		Perms: permsReadWrite, MinValue: f(0), MaxValue: f(100), MinStep: f(1)},
	TypeRotationSpeed: {Format: entity.FormatFloat, Unit: entity.UnitPercentage,
		Perms: permsReadWrite, MinValue: f(0), MaxValue: f(100), MinStep: f(1)},

	TypeCurrentTemperature: {Format: entity.FormatFloat, Unit: entity.UnitCelsius,
		Perms: permsRead, MinValue: f(-40), MaxValue: f(100), MinStep: f(0.1)},
	TypeTargetTemperature: {Format: entity.FormatFloat, Unit: entity.UnitCelsius,
		Perms: permsReadWrite, MinValue: f(10), MaxValue: f(38), MinStep: f(0.1)},
	TypeCurrentHeatingCoolingState: {Format: entity.FormatUint8, Perms: permsRead,
		MinValue: f(0), MaxValue: f(2), MinStep: f(1), ValidValues: []int{0, 1, 2}},
	TypeTargetHeatingCoolingState: {Format: entity.FormatUint8, Perms: permsReadWrite,
		MinValue: f(0), MaxValue: f(3), MinStep: f(1), ValidValues: []int{0, 1, 2, 3}},
	TypeTemperatureDisplayUnits: {Format: entity.FormatUint8, Perms: permsReadWrite,
		MinValue: f(0), MaxValue: f(1), MinStep: f(1), ValidValues: []int{0, 1}},

	TypeCurrentRelativeHumidity: {Format: entity.FormatFloat, Unit: entity.UnitPercentage,
		Perms: permsRead, MinValue: f(0), MaxValue: f(100), MinStep: f(1)},
	TypeTargetRelativeHumidity: {Format: entity.FormatFloat, Unit: entity.UnitPercentage,
		Perms: permsReadWrite, MinValue: f(0), MaxValue: f(100), MinStep: f(1)},
	TypeCurrentAmbientLightLevel: {Format: entity.FormatFloat, Unit: entity.UnitLux,
		Perms: permsRead, MinValue: f(0.0001), MaxValue: f(100000)},

	TypeMotionDetected:     {Format: entity.FormatBool, Perms: permsRead},
	TypeContactSensorState: {Format: entity.FormatUint8, Perms: permsRead,
		MinValue: f(0), MaxValue: f(1), MinStep: f(1), ValidValues: []int{0, 1}},
	TypeBatteryLevel: {Format: entity.FormatUint8, Unit: entity.UnitPercentage,
		Perms: permsRead, MinValue: f(0), MaxValue: f(100), MinStep: f(1)},
	TypeStatusLowBattery: {Format: entity.FormatUint8, Perms: permsRead,
		MinValue: f(0), MaxValue: f(1), MinStep: f(1), ValidValues: []int{0, 1}},
	TypeChargingState: {Format: entity.FormatUint8, Perms: permsRead,
		MinValue: f(0), MaxValue: f(2), MinStep: f(1), ValidValues: []int{0, 1, 2}},
	TypeProgrammableSwitchEvent: {Format: entity.FormatUint8, Perms: permsRead,
		MinValue: f(0), MaxValue: f(2), MinStep: f(1), ValidValues: []int{0, 1, 2}},
}

// GetHapDefaultInfo returns the metadata defaults for a characteristic
// type, or false when the type is unknown.
func GetHapDefaultInfo(hapType string) (entity.CharInfo, bool) {
	info, ok := hapDefaults[hapType]
	return info, ok
}

// ResolveCharInfo merges a characteristic row's info over the HAP
// defaults for its type. The row always wins; defaults fill the gaps.
func ResolveCharInfo(charType string, row entity.CharInfo) entity.CharInfo {
	base, ok := GetHapDefaultInfo(charType)
	if !ok {
		return row
	}
	return base.Merge(row)
}
