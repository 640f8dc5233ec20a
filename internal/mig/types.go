package mig

import (
	"fmt"
	"strings"
)

// Interface domains.
const (
	DomainX10    = "HomeAutomation.X10"
	DomainZigBee = "HomeAutomation.ZigBee"
)

// ModuleType is the inferred kind of a module.
type ModuleType int32

// Module types. Generic is the zero value and the only type that may later
// be replaced.
const (
	TypeGeneric ModuleType = iota
	TypeProgram
	TypeSwitch
	TypeLight
	TypeDimmer
	TypeColor
	TypeSensor
	TypeTemperature
	TypeSiren
	TypeFan
	TypeThermostat
	TypeShutter
	TypeDoorWindow
	TypeDoorLock
	TypeMediaTransmitter
	TypeMediaReceiver
)

var moduleTypeNames = map[ModuleType]string{
	TypeGeneric:          "Generic",
	TypeProgram:          "Program",
	TypeSwitch:           "Switch",
	TypeLight:            "Light",
	TypeDimmer:           "Dimmer",
	TypeColor:            "Color",
	TypeSensor:           "Sensor",
	TypeTemperature:      "Temperature",
	TypeSiren:            "Siren",
	TypeFan:              "Fan",
	TypeThermostat:       "Thermostat",
	TypeShutter:          "Shutter",
	TypeDoorWindow:       "DoorWindow",
	TypeDoorLock:         "DoorLock",
	TypeMediaTransmitter: "MediaTransmitter",
	TypeMediaReceiver:    "MediaReceiver",
}

func (t ModuleType) String() string {
	if name, ok := moduleTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ModuleType(%d)", int32(t))
}

// ParseModuleType is the inverse of String, case-insensitive.
func ParseModuleType(s string) (ModuleType, error) {
	for t, name := range moduleTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TypeGeneric, fmt.Errorf("%w: unknown module type %q", ErrInvalidOption, s)
}

// MarshalText encodes the type by name for JSON and XML.
func (t ModuleType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name.
func (t *ModuleType) UnmarshalText(text []byte) error {
	parsed, err := ParseModuleType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Property paths carried by notifications.
const (
	PropStatusLevel    = "Status.Level"
	PropStatusColorHsb = "Status.ColorHsb"
	PropStatusBattery  = "Status.Battery"

	PropSensorTamper      = "Sensor.Tamper"
	PropSensorKey         = "Sensor.Key"
	PropSensorTemperature = "Sensor.Temperature"
	PropSensorHumidity    = "Sensor.Humidity"
	PropSensorLuminance   = "Sensor.Luminance"

	PropMeterWatts        = "Meter.Watts"
	PropMeterKilowattHour = "Meter.KilowattHour"

	PropReceiverStatus  = "Receiver.Status"
	PropReceiverRawData = "Receiver.RawData"

	PropControllerStatus = "Controller.Status"
)

// Module is a point-in-time view of one registry record.
type Module struct {
	Domain      string     `json:"domain"`
	Address     string     `json:"address"`
	Description string     `json:"description"`
	Type        ModuleType `json:"type"`
	Level       float64    `json:"level"`
}
