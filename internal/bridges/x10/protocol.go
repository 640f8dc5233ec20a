package x10

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Medium selects the powerline or RF side of the controller.
type Medium int

// Media.
const (
	MediumPL Medium = iota
	MediumRF
)

func (m Medium) String() string {
	if m == MediumRF {
		return "rf"
	}
	return "pl"
}

// Function is an X10 function code.
type Function int

// Function codes. FuncNone marks an addressing-only frame.
const (
	FuncNone Function = iota
	FuncOn
	FuncOff
	FuncBright
	FuncDim
	FuncAllLightsOn
	FuncAllLightsOff
	FuncAllUnitsOff
	FuncStatusOn
	FuncStatusOff
	FuncStatusRequest
)

var functionNames = map[Function]string{
	FuncNone:          "none",
	FuncOn:            "on",
	FuncOff:           "off",
	FuncBright:        "bright",
	FuncDim:           "dim",
	FuncAllLightsOn:   "all_lights_on",
	FuncAllLightsOff:  "all_lights_off",
	FuncAllUnitsOff:   "all_units_off",
	FuncStatusOn:      "status_on",
	FuncStatusOff:     "status_off",
	FuncStatusRequest: "status",
}

func (f Function) String() string {
	if name, ok := functionNames[f]; ok {
		return name
	}
	return "func(" + strconv.Itoa(int(f)) + ")"
}

// DimStepsFull is the number of powerline dim steps from off to full.
const DimStepsFull = 22

// Frame is one transmission.
type Frame struct {
	Medium  Medium
	Address Address
	Func    Function
	// Steps is the powerline dim/bright count; ignored on RF.
	Steps int
}

// stepsForPercent converts a level change in percent to powerline dim steps.
func stepsForPercent(percent int) int {
	if percent < 0 {
		percent = -percent
	}
	steps := int(math.Round(float64(percent) * DimStepsFull / 100))
	return min(max(steps, 1), DimStepsFull)
}

// encodeFrame renders f as a mochad command line, without the newline.
func encodeFrame(f Frame) (string, error) {
	if f.Func == FuncStatusRequest {
		return "st", nil
	}
	if !validHouse(f.Address.House) {
		return "", fmt.Errorf("%w: house code %q", ErrInvalidAddress, string(f.Address.House))
	}

	var name string
	switch f.Func {
	case FuncOn, FuncOff:
		if !f.Address.IsUnit() {
			return "", fmt.Errorf("%w: %s needs a unit", ErrInvalidAddress, f.Func)
		}
		name = f.Func.String()
	case FuncBright, FuncDim, FuncAllLightsOn, FuncAllLightsOff, FuncAllUnitsOff:
		name = f.Func.String()
	default:
		return "", fmt.Errorf("%w: cannot transmit %s", ErrSendFailed, f.Func)
	}

	addr := strings.ToLower(f.Address.String())
	switch f.Func {
	case FuncAllLightsOn, FuncAllLightsOff, FuncAllUnitsOff:
		addr = strings.ToLower(string(f.Address.House))
	}

	line := f.Medium.String() + " " + addr + " " + name
	if f.Medium == MediumPL && (f.Func == FuncBright || f.Func == FuncDim) && f.Steps > 0 {
		line += " " + strconv.Itoa(min(f.Steps, DimStepsFull))
	}
	return line, nil
}

// Event is a decoded mochad report.
type Event interface {
	event()
}

// UnitEvent is a unit or house command seen on the powerline or from an RF
// remote. Address.Unit is 0 when the frame carried only a house code.
type UnitEvent struct {
	Medium  Medium
	Address Address
	Func    Function
	Steps   int
}

// SecuritySensor is the kind of X10 security transmitter.
type SecuritySensor int

// Security transmitters.
const (
	SensorUnknown SecuritySensor = iota
	SensorDoor1
	SensorDoor2
	SensorMotion
	SensorRemote
)

// Battery is the battery state carried by a security frame.
type Battery int

// Battery states.
const (
	BatteryUnknown Battery = iota
	BatteryOK
	BatteryLow
)

// SecurityEvent is a frame from an X10 security device.
type SecurityEvent struct {
	ID      uint32
	Sensor  SecuritySensor
	Alert   bool
	Tamper  bool
	Battery Battery
	// Key is set for remotes: ArmAway, ArmHome, Disarm, Panic, LightOn, LightOff.
	Key string
}

// RawEvent carries undecoded RF bytes.
type RawEvent struct {
	Data []byte
}

// StatusEvent is a house line from mochad's status dump.
type StatusEvent struct {
	House byte
	Units map[int]bool
}

func (UnitEvent) event()     {}
func (SecurityEvent) event() {}
func (RawEvent) event()      {}
func (StatusEvent) event()   {}

const rawPrefix = "Raw data received:"

// parseLine decodes one mochad output line. It returns nil for lines that
// carry nothing the adapter uses (transmit echoes, banners, timestamps only).
func parseLine(line string) (Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	if i := strings.Index(line, rawPrefix); i >= 0 {
		return parseRaw(line[i+len(rawPrefix):])
	}

	fields := strings.Fields(line)
	for i, f := range fields {
		switch f {
		case "Rx":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("truncated frame %q", line)
			}
			return parseRx(fields[i+1], keyValues(fields[i+2:]))
		case "Tx":
			return nil, nil
		case "House":
			if i+2 < len(fields) && strings.HasSuffix(fields[i+1], ":") {
				return parseStatus(fields[i+1], fields[i+2:])
			}
		}
	}
	return nil, nil
}

// keyValues collects "Key: value" pairs.
func keyValues(fields []string) map[string]string {
	kv := make(map[string]string)
	for i := 0; i < len(fields); i++ {
		key, ok := strings.CutSuffix(fields[i], ":")
		if !ok || i+1 >= len(fields) {
			continue
		}
		kv[key] = fields[i+1]
		i++
	}
	return kv
}

func parseRx(medium string, kv map[string]string) (Event, error) {
	switch medium {
	case "PL", "RF":
		ev := UnitEvent{Medium: MediumPL}
		if medium == "RF" {
			ev.Medium = MediumRF
		}
		target := kv["HouseUnit"]
		if target == "" {
			target = kv["House"]
		}
		addr, err := ParseAddress(target)
		if err != nil {
			return nil, err
		}
		ev.Address = addr
		if fn, ok := kv["Func"]; ok {
			ev.Func, ev.Steps = parseFunction(fn)
		}
		return ev, nil
	case "RFSEC":
		id, err := parseSecurityID(kv["Addr"])
		if err != nil {
			return nil, err
		}
		ev := parseSecurityFunc(kv["Func"])
		ev.ID = id
		return ev, nil
	default:
		return nil, nil
	}
}

// parseFunction maps mochad names such as "All-Units-Off" or "Dim(12)".
func parseFunction(s string) (Function, int) {
	steps := 0
	if open := strings.IndexByte(s, '('); open >= 0 {
		if n, err := strconv.Atoi(strings.TrimSuffix(s[open+1:], ")")); err == nil {
			steps = n
		}
		s = s[:open]
	}

	key := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(s))
	switch key {
	case "on":
		return FuncOn, steps
	case "off":
		return FuncOff, steps
	case "bright":
		return FuncBright, steps
	case "dim":
		return FuncDim, steps
	case "alllightson":
		return FuncAllLightsOn, steps
	case "alllightsoff":
		return FuncAllLightsOff, steps
	case "allunitsoff":
		return FuncAllUnitsOff, steps
	case "statuson":
		return FuncStatusOn, steps
	case "statusoff":
		return FuncStatusOff, steps
	default:
		return FuncNone, steps
	}
}

// parseSecurityID accepts "C6", "0xC6" or "6A:73:80".
func parseSecurityID(s string) (uint32, error) {
	clean := strings.ReplaceAll(strings.TrimPrefix(strings.ToLower(s), "0x"), ":", "")
	if clean == "" {
		return 0, fmt.Errorf("missing security address")
	}
	id, err := strconv.ParseUint(clean, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("security address %q: %w", s, err)
	}
	return uint32(id) & 0xFFFFFF, nil //nolint:gosec // parsed with bitSize 32
}

// parseSecurityFunc decodes names such as "Contact_alert_max_tamper_SD90",
// "Motion_normal_low_MS10A" or "Arm_Home_min_SH624".
func parseSecurityFunc(name string) SecurityEvent {
	tokens := strings.Split(strings.ToLower(name), "_")
	has := func(t string) bool {
		for _, tok := range tokens {
			if tok == t {
				return true
			}
		}
		return false
	}

	var ev SecurityEvent
	switch tokens[0] {
	case "contact":
		ev.Sensor = SensorDoor1
		if has("max") {
			ev.Sensor = SensorDoor2
		}
		ev.Alert = has("alert")
		ev.Tamper = has("tamper")
		ev.Battery = batteryState(has("low"))
	case "motion":
		ev.Sensor = SensorMotion
		ev.Alert = has("alert")
		ev.Battery = batteryState(has("low"))
	case "arm":
		ev.Sensor = SensorRemote
		ev.Key = "ArmAway"
		if has("home") {
			ev.Key = "ArmHome"
		}
	case "disarm":
		ev.Sensor = SensorRemote
		ev.Key = "Disarm"
	case "panic":
		ev.Sensor = SensorRemote
		ev.Key = "Panic"
	case "lights":
		ev.Sensor = SensorRemote
		ev.Key = "LightOff"
		if has("on") {
			ev.Key = "LightOn"
		}
	}
	return ev
}

func batteryState(low bool) Battery {
	if low {
		return BatteryLow
	}
	return BatteryOK
}

func parseRaw(s string) (Event, error) {
	data, err := decodeHex(s)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return RawEvent{Data: data}, nil
}

// parseStatus decodes "House A: 1=1,2=0,3=1".
func parseStatus(house string, rest []string) (Event, error) {
	h := strings.TrimSuffix(house, ":")
	if len(h) != 1 || !validHouse(h[0]) {
		return nil, nil
	}

	units := make(map[int]bool)
	for _, part := range strings.Split(strings.Join(rest, ""), ",") {
		unit, state, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(unit)
		if err != nil || n < 1 || n > 16 {
			continue
		}
		units[n] = state == "1"
	}
	if len(units) == 0 {
		return nil, nil
	}
	return StatusEvent{House: h[0], Units: units}, nil
}

// decodeHex parses bytes written as "5D 29 C6" or "5d29c6".
func decodeHex(s string) ([]byte, error) {
	clean := strings.Join(strings.Fields(s), "")
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("hex data %q: %w", s, err)
	}
	return data, nil
}

// formatHex renders bytes as upper-case pairs separated by spaces.
func formatHex(data []byte) string {
	var b strings.Builder
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
