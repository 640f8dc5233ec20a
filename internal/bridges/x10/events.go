package x10

import (
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/mig"
	"github.com/nerrad567/gray-logic-mig/internal/registry"
)

// rfRemoteStep is the level change of one bright/dim from an RF remote.
const rfRemoteStep = 1.0 / DimStepsFull

// handleEvent translates a received frame. It runs on the connector's
// event worker.
func (a *Adapter) handleEvent(ev Event) {
	switch e := ev.(type) {
	case UnitEvent:
		if e.Medium == MediumRF {
			a.handleRFUnit(e)
		} else {
			a.handlePLUnit(e)
		}
	case SecurityEvent:
		a.handleSecurity(e)
	case RawEvent:
		a.handleRaw(e)
	case StatusEvent:
		a.handleStatus(e)
	}
}

// handleRFUnit applies a remote control frame. House-wide functions need no
// unit; any other frame without a unit acts on the unit addressed last, if
// it shares the house code.
func (a *Adapter) handleRFUnit(e UnitEvent) {
	switch e.Func {
	case FuncAllLightsOn, FuncAllLightsOff, FuncAllUnitsOff:
		a.applyToHouse(e.Address.House, houseLevel(e.Func))
		return
	}

	a.eventMu.Lock()
	if e.Address.IsUnit() {
		a.lastAddressed = e.Address.String()
	}
	target := a.lastAddressed
	a.eventMu.Unlock()

	if e.Func == FuncNone || target == "" || target[0] != e.Address.House {
		return
	}
	rec, _ := a.registry.AddOrGet(target, mig.TypeSensor, descModule)
	var level float64
	switch e.Func {
	case FuncOn:
		level = rec.SetLevel(1)
	case FuncOff:
		level = rec.SetLevel(0)
	case FuncBright:
		level = rec.AdjustLevel(rfRemoteStep)
	case FuncDim:
		level = rec.AdjustLevel(-rfRemoteStep)
	default:
		return
	}
	a.registry.NotifyProperty(rec, mig.PropStatusLevel, level)
}

// handlePLUnit tracks powerline addressing: one or more address frames
// select units, the following function frame applies to all of them.
func (a *Adapter) handlePLUnit(e UnitEvent) {
	if !a.acceptsHouse(e.Address.House) {
		return
	}

	if e.Func == FuncNone {
		a.eventMu.Lock()
		if a.plFuncSeen {
			a.plAddressed = a.plAddressed[:0]
			a.plFuncSeen = false
		}
		if !slices.Contains(a.plAddressed, e.Address) {
			a.plAddressed = append(a.plAddressed, e.Address)
		}
		a.eventMu.Unlock()
		return
	}

	switch e.Func {
	case FuncAllLightsOn, FuncAllLightsOff, FuncAllUnitsOff:
		a.applyToHouse(e.Address.House, houseLevel(e.Func))
		return
	}

	a.eventMu.Lock()
	var targets []Address
	if e.Address.IsUnit() {
		targets = []Address{e.Address}
	} else {
		for _, addr := range a.plAddressed {
			if addr.House == e.Address.House {
				targets = append(targets, addr)
			}
		}
	}
	a.plFuncSeen = true
	a.eventMu.Unlock()

	steps := e.Steps
	if steps <= 0 {
		steps = 1
	}
	for _, addr := range targets {
		rec, _ := a.registry.AddOrGet(addr.String(), mig.TypeSwitch, descModule)
		level, ok := applyFunction(rec, e.Func, float64(steps)/DimStepsFull)
		if ok {
			a.registry.NotifyProperty(rec, mig.PropStatusLevel, level)
		}
	}
}

func applyFunction(rec *registry.DeviceRecord, fn Function, step float64) (float64, bool) {
	switch fn {
	case FuncOn:
		return rec.SetLevel(1), true
	case FuncOff, FuncStatusOff:
		return rec.SetLevel(0), true
	case FuncStatusOn:
		if rec.Level() > 0 {
			return rec.Level(), true
		}
		return rec.Restore(), true
	case FuncBright:
		return rec.AdjustLevel(step), true
	case FuncDim:
		return rec.AdjustLevel(-step), true
	default:
		return 0, false
	}
}

// handleStatus applies a house line from the mochad status dump. Only units
// whose on/off state differs from the record are notified.
func (a *Adapter) handleStatus(e StatusEvent) {
	if !a.acceptsHouse(e.House) {
		return
	}

	units := make([]int, 0, len(e.Units))
	for u := range e.Units {
		units = append(units, u)
	}
	slices.Sort(units)

	for _, u := range units {
		rec, _ := a.registry.AddOrGet(Address{House: e.House, Unit: u}.String(), mig.TypeSwitch, descModule)
		on := e.Units[u]
		if on == (rec.Level() > 0) {
			continue
		}
		fn := FuncStatusOff
		if on {
			fn = FuncStatusOn
		}
		level, _ := applyFunction(rec, fn, 0)
		a.registry.NotifyProperty(rec, mig.PropStatusLevel, level)
	}
}

func (a *Adapter) handleSecurity(e SecurityEvent) {
	if e.Sensor == SensorUnknown {
		a.logger.Debug("unrecognised x10 security frame", "id", fmt.Sprintf("%06X", e.ID))
		return
	}

	address := securityAddress(e.ID, e.Sensor)
	moduleType := mig.TypeSensor
	if e.Sensor == SensorDoor1 || e.Sensor == SensorDoor2 {
		moduleType = mig.TypeDoorWindow
	}

	rec, created := a.registry.AddOrGet(address, moduleType, descSecurity)
	if created {
		a.emitReceiver(mig.PropReceiverStatus, fmt.Sprintf("Added module %s (%s)", address, moduleType))
	}

	switch e.Sensor {
	case SensorDoor1, SensorDoor2:
		a.registry.NotifyProperty(rec, mig.PropStatusLevel, rec.SetLevel(boolLevel(e.Alert)))
		a.registry.NotifyProperty(rec, mig.PropSensorTamper, boolInt(e.Tamper))
		a.notifyBattery(rec, e.Battery)
	case SensorMotion:
		a.registry.NotifyProperty(rec, mig.PropStatusLevel, rec.SetLevel(boolLevel(e.Alert)))
		a.notifyBattery(rec, e.Battery)
	case SensorRemote:
		a.registry.NotifyProperty(rec, mig.PropSensorKey, e.Key)
	}
}

func (a *Adapter) notifyBattery(rec *registry.DeviceRecord, b Battery) {
	switch b {
	case BatteryLow:
		a.registry.NotifyProperty(rec, mig.PropStatusBattery, 10)
	case BatteryOK:
		a.registry.NotifyProperty(rec, mig.PropStatusBattery, 100)
	}
}

// handleRaw publishes the bytes and (re)arms the timer that clears the
// value once frames stop arriving.
func (a *Adapter) handleRaw(e RawEvent) {
	a.emitReceiver(mig.PropReceiverRawData, formatHex(e.Data))

	a.rawMu.Lock()
	defer a.rawMu.Unlock()
	if a.rawTimer != nil {
		a.rawTimer.Stop()
	}
	a.rawTimer = time.AfterFunc(a.rawResetDelay, func() {
		a.emitReceiver(mig.PropReceiverRawData, "")
	})
}

func (a *Adapter) emitReceiver(property string, value any) {
	a.publisher.Emit(mig.PropertyChanged(mig.DomainX10, rfAddress, descReceiver, property, value))
}

func (a *Adapter) acceptsHouse(h byte) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Contains(a.houses, h)
}

func houseLevel(fn Function) float64 {
	if fn == FuncAllLightsOn {
		return 1
	}
	return 0
}

func boolLevel(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
