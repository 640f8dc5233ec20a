package zigbee

import (
	"github.com/nerrad567/gray-logic-mig/internal/mig"
	"github.com/nerrad567/gray-logic-mig/internal/registry"
)

// handleEvent translates a coordinator event. It runs on the MQTT
// delivery goroutine.
func (a *Adapter) handleEvent(ev Event) {
	switch e := ev.(type) {
	case DevicesEvent:
		a.handleDevices(e.Devices)
	case JoinEvent:
		a.registry.AddOrGet(e.Address, mig.TypeGeneric, descNode)
		a.controllerStatus("Added node " + e.Address)
		a.joined.fire(e.Address)
	case AnnounceEvent:
		a.controllerStatus("Announce node " + e.Address)
	case LeaveEvent:
		a.removeNode(e.Address)
		a.left.fire(e.Address)
	case BridgeStateEvent:
		a.logger.Info("zigbee2mqtt bridge state", "online", e.Online)
	case ReportEvent:
		a.handleReport(e)
	}
}

// handleDevices registers routers and end devices and classifies them from
// their clusters.
func (a *Adapter) handleDevices(devices []Device) {
	nodes := make(map[string]nodeInfo, len(devices))
	for _, d := range devices {
		if !d.Registrable() {
			continue
		}
		nodes[d.IEEEAddress] = nodeInfo{
			manufacturer: d.Manufacturer,
			model:        d.ModelID,
			endpoints:    len(d.Endpoints),
		}
		rec, _ := a.registry.AddOrGet(d.IEEEAddress, mig.TypeGeneric, descNode)
		if t := probeType(d.InputClusters()); rec.Classify(t) {
			a.logger.Debug("zigbee node classified", "address", d.IEEEAddress, "type", t.String())
		}
	}

	a.mu.Lock()
	a.nodes = nodes
	a.mu.Unlock()
}

func (a *Adapter) removeNode(address string) {
	if !a.registry.Remove(address) {
		return
	}
	a.mu.Lock()
	delete(a.nodes, address)
	a.mu.Unlock()
	a.controllerStatus("Removed node " + address)
}

func (a *Adapter) controllerStatus(message string) {
	a.publisher.Emit(mig.PropertyChanged(mig.DomainZigBee, ControllerAddress, descController, mig.PropControllerStatus, message))
}

// handleReport maps a device state message onto module properties. Reports
// from nodes that are not registered are ignored.
func (a *Adapter) handleReport(e ReportEvent) {
	rec, ok := a.registry.Find(e.Address)
	if !ok {
		a.logger.Debug("zigbee report from unknown node", "address", e.Address)
		return
	}
	v := e.Values

	state, hasState := v["state"].(string)
	if b, ok := number(v["brightness"]); ok {
		level := b / maxBrightness
		if hasState && state == "OFF" {
			level = 0
		}
		a.level(rec, level)
	} else if hasState {
		a.level(rec, onOff(state == "ON"))
	}

	if occupied, ok := v["occupancy"].(bool); ok {
		a.level(rec, onOff(occupied))
	}
	// contact is true while closed.
	if closed, ok := v["contact"].(bool); ok {
		a.level(rec, onOff(!closed))
	}

	a.numeric(rec, v, "temperature", mig.PropSensorTemperature)
	a.numeric(rec, v, "humidity", mig.PropSensorHumidity)
	if !a.numeric(rec, v, "illuminance_lux", mig.PropSensorLuminance) {
		a.numeric(rec, v, "illuminance", mig.PropSensorLuminance)
	}
	if tamper, ok := v["tamper"].(bool); ok {
		a.registry.NotifyProperty(rec, mig.PropSensorTamper, int(onOff(tamper)))
	}
	a.numeric(rec, v, "battery", mig.PropStatusBattery)
	a.numeric(rec, v, "power", mig.PropMeterWatts)
	a.numeric(rec, v, "energy", mig.PropMeterKilowattHour)
}

func (a *Adapter) level(rec *registry.DeviceRecord, level float64) {
	a.registry.NotifyProperty(rec, mig.PropStatusLevel, rec.SetLevel(level))
}

func (a *Adapter) numeric(rec *registry.DeviceRecord, values map[string]any, key, property string) bool {
	n, ok := number(values[key])
	if !ok {
		return false
	}
	a.registry.NotifyProperty(rec, property, n)
	return true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func onOff(on bool) float64 {
	if on {
		return 1
	}
	return 0
}
