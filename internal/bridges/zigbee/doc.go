// Package zigbee implements the HomeAutomation.ZigBee interface.
//
// The ZigBee network is run by zigbee2mqtt. The adapter never touches the
// coordinator radio: it subscribes to the zigbee2mqtt base topic on the
// shared MQTT broker, learns the paired devices from the retained
// bridge/devices list, and sends commands as JSON to {base}/{device}/set.
//
// Modules are addressed by their IEEE address in upper case hex without the
// 0x prefix, e.g. 00158D0001A2B3C4. The controller itself is address "0" and
// accepts the network management commands (NodeAdd, NodeRemove, SoftReset,
// Discovery).
//
// Module types are inferred from the input clusters a device exposes and are
// never overwritten once known.
package zigbee
