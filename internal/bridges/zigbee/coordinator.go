package zigbee

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBaseTopic is the zigbee2mqtt default base topic.
const DefaultBaseTopic = "zigbee2mqtt"

const requestQoS = 1

// MQTTClient is the subset of the shared MQTT client the coordinator needs.
// *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Logger is the logging interface used by the package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Coordinator is the ZigBee network as seen by the adapter.
//
// Addresses passed to and reported by a Coordinator are canonical IEEE
// addresses (see NormalizeAddress).
type Coordinator interface {
	Start(ctx context.Context) error
	Stop() error
	IsOnline() bool
	SetOnEvent(handler func(Event))

	// PermitJoin opens the network for seconds; 0 closes it.
	PermitJoin(ctx context.Context, seconds int) error
	RemoveDevice(ctx context.Context, address string) error
	Restart(ctx context.Context) error
	RefreshDevices(ctx context.Context) error
	// Configure changes the radio serial port and adapter driver. It takes
	// effect after Restart.
	Configure(ctx context.Context, port, driver string) error

	Set(ctx context.Context, address string, payload map[string]any) error
	Get(ctx context.Context, address string, payload map[string]any) error

	Stats() CoordinatorStats
}

// CoordinatorStats holds coordinator counters.
type CoordinatorStats struct {
	MessagesRx  uint64
	RequestsTx  uint64
	ParseErrors uint64
}

// Device is one entry of the zigbee2mqtt bridge/devices list.
type Device struct {
	IEEEAddress        string              `json:"ieee_address"`
	FriendlyName       string              `json:"friendly_name"`
	Type               string              `json:"type"`
	Manufacturer       string              `json:"manufacturer"`
	ModelID            string              `json:"model_id"`
	Supported          bool                `json:"supported"`
	InterviewCompleted bool                `json:"interview_completed"`
	Endpoints          map[string]Endpoint `json:"endpoints"`
}

// Endpoint lists the clusters of one device endpoint.
type Endpoint struct {
	Clusters struct {
		Input  []string `json:"input"`
		Output []string `json:"output"`
	} `json:"clusters"`
}

// Device types reported by zigbee2mqtt.
const (
	DeviceCoordinator = "Coordinator"
	DeviceRouter      = "Router"
	DeviceEndDevice   = "EndDevice"
)

// Registrable reports whether the device is listed as a module. The
// coordinator and unknown device types are not.
func (d Device) Registrable() bool {
	return d.Type == DeviceRouter || d.Type == DeviceEndDevice
}

// InputClusters returns the distinct input clusters of every endpoint, sorted.
func (d Device) InputClusters() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ep := range d.Endpoints {
		for _, c := range ep.Clusters.Input {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Event is something reported by the coordinator.
type Event interface {
	event()
}

// DevicesEvent carries the full device list. It is sent on start and
// whenever a device joins, leaves or finishes its interview.
type DevicesEvent struct {
	Devices []Device
}

// JoinEvent is sent when a device joins the network.
type JoinEvent struct {
	Address string
}

// AnnounceEvent is sent when a device announces itself after a power cycle.
type AnnounceEvent struct {
	Address string
}

// LeaveEvent is sent when a device leaves or is removed.
type LeaveEvent struct {
	Address string
}

// BridgeStateEvent reports zigbee2mqtt going online or offline.
type BridgeStateEvent struct {
	Online bool
}

// ReportEvent carries a device state message.
type ReportEvent struct {
	Address string
	Values  map[string]any
}

func (DevicesEvent) event()     {}
func (JoinEvent) event()        {}
func (AnnounceEvent) event()    {}
func (LeaveEvent) event()       {}
func (BridgeStateEvent) event() {}
func (ReportEvent) event()      {}

// MQTTCoordinator is a Coordinator backed by zigbee2mqtt.
type MQTTCoordinator struct {
	client MQTTClient
	base   string
	logger Logger

	mu      sync.RWMutex
	onEvent func(Event)
	online  bool
	started bool
	// byName maps friendly names to IEEE addresses, byAddress the reverse.
	byName    map[string]string
	byAddress map[string]string

	messagesRx  atomic.Uint64
	requestsTx  atomic.Uint64
	parseErrors atomic.Uint64
}

var _ Coordinator = (*MQTTCoordinator)(nil)

// NewMQTTCoordinator creates a coordinator for the zigbee2mqtt instance
// publishing under baseTopic.
func NewMQTTCoordinator(client MQTTClient, baseTopic string, logger Logger) *MQTTCoordinator {
	baseTopic = strings.TrimSuffix(strings.TrimSpace(baseTopic), "/")
	if baseTopic == "" {
		baseTopic = DefaultBaseTopic
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTCoordinator{
		client:    client,
		base:      baseTopic,
		logger:    logger,
		byName:    make(map[string]string),
		byAddress: make(map[string]string),
	}
}

// BaseTopic returns the zigbee2mqtt base topic.
func (c *MQTTCoordinator) BaseTopic() string {
	return c.base
}

// SetOnEvent sets the event handler. It is called on the MQTT client's
// delivery goroutine.
func (c *MQTTCoordinator) SetOnEvent(handler func(Event)) {
	c.mu.Lock()
	c.onEvent = handler
	c.mu.Unlock()
}

// Start subscribes to the base topic. The retained bridge state and
// device list arrive right after.
func (c *MQTTCoordinator) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	if err := c.client.Subscribe(c.wildcard(), requestQoS, c.handleMessage); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.logger.Info("zigbee2mqtt coordinator started", "base_topic", c.base)
	return nil
}

// Stop unsubscribes and marks the coordinator offline.
func (c *MQTTCoordinator) Stop() error {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.online = false
	c.mu.Unlock()

	if !started {
		return nil
	}
	if err := c.client.Unsubscribe(c.wildcard()); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", c.wildcard(), err)
	}
	return nil
}

// IsOnline reports whether the broker is connected and zigbee2mqtt has
// announced itself online.
func (c *MQTTCoordinator) IsOnline() bool {
	c.mu.RLock()
	online := c.started && c.online
	c.mu.RUnlock()
	return online && c.client.IsConnected()
}

// PermitJoin opens or closes the network for new devices.
func (c *MQTTCoordinator) PermitJoin(ctx context.Context, seconds int) error {
	payload := map[string]any{"value": seconds > 0}
	if seconds > 0 {
		payload["time"] = seconds
	}
	return c.request(ctx, "permit_join", payload)
}

// RemoveDevice asks zigbee2mqtt to remove the device from the network.
func (c *MQTTCoordinator) RemoveDevice(ctx context.Context, address string) error {
	return c.request(ctx, "device/remove", map[string]any{"id": ieeeIdentifier(address), "force": false})
}

// Restart restarts zigbee2mqtt.
func (c *MQTTCoordinator) Restart(ctx context.Context) error {
	return c.request(ctx, "restart", map[string]any{})
}

// RefreshDevices resubscribes so the broker replays the retained device list.
func (c *MQTTCoordinator) RefreshDevices(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	if err := c.client.Unsubscribe(c.wildcard()); err != nil {
		c.logger.Warn("zigbee2mqtt unsubscribe failed", "error", err)
	}
	if err := c.client.Subscribe(c.wildcard(), requestQoS, c.handleMessage); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Configure sets the serial port and adapter driver of the coordinator radio.
func (c *MQTTCoordinator) Configure(ctx context.Context, port, driver string) error {
	serial := map[string]any{}
	if port != "" {
		serial["port"] = port
	}
	if driver != "" {
		serial["adapter"] = driver
	}
	if len(serial) == 0 {
		return nil
	}
	return c.request(ctx, "options", map[string]any{"options": map[string]any{"serial": serial}})
}

// Set publishes a state change to a device.
func (c *MQTTCoordinator) Set(ctx context.Context, address string, payload map[string]any) error {
	return c.publish(ctx, c.deviceTopic(address)+"/set", payload)
}

// Get asks a device to report the listed attributes.
func (c *MQTTCoordinator) Get(ctx context.Context, address string, payload map[string]any) error {
	return c.publish(ctx, c.deviceTopic(address)+"/get", payload)
}

// Stats returns the coordinator counters.
func (c *MQTTCoordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		MessagesRx:  c.messagesRx.Load(),
		RequestsTx:  c.requestsTx.Load(),
		ParseErrors: c.parseErrors.Load(),
	}
}

func (c *MQTTCoordinator) wildcard() string {
	return c.base + "/#"
}

// deviceTopic prefers the friendly name, which is what zigbee2mqtt
// publishes state under; the IEEE identifier is accepted too.
func (c *MQTTCoordinator) deviceTopic(address string) string {
	c.mu.RLock()
	name, ok := c.byAddress[address]
	c.mu.RUnlock()
	if !ok || name == "" {
		name = ieeeIdentifier(address)
	}
	return c.base + "/" + name
}

func (c *MQTTCoordinator) request(ctx context.Context, name string, payload any) error {
	return c.publish(ctx, c.base+"/bridge/request/"+name, payload)
}

func (c *MQTTCoordinator) publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", topic, err)
	}
	if err := c.client.Publish(topic, data, requestQoS, false); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	c.requestsTx.Add(1)
	return nil
}

// handleMessage routes one message below the base topic.
func (c *MQTTCoordinator) handleMessage(topic string, payload []byte) error {
	rel, ok := strings.CutPrefix(topic, c.base+"/")
	if !ok {
		return nil
	}
	c.messagesRx.Add(1)

	var (
		ev  Event
		err error
	)
	switch rel {
	case "bridge/state":
		ev = BridgeStateEvent{Online: parseBridgeState(payload)}
		c.mu.Lock()
		c.online = ev.(BridgeStateEvent).Online
		c.mu.Unlock()
	case "bridge/devices":
		ev, err = c.parseDevices(payload)
	case "bridge/event":
		ev, err = parseBridgeEvent(payload)
	case "bridge/response/device/remove":
		ev, err = parseRemoveResponse(payload)
	default:
		if strings.HasPrefix(rel, "bridge/") {
			return nil
		}
		ev, err = c.parseReport(rel, payload)
	}

	if err != nil {
		c.parseErrors.Add(1)
		c.logger.Debug("zigbee2mqtt message ignored", "topic", topic, "error", err)
		return nil
	}
	if ev != nil {
		c.dispatch(ev)
	}
	return nil
}

func (c *MQTTCoordinator) dispatch(ev Event) {
	c.mu.RLock()
	handler := c.onEvent
	c.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

func (c *MQTTCoordinator) parseDevices(payload []byte) (Event, error) {
	var devices []Device
	if err := json.Unmarshal(payload, &devices); err != nil {
		return nil, fmt.Errorf("decoding device list: %w", err)
	}

	byName := make(map[string]string, len(devices))
	byAddress := make(map[string]string, len(devices))
	valid := devices[:0]
	for _, d := range devices {
		addr, err := NormalizeAddress(d.IEEEAddress)
		if err != nil {
			continue
		}
		d.IEEEAddress = addr
		if d.FriendlyName != "" {
			byName[d.FriendlyName] = addr
			byAddress[addr] = d.FriendlyName
		}
		valid = append(valid, d)
	}

	c.mu.Lock()
	c.byName = byName
	c.byAddress = byAddress
	c.mu.Unlock()

	return DevicesEvent{Devices: valid}, nil
}

// parseReport decodes {base}/{friendly_name}. Subtopics such as /set,
// /get and /availability do not resolve to a device and are skipped.
func (c *MQTTCoordinator) parseReport(name string, payload []byte) (Event, error) {
	c.mu.RLock()
	addr, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok {
		normalized, err := NormalizeAddress(name)
		if err != nil {
			return nil, nil //nolint:nilnil // not a device topic
		}
		addr = normalized
	}

	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil, fmt.Errorf("decoding state of %s: %w", name, err)
	}
	if len(values) == 0 {
		return nil, nil //nolint:nilnil // empty report
	}
	return ReportEvent{Address: addr, Values: values}, nil
}

// parseBridgeState accepts both the JSON and the legacy plain text form.
func parseBridgeState(payload []byte) bool {
	var state struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(payload, &state); err == nil && state.State != "" {
		return state.State == "online"
	}
	return strings.TrimSpace(string(payload)) == "online"
}

func parseBridgeEvent(payload []byte) (Event, error) {
	var msg struct {
		Type string `json:"type"`
		Data struct {
			IEEEAddress string `json:"ieee_address"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decoding bridge event: %w", err)
	}

	addr, err := NormalizeAddress(msg.Data.IEEEAddress)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case "device_joined":
		return JoinEvent{Address: addr}, nil
	case "device_announce":
		return AnnounceEvent{Address: addr}, nil
	case "device_leave":
		return LeaveEvent{Address: addr}, nil
	default:
		return nil, nil //nolint:nilnil // interview progress is picked up from the device list
	}
}

func parseRemoveResponse(payload []byte) (Event, error) {
	var msg struct {
		Status string `json:"status"`
		Data   struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decoding remove response: %w", err)
	}
	if msg.Status != "ok" {
		return nil, nil //nolint:nilnil // failed removals are left to the timeout
	}
	addr, err := NormalizeAddress(msg.Data.ID)
	if err != nil {
		return nil, err
	}
	return LeaveEvent{Address: addr}, nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
