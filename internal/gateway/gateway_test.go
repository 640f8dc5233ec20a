package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mig/internal/history"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]func(topic string, payload []byte) error
	connected bool
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte) error),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

func (m *MockMQTTClient) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// SimulateCommand delivers a message to the command subscription.
func (m *MockMQTTClient) SimulateCommand(topic string, payload []byte) {
	m.mu.Lock()
	h := m.handlers[mqtt.Topics{}.AllCommands()]
	m.mu.Unlock()
	if h != nil {
		_ = h(topic, payload)
	}
}

// Find returns the most recent publish to topic.
func (m *MockMQTTClient) Find(topic string) (mockPublish, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.published) - 1; i >= 0; i-- {
		if m.published[i].Topic == topic {
			return m.published[i], true
		}
	}
	return mockPublish{}, false
}

// fakeInterface is a scriptable mig.Interface.
type fakeInterface struct {
	domain     string
	connectErr error

	mu        sync.Mutex
	connected bool
	closed    bool
	modules   []mig.Module
	commands  []mig.Command
	options   map[string]string
	respond   func(mig.Command) mig.Response
}

func newFakeInterface(domain string) *fakeInterface {
	return &fakeInterface{
		domain:  domain,
		options: map[string]string{"Port": "/dev/ttyUSB0"},
		modules: []mig.Module{{Domain: domain, Address: "A1", Description: "Lamp", Type: mig.TypeDimmer}},
	}
}

func (f *fakeInterface) Domain() string { return f.domain }

func (f *fakeInterface) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeInterface) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeInterface) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeInterface) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeInterface) Modules() []mig.Module {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mig.Module(nil), f.modules...)
}

func (f *fakeInterface) Control(_ context.Context, cmd mig.Command) mig.Response {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(cmd)
	}
	return mig.ResponseOk("")
}

func (f *fakeInterface) Options() []mig.Option {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []mig.Option{{Name: "Port", Value: f.options["Port"]}}
}

func (f *fakeInterface) SetOption(_ context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "Port" {
		return mig.ErrInvalidOption
	}
	f.options[name] = value
	return nil
}

func (f *fakeInterface) Stats() map[string]uint64 {
	return map[string]uint64{"modules": 1}
}

func (f *fakeInterface) Commands() []mig.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mig.Command(nil), f.commands...)
}

type fakeProperties struct {
	mu       sync.Mutex
	recorded []mig.Notification
	pruned   time.Duration
}

func (f *fakeProperties) Record(_ context.Context, n mig.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, n)
	return nil
}

func (f *fakeProperties) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = olderThan
	return 0, nil
}

func (f *fakeProperties) Recorded() []mig.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mig.Notification(nil), f.recorded...)
}

type fakeCommands struct {
	mu      sync.Mutex
	entries []history.CommandEntry
}

func (f *fakeCommands) Create(_ context.Context, e *history.CommandEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeCommands) Entries() []history.CommandEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.CommandEntry(nil), f.entries...)
}

type fakeTelemetry struct {
	mu     sync.Mutex
	points []string
	stats  map[string]map[string]uint64
}

func (f *fakeTelemetry) WriteProperty(domain, address, property string, _ float64, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, strings.Join([]string{domain, address, property}, "|"))
}

func (f *fakeTelemetry) WriteInterfaceStats(domain string, counters map[string]uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil {
		f.stats = make(map[string]map[string]uint64)
	}
	f.stats[domain] = counters
}

func (f *fakeTelemetry) Points() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.points...)
}

type rig struct {
	gw         *Gateway
	client     *MockMQTTClient
	emitter    *mig.Emitter
	x10        *fakeInterface
	zigbee     *fakeInterface
	properties *fakeProperties
	commands   *fakeCommands
	telemetry  *fakeTelemetry
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		client:     NewMockMQTTClient(),
		emitter:    mig.NewEmitter(mig.EmitterConfig{}),
		x10:        newFakeInterface(mig.DomainX10),
		zigbee:     newFakeInterface(mig.DomainZigBee),
		properties: &fakeProperties{},
		commands:   &fakeCommands{},
		telemetry:  &fakeTelemetry{},
	}
	gw, err := New(Options{
		MQTT:       r.client,
		Emitter:    r.emitter,
		Properties: r.properties,
		Commands:   r.commands,
		Telemetry:  r.telemetry,
		Version:    "test",
		Retention:  24 * time.Hour,
	})
	require.NoError(t, err)
	r.gw = gw
	require.NoError(t, gw.Register(r.x10))
	require.NoError(t, gw.Register(r.zigbee))
	t.Cleanup(func() {
		gw.Stop()
		r.emitter.Close()
	})
	return r
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	require.NoError(t, r.gw.Start(context.Background()))
}

func decodeAck(t *testing.T, p mockPublish) AckMessage {
	t.Helper()
	var ack AckMessage
	require.NoError(t, json.Unmarshal(p.Payload, &ack))
	return ack
}

func TestNewRequiresEmitter(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	r := newRig(t)

	err := r.gw.Register(newFakeInterface(mig.DomainX10))
	assert.ErrorIs(t, err, ErrDuplicateInterface)

	r.start(t)
	err = r.gw.Register(newFakeInterface("HomeAutomation.Other"))
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.ErrorIs(t, r.gw.Start(context.Background()), ErrAlreadyStarted)
}

func TestStart(t *testing.T) {
	r := newRig(t)
	r.start(t)

	assert.True(t, r.x10.IsConnected())
	assert.True(t, r.zigbee.IsConnected())
	assert.True(t, r.client.Subscribed(mqtt.Topics{}.AllCommands()))

	p, ok := r.client.Find(mqtt.Topics{}.Modules(mig.DomainX10))
	require.True(t, ok)
	assert.True(t, p.Retained)
	var mods ModulesMessage
	require.NoError(t, json.Unmarshal(p.Payload, &mods))
	assert.Equal(t, mig.DomainX10, mods.Domain)
	require.Len(t, mods.Modules, 1)
	assert.Equal(t, "A1", mods.Modules[0].Address)

	assert.Eventually(t, func() bool {
		p, ok := r.client.Find(mqtt.Topics{}.Health(mig.DomainZigBee))
		if !ok {
			return false
		}
		var h HealthMessage
		return json.Unmarshal(p.Payload, &h) == nil && h.Status == HealthHealthy
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		r.properties.mu.Lock()
		defer r.properties.mu.Unlock()
		return r.properties.pruned == 24*time.Hour
	}, time.Second, 10*time.Millisecond)
}

func TestStartToleratesConnectFailure(t *testing.T) {
	r := newRig(t)
	r.x10.connectErr = errors.New("mochad unreachable")
	r.start(t)

	assert.False(t, r.x10.IsConnected())
	assert.True(t, r.zigbee.IsConnected())

	assert.Eventually(t, func() bool {
		p, ok := r.client.Find(mqtt.Topics{}.Health(mig.DomainX10))
		if !ok {
			return false
		}
		var h HealthMessage
		return json.Unmarshal(p.Payload, &h) == nil && h.Status == HealthDegraded && h.Reason == "interface disconnected"
	}, time.Second, 10*time.Millisecond)
}

func TestStopClosesInterfaces(t *testing.T) {
	r := newRig(t)
	r.start(t)
	r.gw.Stop()

	assert.True(t, r.x10.closed)
	assert.True(t, r.zigbee.closed)
	assert.False(t, r.client.Subscribed(mqtt.Topics{}.AllCommands()))

	p, ok := r.client.Find(mqtt.Topics{}.Health(mig.DomainX10))
	require.True(t, ok)
	var h HealthMessage
	require.NoError(t, json.Unmarshal(p.Payload, &h))
	assert.Equal(t, HealthStopping, h.Status)

	// Second Stop is a no-op.
	r.gw.Stop()
}

func TestMQTTCommand(t *testing.T) {
	r := newRig(t)
	r.start(t)

	topic := mqtt.Topics{}.Command(mig.DomainX10, "A1")
	r.client.SimulateCommand(topic, []byte(`{"id":"cmd-1","command":"Control.Level","options":["50"]}`))

	ackTopic := mqtt.Topics{}.Ack(mig.DomainX10, "A1")
	require.Eventually(t, func() bool {
		_, ok := r.client.Find(ackTopic)
		return ok
	}, time.Second, 10*time.Millisecond)

	p, _ := r.client.Find(ackTopic)
	assert.False(t, p.Retained)
	ack := decodeAck(t, p)
	assert.Equal(t, "cmd-1", ack.CommandID)
	assert.Equal(t, mig.StatusOk, ack.Status)
	assert.Equal(t, "Control.Level", ack.Command)

	cmds := r.x10.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, mig.Command{Address: "A1", Command: "Control.Level", Options: []string{"50"}}, cmds[0])

	require.Eventually(t, func() bool { return len(r.commands.Entries()) == 1 }, time.Second, 10*time.Millisecond)
	entry := r.commands.Entries()[0]
	assert.Equal(t, history.SourceMQTT, entry.Source)
	assert.Equal(t, mig.DomainX10, entry.Domain)
	assert.Equal(t, mig.StatusOk, entry.Status)
}

func TestMQTTCommandGeneratesID(t *testing.T) {
	r := newRig(t)
	r.start(t)

	r.client.SimulateCommand(mqtt.Topics{}.Command(mig.DomainZigBee, "0"), []byte(`{"command":"Controller.Discovery","source":"console"}`))

	ackTopic := mqtt.Topics{}.Ack(mig.DomainZigBee, "0")
	require.Eventually(t, func() bool {
		_, ok := r.client.Find(ackTopic)
		return ok
	}, time.Second, 10*time.Millisecond)

	p, _ := r.client.Find(ackTopic)
	assert.NotEmpty(t, decodeAck(t, p).CommandID)

	require.Eventually(t, func() bool { return len(r.commands.Entries()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "console", r.commands.Entries()[0].Source)
}

func TestMQTTCommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		payload  string
		wantCode string
	}{
		{"malformed JSON", mqtt.Topics{}.Command(mig.DomainX10, "A1"), `{`, CodeInvalidPayload},
		{"schema violation", mqtt.Topics{}.Command(mig.DomainX10, "A1"), `{"command":"on"}`, CodeInvalidPayload},
		{"unknown domain", mqtt.Topics{}.Command("HomeAutomation.Nope", "A1"), `{"command":"Control.On"}`, CodeUnknownInterface},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			r.start(t)

			r.client.SimulateCommand(tt.topic, []byte(tt.payload))

			_, domain, address, ok := mqtt.ParseTopic(tt.topic)
			require.True(t, ok)
			ackTopic := mqtt.Topics{}.Ack(domain, address)
			require.Eventually(t, func() bool {
				_, ok := r.client.Find(ackTopic)
				return ok
			}, time.Second, 10*time.Millisecond)

			p, _ := r.client.Find(ackTopic)
			ack := decodeAck(t, p)
			assert.Equal(t, mig.StatusError, ack.Status)
			assert.Equal(t, tt.wantCode, ack.Code)
			assert.Empty(t, r.x10.Commands())
		})
	}
}

func TestCommandBurstIsBounded(t *testing.T) {
	r := newRig(t)
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	// Runs before the rig's Stop.
	t.Cleanup(unblock)

	var calls atomic.Int32
	r.x10.respond = func(mig.Command) mig.Response {
		calls.Add(1)
		<-release
		return mig.ResponseOk("")
	}
	r.start(t)
	baseline := runtime.NumGoroutine()

	send := func(address string) {
		r.client.SimulateCommand(mqtt.Topics{}.Command(mig.DomainX10, address),
			[]byte(fmt.Sprintf(`{"id":%q,"command":"Control.On"}`, address)))
	}
	for i := range maxInflight {
		send(fmt.Sprintf("A%d", i))
	}
	require.Eventually(t, func() bool { return calls.Load() == maxInflight }, time.Second, 5*time.Millisecond)
	for i := range commandQueueSize {
		send(fmt.Sprintf("B%d", i))
	}

	const overflow = 200
	for i := range overflow {
		send(fmt.Sprintf("C%d", i))
	}
	for i := range overflow {
		p, ok := r.client.Find(mqtt.Topics{}.Ack(mig.DomainX10, fmt.Sprintf("C%d", i)))
		require.True(t, ok, "overflow command %d is acked at once", i)
		ack := decodeAck(t, p)
		assert.Equal(t, CodeBusy, ack.Code)
		assert.Equal(t, mig.StatusError, ack.Status)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), baseline+4, "a burst does not start goroutines")
	assert.Len(t, r.x10.Commands(), maxInflight, "only the workers are executing")

	unblock()
	last := mqtt.Topics{}.Ack(mig.DomainX10, fmt.Sprintf("B%d", commandQueueSize-1))
	require.Eventually(t, func() bool {
		_, ok := r.client.Find(last)
		return ok && len(r.x10.Commands()) == maxInflight+commandQueueSize
	}, 2*time.Second, 10*time.Millisecond)
	p, _ := r.client.Find(last)
	assert.Equal(t, mig.StatusOk, decodeAck(t, p).Status)
}

func TestControlErrorIsAcked(t *testing.T) {
	r := newRig(t)
	r.x10.respond = func(mig.Command) mig.Response {
		return mig.ResponseError(mig.ErrUnknownAddress)
	}
	r.start(t)

	r.client.SimulateCommand(mqtt.Topics{}.Command(mig.DomainX10, "Z9"), []byte(`{"id":"x","command":"Control.On"}`))

	ackTopic := mqtt.Topics{}.Ack(mig.DomainX10, "Z9")
	require.Eventually(t, func() bool {
		_, ok := r.client.Find(ackTopic)
		return ok
	}, time.Second, 10*time.Millisecond)
	p, _ := r.client.Find(ackTopic)
	ack := decodeAck(t, p)
	assert.Equal(t, mig.StatusError, ack.Status)
	assert.Equal(t, "UNKNOWN_ADDRESS", ack.Code)
}

func TestPropertyNotification(t *testing.T) {
	r := newRig(t)
	r.start(t)

	r.emitter.Emit(mig.PropertyChanged(mig.DomainX10, "A1", "Lamp", mig.PropStatusLevel, 0.5))
	r.emitter.Emit(mig.PropertyChanged(mig.DomainX10, "A1", "Lamp", mig.PropReceiverRawData, "not numeric"))

	stateTopic := mqtt.Topics{}.State(mig.DomainX10, "A1")
	require.Eventually(t, func() bool { return len(r.properties.Recorded()) == 2 }, time.Second, 10*time.Millisecond)

	p, ok := r.client.Find(stateTopic)
	require.True(t, ok)
	assert.True(t, p.Retained)
	var state StateMessage
	require.NoError(t, json.Unmarshal(p.Payload, &state))
	assert.Equal(t, mig.PropReceiverRawData, state.Property)

	assert.Equal(t, []string{mig.DomainX10 + "|A1|" + mig.PropStatusLevel}, r.telemetry.Points())
}

func TestModulesChangedNotification(t *testing.T) {
	r := newRig(t)
	r.start(t)

	r.zigbee.mu.Lock()
	r.zigbee.modules = append(r.zigbee.modules, mig.Module{Domain: mig.DomainZigBee, Address: "00158D0001A2B3C4", Type: mig.TypeColor})
	r.zigbee.mu.Unlock()
	r.emitter.Emit(mig.ModulesChanged(mig.DomainZigBee))

	topic := mqtt.Topics{}.Modules(mig.DomainZigBee)
	assert.Eventually(t, func() bool {
		p, ok := r.client.Find(topic)
		if !ok {
			return false
		}
		var mods ModulesMessage
		return json.Unmarshal(p.Payload, &mods) == nil && len(mods.Modules) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestNotificationsSkippedWhileMQTTDown(t *testing.T) {
	r := newRig(t)
	r.start(t)
	r.client.SetConnected(false)

	r.emitter.Emit(mig.PropertyChanged(mig.DomainX10, "B2", "", mig.PropStatusLevel, 1.0))

	require.Eventually(t, func() bool { return len(r.properties.Recorded()) == 1 }, time.Second, 10*time.Millisecond)
	_, ok := r.client.Find(mqtt.Topics{}.State(mig.DomainX10, "B2"))
	assert.False(t, ok)
}

func TestExecute(t *testing.T) {
	r := newRig(t)
	r.start(t)

	resp, err := r.gw.Execute(context.Background(), mig.DomainX10, mig.Command{Address: "A1", Command: "Control.Off"}, history.SourceAPI)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	entries := r.commands.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, history.SourceAPI, entries[0].Source)

	_, err = r.gw.Execute(context.Background(), "HomeAutomation.Nope", mig.Command{Address: "A1", Command: "Control.Off"}, history.SourceAPI)
	assert.ErrorIs(t, err, ErrUnknownInterface)
}

func TestInterfacesAndModules(t *testing.T) {
	r := newRig(t)
	r.start(t)

	infos := r.gw.Interfaces()
	require.Len(t, infos, 2)
	assert.Equal(t, mig.DomainX10, infos[0].Domain)
	assert.Equal(t, mig.DomainZigBee, infos[1].Domain)
	assert.True(t, infos[0].Connected)
	assert.Equal(t, 1, infos[0].Modules)
	assert.Equal(t, uint64(1), infos[0].Stats["modules"])

	mods, err := r.gw.Modules(mig.DomainZigBee)
	require.NoError(t, err)
	assert.Len(t, mods, 1)

	_, err = r.gw.Modules("nope")
	assert.ErrorIs(t, err, ErrUnknownInterface)
}

func TestSetOption(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.gw.SetOption(context.Background(), mig.DomainX10, "Port", "/dev/ttyUSB1"))
	assert.Equal(t, "/dev/ttyUSB1", r.x10.Options()[0].Value)

	assert.ErrorIs(t, r.gw.SetOption(context.Background(), mig.DomainX10, "Bogus", "1"), mig.ErrInvalidOption)
	assert.ErrorIs(t, r.gw.SetOption(context.Background(), "nope", "Port", "x"), ErrUnknownInterface)
}
