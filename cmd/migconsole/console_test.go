package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mig/internal/gateway"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]func(string, []byte) error
	publishErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]func(string, []byte) error)}
}

func (f *fakeClient) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{topic: topic, payload: payload})
	return nil
}

func (f *fakeClient) Subscribe(topic string, _ byte, handler func(string, []byte) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeClient) deliver(t *testing.T, topic string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", topic)
	require.NoError(t, h(topic, payload))
}

func (f *fakeClient) lastCommand(t *testing.T) (string, gateway.CommandMessage) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.published)
	last := f.published[len(f.published)-1]
	var msg gateway.CommandMessage
	require.NoError(t, json.Unmarshal(last.payload, &msg))
	return last.topic, msg
}

func newTestConsole(t *testing.T) (*Console, *fakeClient, *bytes.Buffer) {
	t.Helper()
	client := newFakeClient()
	out := &bytes.Buffer{}
	c := NewConsole(client, out)
	require.NoError(t, c.Subscribe())
	return c, client, out
}

func TestConsole_Subscribe(t *testing.T) {
	_, client, _ := newTestConsole(t)

	assert.Contains(t, client.handlers, "graylogic/ack/+/+")
	assert.Contains(t, client.handlers, "graylogic/state/+/+")
	assert.Contains(t, client.handlers, "graylogic/modules/+")
	assert.Contains(t, client.handlers, "graylogic/health/+")
}

func TestConsole_Send(t *testing.T) {
	c, client, out := newTestConsole(t)

	assert.False(t, c.Execute("send A1 Control.Level 50"))

	topic, msg := client.lastCommand(t)
	assert.Equal(t, "graylogic/command/HomeAutomation.X10/A1", topic)
	assert.Equal(t, mig.CmdControlLevel, msg.Command)
	assert.Equal(t, []string{"50"}, msg.Options)
	assert.Equal(t, consoleSource, msg.Source)
	assert.NotEmpty(t, msg.ID)
	assert.Contains(t, out.String(), "-> A1 Control.Level 50")
}

func TestConsole_Shorthands(t *testing.T) {
	tests := []struct {
		line    string
		command string
		options []string
	}{
		{"on B2", mig.CmdControlOn, nil},
		{"off B2", mig.CmdControlOff, nil},
		{"toggle B2", mig.CmdControlToggle, nil},
		{"level B2 30", mig.CmdControlLevel, []string{"30"}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, client, _ := newTestConsole(t)
			c.Execute(tt.line)

			topic, msg := client.lastCommand(t)
			assert.Equal(t, "graylogic/command/HomeAutomation.X10/B2", topic)
			assert.Equal(t, tt.command, msg.Command)
			assert.Equal(t, tt.options, msg.Options)
		})
	}
}

func TestConsole_Use(t *testing.T) {
	c, client, out := newTestConsole(t)

	c.Execute("use zigbee")
	assert.Equal(t, mig.DomainZigBee, c.Domain())
	assert.Contains(t, out.String(), "Using HomeAutomation.ZigBee")

	c.Execute("on 0x00124b0012345678")
	topic, _ := client.lastCommand(t)
	assert.Equal(t, "graylogic/command/HomeAutomation.ZigBee/0x00124b0012345678", topic)

	c.Execute("use Custom.Domain")
	assert.Equal(t, "Custom.Domain", c.Domain())

	out.Reset()
	c.Execute("use")
	assert.Contains(t, out.String(), "Current interface: Custom.Domain")
}

func TestConsole_UsageErrors(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"send A1", "Usage: send"},
		{"on", "Usage: on <address>"},
		{"level A1", "Usage: level"},
		{"frobnicate", "Unknown command: frobnicate"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, client, out := newTestConsole(t)
			c.Execute(tt.line)
			assert.Contains(t, out.String(), tt.want)
			assert.Empty(t, client.published)
		})
	}
}

func TestConsole_PublishFailure(t *testing.T) {
	c, client, out := newTestConsole(t)
	client.publishErr = errors.New("not connected")

	c.Execute("on A1")

	assert.Contains(t, out.String(), "Publish failed: not connected")
	assert.Empty(t, c.pending)
}

func TestConsole_Ack(t *testing.T) {
	c, client, out := newTestConsole(t)
	c.Execute("on A1")
	_, msg := client.lastCommand(t)

	// Acks for commands sent by someone else are ignored.
	client.deliver(t, "graylogic/ack/+/+", gateway.AckMessage{CommandID: "other", Status: mig.StatusOk})
	assert.NotContains(t, out.String(), "<-")

	client.deliver(t, "graylogic/ack/+/+", gateway.AckMessage{
		CommandID: msg.ID,
		Status:    mig.StatusError,
		Code:      "NOT_CONNECTED",
		Message:   "interface not connected",
	})
	assert.Contains(t, out.String(), "<- A1 Control.On: Error NOT_CONNECTED: interface not connected")
	assert.Empty(t, c.pending)
}

func TestConsole_Watch(t *testing.T) {
	c, client, out := newTestConsole(t)
	state := gateway.StateMessage{
		Domain:    mig.DomainX10,
		Address:   "A1",
		Property:  mig.PropStatusLevel,
		Value:     0.5,
		Timestamp: time.Now(),
	}

	client.deliver(t, "graylogic/state/+/+", state)
	assert.NotContains(t, out.String(), "Status.Level")

	c.Execute("watch on")
	client.deliver(t, "graylogic/state/+/+", state)
	assert.Contains(t, out.String(), "HomeAutomation.X10 A1 Status.Level = 0.5")

	c.Execute("watch off")
	out.Reset()
	client.deliver(t, "graylogic/state/+/+", state)
	assert.Empty(t, out.String())
}

func TestConsole_ModulesAndHealth(t *testing.T) {
	c, client, out := newTestConsole(t)

	c.Execute("modules")
	assert.Contains(t, out.String(), "No module list received")
	c.Execute("health")
	assert.Contains(t, out.String(), "No health received yet")

	client.deliver(t, "graylogic/modules/+", gateway.ModulesMessage{
		Domain: mig.DomainX10,
		Modules: []mig.Module{
			{Domain: mig.DomainX10, Address: "A1", Type: mig.TypeDimmer, Level: 0.25},
		},
	})
	client.deliver(t, "graylogic/health/+", gateway.HealthMessage{
		Domain: mig.DomainX10,
		Status: gateway.HealthDegraded,
		Reason: "interface disconnected",
	})

	out.Reset()
	c.Execute("modules")
	assert.Contains(t, out.String(), "HomeAutomation.X10 (1 modules)")
	assert.Contains(t, out.String(), "A1")
	assert.Contains(t, out.String(), "Dimmer")

	out.Reset()
	c.Execute("health")
	assert.True(t, strings.Contains(out.String(), "degraded"))
	assert.Contains(t, out.String(), "(interface disconnected)")
}

func TestConsole_Quit(t *testing.T) {
	c, _, _ := newTestConsole(t)
	assert.False(t, c.Execute(""))
	assert.False(t, c.Execute("help"))
	assert.True(t, c.Execute("quit"))
	assert.True(t, c.Execute("exit"))
}

func TestPromptFor(t *testing.T) {
	assert.Equal(t, "mig:x10> ", promptFor(mig.DomainX10))
	assert.Equal(t, "mig:zigbee> ", promptFor(mig.DomainZigBee))
	assert.Equal(t, "mig:custom> ", promptFor("custom"))
}
