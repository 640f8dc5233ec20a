package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

func lastHealth(t *testing.T, client *MockMQTTClient, domain string) HealthMessage {
	t.Helper()
	p, ok := client.Find(mqtt.Topics{}.Health(domain))
	require.True(t, ok, "no health published")
	assert.True(t, p.Retained)
	assert.Equal(t, byte(1), p.QoS)
	var msg HealthMessage
	require.NoError(t, json.Unmarshal(p.Payload, &msg))
	return msg
}

func TestHealthReporterStatus(t *testing.T) {
	client := NewMockMQTTClient()
	iface := newFakeInterface(mig.DomainX10)
	require.NoError(t, iface.Connect(context.Background()))

	h := NewHealthReporter(HealthReporterConfig{Interface: iface, Version: "1.2.3", Publisher: client})

	require.NoError(t, h.PublishStarting())
	msg := lastHealth(t, client, mig.DomainX10)
	assert.Equal(t, HealthStarting, msg.Status)
	assert.Equal(t, "1.2.3", msg.Version)

	require.NoError(t, h.PublishNow())
	msg = lastHealth(t, client, mig.DomainX10)
	assert.Equal(t, HealthHealthy, msg.Status)
	assert.Empty(t, msg.Reason)
	assert.Equal(t, 1, msg.Modules)
	assert.Equal(t, uint64(1), msg.Stats["modules"])

	require.NoError(t, iface.Disconnect())
	require.NoError(t, h.PublishNow())
	msg = lastHealth(t, client, mig.DomainX10)
	assert.Equal(t, HealthDegraded, msg.Status)
	assert.Equal(t, "interface disconnected", msg.Reason)
}

func TestHealthReporterMQTTDisconnected(t *testing.T) {
	client := NewMockMQTTClient()
	iface := newFakeInterface(mig.DomainZigBee)
	h := NewHealthReporter(HealthReporterConfig{Interface: iface, Publisher: client})

	client.SetConnected(false)
	status, reason := h.determineStatus()
	assert.Equal(t, HealthDegraded, status)
	assert.Equal(t, "MQTT disconnected", reason)
}

func TestHealthReporterLoop(t *testing.T) {
	client := NewMockMQTTClient()
	iface := newFakeInterface(mig.DomainX10)

	var mu sync.Mutex
	reports := 0
	h := NewHealthReporter(HealthReporterConfig{
		Interface: iface,
		Interval:  20 * time.Millisecond,
		Publisher: client,
		OnReport: func(domain string, stats map[string]uint64) {
			assert.Equal(t, mig.DomainX10, domain)
			mu.Lock()
			reports++
			mu.Unlock()
		},
	})

	h.Start(context.Background())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reports >= 3
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
	assert.Equal(t, HealthStopping, lastHealth(t, client, mig.DomainX10).Status)
}

func TestHealthReporterWithoutPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{Interface: newFakeInterface(mig.DomainX10)})
	assert.NoError(t, h.PublishNow())
	assert.Equal(t, DefaultHealthInterval, h.interval)
}
