package x10

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMochad accepts connections and hands them to the test.
type fakeMochad struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeMochad(t *testing.T) *fakeMochad {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &fakeMochad{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			m.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return m
}

func (m *fakeMochad) url() string {
	return "tcp://" + m.ln.Addr().String()
}

func (m *fakeMochad) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-m.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection from client")
		return nil
	}
}

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		in          string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{in: "", wantNetwork: "tcp", wantAddress: "localhost:1099"},
		{in: "tcp://10.0.0.5:1099", wantNetwork: "tcp", wantAddress: "10.0.0.5:1099"},
		{in: "tcp://", wantNetwork: "tcp", wantAddress: "localhost:1099"},
		{in: "mochad.lan:1099", wantNetwork: "tcp", wantAddress: "mochad.lan:1099"},
		{in: "unix:///run/mochad.sock", wantNetwork: "unix", wantAddress: "/run/mochad.sock"},
		{in: "http://localhost:1099", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			network, address, err := parseConnectionURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNetwork, network)
			assert.Equal(t, tt.wantAddress, address)
		})
	}
}

func TestMochadClient_ReceiveAndSend(t *testing.T) {
	server := newFakeMochad(t)

	client, err := DialMochad(context.Background(), MochadConfig{Connection: server.url()}, nil)
	require.NoError(t, err)
	defer client.Close()

	events := make(chan Event, 4)
	client.SetOnEvent(func(ev Event) { events <- ev })

	conn := server.accept(t)
	_, err = conn.Write([]byte("05/22 00:34:10 Tx PL HouseUnit: A1\n" +
		"05/22 00:34:10 Rx RF HouseUnit: A1 Func: On\n"))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, UnitEvent{Medium: MediumRF, Address: Address{'A', 1}, Func: FuncOn}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	require.NoError(t, client.Send(context.Background(), Frame{Medium: MediumPL, Address: Address{'B', 2}, Func: FuncDim, Steps: 4}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "pl b2 dim 4\n", line)

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.FramesTx)
	assert.Equal(t, uint64(1), stats.FramesRx)
	assert.True(t, stats.Connected)

	assert.ErrorIs(t, client.SendRaw(context.Background(), []byte{1}), ErrRawUnsupported)
}

func TestMochadClient_PartialLines(t *testing.T) {
	server := newFakeMochad(t)

	client, err := DialMochad(context.Background(), MochadConfig{
		Connection:  server.url(),
		ReadTimeout: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer client.Close()

	events := make(chan Event, 4)
	client.SetOnEvent(func(ev Event) { events <- ev })

	conn := server.accept(t)
	_, err = conn.Write([]byte("05/22 00:35:32 Rx RFSEC Addr: 6A:73:80 "))
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond) // spans several read timeouts
	_, err = conn.Write([]byte("Func: Motion_alert_MS10A\n"))
	require.NoError(t, err)

	select {
	case ev := <-events:
		sec, ok := ev.(SecurityEvent)
		require.True(t, ok)
		assert.Equal(t, uint32(0x6A7380), sec.ID)
		assert.Equal(t, SensorMotion, sec.Sensor)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestMochadClient_Reconnects(t *testing.T) {
	server := newFakeMochad(t)

	client, err := DialMochad(context.Background(), MochadConfig{
		Connection:        server.url(),
		ReconnectInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer client.Close()

	first := server.accept(t)
	require.NoError(t, first.Close())

	second := server.accept(t)
	assert.Eventually(t, func() bool { return client.Stats().ReconnectsTotal == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, client.IsConnected())

	require.NoError(t, client.Send(context.Background(), Frame{Medium: MediumRF, Address: Address{'C', 7}, Func: FuncOff}))
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(second).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "rf c7 off", strings.TrimSpace(line))
}

func TestMochadClient_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = DialMochad(context.Background(), MochadConfig{Connection: "tcp://" + addr, ConnectTimeout: time.Second}, nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestMochadClient_CloseIdempotent(t *testing.T) {
	server := newFakeMochad(t)

	client, err := DialMochad(context.Background(), MochadConfig{Connection: server.url()}, nil)
	require.NoError(t, err)
	server.accept(t)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	assert.ErrorIs(t, client.Send(context.Background(), Frame{Medium: MediumRF, Address: Address{'A', 1}, Func: FuncOn}), ErrNotConnected)
}
