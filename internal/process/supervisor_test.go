package process

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logEntry struct {
	level string
	msg   string
	args  []any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *recordingLogger) hasOutput(line string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.msg != "process output" {
			continue
		}
		for i := 0; i+1 < len(e.args); i += 2 {
			if e.args[i] == "line" && e.args[i+1] == line {
				return true
			}
		}
	}
	return false
}

func (l *recordingLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.msg == msg {
			return true
		}
	}
	return false
}

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{Name: "mochad", Binary: "/usr/local/sbin/mochad"}, nil)

	assert.Equal(t, defaultRestartDelay, s.cfg.RestartDelay)
	assert.Equal(t, defaultStopTimeout, s.cfg.StopTimeout)
	assert.Equal(t, defaultProbeInterval, s.cfg.ProbeInterval)
	assert.Equal(t, defaultProbeFailures, s.cfg.ProbeFailures)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, Stats{Name: "mochad", State: StateStopped}, s.Stats())
}

func TestSupervisor_StartStop(t *testing.T) {
	sleep := requireBinary(t, "sleep")
	s := New(Config{Name: "sleeper", Binary: sleep, Args: []string{"30"}, StopTimeout: time.Second}, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	assert.Positive(t, s.Stats().PID)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	assert.Zero(t, s.Stats().PID)

	s.Stop()
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	sleep := requireBinary(t, "sleep")
	s := New(Config{Name: "sleeper", Binary: sleep, Args: []string{"30"}, StopTimeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return s.State() == StateStopped }, 5*time.Second, 10*time.Millisecond)
	s.Stop()
}

func TestSupervisor_MissingBinary(t *testing.T) {
	s := New(Config{Name: "ghost", Binary: "/nonexistent/ghostd"}, nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting ghost")
	assert.Equal(t, StateFailed, s.State())
	assert.NotEmpty(t, s.Stats().LastError)

	// A failed start leaves nothing to stop.
	s.Stop()
}

func TestSupervisor_RestartsUntilLimit(t *testing.T) {
	sh := requireBinary(t, "sh")
	logger := &recordingLogger{}
	s := New(Config{
		Name:         "crasher",
		Binary:       sh,
		Args:         []string{"-c", "exit 3"},
		RestartDelay: 10 * time.Millisecond,
		MaxRestarts:  2,
	}, logger)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return logger.has("process restart limit reached") },
		5*time.Second, 10*time.Millisecond)
	st := s.Stats()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 2, st.Restarts)
	assert.Contains(t, st.LastError, "exit status 3")

	assert.Eventually(t, func() bool { return s.Start(context.Background()) == nil },
		time.Second, 10*time.Millisecond, "a spent supervisor can be started again")
}

func TestSupervisor_ProbeFailureKills(t *testing.T) {
	sleep := requireBinary(t, "sleep")
	probeErr := errors.New("connection refused")
	s := New(Config{
		Name:          "hung",
		Binary:        sleep,
		Args:          []string{"30"},
		RestartDelay:  10 * time.Millisecond,
		MaxRestarts:   1,
		Probe:         func(context.Context) error { return probeErr },
		ProbeInterval: 10 * time.Millisecond,
		ProbeFailures: 2,
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return s.Stats().Restarts >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.Stats().LastError, ErrUnresponsive.Error())
}

func TestSupervisor_ForwardsOutput(t *testing.T) {
	sh := requireBinary(t, "sh")
	logger := &recordingLogger{}
	s := New(Config{
		Name:        "talker",
		Binary:      sh,
		Args:        []string{"-c", "echo ready; echo oops >&2; sleep 30"},
		StopTimeout: time.Second,
	}, logger)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return logger.hasOutput("ready") && logger.hasOutput("oops")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, TCPProbe(addr)(ctx))

	require.NoError(t, ln.Close())
	assert.Error(t, TCPProbe(addr)(ctx))
}
