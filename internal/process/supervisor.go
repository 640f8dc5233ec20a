package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// State is the lifecycle state of a supervised process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
)

const (
	defaultRestartDelay  = 5 * time.Second
	defaultStopTimeout   = 10 * time.Second
	defaultProbeInterval = 30 * time.Second
	defaultProbeFailures = 3
	probeTimeout         = 5 * time.Second

	// maxOutputLine bounds one logged line of daemon output.
	maxOutputLine = 4096
)

var (
	// ErrAlreadyRunning is returned by Start on a running supervisor.
	ErrAlreadyRunning = errors.New("process already running")

	// ErrUnresponsive is recorded when the probe keeps failing and the
	// process is killed.
	ErrUnresponsive = errors.New("process unresponsive")
)

// Config describes a supervised daemon.
type Config struct {
	Name   string
	Binary string
	Args   []string
	// Env is appended to the parent environment.
	Env []string
	Dir string

	// RestartDelay is the pause between an exit and the next launch.
	RestartDelay time.Duration
	// MaxRestarts caps consecutive restarts. 0 means unlimited.
	MaxRestarts int
	// StopTimeout is how long Stop waits after SIGTERM before killing.
	StopTimeout time.Duration

	Probe         func(ctx context.Context) error
	ProbeInterval time.Duration
	// ProbeFailures is the number of consecutive failed probes that
	// trigger a kill and restart.
	ProbeFailures int
}

// Logger is the logging interface used by the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats is a snapshot of a supervised process.
type Stats struct {
	Name          string `json:"name"`
	State         State  `json:"state"`
	PID           int    `json:"pid,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	Restarts      int    `json:"restarts"`
	LastError     string `json:"last_error,omitempty"`
}

// Supervisor keeps one daemon running until stopped.
type Supervisor struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	state    State
	pid      int
	started  time.Time
	restarts int
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped supervisor. A nil logger discards output.
func New(cfg Config, logger Logger) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeFailures <= 0 {
		cfg.ProbeFailures = defaultProbeFailures
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{cfg: cfg, logger: logger, state: StateStopped}
}

// Start launches the daemon. A launch failure is returned directly; later
// exits are handled by restarting.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.cfg.Name, ErrAlreadyRunning)
	}
	s.state = StateStarting
	s.restarts = 0
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	cmd, err := s.launch(runCtx)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.state = StateFailed
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.supervise(runCtx, cmd, done)
	return nil
}

// Stop terminates the daemon and waits for the supervisor to finish.
// Calling Stop on a stopped supervisor is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	s.logger.Info("stopping process", "name", s.cfg.Name)
	cancel()
	<-done
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the supervised process.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Name:     s.cfg.Name,
		State:    s.state,
		PID:      s.pid,
		Restarts: s.restarts,
	}
	if s.state == StateRunning {
		st.UptimeSeconds = int64(time.Since(s.started).Seconds())
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// launch starts one instance in its own process group. Cancelling ctx
// sends SIGTERM to the group; the process is killed if it is still alive
// StopTimeout later.
func (s *Supervisor) launch(ctx context.Context) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.cfg.Args...) //nolint:gosec // binary comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = s.cfg.StopTimeout
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdout: %w", s.cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stderr: %w", s.cfg.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.pid = cmd.Process.Pid
	s.started = time.Now()
	s.mu.Unlock()

	go s.forward("stdout", stdout)
	go s.forward("stderr", stderr)

	s.logger.Info("process started", "name", s.cfg.Name, "pid", cmd.Process.Pid)
	return cmd, nil
}

func (s *Supervisor) forward(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 512), maxOutputLine)
	for scanner.Scan() {
		s.logger.Debug("process output", "name", s.cfg.Name, "stream", stream, "line", scanner.Text())
	}
}

func (s *Supervisor) supervise(ctx context.Context, cmd *exec.Cmd, done chan struct{}) {
	defer close(done)
	defer s.release(done)

	for cmd != nil {
		err := s.wait(ctx, cmd)
		if ctx.Err() != nil {
			s.markStopped()
			s.logger.Info("process stopped", "name", s.cfg.Name)
			return
		}
		cmd = s.restart(ctx, err)
	}
}

// wait returns when the process exits. With a probe configured it also
// kills the process group after ProbeFailures consecutive failed probes.
func (s *Supervisor) wait(ctx context.Context, cmd *exec.Cmd) error {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if s.cfg.Probe == nil {
		return <-exited
	}

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-exited:
			return err
		case <-ctx.Done():
			return <-exited
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := s.cfg.Probe(probeCtx)
		cancel()

		if err == nil {
			if failures > 0 {
				s.logger.Info("process probe recovered", "name", s.cfg.Name, "previous_failures", failures)
			}
			failures = 0
			continue
		}

		failures++
		s.logger.Warn("process probe failed", "name", s.cfg.Name, "error", err, "consecutive_failures", failures)
		if failures < s.cfg.ProbeFailures {
			continue
		}

		s.logger.Error("process unresponsive, killing", "name", s.cfg.Name, "failures", failures)
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) //nolint:errcheck // the wait below observes the exit
		<-exited
		return fmt.Errorf("%w after %d failed probes", ErrUnresponsive, failures)
	}
}

// restart relaunches after an unexpected exit, retrying failed launches.
// It returns nil when the restart budget is spent or ctx is cancelled.
func (s *Supervisor) restart(ctx context.Context, cause error) *exec.Cmd {
	for {
		s.mu.Lock()
		s.state = StateFailed
		s.pid = 0
		s.lastErr = cause
		attempt := s.restarts + 1
		limited := s.cfg.MaxRestarts > 0 && attempt > s.cfg.MaxRestarts
		if !limited {
			s.restarts = attempt
		}
		s.mu.Unlock()

		if limited {
			s.logger.Error("process restart limit reached", "name", s.cfg.Name, "restarts", s.cfg.MaxRestarts, "error", cause)
			return nil
		}

		s.logger.Warn("process exited, restarting",
			"name", s.cfg.Name,
			"error", cause,
			"attempt", attempt,
			"delay", s.cfg.RestartDelay,
		)

		select {
		case <-ctx.Done():
			s.markStopped()
			return nil
		case <-time.After(s.cfg.RestartDelay):
		}

		cmd, err := s.launch(ctx)
		if err == nil {
			return cmd
		}
		cause = err
	}
}

// release forgets the run that owns done so Start can launch again after
// the restart budget is spent.
func (s *Supervisor) release(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.done = nil
}

func (s *Supervisor) markStopped() {
	s.mu.Lock()
	s.state = StateStopped
	s.pid = 0
	s.mu.Unlock()
}

// TCPProbe returns a probe that succeeds when address accepts a TCP
// connection.
func TCPProbe(address string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
