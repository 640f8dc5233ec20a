package x10

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMochadAddress = "localhost:1099"

	defaultConnectTimeout    = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultReconnectInterval = 5 * time.Second
	maxReconnectInterval     = 2 * time.Minute

	// maxLineLength bounds a single mochad output line.
	maxLineLength = 1024

	eventQueueSize   = 100
	eventWorkerCount = 1
)

// Logger is the logging interface used by the x10 package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector is the transport the adapter drives. MochadClient is the
// production implementation; tests substitute a fake.
type Connector interface {
	Send(ctx context.Context, f Frame) error
	SendRaw(ctx context.Context, data []byte) error
	SetOnEvent(callback func(Event))
	IsConnected() bool
	Stats() MochadStats
	Close() error
}

var _ Connector = (*MochadClient)(nil)

// MochadConfig holds the mochad connection settings.
type MochadConfig struct {
	// Connection is "tcp://host:port" or "unix:///path". Default tcp://localhost:1099.
	Connection string

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	ReconnectInterval time.Duration
}

// MochadStats holds transport counters.
type MochadStats struct {
	FramesTx        uint64
	FramesRx        uint64
	EventsDropped   uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// MochadClient is a connection to the mochad daemon.
//
// Lines received from mochad are parsed on the read goroutine and handed to
// the event callback through a bounded queue. A single worker drains the
// queue so the adapter sees events in arrival order. When the socket drops
// the client reconnects with backoff until Close is called.
type MochadClient struct {
	cfg     MochadConfig
	network string
	address string

	connMu    sync.RWMutex
	conn      net.Conn
	connected bool

	reconnecting atomic.Bool

	onEvent    func(Event)
	callbackMu sync.RWMutex
	events     chan Event

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesTx        atomic.Uint64
	framesRx        atomic.Uint64
	eventsDropped   atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// DialMochad connects to mochad and starts the receive loop.
func DialMochad(ctx context.Context, cfg MochadConfig, logger Logger) (*MochadClient, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s://%s: %w", ErrConnectionFailed, network, address, err)
	}

	c := &MochadClient{
		cfg:       cfg,
		network:   network,
		address:   address,
		conn:      conn,
		connected: true,
		events:    make(chan Event, eventQueueSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
	c.lastActivity.Store(time.Now().Unix())

	for range eventWorkerCount {
		c.wg.Add(1)
		go c.eventWorker()
	}
	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

func parseConnectionURL(connURL string) (network, address string, err error) {
	if connURL == "" {
		return "tcp", defaultMochadAddress, nil
	}
	if !strings.Contains(connURL, "://") {
		return "tcp", connURL, nil
	}

	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return "tcp", defaultMochadAddress, nil
		}
		return "tcp", u.Host, nil
	case "unix":
		return "unix", u.Path, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use tcp or unix)", u.Scheme)
	}
}

func (c *MochadClient) receiveLoop() {
	defer c.wg.Done()

	for {
		if c.isClosed() {
			return
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn != nil {
			c.readLines(conn)
		}

		if c.isClosed() {
			return
		}
		c.markDisconnected()
		if !c.reconnect() {
			return
		}
	}
}

// readLines consumes conn until it fails. Read timeouts only mean mochad
// was quiet; a partial line is kept across them.
func (c *MochadClient) readLines(conn net.Conn) {
	r := bufio.NewReaderSize(conn, maxLineLength)
	var partial strings.Builder

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.logError("set read deadline failed", err)
			return
		}

		chunk, err := r.ReadSlice('\n')
		partial.Write(chunk)

		if errors.Is(err, bufio.ErrBufferFull) {
			if partial.Len() > maxLineLength*4 {
				c.errorsTotal.Add(1)
				c.logError("discarding oversized line", fmt.Errorf("%d bytes", partial.Len()))
				partial.Reset()
			}
			continue
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !c.isClosed() {
				c.errorsTotal.Add(1)
				c.logError("read failed", err)
			}
			return
		}

		line := partial.String()
		partial.Reset()
		c.handleLine(line)
	}
}

func (c *MochadClient) handleLine(line string) {
	c.lastActivity.Store(time.Now().Unix())

	ev, err := parseLine(line)
	if err != nil {
		c.errorsTotal.Add(1)
		c.logDebug("unparsed mochad line", "line", strings.TrimSpace(line), "error", err)
		return
	}
	if ev == nil {
		return
	}
	c.framesRx.Add(1)

	c.callbackMu.RLock()
	hasCallback := c.onEvent != nil
	c.callbackMu.RUnlock()
	if !hasCallback {
		return
	}

	select {
	case c.events <- ev:
	default:
		c.eventsDropped.Add(1)
		c.logError("event queue full, dropping frame", nil)
	}
}

func (c *MochadClient) eventWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.callbackMu.RLock()
			callback := c.onEvent
			c.callbackMu.RUnlock()
			if callback == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.errorsTotal.Add(1)
						c.logError("event callback panic", fmt.Errorf("%v", r))
					}
				}()
				callback(ev)
			}()
		}
	}
}

func (c *MochadClient) markDisconnected() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck,gosec // already broken
		c.conn = nil
	}
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("connection to mochad lost, reconnecting")
	}
}

// reconnect dials until it succeeds or Close is called. Backoff grows by
// half each attempt up to maxReconnectInterval.
func (c *MochadClient) reconnect() bool {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	for attempt := 1; ; attempt++ {
		select {
		case <-c.done:
			return false
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, c.network, c.address)
		cancel()

		if err != nil {
			c.errorsTotal.Add(1)
			c.logError("reconnect failed", err, "attempt", attempt)
			backoff = min(time.Duration(float64(backoff)*1.5), maxReconnectInterval)
			continue
		}

		c.connMu.Lock()
		if c.isClosed() {
			c.connMu.Unlock()
			conn.Close() //nolint:errcheck,gosec // shutting down
			return false
		}
		c.conn = conn
		c.connected = true
		c.connMu.Unlock()

		c.reconnectsTotal.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.logInfo("reconnected to mochad", "attempt", attempt)
		return true
	}
}

// Send writes one frame.
func (c *MochadClient) Send(ctx context.Context, f Frame) error {
	line, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return c.writeLine(ctx, line)
}

// SendRaw always fails: mochad has no raw RF transmit command.
func (c *MochadClient) SendRaw(_ context.Context, _ []byte) error {
	return ErrRawUnsupported
}

func (c *MochadClient) writeLine(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	c.logDebug("frame sent", "line", line)
	return nil
}

// SetOnEvent sets the callback for decoded frames.
func (c *MochadClient) SetOnEvent(callback func(Event)) {
	c.callbackMu.Lock()
	c.onEvent = callback
	c.callbackMu.Unlock()
}

// SetLogger replaces the logger.
func (c *MochadClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected reports whether the socket is up.
func (c *MochadClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns the transport counters.
func (c *MochadClient) Stats() MochadStats {
	return MochadStats{
		FramesTx:        c.framesTx.Load(),
		FramesRx:        c.framesRx.Load(),
		EventsDropped:   c.eventsDropped.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// Close stops the receive loop and closes the socket. Safe to call more
// than once.
func (c *MochadClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		c.connected = false
		if c.conn != nil {
			c.conn.Close() //nolint:errcheck,gosec // best effort
			c.conn = nil
		}
		c.connMu.Unlock()

		c.wg.Wait()
		c.logInfo("mochad connection closed")
	})
	return nil
}

func (c *MochadClient) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *MochadClient) log() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *MochadClient) logDebug(msg string, keysAndValues ...any) {
	if l := c.log(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *MochadClient) logInfo(msg string, keysAndValues ...any) {
	if l := c.log(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *MochadClient) logError(msg string, err error, keysAndValues ...any) {
	if l := c.log(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
