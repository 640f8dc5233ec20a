package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/gray-logic-mig/internal/history"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

const (
	stateQoS = 1
	ackQoS   = 1

	// maxInflight bounds commands executing at once, from MQTT and the API
	// together. Controller commands such as NodeAdd hold a slot for up to a
	// minute. It is also the number of MQTT command workers.
	maxInflight = 16

	// commandQueueSize is how many MQTT commands may wait for a worker.
	// Commands beyond it are acked BUSY.
	commandQueueSize = 64

	connectTimeout = 30 * time.Second
	sinkTimeout    = 5 * time.Second
	pruneInterval  = time.Hour
)

// Logger is the logging interface used by the gateway.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTClient is the part of the shared MQTT client the gateway uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// PropertyStore records property notifications.
type PropertyStore interface {
	Record(ctx context.Context, n mig.Notification) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CommandStore records executed commands.
type CommandStore interface {
	Create(ctx context.Context, entry *history.CommandEntry) error
}

// Telemetry receives numeric values and interface counters.
type Telemetry interface {
	WriteProperty(domain, address, property string, value float64, ts time.Time)
	WriteInterfaceStats(domain string, counters map[string]uint64)
}

// Options configures a Gateway. Only Emitter is required; every sink is
// optional.
type Options struct {
	MQTT       MQTTClient
	Emitter    *mig.Emitter
	Properties PropertyStore
	Commands   CommandStore
	Telemetry  Telemetry
	Logger     Logger
	Version    string

	HealthInterval time.Duration
	// Retention prunes property history older than this. Zero keeps everything.
	Retention time.Duration
}

// InterfaceInfo summarises one hosted interface.
type InterfaceInfo struct {
	Domain    string            `json:"domain"`
	Connected bool              `json:"connected"`
	Modules   int               `json:"modules"`
	Options   []mig.Option      `json:"options"`
	Stats     map[string]uint64 `json:"stats,omitempty"`
}

// Gateway hosts the interfaces.
type Gateway struct {
	mqtt       MQTTClient
	emitter    *mig.Emitter
	properties PropertyStore
	commands   CommandStore
	telemetry  Telemetry
	logger     Logger
	version    string
	validator  *Validator

	healthInterval time.Duration
	retention      time.Duration

	mu         sync.RWMutex
	interfaces map[string]mig.Interface
	reporters  []*HealthReporter
	started    bool

	inflight *semaphore.Weighted
	queue    chan commandJob
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a gateway and subscribes it to the emitter.
func New(opts Options) (*Gateway, error) {
	if opts.Emitter == nil {
		return nil, fmt.Errorf("gateway: emitter is required")
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		mqtt:           opts.MQTT,
		emitter:        opts.Emitter,
		properties:     opts.Properties,
		commands:       opts.Commands,
		telemetry:      opts.Telemetry,
		logger:         opts.Logger,
		version:        opts.Version,
		validator:      validator,
		healthInterval: opts.HealthInterval,
		retention:      opts.Retention,
		interfaces:     make(map[string]mig.Interface),
		inflight:       semaphore.NewWeighted(maxInflight),
		queue:          make(chan commandJob, commandQueueSize),
	}
	if g.logger == nil {
		g.logger = noopLogger{}
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.emitter.Subscribe(g.handleNotification)
	return g, nil
}

// Validator returns the command payload validator.
func (g *Gateway) Validator() *Validator {
	return g.validator
}

// Register adds an interface. It must be called before Start.
func (g *Gateway) Register(iface mig.Interface) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}
	domain := iface.Domain()
	if _, ok := g.interfaces[domain]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateInterface, domain)
	}
	g.interfaces[domain] = iface
	return nil
}

// Start connects every interface concurrently, subscribes to commands and
// starts health reporting. An interface that fails to connect is reported
// degraded; it does not stop the others.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	ifaces := g.sortedLocked()
	g.mu.Unlock()

	for _, iface := range ifaces {
		r := NewHealthReporter(HealthReporterConfig{
			Interface: iface,
			Version:   g.version,
			Interval:  g.healthInterval,
			Publisher: g.healthPublisher(),
			Logger:    g.logger,
			OnReport:  g.reportStats,
		})
		if err := r.PublishStarting(); err != nil {
			g.logger.Warn("publishing starting health failed", "domain", iface.Domain(), "error", err)
		}
		g.reporters = append(g.reporters, r)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	eg, egCtx := errgroup.WithContext(connectCtx)
	for _, iface := range ifaces {
		eg.Go(func() error {
			if err := iface.Connect(egCtx); err != nil {
				g.logger.Error("interface connect failed", "domain", iface.Domain(), "error", err)
				return nil
			}
			g.logger.Info("interface connected", "domain", iface.Domain())
			return nil
		})
	}
	_ = eg.Wait() //nolint:errcheck // failures are logged per interface

	if g.mqtt != nil {
		for range maxInflight {
			g.wg.Add(1)
			go g.commandWorker()
		}
		if err := g.mqtt.Subscribe(mqtt.Topics{}.AllCommands(), 1, g.handleCommand); err != nil {
			return fmt.Errorf("subscribing to commands: %w", err)
		}
	}

	for _, iface := range ifaces {
		g.publishModules(iface.Domain())
	}
	for _, r := range g.reporters {
		r.Start(g.ctx)
	}
	if g.properties != nil && g.retention > 0 {
		g.wg.Add(1)
		go g.pruneLoop()
	}
	return nil
}

// Stop unsubscribes, waits for in-flight commands, stops health reporting
// and disconnects every interface. Queued MQTT commands that no worker has
// picked up are dropped. The emitter is left to the caller.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		if g.mqtt != nil && g.mqtt.IsConnected() {
			if err := g.mqtt.Unsubscribe(mqtt.Topics{}.AllCommands()); err != nil {
				g.logger.Warn("unsubscribing from commands failed", "error", err)
			}
		}
		g.cancel()
		g.wg.Wait()

		for _, r := range g.reporters {
			r.Stop()
		}

		g.mu.RLock()
		ifaces := g.sortedLocked()
		g.mu.RUnlock()
		for _, iface := range ifaces {
			var err error
			if c, ok := iface.(interface{ Close() error }); ok {
				err = c.Close()
			} else {
				err = iface.Disconnect()
			}
			if err != nil {
				g.logger.Warn("interface disconnect failed", "domain", iface.Domain(), "error", err)
			}
		}
	})
}

// Interface returns the interface registered for domain.
func (g *Gateway) Interface(domain string) (mig.Interface, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	iface, ok := g.interfaces[domain]
	return iface, ok
}

// Interfaces summarises every hosted interface, ordered by domain.
func (g *Gateway) Interfaces() []InterfaceInfo {
	g.mu.RLock()
	ifaces := g.sortedLocked()
	g.mu.RUnlock()

	infos := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		info := InterfaceInfo{
			Domain:    iface.Domain(),
			Connected: iface.IsConnected(),
			Modules:   len(iface.Modules()),
			Options:   iface.Options(),
		}
		if sp, ok := iface.(mig.StatsProvider); ok {
			info.Stats = sp.Stats()
		}
		infos = append(infos, info)
	}
	return infos
}

// Modules lists the modules of one interface.
func (g *Gateway) Modules(domain string) ([]mig.Module, error) {
	iface, ok := g.Interface(domain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterface, domain)
	}
	return iface.Modules(), nil
}

// SetOption changes an interface option.
func (g *Gateway) SetOption(ctx context.Context, domain, name, value string) error {
	iface, ok := g.Interface(domain)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, domain)
	}
	if err := iface.SetOption(ctx, name, value); err != nil {
		return err
	}
	g.logger.Info("interface option changed", "domain", domain, "option", name)
	return nil
}

// Execute runs a command on an interface and logs it. It waits for one of
// the maxInflight execution slots. The error is only set when the domain is
// unknown or ctx ends while waiting; command failures are in the Response.
func (g *Gateway) Execute(ctx context.Context, domain string, cmd mig.Command, source string) (mig.Response, error) {
	iface, ok := g.Interface(domain)
	if !ok {
		return mig.Response{}, fmt.Errorf("%w: %s", ErrUnknownInterface, domain)
	}
	if err := g.inflight.Acquire(ctx, 1); err != nil {
		return mig.Response{}, fmt.Errorf("waiting for a command slot: %w", err)
	}
	defer g.inflight.Release(1)

	resp := iface.Control(ctx, cmd)
	g.logger.Debug("command executed", "domain", domain, "command", cmd.String(), "status", resp.Status)
	g.logCommand(domain, cmd, source, resp)
	return resp, nil
}

func (g *Gateway) logCommand(domain string, cmd mig.Command, source string, resp mig.Response) {
	if g.commands == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	entry := &history.CommandEntry{
		Domain:  domain,
		Address: cmd.Address,
		Command: cmd.Command,
		Options: cmd.Options,
		Source:  source,
		Status:  resp.Status,
		Message: resp.Message,
	}
	if err := g.commands.Create(ctx, entry); err != nil {
		g.logger.Warn("recording command failed", "domain", domain, "error", err)
	}
}

// commandJob is a validated MQTT command waiting for a worker.
type commandJob struct {
	id      string
	domain  string
	address string
	source  string
	command string
	options []string
}

// handleCommand runs on the MQTT delivery goroutine. It only validates and
// queues; a full queue is answered with a BUSY ack straight away.
func (g *Gateway) handleCommand(topic string, payload []byte) error {
	_, domain, address, ok := mqtt.ParseTopic(topic)
	if !ok {
		return nil
	}

	msg, err := g.validator.DecodeCommand(payload)
	if err != nil {
		g.logger.Warn("invalid command payload", "topic", topic, "error", err)
		g.publishAck(AckMessage{
			Domain:    domain,
			Address:   address,
			Status:    mig.StatusError,
			Message:   err.Error(),
			Code:      CodeInvalidPayload,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	source := msg.Source
	if source == "" {
		source = history.SourceMQTT
	}
	if g.ctx.Err() != nil {
		return nil
	}

	job := commandJob{
		id:      msg.ID,
		domain:  domain,
		address: address,
		source:  source,
		command: msg.Command,
		options: msg.Options,
	}
	select {
	case g.queue <- job:
	default:
		g.logger.Warn("command queue full", "domain", domain, "address", address, "command", msg.Command)
		g.publishAck(newAck(msg.ID, domain, address, msg.Command, mig.Response{
			Status:  mig.StatusError,
			Message: "gateway busy, command not executed",
			Code:    CodeBusy,
		}))
	}
	return nil
}

func (g *Gateway) commandWorker() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case job := <-g.queue:
			g.runCommand(job)
		}
	}
}

func (g *Gateway) runCommand(job commandJob) {
	cmd := mig.Command{Address: job.address, Command: job.command, Options: job.options}
	resp, err := g.Execute(g.ctx, job.domain, cmd, job.source)
	switch {
	case errors.Is(err, ErrUnknownInterface):
		resp = mig.Response{Status: mig.StatusError, Message: err.Error(), Code: CodeUnknownInterface}
	case err != nil:
		// Stopping.
		return
	}
	g.publishAck(newAck(job.id, job.domain, job.address, job.command, resp))
}

func (g *Gateway) publishAck(ack AckMessage) {
	g.publishJSON(mqtt.Topics{}.Ack(ack.Domain, ack.Address), ack, ackQoS, false)
}

// handleNotification fans a notification out to MQTT, history and
// telemetry. It runs on an emitter worker.
func (g *Gateway) handleNotification(n mig.Notification) {
	switch n.Kind {
	case mig.KindModulesChanged:
		g.publishModules(n.Domain)
	case mig.KindPropertyChanged:
		g.publishJSON(mqtt.Topics{}.State(n.Domain, n.Address), newStateMessage(n), stateQoS, true)
		g.recordProperty(n)
		if g.telemetry != nil {
			if v, ok := n.NumericValue(); ok {
				g.telemetry.WriteProperty(n.Domain, n.Address, n.Property, v, n.Timestamp)
			}
		}
	}
}

func (g *Gateway) recordProperty(n mig.Notification) {
	if g.properties == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := g.properties.Record(ctx, n); err != nil {
		g.logger.Warn("recording property failed", "domain", n.Domain, "address", n.Address, "error", err)
	}
}

func (g *Gateway) publishModules(domain string) {
	iface, ok := g.Interface(domain)
	if !ok {
		return
	}
	msg := ModulesMessage{Domain: domain, Modules: iface.Modules(), Timestamp: time.Now().UTC()}
	g.publishJSON(mqtt.Topics{}.Modules(domain), msg, stateQoS, true)
}

func (g *Gateway) publishJSON(topic string, v any, qos byte, retained bool) {
	if g.mqtt == nil || !g.mqtt.IsConnected() {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("encoding MQTT payload failed", "topic", topic, "error", err)
		return
	}
	if err := g.mqtt.Publish(topic, payload, qos, retained); err != nil {
		g.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}

// reportStats adds the emitter counters to interface stats and forwards
// them to telemetry.
func (g *Gateway) reportStats(domain string, stats map[string]uint64) {
	es := g.emitter.Stats()
	stats["notifications_emitted"] = es.Emitted
	stats["notifications_dropped"] = es.Dropped
	if g.telemetry != nil {
		g.telemetry.WriteInterfaceStats(domain, stats)
	}
}

func (g *Gateway) healthPublisher() HealthPublisher {
	if g.mqtt == nil {
		return nil
	}
	return g.mqtt
}

func (g *Gateway) pruneLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	prune := func() {
		ctx, cancel := context.WithTimeout(g.ctx, sinkTimeout)
		defer cancel()
		n, err := g.properties.Prune(ctx, g.retention)
		if err != nil {
			g.logger.Warn("pruning property history failed", "error", err)
			return
		}
		if n > 0 {
			g.logger.Info("property history pruned", "deleted", n)
		}
	}

	prune()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func (g *Gateway) sortedLocked() []mig.Interface {
	domains := make([]string, 0, len(g.interfaces))
	for d := range g.interfaces {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	out := make([]mig.Interface, 0, len(domains))
	for _, d := range domains {
		out = append(out, g.interfaces[d])
	}
	return out
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
