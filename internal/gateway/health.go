package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// DefaultHealthInterval is how often health is published.
const DefaultHealthInterval = 30 * time.Second

// HealthPublisher is the part of the MQTT client health reporting uses.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporter periodically publishes the health of one interface.
type HealthReporter struct {
	iface     mig.Interface
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	logger    Logger

	// onReport receives the stats of every report, e.g. for telemetry.
	onReport func(domain string, stats map[string]uint64)

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	Interface mig.Interface
	Version   string
	// Interval defaults to 30 seconds.
	Interval  time.Duration
	Publisher HealthPublisher
	Logger    Logger
	OnReport  func(domain string, stats map[string]uint64)
}

// NewHealthReporter creates a reporter; call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &HealthReporter{
		iface:     cfg.Interface,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		logger:    logger,
		onReport:  cfg.OnReport,
		done:      make(chan struct{}),
	}
}

// Start publishes the current status and then one every interval until
// ctx ends or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status. Safe to
// call more than once.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		_ = h.publishStatus(HealthStopping, "") //nolint:errcheck // best effort during shutdown
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "interface starting")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logger.Warn("publishing health failed", "domain", h.iface.Domain(), "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Warn("publishing health failed", "domain", h.iface.Domain(), "error", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if !h.iface.IsConnected() {
		return HealthDegraded, "interface disconnected"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Domain:        h.iface.Domain(),
		Status:        status,
		Reason:        reason,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Modules:       len(h.iface.Modules()),
		Timestamp:     time.Now().UTC(),
	}
	if sp, ok := h.iface.(mig.StatsProvider); ok {
		msg.Stats = sp.Stats()
	}
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	msg := h.buildMessage(status, reason)
	if h.onReport != nil && len(msg.Stats) > 0 {
		h.onReport(msg.Domain, msg.Stats)
	}
	if h.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(mqtt.Topics{}.Health(msg.Domain), payload, 1, true)
}
