package zigbee

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/mig"
	"github.com/nerrad567/gray-logic-mig/internal/registry"
)

// Controller commands, sent to ControllerAddress.
const (
	CmdControllerNodeAdd    = "Controller.NodeAdd"
	CmdControllerNodeRemove = "Controller.NodeRemove"
	CmdControllerSoftReset  = "Controller.SoftReset"
	CmdControllerDiscovery  = "Controller.Discovery"
)

// Node commands.
const (
	CmdControlColorHsb = "Control.ColorHsb"
	CmdBasicGet        = "Basic.Get"
	CmdNodeInfoGet     = "NodeInfo.Get"
)

// Option names.
const (
	OptionPort      = "Port"
	OptionDriver    = "Driver"
	OptionBaseTopic = "BaseTopic"
)

// Node information properties.
const (
	PropNodeEndpoints    = "ZigBeeNode.Endpoints"
	PropNodeManufacturer = "ZigBeeNode.ManufacturerName"
	PropNodeModel        = "ZigBeeNode.ModelIdentifier"
)

const (
	descNode       = "ZigBee Node"
	descController = "ZigBee Controller"

	// maxBrightness is the top of the ZCL level range.
	maxBrightness = 254

	defaultJoinTimeout   = 60 * time.Second
	defaultRemoveTimeout = 30 * time.Second
)

// Config is the adapter configuration.
type Config struct {
	Port      string
	Driver    string
	BaseTopic string
}

// CoordinatorFunc creates the coordinator for cfg.
type CoordinatorFunc func(cfg Config, logger Logger) Coordinator

// Options wires the adapter to the rest of the gateway. Either MQTT or
// NewCoordinator must be set.
type Options struct {
	MQTT           MQTTClient
	NewCoordinator CoordinatorFunc
	Publisher      mig.Publisher
	Store          registry.Store
	Logger         Logger

	// JoinTimeout bounds Controller.NodeAdd.
	JoinTimeout time.Duration
	// RemoveTimeout bounds Controller.NodeRemove.
	RemoveTimeout time.Duration
}

// nodeInfo is what the device list told us about a node.
type nodeInfo struct {
	manufacturer string
	model        string
	endpoints    int
}

// Adapter is the ZigBee interface.
type Adapter struct {
	connectMu sync.Mutex

	mu     sync.RWMutex
	cfg    Config
	coord  Coordinator
	loaded bool
	nodes  map[string]nodeInfo

	registry       *registry.Registry
	publisher      mig.Publisher
	logger         Logger
	newCoordinator CoordinatorFunc

	joinTimeout   time.Duration
	removeTimeout time.Duration

	joined waiters
	left   waiters
}

var (
	_ mig.Interface     = (*Adapter)(nil)
	_ mig.StatsProvider = (*Adapter)(nil)
)

// New creates a disconnected adapter.
func New(cfg Config, opts Options) *Adapter {
	a := &Adapter{
		cfg:            cfg,
		nodes:          make(map[string]nodeInfo),
		publisher:      opts.Publisher,
		logger:         opts.Logger,
		newCoordinator: opts.NewCoordinator,
		joinTimeout:    opts.JoinTimeout,
		removeTimeout:  opts.RemoveTimeout,
	}
	if a.publisher == nil {
		a.publisher = noopPublisher{}
	}
	if a.logger == nil {
		a.logger = noopLogger{}
	}
	if a.newCoordinator == nil {
		client := opts.MQTT
		a.newCoordinator = func(cfg Config, logger Logger) Coordinator {
			return NewMQTTCoordinator(client, cfg.BaseTopic, logger)
		}
	}
	if a.joinTimeout <= 0 {
		a.joinTimeout = defaultJoinTimeout
	}
	if a.removeTimeout <= 0 {
		a.removeTimeout = defaultRemoveTimeout
	}
	a.registry = registry.New(mig.DomainZigBee, registry.Options{
		Store:     opts.Store,
		Publisher: a.publisher,
		Logger:    a.logger,
	})
	return a
}

// Domain returns HomeAutomation.ZigBee.
func (a *Adapter) Domain() string {
	return mig.DomainZigBee
}

// Connect loads the persisted modules on first use and starts the coordinator.
func (a *Adapter) Connect(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	return a.connect(ctx)
}

func (a *Adapter) connect(ctx context.Context) error {
	a.mu.RLock()
	cfg, loaded, running := a.cfg, a.loaded, a.coord != nil
	a.mu.RUnlock()
	if running {
		return nil
	}

	if !loaded {
		a.registry.Load(ctx)
	}

	coord := a.newCoordinator(cfg, a.logger)
	coord.SetOnEvent(a.handleEvent)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", mig.ErrNotConnected, err)
	}

	a.mu.Lock()
	a.coord = coord
	a.loaded = true
	a.mu.Unlock()

	a.logger.Info("zigbee interface connected", "base_topic", cfg.BaseTopic, "port", cfg.Port, "driver", cfg.Driver)
	a.registry.NotifyModules()
	return nil
}

// Disconnect stops the coordinator and flushes the registry.
func (a *Adapter) Disconnect() error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	return a.disconnect()
}

func (a *Adapter) disconnect() error {
	a.mu.Lock()
	coord := a.coord
	a.coord = nil
	a.mu.Unlock()

	var err error
	if coord != nil {
		err = coord.Stop()
		a.logger.Info("zigbee interface disconnected")
	}
	_ = a.registry.Flush() //nolint:errcheck // logged by the registry
	return err
}

// Close disconnects and writes the final registry state.
func (a *Adapter) Close() error {
	err := a.Disconnect()
	_ = a.registry.Close() //nolint:errcheck // logged by the registry
	return err
}

// IsConnected reports whether zigbee2mqtt is online.
func (a *Adapter) IsConnected() bool {
	coord := a.coordinator()
	return coord != nil && coord.IsOnline()
}

func (a *Adapter) coordinator() Coordinator {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.coord
}

// Modules lists the known nodes ordered by address.
func (a *Adapter) Modules() []mig.Module {
	return a.registry.Modules()
}

// Options returns the current interface options.
func (a *Adapter) Options() []mig.Option {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return []mig.Option{
		{Name: OptionPort, Value: a.cfg.Port, Description: "coordinator serial port"},
		{Name: OptionDriver, Value: a.cfg.Driver, Description: "coordinator adapter type (zstack, ember, deconz, zigate)"},
		{Name: OptionBaseTopic, Value: a.cfg.BaseTopic, Description: "zigbee2mqtt base topic"},
	}
}

// SetOption stores an option. Port and Driver are pushed to zigbee2mqtt,
// which is then restarted; any change reconnects a connected adapter.
func (a *Adapter) SetOption(ctx context.Context, name, value string) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	value = strings.TrimSpace(value)
	radio := false
	a.mu.Lock()
	switch {
	case strings.EqualFold(name, OptionPort):
		a.cfg.Port = strings.ReplaceAll(value, "|", "/")
		radio = true
	case strings.EqualFold(name, OptionDriver):
		a.cfg.Driver = value
		radio = true
	case strings.EqualFold(name, OptionBaseTopic):
		if value == "" {
			a.mu.Unlock()
			return fmt.Errorf("%w: %s must not be empty", mig.ErrInvalidOption, OptionBaseTopic)
		}
		a.cfg.BaseTopic = value
	default:
		a.mu.Unlock()
		return fmt.Errorf("%w: unknown option %q", mig.ErrInvalidOption, name)
	}
	coord, cfg := a.coord, a.cfg
	a.mu.Unlock()

	if coord == nil {
		return nil
	}
	if radio {
		if err := coord.Configure(ctx, cfg.Port, cfg.Driver); err != nil {
			return coordinatorError(err)
		}
		if err := coord.Restart(ctx); err != nil {
			return coordinatorError(err)
		}
	}
	if err := a.disconnect(); err != nil {
		a.logger.Warn("zigbee disconnect before reconnect failed", "error", err)
	}
	return a.connect(ctx)
}

// Stats returns coordinator and registry counters.
func (a *Adapter) Stats() map[string]uint64 {
	stats := map[string]uint64{
		"modules":     uint64(a.registry.Len()), //nolint:gosec // length is never negative
		"save_errors": a.registry.SaveErrors(),
	}
	if coord := a.coordinator(); coord != nil {
		s := coord.Stats()
		stats["messages_rx"] = s.MessagesRx
		stats["requests_tx"] = s.RequestsTx
		stats["parse_errors"] = s.ParseErrors
	}
	return stats
}

// Control executes a command and reports the outcome.
func (a *Adapter) Control(ctx context.Context, cmd mig.Command) mig.Response {
	msg, err := a.control(ctx, cmd)
	if err != nil {
		a.logger.Warn("zigbee command failed", "command", cmd.String(), "error", err)
		return mig.ResponseError(err)
	}
	return mig.ResponseOk(msg)
}

func (a *Adapter) control(ctx context.Context, cmd mig.Command) (string, error) {
	coord := a.coordinator()
	if coord == nil || !coord.IsOnline() {
		return "", mig.ErrNotConnected
	}

	if strings.TrimSpace(cmd.Address) == ControllerAddress {
		return a.controllerCommand(ctx, coord, cmd)
	}

	switch cmd.Command {
	case mig.CmdControlLevelAdjust:
		return "", fmt.Errorf("%w: %s", mig.ErrNotSupported, cmd.Command)
	case mig.CmdControlOn, mig.CmdControlOff, mig.CmdControlToggle, mig.CmdControlLevel,
		CmdControlColorHsb, CmdBasicGet, CmdNodeInfoGet:
	default:
		return "", fmt.Errorf("%w: %s", mig.ErrUnknownCommand, cmd.Command)
	}

	addr, err := NormalizeAddress(cmd.Address)
	if err != nil {
		return "", fmt.Errorf("%w: unknown node %s", mig.ErrUnknownAddress, cmd.Address)
	}
	rec, ok := a.registry.Find(addr)
	if !ok {
		return "", fmt.Errorf("%w: unknown node %s", mig.ErrUnknownAddress, addr)
	}

	switch cmd.Command {
	case mig.CmdControlOn:
		if err := coord.Set(ctx, addr, map[string]any{"state": "ON"}); err != nil {
			return "", coordinatorError(err)
		}
		a.registry.NotifyProperty(rec, mig.PropStatusLevel, rec.Restore())

	case mig.CmdControlOff:
		if err := coord.Set(ctx, addr, map[string]any{"state": "OFF"}); err != nil {
			return "", coordinatorError(err)
		}
		a.registry.NotifyProperty(rec, mig.PropStatusLevel, rec.SetLevel(0))

	case mig.CmdControlToggle:
		if err := coord.Set(ctx, addr, map[string]any{"state": "TOGGLE"}); err != nil {
			return "", coordinatorError(err)
		}
		a.registry.NotifyProperty(rec, mig.PropStatusLevel, rec.Toggle())

	case mig.CmdControlLevel:
		pct, err := cmd.OptionFloat(0, math.NaN())
		if err != nil {
			return "", err
		}
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return "", fmt.Errorf("%w: level %q out of range 0-100", mig.ErrInvalidOption, cmd.Option(0))
		}
		payload := map[string]any{
			"brightness": brightness(pct / 100),
			"transition": seconds(rec.Transition()),
		}
		if err := coord.Set(ctx, addr, payload); err != nil {
			return "", coordinatorError(err)
		}
		a.registry.NotifyProperty(rec, mig.PropStatusLevel, rec.SetLevel(pct/100))

	case CmdControlColorHsb:
		return "", a.setColor(ctx, coord, rec, cmd.Option(0))

	case CmdBasicGet:
		if err := coord.Get(ctx, addr, map[string]any{"state": "", "brightness": ""}); err != nil {
			return "", coordinatorError(err)
		}

	case CmdNodeInfoGet:
		a.emitNodeInfo(rec)
	}
	return "", nil
}

// setColor applies "h,s,v[,seconds]" where h, s and v are in [0,1]. The
// transition, in seconds, defaults to registry.DefaultTransition and is
// remembered on the record.
func (a *Adapter) setColor(ctx context.Context, coord Coordinator, rec *registry.DeviceRecord, option string) error {
	parts := strings.Split(option, ",")
	if len(parts) < 3 {
		return fmt.Errorf("%w: color %q is not h,s,v", mig.ErrInvalidOption, option)
	}
	hsv := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return fmt.Errorf("%w: color %q", mig.ErrInvalidOption, option)
		}
		hsv[i] = v
	}
	h, s, v := min(hsv[0], 1), min(hsv[1], 1), min(hsv[2], 1)

	transition := registry.DefaultTransition
	if len(hsv) > 3 {
		transition = int(math.Round(hsv[3] * 10))
	}
	rec.SetTransition(transition)

	payload := map[string]any{
		"color":      map[string]any{"hue": math.Round(h * 360), "saturation": math.Round(s * 100)},
		"brightness": brightness(v),
		"transition": seconds(transition),
	}
	if err := coord.Set(ctx, rec.Address(), payload); err != nil {
		return coordinatorError(err)
	}

	a.registry.NotifyProperty(rec, mig.PropStatusLevel, rec.SetLevel(v))
	a.registry.NotifyProperty(rec, mig.PropStatusColorHsb, strings.TrimSpace(option))
	return nil
}

func (a *Adapter) emitNodeInfo(rec *registry.DeviceRecord) {
	a.mu.RLock()
	info, ok := a.nodes[rec.Address()]
	a.mu.RUnlock()
	if !ok {
		return
	}
	a.registry.NotifyProperty(rec, PropNodeEndpoints, info.endpoints)
	if info.manufacturer != "" {
		a.registry.NotifyProperty(rec, PropNodeManufacturer, info.manufacturer)
	}
	if info.model != "" {
		a.registry.NotifyProperty(rec, PropNodeModel, info.model)
	}
}

func (a *Adapter) controllerCommand(ctx context.Context, coord Coordinator, cmd mig.Command) (string, error) {
	switch cmd.Command {
	case CmdControllerNodeAdd:
		return a.nodeAdd(ctx, coord)
	case CmdControllerNodeRemove:
		return a.nodeRemove(ctx, coord, cmd.Option(0))
	case CmdControllerSoftReset:
		if err := coord.Restart(ctx); err != nil {
			return "", coordinatorError(err)
		}
		return "", coordinatorError(coord.RefreshDevices(ctx))
	case CmdControllerDiscovery:
		return "", coordinatorError(coord.RefreshDevices(ctx))
	default:
		return "", fmt.Errorf("%w: %s", mig.ErrUnknownCommand, cmd.Command)
	}
}

// nodeAdd opens the network and waits for the first device to join. The
// reply carries its address, or is empty when nothing joined in time.
func (a *Adapter) nodeAdd(ctx context.Context, coord Coordinator) (string, error) {
	joined, cancel := a.joined.add()
	defer cancel()

	window := max(int(math.Ceil(a.joinTimeout.Seconds())), 1)
	if err := coord.PermitJoin(ctx, window); err != nil {
		return "", coordinatorError(err)
	}

	timer := time.NewTimer(a.joinTimeout)
	defer timer.Stop()

	var added string
	select {
	case added = <-joined:
	case <-timer.C:
		a.logger.Info("zigbee join window closed without a new node")
	case <-ctx.Done():
	}

	// A fresh context: the join window must be closed even if ctx ended.
	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer closeCancel()
	if err := coord.PermitJoin(closeCtx, 0); err != nil {
		a.logger.Warn("zigbee closing join window failed", "error", err)
	}

	if added == "" && ctx.Err() != nil {
		return "", ctx.Err()
	}
	return added, nil
}

// nodeRemove asks the coordinator to remove a node and waits for it to
// leave. A node that never confirms is dropped from the registry anyway.
func (a *Adapter) nodeRemove(ctx context.Context, coord Coordinator, option string) (string, error) {
	addr, err := NormalizeAddress(option)
	if err != nil {
		return "", fmt.Errorf("%w: unknown node %s", mig.ErrUnknownAddress, option)
	}
	if _, ok := a.registry.Find(addr); !ok {
		return "", fmt.Errorf("%w: unknown node %s", mig.ErrUnknownAddress, addr)
	}

	left, cancel := a.left.add()
	defer cancel()

	if err := coord.RemoveDevice(ctx, addr); err != nil {
		return "", coordinatorError(err)
	}

	timer := time.NewTimer(a.removeTimeout)
	defer timer.Stop()
	for confirmed := false; !confirmed; {
		select {
		case got := <-left:
			confirmed = got == addr
		case <-timer.C:
			a.logger.Warn("zigbee node did not confirm removal", "address", addr)
			a.removeNode(addr)
			confirmed = true
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fmt.Sprintf("Removed node %s.", addr), nil
}

func coordinatorError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("%w: %w", mig.ErrNotConnected, err)
	}
	return err
}

// brightness converts a level in [0,1] to the 0-254 ZCL range.
func brightness(level float64) int {
	return int(math.Round(level * maxBrightness))
}

func seconds(deciseconds int) float64 {
	return float64(deciseconds) / 10
}

// waiters fans one address out to every goroutine currently waiting.
type waiters struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func (w *waiters) add() (<-chan string, func()) {
	ch := make(chan string, 1)
	w.mu.Lock()
	if w.subs == nil {
		w.subs = make(map[chan string]struct{})
	}
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		delete(w.subs, ch)
		w.mu.Unlock()
	}
}

func (w *waiters) fire(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- address:
		default:
		}
	}
}

type noopPublisher struct{}

func (noopPublisher) Emit(mig.Notification) bool { return true }
