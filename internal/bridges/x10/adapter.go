package x10

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/mig"
	"github.com/nerrad567/gray-logic-mig/internal/registry"
)

// Port values that select the transmit mode.
const (
	PortCM19 = "CM19-USB"
	PortCM15 = "USB"
)

// X10-specific commands.
const (
	CmdParameterStatus    = "Parameter.Status"
	CmdControlBright      = "Control.Bright"
	CmdControlDim         = "Control.Dim"
	CmdControlAllLightsOn = "Control.AllLightsOn"
	CmdControlAllUnitsOff = "Control.AllUnitsOff"
	CmdControlRfSend      = "Control.RfSend"
)

// Option names.
const (
	OptionPort       = "Port"
	OptionHouseCodes = "HouseCodes"
	OptionMochad     = "Mochad"
)

const (
	descModule   = "X10 Module"
	descSecurity = "X10 Security"
	descReceiver = "X10 RF Receiver"

	// rfStep is the level change of one CM19 bright/dim.
	rfStep = 0.05
	// defaultDimPercent is the powerline bright/dim amount when none is given.
	defaultDimPercent = 5

	defaultStepDelay     = 200 * time.Millisecond
	defaultRawResetDelay = 300 * time.Millisecond

	// rawFramePrefix precedes raw bytes sent on a powerline controller.
	rawFramePrefix = 0xEB
)

// Config is the adapter configuration.
type Config struct {
	Port       string
	HouseCodes string
	Mochad     string
}

// DialFunc opens the transport for cfg.
type DialFunc func(ctx context.Context, cfg Config, logger Logger) (Connector, error)

// Options wires the adapter to the rest of the gateway. All fields are optional.
type Options struct {
	Publisher mig.Publisher
	Store     registry.Store
	Logger    Logger
	Dial      DialFunc

	// StepDelay separates the bright/dim frames of a CM19 level change.
	StepDelay time.Duration
	// RawResetDelay is how long after the last raw RF frame the empty
	// Receiver.RawData reset is emitted.
	RawResetDelay time.Duration
}

// Adapter is the X10 interface.
type Adapter struct {
	// connectMu serialises Connect, Disconnect and SetOption.
	connectMu sync.Mutex

	mu     sync.RWMutex
	cfg    Config
	houses []byte
	conn   Connector
	loaded bool

	registry  *registry.Registry
	publisher mig.Publisher
	logger    Logger
	dial      DialFunc

	stepDelay     time.Duration
	rawResetDelay time.Duration

	// eventMu guards the addressing state used by received frames.
	eventMu       sync.Mutex
	lastAddressed string
	plAddressed   []Address
	plFuncSeen    bool

	rawMu    sync.Mutex
	rawTimer *time.Timer
}

var (
	_ mig.Interface     = (*Adapter)(nil)
	_ mig.StatsProvider = (*Adapter)(nil)
)

// New creates a disconnected adapter.
func New(cfg Config, opts Options) *Adapter {
	a := &Adapter{
		cfg:           cfg,
		publisher:     opts.Publisher,
		logger:        opts.Logger,
		dial:          opts.Dial,
		stepDelay:     opts.StepDelay,
		rawResetDelay: opts.RawResetDelay,
	}
	if a.publisher == nil {
		a.publisher = noopPublisher{}
	}
	if a.logger == nil {
		a.logger = noopLogger{}
	}
	if a.dial == nil {
		a.dial = dialMochad
	}
	if a.stepDelay <= 0 {
		a.stepDelay = defaultStepDelay
	}
	if a.rawResetDelay <= 0 {
		a.rawResetDelay = defaultRawResetDelay
	}
	a.registry = registry.New(mig.DomainX10, registry.Options{
		Store:     opts.Store,
		Publisher: a.publisher,
		Logger:    a.logger,
	})
	return a
}

func dialMochad(ctx context.Context, cfg Config, logger Logger) (Connector, error) {
	c, err := DialMochad(ctx, MochadConfig{Connection: cfg.Mochad}, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Domain returns HomeAutomation.X10.
func (a *Adapter) Domain() string {
	return mig.DomainX10
}

// Connect loads the persisted modules on first use, registers the house
// code units and opens the transport.
func (a *Adapter) Connect(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	return a.connect(ctx)
}

func (a *Adapter) connect(ctx context.Context) error {
	if a.IsConnected() {
		return nil
	}

	a.mu.RLock()
	cfg, loaded := a.cfg, a.loaded
	a.mu.RUnlock()

	houses, err := ParseHouseCodes(cfg.HouseCodes)
	if err != nil {
		return fmt.Errorf("%w: %w", mig.ErrInvalidOption, err)
	}

	if !loaded {
		a.registry.Load(ctx)
	}
	a.seedModules(cfg.Port, houses)

	conn, err := a.dial(ctx, cfg, a.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", mig.ErrNotConnected, err)
	}
	conn.SetOnEvent(a.handleEvent)

	a.mu.Lock()
	a.conn = conn
	a.houses = houses
	a.loaded = true
	a.mu.Unlock()

	a.logger.Info("x10 interface connected", "port", cfg.Port, "house_codes", cfg.HouseCodes)
	a.registry.NotifyModules()
	return nil
}

// seedModules makes sure the transceiver and every unit of the configured
// house codes are listed.
func (a *Adapter) seedModules(port string, houses []byte) {
	switch port {
	case PortCM19:
		a.registry.AddOrGet(rfAddress, mig.TypeSensor, "CM19 Transceiver")
	case PortCM15:
		a.registry.AddOrGet(rfAddress, mig.TypeSensor, "CM15 Transceiver")
	}

	units := make([]string, 0, len(houses)*16)
	for _, h := range houses {
		for u := 1; u <= 16; u++ {
			units = append(units, Address{House: h, Unit: u}.String())
		}
	}
	a.registry.Seed(units, mig.TypeSwitch, descModule)
}

// Disconnect closes the transport and flushes the registry.
func (a *Adapter) Disconnect() error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	return a.disconnect()
}

func (a *Adapter) disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	a.rawMu.Lock()
	if a.rawTimer != nil {
		a.rawTimer.Stop()
		a.rawTimer = nil
	}
	a.rawMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
		a.logger.Info("x10 interface disconnected")
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

// IsConnected reports whether mochad is reachable.
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	return conn != nil && conn.IsConnected()
}

// Modules lists the known modules ordered by address.
func (a *Adapter) Modules() []mig.Module {
	return a.registry.Modules()
}

// Options returns the current interface options.
func (a *Adapter) Options() []mig.Option {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return []mig.Option{
		{Name: OptionPort, Value: a.cfg.Port, Description: "CM19-USB for RF only, USB for CM15 powerline"},
		{Name: OptionHouseCodes, Value: a.cfg.HouseCodes, Description: "comma separated house codes to register and listen to"},
		{Name: OptionMochad, Value: a.cfg.Mochad, Description: "mochad address"},
	}
}

// SetOption stores an option and reconnects if the adapter was connected.
func (a *Adapter) SetOption(ctx context.Context, name, value string) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	value = strings.TrimSpace(value)
	a.mu.Lock()
	switch {
	case strings.EqualFold(name, OptionPort):
		a.cfg.Port = strings.ReplaceAll(value, "|", "/")
	case strings.EqualFold(name, OptionHouseCodes):
		if _, err := ParseHouseCodes(value); err != nil {
			a.mu.Unlock()
			return fmt.Errorf("%w: %w", mig.ErrInvalidOption, err)
		}
		a.cfg.HouseCodes = strings.ToUpper(value)
	case strings.EqualFold(name, OptionMochad):
		a.cfg.Mochad = value
	default:
		a.mu.Unlock()
		return fmt.Errorf("%w: unknown option %q", mig.ErrInvalidOption, name)
	}
	wasConnected := a.conn != nil
	a.mu.Unlock()

	if !wasConnected {
		return nil
	}
	if err := a.disconnect(); err != nil {
		a.logger.Warn("x10 disconnect before reconnect failed", "error", err)
	}
	return a.connect(ctx)
}

// Stats returns transport and registry counters.
func (a *Adapter) Stats() map[string]uint64 {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()

	stats := map[string]uint64{
		"modules":     uint64(a.registry.Len()), //nolint:gosec // length is never negative
		"save_errors": a.registry.SaveErrors(),
	}
	if conn != nil {
		s := conn.Stats()
		stats["frames_tx"] = s.FramesTx
		stats["frames_rx"] = s.FramesRx
		stats["events_dropped"] = s.EventsDropped
		stats["errors_total"] = s.ErrorsTotal
		stats["reconnects_total"] = s.ReconnectsTotal
	}
	return stats
}

// Control executes a command and reports the outcome.
func (a *Adapter) Control(ctx context.Context, cmd mig.Command) mig.Response {
	if err := a.control(ctx, cmd); err != nil {
		a.logger.Warn("x10 command failed", "command", cmd.String(), "error", err)
		return mig.ResponseError(err)
	}
	return mig.ResponseOk("")
}

func (a *Adapter) control(ctx context.Context, cmd mig.Command) error {
	a.mu.RLock()
	conn, rf := a.conn, a.cfg.Port == PortCM19
	a.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return mig.ErrNotConnected
	}

	switch cmd.Command {
	case CmdControlRfSend:
		return a.rfSend(ctx, conn, rf, cmd.Option(0))
	case mig.CmdControlLevelAdjust:
		return fmt.Errorf("%w: %s", mig.ErrNotSupported, cmd.Command)
	case CmdControlAllLightsOn, CmdControlAllUnitsOff:
		return a.houseCommand(ctx, conn, rf, cmd)
	case CmdParameterStatus, mig.CmdControlOn, mig.CmdControlOff, CmdControlBright, CmdControlDim,
		mig.CmdControlLevel, mig.CmdControlToggle:
	default:
		return fmt.Errorf("%w: %s", mig.ErrUnknownCommand, cmd.Command)
	}

	addr, err := ParseAddress(cmd.Address)
	if err != nil || !addr.IsUnit() {
		return fmt.Errorf("%w: %q is not an X10 unit address", mig.ErrUnknownAddress, cmd.Address)
	}

	medium := MediumPL
	if rf {
		medium = MediumRF
	}

	if cmd.Command == CmdParameterStatus {
		if rf {
			return fmt.Errorf("%w: status request needs a powerline controller", mig.ErrNotSupported)
		}
		return a.send(ctx, conn, Frame{Medium: MediumPL, Address: addr, Func: FuncStatusRequest})
	}

	rec, _ := a.registry.AddOrGet(addr.String(), mig.TypeSwitch, descModule)

	var level float64
	switch cmd.Command {
	case mig.CmdControlOn:
		if err := a.send(ctx, conn, Frame{Medium: medium, Address: addr, Func: FuncOn}); err != nil {
			return err
		}
		level = rec.Restore()

	case mig.CmdControlOff:
		if err := a.send(ctx, conn, Frame{Medium: medium, Address: addr, Func: FuncOff}); err != nil {
			return err
		}
		level = rec.SetLevel(0)

	case CmdControlBright, CmdControlDim:
		fn, sign := FuncBright, 1.0
		if cmd.Command == CmdControlDim {
			fn, sign = FuncDim, -1.0
		}
		if rf {
			// RF bright/dim carry only the house code.
			if err := a.send(ctx, conn, Frame{Medium: medium, Address: Address{House: addr.House}, Func: fn}); err != nil {
				return err
			}
			level = rec.AdjustLevel(sign * rfStep)
			break
		}
		pct, err := percentOption(cmd, defaultDimPercent)
		if err != nil {
			return err
		}
		if err := a.send(ctx, conn, Frame{Medium: medium, Address: addr, Func: fn, Steps: stepsForPercent(pct)}); err != nil {
			return err
		}
		level = rec.AdjustLevel(sign * float64(pct) / 100)

	case mig.CmdControlLevel:
		pct, err := percentOption(cmd, -1)
		if err != nil {
			return err
		}
		if pct < 0 {
			return fmt.Errorf("%w: %s needs a level", mig.ErrInvalidOption, cmd.Command)
		}
		if rf {
			level, err = a.stepLevel(ctx, conn, rec, addr, pct)
			a.registry.NotifyProperty(rec, mig.PropStatusLevel, level)
			return err
		}
		delta := pct - int(math.Round(rec.Level()*100))
		if delta != 0 {
			fn := FuncBright
			if delta < 0 {
				fn = FuncDim
			}
			if err := a.send(ctx, conn, Frame{Medium: medium, Address: addr, Func: fn, Steps: stepsForPercent(delta)}); err != nil {
				return err
			}
		}
		level = rec.SetLevel(float64(pct) / 100)

	case mig.CmdControlToggle:
		fn := FuncOn
		if rec.Level() > 0 {
			fn = FuncOff
		}
		if err := a.send(ctx, conn, Frame{Medium: medium, Address: addr, Func: fn}); err != nil {
			return err
		}
		level = rec.Toggle()
	}

	a.registry.NotifyProperty(rec, mig.PropStatusLevel, level)
	return nil
}

// stepLevel reaches pct on a CM19 by repeating house-wide bright or dim
// frames 5% apart. The record reflects the steps actually sent, even when
// ctx ends the sequence early.
func (a *Adapter) stepLevel(ctx context.Context, conn Connector, rec *registry.DeviceRecord, addr Address, pct int) (float64, error) {
	steps := (pct - int(math.Round(rec.Level()*100))) / 5
	fn, sign := FuncBright, 1.0
	if steps < 0 {
		fn, sign, steps = FuncDim, -1.0, -steps
	}

	frame := Frame{Medium: MediumRF, Address: Address{House: addr.House}, Func: fn}
	sent := 0
	var err error
	for sent < steps {
		if sent > 0 {
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(a.stepDelay):
			}
			if err != nil {
				break
			}
		}
		if err = a.send(ctx, conn, frame); err != nil {
			break
		}
		sent++
	}

	level := rec.AdjustLevel(sign * float64(sent) * rfStep)
	return level, err
}

// houseCommand sends a house-wide function and updates every registered
// unit of that house code.
func (a *Adapter) houseCommand(ctx context.Context, conn Connector, rf bool, cmd mig.Command) error {
	addr, err := ParseAddress(cmd.Address)
	if err != nil {
		return fmt.Errorf("%w: %q is not an X10 house code", mig.ErrUnknownAddress, cmd.Address)
	}

	fn, level := FuncAllLightsOn, 1.0
	if cmd.Command == CmdControlAllUnitsOff {
		fn, level = FuncAllUnitsOff, 0.0
	}
	medium := MediumPL
	if rf {
		medium = MediumRF
	}
	if err := a.send(ctx, conn, Frame{Medium: medium, Address: Address{House: addr.House}, Func: fn}); err != nil {
		return err
	}

	a.applyToHouse(addr.House, level)
	return nil
}

func (a *Adapter) applyToHouse(house byte, level float64) {
	for _, rec := range a.registry.List() {
		unit, err := ParseAddress(rec.Address())
		if err != nil || !unit.IsUnit() || unit.House != house {
			continue
		}
		a.registry.NotifyProperty(rec, mig.PropStatusLevel, rec.SetLevel(level))
	}
}

func (a *Adapter) rfSend(ctx context.Context, conn Connector, rf bool, option string) error {
	data, err := decodeHex(option)
	if err != nil || len(data) == 0 {
		return fmt.Errorf("%w: RF data %q", mig.ErrInvalidOption, option)
	}
	if !rf {
		data = append([]byte{rawFramePrefix}, data...)
	}

	if err := conn.SendRaw(ctx, data); err != nil {
		if errors.Is(err, ErrRawUnsupported) {
			return fmt.Errorf("%w: %w", mig.ErrNotSupported, err)
		}
		return transportError(err)
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, conn Connector, f Frame) error {
	if err := conn.Send(ctx, f); err != nil {
		return transportError(err)
	}
	return nil
}

func transportError(err error) error {
	if errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("%w: %w", mig.ErrNotConnected, err)
	}
	return err
}

// percentOption reads option 0 as a whole percentage in [0,100]. def is
// returned when the option is absent.
func percentOption(cmd mig.Command, def int) (int, error) {
	if cmd.Option(0) == "" {
		return def, nil
	}
	v, err := cmd.OptionFloat(0, 0)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("%w: level %v out of range 0-100", mig.ErrInvalidOption, v)
	}
	return int(math.Round(v)), nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopPublisher struct{}

func (noopPublisher) Emit(mig.Notification) bool { return true }
