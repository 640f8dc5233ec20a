package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mig/internal/gateway"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

const consoleSource = "console"

// MQTTClient is the part of the MQTT client the console uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
}

var shorthand = map[string]string{
	"on":     mig.CmdControlOn,
	"off":    mig.CmdControlOff,
	"toggle": mig.CmdControlToggle,
}

var domainAliases = map[string]string{
	"x10":    mig.DomainX10,
	"zigbee": mig.DomainZigBee,
}

// Console turns typed lines into gateway commands and prints the acks,
// state and module notifications that come back.
type Console struct {
	client MQTTClient
	out    io.Writer

	mu      sync.Mutex
	domain  string
	watch   bool
	pending map[string]string // command ID -> "address command"
	modules map[string]gateway.ModulesMessage
	health  map[string]gateway.HealthMessage
}

// NewConsole creates a console writing to out.
func NewConsole(client MQTTClient, out io.Writer) *Console {
	return &Console{
		client:  client,
		out:     out,
		domain:  mig.DomainX10,
		pending: make(map[string]string),
		modules: make(map[string]gateway.ModulesMessage),
		health:  make(map[string]gateway.HealthMessage),
	}
}

// Subscribe attaches the console to acks, state, modules and health topics.
func (c *Console) Subscribe() error {
	t := mqtt.Topics{}
	subs := map[string]func(string, []byte) error{
		t.AllAcks():    c.handleAck,
		t.AllStates():  c.handleState,
		t.Modules("+"): c.handleModules,
		t.Health("+"):  c.handleHealth,
	}
	topics := make([]string, 0, len(subs))
	for topic := range subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if err := c.client.Subscribe(topic, 1, subs[topic]); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	return nil
}

// Execute runs one input line. It returns true when the user asked to quit.
func (c *Console) Execute(line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "use", "u":
		c.cmdUse(args)
	case "send", "s":
		c.cmdSend(args)
	case "on", "off", "toggle":
		if len(args) != 1 {
			c.printf("Usage: %s <address>\n", cmd)
			return false
		}
		c.cmdSend([]string{args[0], shorthand[cmd]})
	case "level":
		if len(args) != 2 {
			c.printf("Usage: level <address> <0-100>\n")
			return false
		}
		c.cmdSend([]string{args[0], mig.CmdControlLevel, args[1]})
	case "modules", "m":
		c.cmdModules()
	case "health":
		c.cmdHealth()
	case "watch", "w":
		c.cmdWatch(args)
	case "quit", "exit", "q":
		c.printf("Exiting...\n")
		return true
	default:
		c.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

// Domain returns the current target interface.
func (c *Console) Domain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domain
}

func (c *Console) printHelp() {
	c.printf(`Commands:
  use <x10|zigbee|domain>           select the target interface
  send <address> <Command> [opts]   send a command, e.g. send A1 Control.Level 50
  on|off|toggle <address>           shorthand for Control.On/Off/Toggle
  level <address> <0-100>           shorthand for Control.Level
  modules                           list modules of the current interface
  health                            show interface health
  watch on|off                      print property changes as they arrive
  quit                              leave the console
`)
}

func (c *Console) cmdUse(args []string) {
	if len(args) != 1 {
		c.printf("Current interface: %s\n", c.Domain())
		return
	}
	domain := args[0]
	if alias, ok := domainAliases[strings.ToLower(domain)]; ok {
		domain = alias
	}
	c.mu.Lock()
	c.domain = domain
	c.mu.Unlock()
	c.printf("Using %s\n", domain)
}

func (c *Console) cmdSend(args []string) {
	if len(args) < 2 {
		c.printf("Usage: send <address> <Command> [options...]\n")
		return
	}
	domain := c.Domain()
	msg := gateway.CommandMessage{
		ID:      uuid.NewString(),
		Command: args[1],
		Options: args[2:],
		Source:  consoleSource,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		c.printf("Error: %v\n", err)
		return
	}

	c.mu.Lock()
	c.pending[msg.ID] = args[0] + " " + msg.Command
	c.mu.Unlock()

	if err := c.client.Publish(mqtt.Topics{}.Command(domain, args[0]), payload, 1, false); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		c.printf("Publish failed: %v\n", err)
		return
	}
	c.printf("-> %s %s %s\n", args[0], msg.Command, strings.Join(msg.Options, " "))
}

func (c *Console) cmdModules() {
	domain := c.Domain()
	c.mu.Lock()
	msg, ok := c.modules[domain]
	c.mu.Unlock()
	if !ok {
		c.printf("No module list received for %s\n", domain)
		return
	}

	c.printf("%s (%d modules)\n", domain, len(msg.Modules))
	for _, m := range msg.Modules {
		c.printf("  %-18s %-12s %5.2f  %s\n", m.Address, m.Type, m.Level, m.Description)
	}
}

func (c *Console) cmdHealth() {
	c.mu.Lock()
	domains := make([]string, 0, len(c.health))
	for d := range c.health {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	msgs := make([]gateway.HealthMessage, 0, len(domains))
	for _, d := range domains {
		msgs = append(msgs, c.health[d])
	}
	c.mu.Unlock()

	if len(msgs) == 0 {
		c.printf("No health received yet\n")
		return
	}
	for _, h := range msgs {
		line := fmt.Sprintf("  %-22s %-9s modules=%d uptime=%ds", h.Domain, h.Status, h.Modules, h.UptimeSeconds)
		if h.Reason != "" {
			line += " (" + h.Reason + ")"
		}
		c.printf("%s\n", line)
	}
}

func (c *Console) cmdWatch(args []string) {
	on := len(args) == 0 || strings.EqualFold(args[0], "on")
	c.mu.Lock()
	c.watch = on
	c.mu.Unlock()
	if on {
		c.printf("Watching property changes\n")
	} else {
		c.printf("Stopped watching\n")
	}
}

func (c *Console) handleAck(_ string, payload []byte) error {
	var ack gateway.AckMessage
	if err := json.Unmarshal(payload, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	label, mine := c.pending[ack.CommandID]
	delete(c.pending, ack.CommandID)
	c.mu.Unlock()
	if !mine {
		return nil
	}

	switch {
	case ack.Status == mig.StatusOk && ack.Message != "":
		c.printf("<- %s: %s (%s)\n", label, ack.Status, ack.Message)
	case ack.Status == mig.StatusOk:
		c.printf("<- %s: %s\n", label, ack.Status)
	default:
		c.printf("<- %s: %s %s: %s\n", label, ack.Status, ack.Code, ack.Message)
	}
	return nil
}

func (c *Console) handleState(_ string, payload []byte) error {
	c.mu.Lock()
	watch := c.watch
	c.mu.Unlock()
	if !watch {
		return nil
	}

	var state gateway.StateMessage
	if err := json.Unmarshal(payload, &state); err != nil {
		return err
	}
	c.printf("%s %s %s %s = %v\n", state.Timestamp.Local().Format("15:04:05"), state.Domain, state.Address, state.Property, state.Value)
	return nil
}

func (c *Console) handleModules(_ string, payload []byte) error {
	var msg gateway.ModulesMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.modules[msg.Domain] = msg
	c.mu.Unlock()
	return nil
}

func (c *Console) handleHealth(_ string, payload []byte) error {
	var msg gateway.HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.health[msg.Domain] = msg
	c.mu.Unlock()
	return nil
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
