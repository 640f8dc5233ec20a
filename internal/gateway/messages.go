package gateway

import (
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// CommandMessage is received on graylogic/command/{domain}/{address}.
type CommandMessage struct {
	// ID correlates the ack. One is generated when empty.
	ID      string   `json:"id,omitempty"`
	Command string   `json:"command"`
	Options []string `json:"options,omitempty"`
	// Source names the sender, e.g. "console" or "automation".
	Source string `json:"source,omitempty"`
}

// AckMessage is published on graylogic/ack/{domain}/{address}.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Domain    string    `json:"domain"`
	Address   string    `json:"address"`
	Command   string    `json:"command,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Ack codes set by the gateway itself rather than an interface.
const (
	// CodeInvalidPayload is the ack code for commands that fail validation.
	CodeInvalidPayload = "INVALID_PAYLOAD"
	// CodeUnknownInterface is the ack code for a domain nothing is hosted for.
	CodeUnknownInterface = "UNKNOWN_INTERFACE"
	// CodeBusy is the ack code for commands rejected because the queue is full.
	CodeBusy = "BUSY"
)

func newAck(id, domain, address, command string, resp mig.Response) AckMessage {
	return AckMessage{
		CommandID: id,
		Domain:    domain,
		Address:   address,
		Command:   command,
		Status:    resp.Status,
		Message:   resp.Message,
		Code:      resp.Code,
		Timestamp: time.Now().UTC(),
	}
}

// StateMessage is published, retained, on graylogic/state/{domain}/{address}
// for every property notification.
type StateMessage struct {
	Domain      string    `json:"domain"`
	Address     string    `json:"address"`
	Description string    `json:"description,omitempty"`
	Property    string    `json:"property"`
	Value       any       `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
}

func newStateMessage(n mig.Notification) StateMessage {
	return StateMessage{
		Domain:      n.Domain,
		Address:     n.Address,
		Description: n.Description,
		Property:    n.Property,
		Value:       n.Value,
		Timestamp:   n.Timestamp,
	}
}

// ModulesMessage is published, retained, on graylogic/modules/{domain}.
type ModulesMessage struct {
	Domain    string       `json:"domain"`
	Modules   []mig.Module `json:"modules"`
	Timestamp time.Time    `json:"timestamp"`
}

// HealthStatus is the reported state of an interface.
type HealthStatus string

// Health states.
const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published, retained, on graylogic/health/{domain}.
type HealthMessage struct {
	Domain        string            `json:"domain"`
	Status        HealthStatus      `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Modules       int               `json:"modules"`
	Stats         map[string]uint64 `json:"stats,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
