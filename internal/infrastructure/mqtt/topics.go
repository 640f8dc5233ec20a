package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the gateway owns.
//
// Interface topics use the flat scheme graylogic/{category}/{domain}/{address}
// where domain is the interface domain, e.g. "HomeAutomation.X10".
const TopicPrefix = "graylogic"

// Topic categories.
const (
	CategoryCommand = "command"
	CategoryAck     = "ack"
	CategoryState   = "state"
	CategoryModules = "modules"
	CategoryHealth  = "health"
)

// Topics provides builders for gateway MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("HomeAutomation.X10", "A1")
//	// "graylogic/state/HomeAutomation.X10/A1"
type Topics struct{}

// Command returns the topic commands for a module are received on.
func (Topics) Command(domain, address string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryCommand, domain, address)
}

// Ack returns the topic command results are published on.
func (Topics) Ack(domain, address string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryAck, domain, address)
}

// State returns the retained property notification topic for a module.
func (Topics) State(domain, address string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryState, domain, address)
}

// Modules returns the retained module list topic for an interface.
func (Topics) Modules(domain string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, CategoryModules, domain)
}

// Health returns the retained health topic for an interface.
func (Topics) Health(domain string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, CategoryHealth, domain)
}

// SystemStatus returns the gateway online/offline topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllCommands matches commands for every interface and module.
func (Topics) AllCommands() string {
	return TopicPrefix + "/" + CategoryCommand + "/+/+"
}

// AllStates matches every property notification.
func (Topics) AllStates() string {
	return TopicPrefix + "/" + CategoryState + "/+/+"
}

// AllAcks matches every command result.
func (Topics) AllAcks() string {
	return TopicPrefix + "/" + CategoryAck + "/+/+"
}

// ParseTopic splits a gateway topic into its category, domain and address.
// ok is false for topics outside the graylogic/{category}/{domain}/{address} scheme.
func ParseTopic(topic string) (category, domain, address string, ok bool) {
	parts := strings.SplitN(topic, "/", 4)
	if len(parts) != 4 || parts[0] != TopicPrefix {
		return "", "", "", false
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}
