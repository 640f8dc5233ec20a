// Package gateway hosts the protocol interfaces and connects them to the
// rest of the system.
//
// Commands arrive on graylogic/command/{domain}/{address} and are answered
// on graylogic/ack/{domain}/{address}. Every notification an interface
// emits is published to MQTT, stored in the SQLite history and, for numeric
// values, written to InfluxDB. Each interface reports its health on
// graylogic/health/{domain}.
//
// The HTTP API shares the same entry points: Execute, Interfaces, Modules
// and SetOption.
package gateway
