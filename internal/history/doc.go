// Package history stores what the gateway has seen and done in SQLite.
//
// Property events are every property notification emitted by an interface,
// kept for a configurable retention period. The command log records each
// command executed through MQTT or the HTTP API with its outcome.
//
// Both tables are created by the embedded migrations in /migrations.
package history
