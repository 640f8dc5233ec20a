// Package logging provides structured logging for the MIG gateway.
//
// It wraps log/slog so every entry carries the service name and build
// version. Adapters derive a child logger with ForInterface so their
// entries are tagged with the protocol domain.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log secrets, tokens or passwords.
package logging
