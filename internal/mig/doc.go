// Package mig defines the contract shared by every protocol interface in the
// gateway: commands in, responses out, and a stream of notifications when a
// module property or the module list changes.
//
// Each interface owns a domain (for example "HomeAutomation.X10"), a
// registry of modules keyed by protocol address, and a connection to an
// external protocol engine. Notifications are delivered fire-and-forget
// through an Emitter so a slow consumer never stalls a protocol callback.
package mig
