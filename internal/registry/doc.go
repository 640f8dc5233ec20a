// Package registry keeps the in-memory module list of one interface and
// persists it to an XML file between restarts.
//
// A DeviceRecord is created the first time a command or protocol event
// names an unknown address. Creation, removal and reclassification emit a
// single modules-changed notification; level changes only schedule a save.
// Saves are coalesced (at most one per SaveDelay) and serialised, and I/O
// failures are logged rather than returned so the registry keeps working in
// memory when the disk does not.
package registry
