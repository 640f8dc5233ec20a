// Package x10 implements the HomeAutomation.X10 interface.
//
// The adapter talks to X10 hardware through mochad, which owns the CM15 or
// CM19 USB device and exposes a line-oriented TCP protocol (default port
// 1099). Two transmit modes are supported:
//
//   - CM19 (Port "CM19-USB"): RF only. Bright and dim act on the whole house
//     code, so absolute levels are reached by stepping 5% at a time.
//   - Powerline (any other Port, e.g. "USB" for a CM15): unit commands go out
//     on the mains and a single frame carries the dim step count.
//
// Received frames are translated into module notifications: unit commands
// from remotes and the powerline, X10 security sensors (door/window, motion,
// keyfob remotes) and raw RF data.
//
// Addresses are house code plus unit, A1 to P16. Security devices use
// "S-" plus their six hex digit RF id, with a 01/02 suffix for the two
// door sensor channels; every security keyfob shares "S-REMOTE".
package x10
