// Package process supervises the helper daemons an interface depends on,
// such as mochad for X10 or zigbee2mqtt for ZigBee.
//
// A Supervisor starts the daemon in its own process group, forwards its
// output to the logger, and restarts it with a fixed delay when it exits.
// An optional probe detects a daemon that is running but unresponsive.
//
//	sup := process.New(process.Config{
//	    Name:   "mochad",
//	    Binary: "/usr/local/sbin/mochad",
//	    Args:   []string{"-d"},
//	    Probe:  process.TCPProbe("localhost:1099"),
//	}, logger)
//
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package process
