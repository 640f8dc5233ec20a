// Package discovery advertises the gateway HTTP API over mDNS so panels and
// the console can find it without configuration.
package discovery
