// Package influxdb mirrors numeric module properties into InfluxDB.
//
// Telemetry is optional: Connect returns ErrDisabled when the influxdb
// section is disabled and callers simply run without it. Every numeric
// property notification (levels, temperatures, battery, watts) becomes a
// point in the mig_property measurement, tagged by domain, address and
// property path.
package influxdb
