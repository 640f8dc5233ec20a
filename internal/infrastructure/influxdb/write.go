package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the gateway.
const (
	MeasurementProperty  = "mig_property"
	MeasurementInterface = "mig_interface"
)

// WriteProperty records a numeric module property, e.g. Sensor.Temperature
// or Status.Level, tagged by interface domain, module address and property path.
func (c *Client) WriteProperty(domain, address, property string, value float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(PropertyPoint(domain, address, property, value, ts))
}

// WriteInterfaceStats records counters for one interface (frames sent,
// notifications dropped, reconnects and so on).
func (c *Client) WriteInterfaceStats(domain string, counters map[string]uint64) {
	if !c.IsConnected() || len(counters) == 0 {
		return
	}

	fields := make(map[string]interface{}, len(counters))
	for k, v := range counters {
		fields[k] = v
	}

	c.writer.WritePoint(write.NewPoint(
		MeasurementInterface,
		map[string]string{"domain": domain},
		fields,
		time.Now(),
	))
}

// PropertyPoint builds the point WriteProperty sends.
func PropertyPoint(domain, address, property string, value float64, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementProperty,
		map[string]string{
			"domain":   domain,
			"address":  address,
			"property": property,
		},
		map[string]interface{}{"value": value},
		ts,
	)
}
