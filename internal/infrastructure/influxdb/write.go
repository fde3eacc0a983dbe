package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementSessionEvent holds one point per session lifecycle transition.
const MeasurementSessionEvent = "lutron_session_event"

// WritePoint queues a point stamped now. It satisfies lutron.MetricsWriter.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point at ts. Points written after Close are
// dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// WriteSessionEvent mirrors a journal entry so outages line up with the
// statistics series. kind is the journal kind (connected, disconnected,
// watchdog_fired and so on).
func (c *Client) WriteSessionEvent(bridgeID, kind, address string, at time.Time) {
	tags := map[string]string{"bridge": bridgeID, "kind": kind}
	fields := map[string]interface{}{"address": address, "count": 1}
	c.WritePointWithTime(MeasurementSessionEvent, tags, fields, at)
}
