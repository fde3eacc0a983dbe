// Package influxdb records Lutron bridge telemetry in InfluxDB v2 using
// influxdb-client-go.
//
// Two kinds of point are written: periodic client statistics from the
// health reporter (through WritePoint) and session lifecycle transitions
// mirrored from the journal (WriteSessionEvent). Writes are batched and
// never block; batch failures are reported to the SetOnError callback.
//
//	client, err := influxdb.Connect(cfg.InfluxDB, influxdb.WithDefaultTag("service", "graylogic-lutron"))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package influxdb
