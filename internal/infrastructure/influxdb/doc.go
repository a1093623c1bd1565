// Package influxdb is the optional time-series sink of devicelink.
//
// When influxdb.enabled is set, the daemon writes two measurements through
// the batched, non-blocking write API of influxdb-client-go v2:
//   - "telemetry": each decoded reading received on a subscribed topic
//   - "mqtt_session": each connection state transition, with a 0/1
//     "connected" field for graphing outages
//
// Write failures arrive asynchronously through SetOnError. HealthCheck pings
// the server and backs the "influxdb" component of /api/v1/health.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package influxdb
