package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by devicelink.
const (
	MeasurementTelemetry = "telemetry"
	MeasurementSession   = "mqtt_session"
)

// WriteReading queues one decoded telemetry reading received on topic.
func (c *Client) WriteReading(device, topic string, temperature, humidity float64, ts time.Time) {
	if c.closed.Load() {
		return
	}
	c.writeAPI.WritePoint(readingPoint(device, topic, temperature, humidity, ts))
}

// WriteSessionEvent records an MQTT connection state transition so outages
// can be graphed next to the telemetry they interrupted.
func (c *Client) WriteSessionEvent(device, clientID, state string, ts time.Time) {
	if c.closed.Load() {
		return
	}
	c.writeAPI.WritePoint(sessionPoint(device, clientID, state, ts))
}

func readingPoint(device, topic string, temperature, humidity float64, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementTelemetry,
		map[string]string{
			"device": device,
			"topic":  topic,
		},
		map[string]interface{}{
			"temperature": temperature,
			"humidity":    humidity,
		},
		ts,
	)
}

func sessionPoint(device, clientID, state string, ts time.Time) *write.Point {
	connected := int64(0)
	if state == "connected" {
		connected = 1
	}
	return write.NewPoint(
		MeasurementSession,
		map[string]string{
			"device":    device,
			"client_id": clientID,
		},
		map[string]interface{}{
			"state":     state,
			"connected": connected,
		},
		ts,
	)
}
