// Package telemetry holds the device payloads and the code that produces and
// consumes them on top of an MQTT session.
//
//   - Reading is the telemetry schema: {"temperature": n, "humidity": n}
//   - Generator produces the sample series the device publishes
//   - Publisher sends a fixed number of readings, paced by a rate limiter
//   - Sink decodes received readings and forwards them to storage
//   - CommandHandler decodes and records messages on the command topic
//
// Decode failures wrap mqtt.ErrPayloadDecode so the session reports them to
// the handler owner without tearing anything down.
package telemetry
