// Package mqtt provides the device's MQTT session: connection lifecycle,
// subscription bookkeeping and asynchronous publish/subscribe completion.
//
// This package manages:
//   - A mutual-TLS session to the cloud broker (paho does the handshake)
//   - Interruption detection and paho's automatic reconnect
//   - Replay of every registered subscription after a reconnect without session state
//   - Publish and subscribe operations resolved through PendingOp handles
//   - Routing of incoming messages to handlers by topic filter
//
// # Architecture
//
// Paho callbacks are turned into events and applied by one loop goroutine,
// so connection state has a single writer besides Connect and Disconnect.
//
//	paho callbacks -> eventQueue -> Session loop -> Registry.ReplayAll
//	                                         \-> Dispatcher.failInFlight
//
// Messages are delivered through paho's default publish handler into
// Registry.Dispatch, which matches '+' and '#' filters.
//
// # Failure Policy
//
//   - A failed first connect is returned as *ConnectError and never retried
//   - Operations in flight when the connection drops resolve with ErrConnectionLost
//   - A subscription refused by the broker during replay makes the session fatal:
//     Fatal() is closed and every later operation returns ErrSessionFatal
//   - Publish timeouts and handler errors are reported, the session continues
//
// # Usage
//
//	id := mqtt.NewIdentity(cfg.Device, cfg.MQTT)
//	session := mqtt.NewSession(id, cfg.MQTT, logger)
//	if err := session.Connect(ctx); err != nil {
//	    return err
//	}
//	defer session.Disconnect(cfg.MQTT.DisconnectTimeout())
//
//	op, err := session.Subscribe("device/commands", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//	if err != nil {
//	    return err
//	}
//	res, err := op.Await(5 * time.Second) // res.GrantedQoS
//
//	op, err = session.Publish("device/telemetry", payload, 1, false)
package mqtt
