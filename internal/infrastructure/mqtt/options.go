package mqtt

import (
	"crypto/tls"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout bounds acknowledgement waits when none is configured.
	defaultOperationTimeout = 5 * time.Second

	// defaultDisconnectTimeout bounds Disconnect when the caller passes zero.
	defaultDisconnectTimeout = 5 * time.Second

	// maxDisconnectQuiesce caps the time paho spends draining work on disconnect.
	maxDisconnectQuiesce = 1000 * time.Millisecond

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 10 * time.Second

	// defaultMaxReconnectInterval caps paho's reconnect backoff.
	defaultMaxReconnectInterval = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions creates paho MQTT options for one session.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID from the session identity
//   - Mutual TLS (if tlsCfg is non-nil)
//   - Auto-reconnect after an established connection drops, no retry of the first connect
//   - Clean session mode and keepalive
//
// Subscriptions are not resumed by paho. The Registry replays them after a
// reconnect so that every SUBACK passes through the session.
func buildClientOptions(id Identity, cfg config.MQTTConfig, tlsCfg *tls.Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(id.BrokerURL())
	opts.SetClientID(id.ClientID)

	opts.SetCleanSession(cfg.CleanSession)

	// Reconnect only after a session has been established.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(durationOr(time.Duration(cfg.Reconnect.MaxInterval)*time.Second, defaultMaxReconnectInterval))
	opts.SetResumeSubs(false)

	opts.SetConnectTimeout(durationOr(cfg.ConnectTimeout(), defaultConnectTimeout))
	opts.SetKeepAlive(durationOr(cfg.KeepAliveInterval(), defaultKeepAlive))
	opts.SetWriteTimeout(durationOr(cfg.OperationTimeout(), defaultOperationTimeout))

	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	return opts
}

// durationOr returns d, or fallback when d is not positive.
func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// quiesceFor converts a disconnect budget into paho's quiesce milliseconds.
// Half the budget is left for closing the socket.
func quiesceFor(timeout time.Duration) uint {
	q := timeout / 2
	if q > maxDisconnectQuiesce {
		q = maxDisconnectQuiesce
	}
	if q < 0 {
		q = 0
	}
	return uint(q / time.Millisecond)
}
