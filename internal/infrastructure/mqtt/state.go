package mqtt

// ConnectionState is the lifecycle state of a Session.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateInterrupted   ConnectionState = "interrupted"
	StateDisconnecting ConnectionState = "disconnecting"
)

// Active reports whether the state holds (or is acquiring) a broker session.
func (s ConnectionState) Active() bool {
	return s != StateDisconnected
}
