package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a session that is not connected.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrAlreadyConnected is returned by Connect on a session that is not disconnected.
	ErrAlreadyConnected = errors.New("mqtt: session already active")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	// The concrete failure is a *ConnectError.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectionLost resolves operations that were in flight when the transport dropped.
	ErrConnectionLost = errors.New("mqtt: connection lost")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrSubscribeRejected is returned when the broker answers a subscribe with
	// the failure return code (0x80) or omits the topic from its SUBACK.
	ErrSubscribeRejected = errors.New("mqtt: subscription rejected by broker")

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or malformed topic is provided.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrPublishTimeout is returned when a publish acknowledgement is not received in time.
	// It is not fatal to the session.
	ErrPublishTimeout = fmt.Errorf("%w: publish not acknowledged", ErrTimeout)

	// ErrDisconnectTimeout is returned when a graceful disconnect does not finish in time.
	ErrDisconnectTimeout = fmt.Errorf("%w: disconnect", ErrTimeout)

	// ErrSessionFatal marks a session that hit an unrecoverable condition
	// (a rejected resubscription). No further operations are issued.
	ErrSessionFatal = errors.New("mqtt: session in fatal state")

	// ErrPayloadDecode is wrapped by message handlers that cannot decode a payload.
	// Dispatch reports it to the handler owner; the session continues.
	ErrPayloadDecode = errors.New("mqtt: payload decode failed")

	// ErrCredentials is returned when the mutual-TLS material cannot be loaded.
	ErrCredentials = errors.New("mqtt: invalid credentials")
)

// ConnectReason classifies why a connection attempt failed.
type ConnectReason string

const (
	// ReasonAuthFailure covers bad or expired credentials and TLS rejections. Fatal.
	ReasonAuthFailure ConnectReason = "auth_failure"

	// ReasonNetworkUnreachable covers DNS, routing and refused TCP connections. Transient.
	ReasonNetworkUnreachable ConnectReason = "network_unreachable"

	// ReasonTimeout means the handshake did not finish in time. Transient.
	ReasonTimeout ConnectReason = "timeout"

	// ReasonProtocolReject means the broker refused the CONNECT. Fatal.
	ReasonProtocolReject ConnectReason = "protocol_reject"
)

// ConnectError is returned by Session.Connect.
// It matches ErrConnectionFailed as well as the underlying cause with errors.Is.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mqtt: connection failed (%s): %v", e.Reason, e.Err)
}

// Unwrap exposes both the ErrConnectionFailed sentinel and the cause.
func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectionFailed, e.Err}
}

// Retryable reports whether a caller-level retry could succeed.
// The session itself never retries the initial connect.
func (e *ConnectError) Retryable() bool {
	return e.Reason == ReasonNetworkUnreachable || e.Reason == ReasonTimeout
}

// newConnectError wraps err with its classified reason.
func newConnectError(err error) *ConnectError {
	return &ConnectError{Reason: classifyConnectError(err), Err: err}
}

// classifyConnectError maps transport and CONNACK errors onto a ConnectReason.
func classifyConnectError(err error) ConnectReason {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrCredentials),
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return ReasonAuthFailure
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion),
		errors.Is(err, packets.ErrorRefusedIDRejected),
		errors.Is(err, packets.ErrorRefusedServerUnavailable),
		errors.Is(err, packets.ErrorProtocolViolation):
		return ReasonProtocolReject
	case isTLSRejection(err):
		return ReasonAuthFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonNetworkUnreachable
}

// isTLSRejection reports certificate verification failures on either side of the handshake.
func isTLSRejection(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
		opErr            *net.OpError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &invalidCert),
		errors.As(err, &hostname),
		errors.As(err, &verification):
		return true
	case errors.As(err, &opErr) && opErr.Op == "remote error":
		// The broker sent a TLS alert, typically for an unknown or revoked client certificate.
		return true
	}
	return false
}
