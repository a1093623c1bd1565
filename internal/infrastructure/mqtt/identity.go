package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/config"
)

// Client ID suffix modes.
const (
	SuffixUUID = "uuid"
	SuffixNone = "none"
)

// Credentials references the mutual-TLS material on disk.
type Credentials struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Identity is the immutable identity of one session: who connects, where, and with what.
type Identity struct {
	ClientID    string
	Endpoint    string
	Port        int
	TLS         bool
	Credentials Credentials
}

// NewIdentity builds the session identity from configuration.
// An explicit broker client_id wins; otherwise the device prefix is combined
// with a random suffix so that two runs never collide on the broker.
func NewIdentity(device config.DeviceConfig, cfg config.MQTTConfig) Identity {
	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = GenerateClientID(device.ClientIDPrefix, device.ClientIDSuffix)
	}

	return Identity{
		ClientID: clientID,
		Endpoint: cfg.Broker.Host,
		Port:     cfg.Broker.Port,
		TLS:      cfg.Broker.TLS,
		Credentials: Credentials{
			CertFile: cfg.Credentials.CertPath(),
			KeyFile:  cfg.Credentials.KeyPath(),
			CAFile:   cfg.Credentials.CAPath(),
		},
	}
}

// GenerateClientID returns "<prefix>-<uuid>" or just prefix when mode is SuffixNone.
func GenerateClientID(prefix, mode string) string {
	if mode == SuffixNone {
		return prefix
	}
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

// BrokerURL returns the paho broker URL for this identity.
func (id Identity) BrokerURL() string {
	scheme := "tcp"
	if id.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, id.Address())
}

// Address returns host:port.
func (id Identity) Address() string {
	return id.Endpoint + ":" + strconv.Itoa(id.Port)
}

// LoadTLSConfig builds a client TLS configuration from the credential files.
// The CA bundle is optional; without it the system roots are used.
func LoadTLSConfig(creds Credentials) (*tls.Config, error) {
	if creds.CertFile == "" || creds.KeyFile == "" {
		return nil, fmt.Errorf("%w: certificate and key files are required", ErrCredentials)
	}

	cert, err := tls.LoadX509KeyPair(creds.CertFile, creds.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: loading key pair: %w", ErrCredentials, err)
	}

	tlsCfg := &tls.Config{
		MinVersion:   tlsMinVersion,
		Certificates: []tls.Certificate{cert},
	}

	if creds.CAFile != "" {
		pem, err := os.ReadFile(creds.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading CA bundle: %w", ErrCredentials, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in CA bundle %s", ErrCredentials, creds.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}
