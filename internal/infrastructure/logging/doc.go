// Package logging provides structured logging for devicelink.
//
// It wraps log/slog so every component (session, registry, lifecycle,
// journal, status API) logs through the same handler with the same default
// fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("connected", "client_id", id.ClientID)
//	logger.Error("resubscribe rejected", "topic", topic)
//
// Never log private key material or InfluxDB tokens.
package logging
