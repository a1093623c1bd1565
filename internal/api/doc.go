// Package api implements the local HTTP status server for devicelink.
//
// The server is read-only. It reports whether the MQTT session is usable,
// which subscriptions the broker granted, where the lifecycle controller is,
// and what the journal recorded:
//
//	GET /api/v1/health     200 when connected, 503 otherwise
//	GET /api/v1/status     identity, connection and lifecycle state, subscriptions
//	GET /api/v1/events     recent journal events (?limit=N)
//	GET /api/v1/messages   recent received messages (?limit=N)
//	GET /api/v1/metrics    runtime and session counters
//
// It binds to localhost by default and carries no authentication.
package api
