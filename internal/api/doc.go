// Package api implements the HTTP status/control API and WebSocket event
// stream for containment-core.
//
// This package provides:
//   - Connection status for the shared broker session and per-device sessions
//   - Device liveness queries and resets
//   - Correlated command calls (publish, wait for the matching response)
//   - Stored broker configuration management
//   - WebSocket hub broadcasting connection and liveness changes
//
// # Security
//
// Every route except /api/v1/health requires an HS256 bearer token signed
// with security.jwt.secret. WebSocket connections authenticate with a
// single-use ticket from POST /api/v1/auth/ws-ticket so the token never
// appears in a URL.
//
// # Graceful Degradation
//
// The server runs without a broker connection. Status and liveness routes
// keep working; command calls return 503 until a connection is available.
package api
