// Package api implements the HTTP status surface and WebSocket event stream
// for the Lutron bridge service.
//
// This package provides:
//   - REST endpoints for health, client status, statistics and the session
//     journal
//   - An action endpoint that forwards raw integration commands to the
//     bridge, rate limited per client IP
//   - A WebSocket hub that streams DeviceEvents to subscribed clients
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The API sits beside the MQTT bridge as a second host collaborator. It
// reads the lutron.Client through the lutron.Connector interface and never
// owns the telnet session itself.
//
//	UI / operator ↔ api.Server ↔ lutron.Client ↔ Lutron bridge
//
// # Security
//
// The service is LAN-local like the Lutron bridge and carries no user
// model. Bind api.host to a management interface in production.
//
// # Graceful Degradation
//
// The server operates without the journal or MQTT. The journal endpoint
// returns 503 when no journal is configured, and the action endpoint
// returns 503 while the bridge is disconnected.
package api
