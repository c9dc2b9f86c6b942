// Package bridge implements the connection bridge: connect, disconnect and
// getStatus over a mesh-VPN engine, with a cached state machine that is
// reconciled against the engine on every status query.
//
// Connect only issues an activation. Its completion, failure, timeout or
// cancellation is observed asynchronously and published to state listeners.
// Disconnect is reported only after a status query confirms the tunnel is
// down.
package bridge
