// Package vpn provides the handle to the external mesh-VPN engine.
// This file contains the Engine contract the bridge consumes.
package vpn

import (
	"context"
	"strings"
)

// LoginRequest carries one connection attempt to the engine.
// It is passed by value and must not be retained after the engine has
// consumed it.
type LoginRequest struct {
	LoginServer string
	AuthKey     string
	// Hostname overrides the device name announced to the control server.
	Hostname string
}

// Valid reports whether both the login server and the auth key are present.
func (r LoginRequest) Valid() bool {
	return strings.TrimSpace(r.LoginServer) != "" && strings.TrimSpace(r.AuthKey) != ""
}

// TunnelState is a snapshot of the engine's tunnel.
type TunnelState struct {
	// Connected is true when the backend is running and the tunnel is up.
	Connected bool
	// Address is the first assigned tunnel address, IPv4 preferred.
	Address string
	// BackendState is the engine's own state name (e.g. "Running", "NeedsLogin").
	BackendState string
}

// Engine is the external VPN control process as seen by the bridge.
// Every method may be slow or fail; returning without error only means the
// request was issued.
type Engine interface {
	// RequestActivation starts bringing the tunnel up. The returned
	// Activation completes when the engine reports success or failure.
	RequestActivation(ctx context.Context, req LoginRequest) (*Activation, error)
	// RequestDeactivation asks the engine to take the tunnel down.
	RequestDeactivation(ctx context.Context) error
	// QueryState reads the current tunnel state.
	QueryState(ctx context.Context) (TunnelState, error)
	// Close releases the handle.
	Close() error
}
