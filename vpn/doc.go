// Package vpn provides the handle to the external mesh-VPN engine for
// Mesh Bridge.
//
// # Architecture
//
// The package is organized around three types:
//
//   - Engine: the contract the bridge consumes (activate, deactivate, query)
//   - Provider: owns the engine handle, created lazily and at most once
//   - Tailscale: an Engine driving the tailscale CLI against tailscaled
//
// # Activation Flow
//
//  1. The bridge calls Provider.Acquire on the first connect
//  2. Engine.RequestActivation starts "tailscale up" and returns an Activation
//  3. The CLI talks to the control server; interactive login URLs are logged
//  4. The Activation completes when the CLI exits
//
// Returning from RequestActivation or RequestDeactivation only means the
// request was issued. Callers confirm the outcome with QueryState.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package vpn
