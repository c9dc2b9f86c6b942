// Package common provides shared constants, types, and utilities
// used across the Mesh Bridge application.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.yllada.meshbridge"
	// AppName is the display name of the application.
	AppName = "Mesh Bridge"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "mesh-bridge"
	// AuthRedirectScheme is the custom URL scheme the host application
	// registers for interactive login redirects.
	AuthRedirectScheme = "com.yllada.meshbridge"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	HistoryFileName     = "history.db"
	LogFileName         = "mesh-bridge.log"
	SocketFileName      = "mesh-bridge.sock"
)

// D-Bus names exported by the daemon.
const (
	DBusName      = "com.yllada.MeshBridge"
	DBusPath      = "/com/yllada/MeshBridge"
	DBusInterface = "com.yllada.MeshBridge"
)

// Default timeouts and intervals.
const (
	// ActivationTimeout is the maximum time an activation may stay pending.
	ActivationTimeout = 2 * time.Minute
	// StatusInterval is how often the monitor reconciles tunnel state.
	StatusInterval = 15 * time.Second
	// DisconnectConfirmInterval is the delay between teardown confirmation queries.
	DisconnectConfirmInterval = 500 * time.Millisecond
	// DisconnectConfirmRetries bounds teardown confirmation queries.
	DisconnectConfirmRetries = 10
	// CommandTimeout bounds a single tailscale CLI invocation.
	CommandTimeout = 10 * time.Second
	// IPCTimeout is the read/write deadline of one IPC exchange.
	IPCTimeout = 30 * time.Second
	// HistoryRetention is how long state transitions are kept.
	HistoryRetention = 30 * 24 * time.Hour
)

// Tailscale CLI defaults.
const (
	DefaultTailscaleBinary = "tailscale"
)
