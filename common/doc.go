// Package common provides shared constants, types, utilities, and interfaces
// used throughout Mesh Bridge.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Application identifiers, file names, D-Bus names and timeouts
//   - Errors: Sentinel errors for consistent error handling across packages
//   - Interfaces: Abstractions for logging, notifications and secret storage
//   - Logger: Leveled logging with optional rotated file output
//   - Utils: Directory helpers, ID generation and login server parsing
//
// # Usage
//
//	import "github.com/yllada/mesh-bridge/common"
//
//	log := common.Named("bridge")
//	log.Info("connecting to %s", common.LoginHost(server))
//
//	if errors.Is(err, common.ErrNotInitialized) {
//	    // connect first
//	}
package common
