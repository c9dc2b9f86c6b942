// Package common provides shared constants, types, and utilities
// used across the Mesh Bridge application.
package common

import "errors"

// Sentinel errors for bridge operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Lifecycle errors.
	ErrNotInitialized        = errors.New("tailscale not initialized")
	ErrActivationInProgress  = errors.New("connection attempt already in progress")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrStillConnected        = errors.New("tunnel still up after deactivation")
	ErrTimeout               = errors.New("operation timed out")
	ErrCancelled             = errors.New("operation cancelled")
	ErrEngineUnavailable     = errors.New("vpn engine unavailable")
	ErrInvalidLoginServer    = errors.New("invalid login server")
	ErrMissingLoginArguments = errors.New("missing loginServer or authKey")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad     = errors.New("failed to load configuration")
	ErrConfigSave     = errors.New("failed to save configuration")
	ErrServerNotFound = errors.New("server profile not found")

	// IPC errors.
	ErrUnauthorized = errors.New("unauthorized")
	ErrDaemonDown   = errors.New("bridge daemon not reachable")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
