// Package common provides shared constants, types, and utilities
// used across the Mesh Bridge application.
package common

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}

// Notifier defines the interface for sending desktop notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string) error
	// NotifyWithIcon sends a notification with a custom icon.
	NotifyWithIcon(title, message, icon string) error
}

// SecretStore defines the interface for the bridge's own secrets.
// VPN auth keys never go through it.
type SecretStore interface {
	// Get retrieves a secret by key.
	Get(key string) (string, error)
	// Store saves a secret.
	Store(key, value string) error
	// Delete removes a secret.
	Delete(key string) error
}
