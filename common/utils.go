// Package common provides shared constants, types, and utilities
// used across the Mesh Bridge application.
package common

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a unique identifier for operations and requests.
func GenerateID() string {
	return uuid.NewString()
}

// GetConfigDir returns the path to the application configuration directory.
// It creates the directory if it doesn't exist.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	configDir := filepath.Join(homeDir, ".config", ConfigDirName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}

	return configDir, nil
}

// GetDataDir returns the path to the application data directory.
func GetDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	dataDir := filepath.Join(homeDir, ".local", "share", ConfigDirName)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", WrapError(err, "failed to create data directory")
	}

	return dataDir, nil
}

// GetRuntimeDir returns the per-user runtime directory used for the IPC socket.
func GetRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RedactSecret masks a credential for log output, keeping a short prefix
// so keys can still be told apart (e.g. "tskey-a***").
func RedactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	const keep = 7
	if len(secret) <= keep {
		return "***"
	}
	return secret[:keep] + "***"
}

// LoginHost extracts the host of a login server given either as a URL
// or as a bare hostname.
func LoginHost(loginServer string) string {
	loginServer = strings.TrimSpace(loginServer)
	if loginServer == "" {
		return ""
	}
	if !strings.Contains(loginServer, "://") {
		loginServer = "https://" + loginServer
	}
	u, err := url.Parse(loginServer)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// NormalizeLoginServer turns a bare hostname into an https URL and trims
// a trailing slash.
func NormalizeLoginServer(loginServer string) (string, error) {
	loginServer = strings.TrimSpace(loginServer)
	if loginServer == "" {
		return "", ErrInvalidLoginServer
	}
	if !strings.Contains(loginServer, "://") {
		loginServer = "https://" + loginServer
	}
	u, err := url.Parse(loginServer)
	if err != nil {
		return "", WrapError(ErrInvalidLoginServer, err.Error())
	}
	if u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", ErrInvalidLoginServer
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}
