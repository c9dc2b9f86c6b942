// Package cli provides command-line interface functionality for Mesh Bridge.
// It talks to a running daemon over the IPC socket, so scripts and users
// can connect, disconnect and inspect the tunnel from a terminal.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/yllada/mesh-bridge/bridge"
	"github.com/yllada/mesh-bridge/common"
	"github.com/yllada/mesh-bridge/config"
	"github.com/yllada/mesh-bridge/history"
)

// AuthKeyEnv lets scripts pass the auth key without a prompt or argv.
const AuthKeyEnv = "MESH_BRIDGE_AUTHKEY"

// Bridge is the daemon as seen by the CLI. *ipc.Client implements it.
type Bridge interface {
	ConnectAs(ctx context.Context, loginServer, authKey, hostname string) (map[string]any, error)
	Disconnect(ctx context.Context) (map[string]any, error)
	GetStatus(ctx context.Context) (bridge.Status, error)
}

// HistoryReader lists recorded transitions. *history.Store implements it.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Transition, error)
}

var (
	titleStyle      = lipgloss.NewStyle().Bold(true)
	connectedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	connectingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func stateStyle(kind bridge.StateKind) lipgloss.Style {
	switch kind {
	case bridge.StateConnected:
		return connectedStyle
	case bridge.StateConnecting:
		return connectingStyle
	case bridge.StateError:
		return errorStyle
	default:
		return mutedStyle
	}
}

// CLI represents the command-line interface.
type CLI struct {
	cfg    *config.Config
	bridge Bridge
	out    io.Writer

	// readSecret prompts for a secret without echo.
	readSecret func(prompt string) (string, error)
	// waitPolicy paces --wait status polling.
	waitPolicy func() backoff.BackOff
}

// New creates a new CLI instance.
func New(cfg *config.Config, b Bridge) *CLI {
	return &CLI{
		cfg:        cfg,
		bridge:     b,
		out:        os.Stdout,
		readSecret: promptSecret,
		waitPolicy: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 250 * time.Millisecond
			policy.MaxInterval = 2 * time.Second
			policy.MaxElapsedTime = cfg.Bridge.ActivationTimeout
			return policy
		},
	}
}

func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no auth key: set %s or run from a terminal", AuthKeyEnv)
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read auth key: %w", err)
	}
	return string(secret), nil
}

// resolveAuthKey prefers an explicit key, then the environment, then a
// prompt.
func (c *CLI) resolveAuthKey(authKey string) (string, error) {
	if key := strings.TrimSpace(authKey); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(os.Getenv(AuthKeyEnv)); key != "" {
		return key, nil
	}
	return c.readSecret("Auth key: ")
}

// Connect connects to a server profile by name, or to a login server URL.
// With wait it blocks until the tunnel is up or the attempt fails.
func (c *CLI) Connect(ctx context.Context, nameOrURL, authKey string, wait bool) error {
	server, err := c.cfg.ResolveServer(nameOrURL)
	if err != nil {
		if config.IsNotFound(err) {
			return fmt.Errorf("unknown server %q: add it to the config or pass a login server URL", nameOrURL)
		}
		return err
	}

	key, err := c.resolveAuthKey(authKey)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Connecting to %s...\n", server.Name)

	data, err := c.bridge.ConnectAs(ctx, server.LoginServer, key, server.Hostname)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	if message, _ := data["message"].(string); message != "" {
		fmt.Fprintln(c.out, mutedStyle.Render(message))
	}

	if !wait {
		return nil
	}

	status, err := c.waitConnected(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "%s Connected to %s (%s)\n", connectedStyle.Render("✓"), server.Name, status.IPAddress)
	return nil
}

func (c *CLI) waitConnected(ctx context.Context) (bridge.Status, error) {
	var status bridge.Status

	err := backoff.Retry(func() error {
		current, err := c.bridge.GetStatus(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		status = current

		switch current.State {
		case bridge.StateConnected:
			return nil
		case bridge.StateError, bridge.StateDisconnected:
			return backoff.Permanent(errors.New("connection failed, see `mesh-bridge --history`"))
		default:
			return common.ErrActivationInProgress
		}
	}, backoff.WithContext(c.waitPolicy(), ctx))

	if errors.Is(err, common.ErrActivationInProgress) {
		return status, fmt.Errorf("connection timed out")
	}
	return status, err
}

// Disconnect takes the tunnel down.
func (c *CLI) Disconnect(ctx context.Context) error {
	fmt.Fprintln(c.out, "Disconnecting...")

	if _, err := c.bridge.Disconnect(ctx); err != nil {
		if errors.Is(err, bridge.ErrNotInitialized) {
			fmt.Fprintln(c.out, "No active connection.")
			return nil
		}
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	fmt.Fprintf(c.out, "%s Disconnected\n", connectedStyle.Render("✓"))
	return nil
}

// Status shows the current connection status.
func (c *CLI) Status(ctx context.Context) error {
	status, err := c.bridge.GetStatus(ctx)
	if err != nil {
		return err
	}

	ip := status.IPAddress
	if ip == "" {
		ip = "-"
	}

	fmt.Fprintln(c.out, titleStyle.Render(common.AppName))

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", stateStyle(status.State).Render(status.State.Label()))
	fmt.Fprintf(w, "IP Address:\t%s\n", ip)
	w.Flush()
	return nil
}

// History lists the most recent state transitions.
func (c *CLI) History(ctx context.Context, store HistoryReader, limit int) error {
	transitions, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}

	if len(transitions) == 0 {
		fmt.Fprintln(c.out, "No connection history.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tSERVER\tTRANSITION\tDETAIL")
	fmt.Fprintln(w, "----\t------\t----------\t------")

	now := time.Now()
	for _, tr := range transitions {
		server := tr.LoginHost
		if server == "" {
			server = "-"
		}

		detail := tr.Address
		if tr.Reason != "" {
			detail = tr.Reason
		}
		if detail == "" {
			detail = "-"
		}

		fmt.Fprintf(w, "%s ago\t%s\t%s -> %s\t%s\n",
			formatDuration(now.Sub(tr.At)), server, tr.From, tr.To, detail)
	}

	w.Flush()
	return nil
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours >= 24 {
		return fmt.Sprintf("%dd %dh", hours/24, hours%24)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`Mesh Bridge - Command Line Interface

Usage:
  mesh-bridge [OPTIONS]

Options:
  --version             Show version and exit
  --verbose             Enable verbose logging
  --config PATH         Use an alternative config file
  --daemon              Run the bridge daemon
  --connect SERVER      Connect to a server profile or login server URL
  --authkey KEY         Auth key for --connect (prefer ` + AuthKeyEnv + `)
  --wait                With --connect, wait until the tunnel is up
  --disconnect          Take the tunnel down
  --status              Show current connection status
  --history             Show recent connection history
  --help                Show this help message

Examples:
  mesh-bridge --daemon
  mesh-bridge --connect work --wait
  mesh-bridge --connect https://headscale.example.com
  mesh-bridge --status

Notes:
  - Auth keys are never saved; you are prompted when none is given
  - The daemon must be running for --connect, --disconnect and --status`)
}
