package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/yllada/mesh-bridge/bridge"
	"github.com/yllada/mesh-bridge/common"
)

// Client sends commands to a running daemon.
type Client struct {
	socketPath string
	secret     string
	timeout    time.Duration
}

// NewClient creates a client for the daemon listening on socketPath.
func NewClient(socketPath, secret string) *Client {
	return &Client{socketPath: socketPath, secret: secret, timeout: common.IPCTimeout}
}

// Call sends one command and returns the response data.
func (c *Client) Call(ctx context.Context, command string, args map[string]any) (map[string]any, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w (is `mesh-bridge --daemon` running?)", common.ErrDaemonDown, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	req := Request{
		ID:      common.GenerateID(),
		Command: command,
		Args:    args,
		Secret:  c.secret,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.ID != "" && resp.ID != req.ID {
		return nil, fmt.Errorf("read response: id mismatch (%s != %s)", resp.ID, req.ID)
	}

	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Connect asks the daemon to bring the tunnel up.
func (c *Client) Connect(ctx context.Context, loginServer, authKey string) (map[string]any, error) {
	return c.ConnectAs(ctx, loginServer, authKey, "")
}

// ConnectAs is Connect with a device hostname override.
func (c *Client) ConnectAs(ctx context.Context, loginServer, authKey, hostname string) (map[string]any, error) {
	args := map[string]any{
		"loginServer": loginServer,
		"authKey":     authKey,
	}
	if hostname != "" {
		args["hostname"] = hostname
	}
	return c.Call(ctx, bridge.CommandConnect, args)
}

// Disconnect asks the daemon to take the tunnel down.
func (c *Client) Disconnect(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, bridge.CommandDisconnect, nil)
}

// GetStatus reads the tunnel status.
func (c *Client) GetStatus(ctx context.Context) (bridge.Status, error) {
	data, err := c.Call(ctx, bridge.CommandGetStatus, nil)
	if err != nil {
		return bridge.Status{}, err
	}
	return StatusFromPayload(data), nil
}

// StatusFromPayload decodes a getStatus payload.
func StatusFromPayload(data map[string]any) bridge.Status {
	status := bridge.Status{}
	status.Connected, _ = data["connected"].(bool)
	status.IPAddress, _ = data["ipAddress"].(string)

	state, _ := data["state"].(string)
	for _, kind := range []bridge.StateKind{
		bridge.StateDisconnected, bridge.StateConnecting, bridge.StateConnected, bridge.StateError,
	} {
		if kind.String() == state {
			status.State = kind
		}
	}
	return status
}
