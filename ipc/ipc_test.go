package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/mesh-bridge/bridge"
	"github.com/yllada/mesh-bridge/common"
)

// fakeDispatcher records commands and replies from a table.
type fakeDispatcher struct {
	mu       sync.Mutex
	commands []bridge.Command
	replies  map[string]map[string]any
	errs     map[string]error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, cmd bridge.Command) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, cmd)
	if err, ok := f.errs[cmd.Name]; ok {
		return nil, err
	}
	if reply, ok := f.replies[cmd.Name]; ok {
		return reply, nil
	}
	return nil, bridge.ErrNotImplemented
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

// blockingDispatcher holds every command until its context expires, like a
// disconnect spending its whole budget on confirmation.
type blockingDispatcher struct{}

func (blockingDispatcher) Dispatch(ctx context.Context, _ bridge.Command) (map[string]any, error) {
	<-ctx.Done()
	return nil, &bridge.Error{Kind: bridge.DisconnectionFailure, Message: ctx.Err().Error(), Err: ctx.Err()}
}

func startServer(t *testing.T, d Dispatcher, secret string) string {
	t.Helper()
	return startServerWithTimeout(t, d, secret, 5*time.Second)
}

func startServerWithTimeout(t *testing.T, d Dispatcher, secret string, timeout time.Duration) string {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "bridge.sock")
	srv := NewServer(d, ServerOptions{SocketPath: sock, Secret: secret, Timeout: timeout})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		_, err := os.Stat(sock)
		assert.True(t, os.IsNotExist(err), "socket is removed on shutdown")
	})
	return sock
}

func TestServer_RoundTrip(t *testing.T) {
	d := &fakeDispatcher{
		replies: map[string]map[string]any{
			bridge.CommandConnect:   {"status": "connecting", "message": "Tailscale connecting to https://hs.example.com"},
			bridge.CommandGetStatus: {"connected": true, "ipAddress": "100.64.0.7", "state": "connected"},
		},
	}
	sock := startServer(t, d, "s3cret")

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	client := NewClient(sock, "s3cret")
	ctx := context.Background()

	data, err := client.Connect(ctx, "https://hs.example.com", "tskey-auth-abc")
	require.NoError(t, err)
	assert.Equal(t, "connecting", data["status"])

	d.mu.Lock()
	assert.Equal(t, bridge.Command{
		Name: bridge.CommandConnect,
		Args: map[string]any{"loginServer": "https://hs.example.com", "authKey": "tskey-auth-abc"},
	}, d.commands[0])
	d.mu.Unlock()

	status, err := client.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.Status{Connected: true, IPAddress: "100.64.0.7", State: bridge.StateConnected}, status)
}

func TestServer_SlowCommandStillGetsTypedError(t *testing.T) {
	client := NewClient(startServerWithTimeout(t, blockingDispatcher{}, "", 300*time.Millisecond), "")

	_, err := client.Disconnect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrDisconnectionFailure)
	assert.ErrorContains(t, err, "deadline exceeded")
}

func TestServer_BridgeErrors(t *testing.T) {
	d := &fakeDispatcher{
		errs: map[string]error{
			bridge.CommandDisconnect: &bridge.Error{Kind: bridge.NotInitialized, Message: "Tailscale not initialized"},
			bridge.CommandGetStatus:  errors.New("unexpected"),
		},
	}
	client := NewClient(startServer(t, d, ""), "")
	ctx := context.Background()

	_, err := client.Disconnect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrNotInitialized)
	assert.Equal(t, "NOT_INITIALIZED: Tailscale not initialized", err.Error())

	_, err = client.GetStatus(ctx)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeInternal, remote.Code)

	_, err = client.Call(ctx, "reboot", nil)
	assert.ErrorIs(t, err, bridge.ErrNotImplemented)
	_, isBridgeErr := bridge.KindOf(err)
	assert.False(t, isBridgeErr)
}

func TestServer_Unauthorized(t *testing.T) {
	d := &fakeDispatcher{replies: map[string]map[string]any{bridge.CommandGetStatus: {}}}
	sock := startServer(t, d, "s3cret")

	_, err := NewClient(sock, "wrong").GetStatus(context.Background())
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	_, err = NewClient(sock, "").GetStatus(context.Background())
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	assert.Zero(t, d.calls(), "unauthorized requests never reach the bridge")
}

func TestServer_BadRequest(t *testing.T) {
	sock := startServer(t, &fakeDispatcher{}, "")

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeBadRequest, resp.Error.Code)
}

func TestServer_Listen(t *testing.T) {
	dir := t.TempDir()

	regular := filepath.Join(dir, "file.sock")
	require.NoError(t, os.WriteFile(regular, nil, 0600))
	err := NewServer(&fakeDispatcher{}, ServerOptions{SocketPath: regular}).Listen()
	assert.ErrorContains(t, err, "not a socket")

	sock := startServer(t, &fakeDispatcher{}, "")
	err = NewServer(&fakeDispatcher{}, ServerOptions{SocketPath: sock}).Listen()
	assert.ErrorContains(t, err, "another daemon is running")
}

func TestClient_DaemonDown(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"), "")

	_, err := client.GetStatus(context.Background())
	assert.ErrorIs(t, err, common.ErrDaemonDown)
}

func TestResponse_Err(t *testing.T) {
	tests := []struct {
		name  string
		resp  Response
		check func(t *testing.T, err error)
	}{
		{
			name: "ok",
			resp: Response{OK: true},
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name: "bridge kind",
			resp: Response{Error: &ErrorBody{Code: "CONNECTION_ERROR", Message: "boom"}},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, bridge.ErrConnectionFailure)
			},
		},
		{
			name: "not implemented",
			resp: Response{NotImplemented: true, Error: &ErrorBody{Code: CodeNotImplemented, Message: "x"}},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, bridge.ErrNotImplemented)
			},
		},
		{
			name: "missing body",
			resp: Response{},
			check: func(t *testing.T, err error) {
				var remote *RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, CodeInternal, remote.Code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tt.resp.Err())
		})
	}
}

func TestDBusObject(t *testing.T) {
	d := &fakeDispatcher{
		replies: map[string]map[string]any{
			bridge.CommandConnect:   {"status": "connecting", "message": "Tailscale connecting to https://hs.example.com"},
			bridge.CommandGetStatus: {"connected": false, "ipAddress": "", "state": "disconnected"},
		},
		errs: map[string]error{
			bridge.CommandDisconnect: &bridge.Error{Kind: bridge.NotInitialized, Message: "Tailscale not initialized"},
		},
	}
	obj := NewDBusService(d, nil).object()

	status, message, dbusErr := obj.Connect("https://hs.example.com", "tskey-auth-abc")
	require.Nil(t, dbusErr)
	assert.Equal(t, "connecting", status)
	assert.Equal(t, "Tailscale connecting to https://hs.example.com", message)

	connected, ip, state, dbusErr := obj.GetStatus()
	require.Nil(t, dbusErr)
	assert.False(t, connected)
	assert.Empty(t, ip)
	assert.Equal(t, "disconnected", state)

	_, dbusErr = obj.Disconnect()
	require.NotNil(t, dbusErr)
	assert.Equal(t, "com.yllada.MeshBridge.Error.NOT_INITIALIZED", dbusErr.Name)
	assert.Equal(t, []interface{}{"Tailscale not initialized"}, dbusErr.Body)
}

func TestDBusIntrospection(t *testing.T) {
	node := introspection(NewDBusService(&fakeDispatcher{}, nil).object())

	require.Len(t, node.Interfaces, 2)
	iface := node.Interfaces[1]
	assert.Equal(t, common.DBusInterface, iface.Name)

	var names []string
	signatures := map[string]string{}
	for _, m := range iface.Methods {
		names = append(names, m.Name)
		for _, arg := range m.Args {
			if arg.Direction == "out" {
				signatures[m.Name] += arg.Type
			}
		}
	}
	assert.ElementsMatch(t, []string{"Connect", "Disconnect", "GetStatus"}, names)
	assert.Equal(t, "bss", signatures["GetStatus"])
	assert.Equal(t, "ss", signatures["Connect"])
	require.Len(t, iface.Signals, 1)
	assert.Equal(t, "StateChanged", iface.Signals[0].Name)
}

func TestDBusListener_NotStarted(t *testing.T) {
	svc := NewDBusService(&fakeDispatcher{}, nil)

	// Without a bus connection the listener is a no-op.
	svc.Listener()(bridge.Transition{To: bridge.State{Kind: bridge.StateConnected}})
	assert.NoError(t, svc.Close())
}
