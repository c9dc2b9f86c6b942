package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{address: "100.64.0.7"}
	h := newHarness(t, engine, Options{})
	ctx := context.Background()

	payload, err := h.bridge.Dispatch(ctx, Command{Name: CommandGetStatus})
	require.NoError(t, err)
	assert.Equal(t, false, payload["connected"])
	assert.Equal(t, "disconnected", payload["state"])

	_, err = h.bridge.Dispatch(ctx, Command{Name: CommandDisconnect})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = h.bridge.Dispatch(ctx, Command{
		Name: CommandConnect,
		Args: map[string]any{"loginServer": "https://hs.example.com", "authKey": 42},
	})
	assert.ErrorIs(t, err, ErrInvalidArguments, "non-string arguments count as missing")

	payload, err = h.bridge.Dispatch(ctx, Command{
		Name: CommandConnect,
		Args: map[string]any{"loginServer": "https://hs.example.com", "authKey": "tskey-auth-abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "connecting", payload["status"])
	waitIdle(t, h.bridge)

	payload, err = h.bridge.Dispatch(ctx, Command{Name: CommandGetStatus})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"connected": true, "ipAddress": "100.64.0.7", "state": "connected"}, payload)

	payload, err = h.bridge.Dispatch(ctx, Command{Name: CommandDisconnect})
	require.NoError(t, err)
	assert.Equal(t, "disconnected", payload["status"])
}

func TestDispatch_UnknownCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeEngine{}, Options{})

	_, err := h.bridge.Dispatch(context.Background(), Command{Name: "reboot"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, isBridgeErr := KindOf(err)
	assert.False(t, isBridgeErr, "unknown commands are not bridge errors")
}

func TestError(t *testing.T) {
	t.Parallel()

	cause := errors.New("tailscaled is not running")
	err := wrapError(ConnectionFailure, cause)

	assert.Equal(t, "CONNECTION_ERROR: tailscaled is not running", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrConnectionFailure)
	assert.NotErrorIs(t, err, ErrStatusFailure)

	for kind, code := range map[ErrorKind]string{
		InvalidArguments:     "INVALID_ARGS",
		NotInitialized:       "NOT_INITIALIZED",
		ConnectionFailure:    "CONNECTION_ERROR",
		DisconnectionFailure: "DISCONNECTION_ERROR",
		StatusFailure:        "STATUS_ERROR",
		ErrorKind(0):         "UNKNOWN_ERROR",
	} {
		assert.Equal(t, code, kind.Code())
	}
}

func TestRecoverAs(t *testing.T) {
	t.Parallel()

	run := func() (err error) {
		defer recoverAs(StatusFailure, &err)
		panic("nil map write")
	}

	err := run()
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, StatusFailure, kind)
	assert.ErrorContains(t, err, "nil map write")
}

func TestKindFromCode(t *testing.T) {
	t.Parallel()

	for _, kind := range []ErrorKind{InvalidArguments, NotInitialized, ConnectionFailure, DisconnectionFailure, StatusFailure} {
		got, ok := KindFromCode(kind.Code())
		assert.True(t, ok)
		assert.Equal(t, kind, got)
	}

	_, ok := KindFromCode("UNAUTHORIZED")
	assert.False(t, ok)
}
