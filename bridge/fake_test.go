package bridge

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yllada/mesh-bridge/common"
	"github.com/yllada/mesh-bridge/vpn"
)

// fakeEngine is a scriptable vpn.Engine that counts invocations.
type fakeEngine struct {
	mu sync.Mutex

	activateCalls   int
	deactivateCalls int
	queryCalls      int
	closed          bool
	lastRequest     vpn.LoginRequest
	activations     []*vpn.Activation
	cancelled       int

	// hold leaves activations pending until complete is called.
	hold            bool
	activateErr     error
	activatePanic   bool
	deactivateErr   error
	queryErr        error
	queryPanic      bool
	stayUpAfterDown bool

	connected bool
	address   string
}

func (f *fakeEngine) RequestActivation(_ context.Context, req vpn.LoginRequest) (*vpn.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.activateCalls++
	f.lastRequest = req
	if f.activatePanic {
		panic("engine exploded")
	}
	if f.activateErr != nil {
		return nil, f.activateErr
	}

	var activation *vpn.Activation
	activation = vpn.NewActivation(func() {
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
		activation.Complete(common.ErrCancelled)
	})
	f.activations = append(f.activations, activation)

	if !f.hold {
		f.connected = true
		activation.Complete(nil)
	}
	return activation, nil
}

func (f *fakeEngine) RequestDeactivation(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deactivateCalls++
	if f.deactivateErr != nil {
		return f.deactivateErr
	}
	if !f.stayUpAfterDown {
		f.connected = false
	}
	return nil
}

func (f *fakeEngine) QueryState(context.Context) (vpn.TunnelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queryCalls++
	if f.queryPanic {
		panic("status exploded")
	}
	if f.queryErr != nil {
		return vpn.TunnelState{}, f.queryErr
	}
	if !f.connected {
		return vpn.TunnelState{BackendState: "Stopped"}, nil
	}
	return vpn.TunnelState{Connected: true, Address: f.address, BackendState: "Running"}, nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// complete finishes the latest activation; success brings the tunnel up.
func (f *fakeEngine) complete(err error) {
	f.mu.Lock()
	activation := f.activations[len(f.activations)-1]
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()
	activation.Complete(err)
}

func (f *fakeEngine) set(fn func(f *fakeEngine)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeEngine) counts() (activate, deactivate, query int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activateCalls, f.deactivateCalls, f.queryCalls
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	bridge   *Bridge
	provider *vpn.Provider
	engine   *fakeEngine
	logs     *syncBuffer

	mu           sync.Mutex
	factoryCalls int
	factoryErr   error
	factoryPanic bool
}

func newHarness(t *testing.T, engine *fakeEngine, opts Options) *harness {
	t.Helper()

	h := &harness{engine: engine, logs: &syncBuffer{}}
	h.provider = vpn.NewProvider(func(context.Context) (vpn.Engine, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.factoryCalls++
		if h.factoryPanic {
			h.factoryPanic = false
			panic("factory exploded")
		}
		if h.factoryErr != nil {
			return nil, h.factoryErr
		}
		return engine, nil
	})

	if opts.DisconnectConfirmInterval == 0 {
		opts.DisconnectConfirmInterval = time.Millisecond
	}
	opts.Logger = common.NewAppLogger(h.logs, common.LevelDebug).Named("bridge")
	h.bridge = New(h.provider, opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.bridge.Close(ctx)
	})
	return h
}

// connectAndWait connects and waits for the activation to finish.
func (h *harness) connectAndWait(t *testing.T) {
	t.Helper()

	_, err := h.bridge.Connect(context.Background(), "https://hs.example.com", "tskey-auth-secret")
	require.NoError(t, err)
	waitIdle(t, h.bridge)
}

// waitIdle waits until no activation is pending.
func waitIdle(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Pending() == nil }, 5*time.Second, time.Millisecond)
}

func waitDone(t *testing.T, op *Operation) {
	t.Helper()
	select {
	case <-op.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not complete")
	}
}
