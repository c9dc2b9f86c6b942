package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yllada/mesh-bridge/common"
	"github.com/yllada/mesh-bridge/vpn"
)

// Options tunes the bridge.
type Options struct {
	// ActivationTimeout bounds how long an activation may stay pending.
	ActivationTimeout time.Duration
	// DisconnectConfirmRetries bounds the status queries used to confirm
	// teardown. Zero means a single query.
	DisconnectConfirmRetries int
	// DisconnectConfirmInterval is the delay between confirmation queries.
	DisconnectConfirmInterval time.Duration
	// QueryTimeout bounds the post-activation address lookup.
	QueryTimeout time.Duration
	// Hostname is announced to the control server on every connect.
	Hostname string
	Logger   common.Logger
}

// DefaultOptions returns the default bridge options.
func DefaultOptions() Options {
	return Options{
		ActivationTimeout:         common.ActivationTimeout,
		DisconnectConfirmRetries:  common.DisconnectConfirmRetries,
		DisconnectConfirmInterval: common.DisconnectConfirmInterval,
		QueryTimeout:              common.CommandTimeout,
	}
}

// Bridge exposes connect, disconnect and getStatus over a mesh-VPN engine.
// It caches the engine's state between queries and allows at most one
// pending activation.
type Bridge struct {
	provider *vpn.Provider
	opts     Options
	log      common.Logger

	// cmdMu serializes connect and disconnect.
	cmdMu sync.Mutex

	mu        sync.Mutex
	state     State
	address   string
	pending   *Operation
	listeners []Listener
	closed    bool

	// publishMu keeps listener delivery in transition order.
	publishMu sync.Mutex
}

// New creates a bridge around provider. The engine is not created until
// the first connect.
func New(provider *vpn.Provider, opts Options) *Bridge {
	defaults := DefaultOptions()
	if opts.ActivationTimeout <= 0 {
		opts.ActivationTimeout = defaults.ActivationTimeout
	}
	if opts.DisconnectConfirmRetries < 0 {
		opts.DisconnectConfirmRetries = defaults.DisconnectConfirmRetries
	}
	if opts.DisconnectConfirmInterval <= 0 {
		opts.DisconnectConfirmInterval = defaults.DisconnectConfirmInterval
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaults.QueryTimeout
	}
	if opts.Logger == nil {
		opts.Logger = common.Named("bridge")
	}

	return &Bridge{
		provider: provider,
		opts:     opts,
		log:      opts.Logger,
		state:    State{Kind: StateDisconnected},
	}
}

// OnStateChange registers a listener. Listeners run outside the bridge's
// lock, one at a time, in transition order.
func (b *Bridge) OnStateChange(listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// State returns the cached state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Pending returns the in-flight activation, or nil.
func (b *Bridge) Pending() *Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Initialized reports whether the engine has been created.
func (b *Bridge) Initialized() bool {
	_, ok := b.provider.Current()
	return ok
}

// Connect validates the arguments, acquires the engine and issues an
// activation. It returns as soon as the request is issued; the result is
// Connecting, never Connected.
func (b *Bridge) Connect(ctx context.Context, loginServer, authKey string) (Result, error) {
	return b.ConnectAs(ctx, loginServer, authKey, "")
}

// ConnectAs is Connect announcing hostname instead of the configured one.
func (b *Bridge) ConnectAs(ctx context.Context, loginServer, authKey, hostname string) (result Result, err error) {
	defer recoverAs(ConnectionFailure, &err)

	if hostname = strings.TrimSpace(hostname); hostname == "" {
		hostname = b.opts.Hostname
	}
	req := vpn.LoginRequest{
		LoginServer: strings.TrimSpace(loginServer),
		AuthKey:     strings.TrimSpace(authKey),
		Hostname:    hostname,
	}
	if !req.Valid() {
		return Result{}, newError(InvalidArguments, "Missing loginServer or authKey", common.ErrMissingLoginArguments)
	}

	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Result{}, wrapError(ConnectionFailure, common.ErrCancelled)
	}
	if b.pending != nil {
		b.mu.Unlock()
		return Result{}, wrapError(ConnectionFailure, common.ErrActivationInProgress)
	}
	op := newOperation(common.GenerateID(), common.LoginHost(req.LoginServer), b.opts.ActivationTimeout)
	b.pending = op
	b.unlockAndPublish(b.setStateLocked(State{Kind: StateConnecting}, op, ""))

	// Any failure from here on must release op, or later connects would be
	// rejected as already in progress.
	defer func() {
		if r := recover(); r != nil {
			err = newError(ConnectionFailure, fmt.Sprint(r), fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			b.finish(op, err, "")
		}
	}()

	b.log.Info("Connecting to %s (operation %s, auth key %s)",
		req.LoginServer, op.ID, common.RedactSecret(req.AuthKey))

	engine, err := b.provider.Acquire(ctx)
	if err != nil {
		return Result{}, wrapError(ConnectionFailure, err)
	}

	// The activation outlives the command, so it is bound to the
	// operation's own context rather than ctx.
	activation, err := issueActivation(op.ctx, engine, req)
	if err != nil {
		return Result{}, wrapError(ConnectionFailure, err)
	}

	go b.watch(op, engine, activation)

	return Result{
		State:  State{Kind: StateConnecting},
		Detail: fmt.Sprintf("Tailscale connecting to %s", req.LoginServer),
	}, nil
}

// watch waits for the activation to complete, time out or be cancelled.
func (b *Bridge) watch(op *Operation, engine vpn.Engine, activation *vpn.Activation) {
	var err error
	select {
	case <-activation.Done():
		err = activation.Err()
	case <-op.ctx.Done():
		activation.Cancel()
		if errors.Is(op.ctx.Err(), context.DeadlineExceeded) {
			err = common.ErrTimeout
		} else {
			err = common.ErrCancelled
		}
	}

	address := ""
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.QueryTimeout)
		state, qerr := queryState(ctx, engine)
		cancel()
		switch {
		case qerr != nil:
			b.log.Warn("Activation %s completed but status is unavailable: %v", op.ID, qerr)
		case !state.Connected:
			b.log.Warn("Activation %s completed but backend is %s", op.ID, state.BackendState)
		default:
			address = state.Address
		}
	}

	b.finish(op, err, address)
}

// finish records the outcome of op exactly once. The cache is updated
// before op.Done is closed so waiters observe the final state.
func (b *Bridge) finish(op *Operation, err error, address string) {
	var next State
	switch {
	case err == nil:
		next = State{Kind: StateConnected}
	case errors.Is(err, common.ErrCancelled):
		next = State{Kind: StateDisconnected}
	case errors.Is(err, common.ErrTimeout):
		next = State{Kind: StateError, Reason: "activation timed out"}
	default:
		next = State{Kind: StateError, Reason: err.Error()}
	}

	b.mu.Lock()
	if b.pending != op {
		b.mu.Unlock()
		op.complete(err)
		return
	}
	b.pending = nil
	tr := b.setStateLocked(next, op, address)
	op.complete(err)
	b.unlockAndPublish(tr)

	switch next.Kind {
	case StateConnected:
		b.log.Info("Activation %s completed (%s)", op.ID, address)
	case StateDisconnected:
		b.log.Info("Activation %s cancelled", op.ID)
	default:
		b.log.Error("Activation %s failed: %s", op.ID, next.Reason)
	}
}

// Disconnect cancels any pending activation, asks the engine to take the
// tunnel down and waits until a status query confirms it.
func (b *Bridge) Disconnect(ctx context.Context) (result Result, err error) {
	defer recoverAs(DisconnectionFailure, &err)

	engine, ok := b.provider.Current()
	if !ok {
		return Result{}, newError(NotInitialized, "Tailscale not initialized", common.ErrNotInitialized)
	}

	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	if op := b.Pending(); op != nil {
		b.log.Info("Cancelling pending activation %s", op.ID)
		op.Cancel()
		select {
		case <-op.Done():
		case <-ctx.Done():
			return Result{}, wrapError(DisconnectionFailure, ctx.Err())
		}
	}

	if err := deactivate(ctx, engine); err != nil {
		b.log.Error("Deactivation failed: %v", err)
		b.mu.Lock()
		b.unlockAndPublish(b.setStateLocked(State{Kind: StateError, Reason: err.Error()}, nil, ""))
		return Result{}, wrapError(DisconnectionFailure, err)
	}

	if err := b.confirmDown(ctx, engine); err != nil {
		b.log.Error("Teardown not confirmed: %v", err)
		return Result{}, wrapError(DisconnectionFailure, err)
	}

	b.mu.Lock()
	b.unlockAndPublish(b.setStateLocked(State{Kind: StateDisconnected}, nil, ""))
	b.log.Info("Disconnected")

	return Result{State: State{Kind: StateDisconnected}}, nil
}

// confirmDown polls the engine until it reports the tunnel down.
func (b *Bridge) confirmDown(ctx context.Context, engine vpn.Engine) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(b.opts.DisconnectConfirmInterval),
			uint64(b.opts.DisconnectConfirmRetries),
		),
		ctx,
	)

	return backoff.Retry(func() error {
		state, err := queryState(ctx, engine)
		if err != nil {
			return backoff.Permanent(err)
		}
		if state.Connected {
			return common.ErrStillConnected
		}
		return nil
	}, policy)
}

// GetStatus reports the tunnel state. With an engine it queries live state
// and reconciles the cache; without one it returns the cached snapshot.
func (b *Bridge) GetStatus(ctx context.Context) (status Status, err error) {
	defer recoverAs(StatusFailure, &err)

	engine, ok := b.provider.Current()
	if !ok {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.snapshotLocked(), nil
	}

	state, err := queryState(ctx, engine)
	if err != nil {
		return Status{}, wrapError(StatusFailure, err)
	}

	b.mu.Lock()
	var next State
	switch {
	case b.pending != nil:
		next = b.state
	case state.Connected:
		next = State{Kind: StateConnected}
	case b.state.Kind == StateError:
		next = b.state
	default:
		next = State{Kind: StateDisconnected}
	}
	address := ""
	if state.Connected {
		address = state.Address
	}
	tr := b.setStateLocked(next, b.pending, address)
	status = Status{
		Connected: state.Connected,
		IPAddress: address,
		State:     b.state.Kind,
	}
	b.unlockAndPublish(tr)

	return status, nil
}

// Close aborts any pending activation and releases the engine.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	op := b.pending
	b.mu.Unlock()

	if op != nil {
		op.Cancel()
		select {
		case <-op.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return b.provider.Shutdown()
}

func (b *Bridge) snapshotLocked() Status {
	return Status{
		Connected: b.state.Kind == StateConnected,
		IPAddress: b.address,
		State:     b.state.Kind,
	}
}

// setStateLocked must be called with b.mu held. It returns the transition
// to publish, or nil when nothing changed.
func (b *Bridge) setStateLocked(next State, op *Operation, address string) *Transition {
	if next.Kind != StateConnected {
		address = ""
	}
	if b.state == next && b.address == address {
		return nil
	}

	tr := &Transition{
		From:    b.state,
		To:      next,
		Address: address,
		At:      time.Now(),
	}
	if op != nil {
		tr.OperationID = op.ID
		tr.LoginHost = op.LoginHost
	}

	b.state = next
	b.address = address
	return tr
}

// unlockAndPublish releases b.mu and delivers tr to the listeners.
func (b *Bridge) unlockAndPublish(tr *Transition) {
	if tr == nil {
		b.mu.Unlock()
		return
	}
	listeners := append([]Listener(nil), b.listeners...)

	b.publishMu.Lock()
	b.mu.Unlock()
	defer b.publishMu.Unlock()

	if tr.From.Kind != tr.To.Kind {
		b.log.Debug("State %s -> %s", tr.From, tr.To)
	}
	for _, listener := range listeners {
		b.deliver(listener, *tr)
	}
}

func (b *Bridge) deliver(listener Listener, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("State listener panicked: %v", r)
		}
	}()
	listener(tr)
}

// Engine calls are wrapped so a misbehaving engine surfaces as an error.

func issueActivation(ctx context.Context, engine vpn.Engine, req vpn.LoginRequest) (activation *vpn.Activation, err error) {
	defer recoverEngine(&err)
	activation, err = engine.RequestActivation(ctx, req)
	if err == nil && activation == nil {
		err = common.ErrConnectionFailed
	}
	return activation, err
}

func deactivate(ctx context.Context, engine vpn.Engine) (err error) {
	defer recoverEngine(&err)
	return engine.RequestDeactivation(ctx)
}

func queryState(ctx context.Context, engine vpn.Engine) (state vpn.TunnelState, err error) {
	defer recoverEngine(&err)
	return engine.QueryState(ctx)
}

func recoverEngine(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("engine panic: %v", r)
	}
}
