// Package vpn provides the handle to the external mesh-VPN engine.
// This file contains the Tailscale engine, which drives the tailscale CLI
// against a running tailscaled and a self-hosted control server.
package vpn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yllada/mesh-bridge/common"
)

// TailscaleOptions configures the Tailscale engine.
type TailscaleOptions struct {
	// Binary is the tailscale CLI, looked up on PATH when not absolute.
	Binary string
	// Socket is the tailscaled socket; empty uses the CLI default.
	Socket       string
	Hostname     string
	AcceptRoutes bool
	// CommandTimeout bounds "down" and "status" invocations.
	CommandTimeout time.Duration
	Logger         common.Logger
}

// Tailscale is an Engine backed by the tailscale CLI.
type Tailscale struct {
	opts   TailscaleOptions
	binary string
	log    common.Logger

	mu         sync.Mutex
	running    *Activation
	tmpDir     string
	loginURL   string
	outputHook func(line string)
}

// NewTailscale verifies the CLI is installed and returns the engine.
func NewTailscale(opts TailscaleOptions) (*Tailscale, error) {
	if opts.Binary == "" {
		opts.Binary = common.DefaultTailscaleBinary
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = common.CommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = common.Named("tailscale")
	}

	binary, err := exec.LookPath(opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %w", common.ErrEngineUnavailable, opts.Binary, err)
	}

	return &Tailscale{
		opts:   opts,
		binary: binary,
		log:    opts.Logger,
	}, nil
}

// TailscaleFactory returns a Factory creating Tailscale engines.
func TailscaleFactory(opts TailscaleOptions) Factory {
	return func(context.Context) (Engine, error) {
		return NewTailscale(opts)
	}
}

// SetOutputHook sets a handler receiving every line the CLI prints during
// activation.
func (t *Tailscale) SetOutputHook(hook func(line string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outputHook = hook
}

// LoginURL returns the interactive login URL printed by the last
// activation, if the control server asked for one.
func (t *Tailscale) LoginURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loginURL
}

func (t *Tailscale) globalArgs() []string {
	if t.opts.Socket == "" {
		return nil
	}
	return []string{"--socket=" + t.opts.Socket}
}

func (t *Tailscale) upArgs(req LoginRequest, keyFile string) []string {
	args := append(t.globalArgs(),
		"up",
		"--login-server="+req.LoginServer,
		"--auth-key=file:"+keyFile,
		"--reset",
	)

	hostname := req.Hostname
	if hostname == "" {
		hostname = t.opts.Hostname
	}
	if hostname != "" {
		args = append(args, "--hostname="+hostname)
	}
	if t.opts.AcceptRoutes {
		args = append(args, "--accept-routes")
	}
	return args
}

// RequestActivation runs "tailscale up" in the background. The auth key is
// handed over through a private temporary file that is deleted as soon as
// the CLI exits.
func (t *Tailscale) RequestActivation(ctx context.Context, req LoginRequest) (*Activation, error) {
	if !req.Valid() {
		return nil, common.ErrMissingLoginArguments
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running != nil {
		return nil, common.ErrActivationInProgress
	}

	keyFile, err := t.writeAuthKeyFile(req.AuthKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth key file: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	args := t.upArgs(req, keyFile)
	cmd := exec.CommandContext(runCtx, t.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		os.Remove(keyFile)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		os.Remove(keyFile)
		return nil, err
	}

	t.log.Info("Starting activation against %s (auth key %s)",
		req.LoginServer, common.RedactSecret(req.AuthKey))

	if err := cmd.Start(); err != nil {
		cancel()
		os.Remove(keyFile)
		return nil, fmt.Errorf("failed to start tailscale up: %w", err)
	}
	t.log.Debug("tailscale up started with PID %d", cmd.Process.Pid)

	activation := NewActivation(cancel)
	t.running = activation
	t.loginURL = ""

	go t.waitActivation(runCtx, cmd, keyFile, activation, stdout, stderr)

	return activation, nil
}

func (t *Tailscale) waitActivation(ctx context.Context, cmd *exec.Cmd, keyFile string,
	activation *Activation, stdout, stderr io.Reader) {
	var (
		wg       sync.WaitGroup
		lastMu   sync.Mutex
		lastLine string
	)

	record := func(line string) {
		lastMu.Lock()
		lastLine = line
		lastMu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		t.monitorOutput(stdout, record)
	}()
	go func() {
		defer wg.Done()
		t.monitorOutput(stderr, record)
	}()
	wg.Wait()

	err := cmd.Wait()

	if rmErr := os.Remove(keyFile); rmErr != nil && !os.IsNotExist(rmErr) {
		t.log.Warn("Could not remove auth key file: %v", rmErr)
	}

	t.mu.Lock()
	if t.running == activation {
		t.running = nil
	}
	t.mu.Unlock()

	switch {
	case err == nil:
		t.log.Info("tailscale up completed")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = common.ErrTimeout
	case ctx.Err() != nil:
		err = common.ErrCancelled
	default:
		lastMu.Lock()
		if lastLine != "" {
			err = fmt.Errorf("tailscale up: %w: %s", err, lastLine)
		} else {
			err = fmt.Errorf("tailscale up: %w", err)
		}
		lastMu.Unlock()
		t.log.Error("%v", err)
	}

	activation.Complete(err)
}

// monitorOutput scans CLI output, surfacing interactive login prompts.
func (t *Tailscale) monitorOutput(pipe io.Reader, record func(string)) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		t.log.Debug("tailscale: %s", line)
		record(line)

		if strings.HasPrefix(line, "https://") || strings.HasPrefix(line, "http://") {
			t.log.Info("Control server requests interactive login: %s", line)
			t.mu.Lock()
			t.loginURL = line
			t.mu.Unlock()
		}

		t.mu.Lock()
		hook := t.outputHook
		t.mu.Unlock()
		if hook != nil {
			hook(line)
		}
	}
}

// writeAuthKeyFile stores the key in a 0600 file inside a private 0700
// directory.
func (t *Tailscale) writeAuthKeyFile(authKey string) (string, error) {
	if t.tmpDir == "" {
		dir, err := os.MkdirTemp("", common.ConfigDirName+"-")
		if err != nil {
			return "", err
		}
		t.tmpDir = dir
	}

	keyFile := filepath.Join(t.tmpDir, fmt.Sprintf("authkey-%d", time.Now().UnixNano()))
	if err := os.WriteFile(keyFile, []byte(authKey), 0600); err != nil {
		return "", err
	}
	return keyFile, nil
}

// RequestDeactivation runs "tailscale down".
func (t *Tailscale) RequestDeactivation(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.CommandTimeout)
	defer cancel()

	args := append(t.globalArgs(), "down")
	output, err := exec.CommandContext(ctx, t.binary, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tailscale down: %w: %s", err, strings.TrimSpace(string(output)))
	}

	t.log.Info("tailscale down completed")
	return nil
}

// QueryState runs "tailscale status --json".
func (t *Tailscale) QueryState(ctx context.Context) (TunnelState, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.CommandTimeout)
	defer cancel()

	args := append(t.globalArgs(), "status", "--json")
	output, err := exec.CommandContext(ctx, t.binary, args...).Output()

	// A stopped backend exits non-zero but still prints the JSON document.
	state, parseErr := parseStatus(output)
	if parseErr == nil {
		return state, nil
	}
	if err != nil {
		return TunnelState{}, fmt.Errorf("tailscale status: %w", err)
	}
	return TunnelState{}, parseErr
}

// Close aborts a running activation and removes temporary files.
func (t *Tailscale) Close() error {
	t.mu.Lock()
	running := t.running
	dir := t.tmpDir
	t.tmpDir = ""
	t.mu.Unlock()

	if running != nil {
		running.Cancel()
		<-running.Done()
	}
	if dir != "" {
		return os.RemoveAll(dir)
	}
	return nil
}

type statusDocument struct {
	BackendState string `json:"BackendState"`
	Self         *struct {
		TailscaleIPs []string `json:"TailscaleIPs"`
	} `json:"Self"`
}

func parseStatus(data []byte) (TunnelState, error) {
	var doc statusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return TunnelState{}, fmt.Errorf("failed to parse tailscale status: %w", err)
	}
	if doc.BackendState == "" {
		return TunnelState{}, errors.New("failed to parse tailscale status: missing BackendState")
	}

	state := TunnelState{
		BackendState: doc.BackendState,
		Connected:    doc.BackendState == "Running",
	}
	if doc.Self != nil && state.Connected {
		state.Address = pickAddress(doc.Self.TailscaleIPs)
	}
	return state, nil
}

// pickAddress returns the first IPv4 address, or the first address at all.
func pickAddress(ips []string) string {
	for _, ip := range ips {
		if addr, err := netip.ParseAddr(ip); err == nil && addr.Is4() {
			return ip
		}
	}
	if len(ips) > 0 {
		return ips[0]
	}
	return ""
}
