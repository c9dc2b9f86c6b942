// Package main provides the entry point for Mesh Bridge.
// Mesh Bridge lets a host application drive a Tailscale client against a
// self-hosted Headscale control server through three commands: connect,
// disconnect and getStatus.
//
// Features:
//   - Daemon exposing the bridge on a unix socket and on the session bus
//   - Lazy, single-instance engine handle with activation tracking
//   - Status monitoring and connection history
//   - Desktop notifications for connection events
//   - Command-line client for scripting and automation
//
// Usage:
//
//	mesh-bridge [options]
//
// Environment:
//
//	The daemon requires the tailscale CLI and a running tailscaled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yllada/mesh-bridge/bridge"
	"github.com/yllada/mesh-bridge/cli"
	"github.com/yllada/mesh-bridge/common"
	"github.com/yllada/mesh-bridge/config"
	"github.com/yllada/mesh-bridge/history"
	"github.com/yllada/mesh-bridge/ipc"
	"github.com/yllada/mesh-bridge/keyring"
	"github.com/yllada/mesh-bridge/notify"
	"github.com/yllada/mesh-bridge/vpn"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	// General flags
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")
	configPath  = flag.String("config", "", "Path to the config file")

	// Daemon flag
	daemonMode = flag.Bool("daemon", false, "Run the bridge daemon")

	// CLI flags
	connectServer = flag.String("connect", "", "Connect to a server profile or login server URL")
	authKey       = flag.String("authkey", "", "Auth key for --connect")
	waitConnected = flag.Bool("wait", false, "With --connect, wait until the tunnel is up")
	disconnectVPN = flag.Bool("disconnect", false, "Take the tunnel down")
	showStatus    = flag.Bool("status", false, "Show current connection status")
	showHistory   = flag.Bool("history", false, "Show recent connection history")
)

const (
	historyLimit         = 20
	historyPruneInterval = time.Hour
	logRotationInterval  = 10 * time.Minute
	shutdownGracePeriod  = 15 * time.Second
)

func main() {
	flag.Parse()

	// Handle help flag
	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	// Handle version flag
	if *showVersion {
		fmt.Printf("Mesh Bridge v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logLevel := common.ParseLogLevel(cfg.LogLevel)
	if *verbose {
		logLevel = common.LevelDebug
	}

	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  *daemonMode && cfg.LogToFile,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals (SIGINT, SIGTERM)
	setupSignalHandler(cancel)

	if *daemonMode {
		common.LogInfo("Starting %s daemon v%s", common.AppName, appVersion)
		if err := runDaemon(ctx, cfg); err != nil {
			common.LogError("Daemon failed: %v", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			common.CloseLogger()
			os.Exit(1)
		}
		return
	}

	if *connectServer != "" || *disconnectVPN || *showStatus || *showHistory {
		if err := runCLI(ctx, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			common.CloseLogger()
			os.Exit(1)
		}
		return
	}

	cli.PrintHelp()
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.LoadFrom(*configPath)
	}
	return config.Load()
}

// runDaemon wires the bridge to its command channels and background
// workers and blocks until ctx is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	secrets, err := keyring.New(keyring.Options{})
	if err != nil {
		return fmt.Errorf("failed to open secret store: %w", err)
	}
	secret, err := keyring.EnsureIPCSecret(secrets)
	if err != nil {
		return fmt.Errorf("failed to load IPC secret: %w", err)
	}

	provider := vpn.NewProvider(vpn.TailscaleFactory(vpn.TailscaleOptions{
		Binary:       cfg.Tailscale.Binary,
		Socket:       cfg.Tailscale.Socket,
		Hostname:     cfg.Tailscale.Hostname,
		AcceptRoutes: cfg.Tailscale.AcceptRoutes,
	}))

	b := bridge.New(provider, bridge.Options{
		ActivationTimeout:         cfg.Bridge.ActivationTimeout,
		DisconnectConfirmRetries:  cfg.Bridge.DisconnectConfirmRetries,
		DisconnectConfirmInterval: cfg.Bridge.DisconnectConfirmInterval,
		Hostname:                  cfg.Tailscale.Hostname,
	})
	closeBridge := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			common.LogWarn("Bridge shutdown: %v", err)
		}
	}
	defer closeBridge()

	server := ipc.NewServer(b, ipc.ServerOptions{
		SocketPath: cfg.SocketFile(),
		Secret:     secret,
	})
	if err := server.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx)
	})

	monitor := bridge.NewMonitor(b, bridge.MonitorConfig{Interval: cfg.Bridge.StatusInterval}, nil)
	g.Go(func() error {
		return monitor.Run(gctx)
	})

	if cfg.History.Enabled {
		store, err := openHistory(cfg)
		if err != nil {
			common.LogWarn("History disabled: %v", err)
		} else {
			defer store.Close()
			b.OnStateChange(store.Listener())
			g.Go(func() error {
				return store.RunPruner(gctx, historyPruneInterval, cfg.History.Retention)
			})
		}
	}

	if cfg.ShowNotifications {
		notifier := notify.New(nil)
		b.OnStateChange(notifier.Listener())
		monitor.SetOnHealthChange(notifier.HealthListener(monitor))
	}

	if cfg.DBus {
		svc := ipc.NewDBusService(b, nil)
		if err := svc.Start(); err != nil {
			common.LogWarn("D-Bus service disabled: %v", err)
		} else {
			b.OnStateChange(svc.Listener())
			g.Go(func() error {
				<-gctx.Done()
				return svc.Close()
			})
		}
	}

	g.Go(func() error {
		ticker := time.NewTicker(logRotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				common.GetLogger().CheckRotation()
			}
		}
	})

	common.LogInfo("Bridge ready")
	err = g.Wait()
	// Close before the history store so the final transition is recorded.
	closeBridge()
	common.LogInfo("Bridge stopped")
	return err
}

func openHistory(cfg *config.Config) (*history.Store, error) {
	path, err := cfg.HistoryFile()
	if err != nil {
		return nil, err
	}
	return history.Open(path, nil)
}

// runCLI handles command-line interface operations against the daemon.
func runCLI(ctx context.Context, cfg *config.Config) error {
	cliApp := cli.New(cfg, ipc.NewClient(cfg.SocketFile(), clientSecret()))

	switch {
	case *connectServer != "":
		ctx, cancel := context.WithTimeout(ctx, cfg.Bridge.ActivationTimeout+common.IPCTimeout)
		defer cancel()
		return cliApp.Connect(ctx, *connectServer, *authKey, *waitConnected)
	case *disconnectVPN:
		return cliApp.Disconnect(ctx)
	case *showStatus:
		return cliApp.Status(ctx)
	case *showHistory:
		store, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return cliApp.History(ctx, store, historyLimit)
	}
	return nil
}

// clientSecret reads the daemon's IPC secret. A missing secret is sent as
// empty and rejected by the daemon with a clear error.
func clientSecret() string {
	secrets, err := keyring.New(keyring.Options{})
	if err != nil {
		common.LogWarn("Secret store unavailable: %v", err)
		return ""
	}
	secret, err := secrets.Get(keyring.IPCSecretKey)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		common.LogWarn("Could not read IPC secret: %v", err)
	}
	return secret
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}
