package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/yllada/mesh-bridge/common"
)

// HealthState represents how reliably the engine answers status queries.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// MonitorConfig holds configuration for the status monitor.
type MonitorConfig struct {
	// Interval is how often the cached state is reconciled.
	Interval time.Duration
	// FailureThreshold is how many consecutive failed queries mark the
	// engine unhealthy.
	FailureThreshold int
	// QueryTimeout bounds a single status query.
	QueryTimeout time.Duration
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         common.StatusInterval,
		FailureThreshold: 3,
		QueryTimeout:     common.CommandTimeout,
	}
}

// StatusSource is what the monitor polls. *Bridge implements it.
type StatusSource interface {
	Initialized() bool
	GetStatus(ctx context.Context) (Status, error)
}

// Health tracks the outcome of the monitor's queries.
type Health struct {
	State            HealthState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	LastStatus       Status
}

// Monitor periodically reconciles the bridge's cached state with the
// engine, so tunnels dropped behind the bridge's back are noticed. It never
// reconnects on its own: auth keys are not retained.
type Monitor struct {
	mu             sync.RWMutex
	config         MonitorConfig
	source         StatusSource
	log            common.Logger
	running        bool
	stopChan       chan struct{}
	done           chan struct{}
	health         Health
	onHealthChange func(oldState, newState HealthState)
}

// withDefaults replaces unset or invalid fields with defaults.
func (c MonitorConfig) withDefaults() MonitorConfig {
	defaults := DefaultMonitorConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaults.QueryTimeout
	}
	return c
}

// NewMonitor creates a monitor polling source.
func NewMonitor(source StatusSource, config MonitorConfig, logger common.Logger) *Monitor {
	if logger == nil {
		logger = common.Named("monitor")
	}

	return &Monitor{
		config: config.withDefaults(),
		source: source,
		log:    logger,
	}
}

// SetOnHealthChange sets a callback for health state changes.
func (m *Monitor) SetOnHealthChange(callback func(oldState, newState HealthState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = callback
}

// Start begins the polling loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	interval := m.config.Interval
	stop, done := m.stopChan, m.done
	m.mu.Unlock()

	m.log.Info("Status monitor started (interval: %v)", interval)

	go m.runLoop(interval, stop, done)
}

// Stop stops the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	done := m.done
	m.mu.Unlock()

	<-done
	m.log.Info("Status monitor stopped")
}

// Run starts the monitor and blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Start()
	<-ctx.Done()
	m.Stop()
	return nil
}

// IsRunning returns whether the monitor is currently running.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Health returns a copy of the current health.
func (m *Monitor) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

func (m *Monitor) runLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Check(context.Background())
		}
	}
}

// Check runs one reconciliation. Before the engine exists there is nothing
// to query and the health stays unknown.
func (m *Monitor) Check(ctx context.Context) {
	if !m.source.Initialized() {
		return
	}

	m.mu.RLock()
	timeout := m.config.QueryTimeout
	threshold := m.config.FailureThreshold
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	status, err := m.source.GetStatus(ctx)
	cancel()

	m.mu.Lock()
	now := time.Now()
	m.health.LastCheck = now
	oldState := m.health.State

	if err != nil {
		m.health.ConsecutiveFails++
		m.log.Warn("Status check failed (attempt %d/%d): %v",
			m.health.ConsecutiveFails, threshold, err)

		if m.health.ConsecutiveFails >= threshold {
			m.health.State = HealthUnhealthy
		} else {
			m.health.State = HealthDegraded
		}
	} else {
		m.health.ConsecutiveFails = 0
		m.health.LastSuccess = now
		m.health.LastStatus = status
		m.health.State = HealthHealthy
	}

	newState := m.health.State
	callback := m.onHealthChange
	m.mu.Unlock()

	if oldState != newState {
		m.log.Info("Engine health changed: %s -> %s", oldState, newState)
		if callback != nil {
			callback(oldState, newState)
		}
	}
}
