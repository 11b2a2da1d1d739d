package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/rs/zerolog"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypePing CheckType = "ping"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config controls how often dependencies are probed
type Config struct {
	// Interval is the time between health checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a health check to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks the current health status of one dependency
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus creates a new Status with default values
func NewStatus() *Status {
	return &Status{
		Healthy: true, // Assume healthy until proven otherwise
	}
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// Monitor probes external dependencies on an interval and mirrors their
// state into the component health registry served on /health and /ready
type Monitor struct {
	config   Config
	mu       sync.RWMutex
	checkers map[string]Checker
	statuses map[string]*Status
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewMonitor creates a monitor with no checkers
func NewMonitor(config Config) *Monitor {
	if config.Retries < 1 {
		config.Retries = 1
	}
	return &Monitor{
		config:   config,
		checkers: make(map[string]Checker),
		statuses: make(map[string]*Status),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("health"),
	}
}

// Add registers a checker under a component name
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
	m.statuses[name] = NewStatus()
	metrics.RegisterComponent(name, true, "pending first check")
}

// Start runs one round immediately and then one every interval
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.CheckAll(context.Background())

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckAll(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop stops the monitor loop
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// CheckAll probes every registered dependency once
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.check(ctx, name)
	}
}

func (m *Monitor) check(ctx context.Context, name string) {
	m.mu.RLock()
	checker := m.checkers[name]
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	result := checker.Check(ctx)
	cancel()

	m.mu.Lock()
	status := m.statuses[name]
	wasHealthy := status.Healthy
	status.Update(result, m.config)
	healthy := status.Healthy
	m.mu.Unlock()

	metrics.UpdateComponent(name, healthy, result.Message)
	if wasHealthy && !healthy {
		m.logger.Warn().
			Str("dependency", name).
			Str("type", string(checker.Type())).
			Str("message", result.Message).
			Msg("Dependency unhealthy")
	} else if !wasHealthy && healthy {
		m.logger.Info().Str("dependency", name).Msg("Dependency recovered")
	}
}

// Status returns a copy of the current status of a dependency
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	if !ok {
		return Status{}, false
	}
	return *s, true
}
