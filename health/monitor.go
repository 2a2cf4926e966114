package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check reports the current health of one component
type Check func() Status

// Monitor tracks the health of named components. Statuses are either pushed
// with Update or pulled from registered checks by Poll and Run.
type Monitor struct {
	system string
	logger *slog.Logger

	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates a monitor reporting as system
func NewMonitor(system string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		system:   system,
		logger:   logger,
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Register adds a check polled under name
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update records the status for name. Level changes are logged.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	prev, seen := m.statuses[name]
	m.statuses[name] = status
	m.mu.Unlock()

	if seen && prev.Status == status.Status {
		return
	}
	level := slog.LevelInfo
	if !status.IsHealthy() {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "Health changed",
		"component", name,
		"status", status.Status,
		"message", status.Message)
}

// Get returns the last status recorded for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Remove stops tracking name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// Poll runs every registered check once
func (m *Monitor) Poll() {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	for name, c := range checks {
		m.Update(name, c())
	}
}

// Run polls at interval until ctx ends
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

// AggregateHealth rolls all recorded statuses into one, components sorted by name
func (m *Monitor) AggregateHealth() Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(m.system, subs)
}

// ServeHTTP writes the aggregate status as JSON, with 503 when unhealthy
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.AggregateHealth()

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		m.logger.Debug("Failed to write health response", "error", err)
	}
}
