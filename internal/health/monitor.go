// Package health probes worker liveness and restarts unhealthy workers with
// exponential backoff.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/ipc"
)

// WorkerPool is the slice of the pool the monitor needs: probing live
// workers and restarting unhealthy ones.
type WorkerPool interface {
	ListActive() []string
	Call(ctx context.Context, accountID string, cmd ipc.Command, timeout time.Duration) (ipc.Result, error)
	StopWorker(ctx context.Context, accountID string) error
	StartWorker(ctx context.Context, accountID string) error
}

// Status grades one worker's health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	// DefaultCheckInterval paces the probe loop.
	DefaultCheckInterval = 60 * time.Second
	// ProbeTimeout bounds one status round trip.
	ProbeTimeout = 10 * time.Second
	// unhealthyAfter is the consecutive-failure count that grades unhealthy.
	unhealthyAfter = 3
	// restartBackoffBase is the first restart delay; it doubles per attempt.
	restartBackoffBase = 60 * time.Second
	// restartBackoffMax caps the restart delay.
	restartBackoffMax = time.Hour
)

// Record is the probe history for one account.
type Record struct {
	Status          Status    `json:"status"`
	Failures        int       `json:"consecutiveFailures"`
	RestartAttempts int       `json:"restartAttempts"`
	LastProbeAt     time.Time `json:"lastProbeAt"`
	LastError       string    `json:"lastError,omitempty"`
	NextRestartAt   time.Time `json:"nextRestartAt,omitempty"`
}

type metrics struct {
	status   *prometheus.GaugeVec
	failures *prometheus.CounterVec
	restarts *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		status: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_worker_health_status",
			Help: "Worker health grade: 0 healthy, 1 degraded, 2 unhealthy.",
		}, []string{"account"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_worker_probe_failures_total",
			Help: "Total failed health probes per worker.",
		}, []string{"account"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_worker_restarts_total",
			Help: "Total recovery restarts per worker.",
		}, []string{"account"}),
	}
}

// Monitor runs the probe loop over the pool's active workers.
type Monitor struct {
	logger   *zap.Logger
	pool     WorkerPool
	interval time.Duration
	metrics  *metrics

	mu      sync.Mutex
	records map[string]*Record

	// now and probe are swappable for tests.
	now   func() time.Time
	probe func(ctx context.Context, accountID string) error
}

// NewMonitor creates a monitor over the pool, registering its metrics.
func NewMonitor(logger *zap.Logger, p WorkerPool, interval time.Duration, reg prometheus.Registerer) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	m := &Monitor{
		logger:   logger.Named("health"),
		pool:     p,
		interval: interval,
		metrics:  newMetrics(reg),
		records:  make(map[string]*Record),
		now:      time.Now,
	}
	m.probe = m.statusProbe
	return m
}

// Run executes the probe loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every active worker once.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, accountID := range m.pool.ListActive() {
		m.probeOne(ctx, accountID)
	}
}

func (m *Monitor) statusProbe(ctx context.Context, accountID string) error {
	_, err := m.pool.Call(ctx, accountID, ipc.NewCommand(ipc.CmdGetStatus), ProbeTimeout)
	return err
}

func (m *Monitor) probeOne(ctx context.Context, accountID string) {
	rec := m.record(accountID)
	err := m.probe(ctx, accountID)

	m.mu.Lock()
	rec.LastProbeAt = m.now()
	if err == nil {
		rec.Failures = 0
		rec.RestartAttempts = 0
		rec.Status = StatusHealthy
		rec.LastError = ""
		rec.NextRestartAt = time.Time{}
		m.mu.Unlock()
		m.metrics.status.WithLabelValues(accountID).Set(0)
		return
	}

	rec.Failures++
	rec.LastError = err.Error()
	if rec.Failures >= unhealthyAfter {
		rec.Status = StatusUnhealthy
	} else {
		rec.Status = StatusDegraded
	}
	status := rec.Status
	due := rec.Status == StatusUnhealthy && !m.now().Before(rec.NextRestartAt)
	m.mu.Unlock()

	m.metrics.failures.WithLabelValues(accountID).Inc()
	m.metrics.status.WithLabelValues(accountID).Set(gradeValue(status))
	m.logger.Warn("health probe failed",
		zap.String("account", accountID),
		zap.String("status", string(status)),
		zap.Error(err))

	if due {
		m.recover(ctx, accountID, rec)
	}
}

// recover restarts an unhealthy worker and schedules the next attempt with
// doubled backoff.
func (m *Monitor) recover(ctx context.Context, accountID string, rec *Record) {
	m.mu.Lock()
	attempt := rec.RestartAttempts
	rec.RestartAttempts++
	rec.NextRestartAt = m.now().Add(restartBackoff(rec.RestartAttempts))
	m.mu.Unlock()

	m.metrics.restarts.WithLabelValues(accountID).Inc()
	m.logger.Warn("restarting unhealthy worker",
		zap.String("account", accountID), zap.Int("attempt", attempt+1))

	if err := m.pool.StopWorker(ctx, accountID); err != nil {
		m.logger.Error("recovery stop failed", zap.String("account", accountID), zap.Error(err))
	}
	if err := m.pool.StartWorker(ctx, accountID); err != nil {
		m.logger.Error("recovery start failed", zap.String("account", accountID), zap.Error(err))
		return
	}
	m.logger.Info("worker restarted", zap.String("account", accountID))
}

// restartBackoff returns the delay before restart attempt n (1-based).
func restartBackoff(n int) time.Duration {
	d := restartBackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= restartBackoffMax {
			return restartBackoffMax
		}
	}
	if d > restartBackoffMax {
		return restartBackoffMax
	}
	return d
}

func gradeValue(s Status) float64 {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return 0
}

func (m *Monitor) record(accountID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[accountID]
	if !ok {
		rec = &Record{Status: StatusHealthy}
		m.records[accountID] = rec
	}
	return rec
}

// Snapshot copies the probe records for reporting.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Record, len(m.records))
	for id, rec := range m.records {
		out[id] = *rec
	}
	return out
}
