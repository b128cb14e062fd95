package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/ipc"
)

type fakePool struct {
	active   []string
	callErr  error
	stops    int
	starts   int
	startErr error
}

func (f *fakePool) ListActive() []string { return f.active }

func (f *fakePool) Call(context.Context, string, ipc.Command, time.Duration) (ipc.Result, error) {
	return ipc.Result{}, f.callErr
}

func (f *fakePool) StopWorker(context.Context, string) error {
	f.stops++
	return nil
}

func (f *fakePool) StartWorker(context.Context, string) error {
	f.starts++
	return f.startErr
}

func newTestMonitor(p WorkerPool) (*Monitor, *time.Time) {
	m := NewMonitor(zap.NewNop(), p, time.Minute, prometheus.NewRegistry())
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestGradingProgression(t *testing.T) {
	p := &fakePool{active: []string{"101"}, callErr: errors.New("timeout")}
	m, _ := newTestMonitor(p)

	m.Sweep(context.Background())
	assert.Equal(t, StatusDegraded, m.Snapshot()["101"].Status)

	m.Sweep(context.Background())
	assert.Equal(t, StatusDegraded, m.Snapshot()["101"].Status)

	m.Sweep(context.Background())
	rec := m.Snapshot()["101"]
	assert.Equal(t, StatusUnhealthy, rec.Status)
	assert.Equal(t, 3, rec.Failures)
	assert.Equal(t, 1, p.stops)
	assert.Equal(t, 1, p.starts)
}

func TestRecoveryBackoffDoubles(t *testing.T) {
	p := &fakePool{active: []string{"101"}, callErr: errors.New("down")}
	m, now := newTestMonitor(p)

	// Three failures grade unhealthy and trigger the first restart.
	for i := 0; i < 3; i++ {
		m.Sweep(context.Background())
	}
	require.Equal(t, 1, p.starts)
	rec := m.Snapshot()["101"]
	assert.Equal(t, now.Add(time.Minute), rec.NextRestartAt)

	// Still failing but inside the backoff window: no second restart.
	m.Sweep(context.Background())
	assert.Equal(t, 1, p.starts)

	// Past the window the second attempt fires with doubled backoff.
	*now = now.Add(61 * time.Second)
	m.Sweep(context.Background())
	assert.Equal(t, 2, p.starts)
	assert.Equal(t, now.Add(2*time.Minute), m.Snapshot()["101"].NextRestartAt)
}

func TestSuccessResetsRecord(t *testing.T) {
	p := &fakePool{active: []string{"101"}, callErr: errors.New("down")}
	m, _ := newTestMonitor(p)

	for i := 0; i < 3; i++ {
		m.Sweep(context.Background())
	}
	require.Equal(t, StatusUnhealthy, m.Snapshot()["101"].Status)

	p.callErr = nil
	m.Sweep(context.Background())
	rec := m.Snapshot()["101"]
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Zero(t, rec.Failures)
	assert.Zero(t, rec.RestartAttempts)
	assert.Empty(t, rec.LastError)
}

func TestRestartBackoffCap(t *testing.T) {
	assert.Equal(t, time.Minute, restartBackoff(1))
	assert.Equal(t, 2*time.Minute, restartBackoff(2))
	assert.Equal(t, 32*time.Minute, restartBackoff(6))
	assert.Equal(t, time.Hour, restartBackoff(7))
	assert.Equal(t, time.Hour, restartBackoff(20))
}
