package pool_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/ipc"
	"github.com/fxgrid/trading-orchestrator/internal/pool"
	"github.com/fxgrid/trading-orchestrator/internal/supervisor"
)

const poolDoc = `
version: "1.0"
accounts:
  "101":
    login: 5001001
    server: paper
  "202":
    login: 5002002
    server: paper
  "303":
    login: 5003003
    server: paper
    active: false
`

func newStore(t *testing.T) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(poolDoc), 0o644))
	store, err := config.NewStore(zap.NewNop(), path)
	require.NoError(t, err)
	return store
}

// stubTransport acknowledges shutdown and swallows everything else.
type stubTransport struct {
	mu      sync.Mutex
	results chan ipc.Result
	done    chan error
	sent    []ipc.CommandType
	stopped bool
}

func newStubTransport(accountID string) *stubTransport {
	t := &stubTransport{
		results: make(chan ipc.Result, 16),
		done:    make(chan error, 1),
	}
	t.results <- ipc.NewResult(accountID, ipc.ResReady)
	return t
}

func (t *stubTransport) Send(cmd ipc.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, cmd.Type)
	if cmd.Type == ipc.CmdShutdown && !t.stopped {
		t.stopped = true
		close(t.results)
		t.done <- nil
	}
	return nil
}

func (t *stubTransport) Results() <-chan ipc.Result { return t.results }
func (t *stubTransport) Close() error               { return nil }
func (t *stubTransport) Done() <-chan error         { return t.done }

func (t *stubTransport) ForceKill() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.results)
		t.done <- errors.New("killed")
	}
	return nil
}

type stubLauncher struct {
	mu         sync.Mutex
	transports map[string]*stubTransport
	launches   int
}

func newStubLauncher() *stubLauncher {
	return &stubLauncher{transports: make(map[string]*stubTransport)}
}

func (l *stubLauncher) Launch(_ context.Context, accountID string) (supervisor.Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	t := newStubTransport(accountID)
	l.transports[accountID] = t
	return t, nil
}

func TestStartAllSkipsInactive(t *testing.T) {
	launcher := newStubLauncher()
	p := pool.New(zap.NewNop(), newStore(t), launcher)
	defer p.Close()

	require.NoError(t, p.StartAll(context.Background()))
	assert.Equal(t, []string{"101", "202"}, p.ListActive())
	assert.Equal(t, 2, launcher.launches)
}

func TestStartWorkerTwiceFails(t *testing.T) {
	launcher := newStubLauncher()
	p := pool.New(zap.NewNop(), newStore(t), launcher)
	defer p.Close()

	require.NoError(t, p.StartWorker(context.Background(), "101"))
	err := p.StartWorker(context.Background(), "101")
	assert.Error(t, err)
	assert.Equal(t, 1, launcher.launches)
}

func TestStartUnknownAccountFails(t *testing.T) {
	p := pool.New(zap.NewNop(), newStore(t), newStubLauncher())
	defer p.Close()

	err := p.StartWorker(context.Background(), "999")
	assert.ErrorIs(t, err, config.ErrNotFound)
}

func TestStopWorkerIsIdempotent(t *testing.T) {
	launcher := newStubLauncher()
	p := pool.New(zap.NewNop(), newStore(t), launcher)
	defer p.Close()

	// Stopping a never-started worker succeeds.
	require.NoError(t, p.StopWorker(context.Background(), "101"))

	require.NoError(t, p.StartWorker(context.Background(), "101"))
	require.NoError(t, p.StopWorker(context.Background(), "101"))
	require.NoError(t, p.StopWorker(context.Background(), "101"))

	assert.Eventually(t, func() bool {
		return len(p.ListActive()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStopAndRestartRestoresWorker(t *testing.T) {
	launcher := newStubLauncher()
	p := pool.New(zap.NewNop(), newStore(t), launcher)
	defer p.Close()

	require.NoError(t, p.StartWorker(context.Background(), "101"))
	require.NoError(t, p.StopWorker(context.Background(), "101"))
	assert.Eventually(t, func() bool {
		return p.States()["101"] == supervisor.StateStopped
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.StartWorker(context.Background(), "101"))
	assert.Equal(t, []string{"101"}, p.ListActive())
	assert.Equal(t, 2, launcher.launches)
}

func TestWorkerRecordTracksRestarts(t *testing.T) {
	launcher := newStubLauncher()
	p := pool.New(zap.NewNop(), newStore(t), launcher)
	defer p.Close()

	_, ok := p.Record("101")
	assert.False(t, ok, "no record before the first start")

	require.NoError(t, p.StartWorker(context.Background(), "101"))
	rec, ok := p.Record("101")
	require.True(t, ok)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.False(t, rec.LastReadyAt.IsZero())
	assert.Zero(t, rec.RestartCount)

	require.NoError(t, p.StopWorker(context.Background(), "101"))
	require.Eventually(t, func() bool {
		return p.States()["101"] == supervisor.StateStopped
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.StartWorker(context.Background(), "101"))
	again, ok := p.Record("101")
	require.True(t, ok)
	assert.Equal(t, 1, again.RestartCount)
	assert.Equal(t, rec.CreatedAt, again.CreatedAt, "creation time survives restarts")
	assert.False(t, again.LastReadyAt.Before(rec.LastReadyAt))
}

func TestBroadcastReachesAllWorkers(t *testing.T) {
	launcher := newStubLauncher()
	p := pool.New(zap.NewNop(), newStore(t), launcher)
	defer p.Close()
	require.NoError(t, p.StartAll(context.Background()))

	out := p.Broadcast(ipc.CmdPause)
	assert.Len(t, out, 2)
	for id, err := range out {
		assert.NoError(t, err, "account %s", id)
	}
	for _, tr := range launcher.transports {
		assert.Contains(t, tr.sent, ipc.CmdPause)
	}
}

func TestObserverSeesLifecycleEvents(t *testing.T) {
	launcher := newStubLauncher()
	p := pool.New(zap.NewNop(), newStore(t), launcher)
	defer p.Close()

	var mu sync.Mutex
	var types []pool.EventType
	p.Subscribe(func(ev pool.Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	require.NoError(t, p.StartWorker(context.Background(), "101"))
	require.NoError(t, p.StopWorker(context.Background(), "101"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var started, stopped bool
		for _, ty := range types {
			started = started || ty == pool.EventWorkerStarted
			stopped = stopped || ty == pool.EventWorkerStopped
		}
		return started && stopped
	}, time.Second, 10*time.Millisecond)
}
