package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/ipc"
	"github.com/fxgrid/trading-orchestrator/internal/supervisor"
)

// memTransport is an in-memory worker double. It answers commands the way a
// live engine would, on a goroutine of its own.
type memTransport struct {
	mu       sync.Mutex
	results  chan ipc.Result
	done     chan error
	closed   bool
	received []ipc.Command

	// mute drops replies to simulate a hung worker.
	mute bool
}

func newMemTransport(accountID string, ready bool) *memTransport {
	t := &memTransport{
		results: make(chan ipc.Result, 16),
		done:    make(chan error, 1),
	}
	if ready {
		t.results <- ipc.NewResult(accountID, ipc.ResReady)
	}
	return t
}

func (t *memTransport) Send(cmd ipc.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("stream closed")
	}
	t.received = append(t.received, cmd)
	if t.mute {
		return nil
	}
	switch cmd.Type {
	case ipc.CmdGetStatus, ipc.CmdStart, ipc.CmdStop:
		payload, _ := json.Marshal(ipc.StatusPayload{State: "trading", OpenPositions: 2})
		t.results <- ipc.Result{ID: cmd.ID, AccountID: "101", Type: ipc.ResStatusUpdate, Payload: payload}
	case ipc.CmdShutdown:
		t.results <- ipc.Result{AccountID: "101", Type: ipc.ResClosed}
		close(t.results)
		t.done <- nil
	}
	return nil
}

func (t *memTransport) Results() <-chan ipc.Result { return t.results }

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *memTransport) ForceKill() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.results)
		t.done <- errors.New("killed")
	}
	return nil
}

func (t *memTransport) Done() <-chan error { return t.done }

type memLauncher struct {
	mu        sync.Mutex
	transport *memTransport
	launches  int
	ready     bool
}

func (l *memLauncher) Launch(_ context.Context, accountID string) (supervisor.Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	l.transport = newMemTransport(accountID, l.ready)
	return l.transport, nil
}

func TestStartWaitsForReady(t *testing.T) {
	l := &memLauncher{ready: true}
	s := supervisor.New(zap.NewNop(), "101", l, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, supervisor.StateReady, s.State())
	assert.Equal(t, 1, l.launches)
}

func TestCallCorrelatesReply(t *testing.T) {
	l := &memLauncher{ready: true}
	s := supervisor.New(zap.NewNop(), "101", l, nil)
	require.NoError(t, s.Start(context.Background()))

	res, err := s.Call(context.Background(), ipc.NewCommand(ipc.CmdGetStatus), time.Second)
	require.NoError(t, err)
	var st ipc.StatusPayload
	require.NoError(t, res.DecodePayload(&st))
	assert.Equal(t, "trading", st.State)
	assert.Equal(t, 2, st.OpenPositions)
}

func TestCallTimesOutOnMuteWorker(t *testing.T) {
	l := &memLauncher{ready: true}
	s := supervisor.New(zap.NewNop(), "101", l, nil)
	require.NoError(t, s.Start(context.Background()))
	l.transport.mute = true

	_, err := s.Call(context.Background(), ipc.NewCommand(ipc.CmdGetStatus), 50*time.Millisecond)
	assert.ErrorIs(t, err, supervisor.ErrAwaitTimeout)
}

func TestStopShutsDownCleanly(t *testing.T) {
	l := &memLauncher{ready: true}
	s := supervisor.New(zap.NewNop(), "101", l, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Alive())

	require.NoError(t, s.Stop(context.Background()))
	assert.Eventually(t, func() bool {
		return s.State() == supervisor.StateStopped
	}, time.Second, 10*time.Millisecond)
	assert.False(t, s.Alive())
}

func TestSinkSeesEveryResult(t *testing.T) {
	var mu sync.Mutex
	var seen []ipc.ResultType
	sink := func(_ string, res ipc.Result) {
		mu.Lock()
		seen = append(seen, res.Type)
		mu.Unlock()
	}

	l := &memLauncher{ready: true}
	s := supervisor.New(zap.NewNop(), "101", l, sink)
	require.NoError(t, s.Start(context.Background()))
	_, err := s.Call(context.Background(), ipc.NewCommand(ipc.CmdGetStatus), time.Second)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ipc.ResReady, seen[0])
}

func TestSendToStoppedWorkerFails(t *testing.T) {
	l := &memLauncher{ready: true}
	s := supervisor.New(zap.NewNop(), "101", l, nil)
	err := s.Send(ipc.NewCommand(ipc.CmdStart))
	assert.ErrorIs(t, err, supervisor.ErrNotRunning)
}
