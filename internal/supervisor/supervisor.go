// Package supervisor owns the lifecycle of a single worker process: launch,
// ready handshake, command dispatch with reply correlation, and supervised
// shutdown with a force-kill fallback.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/ipc"
)

// WorkerState is the supervisor's view of the worker lifecycle.
type WorkerState string

const (
	StateStarting WorkerState = "starting"
	StateReady    WorkerState = "ready"
	StateTrading  WorkerState = "trading"
	StatePaused   WorkerState = "paused"
	StateStopping WorkerState = "stopping"
	StateStopped  WorkerState = "stopped"
	StateErrored  WorkerState = "errored"
)

const (
	// ReadyTimeout bounds the wait for the worker's ready handshake.
	ReadyTimeout = 30 * time.Second
	// StopGrace bounds the wait for a clean shutdown before force kill.
	StopGrace = 10 * time.Second
	// DefaultAwaitTimeout bounds a correlated command round trip.
	DefaultAwaitTimeout = 15 * time.Second
)

// ErrAwaitTimeout reports that a correlated reply did not arrive in time.
var ErrAwaitTimeout = errors.New("timed out waiting for worker reply")

// ErrNotRunning reports a command sent to a worker that has no live process.
var ErrNotRunning = errors.New("worker is not running")

// Transport is the duplex channel to one worker process.
type Transport interface {
	Send(cmd ipc.Command) error
	Results() <-chan ipc.Result
	// Close closes the command stream; the worker treats EOF as shutdown.
	Close() error
	ForceKill() error
	// Done yields the process exit outcome once.
	Done() <-chan error
}

// Launcher creates worker processes.
type Launcher interface {
	Launch(ctx context.Context, accountID string) (Transport, error)
}

// ResultSink receives every result a worker emits, in arrival order.
type ResultSink func(accountID string, res ipc.Result)

// Supervisor manages one account's worker.
type Supervisor struct {
	logger    *zap.Logger
	accountID string
	launcher  Launcher
	sink      ResultSink

	mu        sync.Mutex
	state     WorkerState
	transport Transport
	waiters   map[string]chan ipc.Result
	readyCh   chan struct{}
	stopped   chan struct{}
}

// New creates an idle supervisor for an account.
func New(logger *zap.Logger, accountID string, launcher Launcher, sink ResultSink) *Supervisor {
	return &Supervisor{
		logger:    logger.Named("supervisor").With(zap.String("account", accountID)),
		accountID: accountID,
		launcher:  launcher,
		sink:      sink,
		state:     StateStopped,
		waiters:   make(map[string]chan ipc.Result),
	}
}

// AccountID returns the supervised account's identifier.
func (s *Supervisor) AccountID() string { return s.accountID }

// State returns the current lifecycle state.
func (s *Supervisor) State() WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether the worker process is still running.
func (s *Supervisor) Alive() bool {
	switch s.State() {
	case StateStopped, StateErrored:
		return false
	}
	return true
}

// Start launches the worker and waits for its ready handshake.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.transport != nil {
		s.mu.Unlock()
		return fmt.Errorf("worker %s already running", s.accountID)
	}
	s.state = StateStarting
	s.readyCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	t, err := s.launcher.Launch(ctx, s.accountID)
	if err != nil {
		s.setState(StateErrored)
		return fmt.Errorf("launch worker %s: %w", s.accountID, err)
	}

	s.mu.Lock()
	s.transport = t
	readyCh := s.readyCh
	s.mu.Unlock()

	go s.pump(t)
	go s.reap(t)

	select {
	case <-readyCh:
		s.logger.Info("worker ready")
		return nil
	case <-time.After(ReadyTimeout):
		s.logger.Error("worker failed ready handshake, killing")
		_ = t.ForceKill()
		s.teardown(StateErrored)
		return fmt.Errorf("worker %s: no ready handshake within %s", s.accountID, ReadyTimeout)
	case <-ctx.Done():
		_ = t.ForceKill()
		s.teardown(StateErrored)
		return ctx.Err()
	}
}

// Send dispatches a command without waiting for a reply.
func (s *Supervisor) Send(cmd ipc.Command) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotRunning
	}
	return t.Send(cmd)
}

// Call dispatches a command and waits for the correlated reply.
func (s *Supervisor) Call(ctx context.Context, cmd ipc.Command, timeout time.Duration) (ipc.Result, error) {
	if cmd.ID == "" {
		return ipc.Result{}, errors.New("command needs a correlation id")
	}
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}

	ch := make(chan ipc.Result, 1)
	s.mu.Lock()
	if s.transport == nil {
		s.mu.Unlock()
		return ipc.Result{}, ErrNotRunning
	}
	s.waiters[cmd.ID] = ch
	t := s.transport
	stopped := s.stopped
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, cmd.ID)
		s.mu.Unlock()
	}()

	if err := t.Send(cmd); err != nil {
		return ipc.Result{}, fmt.Errorf("send %s: %w", cmd.Type, err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-time.After(timeout):
		return ipc.Result{}, fmt.Errorf("%w: %s", ErrAwaitTimeout, cmd.Type)
	case <-stopped:
		return ipc.Result{}, ErrNotRunning
	case <-ctx.Done():
		return ipc.Result{}, ctx.Err()
	}
}

// Stop asks the worker to shut down and force kills it after the grace
// window.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	t := s.transport
	stopped := s.stopped
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	s.setState(StateStopping)

	if err := t.Send(ipc.NewCommand(ipc.CmdShutdown)); err != nil {
		s.logger.Warn("shutdown command failed, closing stream", zap.Error(err))
		_ = t.Close()
	}

	select {
	case <-stopped:
		return nil
	case <-time.After(StopGrace):
		s.logger.Warn("worker did not exit in grace window, force killing")
		if err := t.ForceKill(); err != nil {
			return fmt.Errorf("force kill worker %s: %w", s.accountID, err)
		}
		return nil
	case <-ctx.Done():
		_ = t.ForceKill()
		return ctx.Err()
	}
}

// pump routes worker results: handshake, state tracking, correlated replies,
// and the orchestrator-wide sink.
func (s *Supervisor) pump(t Transport) {
	for res := range t.Results() {
		s.observe(res)

		if res.ID != "" {
			s.mu.Lock()
			ch, ok := s.waiters[res.ID]
			s.mu.Unlock()
			if ok {
				ch <- res
			}
		}
		if s.sink != nil {
			s.sink(s.accountID, res)
		}
	}
}

// observe folds a result into the lifecycle state.
func (s *Supervisor) observe(res ipc.Result) {
	switch res.Type {
	case ipc.ResReady:
		s.mu.Lock()
		if s.state == StateStarting {
			s.state = StateReady
			close(s.readyCh)
		}
		s.mu.Unlock()
	case ipc.ResStatusUpdate:
		var st ipc.StatusPayload
		if err := res.DecodePayload(&st); err == nil {
			switch st.State {
			case "trading":
				s.setState(StateTrading)
			case "paused":
				s.setState(StatePaused)
			case "stopped":
				if s.State() != StateStopping {
					s.setState(StateReady)
				}
			}
		}
	case ipc.ResClosed:
		s.logger.Info("worker reported clean close")
	}
}

// reap waits for process exit and finalizes state.
func (s *Supervisor) reap(t Transport) {
	err := <-t.Done()
	if err != nil && s.State() != StateStopping {
		s.logger.Error("worker exited unexpectedly", zap.Error(err))
		s.teardown(StateErrored)
		return
	}
	if err != nil {
		s.logger.Warn("worker exit status", zap.Error(err))
	}
	s.teardown(StateStopped)
}

func (s *Supervisor) teardown(final WorkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return
	}
	s.transport = nil
	s.state = final
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}

func (s *Supervisor) setState(st WorkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != st {
		s.logger.Debug("state transition",
			zap.String("from", string(s.state)), zap.String("to", string(st)))
		s.state = st
	}
}
