// Package pool manages the fleet of account workers: one supervisor per
// account, fleet-wide start/stop, command fan-out, and an observer stream of
// worker events.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/ipc"
	"github.com/fxgrid/trading-orchestrator/internal/supervisor"
)

// EventType classifies pool events delivered to observers.
type EventType string

const (
	EventWorkerStarted EventType = "worker_started"
	EventWorkerStopped EventType = "worker_stopped"
	EventWorkerErrored EventType = "worker_errored"
	EventResult        EventType = "result"
)

// Event is one observable occurrence in the pool.
type Event struct {
	Type      EventType
	AccountID string
	Result    *ipc.Result
	Err       error
	Time      time.Time
}

// Observer receives pool events. Observers run on the dispatch goroutine and
// must not block.
type Observer func(Event)

// eventQueueSize bounds the event queue; the oldest event is dropped when a
// slow observer lets it fill.
const eventQueueSize = 256

// WorkerRecord is the pool's lifecycle bookkeeping for one account.
type WorkerRecord struct {
	CreatedAt    time.Time
	LastReadyAt  time.Time
	RestartCount int
}

// Pool is the worker registry for all configured accounts.
type Pool struct {
	logger   *zap.Logger
	store    *config.Store
	launcher supervisor.Launcher

	mu        sync.Mutex
	workers   map[string]*supervisor.Supervisor
	records   map[string]*WorkerRecord
	observers []Observer
	closed    bool

	events chan Event
	done   chan struct{}
}

// New creates a pool over the configured accounts.
func New(logger *zap.Logger, store *config.Store, launcher supervisor.Launcher) *Pool {
	p := &Pool{
		logger:   logger.Named("pool"),
		store:    store,
		launcher: launcher,
		workers:  make(map[string]*supervisor.Supervisor),
		records:  make(map[string]*WorkerRecord),
		events:   make(chan Event, eventQueueSize),
		done:     make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Subscribe registers an observer for all subsequent events.
func (p *Pool) Subscribe(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

// worker returns the supervisor for an account, creating it on first use.
func (p *Pool) worker(accountID string) (*supervisor.Supervisor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.workers[accountID]; ok {
		return s, nil
	}
	n, err := strconv.ParseInt(accountID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("account id %q is not numeric", accountID)
	}
	if _, ok := p.store.Account(n); !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, config.ErrNotFound)
	}
	s := supervisor.New(p.logger, accountID, p.launcher, p.onResult)
	p.workers[accountID] = s
	p.records[accountID] = &WorkerRecord{CreatedAt: time.Now()}
	return s, nil
}

func (p *Pool) onResult(accountID string, res ipc.Result) {
	r := res
	p.publish(Event{Type: EventResult, AccountID: accountID, Result: &r, Time: time.Now()})
}

// publish enqueues an event, dropping the oldest when the queue is full.
func (p *Pool) publish(ev Event) {
	for {
		select {
		case p.events <- ev:
			return
		default:
		}
		select {
		case dropped := <-p.events:
			p.logger.Warn("event queue full, dropping oldest",
				zap.String("droppedType", string(dropped.Type)),
				zap.String("droppedAccount", dropped.AccountID))
		default:
		}
	}
}

func (p *Pool) dispatch() {
	for {
		select {
		case ev := <-p.events:
			p.mu.Lock()
			observers := make([]Observer, len(p.observers))
			copy(observers, p.observers)
			p.mu.Unlock()
			for _, obs := range observers {
				obs(ev)
			}
		case <-p.done:
			return
		}
	}
}

// StartWorker launches one account's worker and reports the event.
func (p *Pool) StartWorker(ctx context.Context, accountID string) error {
	s, err := p.worker(accountID)
	if err != nil {
		return err
	}
	if st := s.State(); st != supervisor.StateStopped && st != supervisor.StateErrored {
		return fmt.Errorf("worker %s already running (%s)", accountID, st)
	}
	if err := s.Start(ctx); err != nil {
		p.publish(Event{Type: EventWorkerErrored, AccountID: accountID, Err: err, Time: time.Now()})
		return err
	}
	p.mu.Lock()
	if rec, ok := p.records[accountID]; ok {
		if !rec.LastReadyAt.IsZero() {
			rec.RestartCount++
		}
		rec.LastReadyAt = time.Now()
	}
	p.mu.Unlock()
	p.publish(Event{Type: EventWorkerStarted, AccountID: accountID, Time: time.Now()})
	return nil
}

// StopWorker shuts one account's worker down.
func (p *Pool) StopWorker(ctx context.Context, accountID string) error {
	p.mu.Lock()
	s, ok := p.workers[accountID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}
	p.publish(Event{Type: EventWorkerStopped, AccountID: accountID, Time: time.Now()})
	return nil
}

// StartAll launches workers for every active account, aggregating failures.
func (p *Pool) StartAll(ctx context.Context) error {
	var errs []error
	for _, ref := range p.store.Accounts() {
		id := strconv.FormatInt(ref.ID, 10)
		if !ref.Active {
			p.logger.Info("skipping inactive account", zap.String("account", id))
			continue
		}
		if err := p.StartWorker(ctx, id); err != nil {
			p.logger.Error("worker start failed",
				zap.String("account", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll shuts every running worker down.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := p.StopWorker(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendTo dispatches a fire-and-forget command to one worker.
func (p *Pool) SendTo(accountID string, cmd ipc.Command) error {
	p.mu.Lock()
	s, ok := p.workers[accountID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no worker for account %s", accountID)
	}
	return s.Send(cmd)
}

// Call dispatches a command to one worker and waits for the reply.
func (p *Pool) Call(ctx context.Context, accountID string, cmd ipc.Command, timeout time.Duration) (ipc.Result, error) {
	p.mu.Lock()
	s, ok := p.workers[accountID]
	p.mu.Unlock()
	if !ok {
		return ipc.Result{}, fmt.Errorf("no worker for account %s", accountID)
	}
	return s.Call(ctx, cmd, timeout)
}

// Broadcast sends a command type to every running worker. Each worker gets
// its own correlation ID.
func (p *Pool) Broadcast(cmdType ipc.CommandType) map[string]error {
	p.mu.Lock()
	workers := make(map[string]*supervisor.Supervisor, len(p.workers))
	for id, s := range p.workers {
		workers[id] = s
	}
	p.mu.Unlock()

	out := make(map[string]error, len(workers))
	for id, s := range workers {
		out[id] = s.Send(ipc.NewCommand(cmdType))
	}
	return out
}

// ListActive returns the accounts whose workers are live, sorted.
func (p *Pool) ListActive() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, s := range p.workers {
		switch s.State() {
		case supervisor.StateStopped, supervisor.StateErrored:
		default:
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Record returns a copy of one account's lifecycle bookkeeping.
func (p *Pool) Record(accountID string) (WorkerRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[accountID]
	if !ok {
		return WorkerRecord{}, false
	}
	return *rec, true
}

// States snapshots every known worker's state.
func (p *Pool) States() map[string]supervisor.WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]supervisor.WorkerState, len(p.workers))
	for id, s := range p.workers {
		out[id] = s.State()
	}
	return out
}

// Close stops event dispatch. Workers must be stopped first via StopAll.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}
