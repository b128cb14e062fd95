// Package engine is the worker-side trading loop: it consumes orchestrator
// commands from stdin, paces trading cycles and position-management passes,
// and reports results on stdout.
package engine

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/emergency"
	"github.com/fxgrid/trading-orchestrator/internal/ipc"
	"github.com/fxgrid/trading-orchestrator/internal/terminal"
	"github.com/fxgrid/trading-orchestrator/internal/trader"
)

// State is the engine lifecycle state reported in status updates.
type State string

const (
	StateReady   State = "ready"
	StateTrading State = "trading"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Engine drives one account's trading inside a worker process.
type Engine struct {
	logger    *zap.Logger
	account   int64
	accountID string
	store     *config.Store
	session   terminal.Session
	trader    *trader.Trader
	flag      *emergency.Flag

	enc *ipc.Encoder
	dec *ipc.Decoder

	mu          sync.Mutex
	state       State
	lastCycleAt time.Time

	// Daily-loss gate bookkeeping, reset at each UTC day boundary.
	lossDay     time.Time
	dayBaseline float64
	lossTripped bool
}

// New wires an engine over the worker's stdio streams.
func New(logger *zap.Logger, account int64, store *config.Store, session terminal.Session, tr *trader.Trader, flag *emergency.Flag, in io.Reader, out io.Writer) *Engine {
	return &Engine{
		logger:    logger.Named("engine"),
		account:   account,
		accountID: strconv.FormatInt(account, 10),
		store:     store,
		session:   session,
		trader:    tr,
		flag:      flag,
		enc:       ipc.NewEncoder(out),
		dec:       ipc.NewDecoder(in),
		state:     StateReady,
	}
}

// Run executes the command loop until shutdown or stdin closes. The ready
// handshake is emitted first so the supervisor can complete its start.
func (e *Engine) Run(ctx context.Context) error {
	e.emit(ipc.NewResult(e.accountID, ipc.ResReady))

	commands := make(chan ipc.Command)
	readErr := make(chan error, 1)
	go func() {
		defer close(commands)
		for {
			var cmd ipc.Command
			if err := e.dec.Decode(&cmd); err != nil {
				readErr <- err
				return
			}
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	accEff := e.accountEffective()
	cycleTicker := time.NewTicker(accEff.Execution.Interval)
	defer cycleTicker.Stop()
	manageTicker := time.NewTicker(accEff.Execution.PositionManagementInterval)
	defer manageTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			// Orphan protection: a closed stdin means the orchestrator died.
			e.logger.Warn("command stream closed, shutting down", zap.Error(err))
			e.shutdown(ctx)
			return nil

		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			if done := e.handle(ctx, cmd); done {
				return nil
			}
			// Interval overrides may have changed under a start command.
			accEff = e.accountEffective()
			cycleTicker.Reset(accEff.Execution.Interval)
			manageTicker.Reset(accEff.Execution.PositionManagementInterval)

		case <-cycleTicker.C:
			if e.currentState() == StateTrading || e.currentState() == StatePaused {
				e.runCycle(ctx, "")
			}

		case <-manageTicker.C:
			if e.currentState() == StateTrading || e.currentState() == StatePaused {
				e.runManagePass(ctx)
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, cmd ipc.Command) bool {
	e.logger.Debug("command received", zap.String("type", string(cmd.Type)), zap.String("id", cmd.ID))
	switch cmd.Type {
	case ipc.CmdStart:
		e.setState(StateTrading)
		e.emitStatus(cmd.ID)
	case ipc.CmdStop:
		e.setState(StateStopped)
		e.emitStatus(cmd.ID)
	case ipc.CmdPause:
		if e.currentState() == StateTrading {
			e.setState(StatePaused)
		}
		e.emitStatus(cmd.ID)
	case ipc.CmdResume:
		if e.currentState() == StatePaused {
			e.setState(StateTrading)
		}
		e.emitStatus(cmd.ID)
	case ipc.CmdExecuteCycle:
		e.runCycle(ctx, cmd.ID)
	case ipc.CmdGetStatus:
		e.emitStatus(cmd.ID)
	case ipc.CmdCheckAutoTrading:
		e.emitAutoTrading(ctx, cmd.ID)
	case ipc.CmdShutdown:
		e.shutdown(ctx)
		return true
	default:
		res := ipc.NewResult(e.accountID, ipc.ResError)
		res.ID = cmd.ID
		res, _ = res.WithPayload(ipc.ErrorPayload{
			Kind:   "unknown_command",
			Detail: string(cmd.Type),
		})
		e.emit(res)
	}
	return false
}

// runCycle executes one full trading cycle across the account's enabled
// symbols and reports the aggregate.
func (e *Engine) runCycle(ctx context.Context, correlationID string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("cycle panic recovered",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res := ipc.NewResult(e.accountID, ipc.ResError)
			res.ID = correlationID
			res, _ = res.WithPayload(ipc.ErrorPayload{Kind: "cycle_panic", Detail: fmt.Sprint(r)})
			e.emit(res)
		}
	}()

	if _, err := e.store.ReloadIfChanged(); err != nil {
		e.logger.Warn("config reload failed, keeping previous configuration", zap.Error(err))
	}

	symbols, err := e.symbolConfigs()
	if err != nil {
		e.emitError(correlationID, "config", err)
		return
	}

	accEff := e.accountEffective()
	paused := e.currentState() == StatePaused

	// The marker file and the configuration knob are equivalent triggers;
	// either one blocks entries for the whole cycle.
	if e.flag.Refresh() || accEff.Emergency.EmergencyStop {
		e.logger.Warn("emergency stop active, managing positions only")
		paused = true
		if accEff.Emergency.CloseAllOnEmergency {
			if closed, cerr := e.trader.CloseAll(ctx); cerr != nil {
				e.logger.Error("emergency close-all incomplete", zap.Error(cerr))
			} else if closed > 0 {
				e.logger.Warn("emergency close-all done", zap.Int("closed", closed))
			}
		}
	}
	if e.dailyLossTripped(ctx, accEff) {
		paused = true
	}

	payload := e.tradeSymbols(ctx, accEff, symbols, paused)

	e.mu.Lock()
	e.lastCycleAt = time.Now().UTC()
	e.mu.Unlock()

	res := ipc.NewResult(e.accountID, ipc.ResCycleComplete)
	res.ID = correlationID
	res, perr := res.WithPayload(payload)
	if perr != nil {
		e.logger.Error("cycle payload encode failed", zap.Error(perr))
		return
	}
	e.emit(res)
}

// tradeSymbols fans the cycle out across symbols, bounded by max_workers
// when parallel execution is enabled.
func (e *Engine) tradeSymbols(ctx context.Context, accEff config.EffectiveSymbolConfig, symbols []config.EffectiveSymbolConfig, paused bool) ipc.CyclePayload {
	var payload ipc.CyclePayload
	var mu sync.Mutex

	record := func(out trader.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		if out.Traded() {
			payload.Trades++
		}
		if _, ok := out.Signal.Decision.Side(); ok {
			payload.Signals++
		}
		if out.Skipped != "" {
			payload.Skips++
		}
		if out.Err != nil {
			payload.Errors = append(payload.Errors, fmt.Sprintf("%s: %v", out.Symbol, out.Err))
		}
	}

	enabled := symbols[:0:0]
	for _, s := range symbols {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	if !accEff.Execution.ParallelExecution || len(enabled) < 2 {
		for _, eff := range enabled {
			record(e.trader.RunCycle(ctx, eff, paused))
		}
		return payload
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(accEff.Execution.MaxWorkers)
	for _, eff := range enabled {
		eff := eff
		g.Go(func() error {
			record(e.trader.RunCycle(gctx, eff, paused))
			return nil
		})
	}
	_ = g.Wait()
	return payload
}

func (e *Engine) runManagePass(ctx context.Context) {
	symbols, err := e.symbolConfigs()
	if err != nil {
		e.logger.Warn("manage pass skipped", zap.Error(err))
		return
	}
	for _, eff := range symbols {
		if !eff.Enabled {
			continue
		}
		if err := e.trader.ManagePositions(ctx, eff); err != nil {
			e.logger.Warn("position management failed",
				zap.String("symbol", eff.Symbol), zap.Error(err))
		}
	}
}

// dailyLossTripped blocks new entries once the UTC-day drawdown reaches the
// configured limit. A zero limit disables the gate.
func (e *Engine) dailyLossTripped(ctx context.Context, accEff config.EffectiveSymbolConfig) bool {
	limit := accEff.Emergency.MaxDailyLossPercent
	if limit <= 0 {
		return false
	}
	state, err := e.session.AccountState(ctx)
	if err != nil {
		e.logger.Warn("daily-loss check skipped", zap.Error(err))
		return false
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lossDay.Equal(today) {
		e.lossDay = today
		e.dayBaseline = state.Balance.InexactFloat64()
		e.lossTripped = false
	}
	if e.lossTripped {
		return true
	}
	if e.dayBaseline <= 0 {
		return false
	}
	drawdown := (e.dayBaseline - state.Equity.InexactFloat64()) / e.dayBaseline * 100
	if drawdown >= limit {
		e.lossTripped = true
		e.logger.Error("daily loss limit reached, pausing entries until next day",
			zap.Float64("drawdownPercent", drawdown),
			zap.Float64("limitPercent", limit))
	}
	return e.lossTripped
}

func (e *Engine) emitStatus(correlationID string) {
	open := 0
	if positions, err := e.session.Positions(context.Background()); err == nil {
		open = len(positions)
	}
	e.mu.Lock()
	payload := ipc.StatusPayload{
		State:         string(e.state),
		OpenPositions: open,
		LastCycleAt:   e.lastCycleAt,
	}
	e.mu.Unlock()

	res := ipc.NewResult(e.accountID, ipc.ResStatusUpdate)
	res.ID = correlationID
	res, err := res.WithPayload(payload)
	if err != nil {
		e.logger.Error("status payload encode failed", zap.Error(err))
		return
	}
	e.emit(res)
}

func (e *Engine) emitAutoTrading(ctx context.Context, correlationID string) {
	payload := ipc.AutoTradingPayload{}
	state, err := e.session.AccountState(ctx)
	switch {
	case err != nil:
		payload.Message = fmt.Sprintf("terminal unreachable: %v", err)
	case state.TradeAllowed:
		payload.Enabled = true
		payload.TradeAllowed = true
	default:
		payload.Message = "autotrading is disabled in the terminal; enable it and retry"
	}

	res := ipc.NewResult(e.accountID, ipc.ResAutoTradingStatus)
	res.ID = correlationID
	res, perr := res.WithPayload(payload)
	if perr != nil {
		e.logger.Error("autotrading payload encode failed", zap.Error(perr))
		return
	}
	e.emit(res)
}

// shutdown disconnects and emits Closed as the last message on the wire.
func (e *Engine) shutdown(_ context.Context) {
	e.setState(StateStopped)
	if err := e.session.Disconnect(); err != nil {
		e.logger.Warn("disconnect failed during shutdown", zap.Error(err))
	}
	e.emit(ipc.NewResult(e.accountID, ipc.ResClosed))
	e.logger.Info("engine shut down")
}

func (e *Engine) emit(res ipc.Result) {
	if err := e.enc.Encode(res); err != nil {
		e.logger.Error("result emit failed", zap.String("type", string(res.Type)), zap.Error(err))
	}
}

func (e *Engine) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != s {
		e.logger.Info("state transition", zap.String("from", string(e.state)), zap.String("to", string(s)))
		e.state = s
	}
}

// symbolConfigs resolves the effective view of every configured symbol.
func (e *Engine) symbolConfigs() ([]config.EffectiveSymbolConfig, error) {
	names := e.store.Symbols(e.account)
	out := make([]config.EffectiveSymbolConfig, 0, len(names))
	for _, sym := range names {
		eff, err := e.store.Resolve(e.account, sym)
		if err != nil {
			return nil, err
		}
		out = append(out, eff)
	}
	return out, nil
}

// emitError reports a worker-side failure upstream.
func (e *Engine) emitError(correlationID, kind string, err error) {
	res := ipc.NewResult(e.accountID, ipc.ResError)
	res.ID = correlationID
	res, perr := res.WithPayload(ipc.ErrorPayload{Kind: kind, Detail: err.Error()})
	if perr != nil {
		e.logger.Error("error payload encode failed", zap.Error(perr))
		return
	}
	e.emit(res)
}

// accountEffective resolves the account-level view used for pacing and the
// emergency sections.
func (e *Engine) accountEffective() config.EffectiveSymbolConfig {
	eff, err := e.store.ResolveAccount(e.account)
	if err != nil {
		e.logger.Warn("account resolution failed, using defaults", zap.Error(err))
		return config.EffectiveSymbolConfig{Execution: config.EffectiveExecution{
			Interval:                   60 * time.Second,
			PositionManagementInterval: 5 * time.Second,
			MaxWorkers:                 4,
		}}
	}
	return eff
}
