// Package positions runs the post-trade state machine over open positions:
// break-even, partial close, trailing stop, and dynamic take-profit.
package positions

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/terminal"
	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// State carries the per-position management flags. Flags, once set, persist
// until the position is destroyed. After a worker restart states are
// reconstructed as all-false and re-derived from current profit.
type State struct {
	BreakevenSet      bool
	TrailingActive    bool
	PartialClosed     bool
	HighestProfitPips decimal.Decimal
}

// Manager owns the management state of every open position in one worker.
type Manager struct {
	logger  *zap.Logger
	session terminal.Session

	mu     sync.Mutex
	states map[int64]*State
}

// NewManager creates a manager bound to the worker's terminal session.
func NewManager(logger *zap.Logger, session terminal.Session) *Manager {
	return &Manager{
		logger:  logger.Named("positions"),
		session: session,
		states:  make(map[int64]*State),
	}
}

// Register starts tracking a freshly filled position.
func (m *Manager) Register(ticket int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[ticket]; !ok {
		m.states[ticket] = &State{}
	}
}

// StateOf returns a copy of the management state for a ticket.
func (m *Manager) StateOf(ticket int64) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[ticket]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Sweep drops state for tickets no longer open on the terminal.
func (m *Manager) Sweep(live []types.OpenPosition) {
	alive := make(map[int64]bool, len(live))
	for _, p := range live {
		alive[p.Ticket] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for ticket := range m.states {
		if !alive[ticket] {
			delete(m.states, ticket)
		}
	}
}

// state returns the tracked state, lazily creating it so positions found
// after a restart are picked up with all flags cleared.
func (m *Manager) state(ticket int64) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[ticket]
	if !ok {
		st = &State{}
		m.states[ticket] = st
	}
	return st
}

// ManagePosition runs one management pass over a single position. At most
// one terminal modification is issued per pass; the trailing-activation flag
// may flip in the same pass as its first adjustment.
func (m *Manager) ManagePosition(
	ctx context.Context,
	eff config.EffectivePositionManagement,
	info types.SymbolInfo,
	pos types.OpenPosition,
	tick types.Tick,
) error {
	current := marketPrice(pos.Side, tick)
	profit := pos.ProfitPips(current, info.Point)
	st := m.state(pos.Ticket)

	m.mu.Lock()
	if profit.GreaterThan(st.HighestProfitPips) {
		st.HighestProfitPips = profit
	}
	m.mu.Unlock()

	// 1. Break-even.
	if eff.EnableBreakeven && !st.BreakevenSet &&
		profit.GreaterThanOrEqual(decimal.NewFromFloat(eff.BreakevenTriggerPips)) {
		offset := decimal.NewFromFloat(eff.BreakevenOffsetPips).Mul(info.Point).Mul(pos.Side.Sign())
		newSL := pos.EntryPrice.Add(offset)
		if improvesSL(pos.Side, newSL, pos.SL) {
			if err := m.session.ModifyPosition(ctx, pos.Ticket, &newSL, nil); err != nil {
				return fmt.Errorf("break-even modify ticket %d: %w", pos.Ticket, err)
			}
			m.setFlag(st, func(s *State) { s.BreakevenSet = true })
			m.logger.Info("break-even set",
				zap.Int64("ticket", pos.Ticket),
				zap.String("symbol", pos.Symbol),
				zap.String("sl", newSL.String()))
			return nil
		}
		// SL already at or beyond break-even; just mark the transition done.
		m.setFlag(st, func(s *State) { s.BreakevenSet = true })
	}

	// 2. Partial close.
	if eff.EnablePartialClose && !st.PartialClosed &&
		profit.GreaterThanOrEqual(decimal.NewFromFloat(eff.PartialCloseTriggerPips)) {
		vol := partialVolume(pos.Volume, eff.PartialClosePercent, info)
		if vol.IsPositive() {
			if err := m.session.ClosePosition(ctx, pos.Ticket, vol); err != nil {
				return fmt.Errorf("partial close ticket %d: %w", pos.Ticket, err)
			}
			m.setFlag(st, func(s *State) { s.PartialClosed = true })
			m.logger.Info("partial close",
				zap.Int64("ticket", pos.Ticket),
				zap.String("symbol", pos.Symbol),
				zap.String("volume", vol.String()))
			return nil
		}
		m.setFlag(st, func(s *State) { s.PartialClosed = true })
	}

	// 3. Trailing activation.
	if eff.EnableTrailingStop && !st.TrailingActive &&
		profit.GreaterThanOrEqual(decimal.NewFromFloat(eff.TrailingActivationPips)) {
		m.setFlag(st, func(s *State) { s.TrailingActive = true })
		m.logger.Debug("trailing activated",
			zap.Int64("ticket", pos.Ticket),
			zap.String("symbol", pos.Symbol))
	}

	// 4. Trailing adjustment.
	if st.TrailingActive && eff.EnableTrailingStop {
		distance := decimal.NewFromFloat(eff.TrailingStopPips).Mul(info.Point).Mul(pos.Side.Sign())
		candidate := current.Sub(distance)
		if improvesSL(pos.Side, candidate, pos.SL) {
			if err := m.session.ModifyPosition(ctx, pos.Ticket, &candidate, nil); err != nil {
				return fmt.Errorf("trailing modify ticket %d: %w", pos.Ticket, err)
			}
			m.logger.Debug("trailing stop advanced",
				zap.Int64("ticket", pos.Ticket),
				zap.String("sl", candidate.String()))
			return nil
		}
	}

	// 5. Dynamic TP extension.
	if eff.EnableDynamicTP && !pos.TP.IsZero() {
		span := pos.TP.Sub(pos.EntryPrice)
		if !span.IsZero() {
			progress := current.Sub(pos.EntryPrice).Div(span)
			trigger := decimal.NewFromFloat(eff.TpExtensionTriggerPercent).Div(decimal.NewFromInt(100))
			if progress.GreaterThanOrEqual(trigger) {
				ext := decimal.NewFromFloat(eff.TpExtensionPips).Mul(info.Point).Mul(pos.Side.Sign())
				newTP := pos.TP.Add(ext)
				if err := m.session.ModifyPosition(ctx, pos.Ticket, nil, &newTP); err != nil {
					return fmt.Errorf("tp extension modify ticket %d: %w", pos.Ticket, err)
				}
				m.logger.Info("take-profit extended",
					zap.Int64("ticket", pos.Ticket),
					zap.String("tp", newTP.String()))
				return nil
			}
		}
	}

	return nil
}

// ManageSymbol runs a pass over every open position of one symbol.
func (m *Manager) ManageSymbol(
	ctx context.Context,
	eff config.EffectiveSymbolConfig,
	info types.SymbolInfo,
	all []types.OpenPosition,
	tick types.Tick,
) []error {
	var errs []error
	for _, pos := range all {
		if pos.Symbol != eff.Symbol {
			continue
		}
		if err := m.ManagePosition(ctx, eff.PositionManagement, info, pos, tick); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *Manager) setFlag(st *State, f func(*State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(st)
}

// marketPrice is the price a position would close at: bid for longs, ask
// for shorts.
func marketPrice(side types.Side, tick types.Tick) decimal.Decimal {
	if side == types.SideSell {
		return tick.Ask
	}
	return tick.Bid
}

// improvesSL reports whether the candidate tightens the stop in the profit
// direction. The SL is never moved back toward losing territory.
func improvesSL(side types.Side, candidate, current decimal.Decimal) bool {
	if current.IsZero() {
		return true
	}
	if side == types.SideBuy {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// partialVolume computes the closable fraction rounded down to the lot step,
// leaving at least the minimum lot open.
func partialVolume(volume decimal.Decimal, percent float64, info types.SymbolInfo) decimal.Decimal {
	raw := volume.Mul(decimal.NewFromFloat(percent)).Div(decimal.NewFromInt(100))
	if info.LotStep.IsPositive() {
		steps := raw.Div(info.LotStep).Floor()
		raw = steps.Mul(info.LotStep)
	}
	remaining := volume.Sub(raw)
	if info.MinLot.IsPositive() && remaining.LessThan(info.MinLot) {
		return decimal.Zero
	}
	return raw
}
