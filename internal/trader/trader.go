// Package trader runs the per-symbol trading cycle: signal composition,
// risk sizing, order placement, and position-management passes.
package trader

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/positions"
	"github.com/fxgrid/trading-orchestrator/internal/strategy"
	"github.com/fxgrid/trading-orchestrator/internal/terminal"
	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// maxSendAttempts bounds order submission: the first try plus retries on
// transient rejections (requote, price off).
const maxSendAttempts = 3

// Outcome is the result of one symbol's trading cycle.
type Outcome struct {
	Symbol  string
	Signal  types.SignalResult
	Ticket  int64
	Skipped string
	Err     error
}

// Traded reports whether the cycle opened a position.
func (o Outcome) Traded() bool { return o.Ticket != 0 }

// Trader executes trading cycles for one account over one terminal session.
type Trader struct {
	logger    *zap.Logger
	session   terminal.Session
	composer  *strategy.Composer
	positions *positions.Manager
}

// New creates a trader for the session.
func New(logger *zap.Logger, session terminal.Session, composer *strategy.Composer, manager *positions.Manager) *Trader {
	return &Trader{
		logger:    logger.Named("trader"),
		session:   session,
		composer:  composer,
		positions: manager,
	}
}

// RunCycle executes one full cycle for a symbol. When paused, only the
// position-management pass runs and no new entries are considered.
func (t *Trader) RunCycle(ctx context.Context, eff config.EffectiveSymbolConfig, paused bool) Outcome {
	out := Outcome{Symbol: eff.Symbol}

	info, err := t.session.SymbolInfo(ctx, eff.Symbol)
	if err != nil {
		out.Err = fmt.Errorf("symbol info: %w", err)
		return out
	}
	tick, err := t.session.Tick(ctx, eff.Symbol)
	if err != nil {
		out.Err = fmt.Errorf("tick: %w", err)
		return out
	}

	if merr := t.managePass(ctx, eff, info, tick); merr != nil {
		// Management failures are reported but do not block the entry path.
		out.Err = merr
	}

	if paused {
		out.Skipped = "account paused"
		return out
	}

	state, err := t.session.AccountState(ctx)
	if err != nil {
		out.Err = fmt.Errorf("account state: %w", err)
		return out
	}
	if !state.TradeAllowed {
		out.Skipped = "autotrading disabled on terminal"
		return out
	}

	bars, err := t.session.OHLC(ctx, eff.Symbol, eff.Strategy.Timeframe, strategy.BarsNeeded(eff.Strategy))
	if err != nil {
		out.Err = fmt.Errorf("ohlc: %w", err)
		return out
	}

	sig := t.composer.Compose(ctx, eff, bars)
	out.Signal = sig
	side, actionable := sig.Decision.Side()
	if !actionable {
		out.Skipped = sig.Reason
		return out
	}

	open, err := t.session.Positions(ctx)
	if err != nil {
		out.Err = fmt.Errorf("positions: %w", err)
		return out
	}
	if reason := capsAllow(eff, open); reason != "" {
		out.Skipped = reason
		return out
	}

	volume, reason := positionVolume(eff, state, info)
	if reason != "" {
		out.Skipped = reason
		t.logger.Info("entry skipped",
			zap.String("symbol", eff.Symbol),
			zap.String("reason", reason))
		return out
	}

	if reason, rerr := t.riskBudgetAllows(ctx, eff, state, info, open, volume); rerr != nil {
		out.Err = rerr
		return out
	} else if reason != "" {
		out.Skipped = reason
		t.logger.Info("entry skipped",
			zap.String("symbol", eff.Symbol),
			zap.String("reason", reason))
		return out
	}

	req := buildOrder(eff, info, tick, side, volume, sig)
	res, err := t.sendWithRetry(ctx, req)
	if err != nil {
		out.Err = fmt.Errorf("send order: %w", err)
		return out
	}

	t.positions.Register(res.Ticket)
	out.Ticket = res.Ticket
	t.logger.Info("position opened",
		zap.String("symbol", eff.Symbol),
		zap.String("side", string(side)),
		zap.String("volume", volume.String()),
		zap.Int64("ticket", res.Ticket),
		zap.String("fill", res.FillPrice.String()))
	return out
}

// ManagePositions runs one management-only pass for a symbol, used by the
// fast sub-interval ticker between trading cycles.
func (t *Trader) ManagePositions(ctx context.Context, eff config.EffectiveSymbolConfig) error {
	info, err := t.session.SymbolInfo(ctx, eff.Symbol)
	if err != nil {
		return fmt.Errorf("symbol info: %w", err)
	}
	tick, err := t.session.Tick(ctx, eff.Symbol)
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	return t.managePass(ctx, eff, info, tick)
}

func (t *Trader) managePass(ctx context.Context, eff config.EffectiveSymbolConfig, info types.SymbolInfo, tick types.Tick) error {
	open, err := t.session.Positions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	t.positions.Sweep(open)
	errs := t.positions.ManageSymbol(ctx, eff, info, open, tick)
	if len(errs) > 0 {
		return fmt.Errorf("manage %s: %d of %d positions failed: %v", eff.Symbol, len(errs), len(open), errs[0])
	}
	return nil
}

// capsAllow checks the concurrency limits. An empty reason means entry may
// proceed.
func capsAllow(eff config.EffectiveSymbolConfig, open []types.OpenPosition) string {
	var onSymbol int
	for _, p := range open {
		if p.Symbol == eff.Symbol {
			onSymbol++
		}
	}
	if onSymbol >= eff.Risk.MaxPositionsPerSymbol {
		return fmt.Sprintf("symbol position cap reached (%d)", eff.Risk.MaxPositionsPerSymbol)
	}
	if len(open) >= eff.Risk.MaxConcurrentTrades {
		return fmt.Sprintf("concurrent trade cap reached (%d)", eff.Risk.MaxConcurrentTrades)
	}
	return ""
}

// riskBudgetAllows enforces the account-wide risk budget: the worst-case loss
// of every open position plus the candidate order must stay within
// portfolio_risk_percent of equity. Positions without a stop are excluded;
// their loss is unbounded and the count caps are the only brake on them.
func (t *Trader) riskBudgetAllows(ctx context.Context, eff config.EffectiveSymbolConfig, state types.AccountState, info types.SymbolInfo, open []types.OpenPosition, volume decimal.Decimal) (string, error) {
	budgetPct := eff.Risk.PortfolioRiskPercent
	if budgetPct <= 0 {
		return "", nil
	}
	budget := state.Equity.Mul(decimal.NewFromFloat(budgetPct)).Div(decimal.NewFromInt(100))
	total := decimal.NewFromFloat(eff.Strategy.SlPips).Mul(info.PipValue).Mul(volume)

	infos := map[string]types.SymbolInfo{eff.Symbol: info}
	for _, p := range open {
		if p.SL.IsZero() {
			continue
		}
		pi, ok := infos[p.Symbol]
		if !ok {
			var err error
			pi, err = t.session.SymbolInfo(ctx, p.Symbol)
			if err != nil {
				return "", fmt.Errorf("symbol info %s: %w", p.Symbol, err)
			}
			infos[p.Symbol] = pi
		}
		if pi.Point.IsZero() || pi.PipValue.IsZero() {
			continue
		}
		slPips := p.EntryPrice.Sub(p.SL).Abs().Div(pi.Point)
		total = total.Add(slPips.Mul(pi.PipValue).Mul(p.Volume))
	}
	if total.GreaterThan(budget) {
		return fmt.Sprintf("portfolio risk budget reached (%s over %.1f%% of equity)", total.Sub(budget), budgetPct), nil
	}
	return "", nil
}

// sendWithRetry submits the order, retrying transient rejections up to the
// attempt bound. Permanent rejections and transport errors surface directly.
func (t *Trader) sendWithRetry(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		res, err := t.session.SendOrder(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !terminal.IsTransientReject(err) {
			return types.OrderResult{}, err
		}
		t.logger.Warn("transient rejection, retrying",
			zap.String("symbol", req.Symbol),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return types.OrderResult{}, lastErr
}

// positionVolume sizes the trade from account equity and the configured risk
// fraction. A non-empty reason means the entry is skipped.
func positionVolume(eff config.EffectiveSymbolConfig, state types.AccountState, info types.SymbolInfo) (decimal.Decimal, string) {
	if info.PipValue.IsZero() || eff.Strategy.SlPips <= 0 {
		return decimal.Zero, "cannot size position without pip value and stop distance"
	}

	riskAmount := state.Equity.Mul(decimal.NewFromFloat(eff.Risk.RiskPercent)).Div(decimal.NewFromInt(100))
	perLotRisk := decimal.NewFromFloat(eff.Strategy.SlPips).Mul(info.PipValue)
	lots := riskAmount.Div(perLotRisk)

	maxLot := info.MaxLot
	capLot := decimal.NewFromFloat(eff.Risk.MaxPositionSize)
	if maxLot.IsZero() || capLot.LessThan(maxLot) {
		maxLot = capLot
	}
	if lots.GreaterThan(maxLot) {
		lots = maxLot
	}
	if info.LotStep.IsPositive() {
		lots = lots.Div(info.LotStep).Floor().Mul(info.LotStep)
	}
	// The floor is the stricter of the terminal's minimum and the configured one.
	minLot := info.MinLot
	if floor := decimal.NewFromFloat(eff.Risk.MinPositionSize); floor.GreaterThan(minLot) {
		minLot = floor
	}
	if lots.LessThan(minLot) {
		return decimal.Zero, fmt.Sprintf("risk too small for minimum lot %s", minLot)
	}
	return lots, ""
}

// buildOrder derives the SL/TP levels from the configured pip distances
// around the side's entry quote.
func buildOrder(eff config.EffectiveSymbolConfig, info types.SymbolInfo, tick types.Tick, side types.Side, volume decimal.Decimal, sig types.SignalResult) types.OrderRequest {
	entry := tick.Ask
	if side == types.SideSell {
		entry = tick.Bid
	}
	slDist := decimal.NewFromFloat(eff.Strategy.SlPips).Mul(info.Point).Mul(side.Sign())
	tpDist := decimal.NewFromFloat(eff.Strategy.TpPips).Mul(info.Point).Mul(side.Sign())

	return types.OrderRequest{
		Symbol:  eff.Symbol,
		Side:    side,
		Volume:  volume,
		Price:   entry,
		SL:      entry.Sub(slDist),
		TP:      entry.Add(tpDist),
		Comment: fmt.Sprintf("%s %.2f", eff.Strategy.Kind, sig.Confidence),
	}
}

// CloseAll closes every open position, used by the emergency path. It keeps
// going past individual failures and reports the count closed.
func (t *Trader) CloseAll(ctx context.Context) (int, error) {
	open, err := t.session.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("positions: %w", err)
	}
	var closed int
	var firstErr error
	for _, p := range open {
		if err := t.session.ClosePosition(ctx, p.Ticket, decimal.Zero); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("close ticket %d: %w", p.Ticket, err)
			}
			continue
		}
		closed++
	}
	if remaining, rerr := t.session.Positions(ctx); rerr == nil {
		t.positions.Sweep(remaining)
	}
	return closed, firstErr
}
