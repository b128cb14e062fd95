package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// SentimentVetoThreshold is the |score| above which an opposing sentiment
// downgrades a signal to hold.
const SentimentVetoThreshold = 0.5

// Composer produces the final per-symbol signal: base strategy output,
// optionally multiplied through the ML enhancer, filtered by sentiment, and
// gated by the cooldown bookkeeping.
type Composer struct {
	logger    *zap.Logger
	predictor Predictor
	sentiment SentimentProvider

	mu   sync.Mutex
	last map[string]lastSignal // symbol -> last emitted buy/sell

	// now is swappable for tests.
	now func() time.Time
}

type lastSignal struct {
	side types.Side
	at   time.Time
}

// NewComposer builds a composer. Nil capabilities default to the null
// implementations so callers stay uniform.
func NewComposer(logger *zap.Logger, predictor Predictor, sentiment SentimentProvider) *Composer {
	if predictor == nil {
		predictor = NullPredictor{}
	}
	if sentiment == nil {
		sentiment = NullSentiment{}
	}
	return &Composer{
		logger:    logger.Named("composer"),
		predictor: predictor,
		sentiment: sentiment,
		last:      make(map[string]lastSignal),
		now:       time.Now,
	}
}

// Compose runs the full signal pipeline for one symbol. Indicator failures
// come back as Hold with a diagnostic reason, never as an error.
func (c *Composer) Compose(ctx context.Context, eff config.EffectiveSymbolConfig, bars []types.Bar) types.SignalResult {
	strat, err := New(eff.Strategy)
	if err != nil {
		return types.Hold(err.Error())
	}

	sig, err := strat.OnBars(bars)
	if err != nil {
		c.logger.Debug("indicator error demoted to hold",
			zap.String("symbol", eff.Symbol), zap.Error(err))
		return types.Hold(err.Error())
	}
	if sig.Decision == types.DecisionHold {
		return sig
	}
	if sig.Confidence < eff.Rules.MinSignalConfidence {
		return types.Hold(fmt.Sprintf("confidence %.2f below minimum %.2f",
			sig.Confidence, eff.Rules.MinSignalConfidence))
	}

	if eff.Execution.UseMLEnhancement {
		sig = c.enhance(ctx, eff.Symbol, sig)
		if sig.Decision == types.DecisionHold {
			return sig
		}
	}
	if eff.Execution.UseSentimentFilter {
		sig = c.filterSentiment(ctx, eff.Symbol, sig)
		if sig.Decision == types.DecisionHold {
			return sig
		}
	}

	if hold, reason := c.cooldownBlocks(eff, sig); hold {
		return types.Hold(reason)
	}

	side, _ := sig.Decision.Side()
	c.mu.Lock()
	c.last[eff.Symbol] = lastSignal{side: side, at: c.now()}
	c.mu.Unlock()
	return sig
}

// enhance multiplies the base confidence by the model's. Disagreement on
// direction downgrades to hold; enhancer failure leaves the base signal.
func (c *Composer) enhance(ctx context.Context, symbol string, sig types.SignalResult) types.SignalResult {
	pred, err := c.predictor.Predict(ctx, symbol, sig.Features)
	if err != nil {
		c.logger.Warn("ml enhancer unavailable, using base signal",
			zap.String("symbol", symbol), zap.Error(err))
		return sig
	}
	if pred.Direction == types.DecisionHold {
		return sig
	}
	if pred.Direction != sig.Decision {
		return types.Hold(fmt.Sprintf("ml disagrees: base %s, model %s", sig.Decision, pred.Direction))
	}
	sig.Confidence *= pred.Confidence
	sig.Reason = fmt.Sprintf("%s; ml confirms at %.2f", sig.Reason, pred.Confidence)
	return sig
}

// filterSentiment downgrades the signal when sentiment opposes it strongly.
func (c *Composer) filterSentiment(ctx context.Context, symbol string, sig types.SignalResult) types.SignalResult {
	score, err := c.sentiment.Score(ctx, symbol)
	if err != nil {
		c.logger.Warn("sentiment unavailable, using base signal",
			zap.String("symbol", symbol), zap.Error(err))
		return sig
	}
	opposing := (sig.Decision == types.DecisionBuy && score < 0) ||
		(sig.Decision == types.DecisionSell && score > 0)
	if opposing && score*score > SentimentVetoThreshold*SentimentVetoThreshold {
		return types.Hold(fmt.Sprintf("sentiment %.2f opposes %s", score, sig.Decision))
	}
	return sig
}

// cooldownBlocks applies the per-symbol cooldown: within the window only the
// opposite side may fire, and not even that when trade_on_signal_change is
// disabled.
func (c *Composer) cooldownBlocks(eff config.EffectiveSymbolConfig, sig types.SignalResult) (bool, string) {
	side, ok := sig.Decision.Side()
	if !ok {
		return false, ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, exists := c.last[eff.Symbol]
	if !exists {
		return false, ""
	}
	elapsed := c.now().Sub(prev.at)
	if elapsed >= eff.Rules.Cooldown {
		return false, ""
	}
	if !eff.Rules.TradeOnSignalChange {
		return true, fmt.Sprintf("cooldown active for %s", eff.Rules.Cooldown-elapsed)
	}
	if side == prev.side {
		return true, fmt.Sprintf("cooldown blocks repeat %s signal", side)
	}
	return false, ""
}

// LastSignalAt reports the last emitted side and time for a symbol.
func (c *Composer) LastSignalAt(symbol string) (types.Side, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.last[symbol]
	return prev.side, prev.at, ok
}
