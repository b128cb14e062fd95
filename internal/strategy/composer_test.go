package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

type fixedPredictor struct {
	pred Prediction
	err  error
}

func (p fixedPredictor) Predict(context.Context, string, map[string]float64) (Prediction, error) {
	return p.pred, p.err
}

type fixedSentiment struct {
	score float64
	err   error
}

func (s fixedSentiment) Score(context.Context, string) (float64, error) {
	return s.score, s.err
}

// upBars trends steadily upward so the price-position strategy says buy.
func upBars(n int, step float64) []types.Bar {
	bars := make([]types.Bar, n)
	price := 1.0500
	for i := range bars {
		price += step
		bars[i] = types.Bar{Close: decimal.NewFromFloat(price)}
	}
	return bars
}

func composerConfig() config.EffectiveSymbolConfig {
	return config.EffectiveSymbolConfig{
		Symbol: "EURUSD",
		Rules: config.EffectiveRules{
			Cooldown:            5 * time.Minute,
			TradeOnSignalChange: true,
		},
		Strategy: config.EffectiveStrategy{
			Kind:       types.StrategyPosition,
			Timeframe:  types.TimeframeM15,
			FastPeriod: 10,
			SlowPeriod: 20,
			SlPips:     20,
			TpPips:     40,
		},
	}
}

func TestComposeBaseBuy(t *testing.T) {
	c := NewComposer(zap.NewNop(), nil, nil)
	sig := c.Compose(context.Background(), composerConfig(), upBars(60, 0.0004))
	assert.Equal(t, types.DecisionBuy, sig.Decision)
	assert.Greater(t, sig.Confidence, 0.0)
}

func TestInsufficientHistoryDemotedToHold(t *testing.T) {
	c := NewComposer(zap.NewNop(), nil, nil)
	sig := c.Compose(context.Background(), composerConfig(), upBars(5, 0.0004))
	assert.Equal(t, types.DecisionHold, sig.Decision)
	assert.Contains(t, sig.Reason, "insufficient history")
}

func TestConfidenceGate(t *testing.T) {
	eff := composerConfig()
	eff.Rules.MinSignalConfidence = 0.99

	// A barely rising series keeps the distance to the MA, and with it the
	// confidence, small.
	c := NewComposer(zap.NewNop(), nil, nil)
	sig := c.Compose(context.Background(), eff, upBars(60, 0.00005))
	assert.Equal(t, types.DecisionHold, sig.Decision)
	assert.Contains(t, sig.Reason, "below minimum")
}

func TestMLDisagreementHolds(t *testing.T) {
	eff := composerConfig()
	eff.Execution.UseMLEnhancement = true

	c := NewComposer(zap.NewNop(), fixedPredictor{pred: Prediction{Direction: types.DecisionSell, Confidence: 0.9}}, nil)
	sig := c.Compose(context.Background(), eff, upBars(60, 0.0004))
	assert.Equal(t, types.DecisionHold, sig.Decision)
	assert.Contains(t, sig.Reason, "ml disagrees")
}

func TestMLAgreementScalesConfidence(t *testing.T) {
	eff := composerConfig()
	eff.Execution.UseMLEnhancement = true

	base := NewComposer(zap.NewNop(), nil, nil).Compose(context.Background(), eff, upBars(60, 0.0004))
	require.Equal(t, types.DecisionBuy, base.Decision)

	c := NewComposer(zap.NewNop(), fixedPredictor{pred: Prediction{Direction: types.DecisionBuy, Confidence: 0.5}}, nil)
	sig := c.Compose(context.Background(), eff, upBars(60, 0.0004))
	assert.Equal(t, types.DecisionBuy, sig.Decision)
	assert.InDelta(t, base.Confidence*0.5, sig.Confidence, 1e-9)
}

func TestMLFailureKeepsBaseSignal(t *testing.T) {
	eff := composerConfig()
	eff.Execution.UseMLEnhancement = true

	c := NewComposer(zap.NewNop(), fixedPredictor{err: errors.New("model down")}, nil)
	sig := c.Compose(context.Background(), eff, upBars(60, 0.0004))
	assert.Equal(t, types.DecisionBuy, sig.Decision)
}

func TestSentimentVeto(t *testing.T) {
	eff := composerConfig()
	eff.Execution.UseSentimentFilter = true

	opposed := NewComposer(zap.NewNop(), nil, fixedSentiment{score: -0.8})
	sig := opposed.Compose(context.Background(), eff, upBars(60, 0.0004))
	assert.Equal(t, types.DecisionHold, sig.Decision)
	assert.Contains(t, sig.Reason, "sentiment")

	mild := NewComposer(zap.NewNop(), nil, fixedSentiment{score: -0.3})
	sig = mild.Compose(context.Background(), eff, upBars(60, 0.0004))
	assert.Equal(t, types.DecisionBuy, sig.Decision)
}

func TestCooldownSemantics(t *testing.T) {
	eff := composerConfig()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	c := NewComposer(zap.NewNop(), nil, nil)
	c.now = func() time.Time { return now }

	first := c.Compose(context.Background(), eff, upBars(60, 0.0004))
	require.Equal(t, types.DecisionBuy, first.Decision)

	// Same side inside the window is blocked.
	now = now.Add(time.Minute)
	repeat := c.Compose(context.Background(), eff, upBars(60, 0.0004))
	assert.Equal(t, types.DecisionHold, repeat.Decision)
	assert.Contains(t, repeat.Reason, "cooldown")

	// The opposite side is allowed while trade_on_signal_change is on.
	blocked, _ := c.cooldownBlocks(eff, types.SignalResult{Decision: types.DecisionSell, Confidence: 0.8})
	assert.False(t, blocked)

	// With trade_on_signal_change off, everything inside the window blocks.
	eff.Rules.TradeOnSignalChange = false
	blocked, reason := c.cooldownBlocks(eff, types.SignalResult{Decision: types.DecisionSell, Confidence: 0.8})
	assert.True(t, blocked)
	assert.Contains(t, reason, "cooldown")

	// Past the window the same side fires again.
	eff.Rules.TradeOnSignalChange = true
	now = now.Add(10 * time.Minute)
	again := c.Compose(context.Background(), eff, upBars(60, 0.0004))
	assert.Equal(t, types.DecisionBuy, again.Decision)
}
