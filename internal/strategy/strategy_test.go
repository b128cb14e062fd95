package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/strategy"
	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

func barsFromCloses(closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{
			Open:  decimal.NewFromFloat(c),
			High:  decimal.NewFromFloat(c + 0.0002),
			Low:   decimal.NewFromFloat(c - 0.0002),
			Close: decimal.NewFromFloat(c),
		}
	}
	return bars
}

func flatThen(n int, base, last float64) []types.Bar {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = base
	}
	closes[n-1] = last
	return barsFromCloses(closes)
}

func params(kind types.StrategyKind) config.EffectiveStrategy {
	return config.EffectiveStrategy{
		Kind:       kind,
		Timeframe:  types.TimeframeM15,
		FastPeriod: 10,
		SlowPeriod: 20,
		SlPips:     20,
		TpPips:     40,
	}
}

func TestMACrossoverDetectsCrossUp(t *testing.T) {
	s, err := strategy.New(params(types.StrategyMACrossover))
	require.NoError(t, err)

	// A flat series where the last bar jumps lifts the fast average over
	// the slow one.
	sig, err := s.OnBars(flatThen(60, 1.1000, 1.1200))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionBuy, sig.Decision)
	assert.Contains(t, sig.Reason, "crossed above")
}

func TestMACrossoverDetectsCrossDown(t *testing.T) {
	s, err := strategy.New(params(types.StrategyMACrossover))
	require.NoError(t, err)

	sig, err := s.OnBars(flatThen(60, 1.1000, 1.0800))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionSell, sig.Decision)
}

func TestMACrossoverHoldsWithoutCross(t *testing.T) {
	s, err := strategy.New(params(types.StrategyMACrossover))
	require.NoError(t, err)

	sig, err := s.OnBars(flatThen(60, 1.1000, 1.1000))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionHold, sig.Decision)
}

func TestMACrossoverInsufficientHistory(t *testing.T) {
	s, err := strategy.New(params(types.StrategyMACrossover))
	require.NoError(t, err)

	_, err = s.OnBars(flatThen(10, 1.1000, 1.1000))
	var ierr *strategy.IndicatorError
	require.ErrorAs(t, err, &ierr)
}

func TestRSIExtremes(t *testing.T) {
	s, err := strategy.New(params(types.StrategyRSI))
	require.NoError(t, err)

	falling := make([]float64, 40)
	rising := make([]float64, 40)
	for i := range falling {
		falling[i] = 1.2000 - float64(i)*0.0020
		rising[i] = 1.0000 + float64(i)*0.0020
	}

	sig, err := s.OnBars(barsFromCloses(falling))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionBuy, sig.Decision, "steady decline must read oversold")

	sig, err = s.OnBars(barsFromCloses(rising))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionSell, sig.Decision, "steady climb must read overbought")
}

func TestUnknownStrategyKind(t *testing.T) {
	p := params("momentum")
	_, err := strategy.New(p)
	assert.Error(t, err)
}

func TestBarsNeededScalesWithSlowPeriod(t *testing.T) {
	p := params(types.StrategyMACrossover)
	assert.Equal(t, p.SlowPeriod+strategy.Lookback, strategy.BarsNeeded(p))
}
