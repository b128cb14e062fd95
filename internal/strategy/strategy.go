// Package strategy computes directional signals from bar data and composes
// them with optional ML and sentiment capabilities.
package strategy

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// Strategy turns a bar window into a raw directional signal.
type Strategy interface {
	Name() string
	OnBars(bars []types.Bar) (types.SignalResult, error)
}

// IndicatorError reports that a signal could not be computed from the given
// history. The composer demotes it to Hold; it never aborts a cycle.
type IndicatorError struct {
	Strategy string
	Reason   string
}

func (e *IndicatorError) Error() string {
	return fmt.Sprintf("indicator %s: %s", e.Strategy, e.Reason)
}

type factory func(p config.EffectiveStrategy) Strategy

var factories = map[types.StrategyKind]factory{
	types.StrategyMACrossover:    func(p config.EffectiveStrategy) Strategy { return &maCrossover{p: p} },
	types.StrategyPosition:       func(p config.EffectiveStrategy) Strategy { return &pricePosition{p: p} },
	types.StrategyRSI:            func(p config.EffectiveStrategy) Strategy { return &rsiStrategy{p: p} },
	types.StrategyMACD:           func(p config.EffectiveStrategy) Strategy { return &macdStrategy{p: p} },
	types.StrategyBollinger:      func(p config.EffectiveStrategy) Strategy { return &bollingerStrategy{p: p} },
	types.StrategyMultiIndicator: newMultiIndicator,
}

// New builds the strategy variant for kind with the resolved parameters.
func New(params config.EffectiveStrategy) (Strategy, error) {
	f, ok := factories[params.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown strategy kind %q", params.Kind)
	}
	return f(params), nil
}

// Lookback is the number of extra bars requested beyond the slow period so
// that warm-up values of the indicators are stable.
const Lookback = 30

// BarsNeeded returns the bar count a strategy needs for its parameters.
func BarsNeeded(params config.EffectiveStrategy) int {
	return params.SlowPeriod + Lookback
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

func last(vals []float64) float64 { return vals[len(vals)-1] }
func prev(vals []float64) float64 { return vals[len(vals)-2] }

func validTail(name string, vals ...float64) error {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &IndicatorError{Strategy: name, Reason: "indicator value is not finite"}
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// maCrossover signals on a fast SMA crossing the slow SMA.
type maCrossover struct {
	p config.EffectiveStrategy
}

func (s *maCrossover) Name() string { return string(types.StrategyMACrossover) }

func (s *maCrossover) OnBars(bars []types.Bar) (types.SignalResult, error) {
	if len(bars) < s.p.SlowPeriod+2 {
		return types.SignalResult{}, &IndicatorError{Strategy: s.Name(), Reason: "insufficient history"}
	}
	c := closes(bars)
	fast := talib.Sma(c, s.p.FastPeriod)
	slow := talib.Sma(c, s.p.SlowPeriod)
	if err := validTail(s.Name(), last(fast), last(slow), prev(fast), prev(slow)); err != nil {
		return types.SignalResult{}, err
	}

	features := map[string]float64{
		"fast_ma": last(fast),
		"slow_ma": last(slow),
		"close":   last(c),
	}
	sep := math.Abs(last(fast)-last(slow)) / last(slow)
	confidence := clamp01(0.5 + sep*200)

	crossedUp := prev(fast) <= prev(slow) && last(fast) > last(slow)
	crossedDown := prev(fast) >= prev(slow) && last(fast) < last(slow)
	switch {
	case crossedUp:
		return types.SignalResult{Decision: types.DecisionBuy, Confidence: confidence,
			Reason: "fast MA crossed above slow MA", Features: features}, nil
	case crossedDown:
		return types.SignalResult{Decision: types.DecisionSell, Confidence: confidence,
			Reason: "fast MA crossed below slow MA", Features: features}, nil
	}
	return types.Hold("no MA cross"), nil
}

// pricePosition signals on the close's side of the slow SMA.
type pricePosition struct {
	p config.EffectiveStrategy
}

func (s *pricePosition) Name() string { return string(types.StrategyPosition) }

func (s *pricePosition) OnBars(bars []types.Bar) (types.SignalResult, error) {
	if len(bars) < s.p.SlowPeriod+1 {
		return types.SignalResult{}, &IndicatorError{Strategy: s.Name(), Reason: "insufficient history"}
	}
	c := closes(bars)
	ma := talib.Sma(c, s.p.SlowPeriod)
	if err := validTail(s.Name(), last(ma)); err != nil {
		return types.SignalResult{}, err
	}

	dist := (last(c) - last(ma)) / last(ma)
	confidence := clamp01(0.5 + math.Abs(dist)*100)
	features := map[string]float64{"ma": last(ma), "close": last(c), "distance": dist}

	switch {
	case dist > 0:
		return types.SignalResult{Decision: types.DecisionBuy, Confidence: confidence,
			Reason: "price above MA", Features: features}, nil
	case dist < 0:
		return types.SignalResult{Decision: types.DecisionSell, Confidence: confidence,
			Reason: "price below MA", Features: features}, nil
	}
	return types.Hold("price on MA"), nil
}

// rsiStrategy signals on oversold/overbought RSI extremes.
type rsiStrategy struct {
	p config.EffectiveStrategy
}

const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

func (s *rsiStrategy) Name() string { return string(types.StrategyRSI) }

func (s *rsiStrategy) OnBars(bars []types.Bar) (types.SignalResult, error) {
	period := s.p.FastPeriod
	if len(bars) < period+2 {
		return types.SignalResult{}, &IndicatorError{Strategy: s.Name(), Reason: "insufficient history"}
	}
	rsi := talib.Rsi(closes(bars), period)
	if err := validTail(s.Name(), last(rsi)); err != nil {
		return types.SignalResult{}, err
	}

	v := last(rsi)
	features := map[string]float64{"rsi": v}
	switch {
	case v <= rsiOversold:
		return types.SignalResult{Decision: types.DecisionBuy,
			Confidence: clamp01(0.5 + (rsiOversold-v)/rsiOversold),
			Reason:     fmt.Sprintf("RSI oversold at %.1f", v), Features: features}, nil
	case v >= rsiOverbought:
		return types.SignalResult{Decision: types.DecisionSell,
			Confidence: clamp01(0.5 + (v-rsiOverbought)/(100-rsiOverbought)),
			Reason:     fmt.Sprintf("RSI overbought at %.1f", v), Features: features}, nil
	}
	return types.Hold(fmt.Sprintf("RSI neutral at %.1f", v)), nil
}

// macdStrategy signals on the MACD histogram flipping sign.
type macdStrategy struct {
	p config.EffectiveStrategy
}

const macdSignalPeriod = 9

func (s *macdStrategy) Name() string { return string(types.StrategyMACD) }

func (s *macdStrategy) OnBars(bars []types.Bar) (types.SignalResult, error) {
	if len(bars) < s.p.SlowPeriod+macdSignalPeriod+2 {
		return types.SignalResult{}, &IndicatorError{Strategy: s.Name(), Reason: "insufficient history"}
	}
	_, _, hist := talib.Macd(closes(bars), s.p.FastPeriod, s.p.SlowPeriod, macdSignalPeriod)
	if err := validTail(s.Name(), last(hist), prev(hist)); err != nil {
		return types.SignalResult{}, err
	}

	features := map[string]float64{"macd_hist": last(hist), "macd_hist_prev": prev(hist)}
	confidence := clamp01(0.5 + math.Abs(last(hist)-prev(hist))*100)
	switch {
	case prev(hist) <= 0 && last(hist) > 0:
		return types.SignalResult{Decision: types.DecisionBuy, Confidence: confidence,
			Reason: "MACD histogram turned positive", Features: features}, nil
	case prev(hist) >= 0 && last(hist) < 0:
		return types.SignalResult{Decision: types.DecisionSell, Confidence: confidence,
			Reason: "MACD histogram turned negative", Features: features}, nil
	}
	return types.Hold("no MACD flip"), nil
}

// bollingerStrategy signals on closes breaching the bands.
type bollingerStrategy struct {
	p config.EffectiveStrategy
}

const bollingerDev = 2.0

func (s *bollingerStrategy) Name() string { return string(types.StrategyBollinger) }

func (s *bollingerStrategy) OnBars(bars []types.Bar) (types.SignalResult, error) {
	period := s.p.SlowPeriod
	if len(bars) < period+1 {
		return types.SignalResult{}, &IndicatorError{Strategy: s.Name(), Reason: "insufficient history"}
	}
	c := closes(bars)
	upper, middle, lower := talib.BBands(c, period, bollingerDev, bollingerDev, talib.SMA)
	if err := validTail(s.Name(), last(upper), last(middle), last(lower)); err != nil {
		return types.SignalResult{}, err
	}

	price := last(c)
	width := last(upper) - last(lower)
	features := map[string]float64{
		"bb_upper": last(upper), "bb_middle": last(middle), "bb_lower": last(lower), "close": price,
	}
	if width <= 0 {
		return types.SignalResult{}, &IndicatorError{Strategy: s.Name(), Reason: "degenerate band width"}
	}
	switch {
	case price <= last(lower):
		return types.SignalResult{Decision: types.DecisionBuy,
			Confidence: clamp01(0.5 + (last(lower)-price)/width),
			Reason:     "close below lower band", Features: features}, nil
	case price >= last(upper):
		return types.SignalResult{Decision: types.DecisionSell,
			Confidence: clamp01(0.5 + (price-last(upper))/width),
			Reason:     "close above upper band", Features: features}, nil
	}
	return types.Hold("inside bands"), nil
}

// multiIndicator is a majority vote over the single-indicator strategies.
type multiIndicator struct {
	parts []Strategy
}

func newMultiIndicator(p config.EffectiveStrategy) Strategy {
	return &multiIndicator{parts: []Strategy{
		&maCrossover{p: p},
		&rsiStrategy{p: p},
		&macdStrategy{p: p},
	}}
}

func (s *multiIndicator) Name() string { return string(types.StrategyMultiIndicator) }

func (s *multiIndicator) OnBars(bars []types.Bar) (types.SignalResult, error) {
	var buys, sells int
	var buyConf, sellConf float64
	features := map[string]float64{}

	for _, part := range s.parts {
		sig, err := part.OnBars(bars)
		if err != nil {
			// One broken indicator does not silence the vote.
			continue
		}
		for k, v := range sig.Features {
			features[k] = v
		}
		switch sig.Decision {
		case types.DecisionBuy:
			buys++
			buyConf += sig.Confidence
		case types.DecisionSell:
			sells++
			sellConf += sig.Confidence
		}
	}

	switch {
	case buys >= 2 && buys > sells:
		return types.SignalResult{Decision: types.DecisionBuy, Confidence: clamp01(buyConf / float64(buys)),
			Reason: fmt.Sprintf("%d of %d indicators agree on buy", buys, len(s.parts)), Features: features}, nil
	case sells >= 2 && sells > buys:
		return types.SignalResult{Decision: types.DecisionSell, Confidence: clamp01(sellConf / float64(sells)),
			Reason: fmt.Sprintf("%d of %d indicators agree on sell", sells, len(s.parts)), Features: features}, nil
	}
	return types.Hold("no indicator majority"), nil
}
