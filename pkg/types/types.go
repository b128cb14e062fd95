// Package types provides the shared domain types for the trading orchestrator.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buy and -1 for sell, used for pip arithmetic.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Decision is the outcome of signal composition.
type Decision string

const (
	DecisionBuy  Decision = "buy"
	DecisionSell Decision = "sell"
	DecisionHold Decision = "hold"
)

// Side converts a tradable decision to an order side. Hold has no side.
func (d Decision) Side() (Side, bool) {
	switch d {
	case DecisionBuy:
		return SideBuy, true
	case DecisionSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Timeframe is a chart timeframe recognized by the terminal.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// ParseTimeframe validates a timeframe string against the closed set.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case TimeframeM1, TimeframeM5, TimeframeM15, TimeframeM30, TimeframeH1, TimeframeH4, TimeframeD1:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Duration returns the bar length of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeM30:
		return 30 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	}
	return time.Minute
}

// StrategyKind identifies a signal strategy variant.
type StrategyKind string

const (
	StrategyMACrossover    StrategyKind = "ma_crossover"
	StrategyPosition       StrategyKind = "position"
	StrategyRSI            StrategyKind = "rsi"
	StrategyMACD           StrategyKind = "macd"
	StrategyBollinger      StrategyKind = "bollinger"
	StrategyMultiIndicator StrategyKind = "multi_indicator"
)

// ParseStrategyKind validates a strategy kind against the closed set.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch StrategyKind(s) {
	case StrategyMACrossover, StrategyPosition, StrategyRSI, StrategyMACD,
		StrategyBollinger, StrategyMultiIndicator:
		return StrategyKind(s), nil
	}
	return "", fmt.Errorf("unknown strategy kind %q", s)
}

// Bar is one OHLCV candle.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Tick is the latest bid/ask quote for a symbol.
type Tick struct {
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
	Time time.Time       `json:"time"`
}

// SymbolInfo is the terminal-side metadata for one symbol.
type SymbolInfo struct {
	Symbol       string          `json:"symbol"`
	Digits       int             `json:"digits"`
	Point        decimal.Decimal `json:"point"`
	ContractSize decimal.Decimal `json:"contractSize"`
	MinLot       decimal.Decimal `json:"minLot"`
	MaxLot       decimal.Decimal `json:"maxLot"`
	LotStep      decimal.Decimal `json:"lotStep"`
	Spread       decimal.Decimal `json:"spread"`
	// PipValue is the account-currency value of one point for one lot.
	PipValue decimal.Decimal `json:"pipValue"`
}

// AccountState is a snapshot of the terminal account.
type AccountState struct {
	Balance      decimal.Decimal `json:"balance"`
	Equity       decimal.Decimal `json:"equity"`
	MarginFree   decimal.Decimal `json:"marginFree"`
	Leverage     int             `json:"leverage"`
	TradeAllowed bool            `json:"tradeAllowed"`
}

// FillMode is the terminal-side fill policy for an order.
type FillMode string

const (
	FillModeIOC    FillMode = "ioc"
	FillModeFOK    FillMode = "fok"
	FillModeReturn FillMode = "return"
)

// FillModes lists the acceptable fill modes in fallback order.
var FillModes = []FillMode{FillModeIOC, FillModeFOK, FillModeReturn}

// OrderRequest describes a market order with protective levels.
type OrderRequest struct {
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Volume   decimal.Decimal `json:"volume"`
	Price    decimal.Decimal `json:"price"`
	SL       decimal.Decimal `json:"sl"`
	TP       decimal.Decimal `json:"tp"`
	FillMode FillMode        `json:"fillMode,omitempty"`
	Comment  string          `json:"comment,omitempty"`
}

// OrderResult is the terminal's acknowledgement of a filled order.
type OrderResult struct {
	Ticket    int64           `json:"ticket"`
	FillPrice decimal.Decimal `json:"fillPrice"`
}

// OpenPosition is a live position as reported by the terminal.
type OpenPosition struct {
	Ticket     int64           `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Volume     decimal.Decimal `json:"volume"`
	SL         decimal.Decimal `json:"sl"`
	TP         decimal.Decimal `json:"tp"`
	OpenTime   time.Time       `json:"openTime"`
}

// ProfitPips returns the signed profit of the position in pips at the
// given market price, using the symbol's point as the pip size.
func (p OpenPosition) ProfitPips(price, point decimal.Decimal) decimal.Decimal {
	if point.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Mul(p.Side.Sign()).Div(point)
}

// SignalResult is the composed output of the strategy layer for one symbol.
type SignalResult struct {
	Decision   Decision           `json:"decision"`
	Confidence float64            `json:"confidence"`
	Price      decimal.Decimal    `json:"price,omitempty"`
	SL         decimal.Decimal    `json:"sl,omitempty"`
	TP         decimal.Decimal    `json:"tp,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Features   map[string]float64 `json:"features,omitempty"`
}

// Hold builds a hold signal carrying a diagnostic reason.
func Hold(reason string) SignalResult {
	return SignalResult{Decision: DecisionHold, Reason: reason}
}
