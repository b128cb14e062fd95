// Package config loads, validates, and resolves the hierarchical trading
// configuration. A document has three layers (defaults, account, symbol);
// resolution merges them child-over-parent into a fully populated effective
// view used by the trading engine.
package config

import (
	"time"

	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// SupportedMajor is the configuration document major version this build reads.
const SupportedMajor = 1

// RiskSection holds optional risk overrides. Nil fields inherit.
type RiskSection struct {
	RiskPercent           *float64 `mapstructure:"risk_percent"`
	MaxPositionSize       *float64 `mapstructure:"max_position_size"`
	MinPositionSize       *float64 `mapstructure:"min_position_size"`
	MaxConcurrentTrades   *int     `mapstructure:"max_concurrent_trades"`
	MaxPositionsPerSymbol *int     `mapstructure:"max_positions_per_symbol"`
	PortfolioRiskPercent  *float64 `mapstructure:"portfolio_risk_percent"`
}

// ExecutionSection holds optional execution overrides.
type ExecutionSection struct {
	IntervalSeconds               *int  `mapstructure:"interval_seconds"`
	ParallelExecution             *bool `mapstructure:"parallel_execution"`
	MaxWorkers                    *int  `mapstructure:"max_workers"`
	PositionManagementInterval    *int  `mapstructure:"position_management_interval_seconds"`
	UseIntelligentPositionManager *bool `mapstructure:"use_intelligent_position_manager"`
	UseMLEnhancement              *bool `mapstructure:"use_ml_enhancement"`
	UseSentimentFilter            *bool `mapstructure:"use_sentiment_filter"`
}

// TradingRulesSection holds optional trading-rule overrides.
type TradingRulesSection struct {
	CooldownSeconds     *int     `mapstructure:"cooldown_seconds"`
	TradeOnSignalChange *bool    `mapstructure:"trade_on_signal_change"`
	MinSignalConfidence *float64 `mapstructure:"min_signal_confidence"`
}

// StrategySection holds optional strategy overrides.
type StrategySection struct {
	Kind       *string  `mapstructure:"kind"`
	Timeframe  *string  `mapstructure:"timeframe"`
	FastPeriod *int     `mapstructure:"fast_period"`
	SlowPeriod *int     `mapstructure:"slow_period"`
	SlPips     *float64 `mapstructure:"sl_pips"`
	TpPips     *float64 `mapstructure:"tp_pips"`
}

// PositionManagementSection holds optional position-management overrides.
type PositionManagementSection struct {
	EnableBreakeven           *bool    `mapstructure:"enable_breakeven"`
	BreakevenTriggerPips      *float64 `mapstructure:"breakeven_trigger_pips"`
	BreakevenOffsetPips       *float64 `mapstructure:"breakeven_offset_pips"`
	EnableTrailingStop        *bool    `mapstructure:"enable_trailing_stop"`
	TrailingActivationPips    *float64 `mapstructure:"trailing_activation_pips"`
	TrailingStopPips          *float64 `mapstructure:"trailing_stop_pips"`
	EnablePartialClose        *bool    `mapstructure:"enable_partial_close"`
	PartialCloseTriggerPips   *float64 `mapstructure:"partial_close_trigger_pips"`
	PartialClosePercent       *float64 `mapstructure:"partial_close_percent"`
	EnableDynamicTP           *bool    `mapstructure:"enable_dynamic_tp"`
	TpExtensionTriggerPercent *float64 `mapstructure:"tp_extension_trigger_percent"`
	TpExtensionPips           *float64 `mapstructure:"tp_extension_pips"`
}

// EmergencySection holds optional emergency overrides.
type EmergencySection struct {
	EmergencyStop       *bool    `mapstructure:"emergency_stop"`
	CloseAllOnEmergency *bool    `mapstructure:"close_all_on_emergency"`
	MaxDailyLossPercent *float64 `mapstructure:"max_daily_loss_percent"`
}

// SectionSet groups the overridable sections at any layer of the hierarchy.
type SectionSet struct {
	Risk               RiskSection               `mapstructure:"risk"`
	Execution          ExecutionSection          `mapstructure:"execution"`
	TradingRules       TradingRulesSection       `mapstructure:"trading_rules"`
	Strategy           StrategySection           `mapstructure:"strategy"`
	PositionManagement PositionManagementSection `mapstructure:"position_management"`
	Emergency          EmergencySection          `mapstructure:"emergency"`
}

// SymbolConfig is the per-symbol layer of an account.
type SymbolConfig struct {
	Symbol     string `mapstructure:"symbol"`
	Enabled    *bool  `mapstructure:"enabled"`
	SectionSet `mapstructure:",squash"`
}

// AccountConfig is the per-account layer.
type AccountConfig struct {
	Login       int64  `mapstructure:"login"`
	Server      string `mapstructure:"server"`
	PasswordEnv string `mapstructure:"password_env"`
	Active      *bool  `mapstructure:"active"`
	SectionSet  `mapstructure:",squash"`
	Symbols     []SymbolConfig `mapstructure:"symbols"`
}

// IsActive reports whether the account participates in orchestration.
// Accounts are active unless explicitly disabled.
func (a AccountConfig) IsActive() bool {
	return a.Active == nil || *a.Active
}

// ConfigurationSet is one immutable parse of the configuration document.
// A new set replaces the old wholesale on reload.
type ConfigurationSet struct {
	Version  string                   `mapstructure:"version"`
	Defaults SectionSet               `mapstructure:"defaults"`
	Accounts map[string]AccountConfig `mapstructure:"accounts"`
}

// EffectiveRisk is the fully resolved risk section.
type EffectiveRisk struct {
	RiskPercent           float64
	MaxPositionSize       float64
	MinPositionSize       float64
	MaxConcurrentTrades   int
	MaxPositionsPerSymbol int
	PortfolioRiskPercent  float64
}

// EffectiveExecution is the fully resolved execution section.
type EffectiveExecution struct {
	Interval                      time.Duration
	ParallelExecution             bool
	MaxWorkers                    int
	PositionManagementInterval    time.Duration
	UseIntelligentPositionManager bool
	UseMLEnhancement              bool
	UseSentimentFilter            bool
}

// EffectiveRules is the fully resolved trading-rules section.
type EffectiveRules struct {
	Cooldown            time.Duration
	TradeOnSignalChange bool
	MinSignalConfidence float64
}

// EffectiveStrategy is the fully resolved strategy section.
type EffectiveStrategy struct {
	Kind       types.StrategyKind
	Timeframe  types.Timeframe
	FastPeriod int
	SlowPeriod int
	SlPips     float64
	TpPips     float64
}

// EffectivePositionManagement is the fully resolved position-management section.
type EffectivePositionManagement struct {
	EnableBreakeven           bool
	BreakevenTriggerPips      float64
	BreakevenOffsetPips       float64
	EnableTrailingStop        bool
	TrailingActivationPips    float64
	TrailingStopPips          float64
	EnablePartialClose        bool
	PartialCloseTriggerPips   float64
	PartialClosePercent       float64
	EnableDynamicTP           bool
	TpExtensionTriggerPercent float64
	TpExtensionPips           float64
}

// EffectiveEmergency is the fully resolved emergency section.
type EffectiveEmergency struct {
	EmergencyStop       bool
	CloseAllOnEmergency bool
	MaxDailyLossPercent float64
}

// EffectiveSymbolConfig is the strongly typed, fully populated view handed to
// the symbol trader. Resolving the same layers twice yields the same value.
type EffectiveSymbolConfig struct {
	AccountID int64
	Symbol    string
	Enabled   bool

	Risk               EffectiveRisk
	Execution          EffectiveExecution
	Rules              EffectiveRules
	Strategy           EffectiveStrategy
	PositionManagement EffectivePositionManagement
	Emergency          EffectiveEmergency
}

// baseEffective is the built-in bottom layer under the document's defaults.
func baseEffective() EffectiveSymbolConfig {
	return EffectiveSymbolConfig{
		Enabled: true,
		Risk: EffectiveRisk{
			RiskPercent:           1.0,
			MaxPositionSize:       1.0,
			MinPositionSize:       0.01,
			MaxConcurrentTrades:   5,
			MaxPositionsPerSymbol: 1,
			PortfolioRiskPercent:  5.0,
		},
		Execution: EffectiveExecution{
			Interval:                   60 * time.Second,
			ParallelExecution:          false,
			MaxWorkers:                 4,
			PositionManagementInterval: 5 * time.Second,
		},
		Rules: EffectiveRules{
			Cooldown:            5 * time.Minute,
			TradeOnSignalChange: true,
			MinSignalConfidence: 0.0,
		},
		Strategy: EffectiveStrategy{
			Kind:       types.StrategyMACrossover,
			Timeframe:  types.TimeframeM15,
			FastPeriod: 10,
			SlowPeriod: 20,
			SlPips:     20,
			TpPips:     40,
		},
		PositionManagement: EffectivePositionManagement{
			EnableBreakeven:           true,
			BreakevenTriggerPips:      20,
			BreakevenOffsetPips:       2,
			EnableTrailingStop:        true,
			TrailingActivationPips:    25,
			TrailingStopPips:          15,
			EnablePartialClose:        false,
			PartialCloseTriggerPips:   30,
			PartialClosePercent:       50,
			EnableDynamicTP:           false,
			TpExtensionTriggerPercent: 80,
			TpExtensionPips:           20,
		},
		Emergency: EffectiveEmergency{
			MaxDailyLossPercent: 0, // 0 disables the daily-loss gate
		},
	}
}

func (e *EffectiveSymbolConfig) apply(s SectionSet) {
	applyRisk(&e.Risk, s.Risk)
	applyExecution(&e.Execution, s.Execution)
	applyRules(&e.Rules, s.TradingRules)
	applyStrategy(&e.Strategy, s.Strategy)
	applyPositionManagement(&e.PositionManagement, s.PositionManagement)
	applyEmergency(&e.Emergency, s.Emergency)
}

func applyRisk(dst *EffectiveRisk, s RiskSection) {
	setFloat(&dst.RiskPercent, s.RiskPercent)
	setFloat(&dst.MaxPositionSize, s.MaxPositionSize)
	setFloat(&dst.MinPositionSize, s.MinPositionSize)
	setInt(&dst.MaxConcurrentTrades, s.MaxConcurrentTrades)
	setInt(&dst.MaxPositionsPerSymbol, s.MaxPositionsPerSymbol)
	setFloat(&dst.PortfolioRiskPercent, s.PortfolioRiskPercent)
}

func applyExecution(dst *EffectiveExecution, s ExecutionSection) {
	setSeconds(&dst.Interval, s.IntervalSeconds)
	setBool(&dst.ParallelExecution, s.ParallelExecution)
	setInt(&dst.MaxWorkers, s.MaxWorkers)
	setSeconds(&dst.PositionManagementInterval, s.PositionManagementInterval)
	setBool(&dst.UseIntelligentPositionManager, s.UseIntelligentPositionManager)
	setBool(&dst.UseMLEnhancement, s.UseMLEnhancement)
	setBool(&dst.UseSentimentFilter, s.UseSentimentFilter)
}

func applyRules(dst *EffectiveRules, s TradingRulesSection) {
	setSeconds(&dst.Cooldown, s.CooldownSeconds)
	setBool(&dst.TradeOnSignalChange, s.TradeOnSignalChange)
	setFloat(&dst.MinSignalConfidence, s.MinSignalConfidence)
}

func applyStrategy(dst *EffectiveStrategy, s StrategySection) {
	if s.Kind != nil {
		dst.Kind = types.StrategyKind(*s.Kind)
	}
	if s.Timeframe != nil {
		dst.Timeframe = types.Timeframe(*s.Timeframe)
	}
	setInt(&dst.FastPeriod, s.FastPeriod)
	setInt(&dst.SlowPeriod, s.SlowPeriod)
	setFloat(&dst.SlPips, s.SlPips)
	setFloat(&dst.TpPips, s.TpPips)
}

func applyPositionManagement(dst *EffectivePositionManagement, s PositionManagementSection) {
	setBool(&dst.EnableBreakeven, s.EnableBreakeven)
	setFloat(&dst.BreakevenTriggerPips, s.BreakevenTriggerPips)
	setFloat(&dst.BreakevenOffsetPips, s.BreakevenOffsetPips)
	setBool(&dst.EnableTrailingStop, s.EnableTrailingStop)
	setFloat(&dst.TrailingActivationPips, s.TrailingActivationPips)
	setFloat(&dst.TrailingStopPips, s.TrailingStopPips)
	setBool(&dst.EnablePartialClose, s.EnablePartialClose)
	setFloat(&dst.PartialCloseTriggerPips, s.PartialCloseTriggerPips)
	setFloat(&dst.PartialClosePercent, s.PartialClosePercent)
	setBool(&dst.EnableDynamicTP, s.EnableDynamicTP)
	setFloat(&dst.TpExtensionTriggerPercent, s.TpExtensionTriggerPercent)
	setFloat(&dst.TpExtensionPips, s.TpExtensionPips)
}

func applyEmergency(dst *EffectiveEmergency, s EmergencySection) {
	setBool(&dst.EmergencyStop, s.EmergencyStop)
	setBool(&dst.CloseAllOnEmergency, s.CloseAllOnEmergency)
	setFloat(&dst.MaxDailyLossPercent, s.MaxDailyLossPercent)
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setSeconds(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Second
	}
}
