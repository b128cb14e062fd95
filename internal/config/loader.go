package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// ValidationError is one rule violation found in a configuration set.
// Validation enumerates every violation; it never fails fast.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ConfigError wraps a load or parse failure. Fatal on first load; on reload
// the previous set is retained.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Load reads and parses the document at path and validates it.
func Load(path string) (*ConfigurationSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	set, err := Parse(raw)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	if errs := Validate(set); len(errs) > 0 {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("%d validation errors, first: %s", len(errs), errs[0])}
	}
	return set, nil
}

// Parse decodes raw YAML into a ConfigurationSet. Unknown keys anywhere in
// the document are rejected.
func Parse(raw []byte) (*ConfigurationSet, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	var set ConfigurationSet
	strict := func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true }
	if err := v.Unmarshal(&set, strict); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &set, nil
}

// Hash returns the content hash used for change detection on reload.
func Hash(raw []byte) [sha256.Size]byte {
	return sha256.Sum256(raw)
}

// Validate enumerates every rule violation in the set.
func Validate(set *ConfigurationSet) []ValidationError {
	var errs []ValidationError

	major, ok := parseMajor(set.Version)
	if !ok {
		errs = append(errs, ValidationError{Path: "version", Message: fmt.Sprintf("missing or malformed version %q", set.Version)})
	} else if major != SupportedMajor {
		errs = append(errs, ValidationError{Path: "version", Message: fmt.Sprintf("unsupported major version %d, want %d", major, SupportedMajor)})
	}

	errs = append(errs, validateSections("defaults", set.Defaults)...)

	for id, acct := range set.Accounts {
		path := "accounts." + id
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			errs = append(errs, ValidationError{Path: path, Message: "account id must be an integer"})
			continue
		}
		if acct.Login == 0 {
			errs = append(errs, ValidationError{Path: path + ".login", Message: "login is required"})
		}
		errs = append(errs, validateSections(path, acct.SectionSet)...)

		seen := map[string]bool{}
		for i, sym := range acct.Symbols {
			sPath := fmt.Sprintf("%s.symbols[%d]", path, i)
			if sym.Symbol == "" {
				errs = append(errs, ValidationError{Path: sPath + ".symbol", Message: "symbol is required"})
				continue
			}
			if seen[sym.Symbol] {
				errs = append(errs, ValidationError{Path: sPath, Message: fmt.Sprintf("duplicate symbol %s", sym.Symbol)})
			}
			seen[sym.Symbol] = true
			errs = append(errs, validateSections(sPath, sym.SectionSet)...)

			// Enabled symbols must resolve to a tradable effective config.
			eff := resolveLayers(set.Defaults, acct.SectionSet, sym.SectionSet)
			if sym.Enabled != nil && !*sym.Enabled {
				continue
			}
			errs = append(errs, validateEffective(sPath, eff)...)
		}
	}
	return errs
}

// validateSections checks the closed-set and range rules that apply to any
// layer in isolation.
func validateSections(path string, s SectionSet) []ValidationError {
	var errs []ValidationError
	if s.Strategy.Kind != nil {
		if _, err := types.ParseStrategyKind(*s.Strategy.Kind); err != nil {
			errs = append(errs, ValidationError{Path: path + ".strategy.kind", Message: err.Error()})
		}
	}
	if s.Strategy.Timeframe != nil {
		if _, err := types.ParseTimeframe(*s.Strategy.Timeframe); err != nil {
			errs = append(errs, ValidationError{Path: path + ".strategy.timeframe", Message: err.Error()})
		}
	}
	if s.Risk.RiskPercent != nil && (*s.Risk.RiskPercent <= 0 || *s.Risk.RiskPercent > 10) {
		errs = append(errs, ValidationError{Path: path + ".risk.risk_percent", Message: "must be in (0, 10]"})
	}
	if s.PositionManagement.PartialClosePercent != nil {
		if pc := *s.PositionManagement.PartialClosePercent; pc <= 0 || pc >= 100 {
			errs = append(errs, ValidationError{Path: path + ".position_management.partial_close_percent", Message: "must be in (0, 100)"})
		}
	}
	if s.Execution.MaxWorkers != nil && *s.Execution.MaxWorkers < 1 {
		errs = append(errs, ValidationError{Path: path + ".execution.max_workers", Message: "must be at least 1"})
	}
	if s.Execution.IntervalSeconds != nil && *s.Execution.IntervalSeconds < 1 {
		errs = append(errs, ValidationError{Path: path + ".execution.interval_seconds", Message: "must be at least 1"})
	}
	return errs
}

// validateEffective checks the invariants every enabled symbol must satisfy
// after full resolution.
func validateEffective(path string, eff EffectiveSymbolConfig) []ValidationError {
	var errs []ValidationError
	if eff.Risk.RiskPercent <= 0 || eff.Risk.RiskPercent > 10 {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("resolved risk_percent %.2f not in (0, 10]", eff.Risk.RiskPercent)})
	}
	if eff.Strategy.SlPips <= 0 {
		errs = append(errs, ValidationError{Path: path, Message: "resolved sl_pips must be > 0"})
	}
	if eff.Strategy.TpPips <= 0 {
		errs = append(errs, ValidationError{Path: path, Message: "resolved tp_pips must be > 0"})
	}
	if eff.Strategy.FastPeriod >= eff.Strategy.SlowPeriod {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("fast_period %d must be < slow_period %d", eff.Strategy.FastPeriod, eff.Strategy.SlowPeriod)})
	}
	if _, err := types.ParseStrategyKind(string(eff.Strategy.Kind)); err != nil {
		errs = append(errs, ValidationError{Path: path, Message: err.Error()})
	}
	if _, err := types.ParseTimeframe(string(eff.Strategy.Timeframe)); err != nil {
		errs = append(errs, ValidationError{Path: path, Message: err.Error()})
	}
	return errs
}

func parseMajor(version string) (int, bool) {
	if version == "" {
		return 0, false
	}
	head := version
	if i := strings.IndexByte(version, '.'); i >= 0 {
		head = version[:i]
	}
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	return major, true
}
