package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Resolve when the account or symbol is unknown.
var ErrNotFound = errors.New("config: not found")

// ReloadStatus is the outcome of ReloadIfChanged.
type ReloadStatus int

const (
	Unchanged ReloadStatus = iota
	Changed
)

// AccountRef identifies one configured account to the control process.
type AccountRef struct {
	ID          int64
	Login       int64
	Server      string
	PasswordEnv string
	Active      bool
}

// snapshot pairs an immutable set with its content hash and a cache of
// resolved effective configs. The cache dies with the snapshot on reload.
type snapshot struct {
	set   *ConfigurationSet
	hash  [sha256.Size]byte
	cache sync.Map // "accountID/symbol" -> *EffectiveSymbolConfig
}

// Store holds the live configuration behind an atomic pointer. Consumers
// read a snapshot at the start of a cycle and use it throughout; a mid-cycle
// reload never surprises them.
type Store struct {
	logger  *zap.Logger
	path    string
	mu      sync.Mutex // serializes reloads
	current atomic.Pointer[snapshot]
}

// NewStore loads the document at path. A load error here is fatal to the
// caller by contract; there is no previous set to fall back to.
func NewStore(logger *zap.Logger, path string) (*Store, error) {
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

	s := &Store{logger: logger.Named("config"), path: path}
	s.current.Store(&snapshot{set: set, hash: Hash(raw)})
	return s, nil
}

// Path returns the file-system path of the backing document.
func (s *Store) Path() string { return s.path }

// Set returns the current immutable configuration set.
func (s *Store) Set() *ConfigurationSet {
	return s.current.Load().set
}

// ReloadIfChanged re-reads the document and swaps the set in if its content
// hash differs. On any error the previous set is retained and the error is
// returned for logging.
func (s *Store) ReloadIfChanged() (ReloadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Unchanged, &ConfigError{Path: s.path, Err: err}
	}
	h := Hash(raw)
	if h == s.current.Load().hash {
		return Unchanged, nil
	}
	set, err := Parse(raw)
	if err != nil {
		return Unchanged, &ConfigError{Path: s.path, Err: err}
	}
	if errs := Validate(set); len(errs) > 0 {
		return Unchanged, &ConfigError{Path: s.path, Err: fmt.Errorf("%d validation errors, first: %s", len(errs), errs[0])}
	}

	s.current.Store(&snapshot{set: set, hash: h})
	s.logger.Info("configuration reloaded",
		zap.Int("accounts", len(set.Accounts)),
		zap.String("version", set.Version))
	return Changed, nil
}

// CheckFile re-reads the backing document and reports its violations without
// swapping it in. Backs the validate dry run.
func (s *Store) CheckFile() ([]ValidationError, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &ConfigError{Path: s.path, Err: err}
	}
	set, err := Parse(raw)
	if err != nil {
		return nil, &ConfigError{Path: s.path, Err: err}
	}
	return Validate(set), nil
}

// Account returns the raw account layer for id.
func (s *Store) Account(id int64) (AccountConfig, bool) {
	acct, ok := s.Set().Accounts[strconv.FormatInt(id, 10)]
	return acct, ok
}

// Accounts lists the configured accounts in stable id order.
func (s *Store) Accounts() []AccountRef {
	set := s.Set()
	refs := make([]AccountRef, 0, len(set.Accounts))
	for id, acct := range set.Accounts {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		refs = append(refs, AccountRef{
			ID:          n,
			Login:       acct.Login,
			Server:      acct.Server,
			PasswordEnv: acct.PasswordEnv,
			Active:      acct.IsActive(),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// Resolve merges defaults <- account <- symbol for (accountID, symbol) and
// caches the result until the next reload.
func (s *Store) Resolve(accountID int64, symbol string) (EffectiveSymbolConfig, error) {
	snap := s.current.Load()
	key := strconv.FormatInt(accountID, 10) + "/" + symbol
	if v, ok := snap.cache.Load(key); ok {
		return *v.(*EffectiveSymbolConfig), nil
	}

	acct, ok := snap.set.Accounts[strconv.FormatInt(accountID, 10)]
	if !ok {
		return EffectiveSymbolConfig{}, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	var symCfg *SymbolConfig
	for i := range acct.Symbols {
		if acct.Symbols[i].Symbol == symbol {
			symCfg = &acct.Symbols[i]
			break
		}
	}
	if symCfg == nil {
		return EffectiveSymbolConfig{}, fmt.Errorf("account %d symbol %s: %w", accountID, symbol, ErrNotFound)
	}

	eff := resolveLayers(snap.set.Defaults, acct.SectionSet, symCfg.SectionSet)
	eff.AccountID = accountID
	eff.Symbol = symbol
	eff.Enabled = symCfg.Enabled == nil || *symCfg.Enabled

	snap.cache.Store(key, &eff)
	return eff, nil
}

// ResolveAccount merges defaults <- account without a symbol layer. It backs
// the engine-level knobs (cycle interval, emergency, daily loss).
func (s *Store) ResolveAccount(accountID int64) (EffectiveSymbolConfig, error) {
	snap := s.current.Load()
	acct, ok := snap.set.Accounts[strconv.FormatInt(accountID, 10)]
	if !ok {
		return EffectiveSymbolConfig{}, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	eff := resolveLayers(snap.set.Defaults, acct.SectionSet, SectionSet{})
	eff.AccountID = accountID
	return eff, nil
}

// Symbols returns the symbol layer names of an account, enabled or not.
func (s *Store) Symbols(accountID int64) []string {
	acct, ok := s.Account(accountID)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(acct.Symbols))
	for _, sym := range acct.Symbols {
		out = append(out, sym.Symbol)
	}
	return out
}

// resolveLayers applies the three override layers over the built-in base.
func resolveLayers(defaults, account, symbol SectionSet) EffectiveSymbolConfig {
	eff := baseEffective()
	eff.apply(defaults)
	eff.apply(account)
	eff.apply(symbol)
	return eff
}
