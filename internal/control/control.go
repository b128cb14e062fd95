// Package control is the operator-facing façade over the worker pool:
// start/stop trading per account or fleet-wide, status queries, autotrading
// preflight, and the emergency stop.
package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/emergency"
	"github.com/fxgrid/trading-orchestrator/internal/ipc"
	"github.com/fxgrid/trading-orchestrator/internal/pool"
	"github.com/fxgrid/trading-orchestrator/internal/supervisor"
)

// statusTimeout bounds a status query; a slow worker degrades the answer
// instead of failing it.
const statusTimeout = 5 * time.Second

// Result is the uniform outcome of a control operation.
type Result struct {
	Success bool     `json:"success"`
	Status  string   `json:"status,omitempty"`
	Message string   `json:"message,omitempty"`
	Hints   []string `json:"hints,omitempty"`
}

// autotradingHints guides the operator when the terminal-side switch is off.
var autotradingHints = []string{
	"enable the autotrading toggle in the terminal toolbar",
	"check that algorithmic trading is allowed in the terminal options",
	"confirm the account login has trading permissions",
}

// AutoTradingChecker answers whether an account's terminal allows
// algorithmic trading.
type AutoTradingChecker interface {
	Check(ctx context.Context, accountID string) (ipc.AutoTradingPayload, error)
}

// PoolChecker asks the worker directly.
type PoolChecker struct {
	Pool *pool.Pool
}

// Check round-trips the autotrading query through the worker.
func (c *PoolChecker) Check(ctx context.Context, accountID string) (ipc.AutoTradingPayload, error) {
	res, err := c.Pool.Call(ctx, accountID, ipc.NewCommand(ipc.CmdCheckAutoTrading), statusTimeout)
	if err != nil {
		return ipc.AutoTradingPayload{}, err
	}
	var payload ipc.AutoTradingPayload
	if err := res.DecodePayload(&payload); err != nil {
		return ipc.AutoTradingPayload{}, fmt.Errorf("decode autotrading status: %w", err)
	}
	return payload, nil
}

// CachedChecker memoizes checks per account for a TTL so repeated control
// calls do not hammer the terminal.
type CachedChecker struct {
	inner AutoTradingChecker
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	payload ipc.AutoTradingPayload
	at      time.Time
}

// NewCachedChecker wraps inner with a TTL cache.
func NewCachedChecker(inner AutoTradingChecker, ttl time.Duration) *CachedChecker {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &CachedChecker{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Check serves from cache within the TTL; misses and errors fall through.
func (c *CachedChecker) Check(ctx context.Context, accountID string) (ipc.AutoTradingPayload, error) {
	c.mu.Lock()
	if e, ok := c.entries[accountID]; ok && c.now().Sub(e.at) < c.ttl {
		c.mu.Unlock()
		return e.payload, nil
	}
	c.mu.Unlock()

	payload, err := c.inner.Check(ctx, accountID)
	if err != nil {
		return ipc.AutoTradingPayload{}, err
	}
	c.mu.Lock()
	c.entries[accountID] = cacheEntry{payload: payload, at: c.now()}
	c.mu.Unlock()
	return payload, nil
}

// Invalidate drops one account's cached answer.
func (c *CachedChecker) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
}

// Control exposes the orchestration operations.
type Control struct {
	logger  *zap.Logger
	pool    *pool.Pool
	flag    *emergency.Flag
	checker AutoTradingChecker
	store   *config.Store
}

// New creates the control façade.
func New(logger *zap.Logger, p *pool.Pool, flag *emergency.Flag, checker AutoTradingChecker, store *config.Store) *Control {
	return &Control{
		logger:  logger.Named("control"),
		pool:    p,
		flag:    flag,
		checker: checker,
		store:   store,
	}
}

// StartAccountTrading brings one account to the trading state. The worker is
// launched if needed and the terminal's autotrading switch is verified first.
func (c *Control) StartAccountTrading(ctx context.Context, accountID string) Result {
	if c.flag.Raised() {
		return Result{Message: "emergency stop is active; clear it before starting trading"}
	}

	n, err := strconv.ParseInt(accountID, 10, 64)
	if err != nil {
		return Result{Message: fmt.Sprintf("account id %q is not numeric", accountID)}
	}
	acct, ok := c.store.Account(n)
	if !ok {
		return Result{Message: fmt.Sprintf("account %s is not configured", accountID)}
	}
	if !acct.IsActive() {
		return Result{
			Message: fmt.Sprintf("account %s is inactive", accountID),
			Hints:   []string{"set active: true in the configuration document and reload"},
		}
	}

	if !c.workerLive(accountID) {
		if err := c.pool.StartWorker(ctx, accountID); err != nil {
			return Result{Message: fmt.Sprintf("worker start failed: %v", err)}
		}
	}

	payload, err := c.checker.Check(ctx, accountID)
	if err != nil {
		return Result{Message: fmt.Sprintf("autotrading check failed: %v", err)}
	}
	if !payload.Enabled {
		msg := payload.Message
		if msg == "" {
			msg = "autotrading is disabled on the terminal"
		}
		return Result{Message: msg, Hints: autotradingHints}
	}

	res, err := c.pool.Call(ctx, accountID, ipc.NewCommand(ipc.CmdStart), statusTimeout)
	if err != nil {
		return Result{Message: fmt.Sprintf("start command failed: %v", err)}
	}
	return statusResult(res, "trading started")
}

// StopAccountTrading halts one account's trading. Stopping an already
// stopped account succeeds.
func (c *Control) StopAccountTrading(ctx context.Context, accountID string) Result {
	if !c.workerLive(accountID) {
		return Result{Success: true, Status: "stopped", Message: "account is not trading"}
	}
	res, err := c.pool.Call(ctx, accountID, ipc.NewCommand(ipc.CmdStop), statusTimeout)
	if err != nil {
		return Result{Message: fmt.Sprintf("stop command failed: %v", err)}
	}
	return statusResult(res, "trading stopped")
}

// StartAllTrading starts trading on every active account.
func (c *Control) StartAllTrading(ctx context.Context) map[string]Result {
	out := make(map[string]Result)
	if err := c.pool.StartAll(ctx); err != nil {
		c.logger.Warn("fleet start had failures", zap.Error(err))
	}
	for _, id := range c.pool.ListActive() {
		out[id] = c.StartAccountTrading(ctx, id)
	}
	return out
}

// StopAllTrading stops trading on every live worker.
func (c *Control) StopAllTrading(ctx context.Context) map[string]Result {
	out := make(map[string]Result)
	for _, id := range c.pool.ListActive() {
		out[id] = c.StopAccountTrading(ctx, id)
	}
	return out
}

// AccountStatus queries one worker's status. A slow or unreachable worker
// yields a degraded answer, not a failure.
func (c *Control) AccountStatus(ctx context.Context, accountID string) Result {
	if !c.workerLive(accountID) {
		return Result{Success: true, Status: "stopped", Message: "no live worker"}
	}
	res, err := c.pool.Call(ctx, accountID, ipc.NewCommand(ipc.CmdGetStatus), statusTimeout)
	if err != nil {
		if errors.Is(err, supervisor.ErrAwaitTimeout) {
			return Result{Success: true, Status: "degraded", Message: "worker did not answer in time"}
		}
		return Result{Message: fmt.Sprintf("status query failed: %v", err)}
	}
	var st ipc.StatusPayload
	if derr := res.DecodePayload(&st); derr != nil {
		return Result{Message: fmt.Sprintf("decode status: %v", derr)}
	}
	return Result{
		Success: true,
		Status:  st.State,
		Message: fmt.Sprintf("%d open positions", st.OpenPositions),
	}
}

// GlobalStatus queries every live worker's status and aggregates the
// answers per account.
func (c *Control) GlobalStatus(ctx context.Context) map[string]Result {
	out := make(map[string]Result)
	for _, id := range c.pool.ListActive() {
		out[id] = c.AccountStatus(ctx, id)
	}
	return out
}

// CheckAutoTrading runs the autotrading preflight for one account.
func (c *Control) CheckAutoTrading(ctx context.Context, accountID string) Result {
	payload, err := c.checker.Check(ctx, accountID)
	if err != nil {
		return Result{Message: fmt.Sprintf("autotrading check failed: %v", err)}
	}
	if payload.Enabled {
		return Result{Success: true, Status: "enabled"}
	}
	return Result{Status: "disabled", Message: payload.Message, Hints: autotradingHints}
}

// EmergencyStop raises the persistent flag and pauses every worker. Workers
// observe the marker on their next cycle and close positions when configured
// to do so.
func (c *Control) EmergencyStop(ctx context.Context, reason string) Result {
	if err := c.flag.Raise(reason); err != nil {
		return Result{Message: fmt.Sprintf("raise emergency flag: %v", err)}
	}
	failures := 0
	for id, err := range c.pool.Broadcast(ipc.CmdPause) {
		if err != nil {
			failures++
			c.logger.Error("emergency pause failed",
				zap.String("account", id), zap.Error(err))
		}
	}
	msg := "emergency stop raised"
	if failures > 0 {
		msg = fmt.Sprintf("emergency stop raised; %d workers unreachable", failures)
	}
	return Result{Success: true, Status: "emergency", Message: msg}
}

// ClearEmergency lowers the flag and resumes the workers the stop paused,
// so entries are allowed again at the next cycle boundary without a restart.
func (c *Control) ClearEmergency(context.Context) Result {
	if err := c.flag.Clear(); err != nil {
		return Result{Message: fmt.Sprintf("clear emergency flag: %v", err)}
	}
	for id, err := range c.pool.Broadcast(ipc.CmdResume) {
		if err != nil {
			c.logger.Warn("resume after emergency clear failed",
				zap.String("account", id), zap.Error(err))
		}
	}
	return Result{Success: true, Status: "cleared", Message: "emergency stop cleared"}
}

// ValidateConfig dry-runs the on-disk configuration document. The live set
// is not touched; violations come back as hints.
func (c *Control) ValidateConfig(context.Context) Result {
	errs, err := c.store.CheckFile()
	if err != nil {
		return Result{Message: fmt.Sprintf("configuration unreadable: %v", err)}
	}
	if len(errs) > 0 {
		hints := make([]string, len(errs))
		for i, e := range errs {
			hints[i] = e.Error()
		}
		return Result{
			Status:  "invalid",
			Message: fmt.Sprintf("%d validation errors", len(errs)),
			Hints:   hints,
		}
	}
	return Result{Success: true, Status: "valid", Message: "configuration document is valid"}
}

// RestartAccount force-restarts one worker.
func (c *Control) RestartAccount(ctx context.Context, accountID string) Result {
	if err := c.pool.StopWorker(ctx, accountID); err != nil {
		return Result{Message: fmt.Sprintf("stop failed: %v", err)}
	}
	if err := c.pool.StartWorker(ctx, accountID); err != nil {
		return Result{Message: fmt.Sprintf("start failed: %v", err)}
	}
	return Result{Success: true, Status: "ready", Message: "worker restarted"}
}

func (c *Control) workerLive(accountID string) bool {
	for _, id := range c.pool.ListActive() {
		if id == accountID {
			return true
		}
	}
	return false
}

func statusResult(res ipc.Result, message string) Result {
	var st ipc.StatusPayload
	if err := res.DecodePayload(&st); err != nil {
		return Result{Success: true, Message: message}
	}
	return Result{Success: true, Status: st.State, Message: message}
}
