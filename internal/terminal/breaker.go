package terminal

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// BreakerSettings tunes the circuit breaker wrapping a session.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings returns the production defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerSession decorates a Session with a circuit breaker so a dead
// terminal fails fast instead of stalling every trading cycle on timeouts.
// Rejections with a return code count as successes: the terminal answered.
type BreakerSession struct {
	inner   Session
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerSession wraps inner with a circuit breaker.
func NewBreakerSession(inner Session, settings BreakerSettings, logger *zap.Logger) *BreakerSession {
	log := logger.Named("breaker")
	gb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "terminal",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A coded rejection means the terminal is alive and talking.
			var rej *RejectError
			return errors.As(err, &rej)
		},
	})
	return &BreakerSession{inner: inner, breaker: gb, logger: log}
}

func exec[T any](b *BreakerSession, fn func() (T, error)) (T, error) {
	var zero T
	res, err := b.breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

// Connect passes through; a failed connect should not trip the breaker shut
// before the session ever worked.
func (b *BreakerSession) Connect(ctx context.Context, creds Credentials) error {
	return b.inner.Connect(ctx, creds)
}

func (b *BreakerSession) Disconnect() error { return b.inner.Disconnect() }
func (b *BreakerSession) IsConnected() bool { return b.inner.IsConnected() }

func (b *BreakerSession) AccountState(ctx context.Context) (types.AccountState, error) {
	return exec(b, func() (types.AccountState, error) { return b.inner.AccountState(ctx) })
}

func (b *BreakerSession) SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	return exec(b, func() (types.SymbolInfo, error) { return b.inner.SymbolInfo(ctx, symbol) })
}

func (b *BreakerSession) OHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error) {
	return exec(b, func() ([]types.Bar, error) { return b.inner.OHLC(ctx, symbol, tf, count) })
}

func (b *BreakerSession) Tick(ctx context.Context, symbol string) (types.Tick, error) {
	return exec(b, func() (types.Tick, error) { return b.inner.Tick(ctx, symbol) })
}

func (b *BreakerSession) SendOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	return exec(b, func() (types.OrderResult, error) { return b.inner.SendOrder(ctx, req) })
}

func (b *BreakerSession) ModifyPosition(ctx context.Context, ticket int64, sl, tp *decimal.Decimal) error {
	_, err := exec(b, func() (struct{}, error) { return struct{}{}, b.inner.ModifyPosition(ctx, ticket, sl, tp) })
	return err
}

func (b *BreakerSession) ClosePosition(ctx context.Context, ticket int64, volume decimal.Decimal) error {
	_, err := exec(b, func() (struct{}, error) { return struct{}{}, b.inner.ClosePosition(ctx, ticket, volume) })
	return err
}

func (b *BreakerSession) Positions(ctx context.Context) ([]types.OpenPosition, error) {
	return exec(b, func() ([]types.OpenPosition, error) { return b.inner.Positions(ctx) })
}
