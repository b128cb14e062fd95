// Package terminal abstracts the external trading terminal behind a session
// capability set. Callers inside a worker share one session; the session
// serializes terminal calls itself.
package terminal

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// Credentials identify one terminal account. The password is held only in
// memory and must never be logged.
type Credentials struct {
	Login    int64
	Password string
	Server   string
}

// Session is one isolated connection to the trading terminal.
type Session interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect() error
	IsConnected() bool

	AccountState(ctx context.Context) (types.AccountState, error)
	SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error)
	OHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error)
	Tick(ctx context.Context, symbol string) (types.Tick, error)

	SendOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
	// ModifyPosition updates protective levels; nil leaves a level unchanged.
	ModifyPosition(ctx context.Context, ticket int64, sl, tp *decimal.Decimal) error
	// ClosePosition closes volume lots of the position; zero closes it fully.
	ClosePosition(ctx context.Context, ticket int64, volume decimal.Decimal) error
	Positions(ctx context.Context) ([]types.OpenPosition, error)
}

// Sentinel errors for the session failure taxonomy.
var (
	ErrNotConnected    = errors.New("terminal: not connected")
	ErrTerminalDown    = errors.New("terminal: unreachable")
	ErrAuth            = errors.New("terminal: authorization failed")
	ErrUnknownSymbol   = errors.New("terminal: unknown symbol")
	ErrDataUnavailable = errors.New("terminal: data unavailable")
)

// Terminal return codes mirrored from the bridge.
const (
	RetDone        = 10009
	RetRequote     = 10004
	RetReject      = 10006
	RetInvalidFill = 10030
	RetPriceOff    = 10021
	RetNoMoney     = 10019
	RetMarketClosed = 10018
)

// RejectError is an order or modification rejected by the terminal with a
// return code.
type RejectError struct {
	Code    int
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("terminal: rejected with code %d: %s", e.Code, e.Message)
}

// IsTransientReject reports whether the rejection may succeed on an
// immediate retry (requote, price moved).
func IsTransientReject(err error) bool {
	var rej *RejectError
	if !errors.As(err, &rej) {
		return false
	}
	switch rej.Code {
	case RetRequote, RetPriceOff:
		return true
	}
	return false
}

// isFillModeReject reports the specific rejection the session retries
// transparently with the next acceptable fill mode.
func isFillModeReject(err error) bool {
	var rej *RejectError
	return errors.As(err, &rej) && rej.Code == RetInvalidFill
}
