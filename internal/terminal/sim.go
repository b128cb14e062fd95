package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// SimSession is a deterministic in-memory terminal used for paper trading
// and tests. Quotes and bars are fed by the caller; orders fill instantly at
// the current quote.
type SimSession struct {
	mu        sync.Mutex
	connected bool
	creds     Credentials

	state   types.AccountState
	symbols map[string]types.SymbolInfo
	ticks   map[string]types.Tick
	bars    map[string][]types.Bar

	positions  map[int64]types.OpenPosition
	nextTicket int64

	// rejectNext holds errors returned by upcoming SendOrder calls, consumed
	// in order. Lets tests script requotes and fill-mode rejections.
	rejectNext []error

	// Modifications records every SL/TP change for assertions.
	Modifications []Modification
	// Orders records every accepted order request.
	Orders []types.OrderRequest
	// PartialCloses records every partial close volume by ticket.
	PartialCloses map[int64][]decimal.Decimal
}

// Modification is one recorded ModifyPosition call.
type Modification struct {
	Ticket int64
	SL     *decimal.Decimal
	TP     *decimal.Decimal
}

// NewSimSession creates an empty simulator with a funded account.
func NewSimSession() *SimSession {
	return &SimSession{
		state: types.AccountState{
			Balance:      decimal.NewFromInt(10000),
			Equity:       decimal.NewFromInt(10000),
			MarginFree:   decimal.NewFromInt(10000),
			Leverage:     100,
			TradeAllowed: true,
		},
		symbols:       make(map[string]types.SymbolInfo),
		ticks:         make(map[string]types.Tick),
		bars:          make(map[string][]types.Bar),
		positions:     make(map[int64]types.OpenPosition),
		nextTicket:    1000,
		PartialCloses: make(map[int64][]decimal.Decimal),
	}
}

// AddSymbol registers symbol metadata.
func (s *SimSession) AddSymbol(info types.SymbolInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[info.Symbol] = info
}

// SetTick sets the current quote for a symbol.
func (s *SimSession) SetTick(symbol string, bid, ask decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[symbol] = types.Tick{Bid: bid, Ask: ask, Time: time.Now()}
}

// SetBars sets the bar history returned by OHLC for a symbol.
func (s *SimSession) SetBars(symbol string, bars []types.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[symbol] = bars
}

// SetAccountState overrides the simulated account snapshot.
func (s *SimSession) SetAccountState(state types.AccountState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// SetTradeAllowed toggles the terminal-side algo-trading switch.
func (s *SimSession) SetTradeAllowed(allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.TradeAllowed = allowed
}

// RejectNext queues errors for upcoming SendOrder calls.
func (s *SimSession) RejectNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = append(s.rejectNext, errs...)
}

// SeedPosition installs an open position directly, as if filled earlier.
func (s *SimSession) SeedPosition(pos types.OpenPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.Ticket == 0 {
		s.nextTicket++
		pos.Ticket = s.nextTicket
	}
	s.positions[pos.Ticket] = pos
}

// Connect marks the simulator connected.
func (s *SimSession) Connect(_ context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.creds = creds
	return nil
}

// Disconnect marks the simulator disconnected.
func (s *SimSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// IsConnected reports the simulated connection state.
func (s *SimSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// AccountState returns the simulated account snapshot.
func (s *SimSession) AccountState(context.Context) (types.AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return types.AccountState{}, ErrNotConnected
	}
	return s.state, nil
}

// SymbolInfo returns registered symbol metadata.
func (s *SimSession) SymbolInfo(_ context.Context, symbol string) (types.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.symbols[symbol]
	if !ok {
		return types.SymbolInfo{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return info, nil
}

// OHLC returns up to count of the seeded bars.
func (s *SimSession) OHLC(_ context.Context, symbol string, _ types.Timeframe, count int) ([]types.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars, ok := s.bars[symbol]
	if !ok || len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s", ErrDataUnavailable, symbol)
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// Tick returns the current seeded quote.
func (s *SimSession) Tick(_ context.Context, symbol string) (types.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.ticks[symbol]
	if !ok {
		return types.Tick{}, fmt.Errorf("%w: no tick for %s", ErrDataUnavailable, symbol)
	}
	return t, nil
}

// SendOrder fills a market order at the current quote, or returns the next
// scripted rejection.
func (s *SimSession) SendOrder(_ context.Context, req types.OrderRequest) (types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rejectNext) > 0 {
		err := s.rejectNext[0]
		s.rejectNext = s.rejectNext[1:]
		if err != nil {
			return types.OrderResult{}, err
		}
	}

	tick, ok := s.ticks[req.Symbol]
	if !ok {
		return types.OrderResult{}, fmt.Errorf("%w: no tick for %s", ErrDataUnavailable, req.Symbol)
	}
	fill := tick.Ask
	if req.Side == types.SideSell {
		fill = tick.Bid
	}

	s.nextTicket++
	ticket := s.nextTicket
	s.positions[ticket] = types.OpenPosition{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Side:       req.Side,
		EntryPrice: fill,
		Volume:     req.Volume,
		SL:         req.SL,
		TP:         req.TP,
		OpenTime:   time.Now(),
	}
	s.Orders = append(s.Orders, req)
	return types.OrderResult{Ticket: ticket, FillPrice: fill}, nil
}

// ModifyPosition updates SL/TP and records the call.
func (s *SimSession) ModifyPosition(_ context.Context, ticket int64, sl, tp *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[ticket]
	if !ok {
		return &RejectError{Code: RetReject, Message: fmt.Sprintf("unknown ticket %d", ticket)}
	}
	if sl != nil {
		pos.SL = *sl
	}
	if tp != nil {
		pos.TP = *tp
	}
	s.positions[ticket] = pos
	s.Modifications = append(s.Modifications, Modification{Ticket: ticket, SL: sl, TP: tp})
	return nil
}

// ClosePosition removes the position fully or shrinks it on partial close.
func (s *SimSession) ClosePosition(_ context.Context, ticket int64, volume decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[ticket]
	if !ok {
		return &RejectError{Code: RetReject, Message: fmt.Sprintf("unknown ticket %d", ticket)}
	}
	if volume.IsZero() || volume.GreaterThanOrEqual(pos.Volume) {
		delete(s.positions, ticket)
		return nil
	}
	pos.Volume = pos.Volume.Sub(volume)
	s.positions[ticket] = pos
	s.PartialCloses[ticket] = append(s.PartialCloses[ticket], volume)
	return nil
}

// Positions lists the open simulated positions.
func (s *SimSession) Positions(context.Context) ([]types.OpenPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.OpenPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

// Position returns one simulated position by ticket.
func (s *SimSession) Position(ticket int64) (types.OpenPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[ticket]
	return p, ok
}
