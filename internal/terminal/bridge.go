package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

const (
	bridgeDialTimeout  = 15 * time.Second
	bridgeWriteWait    = 10 * time.Second
	bridgeCallTimeout  = 30 * time.Second
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 60 * time.Second
	reconnectAttempts  = 8
)

// BridgeSession talks to a local terminal bridge over a websocket carrying
// JSON request/response frames. All calls are serialized on one connection;
// the bridge is effectively single-threaded.
type BridgeSession struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex // serializes calls and guards conn
	conn      *websocket.Conn
	connected bool
	creds     Credentials
	nextID    atomic.Int64

	// fillMode is the last mode the terminal accepted; detected, not
	// configured. Guarded by fillMu because SendOrder touches it outside
	// the call mutex.
	fillMu   sync.Mutex
	fillMode types.FillMode
}

// NewBridgeSession creates a session against the bridge at url.
func NewBridgeSession(url string, logger *zap.Logger) *BridgeSession {
	return &BridgeSession{
		url:      url,
		logger:   logger.Named("bridge"),
		fillMode: types.FillModes[0],
	}
}

type bridgeRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bridgeResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *bridgeError    `json:"error,omitempty"`
}

// Bridge-side error code ranges: negative codes are transport/session level,
// positive codes are terminal trade return codes.
const (
	bridgeCodeAuth        = -401
	bridgeCodeUnknownSym  = -404
	bridgeCodeNoData      = -410
	bridgeCodeTerminalOff = -503
)

// Connect dials the bridge and authenticates the terminal account.
func (s *BridgeSession) Connect(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	s.creds = creds
	if err := s.dialLocked(ctx); err != nil {
		return err
	}
	if err := s.authLocked(ctx); err != nil {
		s.closeLocked()
		return err
	}
	s.connected = true
	s.logger.Info("terminal connected",
		zap.Int64("login", creds.Login),
		zap.String("server", creds.Server))
	return nil
}

func (s *BridgeSession) dialLocked(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: bridgeDialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTerminalDown, s.url, err)
	}
	s.conn = conn
	return nil
}

func (s *BridgeSession) authLocked(ctx context.Context) error {
	params := map[string]interface{}{
		"login":    s.creds.Login,
		"password": s.creds.Password,
		"server":   s.creds.Server,
	}
	var ok struct {
		Connected bool `json:"connected"`
	}
	if err := s.callLocked(ctx, "connect", params, &ok); err != nil {
		return err
	}
	if !ok.Connected {
		return ErrAuth
	}
	return nil
}

// Disconnect closes the bridge connection.
func (s *BridgeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	_ = s.callLocked(context.Background(), "disconnect", nil, nil)
	s.closeLocked()
	s.connected = false
	s.logger.Info("terminal disconnected", zap.Int64("login", s.creds.Login))
	return nil
}

func (s *BridgeSession) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// IsConnected reports the session state.
func (s *BridgeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// call performs one serialized request/response round trip. On transport
// failure it runs a bounded exponential reconnect (1, 2, 4, ... up to 60s)
// and surfaces ErrTerminalDown only after exhaustion. The failed request is
// NOT retried: in-flight order outcomes must be verified by re-reading
// positions, so retry is left to the caller where it is safe.
func (s *BridgeSession) call(ctx context.Context, method string, params, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	err := s.callLocked(ctx, method, params, out)
	if err == nil || !isTransportErr(err) {
		return err
	}

	s.logger.Warn("bridge transport error, reconnecting", zap.String("method", method), zap.Error(err))
	s.closeLocked()
	if rerr := s.reconnectLocked(ctx); rerr != nil {
		s.connected = false
		return rerr
	}
	return err
}

func (s *BridgeSession) reconnectLocked(ctx context.Context) error {
	delay := reconnectBaseDelay
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err := s.dialLocked(ctx); err == nil {
			if err := s.authLocked(ctx); err == nil {
				s.logger.Info("bridge reconnected", zap.Int("attempt", attempt+1))
				return nil
			}
			s.closeLocked()
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
	return fmt.Errorf("%w: reconnect exhausted after %d attempts", ErrTerminalDown, reconnectAttempts)
}

func (s *BridgeSession) callLocked(ctx context.Context, method string, params, out interface{}) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bridgeCallTimeout)
		defer cancel()
	}

	req := bridgeRequest{ID: s.nextID.Add(1), Method: method, Params: params}
	_ = s.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	if err := s.conn.WriteJSON(req); err != nil {
		return &transportError{err}
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(dl)
	}
	for {
		var resp bridgeResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			return &transportError{err}
		}
		if resp.ID != req.ID {
			// Stale response from an abandoned call; skip it.
			continue
		}
		if resp.Error != nil {
			return bridgeErrToSession(resp.Error)
		}
		if out != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("bridge: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "bridge transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransportErr(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func bridgeErrToSession(be *bridgeError) error {
	switch be.Code {
	case bridgeCodeAuth:
		return ErrAuth
	case bridgeCodeUnknownSym:
		return ErrUnknownSymbol
	case bridgeCodeNoData:
		return ErrDataUnavailable
	case bridgeCodeTerminalOff:
		return fmt.Errorf("%w: %s", ErrTerminalDown, be.Message)
	}
	return &RejectError{Code: be.Code, Message: be.Message}
}

// AccountState reads the current account snapshot.
func (s *BridgeSession) AccountState(ctx context.Context) (types.AccountState, error) {
	var st types.AccountState
	err := s.call(ctx, "account_state", nil, &st)
	return st, err
}

// SymbolInfo reads terminal metadata for one symbol.
func (s *BridgeSession) SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	var info types.SymbolInfo
	err := s.call(ctx, "symbol_info", map[string]string{"symbol": symbol}, &info)
	return info, err
}

// OHLC fetches the latest count bars for symbol on tf.
func (s *BridgeSession) OHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error) {
	var bars []types.Bar
	params := map[string]interface{}{"symbol": symbol, "timeframe": string(tf), "count": count}
	if err := s.call(ctx, "ohlc", params, &bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// Tick fetches the latest quote for symbol.
func (s *BridgeSession) Tick(ctx context.Context, symbol string) (types.Tick, error) {
	var t types.Tick
	err := s.call(ctx, "tick", map[string]string{"symbol": symbol}, &t)
	return t, err
}

// SendOrder submits a market order. A rejection for an unsupported fill mode
// is retried transparently with the next acceptable mode; the caller sees a
// single result.
func (s *BridgeSession) SendOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	modes := orderedFillModes(s.preferredFillMode())
	var res types.OrderResult
	var err error
	for _, mode := range modes {
		req.FillMode = mode
		err = s.call(ctx, "order_send", req, &res)
		if err == nil {
			s.rememberFillMode(mode)
			return res, nil
		}
		if !isFillModeReject(err) {
			return types.OrderResult{}, err
		}
		s.logger.Debug("fill mode rejected, trying next",
			zap.String("symbol", req.Symbol),
			zap.String("mode", string(mode)))
	}
	return types.OrderResult{}, err
}

func (s *BridgeSession) preferredFillMode() types.FillMode {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	return s.fillMode
}

func (s *BridgeSession) rememberFillMode(mode types.FillMode) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.fillMode = mode
}

// orderedFillModes lists fill modes starting from the last accepted one.
func orderedFillModes(preferred types.FillMode) []types.FillMode {
	modes := make([]types.FillMode, 0, len(types.FillModes))
	modes = append(modes, preferred)
	for _, m := range types.FillModes {
		if m != preferred {
			modes = append(modes, m)
		}
	}
	return modes
}

// ModifyPosition updates SL and/or TP of an open position.
func (s *BridgeSession) ModifyPosition(ctx context.Context, ticket int64, sl, tp *decimal.Decimal) error {
	params := map[string]interface{}{"ticket": ticket}
	if sl != nil {
		params["sl"] = *sl
	}
	if tp != nil {
		params["tp"] = *tp
	}
	return s.call(ctx, "position_modify", params, nil)
}

// ClosePosition closes a position fully or partially.
func (s *BridgeSession) ClosePosition(ctx context.Context, ticket int64, volume decimal.Decimal) error {
	params := map[string]interface{}{"ticket": ticket}
	if !volume.IsZero() {
		params["volume"] = volume
	}
	return s.call(ctx, "position_close", params, nil)
}

// Positions lists the open positions of the connected account.
func (s *BridgeSession) Positions(ctx context.Context) ([]types.OpenPosition, error) {
	var out []types.OpenPosition
	if err := s.call(ctx, "positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
