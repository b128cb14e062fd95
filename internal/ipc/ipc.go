// Package ipc defines the line-delimited JSON protocol between the
// orchestrator and its worker processes. Commands flow down the worker's
// stdin, results flow back up its stdout; one message per line.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandType enumerates orchestrator-to-worker commands.
type CommandType string

const (
	CmdStart            CommandType = "start"
	CmdStop             CommandType = "stop"
	CmdPause            CommandType = "pause"
	CmdResume           CommandType = "resume"
	CmdExecuteCycle     CommandType = "execute_cycle"
	CmdGetStatus        CommandType = "get_status"
	CmdCheckAutoTrading CommandType = "check_auto_trading"
	CmdShutdown         CommandType = "shutdown"
)

// ResultType enumerates worker-to-orchestrator results.
type ResultType string

const (
	ResReady             ResultType = "ready"
	ResCycleComplete     ResultType = "cycle_complete"
	ResStatusUpdate      ResultType = "status_update"
	ResAutoTradingStatus ResultType = "auto_trading_status"
	ResError             ResultType = "error"
	ResClosed            ResultType = "closed"
)

// Command is one orchestrator-to-worker message. ID correlates the worker's
// reply; unsolicited results carry an empty ID.
type Command struct {
	ID   string          `json:"id"`
	Type CommandType     `json:"type"`
	Args json.RawMessage `json:"args,omitempty"`
}

// NewCommand builds a command with a fresh correlation ID.
func NewCommand(t CommandType) Command {
	return Command{ID: uuid.NewString(), Type: t}
}

// Result is one worker-to-orchestrator message.
type Result struct {
	ID        string          `json:"id,omitempty"`
	AccountID string          `json:"accountId"`
	Type      ResultType      `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Time      time.Time       `json:"time"`
}

// CyclePayload summarizes one trading cycle.
type CyclePayload struct {
	Trades  int      `json:"trades"`
	Signals int      `json:"signals"`
	Skips   int      `json:"skips"`
	Errors  []string `json:"errors,omitempty"`
}

// StatusPayload is the worker's answer to a status query.
type StatusPayload struct {
	State         string    `json:"state"`
	OpenPositions int       `json:"openPositions"`
	LastCycleAt   time.Time `json:"lastCycleAt,omitempty"`
}

// AutoTradingPayload reports the terminal-side autotrading switch.
type AutoTradingPayload struct {
	Enabled      bool   `json:"enabled"`
	TradeAllowed bool   `json:"tradeAllowed"`
	Message      string `json:"message,omitempty"`
}

// ErrorPayload describes a worker-side failure.
type ErrorPayload struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// NewResult builds a result stamped with the current time.
func NewResult(accountID string, t ResultType) Result {
	return Result{AccountID: accountID, Type: t, Time: time.Now().UTC()}
}

// WithPayload attaches a JSON-encoded payload.
func (r Result) WithPayload(v interface{}) (Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return r, fmt.Errorf("encode %s payload: %w", r.Type, err)
	}
	r.Payload = raw
	return r, nil
}

// DecodePayload unmarshals the payload into v.
func (r Result) DecodePayload(v interface{}) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("result %s has no payload", r.Type)
	}
	return json.Unmarshal(r.Payload, v)
}

// maxLineBytes bounds a single protocol line. A line past this is a protocol
// violation, not a framing accident.
const maxLineBytes = 1 << 20

// Encoder writes protocol messages one per line. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder wraps w for message writing.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message and flushes.
func (e *Encoder) Encode(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(raw); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads protocol messages one per line.
type Decoder struct {
	s *bufio.Scanner
}

// NewDecoder wraps r for message reading.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Decoder{s: s}
}

// Decode reads the next message into v. Returns io.EOF at end of stream.
func (d *Decoder) Decode(v interface{}) error {
	for d.s.Scan() {
		line := d.s.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		return nil
	}
	if err := d.s.Err(); err != nil {
		return err
	}
	return io.EOF
}
