// Package emergency implements the file-backed emergency-stop flag. The flag
// survives orchestrator and worker restarts: once raised, no new entries are
// made anywhere until an operator clears it.
package emergency

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Flag is the process-wide emergency switch. The in-memory bit gives cheap
// reads on the hot path; the marker file carries the state across restarts.
type Flag struct {
	path   string
	logger *zap.Logger
	raised atomic.Bool
}

// NewFlag creates the flag backed by the marker file at path, adopting an
// existing marker left by a previous run.
func NewFlag(path string, logger *zap.Logger) *Flag {
	f := &Flag{path: path, logger: logger.Named("emergency")}
	if _, err := os.Stat(path); err == nil {
		f.raised.Store(true)
		f.logger.Warn("emergency marker present from previous run", zap.String("path", path))
	}
	return f
}

// Raised reports whether the emergency stop is active.
func (f *Flag) Raised() bool { return f.raised.Load() }

// Raise activates the emergency stop and persists the marker.
func (f *Flag) Raise(reason string) error {
	f.raised.Store(true)
	body := fmt.Sprintf("raised_at: %s\nreason: %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(f.path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write emergency marker: %w", err)
	}
	f.logger.Error("emergency stop raised", zap.String("reason", reason))
	return nil
}

// Clear deactivates the emergency stop and removes the marker.
func (f *Flag) Clear() error {
	f.raised.Store(false)
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove emergency marker: %w", err)
	}
	f.logger.Info("emergency stop cleared")
	return nil
}

// Refresh re-reads the marker from disk. Workers call this each cycle so a
// flag raised by the control process is observed without IPC.
func (f *Flag) Refresh() bool {
	_, err := os.Stat(f.path)
	raised := err == nil
	was := f.raised.Swap(raised)
	if raised && !was {
		f.logger.Warn("emergency marker appeared", zap.String("path", f.path))
	}
	return raised
}
