package terminal

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

func TestIsTransientReject(t *testing.T) {
	assert.True(t, IsTransientReject(&RejectError{Code: RetRequote}))
	assert.True(t, IsTransientReject(&RejectError{Code: RetPriceOff}))
	assert.False(t, IsTransientReject(&RejectError{Code: RetNoMoney}))
	assert.False(t, IsTransientReject(&RejectError{Code: RetReject}))
	assert.False(t, IsTransientReject(ErrNotConnected))
	assert.False(t, IsTransientReject(nil))

	// Wrapping must not hide the rejection.
	wrapped := fmt.Errorf("send order: %w", &RejectError{Code: RetRequote})
	assert.True(t, IsTransientReject(wrapped))
}

func TestIsFillModeReject(t *testing.T) {
	assert.True(t, isFillModeReject(&RejectError{Code: RetInvalidFill}))
	assert.False(t, isFillModeReject(&RejectError{Code: RetRequote}))
	assert.False(t, isFillModeReject(ErrTerminalDown))
}

func TestOrderedFillModesPutsPreferredFirst(t *testing.T) {
	modes := orderedFillModes(types.FillModeFOK)
	assert.Equal(t, []types.FillMode{types.FillModeFOK, types.FillModeIOC, types.FillModeReturn}, modes)

	modes = orderedFillModes(types.FillModeIOC)
	assert.Equal(t, []types.FillMode{types.FillModeIOC, types.FillModeFOK, types.FillModeReturn}, modes)
	assert.Len(t, modes, len(types.FillModes))
}

// Exercised under -race: the remembered fill mode is shared between order
// submissions on concurrent cycles.
func TestFillModeMemoryIsConcurrencySafe(t *testing.T) {
	s := NewBridgeSession("ws://localhost:0", zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		mode := types.FillModes[i%len(types.FillModes)]
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.rememberFillMode(mode)
		}()
		go func() {
			defer wg.Done()
			_ = orderedFillModes(s.preferredFillMode())
		}()
	}
	wg.Wait()

	assert.Contains(t, types.FillModes, s.preferredFillMode())
}
