package positions_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/positions"
	"github.com/fxgrid/trading-orchestrator/internal/terminal"
	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func eurusd() types.SymbolInfo {
	return types.SymbolInfo{
		Symbol:   "EURUSD",
		Digits:   5,
		Point:    dec("0.0001"),
		MinLot:   dec("0.01"),
		MaxLot:   dec("100"),
		LotStep:  dec("0.01"),
		PipValue: dec("10"),
	}
}

func defaultPM() config.EffectivePositionManagement {
	return config.EffectivePositionManagement{
		EnableBreakeven:           true,
		BreakevenTriggerPips:      20,
		BreakevenOffsetPips:       2,
		EnableTrailingStop:        true,
		TrailingActivationPips:    25,
		TrailingStopPips:          15,
		EnablePartialClose:        false,
		PartialCloseTriggerPips:   30,
		PartialClosePercent:       50,
		EnableDynamicTP:           false,
		TpExtensionTriggerPercent: 80,
		TpExtensionPips:           20,
	}
}

func seedBuy(sim *terminal.SimSession) types.OpenPosition {
	pos := types.OpenPosition{
		Ticket:     7001,
		Symbol:     "EURUSD",
		Side:       types.SideBuy,
		EntryPrice: dec("1.08500"),
		Volume:     dec("1.00"),
		SL:         dec("1.08300"),
		TP:         dec("1.08900"),
	}
	sim.SeedPosition(pos)
	return pos
}

// feed runs one management pass at the given bid.
func feed(t *testing.T, m *positions.Manager, sim *terminal.SimSession, eff config.EffectivePositionManagement, bid string) {
	t.Helper()
	pos, ok := sim.Position(7001)
	require.True(t, ok)
	tick := types.Tick{Bid: dec(bid), Ask: dec(bid).Add(dec("0.00010"))}
	require.NoError(t, m.ManagePosition(context.Background(), eff, eurusd(), pos, tick))
}

func TestBreakevenFiresOnceAtTrigger(t *testing.T) {
	sim := terminal.NewSimSession()
	seedBuy(sim)
	m := positions.NewManager(zap.NewNop(), sim)
	eff := defaultPM()

	// One pip below the trigger: nothing happens.
	feed(t, m, sim, eff, "1.08690")
	assert.Empty(t, sim.Modifications)

	// Exactly at the 20-pip trigger: SL moves to entry plus offset.
	feed(t, m, sim, eff, "1.08700")
	require.Len(t, sim.Modifications, 1)
	pos, _ := sim.Position(7001)
	assert.True(t, pos.SL.Equal(dec("1.08520")), "got SL %s", pos.SL)

	// Further profit below the trailing activation: break-even never repeats.
	feed(t, m, sim, eff, "1.08720")
	assert.Len(t, sim.Modifications, 1)
}

func TestTrailingActivationAndAdjustment(t *testing.T) {
	sim := terminal.NewSimSession()
	seedBuy(sim)
	m := positions.NewManager(zap.NewNop(), sim)
	eff := defaultPM()

	feed(t, m, sim, eff, "1.08700") // break-even
	feed(t, m, sim, eff, "1.08760") // 26 pips: trailing activates and adjusts
	pos, _ := sim.Position(7001)
	assert.True(t, pos.SL.Equal(dec("1.08610")), "got SL %s", pos.SL)

	st, ok := m.StateOf(7001)
	require.True(t, ok)
	assert.True(t, st.BreakevenSet)
	assert.True(t, st.TrailingActive)

	// Price retreats: the SL never loosens.
	feed(t, m, sim, eff, "1.08740")
	pos, _ = sim.Position(7001)
	assert.True(t, pos.SL.Equal(dec("1.08610")), "got SL %s", pos.SL)

	// New high advances the trail.
	feed(t, m, sim, eff, "1.08800")
	pos, _ = sim.Position(7001)
	assert.True(t, pos.SL.Equal(dec("1.08650")), "got SL %s", pos.SL)
}

func TestPartialCloseOnce(t *testing.T) {
	sim := terminal.NewSimSession()
	seedBuy(sim)
	m := positions.NewManager(zap.NewNop(), sim)
	eff := defaultPM()
	eff.EnableBreakeven = false
	eff.EnableTrailingStop = false
	eff.EnablePartialClose = true

	feed(t, m, sim, eff, "1.08800") // 30 pips
	require.Len(t, sim.PartialCloses[7001], 1)
	assert.True(t, sim.PartialCloses[7001][0].Equal(dec("0.5")))
	pos, _ := sim.Position(7001)
	assert.True(t, pos.Volume.Equal(dec("0.5")))

	feed(t, m, sim, eff, "1.08850")
	assert.Len(t, sim.PartialCloses[7001], 1)
}

func TestDynamicTPExtension(t *testing.T) {
	sim := terminal.NewSimSession()
	seedBuy(sim)
	m := positions.NewManager(zap.NewNop(), sim)
	eff := defaultPM()
	eff.EnableBreakeven = false
	eff.EnableTrailingStop = false
	eff.EnableDynamicTP = true

	// 79% of the way to TP: no extension.
	feed(t, m, sim, eff, "1.08815")
	assert.Empty(t, sim.Modifications)

	// 80%: TP extends by 20 pips.
	feed(t, m, sim, eff, "1.08820")
	require.Len(t, sim.Modifications, 1)
	pos, _ := sim.Position(7001)
	assert.True(t, pos.TP.Equal(dec("1.09100")), "got TP %s", pos.TP)
}

func TestSellSideTrailing(t *testing.T) {
	sim := terminal.NewSimSession()
	sim.SeedPosition(types.OpenPosition{
		Ticket:     7001,
		Symbol:     "EURUSD",
		Side:       types.SideSell,
		EntryPrice: dec("1.08500"),
		Volume:     dec("1.00"),
		SL:         dec("1.08700"),
		TP:         dec("1.08100"),
	})
	m := positions.NewManager(zap.NewNop(), sim)
	eff := defaultPM()
	eff.EnableBreakeven = false

	// 26 pips of profit for a short means the ask dropped to 1.08240.
	pos, _ := sim.Position(7001)
	tick := types.Tick{Bid: dec("1.08230"), Ask: dec("1.08240")}
	require.NoError(t, m.ManagePosition(context.Background(), eff, eurusd(), pos, tick))

	pos, _ = sim.Position(7001)
	assert.True(t, pos.SL.Equal(dec("1.08390")), "got SL %s", pos.SL)
}

func TestSweepDropsClosedTickets(t *testing.T) {
	sim := terminal.NewSimSession()
	seedBuy(sim)
	m := positions.NewManager(zap.NewNop(), sim)

	feed(t, m, sim, defaultPM(), "1.08700")
	_, ok := m.StateOf(7001)
	require.True(t, ok)

	m.Sweep(nil)
	_, ok = m.StateOf(7001)
	assert.False(t, ok)
}
