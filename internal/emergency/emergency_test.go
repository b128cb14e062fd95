package emergency_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/emergency"
)

func TestRaiseAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EMERGENCY_STOP")
	f := emergency.NewFlag(path, zap.NewNop())
	assert.False(t, f.Raised())

	require.NoError(t, f.Raise("manual drill"))
	assert.True(t, f.Raised())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "manual drill")

	require.NoError(t, f.Clear())
	assert.False(t, f.Raised())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMarkerSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EMERGENCY_STOP")
	first := emergency.NewFlag(path, zap.NewNop())
	require.NoError(t, first.Raise("broker outage"))

	// A fresh process adopts the marker left behind.
	second := emergency.NewFlag(path, zap.NewNop())
	assert.True(t, second.Raised())
}

func TestRefreshObservesExternalMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EMERGENCY_STOP")
	f := emergency.NewFlag(path, zap.NewNop())
	assert.False(t, f.Refresh())

	// Another process writes the marker.
	require.NoError(t, os.WriteFile(path, []byte("raised"), 0o644))
	assert.True(t, f.Refresh())
	assert.True(t, f.Raised())

	require.NoError(t, os.Remove(path))
	assert.False(t, f.Refresh())
}

func TestClearWithoutMarkerSucceeds(t *testing.T) {
	f := emergency.NewFlag(filepath.Join(t.TempDir(), "EMERGENCY_STOP"), zap.NewNop())
	require.NoError(t, f.Clear())
}
