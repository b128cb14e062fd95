package worker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxgrid/trading-orchestrator/internal/config"
)

func TestParseArgs(t *testing.T) {
	opts, err := ParseArgs([]string{"--account", "101", "--config", "/etc/orch/config.yaml"})
	require.NoError(t, err)
	assert.Equal(t, int64(101), opts.Account)
	assert.Equal(t, "/etc/orch/config.yaml", opts.ConfigPath)
	assert.NotEmpty(t, opts.BridgeURL)

	_, err = ParseArgs(nil)
	assert.Error(t, err, "account is mandatory")
}

func TestMarkerPathSitsNextToConfig(t *testing.T) {
	assert.Equal(t,
		filepath.Join("/etc/orch", EmergencyMarkerName),
		MarkerPath("/etc/orch/config.yaml"))
}

func TestCredentialsFromNamedEnv(t *testing.T) {
	t.Setenv("BROKER_PASS_101", "hunter2")
	acct := config.AccountConfig{Login: 5001001, Server: "Broker-Live", PasswordEnv: "BROKER_PASS_101"}

	creds, err := credentials(101, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(5001001), creds.Login)
	assert.Equal(t, "hunter2", creds.Password)
	assert.Equal(t, "Broker-Live", creds.Server)
}

func TestCredentialsDefaultEnvName(t *testing.T) {
	t.Setenv("TERMINAL_PASSWORD_101", "hunter2")
	acct := config.AccountConfig{Login: 5001001, Server: "Broker-Live"}

	creds, err := credentials(101, acct)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", creds.Password)
}

func TestCredentialsMissingPasswordFailsForLiveServer(t *testing.T) {
	acct := config.AccountConfig{Login: 5001001, Server: "Broker-Live", PasswordEnv: "UNSET_ENV_VAR_FOR_TEST"}
	_, err := credentials(101, acct)
	assert.Error(t, err)
}

func TestPaperAccountNeedsNoPassword(t *testing.T) {
	acct := config.AccountConfig{Login: 5001001, Server: "paper"}
	creds, err := credentials(101, acct)
	require.NoError(t, err)
	assert.Empty(t, creds.Password)
	assert.True(t, isPaper(acct.Server))
	assert.True(t, isPaper("Paper"))
	assert.False(t, isPaper("Broker-Live"))
}
