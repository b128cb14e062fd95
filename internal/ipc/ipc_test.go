package ipc_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxgrid/trading-orchestrator/internal/ipc"
)

func TestCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := ipc.NewEncoder(&buf)
	dec := ipc.NewDecoder(&buf)

	sent := ipc.NewCommand(ipc.CmdExecuteCycle)
	require.NoError(t, enc.Encode(sent))

	var got ipc.Command
	require.NoError(t, dec.Decode(&got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, ipc.CmdExecuteCycle, got.Type)
	assert.NotEmpty(t, got.ID)
}

func TestResultPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := ipc.NewEncoder(&buf)
	dec := ipc.NewDecoder(&buf)

	res := ipc.NewResult("101", ipc.ResCycleComplete)
	res, err := res.WithPayload(ipc.CyclePayload{Trades: 1, Signals: 3, Skips: 2, Errors: []string{"EURUSD: tick unavailable"}})
	require.NoError(t, err)
	require.NoError(t, enc.Encode(res))

	var got ipc.Result
	require.NoError(t, dec.Decode(&got))
	assert.Equal(t, "101", got.AccountID)

	var payload ipc.CyclePayload
	require.NoError(t, got.DecodePayload(&payload))
	assert.Equal(t, 1, payload.Trades)
	assert.Equal(t, 3, payload.Signals)
	assert.Len(t, payload.Errors, 1)
}

func TestDecoderSkipsBlankLinesAndReportsEOF(t *testing.T) {
	dec := ipc.NewDecoder(bytes.NewBufferString("\n\n{\"id\":\"\",\"type\":\"stop\"}\n\n"))

	var cmd ipc.Command
	require.NoError(t, dec.Decode(&cmd))
	assert.Equal(t, ipc.CmdStop, cmd.Type)

	err := dec.Decode(&cmd)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderRejectsMalformedLine(t *testing.T) {
	dec := ipc.NewDecoder(bytes.NewBufferString("{not json}\n"))
	var cmd ipc.Command
	assert.Error(t, dec.Decode(&cmd))
}

func TestEachCommandGetsFreshID(t *testing.T) {
	a := ipc.NewCommand(ipc.CmdGetStatus)
	b := ipc.NewCommand(ipc.CmdGetStatus)
	assert.NotEqual(t, a.ID, b.ID)
}
