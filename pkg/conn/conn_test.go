package conn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	return New(a), New(b)
}

func TestSendRecvWithCRRoundTrips(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() {
		require.NoError(t, client.SendWithCR("get nodeid"))
		require.NoError(t, client.SendEmptyLine())
	}()

	line, err := server.RecvWithCR()
	require.NoError(t, err)
	assert.Equal(t, "get nodeid", line)

	empty, err := server.RecvWithCR()
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}

func TestRecvLineEqualRejectsMismatch(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() { _ = client.SendWithCR("unexpected") }()

	err := server.RecvLineEqual("expected")
	assert.Error(t, err)
}

func TestRecvOptionalLineStartingWithDecimalPushesBackOnMismatch(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() { _ = client.SendWithCR("result: Ok") }()

	v, ok, err := server.RecvOptionalLineStartingWithDecimal("nodeid")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), v)

	// The mismatched line must still be observable by the next receive.
	line, err := server.RecvWithCR()
	require.NoError(t, err)
	assert.Equal(t, "result: Ok", line)
}

func TestRecvLineStartingWithDecimalParsesValue(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() { _ = client.SendWithCR("nodeid: 4") }()

	v, err := server.RecvLineStartingWithDecimal("nodeid")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)
}

func TestRecvLineStartingWithStringParsesValue(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() { _ = client.SendWithCR("result: Ok") }()

	v, err := server.RecvLineStartingWithString("result")
	require.NoError(t, err)
	assert.Equal(t, "Ok", v)
}

func TestStatsAccumulate(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() { _ = client.SendWithCR("hello") }()
	_, err := server.RecvWithCR()
	require.NoError(t, err)

	assert.Equal(t, uint64(1), client.Stats.LinesSent)
	assert.Equal(t, uint64(1), server.Stats.LinesReceived)
	assert.Greater(t, client.Stats.BytesSent, uint64(0))
}
