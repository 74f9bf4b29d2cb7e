package mgmwire

import (
	"testing"

	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/paramreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFourNodeCluster(t *testing.T) *gridmodel.ClusterConfig {
	t.Helper()
	reg := paramreg.Default()
	cc := gridmodel.NewClusterConfig(1, "prod", 4)

	d1, err := cc.NewNode(1, gridmodel.NodeDataServer)
	require.NoError(t, err)
	d1.Hostname = "data1"
	d1.NodeDataPath = "/var/lib/grid/1"
	gridmodel.ApplyDerivationRules(reg, d1)

	d2, err := cc.NewNode(2, gridmodel.NodeDataServer)
	require.NoError(t, err)
	d2.Hostname = "data2"
	d2.NodeDataPath = "/var/lib/grid/2"
	gridmodel.ApplyDerivationRules(reg, d2)

	mgm, err := cc.NewNode(3, gridmodel.NodeClusterServer)
	require.NoError(t, err)
	mgm.Hostname = "mgm1"
	mgm.NodeDataPath = "/var/lib/grid/3"

	api, err := cc.NewNode(4, gridmodel.NodeClient)
	require.NoError(t, err)
	api.Hostname = "api1"
	api.NodeDataPath = "/var/lib/grid/4"

	require.NoError(t, cc.AddComm(&gridmodel.CommSection{
		FirstNodeID: 1, SecondNodeID: 2, ServerNodeID: 1, ServerPort: 1186,
		SendBufferSize: 2097152, ReceiveBufferSize: 2097152, UseChecksum: true,
		MaxWaitInNanos: 250000,
	}))
	require.NoError(t, cc.AddComm(&gridmodel.CommSection{
		FirstNodeID: 1, SecondNodeID: 4, ServerNodeID: 1, ServerPort: 1187,
		SendBufferSize: 1048576, ReceiveBufferSize: 1048576, UseMessageID: true,
		MaxWaitInNanos: 100000,
	}))

	return cc
}

func TestEncodeMagicAndChecksum(t *testing.T) {
	reg := paramreg.Default()
	cc := buildFourNodeCluster(t)

	raw, err := Encode(reg, cc, EncodeOptions{Version: paramreg.MakeVersion(0, 0x50200)})
	require.NoError(t, err)

	require.NoError(t, Verify(raw))
	assert.Equal(t, []byte{'N', 'D', 'B', 'C', 'O', 'N', 'F', 'V'}, raw[:8])
}

func TestBase64RoundTrip(t *testing.T) {
	reg := paramreg.Default()
	cc := buildFourNodeCluster(t)

	raw, err := Encode(reg, cc, EncodeOptions{Version: paramreg.MakeVersion(0, 0x50200)})
	require.NoError(t, err)

	lines := EncodeBase64Lines(raw)
	for _, line := range splitLines(lines) {
		assert.LessOrEqual(t, len(line), bytesPerLine)
	}

	decoded, err := DecodeBase64Lines(lines)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func TestEncodeDecodeRoundTrips(t *testing.T) {
	reg := paramreg.Default()
	cc := buildFourNodeCluster(t)
	opts := EncodeOptions{Version: paramreg.MakeVersion(0, 0x50200)}

	raw, err := Encode(reg, cc, opts)
	require.NoError(t, err)

	got, err := Decode(reg, raw, cc.ClusterID, cc.ClusterName)
	require.NoError(t, err)

	require.Equal(t, cc.NumNodes(), got.NumNodes())

	// buildFourNodeCluster only registers the (1,2) and (1,4) comm
	// sections explicitly; Encode synthesizes the rest of the connected
	// pairs at serialization time, so the decoded set is the full
	// connected mesh: (1,2), (1,3), (1,4), (2,3), (2,4). (3,4) has no
	// transporter since neither 3 (cluster server) nor 4 (client) is a
	// data server.
	require.Equal(t, 5, got.NumComms())
	_, ok := got.LookupComm(3, 4)
	assert.False(t, ok, "api/cluster-server pair has no transporter and must not be synthesized")

	for _, want := range cc.Nodes() {
		gotNode := got.Node(want.NodeID)
		require.NotNil(t, gotNode)
		assert.Equal(t, want.Hostname, gotNode.Hostname)
		assert.Equal(t, want.NodeDataPath, gotNode.NodeDataPath)
		assert.Equal(t, want.Type, gotNode.Type)
	}

	gotComm, ok := got.LookupComm(1, 2)
	require.True(t, ok)
	assert.Equal(t, uint32(1), gotComm.ServerNodeID)
	assert.EqualValues(t, 1186, gotComm.ServerPort)
	assert.True(t, gotComm.UseChecksum)

	synthComm, ok := got.LookupComm(2, 3)
	require.True(t, ok, "(2,3) is a connected pair with no explicit section and must be synthesized")
	assert.Equal(t, uint32(2), synthComm.ServerNodeID, "data-server endpoint is the server per §4.2")
}

func TestEncodeOmitsParamsOutsideVersionWindow(t *testing.T) {
	reg := paramreg.Default()
	cc := buildFourNodeCluster(t)
	entry, ok := reg.ByName("min_free_mem_percent")
	require.True(t, ok)
	cc.Node(1).Set(entry.ConfigID, gridmodel.ParamValue{Uint: 10})

	oldOpts := EncodeOptions{Version: paramreg.MakeVersion(0, 0x50100)}
	raw, err := Encode(reg, cc, oldOpts)
	require.NoError(t, err)
	got, err := Decode(reg, raw, cc.ClusterID, cc.ClusterName)
	require.NoError(t, err)
	_, ok = got.Node(1).Get(entry.ConfigID)
	assert.False(t, ok, "entry with MinNdbVersion above the declared window must be omitted")

	newOpts := EncodeOptions{Version: paramreg.MakeVersion(0, 0x50200)}
	raw, err = Encode(reg, cc, newOpts)
	require.NoError(t, err)
	got, err = Decode(reg, raw, cc.ClusterID, cc.ClusterName)
	require.NoError(t, err)
	v, ok := got.Node(1).Get(entry.ConfigID)
	require.True(t, ok)
	assert.Equal(t, uint64(10), v.Uint)
}

func TestVerifyRejectsCorruptChecksum(t *testing.T) {
	reg := paramreg.Default()
	cc := buildFourNodeCluster(t)
	raw, err := Encode(reg, cc, EncodeOptions{Version: paramreg.MakeVersion(0, 0x50200)})
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF
	assert.Error(t, Verify(raw))
}

func TestVerifyRejectsBadMagic(t *testing.T) {
	reg := paramreg.Default()
	cc := buildFourNodeCluster(t)
	raw, err := Encode(reg, cc, EncodeOptions{Version: paramreg.MakeVersion(0, 0x50200)})
	require.NoError(t, err)

	raw[0] = 'X'
	assert.Error(t, Verify(raw))
}
