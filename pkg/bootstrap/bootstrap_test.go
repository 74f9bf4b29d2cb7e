package bootstrap

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iclaustron/gridctl/pkg/configfile"
	"github.com/iclaustron/gridctl/pkg/paramreg"
)

const sampleYAML = `
clusters:
  - name: prod
    id: 1
    password: secret
    nodes:
      - id: 1
        type: data-server
        hostname: db1.example.com
        data_path: /var/lib/grid/1
      - id: 2
        type: data-server
        hostname: db2.example.com
        data_path: /var/lib/grid/2
      - id: 3
        type: cluster-server
        hostname: mgmt.example.com
      - id: 4
        type: client
        hostname: app.example.com
        params:
          max_scan_batch_size: "30000"
`

func TestLoadParsesTopology(t *testing.T) {
	top, err := Load(strings.NewReader(sampleYAML))
	require.NoError(t, err)
	require.Len(t, top.Clusters, 1)
	assert.Equal(t, "prod", top.Clusters[0].Name)
	assert.Len(t, top.Clusters[0].Nodes, 4)
}

func TestExpandBuildsGridWithConnectedCommMesh(t *testing.T) {
	reg := paramreg.Default()
	top, err := Load(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	grid, index, err := Expand(reg, top)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, "secret", index[0].Password)

	cc, ok := grid.Cluster("prod")
	require.True(t, ok)
	assert.Equal(t, 4, cc.NumNodes())

	// 4 nodes -> 6 unordered pairs, but the api/cluster-server pair
	// (3,4) has no transporter since neither endpoint is a data server;
	// only the 5 connected pairs are synthesized.
	assert.Equal(t, 5, cc.NumComms())

	n1 := cc.Node(1)
	fsPath, ok := n1.GetString(mustID(t, reg, "filesystem_path"))
	require.True(t, ok)
	assert.Equal(t, "/var/lib/grid/1", fsPath)

	n4 := cc.Node(4)
	batchSizeID := mustID(t, reg, "max_scan_batch_size")
	v, ok := n4.Get(batchSizeID)
	require.True(t, ok)
	assert.Equal(t, uint64(30000), v.Uint)
}

func TestExpandRejectsUnknownNodeType(t *testing.T) {
	yamlSrc := `
clusters:
  - name: prod
    id: 1
    nodes:
      - id: 1
        type: quantum-server
        hostname: h1
`
	reg := paramreg.Default()
	top, err := Load(strings.NewReader(yamlSrc))
	require.NoError(t, err)
	_, _, err = Expand(reg, top)
	assert.Error(t, err)
}

func TestExpandedGridWritesThroughConfigfile(t *testing.T) {
	reg := paramreg.Default()
	top, err := Load(strings.NewReader(sampleYAML))
	require.NoError(t, err)
	grid, index, err := Expand(reg, top)
	require.NoError(t, err)

	var indexBuf bytes.Buffer
	require.NoError(t, configfile.WriteGridIndex(&indexBuf, index))
	assert.Contains(t, indexBuf.String(), "cluster_name: prod")

	cc, _ := grid.Cluster("prod")
	var clusterBuf bytes.Buffer
	require.NoError(t, configfile.WriteClusterFile(&clusterBuf, reg, cc))
	assert.Contains(t, clusterBuf.String(), "[data server]")
	assert.Contains(t, clusterBuf.String(), "[socket]")
}

func mustID(t *testing.T, reg *paramreg.Registry, name string) uint16 {
	t.Helper()
	e, ok := reg.ByName(name)
	require.True(t, ok, "missing parameter %q", name)
	return e.ConfigID
}
