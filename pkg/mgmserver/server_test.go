package mgmserver

import (
	"net"
	"testing"

	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/mgmclient"
	"github.com/iclaustron/gridctl/pkg/paramreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (*conn.Conn, *conn.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return conn.New(a), conn.New(b)
}

func buildTestGrid(t *testing.T) *gridmodel.Grid {
	t.Helper()
	reg := paramreg.Default()
	cc := gridmodel.NewClusterConfig(1, "prod", 4)

	d1, err := cc.NewNode(1, gridmodel.NodeDataServer)
	require.NoError(t, err)
	d1.Hostname, d1.NodeDataPath = "data1", "/var/lib/grid/1"
	gridmodel.ApplyDerivationRules(reg, d1)

	d2, err := cc.NewNode(2, gridmodel.NodeDataServer)
	require.NoError(t, err)
	d2.Hostname, d2.NodeDataPath = "data2", "/var/lib/grid/2"
	gridmodel.ApplyDerivationRules(reg, d2)

	api, err := cc.NewNode(3, gridmodel.NodeClient)
	require.NoError(t, err)
	api.Hostname, api.NodeDataPath = "api1", "/var/lib/grid/3"

	mgm, err := cc.NewNode(4, gridmodel.NodeClusterServer)
	require.NoError(t, err)
	mgm.Hostname, mgm.NodeDataPath = "mgm1", "/var/lib/grid/4"

	require.NoError(t, cc.AddComm(&gridmodel.CommSection{
		FirstNodeID: 1, SecondNodeID: 2, ServerNodeID: 1, ServerPort: 1186,
	}))

	grid := gridmodel.NewGrid()
	require.NoError(t, grid.AddCluster(cc))
	return grid
}

func TestGetNodeidSessionAssignsRequestedID(t *testing.T) {
	grid := buildTestGrid(t)
	srv := NewServer(grid, paramreg.Default(), 4)

	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := srv.runInitial(server)
		errCh <- err
	}()

	nodeID, err := mgmclient.GetNodeid(client, mgmclient.GetNodeidParams{
		Version: paramreg.MakeVersion(0, 327948), NodeType: gridmodel.NodeClient, NodeID: 3,
		User: "mysqld", Password: "mysqld", PublicKey: "a public key", Endian: "little",
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), nodeID)
	require.NoError(t, <-errCh)
}

func TestGetNodeidSessionAssignsAnyID(t *testing.T) {
	grid := buildTestGrid(t)
	srv := NewServer(grid, paramreg.Default(), 4)

	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := srv.runInitial(server)
		errCh <- err
	}()

	nodeID, err := mgmclient.GetNodeid(client, mgmclient.GetNodeidParams{
		Version: paramreg.MakeVersion(0, 327948), NodeType: gridmodel.NodeDataServer,
		User: "mysqld", Password: "mysqld", PublicKey: "key", Endian: "little",
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), nodeID)
	require.NoError(t, <-errCh)
}

func TestGetNodeidSessionRejectsUnknownNode(t *testing.T) {
	grid := buildTestGrid(t)
	srv := NewServer(grid, paramreg.Default(), 4)

	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() { _, _ = srv.runInitial(server) }()

	_, err := mgmclient.GetNodeid(client, mgmclient.GetNodeidParams{
		NodeType: gridmodel.NodeDataServer, NodeID: 99, User: "mysqld", Password: "mysqld",
	})
	assert.Error(t, err)
}

func TestStandbyGetNodeidRedirects(t *testing.T) {
	grid := buildTestGrid(t)
	srv := NewServer(grid, paramreg.Default(), 4)
	srv.IsMaster = false
	srv.Policy = DefaultPolicy{Addr: "10.0.0.2:1186"}

	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() { _, _ = srv.runInitial(server) }()

	_, err := mgmclient.GetNodeid(client, mgmclient.GetNodeidParams{NodeType: gridmodel.NodeClient, NodeID: 3})
	assert.Error(t, err)
}

func TestClusterListReportsRegisteredClusters(t *testing.T) {
	grid := buildTestGrid(t)
	srv := NewServer(grid, paramreg.Default(), 4)

	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := srv.runInitial(server)
		errCh <- err
	}()

	list, err := mgmclient.ClusterList(client)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"prod": 1}, list)

	// runInitial is still waiting for the next command; close to unblock it.
	client.Close()
	<-errCh
}

func TestReportEventReturnsOk(t *testing.T) {
	grid := buildTestGrid(t)
	srv := NewServer(grid, paramreg.Default(), 4)

	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() { _, _ = srv.runInitial(server) }()

	require.NoError(t, mgmclient.ReportEvent(client, 1, "node_down"))
}

func TestFullSessionThroughConvertTransporter(t *testing.T) {
	grid := buildTestGrid(t)
	srv := NewServer(grid, paramreg.Default(), 4)

	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(server) }()

	nodeID, err := mgmclient.GetNodeid(client, mgmclient.GetNodeidParams{
		Version: paramreg.MakeVersion(0, 0x50200), NodeType: gridmodel.NodeClient, NodeID: 3,
		User: "mysqld", Password: "mysqld", PublicKey: "key", Endian: "little",
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), nodeID)

	cc, err := mgmclient.GetConfig(client, paramreg.Default(), paramreg.MakeVersion(0, 0x50200), 1, "prod")
	require.NoError(t, err)
	assert.Equal(t, 4, cc.NumNodes())

	mgmdID, err := mgmclient.GetMgmdNodeid(client)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), mgmdID)

	require.NoError(t, mgmclient.ConvertTransporter(client))
	require.NoError(t, <-errCh)
}

func TestFullSessionSkipsOptionalSetConnection(t *testing.T) {
	grid := buildTestGrid(t)
	srv := NewServer(grid, paramreg.Default(), 4)

	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(server) }()

	_, err := mgmclient.GetNodeid(client, mgmclient.GetNodeidParams{
		NodeType: gridmodel.NodeClient, NodeID: 3, User: "mysqld", Password: "mysqld",
	})
	require.NoError(t, err)
	_, err = mgmclient.GetMgmdNodeid(client)
	require.NoError(t, err)

	// Skip SetConnectionParameter entirely, go straight to ConvertTransporter.
	require.NoError(t, mgmclient.ConvertTransporter(client))
	require.NoError(t, <-errCh)
}

func TestTransporterHandshakeRoundTrips(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- ServeTransporterHandshake(server, 4, 4) }()

	require.NoError(t, mgmclient.TransporterHandshake(client, 3, 4))
	require.NoError(t, <-errCh)
}

func TestTransporterHandshakeRejectsWrongPeer(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServeTransporterHandshake(server, 5, 4)
		server.Close()
	}()

	err := mgmclient.TransporterHandshake(client, 3, 4)
	assert.Error(t, err)
	assert.Error(t, <-errCh)
}
