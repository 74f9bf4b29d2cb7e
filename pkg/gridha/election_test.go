package gridha_test

import (
	"net"
	"testing"
	"time"

	"github.com/iclaustron/gridctl/pkg/gridha"
	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/mgmserver"
	"github.com/iclaustron/gridctl/pkg/paramreg"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestSingleNodeElectionBecomesLeaderAndUpdatesServer(t *testing.T) {
	addr := freePort(t)

	e, err := gridha.New(gridha.Config{
		Grid:     "g1",
		NodeID:   "1",
		BindAddr: addr,
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	defer e.Shutdown()

	require.NoError(t, e.Bootstrap([]gridha.Peer{{NodeID: 1, Addr: addr}}))

	srv := mgmserver.NewServer(gridmodel.NewGrid(), paramreg.Default(), 1)
	srv.IsMaster = false
	e.Attach(srv)

	require.Eventually(t, func() bool {
		return e.IsLeader()
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return srv.IsMaster
	}, 5*time.Second, 20*time.Millisecond)
}
