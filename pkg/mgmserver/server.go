/*
Package mgmserver is the server side of the management protocol state
machine (component F, spec.md §4.4.3-§4.4.4): the run-server sequence
Initial -> WaitGetMgmdNodeid -> WaitSetConnection -> WaitConvertTransporter
driven on one pkg/conn connection per client session.

"WaitGetNodeid" in §4.4.4's state list is Initial's own job here: every
command Initial accepts (get cluster list, report event, get nodeid) is
handled in one loop, and receiving get nodeid is what ends it. Between
a successful get nodeid reply and the client sending "get mgmd nodeid",
the client is expected to fetch its configuration, so that interval
additionally services repeated "get config" requests; this is a
judgment call the distilled protocol text leaves implicit (§4.4.3 shows
get config following get nodeid with no state name of its own).
*/
package mgmserver

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/log"
	"github.com/iclaustron/gridctl/pkg/metrics"
	"github.com/iclaustron/gridctl/pkg/paramreg"
)

// GetNodeidRequest is the parsed body of a "get nodeid" command.
type GetNodeidRequest struct {
	Version         paramreg.Version
	NodeType        gridmodel.NodeType
	RequestedNodeID uint32
	User            string
	Password        string
	PublicKey       string
	Endian          string
	LogEvent        uint64
	ClusterID       uint32
	HasClusterID    bool
}

// Policy is consulted for decisions the original left as implementer
// stubs; see the master/standby Open Question in SPEC_FULL.md.
type Policy interface {
	// OnStandbyGetNodeid is called when the server is a non-master
	// standby cluster server handling a "get nodeid" request. Returning
	// ok=true redirects the client to addr via the "try another
	// address" error of §4.4.4; ok=false serves the request normally.
	OnStandbyGetNodeid(req GetNodeidRequest) (addr string, ok bool)
}

// DefaultPolicy always redirects standby get-nodeid requests to Addr,
// the safe default named in SPEC_FULL.md's Open Question #3: falling
// through to success is not a safe default for a from-scratch port.
type DefaultPolicy struct {
	Addr string
}

func (p DefaultPolicy) OnStandbyGetNodeid(GetNodeidRequest) (string, bool) {
	return p.Addr, true
}

// Server holds the state a run-server session needs: the grid this
// cluster server is authoritative for, the parameter registry used to
// encode configs, and this server's own identity within the grid.
type Server struct {
	Grid     *gridmodel.Grid
	Registry *paramreg.Registry

	// MgmdNodeID is this server's own node id, returned by "get mgmd
	// nodeid".
	MgmdNodeID uint32

	// IsMaster and Starting model the master/standby and startup gating
	// of §4.4.4. A non-master server redirects per Policy; a starting
	// server (master or not) always replies "not ready".
	IsMaster bool
	Starting bool
	Policy   Policy

	claims map[uint32]map[uint32]bool // cluster_id -> node_id -> claimed
}

// NewServer builds a Server ready to accept sessions. It defaults to
// master, not starting, with a DefaultPolicy whose Addr is empty; the
// policy is only consulted once IsMaster is set false by the caller,
// typically pkg/gridha on a leadership change.
func NewServer(grid *gridmodel.Grid, reg *paramreg.Registry, mgmdNodeID uint32) *Server {
	return &Server{
		Grid:       grid,
		Registry:   reg,
		MgmdNodeID: mgmdNodeID,
		IsMaster:   true,
		Policy:     DefaultPolicy{},
		claims:     make(map[uint32]map[uint32]bool),
	}
}

// Serve drives one client connection through Initial, WaitGetMgmdNodeid,
// WaitSetConnection, and WaitConvertTransporter. It returns after the
// "convert transporter reply" is sent; the caller is responsible for
// handing the connection to ServeTransporterHandshake (or closing it)
// since the transporter byte stream is component G's concern, not F's.
func (s *Server) Serve(c *conn.Conn) error {
	sessionID := uuid.NewString()
	slog := log.WithPeerAddr(c.RemoteAddr())
	slog.Info().Str("session_id", sessionID).Msg("mgmserver: session started")

	clusterID, err := s.runInitial(c)
	if err != nil {
		metrics.MgmSessionsTotal.WithLabelValues("error").Inc()
		slog.Warn().Str("session_id", sessionID).Err(err).Msg("mgmserver: session failed in initial state")
		return err
	}

	if err := s.runWaitGetMgmdNodeid(c, clusterID); err != nil {
		metrics.MgmSessionsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := s.runWaitSetConnection(c); err != nil {
		metrics.MgmSessionsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := s.runWaitConvertTransporter(c); err != nil {
		metrics.MgmSessionsTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.MgmSessionsTotal.WithLabelValues("ok").Inc()
	slog.Info().Str("session_id", sessionID).Msg("mgmserver: session reached transporter conversion")
	return nil
}

// runInitial loops over get-cluster-list and report-event requests
// until a get-nodeid request arrives, handles it, and returns the
// cluster id the client was assigned into.
func (s *Server) runInitial(c *conn.Conn) (uint32, error) {
	for {
		line, err := c.RecvWithCR()
		if err != nil {
			return 0, err
		}
		switch line {
		case "get cluster list":
			if err := s.handleGetClusterList(c); err != nil {
				return 0, err
			}
		case "report event":
			if err := handleReportEvent(c); err != nil {
				return 0, err
			}
		case "get nodeid":
			return s.handleGetNodeid(c)
		default:
			return 0, fmt.Errorf("%w: unexpected command %q in initial state", griderrs.ErrProtocol, line)
		}
	}
}

func (s *Server) handleGetClusterList(c *conn.Conn) error {
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	for _, cc := range s.Grid.Clusters() {
		if err := c.SendWithCR(fmt.Sprintf("cluster_name: %s", cc.ClusterName)); err != nil {
			return err
		}
		if err := c.SendWithCR(fmt.Sprintf("cluster_id: %d", cc.ClusterID)); err != nil {
			return err
		}
	}
	return c.SendEmptyLine()
}

func handleReportEvent(c *conn.Conn) error {
	if _, err := c.RecvLineStartingWithDecimal("node_id"); err != nil {
		return err
	}
	if _, err := c.RecvLineStartingWithString("event_type"); err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	if err := c.SendWithCR("Ok"); err != nil {
		return err
	}
	return c.SendEmptyLine()
}

func (s *Server) clusterByID(id uint32) (*gridmodel.ClusterConfig, bool) {
	for _, cc := range s.Grid.Clusters() {
		if cc.ClusterID == id {
			return cc, true
		}
	}
	return nil, false
}

func (s *Server) claimedSet(clusterID uint32) map[uint32]bool {
	m, ok := s.claims[clusterID]
	if !ok {
		m = make(map[uint32]bool)
		s.claims[clusterID] = m
	}
	return m
}

// assignNodeID resolves the node id for a get-nodeid request: an
// explicit non-zero id must name an existing node of the matching
// type; a zero id ("any") claims the first unclaimed node of that
// type, in node_id order.
func assignNodeID(cc *gridmodel.ClusterConfig, nodeType gridmodel.NodeType, requested uint32, claimed map[uint32]bool) (uint32, error) {
	if requested != 0 {
		nc := cc.Node(requested)
		if nc == nil || nc.Type != nodeType {
			return 0, fmt.Errorf("%w: no node %d of type %s in cluster %q", griderrs.ErrConfig, requested, nodeType, cc.ClusterName)
		}
		claimed[requested] = true
		return requested, nil
	}
	for _, nc := range cc.Nodes() {
		if nc.Type == nodeType && !claimed[nc.NodeID] {
			claimed[nc.NodeID] = true
			return nc.NodeID, nil
		}
	}
	return 0, fmt.Errorf("%w: no available node of type %s in cluster %q", griderrs.ErrConfig, nodeType, cc.ClusterName)
}
