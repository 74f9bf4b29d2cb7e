package mgmserver

import (
	"fmt"

	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/mgmwire"
	"github.com/iclaustron/gridctl/pkg/paramreg"
)

// handleGetNodeid reads the "get nodeid" request body, applies the
// master/standby and startup gates of §4.4.4, assigns a node id, and
// sends the reply. It returns the cluster id the client was assigned
// into, for the caller to carry through the later states.
func (s *Server) handleGetNodeid(c *conn.Conn) (uint32, error) {
	req, err := readGetNodeidRequest(c)
	if err != nil {
		return 0, err
	}

	if s.Starting {
		return 0, replyGetNodeidError(c, "not ready")
	}
	if !s.IsMaster && s.Policy != nil {
		if addr, ok := s.Policy.OnStandbyGetNodeid(req); ok {
			return 0, replyGetNodeidError(c, fmt.Sprintf("not master, try another address: %s", addr))
		}
	}

	clusterID := req.ClusterID
	cc, ok := s.clusterByID(clusterID)
	if !ok {
		if !req.HasClusterID && len(s.Grid.Clusters()) == 1 {
			cc = s.Grid.Clusters()[0]
			clusterID = cc.ClusterID
		} else {
			return 0, replyGetNodeidError(c, fmt.Sprintf("no such cluster %d", clusterID))
		}
	}

	nodeID, err := assignNodeID(cc, req.NodeType, req.RequestedNodeID, s.claimedSet(clusterID))
	if err != nil {
		return 0, replyGetNodeidError(c, err.Error())
	}
	if err := replyGetNodeidOk(c, nodeID); err != nil {
		return 0, err
	}
	return clusterID, nil
}

func readGetNodeidRequest(c *conn.Conn) (GetNodeidRequest, error) {
	var req GetNodeidRequest

	v, err := c.RecvLineStartingWithDecimal("version")
	if err != nil {
		return req, err
	}
	req.Version = paramreg.Version(v)

	nt, err := c.RecvLineStartingWithDecimal("nodetype")
	if err != nil {
		return req, err
	}
	req.NodeType = gridmodel.NodeType(nt)

	nodeID, err := c.RecvLineStartingWithDecimal("nodeid")
	if err != nil {
		return req, err
	}
	req.RequestedNodeID = uint32(nodeID)

	if req.User, err = c.RecvLineStartingWithString("user"); err != nil {
		return req, err
	}
	if req.Password, err = c.RecvLineStartingWithString("password"); err != nil {
		return req, err
	}
	if req.PublicKey, err = c.RecvLineStartingWithString("public key"); err != nil {
		return req, err
	}
	if req.Endian, err = c.RecvLineStartingWithString("endian"); err != nil {
		return req, err
	}
	if req.LogEvent, err = c.RecvLineStartingWithDecimal("log_event"); err != nil {
		return req, err
	}
	if cid, ok, err := c.RecvOptionalLineStartingWithDecimal("cluster_id"); err != nil {
		return req, err
	} else if ok {
		req.ClusterID = uint32(cid)
		req.HasClusterID = true
	}

	if err := c.RecvLineEqual(""); err != nil {
		return req, err
	}
	return req, nil
}

func replyGetNodeidError(c *conn.Conn, msg string) error {
	if err := c.SendWithCR("get nodeid reply"); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("result: Error (%s)", msg)); err != nil {
		return err
	}
	return c.SendEmptyLine()
}

func replyGetNodeidOk(c *conn.Conn, nodeID uint32) error {
	if err := c.SendWithCR("get nodeid reply"); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("nodeid: %d", nodeID)); err != nil {
		return err
	}
	if err := c.SendWithCR("result: Ok"); err != nil {
		return err
	}
	return c.SendEmptyLine()
}

// runWaitGetMgmdNodeid services get-config requests until "get mgmd
// nodeid" arrives.
func (s *Server) runWaitGetMgmdNodeid(c *conn.Conn, clusterID uint32) error {
	cc, ok := s.clusterByID(clusterID)
	if !ok {
		return fmt.Errorf("%w: cluster %d vanished mid-session", griderrs.ErrConsistency, clusterID)
	}
	for {
		line, err := c.RecvWithCR()
		if err != nil {
			return err
		}
		switch line {
		case "get config":
			if err := s.handleGetConfig(c, cc); err != nil {
				return err
			}
		case "get mgmd nodeid":
			return s.handleGetMgmdNodeid(c)
		default:
			return fmt.Errorf("%w: unexpected command %q waiting for get mgmd nodeid", griderrs.ErrProtocol, line)
		}
	}
}

func (s *Server) handleGetConfig(c *conn.Conn, cc *gridmodel.ClusterConfig) error {
	v, err := c.RecvLineStartingWithDecimal("version")
	if err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}

	raw, err := mgmwire.Encode(s.Registry, cc, mgmwire.EncodeOptions{Version: paramreg.Version(v)})
	if err != nil {
		return fmt.Errorf("%w: encoding config for cluster %q: %v", griderrs.ErrConfig, cc.ClusterName, err)
	}
	body := mgmwire.EncodeBase64Lines(raw)

	if err := c.SendWithCR("get config reply"); err != nil {
		return err
	}
	if err := c.SendWithCR("result: Ok"); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("Content-Length: %d", len(raw))); err != nil {
		return err
	}
	if err := c.SendWithCR("Content-Type: ndbconfig/octet-stream"); err != nil {
		return err
	}
	if err := c.SendWithCR("Content-Transfer-Encoding: base64"); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	for _, bline := range splitTrimmedLines(body) {
		if err := c.SendWithCR(bline); err != nil {
			return err
		}
	}
	return c.SendEmptyLine()
}

func splitTrimmedLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (s *Server) handleGetMgmdNodeid(c *conn.Conn) error {
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	if err := c.SendWithCR("get mgmd nodeid reply"); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("nodeid: %d", s.MgmdNodeID)); err != nil {
		return err
	}
	if err := c.SendWithCR("result: Ok"); err != nil {
		return err
	}
	return c.SendEmptyLine()
}

// runWaitSetConnection handles the optional "set connection parameter"
// command; a non-matching line is pushed back for WaitConvertTransporter.
func (s *Server) runWaitSetConnection(c *conn.Conn) error {
	line, err := c.RecvWithCR()
	if err != nil {
		return err
	}
	if line != "set connection parameter" {
		c.PushBack(line)
		return nil
	}
	for {
		kv, err := c.RecvWithCR()
		if err != nil {
			return err
		}
		if kv == "" {
			break
		}
	}
	if err := c.SendWithCR("set connection parameter reply"); err != nil {
		return err
	}
	if err := c.SendWithCR("result: Ok"); err != nil {
		return err
	}
	return c.SendEmptyLine()
}

func (s *Server) runWaitConvertTransporter(c *conn.Conn) error {
	if err := c.RecvLineEqual("convert transporter"); err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	if err := c.SendWithCR("convert transporter reply"); err != nil {
		return err
	}
	if err := c.SendWithCR("result: Ok"); err != nil {
		return err
	}
	return c.SendEmptyLine()
}
