/*
Package mgmclient is the client side of the management protocol
sessions of spec.md §4.4.3-§4.4.4 and the transporter handshake of §6:
a thin sequence of pkg/conn sends and receives mirroring exactly what
pkg/mgmserver expects on the other end of the connection.
*/
package mgmclient

import (
	"fmt"
	"strings"

	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/griderrs"
	"github.com/iclaustron/gridctl/pkg/gridmodel"
	"github.com/iclaustron/gridctl/pkg/mgmwire"
	"github.com/iclaustron/gridctl/pkg/paramreg"
)

// GetNodeidParams is everything the client sends in a "get nodeid"
// request.
type GetNodeidParams struct {
	Version      paramreg.Version
	NodeType     gridmodel.NodeType
	NodeID       uint32 // 0 means "any"
	User         string
	Password     string
	PublicKey    string
	Endian       string
	LogEvent     uint64
	ClusterID    uint32
	HasClusterID bool
}

// GetNodeid runs the get-nodeid session of §4.4.3 and returns the
// node id the server assigned, or the server's error text.
func GetNodeid(c *conn.Conn, p GetNodeidParams) (uint32, error) {
	if err := c.SendWithCR("get nodeid"); err != nil {
		return 0, err
	}
	if err := c.SendWithCR(fmt.Sprintf("version: %d", uint64(p.Version))); err != nil {
		return 0, err
	}
	if err := c.SendWithCR(fmt.Sprintf("nodetype: %d", int(p.NodeType))); err != nil {
		return 0, err
	}
	if err := c.SendWithCR(fmt.Sprintf("nodeid: %d", p.NodeID)); err != nil {
		return 0, err
	}
	if err := c.SendWithCR(fmt.Sprintf("user: %s", p.User)); err != nil {
		return 0, err
	}
	if err := c.SendWithCR(fmt.Sprintf("password: %s", p.Password)); err != nil {
		return 0, err
	}
	if err := c.SendWithCR(fmt.Sprintf("public key: %s", p.PublicKey)); err != nil {
		return 0, err
	}
	if err := c.SendWithCR(fmt.Sprintf("endian: %s", p.Endian)); err != nil {
		return 0, err
	}
	if err := c.SendWithCR(fmt.Sprintf("log_event: %d", p.LogEvent)); err != nil {
		return 0, err
	}
	if p.HasClusterID {
		if err := c.SendWithCR(fmt.Sprintf("cluster_id: %d", p.ClusterID)); err != nil {
			return 0, err
		}
	}
	if err := c.SendEmptyLine(); err != nil {
		return 0, err
	}

	if err := c.RecvLineEqual("get nodeid reply"); err != nil {
		return 0, err
	}
	nodeID, ok, err := c.RecvOptionalLineStartingWithDecimal("nodeid")
	if err != nil {
		return 0, err
	}
	result, err := c.RecvLineStartingWithString("result")
	if err != nil {
		return 0, err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return 0, err
	}
	if result != "Ok" {
		return 0, fmt.Errorf("%w: get nodeid: %s", griderrs.ErrPeerDeclined, result)
	}
	if !ok {
		return 0, fmt.Errorf("%w: get nodeid reply missing nodeid line", griderrs.ErrProtocol)
	}
	return uint32(nodeID), nil
}

// GetConfig runs the get-config session of §4.4.3 and decodes the
// returned envelope into a ClusterConfig.
func GetConfig(c *conn.Conn, reg *paramreg.Registry, version paramreg.Version, clusterID uint32, clusterName string) (*gridmodel.ClusterConfig, error) {
	if err := c.SendWithCR("get config"); err != nil {
		return nil, err
	}
	if err := c.SendWithCR(fmt.Sprintf("version: %d", uint64(version))); err != nil {
		return nil, err
	}
	if err := c.SendEmptyLine(); err != nil {
		return nil, err
	}

	if err := c.RecvLineEqual("get config reply"); err != nil {
		return nil, err
	}
	result, err := c.RecvLineStartingWithString("result")
	if err != nil {
		return nil, err
	}
	if result != "Ok" {
		return nil, fmt.Errorf("%w: get config: %s", griderrs.ErrPeerDeclined, result)
	}
	length, err := c.RecvLineStartingWithDecimal("Content-Length")
	if err != nil {
		return nil, err
	}
	if _, err := c.RecvLineStartingWithString("Content-Type"); err != nil {
		return nil, err
	}
	if _, err := c.RecvLineStartingWithString("Content-Transfer-Encoding"); err != nil {
		return nil, err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return nil, err
	}

	var bodyLines []string
	for {
		line, err := c.RecvWithCR()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		bodyLines = append(bodyLines, line)
	}

	raw, err := mgmwire.DecodeBase64Lines(strings.Join(bodyLines, "\n"))
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) != length {
		return nil, fmt.Errorf("%w: Content-Length %d does not match decoded size %d", griderrs.ErrProtocol, length, len(raw))
	}
	return mgmwire.Decode(reg, raw, clusterID, clusterName)
}

// ClusterList runs "get cluster list" from the Initial state and
// returns the name/id pairs the server reports.
func ClusterList(c *conn.Conn) (map[string]uint32, error) {
	if err := c.SendWithCR("get cluster list"); err != nil {
		return nil, err
	}
	if err := c.SendEmptyLine(); err != nil {
		return nil, err
	}

	out := make(map[string]uint32)
	for {
		name, ok, err := c.RecvOptionalLineStartingWithString("cluster_name")
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := c.RecvLineEqual(""); err != nil {
				return nil, err
			}
			break
		}
		id, err := c.RecvLineStartingWithDecimal("cluster_id")
		if err != nil {
			return nil, err
		}
		out[name] = uint32(id)
	}
	return out, nil
}

// ReportEvent sends a node-down notification from the Initial state.
func ReportEvent(c *conn.Conn, nodeID uint32, eventType string) error {
	if err := c.SendWithCR("report event"); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("node_id: %d", nodeID)); err != nil {
		return err
	}
	if err := c.SendWithCR(fmt.Sprintf("event_type: %s", eventType)); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	result, err := c.RecvWithCR()
	if err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	if result != "Ok" {
		return fmt.Errorf("%w: report event: %s", griderrs.ErrPeerDeclined, result)
	}
	return nil
}

// GetMgmdNodeid runs "get mgmd nodeid", ending the WaitGetMgmdNodeid
// state on the server.
func GetMgmdNodeid(c *conn.Conn) (uint32, error) {
	if err := c.SendWithCR("get mgmd nodeid"); err != nil {
		return 0, err
	}
	if err := c.SendEmptyLine(); err != nil {
		return 0, err
	}
	if err := c.RecvLineEqual("get mgmd nodeid reply"); err != nil {
		return 0, err
	}
	nodeID, err := c.RecvLineStartingWithDecimal("nodeid")
	if err != nil {
		return 0, err
	}
	result, err := c.RecvLineStartingWithString("result")
	if err != nil {
		return 0, err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return 0, err
	}
	if result != "Ok" {
		return 0, fmt.Errorf("%w: get mgmd nodeid: %s", griderrs.ErrPeerDeclined, result)
	}
	return uint32(nodeID), nil
}

// SetConnectionParameter sends the optional WaitSetConnection command.
// Callers that have nothing to set should skip calling this entirely
// and go straight to ConvertTransporter, per §4.4.4's "may be skipped".
func SetConnectionParameter(c *conn.Conn, params map[string]string) error {
	if err := c.SendWithCR("set connection parameter"); err != nil {
		return err
	}
	for k, v := range params {
		if err := c.SendWithCR(fmt.Sprintf("%s: %s", k, v)); err != nil {
			return err
		}
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	if err := c.RecvLineEqual("set connection parameter reply"); err != nil {
		return err
	}
	result, err := c.RecvLineStartingWithString("result")
	if err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	if result != "Ok" {
		return fmt.Errorf("%w: set connection parameter: %s", griderrs.ErrPeerDeclined, result)
	}
	return nil
}

// ConvertTransporter runs the WaitConvertTransporter exchange; on
// success the connection is ready for TransporterHandshake.
func ConvertTransporter(c *conn.Conn) error {
	if err := c.SendWithCR("convert transporter"); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	if err := c.RecvLineEqual("convert transporter reply"); err != nil {
		return err
	}
	result, err := c.RecvLineStartingWithString("result")
	if err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	if result != "Ok" {
		return fmt.Errorf("%w: convert transporter: %s", griderrs.ErrPeerDeclined, result)
	}
	return nil
}

// TransporterHandshake runs the client side of the post-config
// handshake of §6: announce ourselves, pass the password line, then
// exchange node ids and expect "1 1".
func TransporterHandshake(c *conn.Conn, myNodeID, peerNodeID uint32) error {
	if err := c.SendWithCR("ndbd"); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	if err := c.SendWithCR("ndbd passwd"); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	if err := c.RecvLineEqual("ok"); err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}

	if err := c.SendWithCR(fmt.Sprintf("%d %d", myNodeID, peerNodeID)); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}
	if err := c.RecvLineEqual("1 1"); err != nil {
		return err
	}
	return c.RecvLineEqual("")
}
