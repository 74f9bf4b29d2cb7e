package mgmserver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/griderrs"
)

// ServeTransporterHandshake runs the server side of the post-config
// transporter handshake of spec.md §6: mirror the client's "ndbd"/
// "ndbd passwd" lines, then verify the peer's declared node ids before
// confirming with "1 1".
func ServeTransporterHandshake(c *conn.Conn, myNodeID, maxNodeID uint32) error {
	if err := c.RecvLineEqual("ndbd"); err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	if err := c.RecvLineEqual("ndbd passwd"); err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}
	if err := c.SendWithCR("ok"); err != nil {
		return err
	}
	if err := c.SendEmptyLine(); err != nil {
		return err
	}

	line, err := c.RecvWithCR()
	if err != nil {
		return err
	}
	peerNodeID, declaredUs, err := parseNodeIDPair(line)
	if err != nil {
		return err
	}
	if err := c.RecvLineEqual(""); err != nil {
		return err
	}

	if peerNodeID < 1 || peerNodeID > maxNodeID {
		return fmt.Errorf("%w: peer node id %d out of range [1,%d]", griderrs.ErrProtocol, peerNodeID, maxNodeID)
	}
	if declaredUs != myNodeID {
		return fmt.Errorf("%w: peer addressed node %d, we are %d", griderrs.ErrProtocol, declaredUs, myNodeID)
	}

	if err := c.SendWithCR("1 1"); err != nil {
		return err
	}
	return c.SendEmptyLine()
}

func parseNodeIDPair(line string) (first, second uint32, err error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("%w: malformed node id pair %q", griderrs.ErrProtocol, line)
	}
	a, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed node id pair %q", griderrs.ErrProtocol, line)
	}
	b, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed node id pair %q", griderrs.ErrProtocol, line)
	}
	return uint32(a), uint32(b), nil
}
