/*
Package conn is the connection abstraction (component A): a framed,
optionally TLS-wrapped byte stream with the line-oriented helpers
the management protocol (§4.4.2) and the process controller protocol
(§4.6) both build on, plus per-connection statistics.

Mirrors the teacher's preference for a thin wrapper struct around
net.Conn (cuemby-warren/pkg/health's TCP dialer) rather than an
interface hierarchy: one concrete Conn type, constructed by Dial or
New, used directly by every protocol package.
*/
package conn

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/iclaustron/gridctl/pkg/griderrs"
)

// ReadTimeout is the data-arrival timeout enforced by the typed
// receive helpers, per §5's "Read helpers enforce a 10-second
// data-arrival timeout."
const ReadTimeout = 10 * time.Second

// Stats accumulates per-connection traffic counters, read under no
// lock since a Conn is only ever driven by one goroutine at a time
// (its owning send/receive/session thread).
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	LinesSent     uint64
	LinesReceived uint64
}

// Conn wraps a net.Conn with the line-oriented protocol helpers and a
// pushback slot so an optional receive that didn't match can hand its
// line back to the next receive call.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader

	pushedBack string
	hasPushed  bool

	Stats Stats
}

// Dial connects to addr. If tlsConfig is non-nil the connection is
// wrapped with TLS immediately (SSL cipher selection itself is out of
// scope per §1; callers supply an already-configured *tls.Config).
func Dial(network, addr string, tlsConfig *tls.Config) (*Conn, error) {
	var (
		raw net.Conn
		err error
	)
	if tlsConfig != nil {
		raw, err = tls.Dial(network, addr, tlsConfig)
	} else {
		raw, err = net.Dial(network, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", griderrs.ErrIO, addr, err)
	}
	return New(raw), nil
}

// New wraps an already-established net.Conn, e.g. one handed off by a
// listen-server thread after Accept.
func New(raw net.Conn) *Conn {
	return &Conn{raw: raw, r: bufio.NewReader(raw)}
}

// Close releases the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// RemoteAddr returns the peer address, used to key send nodes and
// attach pkg/log's WithPeerAddr.
func (c *Conn) RemoteAddr() string {
	if c.raw.RemoteAddr() == nil {
		return ""
	}
	return c.raw.RemoteAddr().String()
}

// SendWithCR writes line with a trailing CR, matching the wire
// framing of §4.4.2 (CR-terminated ASCII lines, not CRLF).
func (c *Conn) SendWithCR(line string) error {
	n, err := c.raw.Write([]byte(line + "\r"))
	if err != nil {
		return fmt.Errorf("%w: send: %v", griderrs.ErrIO, err)
	}
	c.Stats.BytesSent += uint64(n)
	c.Stats.LinesSent++
	return nil
}

// SendEmptyLine writes the bare CR that terminates a request or reply.
func (c *Conn) SendEmptyLine() error { return c.SendWithCR("") }

// RecvWithCR reads one CR-terminated line, stripping the trailing CR.
// It honors a prior pushback and enforces ReadTimeout on the
// underlying connection for the duration of the read.
func (c *Conn) RecvWithCR() (string, error) {
	if c.hasPushed {
		c.hasPushed = false
		line := c.pushedBack
		c.pushedBack = ""
		return line, nil
	}

	if err := c.raw.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return "", fmt.Errorf("%w: set deadline: %v", griderrs.ErrIO, err)
	}
	line, err := c.r.ReadString('\r')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", fmt.Errorf("%w: no data within %s", griderrs.ErrTimeout, ReadTimeout)
		}
		return "", fmt.Errorf("%w: recv: %v", griderrs.ErrIO, err)
	}
	c.Stats.BytesReceived += uint64(len(line))
	c.Stats.LinesReceived++
	return strings.TrimSuffix(line, "\r"), nil
}

// PushBack hands line back so the next RecvWithCR returns it again,
// implementing the optional-receive-helper contract of §4.4.2.
func (c *Conn) PushBack(line string) {
	c.pushedBack = line
	c.hasPushed = true
}

// RecvLineEqual reads a line and requires it to equal want exactly.
func (c *Conn) RecvLineEqual(want string) error {
	got, err := c.RecvWithCR()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: expected %q, got %q", griderrs.ErrProtocol, want, got)
	}
	return nil
}

// RecvLineStartingWithDecimal reads a required line of the form
// "prefix: <decimal>" and returns the parsed value.
func (c *Conn) RecvLineStartingWithDecimal(prefix string) (uint64, error) {
	line, err := c.RecvWithCR()
	if err != nil {
		return 0, err
	}
	v, ok, perr := parsePrefixedDecimal(line, prefix)
	if perr != nil {
		return 0, perr
	}
	if !ok {
		return 0, fmt.Errorf("%w: expected prefix %q, got %q", griderrs.ErrProtocol, prefix, line)
	}
	return v, nil
}

// RecvOptionalLineStartingWithDecimal reads a line; if it starts with
// prefix, returns its decimal value and true. If it does not match,
// the line is pushed back for the next receive and it returns
// (0, false, nil).
func (c *Conn) RecvOptionalLineStartingWithDecimal(prefix string) (uint64, bool, error) {
	line, err := c.RecvWithCR()
	if err != nil {
		return 0, false, err
	}
	v, ok, perr := parsePrefixedDecimal(line, prefix)
	if perr != nil {
		return 0, false, perr
	}
	if !ok {
		c.PushBack(line)
		return 0, false, nil
	}
	return v, true, nil
}

// RecvLineStartingWithString reads a required line of the form
// "prefix: <value>" and returns the trimmed string value.
func (c *Conn) RecvLineStartingWithString(prefix string) (string, error) {
	line, err := c.RecvWithCR()
	if err != nil {
		return "", err
	}
	v, ok := parsePrefixedString(line, prefix)
	if !ok {
		return "", fmt.Errorf("%w: expected prefix %q, got %q", griderrs.ErrProtocol, prefix, line)
	}
	return v, nil
}

// RecvOptionalLineStartingWithString is the optional-variant
// counterpart of RecvLineStartingWithString: on mismatch the line is
// pushed back.
func (c *Conn) RecvOptionalLineStartingWithString(prefix string) (string, bool, error) {
	line, err := c.RecvWithCR()
	if err != nil {
		return "", false, err
	}
	v, ok := parsePrefixedString(line, prefix)
	if !ok {
		c.PushBack(line)
		return "", false, nil
	}
	return v, true, nil
}

func parsePrefixedDecimal(line, prefix string) (uint64, bool, error) {
	v, ok := parsePrefixedString(line, prefix)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q is not a decimal value for %q", griderrs.ErrProtocol, v, prefix)
	}
	return n, true, nil
}

func parsePrefixedString(line, prefix string) (string, bool) {
	want := prefix + ":"
	if !strings.HasPrefix(line, want) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, want)), true
}
