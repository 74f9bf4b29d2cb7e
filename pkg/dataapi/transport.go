package dataapi

import "net"

// ConnTransport is the production Transport: a real peer connection
// written to with net.Buffers, Go's vectored-write idiom and the
// direct analogue of the iovec the adaptive send algorithm prepares
// in §4.5.2 point 2.
type ConnTransport struct {
	conn net.Conn
}

// NewConnTransport wraps conn as a Transport.
func NewConnTransport(conn net.Conn) *ConnTransport {
	return &ConnTransport{conn: conn}
}

// Send writes iovec to the peer in one vectored write.
func (c *ConnTransport) Send(iovec [][]byte) (int, error) {
	bufs := net.Buffers(iovec)
	n, err := bufs.WriteTo(c.conn)
	return int(n), err
}
