package dataapi

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/iclaustron/gridctl/pkg/log"
)

// acceptPollInterval is the periodic timer §5 requires on every
// blocking accept, so a caller's shutdown request (Deregister closing
// the listener) is noticed promptly even with no connections arriving.
const acceptPollInterval = time.Second

// dependent is one send node this listen-server thread may hand a
// freshly accepted connection to, keyed by the hostname/port the peer
// is expected to connect from.
type dependent struct {
	host string
	port string
	node *SendNode
}

// ListenServerThread owns one listening socket shared by every send
// node expecting an inbound connection from a given (host, port)
// (§4.5.1's "listen-server thread"). It identifies which send node a
// new connection belongs to by matching the accepted connection's
// remote address, and hands over ownership under its own mutex, per
// §5's deadlock discipline (a listen thread acquiring a send node's
// mutex while already holding its own, never the reverse).
type ListenServerThread struct {
	Addr string

	mu         sync.Mutex
	dependents []*dependent
	listener   net.Listener
	stopped    bool
}

// NewListenServerThread builds a ListenServerThread bound to addr; it
// does not start listening until Serve is called.
func NewListenServerThread(addr string) *ListenServerThread {
	return &ListenServerThread{Addr: addr}
}

// Register adds node as a dependent expecting a connection from
// host:port. The thread exits once its last dependent deregisters
// (§5).
func (l *ListenServerThread) Register(host, port string, node *SendNode) {
	l.mu.Lock()
	l.dependents = append(l.dependents, &dependent{host: host, port: port, node: node})
	l.mu.Unlock()
}

// Deregister removes node from the dependents list; if it was the
// last one, the listener is closed and Serve returns.
func (l *ListenServerThread) Deregister(node *SendNode) {
	l.mu.Lock()
	for i, d := range l.dependents {
		if d.node == node {
			l.dependents = append(l.dependents[:i], l.dependents[i+1:]...)
			break
		}
	}
	empty := len(l.dependents) == 0
	listener := l.listener
	if empty {
		l.stopped = true
	}
	l.mu.Unlock()
	if empty && listener != nil {
		listener.Close()
	}
}

// Serve accepts connections until every dependent has deregistered or
// the listener fails, handing each accepted connection to the send
// node whose registered host:port matches the peer's remote address.
func (l *ListenServerThread) Serve() error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("dataapi: listening on %s: %w", l.Addr, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	defer ln.Close()

	type deadlineListener interface {
		net.Listener
		SetDeadline(time.Time) error
	}
	dl, hasDeadline := ln.(deadlineListener)

	for {
		if hasDeadline {
			_ = dl.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("dataapi: accept on %s: %w", l.Addr, err)
		}

		node, ok := l.matchDependent(conn)
		if !ok {
			log.Info(fmt.Sprintf("dataapi: no dependent send node for %s", conn.RemoteAddr()))
			conn.Close()
			continue
		}
		l.mu.Lock()
		node.mu.Lock()
		node.Transport = NewConnTransport(conn)
		node.mu.Unlock()
		l.mu.Unlock()
	}
}

func (l *ListenServerThread) matchDependent(conn net.Conn) (*SendNode, bool) {
	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.dependents {
		if d.host == host && d.port == port {
			return d.node, true
		}
	}
	return nil, false
}
