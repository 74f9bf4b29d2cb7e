package dataapi

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenServerThreadMatchesDependentByRemoteAddr(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	lst := NewListenServerThread(addr)
	node := NewSendNode(1, nil, time.Millisecond)

	// Reserve a local port up front so the dependent can be registered
	// before the connection is dialed, avoiding a race against Serve's
	// accept loop.
	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	clientAddr := reserve.Addr().(*net.TCPAddr)
	require.NoError(t, reserve.Close())
	lst.Register(clientAddr.IP.String(), strconv.Itoa(clientAddr.Port), node)

	done := make(chan error, 1)
	go func() { done <- lst.Serve() }()

	require.Eventually(t, func() bool {
		lst.mu.Lock()
		defer lst.mu.Unlock()
		return lst.listener != nil
	}, time.Second, 10*time.Millisecond)

	dialer := net.Dialer{LocalAddr: clientAddr}
	conn, err := dialer.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return node.Transport != nil
	}, time.Second, 10*time.Millisecond)

	lst.Deregister(node)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after last dependent deregistered")
	}
}

func TestListenServerThreadDropsUnmatchedConnections(t *testing.T) {
	lst := NewListenServerThread("127.0.0.1:0")
	done := make(chan error, 1)
	go func() { done <- lst.Serve() }()

	require.Eventually(t, func() bool {
		lst.mu.Lock()
		defer lst.mu.Unlock()
		return lst.listener != nil
	}, time.Second, 10*time.Millisecond)

	lst.mu.Lock()
	addr := lst.listener.Addr().String()
	lst.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	// No dependents were ever registered, so the thread has none to
	// lose; stop it directly via a synthetic deregister.
	lst.mu.Lock()
	lst.stopped = true
	listener := lst.listener
	lst.mu.Unlock()
	listener.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after being stopped")
	}
}
