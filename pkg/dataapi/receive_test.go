package dataapi

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiveOnceDispatchesCompleteMessage(t *testing.T) {
	pool := NewPagePool()
	dispatcher := NewDispatcher()
	th := NewUserThread()
	key := HandlerKey{Version: 1, MessageID: 42}
	dispatcher.Register(9, th)

	var got string
	th.RegisterHandler(key, func(msg *DispatchedMessage) {
		got = string(msg.Payload[messageHeaderSize+dispatchHeaderSize:])
	})

	rt := NewReceiveThread(0, pool, dispatcher)
	msg := buildMessage(9, key, "payload")
	rt.AddPeer(5, bytes.NewReader(msg))

	require.NoError(t, rt.ReceiveOnce(5))
	n := th.Poll(time.Second)
	require.Equal(t, 1, n)
	assert.Equal(t, "payload", got)
}

func TestReceiveOnceBuffersIncompleteTrailingMessage(t *testing.T) {
	pool := NewPagePool()
	dispatcher := NewDispatcher()
	th := NewUserThread()
	key := HandlerKey{Version: 1, MessageID: 1}
	dispatcher.Register(2, th)
	th.RegisterHandler(key, func(*DispatchedMessage) {})

	full := buildMessage(2, key, "complete")
	partial := buildMessage(2, key, "x")
	partial = partial[:len(partial)-2] // truncate, simulating a short read

	rt := NewReceiveThread(0, pool, dispatcher)
	rt.AddPeer(1, bytes.NewReader(append(append([]byte(nil), full...), partial...)))

	require.NoError(t, rt.ReceiveOnce(1))
	n := th.Poll(10 * time.Millisecond)
	assert.Equal(t, 1, n)

	rt.mu.Lock()
	leftover := len(rt.peers[1].leftover)
	rt.mu.Unlock()
	assert.Equal(t, len(partial), leftover)
}

func TestProcessBufferDropsMessagesWithNoRegisteredThread(t *testing.T) {
	pool := NewPagePool()
	dispatcher := NewDispatcher() // nothing registered
	rt := NewReceiveThread(0, pool, dispatcher)

	page := pool.Get()
	msg := buildMessage(99, HandlerKey{Version: 1, MessageID: 1}, "orphan")
	copy(page.Data[:], msg)
	page.Len = len(msg)

	consumed := rt.processBuffer(page.Data[:len(msg)], page, 1)
	assert.Equal(t, len(msg), consumed)
}
