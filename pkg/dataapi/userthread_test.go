package dataapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMessage(receiverModuleID uint32, key HandlerKey, body string) []byte {
	total := messageHeaderSize + dispatchHeaderSize + len(body)
	buf := make([]byte, total)
	PutMessageHeader(buf, MessageHeader{MessageSize: uint32(total), ReceiverModuleID: receiverModuleID})
	PutDispatchKey(buf, key)
	copy(buf[messageHeaderSize+dispatchHeaderSize:], body)
	return buf
}

func TestPollDispatchesToRegisteredHandler(t *testing.T) {
	th := NewUserThread()
	key := HandlerKey{Version: 1, MessageID: 7}

	var got string
	th.RegisterHandler(key, func(msg *DispatchedMessage) {
		got = string(msg.Payload[messageHeaderSize+dispatchHeaderSize:])
	})

	payload := buildMessage(3, key, "hello")
	th.postBatch([]*DispatchedMessage{{
		Header:  MessageHeader{ReceiverModuleID: 3},
		Payload: payload,
	}})

	n := th.Poll(time.Second)
	require.Equal(t, 1, n)
	assert.Equal(t, "hello", got)
}

func TestPollTimesOutWhenQueueEmpty(t *testing.T) {
	th := NewUserThread()
	n := th.Poll(10 * time.Millisecond)
	assert.Equal(t, 0, n)
}

func TestPollReleasesPageOnceBatchIsFullyDispatched(t *testing.T) {
	pool := NewPagePool()
	page := pool.Get()
	page.Retain(2) // two messages share this page; RefCount=3

	key := HandlerKey{Version: 1, MessageID: 1}
	th := NewUserThread()
	th.RegisterHandler(key, func(*DispatchedMessage) {})

	m1 := &DispatchedMessage{Header: MessageHeader{ReceiverModuleID: 1}, Payload: buildMessage(1, key, "a"), owningPage: page}
	m2 := &DispatchedMessage{Header: MessageHeader{ReceiverModuleID: 1}, Payload: buildMessage(1, key, "b"), owningPage: page, releaseOnThis: 2}
	th.postBatch([]*DispatchedMessage{m1, m2})

	page.Release(1) // the reader's own hold, mirroring processBuffer's handoff
	require.Equal(t, int32(2), page.RefCount)

	n := th.Poll(time.Second)
	require.Equal(t, 2, n)
	assert.Equal(t, int32(0), page.RefCount)
}
