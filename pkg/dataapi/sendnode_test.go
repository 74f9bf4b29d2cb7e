package dataapi

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][][]byte
	fail bool
}

func (f *fakeTransport) Send(iovec [][]byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errSend{}
	}
	cp := make([][]byte, len(iovec))
	for i, b := range iovec {
		cp[i] = append([]byte(nil), b...)
	}
	f.sent = append(f.sent, cp)
	return 0, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type errSend struct{}

func (errSend) Error() string { return "send failed" }

func TestSubmitForceSendWritesImmediately(t *testing.T) {
	ft := &fakeTransport{}
	n := NewSendNode(1, ft, time.Millisecond)

	require.NoError(t, n.Submit([][]byte{[]byte("a"), []byte("b")}, true))
	assert.Equal(t, 1, ft.sentCount())
	assert.False(t, n.sendActive)
}

func TestSubmitWhileSendingDoesNotBlockCaller(t *testing.T) {
	ft := &fakeTransport{}
	n := NewSendNode(1, ft, time.Millisecond)
	n.mu.Lock()
	n.sendActive = true
	n.mu.Unlock()

	require.NoError(t, n.Submit([][]byte{[]byte("x")}, true))
	assert.Equal(t, 0, ft.sentCount())

	n.mu.Lock()
	queued := len(n.fifo)
	n.mu.Unlock()
	assert.Equal(t, 1, queued)
}

func TestSubmitPropagatesTransportError(t *testing.T) {
	ft := &fakeTransport{fail: true}
	n := NewSendNode(1, ft, time.Millisecond)
	err := n.Submit([][]byte{[]byte("a")}, true)
	assert.Error(t, err)
}

func TestDecisionRefusesToWaitPastMaxNumWaits(t *testing.T) {
	n := NewSendNode(1, &fakeTransport{}, time.Hour)
	n.maxNumWaits = 0
	wait := n.decisionLocked(time.Now())
	assert.False(t, wait)
}

func TestDecisionWaitsWithinBudget(t *testing.T) {
	n := NewSendNode(1, &fakeTransport{}, time.Hour)
	n.maxNumWaits = 3
	assert.True(t, n.decisionLocked(time.Now()))
	assert.Equal(t, uint32(1), n.numWaits)
}

func TestDecisionStopsWaitingPastDeadline(t *testing.T) {
	n := NewSendNode(1, &fakeTransport{}, time.Millisecond)
	n.maxNumWaits = 5
	n.firstBufferedTimer = time.Now().Add(-time.Hour)
	wait := n.decisionLocked(time.Now())
	assert.False(t, wait)
	assert.Equal(t, uint32(0), n.numWaits)
}

func TestAdjustIsNoopWithoutEnoughHistory(t *testing.T) {
	n := NewSendNode(1, &fakeTransport{}, time.Millisecond)
	n.maxNumWaits = 2
	n.Adjust() // no send history recorded yet
	assert.Equal(t, uint32(2), n.maxNumWaits)
}

func TestPeekIovecRespectsMaxSendBuffers(t *testing.T) {
	n := NewSendNode(1, &fakeTransport{}, time.Millisecond)
	for i := 0; i < MaxSendBuffers+5; i++ {
		n.fifo = append(n.fifo, []byte{byte(i)})
	}
	iovec, consumed := n.peekIovecLocked()
	assert.Len(t, iovec, MaxSendBuffers)
	assert.Equal(t, MaxSendBuffers, consumed)
}

func TestFIFOOrderPreservedAcrossSubmits(t *testing.T) {
	ft := &fakeTransport{}
	n := NewSendNode(1, ft, time.Millisecond)
	require.NoError(t, n.Submit([][]byte{[]byte("1")}, true))
	require.NoError(t, n.Submit([][]byte{[]byte("2")}, true))
	require.NoError(t, n.Submit([][]byte{[]byte("3")}, true))

	require.Len(t, ft.sent, 3)
	assert.Equal(t, []byte("1"), ft.sent[0][0])
	assert.Equal(t, []byte("2"), ft.sent[1][0])
	assert.Equal(t, []byte("3"), ft.sent[2][0])
}
