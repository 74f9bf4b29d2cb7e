package dataapi

import (
	"encoding/binary"
	"sync"
	"time"
)

// HandlerKey identifies a registered message handler by the pair
// §4.5.4 dispatches on.
type HandlerKey struct {
	Version   uint32
	MessageID uint32
}

// Handler processes one dispatched message. The payload has already
// had its byte order fixed up to match the receiver's native order.
type Handler func(msg *DispatchedMessage)

// UserThread is one API consumer's inbound queue (§4.5.1's "user
// thread"): a FIFO of dispatched messages guarded by its own mutex,
// drained by repeated calls to Poll.
type UserThread struct {
	mu       sync.Mutex
	queue    []*DispatchedMessage
	notify   chan struct{}
	handlers map[HandlerKey]Handler
}

// NewUserThread builds an empty UserThread.
func NewUserThread() *UserThread {
	return &UserThread{
		notify:   make(chan struct{}, 1),
		handlers: make(map[HandlerKey]Handler),
	}
}

// RegisterHandler binds key to h; later messages with a matching
// (version, message_id) header are dispatched to h by Poll.
func (t *UserThread) RegisterHandler(key HandlerKey, h Handler) {
	t.mu.Lock()
	t.handlers[key] = h
	t.mu.Unlock()
}

// postBatch appends msgs to the queue under one lock acquisition
// (§4.5.3 point 4's "only the first post into a given thread this
// round takes its lock") and wakes one blocked Poll call.
func (t *UserThread) postBatch(msgs []*DispatchedMessage) {
	t.mu.Lock()
	t.queue = append(t.queue, msgs...)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Poll blocks up to wait for at least one queued message, then drains
// and dispatches everything currently queued (§4.5.4). It returns the
// number of messages dispatched.
func (t *UserThread) Poll(wait time.Duration) int {
	t.mu.Lock()
	empty := len(t.queue) == 0
	t.mu.Unlock()

	if empty {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-t.notify:
		case <-timer.C:
			return 0
		}
	}

	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, msg := range batch {
		fixupByteOrder(msg)
		if key, ok := peekDispatchKey(msg.Payload); ok {
			if h, ok := t.handlerFor(key); ok {
				h(msg)
			}
		}
		if msg.releaseOnThis > 0 && msg.owningPage != nil {
			msg.owningPage.Release(msg.releaseOnThis)
		}
	}
	return len(batch)
}

func (t *UserThread) handlerFor(key HandlerKey) (Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handlers[key]
	return h, ok
}

// fixupByteOrder swaps a message's (version, message_id) dispatch
// header in place if it was sent by a peer of differing endianness
// (§4.5.4: "flagged by bit 0 of word 0", which peekMessageHeader
// already exposes as LittleEndian). The rest of the payload is left
// for the registered Handler to interpret, since the full per-field
// NDB signal layout isn't specified by the kept portion of
// original_source.
func fixupByteOrder(msg *DispatchedMessage) {
	if !msg.Header.LittleEndian {
		return
	}
	if len(msg.Payload) < messageHeaderSize+dispatchHeaderSize {
		return
	}
	for _, off := range [2]int{messageHeaderSize, messageHeaderSize + 4} {
		w := msg.Payload[off : off+4]
		v := binary.LittleEndian.Uint32(w)
		binary.BigEndian.PutUint32(w, v)
	}
}
