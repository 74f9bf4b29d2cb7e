package dataapi

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/iclaustron/gridctl/pkg/metrics"
)

// dataArrivalTimeout bounds how long a read helper waits for a peer to
// produce data (§5's "Read helpers enforce a 10-second data-arrival
// timeout"). It is applied via deadlineSetter when the peer's reader
// supports it (a real net.Conn does; bytes.Reader in tests does not).
const dataArrivalTimeout = 10 * time.Second

// deadlineSetter is satisfied by net.Conn; readers that don't implement
// it (e.g. bytes.Reader in tests) simply read without a deadline.
type deadlineSetter interface {
	SetReadDeadline(time.Time) error
}

// NumThreadLists is the fan-out degree of §4.5.3 point 3's per-bucket
// anchor lists (NUM_THREAD_LISTS in original_source/api_dataserver/
// ic_apid.c, one of the few constants whose value survived the pack's
// size-capped file selection). A Go port has no need for the original's
// fixed-size anchor array: Dispatcher routes every message straight to
// its target UserThread, which is the semantics NumThreadLists'
// bucketing was approximating, and NumThreadLists itself only appears
// below as the conceptual grouping degree this document's grounding
// refers back to.
const NumThreadLists = 16

// Dispatcher maps a receiver_module_id to the UserThread registered to
// handle it.
type Dispatcher struct {
	mu      sync.RWMutex
	threads map[uint32]*UserThread
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{threads: make(map[uint32]*UserThread)}
}

// Register associates moduleID with thread, overwriting any prior
// registration.
func (d *Dispatcher) Register(moduleID uint32, thread *UserThread) {
	d.mu.Lock()
	d.threads[moduleID] = thread
	d.mu.Unlock()
}

// ThreadFor looks up the thread registered for moduleID.
func (d *Dispatcher) ThreadFor(moduleID uint32) (*UserThread, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.threads[moduleID]
	return t, ok
}

type peerState struct {
	reader   io.Reader
	leftover []byte
}

// ReceiveThread owns a set of peer connections and a pool of shared
// pages (§4.5.1's "receive thread"). Multiple ReceiveThreads typically
// run concurrently, each over a disjoint set of peers.
type ReceiveThread struct {
	ID         int
	Pool       *PagePool
	Dispatcher *Dispatcher

	mu    sync.Mutex
	peers map[uint32]*peerState
}

// NewReceiveThread builds a ReceiveThread drawing pages from pool and
// routing carved messages through dispatcher.
func NewReceiveThread(id int, pool *PagePool, dispatcher *Dispatcher) *ReceiveThread {
	return &ReceiveThread{
		ID:         id,
		Pool:       pool,
		Dispatcher: dispatcher,
		peers:      make(map[uint32]*peerState),
	}
}

// AddPeer assigns peer nodeID's connection to this thread.
func (rt *ReceiveThread) AddPeer(nodeID uint32, r io.Reader) {
	rt.mu.Lock()
	rt.peers[nodeID] = &peerState{reader: r}
	rt.mu.Unlock()
}

// RemovePeer drops nodeID from this thread.
func (rt *ReceiveThread) RemovePeer(nodeID uint32) {
	rt.mu.Lock()
	delete(rt.peers, nodeID)
	rt.mu.Unlock()
}

// ReceiveOnce runs one iteration of §4.5.3 for peer nodeID: acquire a
// page, read up to one page's worth (minus any leftover already
// buffered from the previous iteration), walk it for complete
// messages, post them, and stash any trailing partial message for
// next time.
func (rt *ReceiveThread) ReceiveOnce(nodeID uint32) error {
	rt.mu.Lock()
	st, ok := rt.peers[nodeID]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("dataapi: receive thread %d has no peer %d", rt.ID, nodeID)
	}

	page := rt.Pool.Get()
	if ds, ok := st.reader.(deadlineSetter); ok {
		_ = ds.SetReadDeadline(time.Now().Add(dataArrivalTimeout))
	}
	copy(page.Data[:], st.leftover)
	n, err := st.reader.Read(page.Data[len(st.leftover):PageSize])
	if err != nil {
		page.Release(1)
		return err
	}
	total := len(st.leftover) + n
	page.Len = total
	metrics.ReceivePagesInFlight.Inc()
	defer metrics.ReceivePagesInFlight.Dec()

	consumed := rt.processBuffer(page.Data[:total], page, nodeID)

	remainder := page.Data[consumed:total]
	if len(remainder) > 0 {
		st.leftover = append([]byte(nil), remainder...)
	} else {
		st.leftover = nil
	}

	page.Release(1)
	return nil
}

// processBuffer walks buf carving out complete messages (§4.5.3 point
// 2-3), posts them grouped by target thread (point 4), and returns how
// many leading bytes of buf were consumed.
func (rt *ReceiveThread) processBuffer(buf []byte, page *Page, senderNodeID uint32) int {
	pending := make(map[*UserThread][]*DispatchedMessage)
	offset := 0

	for offset+messageHeaderSize <= len(buf) {
		hdr, ok := peekMessageHeader(buf[offset:])
		if !ok {
			break
		}
		size := int(hdr.MessageSize)
		if size < messageHeaderSize || offset+size > len(buf) {
			break // incomplete message; leave for the next read
		}

		msg := &DispatchedMessage{
			Header:     hdr,
			Payload:    buf[offset : offset+size],
			owningPage: page,
		}
		page.Retain(1)

		if th, ok := rt.Dispatcher.ThreadFor(hdr.ReceiverModuleID); ok {
			pending[th] = append(pending[th], msg)
		} else {
			page.Release(1)
		}
		offset += size
	}

	for th, msgs := range pending {
		msgs[len(msgs)-1].releaseOnThis = int32(len(msgs))
		th.postBatch(msgs)
		metrics.MessagesDispatchedTotal.WithLabelValues(strconv.FormatUint(uint64(msgs[0].Header.ReceiverModuleID), 10)).Add(float64(len(msgs)))
	}

	return offset
}
