package dataapi

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/iclaustron/gridctl/pkg/metrics"
)

// Constants from §4.5.2. MAX_SEND_BUFFERS/MAX_SEND_SIZE bound one
// iovec; MAX_SEND_TIMERS/MAX_SENDS_TRACKED size the adaptive ring.
// original_source/api_dataserver/ic_apid.c names all four but only
// NUM_THREAD_LISTS's value (16) survived into the kept header slice;
// these values are chosen to match that scale, not recovered from a
// missing #define.
const (
	MaxSendBuffers  = 64
	MaxSendSize     = 256 * 1024
	MaxSendTimers   = 16
	MaxSendsTracked = 8
)

// Transport sends a batch of buffers to one peer node. Kept behind an
// interface the same way pkg/pcntrl keeps liveness probing and
// process spawning behind LivenessChecker/Spawner, so SendNode's
// adaptive-send logic is testable without a real socket.
type Transport interface {
	Send(iovec [][]byte) (int, error)
}

// SendNode is the outbound side of one peer connection (§4.5.1's
// "send thread"): a FIFO of pending page buffers plus the adaptive
// send algorithm's state, all behind one mutex per §5's
// shared-resource policy.
type SendNode struct {
	NodeID    uint32
	Transport Transport

	mu          sync.Mutex
	fifo        [][]byte
	sendActive  bool
	stopOrdered bool

	numWaits           uint32
	maxNumWaits        uint32
	firstBufferedTimer time.Time
	maxWaitInNanos     time.Duration

	lastSendTimers     [MaxSendTimers]time.Time
	lastSendTimerIndex int
	totCurrWaitTime    time.Duration
	totWaitTimePlusOne time.Duration
	numStats           uint32
}

// NewSendNode builds a SendNode for peer nodeID, writing through
// transport. maxWaitInNanos is the §4.5.2 ceiling on how long a
// buffered page may wait for company before a forced send decision;
// the adaptive algorithm starts with no waiting allowed and grows
// maxNumWaits as Adjust observes headroom.
func NewSendNode(nodeID uint32, transport Transport, maxWaitInNanos time.Duration) *SendNode {
	return &SendNode{
		NodeID:         nodeID,
		Transport:      transport,
		maxWaitInNanos: maxWaitInNanos,
	}
}

// Submit appends pages to the FIFO (§4.5.2 point 1) and, if no other
// goroutine is already sending for this peer, becomes the sender and
// drives the FIFO until it drains (points 2-3). forceSend skips the
// decision step and always sends now, as a transporter-handshake or
// shutdown path would.
func (s *SendNode) Submit(pages [][]byte, forceSend bool) error {
	s.mu.Lock()
	s.fifo = append(s.fifo, pages...)
	queued := fifoBytes(s.fifo)
	metrics.SendQueuedBytes.WithLabelValues(s.peerLabel()).Set(float64(queued))
	if s.sendActive {
		s.mu.Unlock()
		return nil
	}
	s.sendActive = true
	s.mu.Unlock()
	return s.drive(forceSend)
}

// drive runs as the sender until the FIFO empties, per §4.5.2's
// "after a real send completes ... if the FIFO is now non-empty it
// hands the remainder to the send thread ... and exits; if empty it
// clears send_active." There is no separate background send thread
// here: whichever goroutine became the sender keeps draining the FIFO
// itself, which is equivalent for a FIFO that is only ever appended
// to under the same lock.
func (s *SendNode) drive(forceSend bool) error {
	for {
		s.mu.Lock()
		if len(s.fifo) == 0 || s.stopOrdered {
			s.sendActive = false
			s.mu.Unlock()
			return nil
		}
		iovec, n := s.peekIovecLocked()
		wait := false
		if !forceSend {
			wait = s.decisionLocked(time.Now())
		}
		s.mu.Unlock()

		if wait {
			time.Sleep(sendWaitQuantum)
			continue
		}

		start := time.Now()
		_, err := s.Transport.Send(iovec)
		metrics.SendLatency.Observe(time.Since(start).Seconds())

		s.mu.Lock()
		s.fifo = s.fifo[n:]
		s.recordSendLocked(time.Now())
		queued := fifoBytes(s.fifo)
		s.mu.Unlock()
		metrics.SendQueuedBytes.WithLabelValues(s.peerLabel()).Set(float64(queued))

		if err != nil {
			s.mu.Lock()
			s.sendActive = false
			s.mu.Unlock()
			return fmt.Errorf("dataapi: sending to node %d: %w", s.NodeID, err)
		}
	}
}

// sendWaitQuantum paces the bounded wait a sender takes when the
// decision function chooses to batch rather than send immediately.
const sendWaitQuantum = 200 * time.Microsecond

func (s *SendNode) peekIovecLocked() ([][]byte, int) {
	var iovec [][]byte
	size, n := 0, 0
	for n < len(s.fifo) && n < MaxSendBuffers && size < MaxSendSize {
		iovec = append(iovec, s.fifo[n])
		size += len(s.fifo[n])
		n++
	}
	return iovec, n
}

// decisionLocked implements §4.5.2 point 3, called with s.mu held.
func (s *SendNode) decisionLocked(now time.Time) bool {
	if s.numWaits >= s.maxNumWaits {
		s.firstBufferedTimer = time.Time{}
		s.numWaits = 0
		return false
	}
	if !s.firstBufferedTimer.IsZero() && now.Sub(s.firstBufferedTimer) > s.maxWaitInNanos {
		s.firstBufferedTimer = time.Time{}
		s.numWaits = 0
		return false
	}
	if s.numWaits == 0 {
		s.firstBufferedTimer = now
	}
	s.numWaits++
	metrics.SendWaitsTotal.WithLabelValues(s.peerLabel()).Inc()
	return true
}

// recordSendLocked implements the ring-buffer half of §4.5.2 point 4:
// append current_time, compacting down to the most recent
// MAX_SENDS_TRACKED entries once the ring fills.
func (s *SendNode) recordSendLocked(now time.Time) {
	idx := s.lastSendTimerIndex + 1
	if idx == MaxSendTimers {
		copy(s.lastSendTimers[:MaxSendsTracked], s.lastSendTimers[idx-MaxSendsTracked:idx])
		idx = MaxSendsTracked
	}
	s.lastSendTimers[idx] = now
	s.lastSendTimerIndex = idx
}

// Adjust implements §4.5.2 point 5's background adjust: if the mean
// current wait time exceeds half of max_wait_in_nanos, max_num_waits
// is decremented; if mean-plus-one stays under that limit, it is
// incremented, clamped to [0, MAX_SENDS_TRACKED].
//
// The original indexes last_send_timers by
// last_send_timer_index - max_num_waits (and -1), which can underflow
// before the ring has accumulated that much history; here that is an
// explicit bounds check instead of relying on unsigned wraparound, so
// Adjust is a no-op until enough sends have been recorded.
func (s *SendNode) Adjust() {
	s.mu.Lock()
	defer s.mu.Unlock()

	i1 := s.lastSendTimerIndex - int(s.maxNumWaits)
	i2 := i1 - 1
	if i1 < 0 || i2 < 0 || s.lastSendTimers[i1].IsZero() || s.lastSendTimers[i2].IsZero() {
		return
	}

	now := time.Now()
	s.totCurrWaitTime += now.Sub(s.lastSendTimers[i1])
	s.totWaitTimePlusOne += now.Sub(s.lastSendTimers[i2])
	s.numStats++

	limit := s.maxWaitInNanos / 2
	meanCurr := s.totCurrWaitTime / time.Duration(s.numStats)
	meanPlusOne := s.totWaitTimePlusOne / time.Duration(s.numStats)
	s.totCurrWaitTime = 0
	s.totWaitTimePlusOne = 0
	s.numStats = 0

	if meanCurr > limit && s.maxNumWaits > 0 {
		s.maxNumWaits--
	}
	if meanPlusOne < limit && s.maxNumWaits < MaxSendsTracked {
		s.maxNumWaits++
	}
	metrics.SendMaxNumWaits.WithLabelValues(s.peerLabel()).Set(float64(s.maxNumWaits))
}

// Stop orders the send node to stop draining further submits (§5's
// stop_ordered under the node's mutex).
func (s *SendNode) Stop() {
	s.mu.Lock()
	s.stopOrdered = true
	s.mu.Unlock()
}

func (s *SendNode) peerLabel() string {
	return strconv.FormatUint(uint64(s.NodeID), 10)
}

func fifoBytes(fifo [][]byte) int {
	total := 0
	for _, b := range fifo {
		total += len(b)
	}
	return total
}
