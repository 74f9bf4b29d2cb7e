package dataapi

import (
	"fmt"
	"sync"
	"time"
)

// APID is the top-level data-API instance for one process: the send
// nodes for every peer it talks to, a shared page pool, a dispatcher
// routing carved messages to user threads, and the background adjust
// loop driving each send node's adaptive algorithm. Named after
// IC_APID_GLOBAL in original_source/api_dataserver/ic_apid.c, whose
// role this type mirrors at the granularity this port needs.
type APID struct {
	Pool       *PagePool
	Dispatcher *Dispatcher

	mu        sync.RWMutex
	sendNodes map[uint32]*SendNode

	stopCh chan struct{}
}

// New builds an empty APID. Call AddSendNode/NewUserThread to
// populate it, then Start to begin the background adjust loop.
func New() *APID {
	return &APID{
		Pool:       NewPagePool(),
		Dispatcher: NewDispatcher(),
		sendNodes:  make(map[uint32]*SendNode),
		stopCh:     make(chan struct{}),
	}
}

// AddSendNode registers a SendNode for peer nodeID.
func (a *APID) AddSendNode(node *SendNode) {
	a.mu.Lock()
	a.sendNodes[node.NodeID] = node
	a.mu.Unlock()
}

// SendNode returns the registered SendNode for nodeID, if any.
func (a *APID) SendNode(nodeID uint32) (*SendNode, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.sendNodes[nodeID]
	return n, ok
}

// Submit queues pages for nodeID via its registered SendNode.
func (a *APID) Submit(nodeID uint32, pages [][]byte, forceSend bool) error {
	node, ok := a.SendNode(nodeID)
	if !ok {
		return fmt.Errorf("dataapi: no send node for peer %d", nodeID)
	}
	return node.Submit(pages, forceSend)
}

// Start runs the background adjust loop (§4.5.2 point 5) until Stop is
// called, mirroring the ticker-driven loop shape of
// pkg/worker.HealthMonitor.monitorLoop.
func (a *APID) Start(interval time.Duration) {
	go a.adjustLoop(interval)
}

// Stop ends the background adjust loop.
func (a *APID) Stop() {
	close(a.stopCh)
}

func (a *APID) adjustLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.mu.RLock()
			nodes := make([]*SendNode, 0, len(a.sendNodes))
			for _, n := range a.sendNodes {
				nodes = append(nodes, n)
			}
			a.mu.RUnlock()
			for _, n := range nodes {
				n.Adjust()
			}
		case <-a.stopCh:
			return
		}
	}
}
