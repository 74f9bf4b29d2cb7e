/*
Package dataapi is the data-API I/O core of component G (spec.md §4.5):
per-peer send nodes driving the adaptive send algorithm (§4.5.2),
receive threads carving NDB messages out of shared pages (§4.5.3), a
listen-server thread matching inbound connections to the send node
that is waiting for them, and user threads dispatching messages to
registered handlers (§4.5.4).

Concurrency here is exactly the §5 shared-resource policy: one mutex
per send node, one per thread connection, one per listen-server
thread, and a page refcount advanced with a single atomic subtract.
There is no channel-based scheduler standing in for that model — the
teacher's own concurrency idiom (plain mutexes plus channels only for
stop signaling, as in pkg/worker.HealthMonitor) is kept throughout.
*/
package dataapi

import (
	"sync"
	"sync/atomic"
)

// PageSize is the fixed size of one buffer-pool page. The original
// ports this from a cluster-wide config parameter; dataapi fixes it,
// since no such parameter exists yet in pkg/paramreg's registry.
const PageSize = 32 * 1024

// Page is one buffer-pool page. RefCount tracks how many messages
// carved out of Data are still undispatched; the page returns to its
// pool only once the count reaches zero (§4.5.3 point 3, §5's "a page
// is not returned to the pool until every message carved from it has
// been dispatched").
type Page struct {
	Data     [PageSize]byte
	Len      int
	RefCount int32
	pool     *PagePool
}

// Retain increments the page's refcount by n. Called once per message
// carved from the page before the message is posted to a user thread.
func (p *Page) Retain(n int32) {
	atomic.AddInt32(&p.RefCount, n)
}

// Release subtracts n from the page's refcount; once it reaches zero
// the page is returned to its pool. Called by a user thread after
// dispatching a batch of messages that shared this page (§4.5.4's
// "if ref_count_releases > 0 ... when the result equals the releases
// count, return the page to its container").
func (p *Page) Release(n int32) {
	if atomic.AddInt32(&p.RefCount, -n) == 0 && p.pool != nil {
		p.pool.put(p)
	}
}

// PagePool lends and reclaims fixed-size Pages. It is a free list
// guarded by a mutex rather than sync.Pool, since pages here carry
// application-visible state (RefCount, Len) that must be reset
// deterministically on return, not garbage-collected opportunistically.
type PagePool struct {
	mu   sync.Mutex
	free []*Page
}

// NewPagePool builds an empty pool; pages are allocated lazily on Get.
func NewPagePool() *PagePool {
	return &PagePool{}
}

// Get returns a page from the free list, or a freshly allocated one
// if the free list is empty.
func (pp *PagePool) Get() *Page {
	pp.mu.Lock()
	n := len(pp.free)
	if n == 0 {
		pp.mu.Unlock()
		return &Page{pool: pp, RefCount: 1}
	}
	p := pp.free[n-1]
	pp.free = pp.free[:n-1]
	pp.mu.Unlock()
	p.RefCount = 1
	p.Len = 0
	return p
}

func (pp *PagePool) put(p *Page) {
	p.Len = 0
	pp.mu.Lock()
	pp.free = append(pp.free, p)
	pp.mu.Unlock()
}
