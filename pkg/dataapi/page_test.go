package dataapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPagePoolReusesReleasedPages(t *testing.T) {
	pool := NewPagePool()
	p1 := pool.Get()
	p1.Len = 10
	p1.Release(1)

	p2 := pool.Get()
	assert.Same(t, p1, p2)
	assert.Equal(t, 0, p2.Len)
	assert.Equal(t, int32(1), p2.RefCount)
}

func TestPageNotReturnedUntilAllMessagesReleased(t *testing.T) {
	pool := NewPagePool()
	p := pool.Get()   // RefCount=1, owned by the reader
	p.Retain(1)        // one message carved from it, RefCount=2
	p.Release(1)       // reader hands off ownership, RefCount=1: still outstanding

	other := pool.Get()
	assert.NotSame(t, p, other) // p still outstanding, pool had to allocate fresh

	p.Release(1) // the message is dispatched, RefCount=0: now freed
	third := pool.Get()
	assert.Same(t, p, third)
}
