package pool

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetPut(t *testing.T) {
	bp := New(60*time.Second, 4096, 2)

	assert.Equal(t, 0, bp.InUse())

	b1 := bp.Get()
	assert.Equal(t, 1, bp.InUse())
	assert.Equal(t, 0, bp.InPool())
	assert.Equal(t, 1, bp.Alloced())

	b2 := bp.Get()
	b3 := bp.Get()
	assert.Equal(t, 3, bp.InUse())
	assert.Equal(t, 0, bp.InPool())
	assert.Equal(t, 3, bp.Alloced())

	bp.Put(b1)
	bp.Put(b2)
	assert.Equal(t, 1, bp.InUse())
	assert.Equal(t, 2, bp.InPool())
	assert.Equal(t, 3, bp.Alloced())

	// Pool is full so the third buffer is released
	bp.Put(b3)
	assert.Equal(t, 0, bp.InUse())
	assert.Equal(t, 2, bp.InPool())
	assert.Equal(t, 2, bp.Alloced())

	addr := func(b []byte) string {
		return fmt.Sprintf("%p", &b[0])
	}
	b2a := bp.Get()
	assert.Equal(t, addr(b2), addr(b2a))
	b1a := bp.Get()
	assert.Equal(t, addr(b1), addr(b1a))
	assert.Equal(t, 2, bp.InUse())
	assert.Equal(t, 0, bp.InPool())
	assert.Equal(t, 2, bp.Alloced())

	bp.Put(b1a)
	bp.Put(b2a)

	assert.Panics(t, func() {
		bp.Put(make([]byte, 1))
	})

	bp.Flush()
	assert.Equal(t, 0, bp.InUse())
	assert.Equal(t, 0, bp.InPool())
	assert.Equal(t, 0, bp.Alloced())
}

func TestPutRestoresLength(t *testing.T) {
	bp := New(60*time.Second, 4096, 2)

	buf := bp.Get()
	bp.Put(buf[:17])

	buf = bp.Get()
	assert.Equal(t, 4096, len(buf))
	bp.Put(buf)
	bp.Flush()
}

func TestFlushAged(t *testing.T) {
	// Long flush time so only manual aging happens
	bp := New(100*time.Second, 4096, 2)

	b1 := bp.Get()
	b2 := bp.Get()
	bp.Put(b1)
	bp.Put(b2)

	bp.mu.Lock()
	assert.Equal(t, 0, bp.minFill)
	assert.Equal(t, true, bp.flushPending)
	bp.mu.Unlock()

	// Nothing was idle through the first interval
	bp.flushAged()
	assert.Equal(t, 2, bp.InPool())
	assert.Equal(t, 2, bp.Alloced())
	bp.mu.Lock()
	assert.Equal(t, 2, bp.minFill)
	bp.mu.Unlock()

	// One buffer cycles, so one stayed idle the whole interval
	bp.Put(bp.Get())
	bp.mu.Lock()
	assert.Equal(t, 1, bp.minFill)
	bp.mu.Unlock()

	bp.flushAged()
	assert.Equal(t, 1, bp.InPool())
	assert.Equal(t, 1, bp.Alloced())

	bp.flushAged()
	assert.Equal(t, 0, bp.InPool())
	assert.Equal(t, 0, bp.Alloced())
	bp.mu.Lock()
	assert.Equal(t, false, bp.flushPending)
	bp.mu.Unlock()
}

func TestFlusherTimer(t *testing.T) {
	bp := New(50*time.Millisecond, 4096, 2)

	b1 := bp.Get()
	b2 := bp.Get()
	bp.Put(b1)
	bp.Put(b2)
	assert.Equal(t, 2, bp.InPool())

	// Idle buffers age out without any further Get/Put traffic
	var n int
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		n = bp.InPool()
		if n == 0 {
			break
		}
	}
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, bp.Alloced())
}
