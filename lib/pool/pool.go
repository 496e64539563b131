// Package pool implements a buffer pool similar in concept to
// sync.Pool but with more determinism: buffers have one fixed size,
// the number of idle buffers is capped, and idle buffers that go
// unused for a flush interval are released instead of lingering until
// the next GC cycle.
//
// Packed file writers and readers move slice-sized buffers (tens of
// megabytes) through here, which is exactly the allocation pattern
// sync.Pool handles worst.
package pool

import (
	"fmt"
	"sync"
	"time"
)

// Pool is a fixed buffer-size memory pool.
//
// Get and Put track minFill, the smallest number of idle buffers seen
// since the last flush. Every flushTime that many buffers are dropped:
// they sat idle through a whole interval, so the working set does not
// need them.
type Pool struct {
	mu           sync.Mutex
	idle         [][]byte
	minFill      int
	bufferSize   int
	poolSize     int
	inUse        int
	alloced      int
	timer        *time.Timer
	flushTime    time.Duration
	flushPending bool
}

// New makes a buffer pool.
//
// bufferSize is the size of every buffer, poolSize the maximum number
// of idle buffers kept, and flushTime the interval at which unused
// idle buffers are released.
func New(flushTime time.Duration, bufferSize, poolSize int) *Pool {
	bp := &Pool{
		idle:       make([][]byte, 0, poolSize),
		bufferSize: bufferSize,
		poolSize:   poolSize,
		flushTime:  flushTime,
	}
	bp.timer = time.AfterFunc(flushTime, bp.flushAged)
	return bp
}

// Get returns a buffer of the pool's buffer size, reusing an idle one
// when possible.
func (bp *Pool) Get() []byte {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	var buf []byte
	if n := len(bp.idle); n > 0 {
		buf = bp.idle[n-1]
		bp.idle[n-1] = nil
		bp.idle = bp.idle[:n-1]
	} else {
		buf = make([]byte, bp.bufferSize)
		bp.alloced++
	}
	bp.inUse++
	bp.updateMinFill()
	return buf
}

// Put returns a buffer obtained from Get. The buffer may have been
// resliced shorter; Put restores it from its capacity and panics if it
// was not allocated by this pool's size class.
func (bp *Pool) Put(buf []byte) {
	buf = buf[0:cap(buf)]
	if len(buf) != bp.bufferSize {
		panic(fmt.Sprintf("returning buffer sized %d to a pool of %d byte buffers", len(buf), bp.bufferSize))
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.idle) < bp.poolSize {
		bp.idle = append(bp.idle, buf)
	} else {
		bp.alloced--
	}
	bp.inUse--
	bp.updateMinFill()
	bp.kickFlusher()
}

// Flush releases all idle buffers now.
func (bp *Pool) Flush() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.drop(len(bp.idle))
}

// InUse returns the number of buffers handed out and not yet returned.
func (bp *Pool) InUse() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.inUse
}

// InPool returns the number of idle buffers held.
func (bp *Pool) InPool() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.idle)
}

// Alloced returns the number of buffers allocated and not yet
// released.
func (bp *Pool) Alloced() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.alloced
}

// drop releases n idle buffers and resets minFill. Call with mu held.
func (bp *Pool) drop(n int) {
	for i := 0; i < n; i++ {
		last := len(bp.idle) - 1
		bp.idle[last] = nil
		bp.idle = bp.idle[:last]
		bp.alloced--
	}
	bp.minFill = len(bp.idle)
}

// flushAged releases the buffers that sat idle through the whole
// previous interval.
func (bp *Pool) flushAged() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.flushPending = false
	bp.drop(bp.minFill)
	if len(bp.idle) != 0 {
		bp.kickFlusher()
	}
}

// kickFlusher arms the flush timer if it isn't already. Call with mu
// held.
func (bp *Pool) kickFlusher() {
	if bp.flushPending {
		return
	}
	bp.flushPending = true
	bp.timer.Reset(bp.flushTime)
}

// updateMinFill tracks the low-water mark of the idle list. Call with
// mu held.
func (bp *Pool) updateMinFill() {
	if len(bp.idle) < bp.minFill {
		bp.minFill = len(bp.idle)
	}
}
