// Package workpool provides the process wide worker pool that packed
// file writers and readers schedule their slice encryption, ranged
// read and decryption tasks on.
//
// A single pool bounds global parallelism no matter how many files are
// being written or read at once. Tasks are queued at one of two
// priorities; workers always drain high priority work before touching
// low, which lets interactive loads overtake bulk builds without a
// second pool.
package workpool

import "sync"

// Pool is a fixed size worker pool with a high and a low priority
// queue.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	high    taskQueue
	low     taskQueue
	workers int
	closed  bool
	wg      sync.WaitGroup
}

// taskQueue is a FIFO of pending tasks. Popping shifts a head index
// instead of reslicing so the backing array is reused once drained.
type taskQueue struct {
	tasks []func()
	head  int
}

func (q *taskQueue) push(fn func()) {
	q.tasks = append(q.tasks, fn)
}

func (q *taskQueue) pop() func() {
	if q.head == len(q.tasks) {
		return nil
	}
	fn := q.tasks[q.head]
	q.tasks[q.head] = nil
	q.head++
	if q.head == len(q.tasks) {
		q.tasks = q.tasks[:0]
		q.head = 0
	}
	return fn
}

func (q *taskQueue) len() int {
	return len(q.tasks) - q.head
}

// New makes a pool with the given number of workers. workers must be
// at least 1.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{workers: workers}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Workers returns the pool's worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// High returns the handle that submits at high priority. Readers
// serving queries typically schedule here.
func (p *Pool) High() *Queue {
	return &Queue{p: p, high: true}
}

// Low returns the handle that submits at low priority. Background
// index builds typically schedule here.
func (p *Pool) Low() *Queue {
	return &Queue{p: p, high: false}
}

// Close stops the pool. Queued tasks still run; Close returns once
// every worker has exited. Submitting after Close panics.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) submit(fn func(), high bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		panic("workpool: submit on closed pool")
	}
	if high {
		p.high.push(fn)
	} else {
		p.low.push(fn)
	}
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	p.mu.Lock()
	for {
		fn := p.high.pop()
		if fn == nil {
			fn = p.low.pop()
		}
		if fn == nil {
			if p.closed {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
			continue
		}
		p.mu.Unlock()
		fn()
		p.mu.Lock()
	}
}

// Queue is a submission handle bound to one priority of its pool. It
// is what gets injected into writer and reader options, so the choice
// of priority stays with whoever owns the operation.
type Queue struct {
	p    *Pool
	high bool
}

// Submit schedules fn to run on some pool worker. It returns without
// waiting for fn.
func (q *Queue) Submit(fn func()) {
	q.p.submit(fn, q.high)
}
