package queue

import (
	"container/heap"
	"context"
	"runtime/debug"
	"sync"

	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

type job struct {
	id       string
	priority int
	seq      uint64
	run      func()
}

// jobHeap orders jobs by priority, then by submission order.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Pool runs submitted jobs on a bounded number of goroutines.
type Pool struct {
	ctx       context.Context
	group     errgroup.Group
	telemetry *telemetry.Telemetry

	mu        sync.Mutex
	cond      *sync.Cond
	jobs      jobHeap
	seq       uint64
	size      int
	workers   int
	suspended bool
	closed    bool
}

// NewPool starts size workers. They exit when ctx is done or Close is called;
// jobs still queued at that point are dropped.
func NewPool(ctx context.Context, size int, tel *telemetry.Telemetry) *Pool {
	p := &Pool{ctx: ctx, telemetry: tel}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	p.resizeLocked(size)
	p.mu.Unlock()

	context.AfterFunc(ctx, p.Close)

	return p
}

// SetParallelism changes how many jobs may run at once and returns the
// previous value. Extra workers exit once their current job returns.
func (p *Pool) SetParallelism(size int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.size
	if !p.closed {
		p.resizeLocked(size)
	}

	return prev
}

// Parallelism returns the current worker bound.
func (p *Pool) Parallelism() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.size
}

func (p *Pool) resizeLocked(size int) {
	p.size = max(size, 1)

	for p.workers < p.size {
		p.workers++
		p.group.Go(func() error {
			p.work(p.ctx)

			return nil
		})
	}

	p.cond.Broadcast()
}

// Submit queues a job. It returns false when the pool is closed.
func (p *Pool) Submit(id string, priority int, run func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	p.seq++
	heap.Push(&p.jobs, &job{id: id, priority: priority, seq: p.seq, run: run})
	p.cond.Signal()

	return true
}

// Remove drops a job that has not started yet.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, j := range p.jobs {
		if j.id == id {
			heap.Remove(&p.jobs, i)

			return true
		}
	}

	return false
}

// Suspend stops dispatching new jobs. Running jobs are not affected.
func (p *Pool) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.suspended = true
}

func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.suspended = false
	p.cond.Broadcast()
}

func (p *Pool) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.suspended
}

// Len returns the number of queued jobs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.jobs)
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.cond.Broadcast()
}

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

func (p *Pool) next() (*job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && p.workers <= p.size && (p.suspended || len(p.jobs) == 0) {
		p.cond.Wait()
	}

	if p.closed {
		return nil, false
	}

	if p.workers > p.size {
		p.workers--

		return nil, false
	}

	return heap.Pop(&p.jobs).(*job), true
}

func (p *Pool) work(ctx context.Context) {
	for {
		j, ok := p.next()
		if !ok {
			return
		}

		p.runSafe(ctx, j)
	}
}

func (p *Pool) runSafe(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("transfer job panic",
				"transfer_id", j.id,
				"panic", r,
				"stack", string(debug.Stack()))

			p.telemetry.RecordSystemError("queue", "panic")
		}
	}()

	j.run()
}
