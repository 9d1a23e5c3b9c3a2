// Package asyncqueue implements a bounded async operation queue: a
// fixed-capacity MPMC ring buffer with atomic alloc/consume index pairs,
// and a flush barrier built as an explicit state machine so a caller can
// drain the queue without racing new enqueues.
//
// The worker pool draining the queue is bounded by a weighted semaphore
// (golang.org/x/sync/semaphore) rather than an unbounded goroutine-per-op
// fan-out.
package asyncqueue

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/log"
	"github.com/archengine/archengine/metrics"
)

// Op is one unit of asynchronous work.
type Op func(ctx context.Context) error

// flushState is the 4-state machine for barrier coordination: the queue
// is either running normally, has a flush
// requested, is actively draining for that flush, or has completed it.
type flushState int32

const (
	flushNone flushState = iota
	flushRequested
	flushDraining
	flushComplete
)

// Queue is a fixed-capacity ring buffer of pending Ops. Slots are claimed
// for write via allocHead, marked ready via head, claimed for read via
// allocTail, and marked free via tailSlot — four separate atomic counters
// so producers and consumers never need a shared lock on the hot path.
type Queue struct {
	slots []opSlot
	mask  uint64

	allocHead uint64 // next slot index a producer may claim
	head      uint64 // highest slot index that has been fully written
	allocTail uint64 // next slot index a consumer may claim
	tailSlot  uint64 // highest slot index that has been fully consumed

	flush  int32 // flushState, atomic
	notify chan struct{}

	sem *semaphore.Weighted

	enqueueMeter metrics.Meter
	stallMeter   metrics.Meter
	logger       *log.Logger

	mu sync.Mutex // not currently locked; notify is created once in New and never replaced
}

type opSlot struct {
	op    Op
	ready uint32 // 1 once op is safe to consume
}

// New creates a queue whose capacity is rounded up to the next power of
// two, matching the async.ops_max config option (minimum 10, enforced by
// config.ParseAsync).
func New(capacity uint64, workers int64) *Queue {
	size := uint64(1)
	for size < capacity {
		size <<= 1
	}
	return &Queue{
		slots:        make([]opSlot, size),
		mask:         size - 1,
		notify:       make(chan struct{}, size),
		sem:          semaphore.NewWeighted(workers),
		enqueueMeter: metrics.NewRegisteredMeter("asyncqueue/enqueue", nil),
		stallMeter:   metrics.NewRegisteredMeter("asyncqueue/stall", nil),
		logger:       log.New("component", "asyncqueue"),
	}
}

// Enqueue claims the next ring slot and publishes op, returning
// ae.ErrBusy only if a flush is in progress. If the ring is full it spins,
// yielding and re-reading tailSlot, until a worker frees the slot this
// claim needs to publish into.
func (q *Queue) Enqueue(op Op) error {
	if flushState(atomic.LoadInt32(&q.flush)) != flushNone {
		return ae.ErrBusy
	}

	idx := atomic.AddUint64(&q.allocHead, 1) - 1

	if idx-atomic.LoadUint64(&q.tailSlot) >= uint64(len(q.slots)) {
		q.stallMeter.Mark(1)
		for idx-atomic.LoadUint64(&q.tailSlot) >= uint64(len(q.slots)) {
			runtime.Gosched()
		}
	}

	slot := &q.slots[idx&q.mask]
	slot.op = op
	atomic.StoreUint32(&slot.ready, 1)

	// Publish in claim order: wait until every earlier claim has moved head
	// up to this slot, then move it past, so a consumer never observes a
	// gap left by a slower concurrent producer.
	for !atomic.CompareAndSwapUint64(&q.head, idx, idx+1) {
		runtime.Gosched()
	}

	q.enqueueMeter.Mark(1)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// dequeue claims the next ready slot for consumption, returning ok=false
// if there is nothing ready.
func (q *Queue) dequeue() (Op, bool) {
	for {
		tail := atomic.LoadUint64(&q.allocTail)
		head := atomic.LoadUint64(&q.head)
		if tail >= head {
			return nil, false
		}
		if atomic.CompareAndSwapUint64(&q.allocTail, tail, tail+1) {
			op := q.slots[tail&q.mask].op
			atomic.StoreUint64(&q.tailSlot, tail+1)
			return op, true
		}
	}
}

// Run drains the queue until ctx is done, dispatching each op to a worker
// bounded by the queue's semaphore.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
			for {
				op, ok := q.dequeue()
				if !ok {
					break
				}
				if err := q.sem.Acquire(ctx, 1); err != nil {
					return
				}
				go func(op Op) {
					defer q.sem.Release(1)
					if err := op(ctx); err != nil {
						q.logger.Warn("async op failed", "err", err)
					}
				}(op)
			}
		}
	}
}

// Flush blocks until every op enqueued before the call was dispatched,
// using the 4-state machine: Requested tells new Enqueue calls to back
// off with ErrBusy, Draining lets the loop finish everything already in
// the ring, and Complete releases callers waiting in Flush.
func (q *Queue) Flush(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&q.flush, int32(flushNone), int32(flushRequested)) {
		return ae.ErrBusy
	}
	atomic.StoreInt32(&q.flush, int32(flushDraining))

	for {
		if atomic.LoadUint64(&q.tailSlot) >= atomic.LoadUint64(&q.head) {
			break
		}
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&q.flush, int32(flushNone))
			return ctx.Err()
		default:
		}
	}

	atomic.StoreInt32(&q.flush, int32(flushComplete))
	atomic.StoreInt32(&q.flush, int32(flushNone))
	return nil
}

// Len reports the number of ops currently enqueued but not yet consumed.
func (q *Queue) Len() uint64 {
	return atomic.LoadUint64(&q.head) - atomic.LoadUint64(&q.tailSlot)
}
