package bus

import (
	"sync"

	"github.com/relaysys/fabric/pkg/pipeline"
)

// subQueue is an unbounded FIFO queue of envelopes awaiting dispatch to one
// subscription. Pushing is O(1) and never blocks the emitter; a single
// consumer goroutine pops in publication order.
type subQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []pipeline.Envelope
	closed bool
}

func newSubQueue() *subQueue {
	q := &subQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *subQueue) push(e pipeline.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.cond.Signal()
	q.mu.Unlock()
}

// pop blocks until an envelope is available or the queue is closed and
// drained, in which case ok is false.
func (q *subQueue) pop() (pipeline.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return pipeline.Envelope{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// close marks the queue closed; pop continues draining any items already
// queued, then returns ok=false once empty.
func (q *subQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
