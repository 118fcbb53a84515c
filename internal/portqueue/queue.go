// Package portqueue implements the Broadcast Port Queue (§4.7) — the
// centerpiece of flowshm: a multi-consumer ring of BufferId values with
// per-consumer read cursors, where every active consumer receives every
// pushed element exactly once without the payload ever being copied.
//
// The cursor/notify-channel/overflow shape is grounded on
// gravitational-teleport's lib/utils/fanoutbuffer.Buffer (a closed-and-
// replaced notify channel wakes every blocked reader/writer, each cursor
// advances independently), adapted in one important way: that buffer
// tracks per-slot liveness with its own wait counter, whereas here
// liveness is the Buffer Metadata Table's refcount (§4.2) — push and
// unregister drive a RefCounter's Increment/Decrement instead of
// maintaining independent bookkeeping, so the queue and the allocator
// never disagree about when a buffer is free. The per-consumer pop path
// is lock-free (an atomic CAS-advance of that consumer's own head,
// retried with hayabusa-cloud-iobuf's spin.Wait backoff), while push
// takes the queue's mutex to serialize the min-head scan and the
// per-consumer refcount increments, exactly as §4.7 and §5 require.
package portqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/spin"

	"github.com/flowshm/flowshm/internal/allocator"
	"github.com/flowshm/flowshm/internal/constants"
)

var (
	ErrFull      = errors.New("portqueue: full")
	ErrEmpty     = errors.New("portqueue: empty")
	ErrClosed    = errors.New("portqueue: closed")
	ErrExhausted = errors.New("portqueue: consumer registry exhausted")
	ErrNotFound  = errors.New("portqueue: unknown consumer")
	ErrTimeout   = errors.New("portqueue: deadline exceeded")
)

// RefCounter is the allocator capability the queue needs: push grants
// extra consumers their own refcount, unregister remits refcounts owed
// for slots a consumer will never read.
type RefCounter interface {
	Increment(id allocator.BufferId) int64
	Decrement(id allocator.BufferId) int64
}

// Recorder observes push/pop outcomes; Runtime's Metrics implements it.
type Recorder interface {
	RecordPush(blocked, rejected bool)
	RecordPop()
}

// Queue is one named broadcast port queue (§4.7).
type Queue struct {
	name     string
	capacity uint64
	slots    []uint32 // BufferId per ring slot
	refs     RefCounter
	rec      Recorder

	tail atomic.Uint64

	heads  [constants.MaxConsumers]atomic.Uint64
	active [constants.MaxConsumers]atomic.Bool
	count  atomic.Int32

	mu     sync.Mutex
	notify chan struct{}
	closed atomic.Bool
}

// New constructs a Queue of the given capacity (a power of two is
// recommended, not required) backed by refs for the cross-consumer
// refcount bookkeeping §4.7 describes.
func New(name string, capacity uint64, refs RefCounter) *Queue {
	return NewWithRecorder(name, capacity, refs, nil)
}

// NewWithRecorder is New with an optional Recorder (pass nil to skip
// push/pop accounting), so Runtime can thread its Metrics into every
// queue it creates for a Connect call.
func NewWithRecorder(name string, capacity uint64, refs RefCounter, rec Recorder) *Queue {
	return &Queue{
		name:     name,
		capacity: capacity,
		slots:    make([]uint32, capacity),
		refs:     refs,
		rec:      rec,
		notify:   make(chan struct{}),
	}
}

func (q *Queue) recordPush(blocked, rejected bool) {
	if q.rec != nil {
		q.rec.RecordPush(blocked, rejected)
	}
}

func (q *Queue) recordPop() {
	if q.rec != nil {
		q.rec.RecordPop()
	}
}

func (q *Queue) Name() string      { return q.name }
func (q *Queue) Capacity() uint64  { return q.capacity }
func (q *Queue) ConsumerCount() int32 { return q.count.Load() }
func (q *Queue) Tail() uint64      { return q.tail.Load() }
func (q *Queue) Closed() bool      { return q.closed.Load() }

// signalLocked wakes every blocked Push/PopWait waiter by closing and
// replacing the notify channel; callers must hold mu.
func (q *Queue) signalLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// minHeadLocked computes min(consumer_heads[i]) over active consumers,
// or tail if none are active; callers must hold mu.
func (q *Queue) minHeadLocked() uint64 {
	min := q.tail.Load()
	any := false
	for i := range q.active {
		if q.active[i].Load() {
			h := q.heads[i].Load()
			if !any || h < min {
				min = h
				any = true
			}
		}
	}
	return min
}

// RegisterConsumer scans for an inactive slot, starts its cursor at the
// current tail (a newly joined consumer sees only future pushes), and
// returns its ConsumerId.
func (q *Queue) RegisterConsumer() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.active {
		if !q.active[i].Load() {
			q.heads[i].Store(q.tail.Load())
			q.active[i].Store(true)
			q.count.Add(1)
			return uint32(i), nil
		}
	}
	return 0, ErrExhausted
}

// UnregisterConsumer remits the refcount owed for every slot between this
// consumer's head and the current tail (it will never read them), then
// frees its slot (§4.7 invariant 4, L1).
func (q *Queue) UnregisterConsumer(id uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(id) >= len(q.active) || !q.active[id].Load() {
		return ErrNotFound
	}
	head := q.heads[id].Load()
	tail := q.tail.Load()
	for pos := head; pos < tail; pos++ {
		q.refs.Decrement(allocator.BufferId(q.slots[pos%q.capacity]))
	}
	q.active[id].Store(false)
	q.heads[id].Store(0)
	q.count.Add(-1)
	q.signalLocked()
	return nil
}

// TryPush attempts a non-blocking push, returning ErrFull if the ring is
// saturated relative to the slowest active consumer.
func (q *Queue) TryPush(bufferId uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrClosed
	}
	tail := q.tail.Load()
	if tail-q.minHeadLocked() >= q.capacity {
		q.recordPush(false, true)
		return ErrFull
	}
	q.pushLocked(bufferId, tail)
	q.recordPush(false, false)
	return nil
}

// Push blocks until there is room, the queue closes, or ctx is done.
func (q *Queue) Push(ctx context.Context, bufferId uint32) error {
	waited := false
	for {
		q.mu.Lock()
		if q.closed.Load() {
			q.mu.Unlock()
			return ErrClosed
		}
		tail := q.tail.Load()
		if tail-q.minHeadLocked() < q.capacity {
			q.pushLocked(bufferId, tail)
			q.mu.Unlock()
			q.recordPush(waited, false)
			return nil
		}
		waitCh := q.notify
		q.mu.Unlock()
		select {
		case <-waitCh:
			waited = true
		case <-ctx.Done():
			return ErrTimeout
		}
	}
}

// pushLocked writes bufferId at the current tail, grants every
// additional active consumer beyond the first its own refcount (the
// buffer arrives with refcount 1 from allocation, owed to the first
// consumer), advances tail, and wakes waiters. Callers must hold mu.
func (q *Queue) pushLocked(bufferId uint32, tail uint64) {
	q.slots[tail%q.capacity] = bufferId
	extra := int32(0)
	for i := range q.active {
		if q.active[i].Load() {
			extra++
		}
	}
	for i := int32(1); i < extra; i++ {
		q.refs.Increment(allocator.BufferId(bufferId))
	}
	q.tail.Store(tail + 1)
	q.signalLocked()
}

// TryPop attempts a non-blocking, lock-free pop for consumerId: it reads
// its own head, advances it with a CAS (retried with spin.Wait backoff
// under the contention that would occur only if a consumer is misused
// concurrently by more than one goroutine), and signals a blocked
// producer if this consumer was the unique slowest one.
func (q *Queue) TryPop(consumerId uint32) (uint32, error) {
	if int(consumerId) >= len(q.active) || !q.active[consumerId].Load() {
		return 0, ErrNotFound
	}
	var backoff spin.Wait
	for {
		head := q.heads[consumerId].Load()
		tail := q.tail.Load()
		if head == tail {
			if q.closed.Load() {
				return 0, ErrClosed
			}
			return 0, ErrEmpty
		}
		bufferId := q.slots[head%q.capacity]
		if q.heads[consumerId].CompareAndSwap(head, head+1) {
			q.signalIfUniqueSlowest(head)
			q.recordPop()
			return bufferId, nil
		}
		backoff.Wait()
	}
}

// PopWait blocks until an element is available for consumerId, the queue
// closes and drains, or ctx is done.
func (q *Queue) PopWait(ctx context.Context, consumerId uint32) (uint32, error) {
	for {
		id, err := q.TryPop(consumerId)
		if err != ErrEmpty {
			return id, err
		}
		q.mu.Lock()
		waitCh := q.notify
		q.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return 0, ErrTimeout
		}
	}
}

// signalIfUniqueSlowest wakes blocked producers when oldHead was the sole
// minimum among active consumer heads before this advance, matching the
// spec's "the new min_head strictly advanced" wakeup condition.
func (q *Queue) signalIfUniqueSlowest(oldHead uint64) {
	uniqueMin := true
	for i := range q.active {
		if q.active[i].Load() {
			h := q.heads[i].Load()
			if h <= oldHead {
				uniqueMin = false
				break
			}
		}
	}
	if uniqueMin {
		q.mu.Lock()
		q.signalLocked()
		q.mu.Unlock()
	}
}

// Close marks the queue closed and wakes every waiter; subsequent pushes
// fail ErrClosed, pops drain remaining entries then fail ErrClosed.
// Idempotent (L3): a second call observes closed already set and is a
// no-op.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return nil
	}
	q.closed.Store(true)
	q.signalLocked()
	return nil
}
