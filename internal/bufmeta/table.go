// Package bufmeta implements the Buffer Metadata Table (§4.2): a fixed
// array of buffer descriptors plus a lock-protected free-slot list. It is
// the arena the rest of the runtime addresses buffers by index into,
// following the ownership-tracked fixed-capacity pool pattern in
// edirooss-zmux-server's slot_pool.go (acquire/release by explicit id,
// panic on protocol violation) adapted to the spec's refcount-driven
// reclamation instead of an acquired-by-set.
package bufmeta

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/flowshm/flowshm/internal/constants"
)

// ErrExhausted is returned by AllocateSlot when every slot is in use.
var ErrExhausted = errors.New("bufmeta: buffer metadata table exhausted")

// Entry is one buffer descriptor. Refcount is the single source of
// liveness truth (§4.2): a slot is reclaimed only after Refcount
// transitions to zero and Valid is cleared with release ordering.
type Entry struct {
	PoolId      uint32
	BlockIndex  uint32
	Size        uint32
	Offset      uint64
	CreatorPid  uint32
	AllocatedAt int64
	RangeStart  int64
	RangeEnd    int64

	valid    atomic.Bool
	refcount atomic.Int64
}

// Valid reports whether the entry currently describes a live buffer,
// using an acquire load so a reader's subsequent field reads observe the
// writer's release store in Reset/Fill.
func (e *Entry) Valid() bool { return e.valid.Load() }

// Refcount returns the current atomic reference count.
func (e *Entry) Refcount() int64 { return e.refcount.Load() }

// Fill populates a reserved-but-not-yet-valid entry and marks it valid
// with an initial refcount of 1, the state Allocator.Allocate leaves a
// fresh slot in.
func (e *Entry) Fill(poolId, blockIndex, size uint32, offset uint64, creatorPid uint32, allocatedAt int64) {
	e.PoolId = poolId
	e.BlockIndex = blockIndex
	e.Size = size
	e.Offset = offset
	e.CreatorPid = creatorPid
	e.AllocatedAt = allocatedAt
	e.RangeStart = 0
	e.RangeEnd = 0
	e.refcount.Store(1)
	e.valid.Store(true)
}

// SetRange records the entry's optional TimeRange.
func (e *Entry) SetRange(start, end int64) {
	e.RangeStart = start
	e.RangeEnd = end
}

// Increment adds one to the refcount with AcqRel ordering, per §4.5.
func (e *Entry) Increment() int64 {
	return e.refcount.Add(1)
}

// Decrement subtracts one from the refcount. When it reaches zero the
// caller must invalidate the entry (via Invalidate) before returning the
// underlying pool block, per the Release-store-then-Acquire-fence dance
// in §4.5.
func (e *Entry) Decrement() int64 {
	return e.refcount.Add(-1)
}

// Invalidate clears the valid flag with release ordering once the caller
// has observed Refcount()==0; must only be called by the single
// decrementer that drove the count to zero.
func (e *Entry) Invalidate() {
	e.valid.Store(false)
}

// Table is the fixed-capacity Buffer Metadata Table shared by every
// process in the runtime (in this Go rendition, by every block reachable
// from one Runtime; cross-process sharing would back it with a
// shm.Segment of equivalent layout).
type Table struct {
	mu       sync.Mutex
	entries  [constants.MaxBuffers]Entry
	freeList []uint32
}

// NewTable constructs a Table with every slot free.
func NewTable() *Table {
	t := &Table{freeList: make([]uint32, 0, constants.MaxBuffers)}
	for i := constants.MaxBuffers - 1; i >= 0; i-- {
		t.freeList = append(t.freeList, uint32(i))
	}
	return t
}

// AllocateSlot pops one free index and reserves it; the returned entry is
// not yet Valid until the caller calls Fill.
func (t *Table) AllocateSlot() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.freeList)
	if n == 0 {
		return 0, ErrExhausted
	}
	idx := t.freeList[n-1]
	t.freeList = t.freeList[:n-1]
	return idx, nil
}

// FreeSlot returns idx to the free list. The caller must have already
// observed refcount==0 and cleared the valid flag.
func (t *Table) FreeSlot(idx uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freeList = append(t.freeList, idx)
}

// Entry returns a pointer to the slot-addressed entry; BufferId encodes
// this same index (see internal/allocator).
func (t *Table) Entry(idx uint32) *Entry {
	return &t.entries[idx]
}

// FreeCount reports the number of currently unused slots, for stats.
func (t *Table) FreeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.freeList)
}
