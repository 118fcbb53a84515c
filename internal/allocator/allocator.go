// Package allocator implements the Allocator (§4.5) and Buffer Handle
// (§4.6): a per-process façade that turns a requested size into a
// reference-counted Handle drawn from the best-fitting pool, using the
// standard atomic-refcount dance (AcqRel increment, decrement-to-zero
// then free) go-ublk's own atomic Metrics counters and hayabusa-cloud's
// BoundedPool both build their hot paths on.
package allocator

import (
	"errors"

	"github.com/flowshm/flowshm/internal/bufmeta"
)

// ErrExhausted is returned when no registered pool's block size fits the
// requested allocation, or the fitting pool(s) are full.
var ErrExhausted = errors.New("allocator: exhausted")

// ErrInvalidId is returned by Translate/Data for an id that is not
// currently valid (never allocated, or already freed).
var ErrInvalidId = errors.New("allocator: invalid buffer id")

// BufferId mirrors the root package's BufferId (both are uint32); kept as
// a distinct local type so this package does not import the root package
// (which imports this one).
type BufferId uint32

// PoolHandle is the subset of internal/pool.Pool's API the allocator and
// Handle.Data need; internal/pool.Pool satisfies it directly.
type PoolHandle interface {
	Id() uint32
	BlockSize() uint32
	AllocateBlock() (uint32, error)
	FreeBlock(idx uint32)
	BlockOffset(idx uint32) uint64
	BlockData(idx uint32) []byte
}

// PoolProvider resolves sizes and pool ids to PoolHandles; implemented by
// shmmanager.Manager.
type PoolProvider interface {
	BestFit(size uint32) (PoolHandle, bool)
	Lookup(poolId uint32) (PoolHandle, bool)
}

// Recorder observes a buffer reaching refcount zero; Runtime's Metrics
// implements it.
type Recorder interface {
	RecordFree()
}

// Allocator is the per-process buffer allocation façade (§4.5).
type Allocator struct {
	table     *bufmeta.Table
	pools     PoolProvider
	processId uint32
	rec       Recorder
}

// New constructs an Allocator over table and pools, stamping allocations
// with processId.
func New(table *bufmeta.Table, pools PoolProvider, processId uint32) *Allocator {
	return NewWithRecorder(table, pools, processId, nil)
}

// NewWithRecorder is New with an optional Recorder (pass nil to skip
// free-accounting), so Runtime can thread its Metrics into the one place
// a buffer's lifetime actually ends.
func NewWithRecorder(table *bufmeta.Table, pools PoolProvider, processId uint32, rec Recorder) *Allocator {
	return &Allocator{table: table, pools: pools, processId: processId, rec: rec}
}

// Handle is a non-nullable, process-local owning reference over a
// BufferId (§4.6). Its zero value is never returned by Allocate; failure
// is always on the constructor.
type Handle struct {
	id BufferId
	a  *Allocator
}

func (h Handle) Id() BufferId { return h.id }

func (h Handle) entry() *bufmeta.Entry { return h.a.table.Entry(uint32(h.id)) }

// Size returns the entry's recorded payload size; immutable after
// allocation, so no lock is needed to read it.
func (h Handle) Size() uint32 { return h.entry().Size }

// Timestamp returns the allocation time the caller passed to Allocate, in
// nanoseconds.
func (h Handle) Timestamp() int64 { return h.entry().AllocatedAt }

// SetTimeRange records the handle's optional TimeRange (§4.6).
func (h Handle) SetTimeRange(start, end int64) {
	h.entry().SetRange(start, end)
}

// Data resolves the handle to its backing payload bytes. Valid only while
// this handle (or another live handle to the same id) has not been
// dropped.
func (h Handle) Data() ([]byte, error) {
	return h.a.data(h.id)
}

// Clone increments the refcount and returns a new Handle over the same
// id; the caller now owns one more reference.
func (h Handle) Clone() Handle {
	h.a.Increment(h.id)
	return Handle{id: h.id, a: h.a}
}

// Drop decrements the refcount, reclaiming the underlying block and
// metadata slot if it reaches zero.
func (h Handle) Drop() {
	h.a.Decrement(h.id)
}

// Allocate selects the smallest pool whose block size is >= size,
// allocates one block from it, reserves and fills a metadata slot, and
// returns a Handle owning the resulting BufferId with refcount 1.
func (a *Allocator) Allocate(size uint32, now int64) (Handle, error) {
	ph, ok := a.pools.BestFit(size)
	if !ok {
		return Handle{}, ErrExhausted
	}
	blockIdx, err := ph.AllocateBlock()
	if err != nil {
		return Handle{}, ErrExhausted
	}
	slotIdx, err := a.table.AllocateSlot()
	if err != nil {
		ph.FreeBlock(blockIdx)
		return Handle{}, ErrExhausted
	}
	entry := a.table.Entry(slotIdx)
	entry.Fill(ph.Id(), blockIdx, size, ph.BlockOffset(blockIdx), a.processId, now)
	return Handle{id: BufferId(slotIdx), a: a}, nil
}

// WrapExisting returns a Handle over an id whose refcount was already
// reserved on this process's behalf (by Allocate or by a port queue push
// targeting this consumer); it does not itself increment.
func (a *Allocator) WrapExisting(id BufferId) Handle {
	return Handle{id: id, a: a}
}

// Increment adds one to id's refcount (AcqRel, per §4.5).
func (a *Allocator) Increment(id BufferId) int64 {
	return a.table.Entry(uint32(id)).Increment()
}

// Decrement subtracts one from id's refcount. When it reaches zero, the
// entry is invalidated and its pool block and metadata slot are
// reclaimed, in that order (Release-store then Acquire-fence dance,
// §4.5).
func (a *Allocator) Decrement(id BufferId) int64 {
	entry := a.table.Entry(uint32(id))
	n := entry.Decrement()
	if n == 0 {
		poolId, blockIndex := entry.PoolId, entry.BlockIndex
		entry.Invalidate()
		if ph, ok := a.pools.Lookup(poolId); ok {
			ph.FreeBlock(blockIndex)
		}
		a.table.FreeSlot(uint32(id))
		if a.rec != nil {
			a.rec.RecordFree()
		}
	}
	return n
}

// Translate resolves id to its backing payload bytes and recorded size.
// The result is valid only while at least one handle to id is live in the
// calling process (§4.5).
func (a *Allocator) Translate(id BufferId) ([]byte, uint32, error) {
	entry := a.table.Entry(uint32(id))
	if !entry.Valid() {
		return nil, 0, ErrInvalidId
	}
	data, err := a.data(id)
	if err != nil {
		return nil, 0, err
	}
	return data, entry.Size, nil
}

func (a *Allocator) data(id BufferId) ([]byte, error) {
	entry := a.table.Entry(uint32(id))
	if !entry.Valid() {
		return nil, ErrInvalidId
	}
	ph, ok := a.pools.Lookup(entry.PoolId)
	if !ok {
		return nil, ErrInvalidId
	}
	return ph.BlockData(entry.BlockIndex), nil
}
