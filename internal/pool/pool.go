// Package pool implements the Buffer Pool (§4.3): one shared-memory
// segment of equal-sized blocks with a free-block list, addressed by
// offset rather than pointer so any process can translate through its own
// mapping. The free-list shape (bucketed, pop/push under a short lock)
// generalizes go-ublk's internal/queue.GetBuffer/PutBuffer size-bucketed
// sync.Pool idiom from an in-process pool of []byte to a named,
// cross-process arena of fixed block indices; the non-blocking/blocking
// split follows hayabusa-cloud-iobuf's BoundedPool (AllocateBlock returns
// ErrNotFound when empty, AllocateBlockWait retries with iox.Backoff).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"

	"github.com/flowshm/flowshm/internal/constants"
	"github.com/flowshm/flowshm/internal/shm"
)

// ErrNotFound is returned by AllocateBlock when the pool has no free
// blocks and the caller asked for the non-blocking variant.
var ErrNotFound = errors.New("pool: no free blocks")

// Stats is a point-in-time snapshot of one pool's usage, the per-pool
// component of ShmManager.GetStats (§4.11).
type Stats struct {
	Name          string
	Id            uint32
	BlockSize     uint32
	BlockCount    uint32
	Used          uint32
	Free          uint32
	Allocations   uint64
	Deallocations uint64
}

func (s Stats) Utilization() float64 {
	if s.BlockCount == 0 {
		return 0
	}
	return float64(s.Used) / float64(s.BlockCount)
}

// Pool is one named arena of equal-sized blocks (§4.3). Segment layout is
// conceptually [Header][FreeList][DataBlocks]; in this Go rendition the
// header lives in the shm.Segment itself and the free list is held
// separately under mu (the segment's "inter-process mutex" from the
// spec), since Go slices make a more natural free-list representation
// than an embedded intrusive array for a single-process simulation.
type Pool struct {
	name       string
	id         uint32
	blockSize  uint32
	blockCount uint32
	baseOffset uint64

	seg  shm.Segment
	data []byte // the DataBlocks region

	mu   sync.Mutex
	free []uint32

	allocations   atomic.Uint64
	deallocations atomic.Uint64
}

// Create constructs a new pool segment named name, with blockCount blocks
// of blockSize bytes each, all free.
func Create(name string, id uint32, blockSize, blockCount uint32) (*Pool, error) {
	if blockSize == 0 || blockCount == 0 {
		return nil, fmt.Errorf("pool: invalid geometry: blockSize=%d blockCount=%d", blockSize, blockCount)
	}
	dataSize := int(blockSize) * int(blockCount)
	seg := shm.NewMemSegment(name, shm.HeaderSize+dataSize, constants.PoolMagic)
	p := newFromSegment(name, id, blockSize, blockCount, seg)
	seg.MarkInitialized()
	return p, nil
}

// CreateMmap is Create's counterpart backed by a real /dev/shm mapping,
// for genuine multi-process use (§3's "pools are created lazily by their
// first owner and then registered").
func CreateMmap(name string, id uint32, blockSize, blockCount uint32) (*Pool, error) {
	dataSize := int(blockSize) * int(blockCount)
	seg, err := shm.CreateMmap(name, shm.HeaderSize+dataSize, constants.PoolMagic)
	if err != nil {
		return nil, err
	}
	p := newFromSegment(name, id, blockSize, blockCount, seg)
	seg.MarkInitialized()
	return p, nil
}

// OpenMmap joins a pool segment another process already created with
// CreateMmap, mapping the same bytes for a genuine cross-process handoff
// (§8 scenario 6). The joining Pool gets its own full free-list, same as
// the creator's, since the free-list is process-local bookkeeping in
// this design, not part of the shared segment (see DESIGN.md); a peer
// that only needs to read or write a BufferId's payload by BlockIndex
// should use BlockData directly and leave AllocateBlock/FreeBlock to the
// owning process.
func OpenMmap(name string, id uint32, blockSize, blockCount uint32, timeout time.Duration) (*Pool, error) {
	seg, err := shm.OpenMmap(name, constants.PoolMagic, timeout)
	if err != nil {
		return nil, err
	}
	return newFromSegment(name, id, blockSize, blockCount, seg), nil
}

func newFromSegment(name string, id uint32, blockSize, blockCount uint32, seg shm.Segment) *Pool {
	p := &Pool{
		name:       name,
		id:         id,
		blockSize:  blockSize,
		blockCount: blockCount,
		baseOffset: 0,
		seg:        seg,
		data:       seg.Body(),
		free:       make([]uint32, 0, blockCount),
	}
	for i := int(blockCount) - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}
	return p
}

func (p *Pool) Name() string       { return p.name }
func (p *Pool) Id() uint32         { return p.id }
func (p *Pool) BlockSize() uint32  { return p.blockSize }
func (p *Pool) BlockCount() uint32 { return p.blockCount }

// AllocateBlock pops one free block index, or ErrNotFound if the pool is
// exhausted.
func (p *Pool) AllocateBlock() (uint32, error) {
	if idx, ok := p.tryAllocate(); ok {
		return idx, nil
	}
	return 0, ErrNotFound
}

// AllocateBlockWait blocks, backing off with iox.Backoff between retries,
// until a block is free or ctx is done.
func (p *Pool) AllocateBlockWait(ctx context.Context) (uint32, error) {
	var backoff iox.Backoff
	for {
		if idx, ok := p.tryAllocate(); ok {
			return idx, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		backoff.Wait()
	}
}

func (p *Pool) tryAllocate() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return 0, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.allocations.Add(1)
	return idx, true
}

// FreeBlock returns idx to the free list.
func (p *Pool) FreeBlock(idx uint32) {
	p.mu.Lock()
	p.free = append(p.free, idx)
	p.mu.Unlock()
	p.deallocations.Add(1)
}

// BlockOffset returns the byte offset of block idx within the pool
// segment's data region, the value stored in a Buffer Metadata Table
// entry's Offset field.
func (p *Pool) BlockOffset(idx uint32) uint64 {
	return p.baseOffset + uint64(idx)*uint64(p.blockSize)
}

// BlockData returns the raw byte slice backing block idx, valid only
// while at least one buffer handle referencing it is live.
func (p *Pool) BlockData(idx uint32) []byte {
	off := uint64(idx) * uint64(p.blockSize)
	return p.data[off : off+uint64(p.blockSize)]
}

// Stats returns a point-in-time usage snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	free := len(p.free)
	p.mu.Unlock()
	return Stats{
		Name:          p.name,
		Id:            p.id,
		BlockSize:     p.blockSize,
		BlockCount:    p.blockCount,
		Used:          p.blockCount - uint32(free),
		Free:          uint32(free),
		Allocations:   p.allocations.Load(),
		Deallocations: p.deallocations.Load(),
	}
}

// Close releases the pool's backing segment.
func (p *Pool) Close() error {
	return p.seg.Close()
}
