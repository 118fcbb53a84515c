package shm

import (
	"fmt"
	"sync"
	"time"
)

// shardSize is the granularity of the locking used by CopyIn/CopyOut on a
// MemSegment, matching go-ublk's backend/mem.go Memory backend's 64KB
// shard size chosen to balance parallelism for concurrent block access
// against lock overhead.
const shardSize = 64 * 1024

// MemSegment is a goroutine-safe, single-process stand-in for a real
// /dev/shm mapping. flowshm's Runtime and tests use it to simulate several
// "processes" as goroutines within one OS process without requiring
// /dev/shm to be writable (as in a sandboxed test environment), while
// still exercising the exact same registry/pool/queue code that runs atop
// a real mmapSegment.
type MemSegment struct {
	name   string
	data   []byte
	shards []sync.RWMutex
}

// NewMemSegment allocates an in-process segment of size bytes and writes
// its header.
func NewMemSegment(name string, size int, magic uint64) *MemSegment {
	if size < HeaderSize {
		size = HeaderSize
	}
	numShards := (size + shardSize - 1) / shardSize
	s := &MemSegment{
		name:   name,
		data:   make([]byte, size),
		shards: make([]sync.RWMutex, numShards),
	}
	headerUint64At(s.data, 0).Store(magic)
	headerUint32At(s.data, 8).Store(1)
	headerUint32At(s.data, 12).Store(0)
	return s
}

func (s *MemSegment) Name() string    { return s.name }
func (s *MemSegment) Data() []byte    { return s.data }
func (s *MemSegment) Body() []byte    { return s.data[HeaderSize:] }
func (s *MemSegment) Magic() uint64   { return headerUint64At(s.data, 0).Load() }
func (s *MemSegment) Version() uint32 { return headerUint32At(s.data, 8).Load() }

func (s *MemSegment) MarkInitialized() { headerUint32At(s.data, 12).Store(1) }

func (s *MemSegment) WaitInitialized(timeout time.Duration) error {
	return pollInitialized(func() bool { return headerUint32At(s.data, 12).Load() == 1 }, timeout)
}

func (s *MemSegment) Close() error {
	s.data = nil
	return nil
}

func (s *MemSegment) shardRange(off, length int) (start, end int) {
	start = off / shardSize
	end = (off + length - 1) / shardSize
	if end >= len(s.shards) {
		end = len(s.shards) - 1
	}
	return start, end
}

// CopyOut copies length bytes starting at off in the body into dst,
// taking per-shard read locks, the same sharded-locking shape as the
// teacher's Memory.ReadAt.
func (s *MemSegment) CopyOut(dst []byte, off int) (int, error) {
	body := s.Body()
	if off >= len(body) {
		return 0, nil
	}
	n := len(dst)
	if off+n > len(body) {
		n = len(body) - off
	}
	start, end := s.shardRange(off, n)
	for i := start; i <= end; i++ {
		s.shards[i].RLock()
	}
	copy(dst[:n], body[off:off+n])
	for i := start; i <= end; i++ {
		s.shards[i].RUnlock()
	}
	return n, nil
}

// CopyIn copies src into the body at off, taking per-shard write locks.
func (s *MemSegment) CopyIn(src []byte, off int) (int, error) {
	body := s.Body()
	if off >= len(body) {
		return 0, fmt.Errorf("shm: write beyond end of segment")
	}
	n := len(src)
	if off+n > len(body) {
		n = len(body) - off
	}
	start, end := s.shardRange(off, n)
	for i := start; i <= end; i++ {
		s.shards[i].Lock()
	}
	copy(body[off:off+n], src[:n])
	for i := start; i <= end; i++ {
		s.shards[i].Unlock()
	}
	return n, nil
}

var _ Segment = (*MemSegment)(nil)
