// Package shmmanager implements the Shm Manager (§4.11): it configures a
// named set of Buffer Pools and picks the best-fit pool by requested
// size, generalizing go-ublk's internal/queue size-bucketed
// GetBuffer/PutBuffer selection from four fixed in-process buckets to an
// arbitrary, runtime-configurable set of named shared-memory pools.
package shmmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowshm/flowshm/internal/allocator"
	"github.com/flowshm/flowshm/internal/constants"
	"github.com/flowshm/flowshm/internal/pool"
	"github.com/flowshm/flowshm/internal/shm"
)

var (
	ErrNotFound  = errors.New("shmmanager: pool not found")
	ErrExhausted = errors.New("shmmanager: no pool fits the requested size, or it is full")
)

// PoolConfig describes one named pool to configure.
type PoolConfig struct {
	Name       string
	BlockSize  uint32
	BlockCount uint32
}

// DefaultConfigs returns the spec's default geometry: small (4KiB x
// 1024), medium (64KiB x 512), large (1MiB x 128).
func DefaultConfigs() []PoolConfig {
	return []PoolConfig{
		{Name: "small", BlockSize: constants.SmallBlockSize, BlockCount: constants.SmallBlockCount},
		{Name: "medium", BlockSize: constants.MediumBlockSize, BlockCount: constants.MediumBlockCount},
		{Name: "large", BlockSize: constants.LargeBlockSize, BlockCount: constants.LargeBlockCount},
	}
}

// Stats aggregates every configured pool's usage snapshot.
type Stats struct {
	Pools []pool.Stats
}

// Manager owns the set of named Buffer Pools a Runtime (or a bare
// Allocator, via the PoolProvider interface) draws blocks from.
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*pool.Pool
	byId   map[uint32]*pool.Pool
	order  []*pool.Pool // ascending by BlockSize, rebuilt on AddPool/RemovePool
	nextId uint32

	useMmap bool
}

// New constructs an empty Manager. useMmap selects whether pools are
// backed by real /dev/shm mappings (for genuine multi-process use) or an
// in-process MemSegment (the default, used by tests and single-process
// runtimes); see internal/pool.Create vs CreateMmap.
func New(useMmap bool) *Manager {
	return &Manager{pools: map[string]*pool.Pool{}, byId: map[uint32]*pool.Pool{}, useMmap: useMmap}
}

// Initialize configures the default pool set.
func (m *Manager) Initialize() error {
	for _, cfg := range DefaultConfigs() {
		if err := m.AddPool(cfg); err != nil {
			return err
		}
	}
	return nil
}

// AddPool configures one additional named pool. Dynamic pool expansion
// beyond this is explicitly a non-goal (§1); pools, once added, do not
// grow.
func (m *Manager) AddPool(cfg PoolConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[cfg.Name]; exists {
		return fmt.Errorf("shmmanager: pool %q already exists", cfg.Name)
	}
	m.nextId++
	var p *pool.Pool
	var err error
	if m.useMmap {
		p, err = pool.CreateMmap(cfg.Name, m.nextId, cfg.BlockSize, cfg.BlockCount)
	} else {
		p, err = pool.Create(cfg.Name, m.nextId, cfg.BlockSize, cfg.BlockCount)
	}
	if err != nil {
		return err
	}
	m.pools[cfg.Name] = p
	m.byId[p.Id()] = p
	m.rebuildOrderLocked()
	return nil
}

// JoinPool attaches to a pool segment a peer process already created via
// a mmap-backed AddPool, for genuine cross-process buffer handoff (§8
// scenario 6) instead of creating (and truncating) a fresh segment.
// Callers should not draw allocations from a joined pool themselves; see
// internal/pool.OpenMmap.
func (m *Manager) JoinPool(cfg PoolConfig, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[cfg.Name]; exists {
		return fmt.Errorf("shmmanager: pool %q already exists", cfg.Name)
	}
	m.nextId++
	p, err := pool.OpenMmap(cfg.Name, m.nextId, cfg.BlockSize, cfg.BlockCount, timeout)
	if err != nil {
		return err
	}
	m.pools[cfg.Name] = p
	m.byId[p.Id()] = p
	m.rebuildOrderLocked()
	return nil
}

// RemovePool closes and drops a configured pool by name.
func (m *Manager) RemovePool(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[name]
	if !ok {
		return ErrNotFound
	}
	delete(m.pools, name)
	delete(m.byId, p.Id())
	m.rebuildOrderLocked()
	return p.Close()
}

func (m *Manager) rebuildOrderLocked() {
	order := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		order = append(order, p)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].BlockSize() < order[j].BlockSize() })
	m.order = order
}

// BestFit returns the smallest configured pool whose block size is >=
// size (§4.11, P6), implementing allocator.PoolProvider.
func (m *Manager) BestFit(size uint32) (allocator.PoolHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.order {
		if p.BlockSize() >= size {
			return p, true
		}
	}
	return nil, false
}

// Lookup resolves a PoolId to its PoolHandle, implementing
// allocator.PoolProvider.
func (m *Manager) Lookup(poolId uint32) (allocator.PoolHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byId[poolId]
	return p, ok
}

// Allocate selects the best-fit pool for size and allocates one raw block
// from it, returning the owning pool id and block index without any
// refcount bookkeeping (that is internal/allocator.Allocator's job,
// which itself uses Manager as its PoolProvider).
func (m *Manager) Allocate(size uint32) (poolId, blockIndex uint32, err error) {
	ph, ok := m.BestFit(size)
	if !ok {
		return 0, 0, ErrExhausted
	}
	idx, err := ph.AllocateBlock()
	if err != nil {
		return 0, 0, ErrExhausted
	}
	return ph.Id(), idx, nil
}

// AllocateFromPool allocates a raw block from a specific named pool,
// bypassing best-fit selection.
func (m *Manager) AllocateFromPool(name string) (poolId, blockIndex uint32, err error) {
	m.mu.RLock()
	p, ok := m.pools[name]
	m.mu.RUnlock()
	if !ok {
		return 0, 0, ErrNotFound
	}
	idx, err := p.AllocateBlock()
	if err != nil {
		return 0, 0, ErrExhausted
	}
	return p.Id(), idx, nil
}

// GetStats returns a point-in-time snapshot of every configured pool.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Pools: make([]pool.Stats, 0, len(m.order))}
	for _, p := range m.order {
		st.Pools = append(st.Pools, p.Stats())
	}
	return st
}

// RemoveNamedSegment deletes a named /dev/shm pool segment that outlived
// its owning process (a crash, or an unclean shutdown that skipped
// RemovePool/Close) — the operator-utility cleanup path of §6.
func RemoveNamedSegment(name string) error {
	return shm.RemoveNamed(name)
}

// Close releases every configured pool's backing segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, p := range m.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.pools = map[string]*pool.Pool{}
	m.byId = map[uint32]*pool.Pool{}
	m.order = nil
	return firstErr
}
