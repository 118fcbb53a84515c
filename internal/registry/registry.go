// Package registry implements the Global Registry (§4.4): fixed-capacity,
// slot-addressable directories of processes, blocks, connections and
// pools sharing one header mutex, following edirooss-zmux-server's
// process_manager2.go UID-allocator shape (a monotonic id counter handing
// out stable ids) generalized to four parallel sub-registries instead of
// one; each sub-registry is a fixed array found by linear scan.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/flowshm/flowshm/internal/constants"
)

var (
	ErrNotFound  = errors.New("registry: not found")
	ErrExhausted = errors.New("registry: sub-registry exhausted")
)

// ProcessEntry is one row of the process sub-registry.
type ProcessEntry struct {
	Id       uint32
	Name     string
	JoinedAt int64
	active   bool
}

// BlockEntry is one row of the block sub-registry.
type BlockEntry struct {
	Id        uint32
	Name      string
	Type      uint32
	ProcessId uint32
	active    bool
}

// ConnectionKey identifies a connection by its four endpoints (§3).
type ConnectionKey struct {
	SrcBlock uint32
	SrcPort  uint32
	DstBlock uint32
	DstPort  uint32
}

// ConnectionEntry is one row of the connection sub-registry.
type ConnectionEntry struct {
	Key       ConnectionKey
	QueueName string
	active    bool
}

// PoolEntry is one row of the pool sub-registry.
type PoolEntry struct {
	Id         uint32
	Name       string
	BlockSize  uint32
	BlockCount uint32
	active     bool
}

// Registry is the single shared-memory-segment directory of every other
// sub-registry (§3 "Global registry"). The bootstrap process constructs
// one, fills it, then calls MarkInitialized; peers must not read it until
// Initialized() is true.
type Registry struct {
	mu          sync.Mutex
	initialized atomic.Bool

	processes     [constants.MaxProcesses]ProcessEntry
	nextProcessId uint32

	blocks     [constants.MaxBlocks]BlockEntry
	nextBlockId uint32

	connections [constants.MaxConnections]ConnectionEntry

	pools     [constants.MaxPools]PoolEntry
	nextPoolId uint32
}

// New constructs an empty Registry. Call MarkInitialized once the
// bootstrap process (if any) has finished any additional setup.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) MarkInitialized() { r.initialized.Store(true) }
func (r *Registry) Initialized() bool { return r.initialized.Load() }

// --- processes ---

// RegisterProcess allocates a stable ProcessId and records name.
func (r *Registry) RegisterProcess(name string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.processes {
		if !r.processes[i].active {
			r.nextProcessId++
			r.processes[i] = ProcessEntry{Id: r.nextProcessId, Name: name, active: true}
			return r.nextProcessId, nil
		}
	}
	return 0, ErrExhausted
}

func (r *Registry) UnregisterProcess(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.processes {
		if r.processes[i].active && r.processes[i].Id == id {
			r.processes[i] = ProcessEntry{}
			return nil
		}
	}
	return ErrNotFound
}

func (r *Registry) FindProcess(id uint32) (ProcessEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.processes {
		if p.active && p.Id == id {
			return p, true
		}
	}
	return ProcessEntry{}, false
}

func (r *Registry) ListProcesses() []ProcessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProcessEntry, 0, len(r.processes))
	for _, p := range r.processes {
		if p.active {
			out = append(out, p)
		}
	}
	return out
}

// --- blocks ---

func (r *Registry) RegisterBlock(name string, blockType, processId uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.blocks {
		if !r.blocks[i].active {
			r.nextBlockId++
			r.blocks[i] = BlockEntry{Id: r.nextBlockId, Name: name, Type: blockType, ProcessId: processId, active: true}
			return r.nextBlockId, nil
		}
	}
	return 0, ErrExhausted
}

func (r *Registry) UnregisterBlock(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.blocks {
		if r.blocks[i].active && r.blocks[i].Id == id {
			r.blocks[i] = BlockEntry{}
			return nil
		}
	}
	return ErrNotFound
}

func (r *Registry) FindBlock(id uint32) (BlockEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.blocks {
		if b.active && b.Id == id {
			return b, true
		}
	}
	return BlockEntry{}, false
}

func (r *Registry) ListBlocks() []BlockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BlockEntry, 0, len(r.blocks))
	for _, b := range r.blocks {
		if b.active {
			out = append(out, b)
		}
	}
	return out
}

// --- connections ---

func (r *Registry) RegisterConnection(key ConnectionKey, queueName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.connections {
		if c.active && c.Key == key {
			return errors.New("registry: connection already exists")
		}
	}
	for i := range r.connections {
		if !r.connections[i].active {
			r.connections[i] = ConnectionEntry{Key: key, QueueName: queueName, active: true}
			return nil
		}
	}
	return ErrExhausted
}

func (r *Registry) UnregisterConnection(key ConnectionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.connections {
		if r.connections[i].active && r.connections[i].Key == key {
			r.connections[i] = ConnectionEntry{}
			return nil
		}
	}
	return ErrNotFound
}

func (r *Registry) FindConnection(key ConnectionKey) (ConnectionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.connections {
		if c.active && c.Key == key {
			return c, true
		}
	}
	return ConnectionEntry{}, false
}

func (r *Registry) ListConnections() []ConnectionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionEntry, 0, len(r.connections))
	for _, c := range r.connections {
		if c.active {
			out = append(out, c)
		}
	}
	return out
}

// --- pools ---

func (r *Registry) RegisterPool(name string, blockSize, blockCount uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		if p.active && p.Name == name {
			return 0, errors.New("registry: pool name already registered")
		}
	}
	for i := range r.pools {
		if !r.pools[i].active {
			r.nextPoolId++
			r.pools[i] = PoolEntry{Id: r.nextPoolId, Name: name, BlockSize: blockSize, BlockCount: blockCount, active: true}
			return r.nextPoolId, nil
		}
	}
	return 0, ErrExhausted
}

func (r *Registry) UnregisterPool(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pools {
		if r.pools[i].active && r.pools[i].Id == id {
			r.pools[i] = PoolEntry{}
			return nil
		}
	}
	return ErrNotFound
}

func (r *Registry) FindPool(id uint32) (PoolEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		if p.active && p.Id == id {
			return p, true
		}
	}
	return PoolEntry{}, false
}

func (r *Registry) FindPoolByName(name string) (PoolEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		if p.active && p.Name == name {
			return p, true
		}
	}
	return PoolEntry{}, false
}

func (r *Registry) ListPools() []PoolEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PoolEntry, 0, len(r.pools))
	for _, p := range r.pools {
		if p.active {
			out = append(out, p)
		}
	}
	return out
}
