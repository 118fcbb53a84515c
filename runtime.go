// Package flowshm is the main API for building shared-memory dataflow
// graphs: a process constructs a Runtime, registers Blocks, connects
// their ports with Broadcast Port Queues, and starts a Scheduler to
// drive them — the dataflow analogue of go-ublk's CreateAndServe/
// StopAndDelete device lifecycle (§4.10).
package flowshm

import (
	"context"
	"fmt"
	"time"

	"github.com/flowshm/flowshm/block"
	"github.com/flowshm/flowshm/internal/allocator"
	"github.com/flowshm/flowshm/internal/bufmeta"
	"github.com/flowshm/flowshm/internal/clock"
	"github.com/flowshm/flowshm/internal/constants"
	"github.com/flowshm/flowshm/internal/logging"
	"github.com/flowshm/flowshm/internal/registry"
	"github.com/flowshm/flowshm/internal/portqueue"
	"github.com/flowshm/flowshm/scheduler"
	"github.com/flowshm/flowshm/shmmanager"
)

// Params configures a Runtime (§4.10).
type Params struct {
	// ProcessName identifies this process in the Global Registry.
	ProcessName string

	// UseMmap selects real /dev/shm-backed pools for genuine
	// multi-process sharing; false (the default) uses an in-process
	// MemSegment, adequate for a single-process graph or tests.
	UseMmap bool

	// Pools configures the Shm Manager's buffer pools; nil selects
	// shmmanager.DefaultConfigs().
	Pools []shmmanager.PoolConfig

	// Logger receives lifecycle and worker messages; nil uses
	// logging.Default().
	Logger *logging.Logger
}

// DefaultParams returns sensible defaults for a single-process Runtime.
func DefaultParams() Params {
	return Params{ProcessName: "flowshm", UseMmap: false}
}

// Runtime is one process's view of the dataflow graph: it owns the
// Global Registry, the Shm Manager's buffer pools, this process's
// Allocator, and the Scheduler driving every registered Block.
type Runtime struct {
	params Params
	logger *logging.Logger

	registry *registry.Registry
	shm      *shmmanager.Manager
	table    *bufmeta.Table
	alloc    *allocator.Allocator
	metrics  *Metrics

	processId uint32

	blocks  map[uint32]block.Block
	workers []*scheduler.Worker
	queues  map[registry.ConnectionKey]*portqueue.Queue

	sched   *scheduler.Scheduler
	running bool
}

// New constructs a Runtime and its local pools; call Initialize next.
func New(params Params) (*Runtime, error) {
	if params.Logger == nil {
		params.Logger = logging.Default()
	}
	if params.ProcessName == "" {
		params.ProcessName = "flowshm"
	}

	reg := registry.New()
	shm := shmmanager.New(params.UseMmap)

	pools := params.Pools
	if len(pools) == 0 {
		pools = shmmanager.DefaultConfigs()
	}
	for _, cfg := range pools {
		if err := shm.AddPool(cfg); err != nil {
			return nil, fmt.Errorf("flowshm: configuring pool %q: %w", cfg.Name, err)
		}
		if _, err := reg.RegisterPool(cfg.Name, cfg.BlockSize, cfg.BlockCount); err != nil {
			return nil, fmt.Errorf("flowshm: registering pool %q: %w", cfg.Name, err)
		}
	}

	processId, err := reg.RegisterProcess(params.ProcessName)
	if err != nil {
		return nil, fmt.Errorf("flowshm: registering process: %w", err)
	}

	table := bufmeta.NewTable()
	metrics := NewMetrics()
	alloc := allocator.NewWithRecorder(table, shm, processId, metrics)

	return &Runtime{
		params:    params,
		logger:    params.Logger,
		registry:  reg,
		shm:       shm,
		table:     table,
		alloc:     alloc,
		metrics:   metrics,
		processId: processId,
		blocks:    make(map[uint32]block.Block),
		queues:    make(map[registry.ConnectionKey]*portqueue.Queue),
	}, nil
}

// Initialize marks the Global Registry initialized (bootstrap=true, the
// first process to attach to a shared registry) or waits for another
// process to have done so (bootstrap=false), per §4.4's bootstrap
// protocol.
func (rt *Runtime) Initialize(bootstrap bool) error {
	if bootstrap {
		rt.registry.MarkInitialized()
		return nil
	}
	deadline := time.Now().Add(constants.RegistryBootstrapTimeout)
	for time.Now().Before(deadline) {
		if rt.registry.Initialized() {
			return nil
		}
		time.Sleep(constants.RegistryBootstrapPollInterval)
	}
	return fmt.Errorf("flowshm: timed out waiting for registry bootstrap")
}

// ProcessId returns this Runtime's registered ProcessId.
func (rt *Runtime) ProcessId() ProcessId { return ProcessId(rt.processId) }

// Allocate draws a reference-counted buffer of size bytes from the
// best-fitting configured pool (§4.5), recording allocation metrics.
func (rt *Runtime) Allocate(size uint32) (Handle, error) {
	start := clock.Default().Now()
	h, err := rt.alloc.Allocate(size, start.UnixNano())
	rt.metrics.RecordAllocate(uint64(time.Since(start).Nanoseconds()), err == nil)
	return Handle{h: h}, err
}

// CreateBlock registers b in the Global Registry and schedules it for
// Work() once Start is called.
func (rt *Runtime) CreateBlock(b block.Block, blockType BlockType) error {
	id, err := rt.registry.RegisterBlock(b.Name(), uint32(blockType), rt.processId)
	if err != nil {
		return fmt.Errorf("flowshm: registering block %q: %w", b.Name(), err)
	}
	rt.blocks[id] = b
	rt.workers = append(rt.workers, &scheduler.Worker{Block: b, CPUAffinity: -1})
	if err := b.Initialize(); err != nil {
		rt.registry.UnregisterBlock(id)
		delete(rt.blocks, id)
		rt.workers = rt.workers[:len(rt.workers)-1]
		return fmt.Errorf("flowshm: initializing block %q: %w", b.Name(), err)
	}
	return nil
}

// Connect attaches dstBlock's dstPort input to srcBlock's srcPort output,
// recording the connection in the Global Registry (§4.7, §4.10). Calling
// Connect again with a srcPort that is already attached joins the
// existing Broadcast Port Queue instead of erroring, so one output port
// can fan its stream out to any number of destination ports without
// copying (§4.7's broadcast semantics, exercised by a Split stage).
func (rt *Runtime) Connect(srcBlockId BlockId, srcPort *block.OutputPort, dstBlockId BlockId, dstPort *block.InputPort, capacity uint64) error {
	key := registry.ConnectionKey{
		SrcBlock: uint32(srcBlockId),
		SrcPort:  uint32(srcPort.Index()),
		DstBlock: uint32(dstBlockId),
		DstPort:  uint32(dstPort.Index()),
	}

	q := srcPort.Queue()
	createdSrcAttach := false
	if q == nil {
		name := fmt.Sprintf("conn-%d.%d", key.SrcBlock, key.SrcPort)
		q = portqueue.NewWithRecorder(name, capacity, rt.alloc, rt.metrics)
		if err := srcPort.Attach(q); err != nil {
			return fmt.Errorf("flowshm: attaching output port: %w", err)
		}
		createdSrcAttach = true
	}

	if err := rt.registry.RegisterConnection(key, q.Name()); err != nil {
		if createdSrcAttach {
			_ = srcPort.Disconnect()
		}
		return fmt.Errorf("flowshm: registering connection: %w", err)
	}
	if err := dstPort.Attach(q); err != nil {
		rt.registry.UnregisterConnection(key)
		if createdSrcAttach {
			_ = srcPort.Disconnect()
		}
		return fmt.Errorf("flowshm: attaching input port: %w", err)
	}
	rt.queues[key] = q
	return nil
}

// Start launches the Scheduler over every registered block.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.running {
		return fmt.Errorf("flowshm: runtime already started")
	}
	rt.sched = scheduler.NewWithClockAndRecorder(rt.workers, rt.logger, clock.Default(), rt.metrics)
	if err := rt.sched.Start(ctx); err != nil {
		return fmt.Errorf("flowshm: starting scheduler: %w", err)
	}
	rt.running = true
	rt.logger.Infof("flowshm: runtime started with %d blocks", len(rt.blocks))
	return nil
}

// Wait blocks until every worker goroutine exits.
func (rt *Runtime) Wait() error {
	if rt.sched == nil {
		return nil
	}
	return rt.sched.Wait()
}

// Stop halts the Scheduler, which stops and cleans up every block
// (disconnecting its ports); pools and registry entries are left intact.
// Blocks built on block.Base cannot go from Stopped back to Running, so a
// later Start fails for them.
func (rt *Runtime) Stop() error {
	if !rt.running {
		return nil
	}
	err := rt.sched.Stop()
	rt.running = false
	return err
}

// Shutdown stops the runtime, closes every port queue, releases every
// configured pool, and marks metrics stopped — the terminal teardown
// analogous to go-ublk's StopAndDelete.
func (rt *Runtime) Shutdown() error {
	err := rt.Stop()
	for _, q := range rt.queues {
		_ = q.Close()
	}
	if closeErr := rt.shm.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	rt.metrics.Stop()
	return err
}

// Stats aggregates pool utilization, runtime-wide metrics, and each
// block's Work() call counts (§4.11 get_stats).
type Stats struct {
	Pools   shmmanager.Stats
	Runtime MetricsSnapshot
	Blocks  []scheduler.WorkerStats
}

// Stats returns a point-in-time snapshot of the whole runtime. Blocks is
// empty until Start has launched the Scheduler.
func (rt *Runtime) Stats() Stats {
	st := Stats{Pools: rt.shm.GetStats(), Runtime: rt.metrics.Snapshot()}
	if rt.sched != nil {
		st.Blocks = rt.sched.Stats()
	}
	return st
}
