package flowshm

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/flowshm/flowshm/blocks"
	"github.com/flowshm/flowshm/internal/registry"
	"github.com/flowshm/flowshm/internal/portqueue"
	"github.com/flowshm/flowshm/shmmanager"
)

// skipIfShmUnwritable mirrors internal/shm's test helper of the same name
// so cross-process tests degrade gracefully in sandboxes without a
// writable /dev/shm.
func skipIfShmUnwritable(t *testing.T) {
	t.Helper()
	f, err := os.CreateTemp("/dev/shm", "flowshm-probe-*")
	if err != nil {
		t.Skipf("skipping: /dev/shm not writable: %v", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(Params{
		ProcessName: "test",
		Pools: []shmmanager.PoolConfig{
			{Name: "small", BlockSize: 64, BlockCount: 16},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Initialize(true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return rt
}

func TestRuntime_SourceSinkEndToEnd(t *testing.T) {
	rt := newTestRuntime(t)

	alloc := rt.alloc
	src := blocks.NewNullSource(1, "src", alloc, 16, 5)
	sink := blocks.NewNullSink(2, "sink", alloc)

	if err := rt.CreateBlock(src, 0); err != nil {
		t.Fatalf("CreateBlock(src): %v", err)
	}
	if err := rt.CreateBlock(sink, 2); err != nil {
		t.Fatalf("CreateBlock(sink): %v", err)
	}

	if err := rt.Connect(1, src.OutputPorts()[0], 2, sink.InputPorts()[0], 8); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Consumed() >= 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sink.Consumed() < 5 {
		t.Fatalf("Consumed() = %d, want at least 5", sink.Consumed())
	}

	if err := rt.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	stats := rt.Stats()
	if stats.Runtime.BuffersAllocated == 0 {
		t.Fatalf("expected nonzero BuffersAllocated in stats")
	}
	if stats.Runtime.ItemsPushed == 0 || stats.Runtime.ItemsPopped == 0 {
		t.Fatalf("expected nonzero push/pop counters, got %+v", stats.Runtime)
	}
	if stats.Runtime.BuffersFreed == 0 {
		t.Fatalf("expected nonzero BuffersFreed once the sink drops its handles, got %+v", stats.Runtime)
	}
	if stats.Runtime.WorkCalls == 0 {
		t.Fatalf("expected nonzero WorkCalls, got %+v", stats.Runtime)
	}
	if len(stats.Blocks) != 2 {
		t.Fatalf("len(Blocks) = %d, want 2", len(stats.Blocks))
	}
	var sawSrc, sawSink bool
	for _, b := range stats.Blocks {
		if b.BlockName == "src" {
			sawSrc = true
			if b.Calls == 0 {
				t.Fatalf("src worker reported zero Work() calls")
			}
		}
		if b.BlockName == "sink" {
			sawSink = true
			if b.OK < 5 {
				t.Fatalf("sink worker OK count = %d, want at least 5", b.OK)
			}
		}
	}
	if !sawSrc || !sawSink {
		t.Fatalf("expected both src and sink in per-block stats, got %+v", stats.Blocks)
	}
}

func TestRuntime_ConnectRollsBackOnAlreadyAttachedInput(t *testing.T) {
	rt := newTestRuntime(t)
	alloc := rt.alloc
	src := blocks.NewNullSource(1, "src", alloc, 16, 1)
	sink := blocks.NewNullSink(2, "sink", alloc)
	if err := rt.CreateBlock(src, 0); err != nil {
		t.Fatalf("CreateBlock(src): %v", err)
	}
	if err := rt.CreateBlock(sink, 2); err != nil {
		t.Fatalf("CreateBlock(sink): %v", err)
	}

	// Pre-attach the sink's input elsewhere so the Runtime's own Connect
	// call fails on InputPort.Attach and must unwind its registration.
	other := portqueue.New("other", 4, rt.alloc)
	if err := sink.InputPorts()[0].Attach(other); err != nil {
		t.Fatalf("pre-attach: %v", err)
	}

	if err := rt.Connect(1, src.OutputPorts()[0], 2, sink.InputPorts()[0], 4); err == nil {
		t.Fatalf("expected Connect to fail against an already-attached input port")
	}
	key := registry.ConnectionKey{SrcBlock: 1, SrcPort: 0, DstBlock: 2, DstPort: 0}
	if _, ok := rt.registry.FindConnection(key); ok {
		t.Fatalf("connection should have been unregistered on rollback")
	}
	if src.OutputPorts()[0].Attached() {
		t.Fatalf("src output port should have been disconnected on rollback")
	}
}

func TestRuntime_StartTwiceFails(t *testing.T) {
	rt := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := rt.Start(ctx); err == nil {
		t.Fatalf("second Start should fail while already running")
	}
	_ = rt.Shutdown()
}

// TestRuntime_DiamondBroadcastThenMerge drives scenario 5 (Source -> Split
// -> 3x Amplifier -> Merge -> Sink) through a real Runtime: one output port
// connected three times to broadcast via Connect's queue-reuse, recombined
// by a 3-input Merge ahead of a single-input NullSink.
func TestRuntime_DiamondBroadcastThenMerge(t *testing.T) {
	rt, err := New(Params{
		ProcessName: "diamond-test",
		Pools: []shmmanager.PoolConfig{
			{Name: "small", BlockSize: 64, BlockCount: 64},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Initialize(true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	alloc := rt.alloc
	const produced = 5
	const branches = 3

	src := blocks.NewNullSource(1, "src", alloc, 16, produced)
	amps := make([]*blocks.Amplifier, branches)
	for i := range amps {
		amps[i] = blocks.NewAmplifier(uint32(2+i), fmt.Sprintf("amp%d", i), alloc)
	}
	merge := blocks.NewMerge(5, "merge", alloc, branches)
	sink := blocks.NewNullSink(6, "sink", alloc)

	if err := rt.CreateBlock(src, 0); err != nil {
		t.Fatalf("CreateBlock(src): %v", err)
	}
	for i, amp := range amps {
		if err := rt.CreateBlock(amp, 1); err != nil {
			t.Fatalf("CreateBlock(amp%d): %v", i, err)
		}
	}
	if err := rt.CreateBlock(merge, 1); err != nil {
		t.Fatalf("CreateBlock(merge): %v", err)
	}
	if err := rt.CreateBlock(sink, 2); err != nil {
		t.Fatalf("CreateBlock(sink): %v", err)
	}

	for i, amp := range amps {
		if err := rt.Connect(1, src.OutputPorts()[0], BlockId(amp.Id()), amp.InputPorts()[0], 8); err != nil {
			t.Fatalf("Connect(src->amp%d): %v", i, err)
		}
	}
	if !src.OutputPorts()[0].Attached() {
		t.Fatalf("src output port should be attached after broadcast Connect calls")
	}
	for i, amp := range amps {
		if err := rt.Connect(BlockId(amp.Id()), amp.OutputPorts()[0], BlockId(merge.Id()), merge.InputPorts()[i], 8); err != nil {
			t.Fatalf("Connect(amp%d->merge): %v", i, err)
		}
	}
	if err := rt.Connect(BlockId(merge.Id()), merge.OutputPorts()[0], BlockId(sink.Id()), sink.InputPorts()[0], 8); err != nil {
		t.Fatalf("Connect(merge->sink): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := produced * branches
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Consumed() >= want {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sink.Consumed() < want {
		t.Fatalf("Consumed() = %d, want at least %d", sink.Consumed(), want)
	}

	if err := rt.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// TestRuntime_CrossProcessPoolHandoff drives scenario 6 (cross-process
// one-to-one): a second Manager joins the first's mmap-backed pool segment
// via JoinPool/pool.OpenMmap and reads/writes the same underlying bytes by
// BlockIndex, without recreating or truncating the segment.
func TestRuntime_CrossProcessPoolHandoff(t *testing.T) {
	skipIfShmUnwritable(t)

	cfg := shmmanager.PoolConfig{
		Name:       fmt.Sprintf("flowshm-xproc-test-%d", os.Getpid()),
		BlockSize:  64,
		BlockCount: 4,
	}

	rt, err := New(Params{
		ProcessName: "proc-a",
		UseMmap:     true,
		Pools:       []shmmanager.PoolConfig{cfg},
	})
	if err != nil {
		t.Fatalf("New(proc-a): %v", err)
	}
	if err := rt.Initialize(true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer func() {
		_ = shmmanager.RemoveNamedSegment(cfg.Name)
	}()

	h, err := rt.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	data, err := h.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	copy(data, []byte("cross-process"))

	entry := rt.table.Entry(uint32(h.Id()))
	blockIndex := entry.BlockIndex

	peer := shmmanager.New(true)
	if err := peer.JoinPool(cfg, time.Second); err != nil {
		t.Fatalf("JoinPool: %v", err)
	}
	defer peer.Close()

	ph, ok := peer.BestFit(16)
	if !ok {
		t.Fatalf("peer BestFit(16) failed to resolve the joined pool")
	}
	got := string(ph.BlockData(blockIndex)[:len("cross-process")])
	if got != "cross-process" {
		t.Fatalf("peer read %q via joined mapping, want %q", got, "cross-process")
	}

	ph.BlockData(blockIndex)[0] = 'X'
	if data[0] != 'X' {
		t.Fatalf("write via the peer's joined mapping did not cross back to the owner's own mapping")
	}

	h.Drop()
	_ = rt.Shutdown()
}
