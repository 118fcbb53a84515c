package blocks

import (
	"testing"

	"github.com/flowshm/flowshm/internal/allocator"
	"github.com/flowshm/flowshm/internal/bufmeta"
	"github.com/flowshm/flowshm/internal/portqueue"
)

type fakePool struct {
	id        uint32
	blockSize uint32
	free      []uint32
	data      map[uint32][]byte
}

func newFakePool(id, blockSize, count uint32) *fakePool {
	fp := &fakePool{id: id, blockSize: blockSize, data: map[uint32][]byte{}}
	for i := uint32(0); i < count; i++ {
		fp.free = append(fp.free, i)
		fp.data[i] = make([]byte, blockSize)
	}
	return fp
}

func (p *fakePool) Id() uint32        { return p.id }
func (p *fakePool) BlockSize() uint32 { return p.blockSize }
func (p *fakePool) AllocateBlock() (uint32, error) {
	if len(p.free) == 0 {
		return 0, allocator.ErrExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return idx, nil
}
func (p *fakePool) FreeBlock(idx uint32)          { p.free = append(p.free, idx) }
func (p *fakePool) BlockOffset(idx uint32) uint64 { return uint64(idx) * uint64(p.blockSize) }
func (p *fakePool) BlockData(idx uint32) []byte   { return p.data[idx] }

type fakeProvider struct{ pool *fakePool }

func (fp *fakeProvider) BestFit(size uint32) (allocator.PoolHandle, bool) {
	if size > fp.pool.BlockSize() {
		return nil, false
	}
	return fp.pool, true
}
func (fp *fakeProvider) Lookup(poolId uint32) (allocator.PoolHandle, bool) {
	if poolId != fp.pool.Id() {
		return nil, false
	}
	return fp.pool, true
}

func newTestAllocator() *allocator.Allocator {
	return allocator.New(bufmeta.NewTable(), &fakeProvider{pool: newFakePool(1, 256, 16)}, 1)
}

func TestNullSourceToNullSink(t *testing.T) {
	alloc := newTestAllocator()
	src := NewNullSource(1, "src", alloc, 16, 3)
	sink := NewNullSink(2, "sink", alloc)
	if err := src.Initialize(); err != nil {
		t.Fatalf("src.Initialize: %v", err)
	}
	if err := sink.Initialize(); err != nil {
		t.Fatalf("sink.Initialize: %v", err)
	}

	q := portqueue.New("src-sink", 8, alloc)
	if err := src.OutputPorts()[0].Attach(q); err != nil {
		t.Fatalf("attach output: %v", err)
	}
	if err := sink.InputPorts()[0].Attach(q); err != nil {
		t.Fatalf("attach input: %v", err)
	}

	for i := 0; i < 3; i++ {
		if r := src.Work(); r != 0 { // 0 == block.WorkOK
			t.Fatalf("src.Work()[%d] = %v, want WorkOK", i, r)
		}
	}
	if r := src.Work(); r != 3 { // 3 == block.WorkDone
		t.Fatalf("src.Work() after producing count = %v, want WorkDone", r)
	}

	for i := 0; i < 3; i++ {
		if r := sink.Work(); r != 0 {
			t.Fatalf("sink.Work()[%d] = %v, want WorkOK", i, r)
		}
	}
	if sink.Consumed() != 3 {
		t.Fatalf("Consumed() = %d, want 3", sink.Consumed())
	}
	if r := sink.Work(); r != 1 { // 1 == block.WorkInsufficientInput
		t.Fatalf("sink.Work() on drained queue = %v, want WorkInsufficientInput", r)
	}
}

func TestAmplifierCopiesPayloadWithoutAliasing(t *testing.T) {
	alloc := newTestAllocator()
	amp := NewAmplifier(1, "amp", alloc)
	if err := amp.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	inQ := portqueue.New("in", 4, alloc)
	outQ := portqueue.New("out", 4, alloc)
	if err := amp.InputPorts()[0].Attach(inQ); err != nil {
		t.Fatalf("attach input: %v", err)
	}
	if err := amp.OutputPorts()[0].Attach(outQ); err != nil {
		t.Fatalf("attach output: %v", err)
	}
	outConsumer, err := outQ.RegisterConsumer()
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	src, err := alloc.Allocate(16, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	data, _ := src.Data()
	data[0] = 0x7A
	if err := inQ.TryPush(uint32(src.Id())); err != nil {
		t.Fatalf("TryPush: %v", err)
	}

	if r := amp.Work(); r != 0 {
		t.Fatalf("amp.Work() = %v, want WorkOK", r)
	}

	outId, err := outQ.TryPop(outConsumer)
	if err != nil {
		t.Fatalf("TryPop output: %v", err)
	}
	if outId == uint32(src.Id()) {
		t.Fatalf("amplifier must allocate a distinct output buffer, not alias the input")
	}
	outHandle := alloc.WrapExisting(allocator.BufferId(outId))
	outData, _ := outHandle.Data()
	if outData[0] != 0x7A {
		t.Fatalf("copied payload byte = %x, want 0x7a", outData[0])
	}
	outHandle.Drop()
}

func TestMergeRoundRobinsAcrossInputs(t *testing.T) {
	alloc := newTestAllocator()
	merge := NewMerge(1, "merge", alloc, 3)
	if err := merge.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	inQs := make([]*portqueue.Queue, 3)
	for i := range inQs {
		inQs[i] = portqueue.New("in", 4, alloc)
		if err := merge.InputPorts()[i].Attach(inQs[i]); err != nil {
			t.Fatalf("attach input %d: %v", i, err)
		}
	}
	outQ := portqueue.New("out", 8, alloc)
	if err := merge.OutputPorts()[0].Attach(outQ); err != nil {
		t.Fatalf("attach output: %v", err)
	}
	outConsumer, err := outQ.RegisterConsumer()
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	// Queue one buffer on each input, identified by a distinguishing byte.
	ids := make([]uint32, 3)
	for i, q := range inQs {
		h, err := alloc.Allocate(4, 0)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		data, _ := h.Data()
		data[0] = byte('a' + i)
		ids[i] = uint32(h.Id())
		if err := q.TryPush(ids[i]); err != nil {
			t.Fatalf("TryPush input %d: %v", i, err)
		}
	}

	seen := map[byte]bool{}
	for i := 0; i < 3; i++ {
		if r := merge.Work(); r != 0 { // WorkOK
			t.Fatalf("merge.Work()[%d] = %v, want WorkOK", i, r)
		}
		outId, err := outQ.TryPop(outConsumer)
		if err != nil {
			t.Fatalf("TryPop[%d]: %v", i, err)
		}
		h := alloc.WrapExisting(allocator.BufferId(outId))
		data, _ := h.Data()
		seen[data[0]] = true
		h.Drop()
	}
	if len(seen) != 3 {
		t.Fatalf("merge forwarded %d distinct buffers, want 3 (one per input)", len(seen))
	}

	if r := merge.Work(); r != 1 { // WorkInsufficientInput
		t.Fatalf("merge.Work() with all inputs drained = %v, want WorkInsufficientInput", r)
	}
}

func TestAmplifierWithoutInputReportsInsufficientInput(t *testing.T) {
	alloc := newTestAllocator()
	amp := NewAmplifier(1, "amp", alloc)
	if err := amp.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	inQ := portqueue.New("in", 4, alloc)
	outQ := portqueue.New("out", 4, alloc)
	_ = amp.InputPorts()[0].Attach(inQ)
	_ = amp.OutputPorts()[0].Attach(outQ)

	if r := amp.Work(); r != 1 { // WorkInsufficientInput
		t.Fatalf("amp.Work() on empty input = %v, want WorkInsufficientInput", r)
	}
}
