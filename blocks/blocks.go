// Package blocks holds the example blocks the specification names only
// as conformance sketches (amplifier, null source, null sink, merge):
// minimal, deliberately unoptimized implementations that exercise a
// Runtime end-to-end without representing a production block library
// (§1 Non-goals).
package blocks

import (
	"fmt"

	"github.com/flowshm/flowshm/block"
	"github.com/flowshm/flowshm/internal/allocator"
)

// NullSource pushes freshly allocated buffers of bufferSize bytes (their
// payload is never written) to its single output port until it has
// produced count buffers, then reports WorkDone. It never reads input.
type NullSource struct {
	*block.Base
	alloc     *allocator.Allocator
	size      uint32
	count     int
	produced  int
}

// NewNullSource constructs a source with one output port named "out".
func NewNullSource(id uint32, name string, alloc *allocator.Allocator, bufferSize uint32, count int) *NullSource {
	out := block.NewOutputPort("out", 0)
	return &NullSource{
		Base:  block.NewBase(id, name, nil, []*block.OutputPort{out}),
		alloc: alloc,
		size:  bufferSize,
		count: count,
	}
}

func (s *NullSource) Initialize() error { return s.Base.MarkReady() }
func (s *NullSource) Start() error      { return s.Base.MarkRunning() }

func (s *NullSource) Work() block.WorkResult {
	if s.produced >= s.count {
		return block.WorkDone
	}
	h, err := s.alloc.Allocate(s.size, 0)
	if err != nil {
		return block.WorkInsufficientOutput
	}
	out := s.OutputPorts()[0]
	if err := out.TryPush(uint32(h.Id())); err != nil {
		h.Drop()
		return block.WorkInsufficientOutput
	}
	s.produced++
	return block.WorkOK
}

func (s *NullSource) Stop() error { return s.Base.MarkStopped() }
func (s *NullSource) Cleanup()    { s.Base.DisconnectAll() }

var _ block.Block = (*NullSource)(nil)

// NullSink pops from its single input port and immediately drops every
// buffer it receives, counting how many it has consumed.
type NullSink struct {
	*block.Base
	alloc    *allocator.Allocator
	consumed int
}

// NewNullSink constructs a sink with one input port named "in".
func NewNullSink(id uint32, name string, alloc *allocator.Allocator) *NullSink {
	in := block.NewInputPort("in", 0)
	return &NullSink{Base: block.NewBase(id, name, []*block.InputPort{in}, nil), alloc: alloc}
}

func (s *NullSink) Initialize() error { return s.Base.MarkReady() }
func (s *NullSink) Start() error      { return s.Base.MarkRunning() }

func (s *NullSink) Work() block.WorkResult {
	in := s.InputPorts()[0]
	id, err := in.TryPop()
	if err != nil {
		return block.WorkInsufficientInput
	}
	s.alloc.WrapExisting(allocator.BufferId(id)).Drop()
	s.consumed++
	return block.WorkOK
}

func (s *NullSink) Consumed() int { return s.consumed }

func (s *NullSink) Stop() error { return s.Base.MarkStopped() }
func (s *NullSink) Cleanup()    { s.Base.DisconnectAll() }

var _ block.Block = (*NullSink)(nil)

// Amplifier reads one buffer from "in", allocates a same-size output
// buffer, copies the payload into it, and pushes the copy to "out"
// (§1's note that in-place vs. copy-on-write amplification semantics are
// explicitly unspecified beyond zero-copy transport — this sketch picks
// the copying side of that open question for simplicity, see DESIGN.md),
// then drops its input reference.
type Amplifier struct {
	*block.Base
	alloc *allocator.Allocator
}

// NewAmplifier constructs a one-in, one-out passthrough block.
func NewAmplifier(id uint32, name string, alloc *allocator.Allocator) *Amplifier {
	in := block.NewInputPort("in", 0)
	out := block.NewOutputPort("out", 0)
	return &Amplifier{
		Base:  block.NewBase(id, name, []*block.InputPort{in}, []*block.OutputPort{out}),
		alloc: alloc,
	}
}

func (a *Amplifier) Initialize() error { return a.Base.MarkReady() }
func (a *Amplifier) Start() error      { return a.Base.MarkRunning() }

func (a *Amplifier) Work() block.WorkResult {
	in := a.InputPorts()[0]
	out := a.OutputPorts()[0]

	inId, err := in.TryPop()
	if err != nil {
		return block.WorkInsufficientInput
	}
	inHandle := a.alloc.WrapExisting(allocator.BufferId(inId))
	defer inHandle.Drop()

	srcData, err := inHandle.Data()
	if err != nil {
		return block.WorkError
	}

	outHandle, err := a.alloc.Allocate(uint32(len(srcData)), 0)
	if err != nil {
		return block.WorkInsufficientOutput
	}
	dstData, err := outHandle.Data()
	if err != nil {
		outHandle.Drop()
		return block.WorkError
	}
	copy(dstData, srcData)

	if err := out.TryPush(uint32(outHandle.Id())); err != nil {
		outHandle.Drop()
		return block.WorkInsufficientOutput
	}
	return block.WorkOK
}

func (a *Amplifier) Stop() error { return a.Base.MarkStopped() }
func (a *Amplifier) Cleanup()    { a.Base.DisconnectAll() }

var _ block.Block = (*Amplifier)(nil)

// Merge round-robins across N input ports, forwarding each popped buffer
// unchanged to its single output port without reallocating it — the
// fan-in half of a diamond graph (Split broadcasts one output to several
// branches, Merge collapses them back into one stream ahead of a
// single-input sink).
type Merge struct {
	*block.Base
	alloc *allocator.Allocator
	next  int
}

// NewMerge constructs a Merge with inputs input ports named "in0" through
// "in<inputs-1>" and one output port named "out".
func NewMerge(id uint32, name string, alloc *allocator.Allocator, inputs int) *Merge {
	ins := make([]*block.InputPort, inputs)
	for i := range ins {
		ins[i] = block.NewInputPort(fmt.Sprintf("in%d", i), i)
	}
	out := block.NewOutputPort("out", 0)
	return &Merge{
		Base:  block.NewBase(id, name, ins, []*block.OutputPort{out}),
		alloc: alloc,
	}
}

func (m *Merge) Initialize() error { return m.Base.MarkReady() }
func (m *Merge) Start() error      { return m.Base.MarkRunning() }

func (m *Merge) Work() block.WorkResult {
	ins := m.InputPorts()
	out := m.OutputPorts()[0]
	for i := 0; i < len(ins); i++ {
		idx := (m.next + i) % len(ins)
		bufferId, err := ins[idx].TryPop()
		if err != nil {
			continue
		}
		m.next = (idx + 1) % len(ins)
		if err := out.TryPush(bufferId); err != nil {
			m.alloc.WrapExisting(allocator.BufferId(bufferId)).Drop()
			return block.WorkInsufficientOutput
		}
		return block.WorkOK
	}
	return block.WorkInsufficientInput
}

func (m *Merge) Stop() error { return m.Base.MarkStopped() }
func (m *Merge) Cleanup()    { m.Base.DisconnectAll() }

var _ block.Block = (*Merge)(nil)
