package flowshm

import (
	"fmt"
	"time"

	"github.com/flowshm/flowshm/internal/allocator"
	"github.com/flowshm/flowshm/internal/clock"
)

// ProcessId, BlockId, BufferId, PoolId and ConsumerId are the fixed-width
// identifiers that cross shared-memory structures. Each has an Invalid*
// sentinel: zero for ProcessId, BlockId and PoolId (the registry and Shm
// Manager number those from 1), and the all-ones value for BufferId and
// ConsumerId, which are slot indices where 0 is a valid id.
type (
	ProcessId  uint32
	BlockId    uint32
	BufferId   uint32
	PoolId     uint32
	ConsumerId uint32
)

const (
	InvalidProcessId  ProcessId  = 0
	InvalidBlockId    BlockId    = 0
	InvalidBufferId   BufferId   = ^BufferId(0)
	InvalidPoolId     PoolId     = 0
	InvalidConsumerId ConsumerId = ^ConsumerId(0)
)

// Timestamp is 64-bit nanoseconds since the Unix epoch, read from the
// wall clock. It is not monotonic: an adjustment of the system clock can
// move later Timestamp values backward.
type Timestamp int64

// Now returns the current Timestamp from internal/clock's cached clock,
// which is refreshed at millisecond resolution.
func Now() Timestamp {
	return Timestamp(clock.Now().UnixNano())
}

func (t Timestamp) Micros() int64 { return int64(t) / int64(time.Microsecond) }
func (t Timestamp) Millis() int64 { return int64(t) / int64(time.Millisecond) }
func (t Timestamp) Seconds() float64 {
	return float64(t) / float64(time.Second)
}

func FromMicros(us int64) Timestamp { return Timestamp(us * int64(time.Microsecond)) }
func FromMillis(ms int64) Timestamp { return Timestamp(ms * int64(time.Millisecond)) }

// TimeRange marks the span of time a buffer's payload is considered valid
// for, e.g. for samples aggregated from several sources. A zero-value
// TimeRange means "no range recorded".
type TimeRange struct {
	Start Timestamp
	End   Timestamp
}

func (r TimeRange) IsZero() bool { return r.Start == 0 && r.End == 0 }

// Status is the closed set of outcomes every blocking-capable operation in
// flowshm can return. It is never extended by callers.
type Status int

const (
	StatusOK Status = iota
	StatusWouldBlock
	StatusTimeout
	StatusClosed
	StatusFull
	StatusEmpty
	StatusNotFound
	StatusInvalidArg
	StatusExhausted
	StatusUninitialized
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWouldBlock:
		return "WOULD_BLOCK"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusClosed:
		return "CLOSED"
	case StatusFull:
		return "FULL"
	case StatusEmpty:
		return "EMPTY"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusInvalidArg:
		return "INVALID_ARG"
	case StatusExhausted:
		return "EXHAUSTED"
	case StatusUninitialized:
		return "UNINITIALIZED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// WorkResult is the closed set of outcomes a Block's work() call may
// return to the scheduler (§4.8).
type WorkResult int

const (
	WorkOK WorkResult = iota
	WorkInsufficientInput
	WorkInsufficientOutput
	WorkDone
	WorkError
)

func (w WorkResult) String() string {
	switch w {
	case WorkOK:
		return "OK"
	case WorkInsufficientInput:
		return "INSUFFICIENT_INPUT"
	case WorkInsufficientOutput:
		return "INSUFFICIENT_OUTPUT"
	case WorkDone:
		return "DONE"
	case WorkError:
		return "ERROR"
	default:
		return fmt.Sprintf("WorkResult(%d)", int(w))
	}
}

// BlockType is the closed tag distinguishing the three built-in block
// roles; user-defined blocks still pick one of these to describe their
// position in the graph.
type BlockType int

const (
	BlockSource BlockType = iota
	BlockProcessing
	BlockSink
)

// BlockState tracks a block through its lifecycle, Created -> Ready ->
// Running -> Stopped, with Error as an additional sink state reachable
// from Running.
type BlockState int

const (
	StateCreated BlockState = iota
	StateReady
	StateRunning
	StateStopped
	StateError
)

func (s BlockState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("BlockState(%d)", int(s))
	}
}

// PortDirection distinguishes a Port's role on its owning block.
type PortDirection int

const (
	DirectionInput PortDirection = iota
	DirectionOutput
)

// Handle is a reference-counted buffer handle in the §4.1 vocabulary: the
// public counterpart to internal/allocator.Handle, returned by
// Runtime.Allocate so callers outside this module never need to name an
// internal/ type to hold a buffer reference.
type Handle struct {
	h allocator.Handle
}

// Id returns the BufferId this handle references.
func (h Handle) Id() BufferId { return BufferId(h.h.Id()) }

// Size returns the buffer's allocated size in bytes.
func (h Handle) Size() uint32 { return h.h.Size() }

// Timestamp returns the Timestamp recorded at allocation.
func (h Handle) Timestamp() Timestamp { return Timestamp(h.h.Timestamp()) }

// SetTimeRange records the span of time this buffer's payload covers.
func (h Handle) SetTimeRange(r TimeRange) { h.h.SetTimeRange(int64(r.Start), int64(r.End)) }

// Data returns the buffer's payload bytes, or an error if the handle's
// reference has already been dropped.
func (h Handle) Data() ([]byte, error) { return h.h.Data() }

// Clone returns a new Handle sharing the same buffer, incrementing its
// refcount; the buffer is freed only once every clone has been Dropped.
func (h Handle) Clone() Handle { return Handle{h: h.h.Clone()} }

// Drop releases this handle's reference, freeing the buffer once the
// refcount reaches zero.
func (h Handle) Drop() { h.h.Drop() }
