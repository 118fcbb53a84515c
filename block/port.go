// Package block implements Ports & Block (§4.8): the input/output port
// attachment lifecycle and the Block work contract the Scheduler drives.
package block

import (
	"context"
	"errors"

	"github.com/flowshm/flowshm/internal/portqueue"
)

var (
	ErrAlreadyAttached = errors.New("block: port already attached")
	ErrNotAttached     = errors.New("block: port not attached")
)

// Direction distinguishes a Port's role.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// Port is the common shape of InputPort and OutputPort: a name, a
// direction, an index among the owning block's ports of that direction,
// and (once attached) the PortQueue it is bound to.
type Port struct {
	name      string
	direction Direction
	index     int
	queue     *portqueue.Queue
}

func (p *Port) Name() string           { return p.name }
func (p *Port) Direction() Direction    { return p.direction }
func (p *Port) Index() int             { return p.index }
func (p *Port) Queue() *portqueue.Queue { return p.queue }

// InputPort additionally owns a ConsumerId, acquired when a queue is
// attached and released on Disconnect (§4.8).
type InputPort struct {
	Port
	consumerId uint32
	attached   bool
}

// NewInputPort constructs an unattached input port.
func NewInputPort(name string, index int) *InputPort {
	return &InputPort{Port: Port{name: name, direction: DirectionInput, index: index}}
}

// Attach registers a new consumer on q and binds this port to it.
func (p *InputPort) Attach(q *portqueue.Queue) error {
	if p.attached {
		return ErrAlreadyAttached
	}
	id, err := q.RegisterConsumer()
	if err != nil {
		return err
	}
	p.queue = q
	p.consumerId = id
	p.attached = true
	return nil
}

// Attached reports whether the port currently owns a ConsumerId.
func (p *InputPort) Attached() bool { return p.attached }

// ConsumerId returns the id this port registered with its queue, valid
// only while Attached().
func (p *InputPort) ConsumerId() uint32 { return p.consumerId }

// Disconnect unregisters this port's consumer and detaches it; safe to
// call on an already-detached port.
func (p *InputPort) Disconnect() error {
	if !p.attached {
		return nil
	}
	err := p.queue.UnregisterConsumer(p.consumerId)
	p.attached = false
	p.queue = nil
	return err
}

// TryPop is the non-blocking read a block's work() should use: it must
// never suspend inside work() (§4.8, §9 "Coroutines / async. Not used").
func (p *InputPort) TryPop() (uint32, error) {
	if !p.attached {
		return 0, ErrNotAttached
	}
	return p.queue.TryPop(p.consumerId)
}

// Pop blocks (honoring ctx) until an element is available; intended for
// test harnesses and conformance sketches outside a scheduler's work()
// call, not for use inside work() itself.
func (p *InputPort) Pop(ctx context.Context) (uint32, error) {
	if !p.attached {
		return 0, ErrNotAttached
	}
	return p.queue.PopWait(ctx, p.consumerId)
}

// OutputPort attaches to a queue as producer only; it never owns a
// ConsumerId.
type OutputPort struct {
	Port
	attached bool
}

// NewOutputPort constructs an unattached output port.
func NewOutputPort(name string, index int) *OutputPort {
	return &OutputPort{Port: Port{name: name, direction: DirectionOutput, index: index}}
}

// Attach binds this port to q as its producer.
func (p *OutputPort) Attach(q *portqueue.Queue) error {
	if p.attached {
		return ErrAlreadyAttached
	}
	p.queue = q
	p.attached = true
	return nil
}

func (p *OutputPort) Attached() bool { return p.attached }

func (p *OutputPort) Disconnect() error {
	p.attached = false
	p.queue = nil
	return nil
}

// TryPush is the non-blocking write a block's work() should use.
func (p *OutputPort) TryPush(bufferId uint32) error {
	if !p.attached {
		return ErrNotAttached
	}
	return p.queue.TryPush(bufferId)
}

// Push blocks (honoring ctx) until there is room; intended for test
// harnesses, not for use inside work().
func (p *OutputPort) Push(ctx context.Context, bufferId uint32) error {
	if !p.attached {
		return ErrNotAttached
	}
	return p.queue.Push(ctx, bufferId)
}
