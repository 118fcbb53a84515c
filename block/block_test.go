package block

import (
	"testing"

	"github.com/flowshm/flowshm/internal/allocator"
	"github.com/flowshm/flowshm/internal/portqueue"
)

type fakeRefsForPortTest struct{}

func newFakeRefsForPortTest() *fakeRefsForPortTest { return &fakeRefsForPortTest{} }

func (*fakeRefsForPortTest) Increment(allocator.BufferId) int64 { return 1 }
func (*fakeRefsForPortTest) Decrement(allocator.BufferId) int64 { return 0 }

func newTestQueue(refs portqueue.RefCounter) *portqueue.Queue {
	return portqueue.New("test", 4, refs)
}

func TestBase_StateMachineTransitions(t *testing.T) {
	b := NewBase(1, "test", nil, nil)
	if b.State() != StateCreated {
		t.Fatalf("initial state = %v, want StateCreated", b.State())
	}

	if err := b.MarkReady(); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if b.State() != StateReady {
		t.Fatalf("state after MarkReady = %v", b.State())
	}

	if err := b.MarkRunning(); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if b.State() != StateRunning {
		t.Fatalf("state after MarkRunning = %v", b.State())
	}

	if err := b.MarkStopped(); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}
	if b.State() != StateStopped {
		t.Fatalf("state after MarkStopped = %v", b.State())
	}
}

func TestBase_InvalidTransitionRejected(t *testing.T) {
	b := NewBase(1, "test", nil, nil)
	if err := b.MarkRunning(); err != ErrInvalidTransition {
		t.Fatalf("MarkRunning from Created = %v, want ErrInvalidTransition", err)
	}
}

func TestBase_MarkErrorThenStop(t *testing.T) {
	b := NewBase(1, "test", nil, nil)
	b.MarkError()
	if b.State() != StateError {
		t.Fatalf("state after MarkError = %v", b.State())
	}
	if err := b.MarkStopped(); err != nil {
		t.Fatalf("MarkStopped from Error: %v", err)
	}
}

func TestPorts_AttachDisconnectLifecycle(t *testing.T) {
	refs := newFakeRefsForPortTest()
	q := newTestQueue(refs)

	in := NewInputPort("in", 0)
	if err := in.Attach(q); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !in.Attached() {
		t.Fatalf("port should report attached")
	}
	if err := in.Attach(q); err != ErrAlreadyAttached {
		t.Fatalf("double Attach = %v, want ErrAlreadyAttached", err)
	}
	if err := in.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if in.Attached() {
		t.Fatalf("port should report detached")
	}
	if err := in.Disconnect(); err != nil {
		t.Fatalf("Disconnect on already-detached port should be a no-op, got %v", err)
	}
}
