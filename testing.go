package flowshm

import (
	"sync"

	"github.com/flowshm/flowshm/block"
)

// MockBlock is a configurable block.Block for exercising the Scheduler
// and Runtime without real data movement: a scriptable Work() sequence
// plus method-call tracking, mirroring the teacher's MockBackend.
type MockBlock struct {
	*block.Base

	mu           sync.Mutex
	results      []block.WorkResult
	resultIdx    int
	initCalls    int
	startCalls   int
	workCalls    int
	stopCalls    int
	cleanupCalls int

	initErr  error
	startErr error
	stopErr  error
}

// NewMockBlock constructs a MockBlock whose Work() returns results in
// sequence, repeating the final entry once exhausted. With no results
// given it always reports WorkDone.
func NewMockBlock(id uint32, name string, inputs []*block.InputPort, outputs []*block.OutputPort, results ...block.WorkResult) *MockBlock {
	if len(results) == 0 {
		results = []block.WorkResult{block.WorkDone}
	}
	return &MockBlock{Base: block.NewBase(id, name, inputs, outputs), results: results}
}

// SetErrors makes Initialize/Start/Stop fail with the given errors (nil
// to leave a stage succeeding), for error-path tests.
func (m *MockBlock) SetErrors(initErr, startErr, stopErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr, m.startErr, m.stopErr = initErr, startErr, stopErr
}

func (m *MockBlock) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	if m.initErr != nil {
		return m.initErr
	}
	return m.Base.MarkReady()
}

func (m *MockBlock) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if m.startErr != nil {
		return m.startErr
	}
	return m.Base.MarkRunning()
}

func (m *MockBlock) Work() block.WorkResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workCalls++
	idx := m.resultIdx
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	} else {
		m.resultIdx++
	}
	r := m.results[idx]
	if r == block.WorkError {
		m.Base.MarkError()
	}
	return r
}

func (m *MockBlock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	if m.stopErr != nil {
		return m.stopErr
	}
	return m.Base.MarkStopped()
}

func (m *MockBlock) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupCalls++
	m.Base.DisconnectAll()
}

// CallCounts returns how many times each lifecycle method was invoked,
// for test assertions.
func (m *MockBlock) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"initialize": m.initCalls,
		"start":      m.startCalls,
		"work":       m.workCalls,
		"stop":       m.stopCalls,
		"cleanup":    m.cleanupCalls,
	}
}

var _ block.Block = (*MockBlock)(nil)
