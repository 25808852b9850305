package agent

import (
	"context"
	"sync"
)

// LoopFactory builds a loop for a new thread/session pair.
type LoopFactory func(threadID, sessionID string) *Loop

// Manager owns the live loops, one per thread, and their goroutines.
type Manager struct {
	factory LoopFactory

	mu     sync.Mutex
	loops  map[string]*Loop
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
	closed bool
}

// NewManager creates a manager; loops run under the given context until
// Close.
func NewManager(ctx context.Context, factory LoopFactory) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		factory: factory,
		loops:   make(map[string]*Loop),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// GetOrCreate returns the thread's loop, starting it on first use.
func (m *Manager) GetOrCreate(threadID, sessionID string) (*Loop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if loop, ok := m.loops[threadID]; ok {
		return loop, nil
	}

	loop := m.factory(threadID, sessionID)
	m.loops[threadID] = loop
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		loop.Run(m.ctx)
	}()
	return loop, nil
}

// Get returns an existing loop.
func (m *Manager) Get(threadID string) (*Loop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loop, ok := m.loops[threadID]
	return loop, ok
}

// Len reports the number of live loops.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}

// Close stops every loop and waits for their goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	loops := make([]*Loop, 0, len(m.loops))
	for _, loop := range m.loops {
		loops = append(loops, loop)
	}
	m.mu.Unlock()

	for _, loop := range loops {
		loop.Close()
	}
	m.cancel()
	m.wg.Wait()
}
