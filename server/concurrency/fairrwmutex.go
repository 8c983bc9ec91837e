package concurrency

import "sync"

// FairRWMutex is a reader/writer lock which admits waiters in arrival order.
// A waiting writer blocks readers which arrived after it, so a steady stream
// of readers cannot starve writers. Consecutive waiting readers are admitted
// together. The zero value is an unlocked mutex.
type FairRWMutex struct {
	mu      sync.Mutex
	readers int
	writer  bool
	queue   []*rwWaiter
}

type rwWaiter struct {
	write bool
	ready chan struct{}
}

// Lock locks m for writing.
func (m *FairRWMutex) Lock() {
	m.mu.Lock()
	if !m.writer && m.readers == 0 && len(m.queue) == 0 {
		m.writer = true
		m.mu.Unlock()
		return
	}
	w := &rwWaiter{write: true, ready: make(chan struct{})}
	m.queue = append(m.queue, w)
	m.mu.Unlock()
	<-w.ready
}

// Unlock unlocks m for writing.
func (m *FairRWMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.writer {
		panic("concurrency: Unlock of unlocked FairRWMutex")
	}
	m.writer = false
	m.admit()
}

// RLock locks m for reading.
func (m *FairRWMutex) RLock() {
	m.mu.Lock()
	if !m.writer && len(m.queue) == 0 {
		m.readers++
		m.mu.Unlock()
		return
	}
	w := &rwWaiter{ready: make(chan struct{})}
	m.queue = append(m.queue, w)
	m.mu.Unlock()
	<-w.ready
}

// RUnlock undoes a single RLock call.
func (m *FairRWMutex) RUnlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readers <= 0 {
		panic("concurrency: RUnlock of unlocked FairRWMutex")
	}
	m.readers--
	if m.readers == 0 {
		m.admit()
	}
}

// admit wakes up the head of the queue: either one writer or a run of readers.
// Must be called with m.mu held.
func (m *FairRWMutex) admit() {
	for len(m.queue) > 0 && !m.writer {
		w := m.queue[0]
		if w.write && m.readers > 0 {
			return
		}
		m.queue[0] = nil
		m.queue = m.queue[1:]
		if w.write {
			m.writer = true
		} else {
			m.readers++
		}
		close(w.ready)
	}
}
