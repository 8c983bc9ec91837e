package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRoutinePoolRunsAllTasks(t *testing.T) {
	p := NewGoRoutinePool(4)
	defer p.Stop()

	var wg sync.WaitGroup
	var count int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Schedule(func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}
	wg.Wait()
	if count != 100 {
		t.Errorf("expected 100 tasks to run, got %d", count)
	}
}

func TestGoRoutinePoolScheduleContext(t *testing.T) {
	p := NewGoRoutinePool(1)
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.ScheduleContext(context.Background(), func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started

	// The only worker is busy: scheduling must honor the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.ScheduleContext(ctx, func() {}); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	close(release)
}

func TestGoRoutinePoolStopped(t *testing.T) {
	p := NewGoRoutinePool(1)
	p.Stop()
	p.Stop()
	if err := p.ScheduleContext(context.Background(), func() {}); err != ErrPoolStopped {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
}

func queued(m *FairRWMutex) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func waitQueued(t *testing.T, m *FairRWMutex, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for queued(m) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d queued waiters", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFairRWMutexWriterNotStarved(t *testing.T) {
	var m FairRWMutex
	var order []string

	m.RLock()

	writerDone := make(chan struct{})
	go func() {
		m.Lock()
		order = append(order, "writer")
		m.Unlock()
		close(writerDone)
	}()
	waitQueued(t, &m, 1)

	readerDone := make(chan struct{})
	go func() {
		m.RLock()
		order = append(order, "reader")
		m.RUnlock()
		close(readerDone)
	}()
	waitQueued(t, &m, 2)

	select {
	case <-readerDone:
		t.Fatal("late reader was admitted ahead of a waiting writer")
	case <-time.After(20 * time.Millisecond):
	}

	m.RUnlock()
	<-writerDone
	<-readerDone

	if len(order) != 2 || order[0] != "writer" || order[1] != "reader" {
		t.Errorf("unexpected admission order %v", order)
	}
}

func TestFairRWMutexReadersShare(t *testing.T) {
	var m FairRWMutex
	m.RLock()
	done := make(chan struct{})
	go func() {
		m.RLock()
		m.RUnlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked while only readers hold the lock")
	}
	m.RUnlock()
}

func TestFairRWMutexExclusion(t *testing.T) {
	var m FairRWMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Lock()
			counter++
			m.Unlock()
		}()
		go func() {
			defer wg.Done()
			m.RLock()
			_ = counter
			m.RUnlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("expected counter 50, got %d", counter)
	}
}
