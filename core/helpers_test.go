package core

import (
	"sync"
	"testing"
	"time"

	"github.com/chhz0/taskq/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testCore struct {
	store   *storage.MemoryStorage
	tasks   *TaskRegistry
	workers *WorkerRegistry
	clock   *fakeClock
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	store := storage.NewMemoryStorage()
	clock := newFakeClock()
	workers := NewWorkerRegistry(store)
	workers.now = clock.Now
	tasks := NewTaskRegistry(store, workers, 3)
	tasks.now = clock.Now
	return &testCore{store: store, tasks: tasks, workers: workers, clock: clock}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func strPtr(s string) *string { return &s }
