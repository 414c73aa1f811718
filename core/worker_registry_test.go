package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chhz0/taskq/types"
)

func TestRegisterTwiceKeepsOneRecord(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	first, err := c.workers.RegisterOrReactivate(ctx, types.WorkerRegistration{WorkerID: "w1", HostAddress: "10.0.0.1", Port: 8001}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	c.clock.Advance(time.Minute)
	second, err := c.workers.RegisterOrReactivate(ctx, types.WorkerRegistration{WorkerID: "w1", HostAddress: "10.0.0.2", Port: 8002}, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if first.ID != second.ID {
		t.Fatalf("duplicate record: %d vs %d", first.ID, second.ID)
	}
	if second.HostAddress != "10.0.0.2" || second.Port != 8002 || second.Status != types.WorkerActive {
		t.Fatalf("second registration: %+v", second)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatal("registration time changed on reactivation")
	}

	all, _ := c.store.ListWorkers(ctx, types.WorkerActive)
	if len(all) != 1 {
		t.Fatalf("workers = %d, want 1", len(all))
	}
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	for _, reg := range []types.WorkerRegistration{{}, {WorkerID: "w", Port: -1}, {WorkerID: "w", Port: 70000}} {
		if _, err := c.workers.RegisterOrReactivate(ctx, reg, ""); !errors.Is(err, types.ErrInvalidRequest) {
			t.Errorf("%+v: expected ErrInvalidRequest, got %v", reg, err)
		}
	}
}

func TestHeartbeatGhostWorker(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	ok, err := c.workers.Heartbeat(ctx, "ghost-worker")
	if err != nil || ok {
		t.Fatalf("heartbeat = %v, %v", ok, err)
	}
	if _, err := c.store.GetWorker(ctx, "ghost-worker"); !errors.Is(err, types.ErrWorkerNotFound) {
		t.Fatal("heartbeat created a worker")
	}
}

func TestHeartbeatReactivates(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	c.workers.RegisterOrReactivate(ctx, types.WorkerRegistration{WorkerID: "w1"}, "")
	c.clock.Advance(10 * time.Minute)
	if active, _ := c.workers.ListActiveWorkers(ctx, 5*time.Minute); len(active) != 0 {
		t.Fatalf("stale worker listed: %+v", active)
	}
	w, _ := c.store.GetWorker(ctx, "w1")
	if w.Status != types.WorkerInactive {
		t.Fatalf("status = %s, want Inactive", w.Status)
	}

	ok, err := c.workers.Heartbeat(ctx, "w1")
	if !ok || err != nil {
		t.Fatalf("heartbeat = %v, %v", ok, err)
	}
	active, _ := c.workers.ListActiveWorkers(ctx, 5*time.Minute)
	if len(active) != 1 || !active[0].LastHeartbeat.Equal(c.clock.Now()) {
		t.Fatalf("active = %+v", active)
	}
}

func TestListActiveWorkersSweep(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	c.workers.RegisterOrReactivate(ctx, types.WorkerRegistration{WorkerID: "old"}, "")
	c.clock.Advance(4 * time.Minute)
	c.workers.RegisterOrReactivate(ctx, types.WorkerRegistration{WorkerID: "new"}, "")
	c.clock.Advance(2 * time.Minute)

	active, err := c.workers.ListActiveWorkers(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].WorkerID != "new" {
		t.Fatalf("active = %+v", active)
	}
	for _, w := range active {
		if !w.Live(c.clock.Now(), 5*time.Minute) {
			t.Fatalf("returned non-live worker %s", w.WorkerID)
		}
	}
}

func TestHeartbeatNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	c.workers.RegisterOrReactivate(ctx, types.WorkerRegistration{WorkerID: "w1"}, "")
	stamp := c.clock.Now()
	c.clock.Advance(-time.Minute)
	c.workers.Heartbeat(ctx, "w1")

	w, _ := c.store.GetWorker(ctx, "w1")
	if !w.LastHeartbeat.Equal(stamp) {
		t.Fatalf("last heartbeat moved back to %v", w.LastHeartbeat)
	}
}

func TestIncrementUnknownWorker(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	if err := c.workers.IncrementProcessed(ctx, "nobody"); err != nil {
		t.Fatalf("IncrementProcessed = %v", err)
	}
	if err := c.workers.IncrementFailed(ctx, "nobody"); err != nil {
		t.Fatalf("IncrementFailed = %v", err)
	}

	c.workers.RegisterOrReactivate(ctx, types.WorkerRegistration{WorkerID: "w1"}, "")
	c.workers.IncrementProcessed(ctx, "w1")
	c.workers.IncrementProcessed(ctx, "w1")
	c.workers.IncrementFailed(ctx, "w1")
	w, _ := c.store.GetWorker(ctx, "w1")
	if w.TasksProcessed != 2 || w.TasksFailed != 1 {
		t.Fatalf("counters = %d/%d", w.TasksProcessed, w.TasksFailed)
	}
}
