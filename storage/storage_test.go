package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chhz0/taskq/types"
	"github.com/go-redis/redis/v8"
)

// 所有后端共用同一组行为测试
func backends(t *testing.T) map[string]func(t *testing.T) Storage {
	return map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage { return NewMemoryStorage() },
		"bolt": func(t *testing.T) Storage {
			s, err := NewBoltStorage(filepath.Join(t.TempDir(), "tasks.db"))
			if err != nil {
				t.Fatalf("open bolt: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Storage {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "tasks.sqlite"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return s
		},
		"redis": func(t *testing.T) Storage {
			mr := miniredis.RunT(t)
			return NewRedisStorage(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Storage)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTask(id string, created time.Time) *types.Task {
	return &types.Task{
		TaskID:     id,
		Status:     types.StatusPending,
		TaskType:   types.DefaultTaskType,
		Payload:    "{}",
		CreatedAt:  created,
		MaxRetries: types.DefaultMaxRetries,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		task := newTask("t1", base)
		task.OwnerID = "alice"
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if task.ID == 0 {
			t.Fatal("expected row id to be assigned")
		}

		got, err := s.GetTask(ctx, "t1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.TaskID != "t1" || got.Status != types.StatusPending || got.OwnerID != "alice" {
			t.Fatalf("unexpected task %+v", got)
		}
		if !got.CreatedAt.Equal(base) {
			t.Fatalf("created_at = %v, want %v", got.CreatedAt, base)
		}

		if err := s.CreateTask(ctx, newTask("t1", base)); !errors.Is(err, types.ErrDuplicateTaskID) {
			t.Fatalf("expected ErrDuplicateTaskID, got %v", err)
		}
		if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, types.ErrTaskNotFound) {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
	})
}

func TestUpdateTask(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		if err := s.CreateTask(ctx, newTask("t1", base)); err != nil {
			t.Fatal(err)
		}

		started := base.Add(time.Minute)
		ref := int64(42)
		got, err := s.UpdateTask(ctx, "t1", func(task *types.Task) error {
			task.Status = types.StatusProcessing
			task.StartedAt = &started
			task.WorkerRef = &ref
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if got.Status != types.StatusProcessing || got.WorkerRef == nil || *got.WorkerRef != 42 {
			t.Fatalf("unexpected task %+v", got)
		}

		// 更新函数报错时不落盘
		boom := errors.New("boom")
		if _, err := s.UpdateTask(ctx, "t1", func(task *types.Task) error {
			task.Status = types.StatusFailed
			return boom
		}); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		got, _ = s.GetTask(ctx, "t1")
		if got.Status != types.StatusProcessing {
			t.Fatalf("aborted update was persisted: %s", got.Status)
		}

		got, err = s.UpdateTask(ctx, "t1", func(task *types.Task) error { return ErrUnchanged })
		if err != nil || got.Status != types.StatusProcessing {
			t.Fatalf("unchanged update = %+v, %v", got, err)
		}

		if _, err := s.UpdateTask(ctx, "missing", func(*types.Task) error { return nil }); !errors.Is(err, types.ErrTaskNotFound) {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
	})
}

func TestUpdateTaskConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		if err := s.CreateTask(ctx, newTask("t1", base)); err != nil {
			t.Fatal(err)
		}

		const n = 10
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateTask(ctx, "t1", func(task *types.Task) error {
					task.RetryCount++
					return nil
				})
				if err != nil {
					t.Errorf("update: %v", err)
				}
			}()
		}
		wg.Wait()

		got, _ := s.GetTask(ctx, "t1")
		if got.RetryCount != n {
			t.Fatalf("retry_count = %d, want %d (lost update)", got.RetryCount, n)
		}
	})
}

func TestCreateTaskConcurrentDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.CreateTask(ctx, newTask("dup", base))
				switch {
				case err == nil:
					mu.Lock()
					created++
					mu.Unlock()
				case !errors.Is(err, types.ErrDuplicateTaskID):
					t.Errorf("create: %v", err)
				}
			}()
		}
		wg.Wait()

		if created != 1 {
			t.Fatalf("created = %d, want exactly 1", created)
		}
		// 行和创建时间索引必须一起出现
		tasks, err := s.ListTasks(ctx, TaskFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if got := taskIDs(tasks); got != "dup" {
			t.Fatalf("listed = %q, want dup", got)
		}
	})
}

func TestListTasks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		for i, id := range []string{"a", "b", "c", "d"} {
			task := newTask(id, base.Add(time.Duration(i)*time.Second))
			if i%2 == 0 {
				task.OwnerID = "alice"
			}
			if err := s.CreateTask(ctx, task); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.UpdateTask(ctx, "c", func(task *types.Task) error {
			task.Status = types.StatusProcessing
			return nil
		}); err != nil {
			t.Fatal(err)
		}

		all, err := s.ListTasks(ctx, TaskFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if ids := taskIDs(all); ids != "d,c,b,a" {
			t.Fatalf("order = %s, want d,c,b,a", ids)
		}

		limited, _ := s.ListTasks(ctx, TaskFilter{Limit: 2})
		if ids := taskIDs(limited); ids != "d,c" {
			t.Fatalf("limited = %s", ids)
		}

		owned, _ := s.ListTasks(ctx, TaskFilter{OwnerID: "alice"})
		if ids := taskIDs(owned); ids != "c,a" {
			t.Fatalf("owned = %s", ids)
		}

		processing := types.StatusProcessing
		filtered, _ := s.ListTasks(ctx, TaskFilter{Status: &processing})
		if ids := taskIDs(filtered); ids != "c" {
			t.Fatalf("filtered = %s", ids)
		}
	})
}

func TestUpdateStaleTasks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		start := func(id string, at time.Time) {
			if err := s.CreateTask(ctx, newTask(id, base)); err != nil {
				t.Fatal(err)
			}
			if _, err := s.UpdateTask(ctx, id, func(task *types.Task) error {
				task.Status = types.StatusProcessing
				task.StartedAt = &at
				return nil
			}); err != nil {
				t.Fatal(err)
			}
		}
		start("old", base)
		start("fresh", base.Add(40*time.Minute))
		if err := s.CreateTask(ctx, newTask("pending", base)); err != nil {
			t.Fatal(err)
		}

		cutoff := base.Add(10 * time.Minute)
		updated, err := s.UpdateStaleTasks(ctx, cutoff, func(task *types.Task) error {
			task.Status = types.StatusReassigned
			task.StartedAt = nil
			task.RetryCount++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if ids := taskIDs(updated); ids != "old" {
			t.Fatalf("stale set = %s, want old", ids)
		}

		got, _ := s.GetTask(ctx, "old")
		if got.Status != types.StatusReassigned || got.RetryCount != 1 || got.StartedAt != nil {
			t.Fatalf("unexpected reclaimed task %+v", got)
		}

		// 已不是 Processing，不会再被选中
		again, err := s.UpdateStaleTasks(ctx, cutoff, func(task *types.Task) error {
			t.Fatalf("unexpected stale task %s", task.TaskID)
			return nil
		})
		if err != nil || len(again) != 0 {
			t.Fatalf("second pass = %v, %v", again, err)
		}
	})
}

func TestUpsertWorker(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		register := func(host string, port int) *types.Worker {
			w, err := s.UpsertWorker(ctx, "w1", func(w *types.Worker) error {
				if w.RegisteredAt.IsZero() {
					w.RegisteredAt = base
				}
				w.HostAddress = host
				w.Port = port
				w.Status = types.WorkerActive
				w.LastHeartbeat = base
				return nil
			})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			return w
		}

		first := register("10.0.0.1", 8000)
		second := register("10.0.0.2", 9000)
		if first.ID == 0 || first.ID != second.ID {
			t.Fatalf("re-registration changed row id: %d -> %d", first.ID, second.ID)
		}

		active, err := s.ListWorkers(ctx, types.WorkerActive)
		if err != nil {
			t.Fatal(err)
		}
		if len(active) != 1 || active[0].HostAddress != "10.0.0.2" || active[0].Port != 9000 {
			t.Fatalf("unexpected workers %+v", active)
		}

		byRef, err := s.GetWorkerByRef(ctx, first.ID)
		if err != nil || byRef.WorkerID != "w1" {
			t.Fatalf("GetWorkerByRef = %+v, %v", byRef, err)
		}
		if _, err := s.GetWorkerByRef(ctx, 999); !errors.Is(err, types.ErrWorkerNotFound) {
			t.Fatalf("expected ErrWorkerNotFound, got %v", err)
		}
	})
}

func TestUpdateWorkerAndExpire(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		if _, err := s.UpdateWorker(ctx, "ghost", func(*types.Worker) error { return nil }); !errors.Is(err, types.ErrWorkerNotFound) {
			t.Fatalf("expected ErrWorkerNotFound, got %v", err)
		}

		for i, id := range []string{"w1", "w2"} {
			hb := base.Add(time.Duration(i) * 10 * time.Minute)
			if _, err := s.UpsertWorker(ctx, id, func(w *types.Worker) error {
				w.RegisteredAt = base
				w.Status = types.WorkerActive
				w.LastHeartbeat = hb
				return nil
			}); err != nil {
				t.Fatal(err)
			}
		}

		n, err := s.ExpireWorkers(ctx, base.Add(5*time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expired %d workers, want 1", n)
		}
		w1, _ := s.GetWorker(ctx, "w1")
		if w1.Status != types.WorkerInactive {
			t.Fatalf("w1 status = %s", w1.Status)
		}
		w2, _ := s.GetWorker(ctx, "w2")
		if w2.Status != types.WorkerActive {
			t.Fatalf("w2 status = %s", w2.Status)
		}

		got, err := s.UpdateWorker(ctx, "w2", func(w *types.Worker) error {
			w.TasksProcessed++
			return nil
		})
		if err != nil || got.TasksProcessed != 1 {
			t.Fatalf("increment = %+v, %v", got, err)
		}
	})
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(Options{Backend: "cassandra"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := Open(Options{Backend: BackendRedis}); err == nil {
		t.Fatal("expected error for redis backend without client")
	}
}

func taskIDs(tasks []*types.Task) string {
	out := ""
	for i, t := range tasks {
		if i > 0 {
			out += ","
		}
		out += t.TaskID
	}
	return out
}
