// storage/memory_store.go
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chhz0/taskq/types"
)

// MemoryStorage 进程内实现，单把锁保证行级原子更新
type MemoryStorage struct {
	mu         sync.RWMutex
	tasks      map[string]*types.Task
	workers    map[string]*types.Worker
	workerRefs map[int64]string
	taskSeq    int64
	workerSeq  int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks:      make(map[string]*types.Task),
		workers:    make(map[string]*types.Worker),
		workerRefs: make(map[int64]string),
	}
}

func (s *MemoryStorage) CreateTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return types.ErrDuplicateTaskID
	}
	s.taskSeq++
	task.ID = s.taskSeq
	s.tasks[task.TaskID] = task.Clone()
	return nil
}

func (s *MemoryStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, types.ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStorage) UpdateTask(ctx context.Context, taskID string, fn TaskUpdateFunc) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, types.ErrTaskNotFound
	}
	next := task.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return task.Clone(), nil
		}
		return nil, err
	}
	s.tasks[taskID] = next
	return next.Clone(), nil
}

func (s *MemoryStorage) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Task
	for _, t := range s.tasks {
		if filter.match(t) {
			result = append(result, t.Clone())
		}
	}
	sortByCreatedDesc(result)
	if limit := normalizeLimit(filter.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStorage) UpdateStaleTasks(ctx context.Context, cutoff time.Time, fn TaskUpdateFunc) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 先全部计算，任何一个失败则整批放弃
	staged := make(map[string]*types.Task)
	for id, t := range s.tasks {
		if !isStale(t, cutoff) {
			continue
		}
		next := t.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		staged[id] = next
	}

	updated := make([]*types.Task, 0, len(staged))
	for id, t := range staged {
		s.tasks[id] = t
		updated = append(updated, t.Clone())
	}
	sortByCreatedDesc(updated)
	return updated, nil
}

func (s *MemoryStorage) UpsertWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.workers[workerID]
	var next *types.Worker
	if exists {
		next = w.Clone()
	} else {
		next = &types.Worker{WorkerID: workerID}
	}
	if err := fn(next); err != nil {
		return nil, err
	}
	if !exists {
		s.workerSeq++
		next.ID = s.workerSeq
		s.workerRefs[next.ID] = workerID
	}
	s.workers[workerID] = next
	return next.Clone(), nil
}

func (s *MemoryStorage) UpdateWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.workers[workerID]
	if !exists {
		return nil, types.ErrWorkerNotFound
	}
	next := w.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return w.Clone(), nil
		}
		return nil, err
	}
	s.workers[workerID] = next
	return next.Clone(), nil
}

func (s *MemoryStorage) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.workers[workerID]
	if !exists {
		return nil, types.ErrWorkerNotFound
	}
	return w.Clone(), nil
}

func (s *MemoryStorage) GetWorkerByRef(ctx context.Context, ref int64) (*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.workerRefs[ref]
	if !exists {
		return nil, types.ErrWorkerNotFound
	}
	return s.workers[id].Clone(), nil
}

func (s *MemoryStorage) ExpireWorkers(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, w := range s.workers {
		if shouldExpire(w, cutoff) {
			w.Status = types.WorkerInactive
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) ListWorkers(ctx context.Context, status types.WorkerStatus) ([]*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Worker
	for _, w := range s.workers {
		if w.Status == status {
			result = append(result, w.Clone())
		}
	}
	sortWorkers(result)
	return result, nil
}

func (s *MemoryStorage) Close() error {
	return nil // 无需关闭操作
}

func sortByCreatedDesc(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

func sortWorkers(workers []*types.Worker) {
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
}
