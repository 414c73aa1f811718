package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chhz0/taskq/storage"
	"github.com/chhz0/taskq/types"
)

type NewTask struct {
	TaskID        string
	Payload       string
	TaskType      string
	Priority      int
	OwnerID       string
	StreamEntryID string
}

type TaskRegistry struct {
	store      storage.Storage
	workers    *WorkerRegistry
	maxRetries int
	now        func() time.Time
}

func NewTaskRegistry(store storage.Storage, workers *WorkerRegistry, maxRetries int) *TaskRegistry {
	if maxRetries <= 0 {
		maxRetries = types.DefaultMaxRetries
	}
	return &TaskRegistry{
		store:      store,
		workers:    workers,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *TaskRegistry) CreateTask(ctx context.Context, nt NewTask) (*types.Task, error) {
	if nt.TaskID == "" {
		return nil, fmt.Errorf("%w: task id is required", types.ErrInvalidRequest)
	}
	if nt.TaskType == "" {
		nt.TaskType = types.DefaultTaskType
	}

	task := &types.Task{
		TaskID:        nt.TaskID,
		Status:        types.StatusPending,
		TaskType:      nt.TaskType,
		Priority:      nt.Priority,
		Payload:       nt.Payload,
		CreatedAt:     r.now(),
		MaxRetries:    r.maxRetries,
		OwnerID:       nt.OwnerID,
		StreamEntryID: nt.StreamEntryID,
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateStatus 并发调用同一任务时由存储层串行化
func (r *TaskRegistry) UpdateStatus(ctx context.Context, taskID string, report types.StatusReport) (*types.Task, error) {
	if report.Status == types.StatusPending {
		return nil, fmt.Errorf("%w: cannot report %s", types.ErrInvalidRequest, report.Status)
	}
	now := r.now()
	var prev types.TaskStatus
	task, err := r.store.UpdateTask(ctx, taskID, func(t *types.Task) error {
		prev = t.Status
		return applyStatus(t, report, now)
	})
	if err != nil {
		return nil, err
	}

	if prev != task.Status && report.WorkerRef != nil && r.workers != nil {
		switch task.Status {
		case types.StatusCompleted:
			r.workers.incrementByRef(ctx, *report.WorkerRef, false)
		case types.StatusFailed:
			r.workers.incrementByRef(ctx, *report.WorkerRef, true)
		}
	}
	return task, nil
}

// SetStreamEntry 记录任务对应的流消息ID，不涉及状态变化
func (r *TaskRegistry) SetStreamEntry(ctx context.Context, taskID, entryID string) error {
	_, err := r.store.UpdateTask(ctx, taskID, func(t *types.Task) error {
		if t.StreamEntryID == entryID {
			return storage.ErrUnchanged
		}
		t.StreamEntryID = entryID
		return nil
	})
	return err
}

func (r *TaskRegistry) FindByTaskId(ctx context.Context, taskID string) (*types.Task, error) {
	return r.store.GetTask(ctx, taskID)
}

// ListTasks 按创建时间倒序，WorkerID 在查询时关联
func (r *TaskRegistry) ListTasks(ctx context.Context, ownerID string, status *types.TaskStatus, limit int) ([]types.TaskInfo, error) {
	tasks, err := r.store.ListTasks(ctx, storage.TaskFilter{
		OwnerID: ownerID,
		Status:  status,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}

	names := make(map[int64]string)
	infos := make([]types.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, types.NewTaskInfo(t, r.workerName(ctx, t, names)))
	}
	return infos, nil
}

func (r *TaskRegistry) Info(ctx context.Context, t *types.Task) types.TaskInfo {
	return types.NewTaskInfo(t, r.workerName(ctx, t, nil))
}

func (r *TaskRegistry) workerName(ctx context.Context, t *types.Task, cache map[int64]string) string {
	if t.WorkerRef == nil {
		return ""
	}
	ref := *t.WorkerRef
	if name, ok := cache[ref]; ok {
		return name
	}
	name := ""
	w, err := r.store.GetWorkerByRef(ctx, ref)
	switch {
	case err == nil:
		name = w.WorkerID
	case !errors.Is(err, types.ErrWorkerNotFound):
		log.Printf("[tasks] worker lookup failed ref=%d err=%v", ref, err)
	}
	if cache != nil {
		cache[ref] = name
	}
	return name
}

// ReclaimStale 把 Processing 超过 timeout 的任务重新分配或置为失败，整批写回
func (r *TaskRegistry) ReclaimStale(ctx context.Context, timeout time.Duration) ([]*types.Task, error) {
	cutoff := r.now().Add(-timeout)
	return r.store.UpdateStaleTasks(ctx, cutoff, func(t *types.Task) error {
		if t.Status != types.StatusProcessing {
			return fmt.Errorf("%w: %s is %s", types.ErrInvalidTransition, t.TaskID, t.Status)
		}
		reassign(t)
		return nil
	})
}
