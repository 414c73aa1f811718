package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chhz0/taskq/types"
)

// ErrUnchanged 更新函数返回它表示无需写入，调用方按成功处理
var ErrUnchanged = errors.New("unchanged")

// TaskUpdateFunc 在单行原子更新内执行；返回错误则放弃本次写入
type TaskUpdateFunc func(task *types.Task) error

type WorkerUpdateFunc func(worker *types.Worker) error

type TaskFilter struct {
	OwnerID string
	Status  *types.TaskStatus
	Limit   int
}

func (f TaskFilter) match(t *types.Task) bool {
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	return true
}

type TaskStore interface {
	// CreateTask 写入新任务并回填 ID；任务ID已存在返回 ErrDuplicateTaskID
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	// UpdateTask 读-改-写在存储层原子完成，并发写同一行被串行化
	UpdateTask(ctx context.Context, taskID string, fn TaskUpdateFunc) (*types.Task, error)
	// ListTasks 按创建时间倒序
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)
	// UpdateStaleTasks 选出 Processing 且 StartedAt 早于 cutoff 的任务，
	// 对每个任务执行 fn，并作为一个批次写回。选择与写入在同一原子范围内
	UpdateStaleTasks(ctx context.Context, cutoff time.Time, fn TaskUpdateFunc) ([]*types.Task, error)
}

type WorkerStore interface {
	// UpsertWorker 不存在时以零值(仅 WorkerID)创建，fn 通过 RegisteredAt.IsZero() 判断是否新建
	UpsertWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error)
	UpdateWorker(ctx context.Context, workerID string, fn WorkerUpdateFunc) (*types.Worker, error)
	GetWorker(ctx context.Context, workerID string) (*types.Worker, error)
	GetWorkerByRef(ctx context.Context, ref int64) (*types.Worker, error)
	// ExpireWorkers 把心跳早于 cutoff 的 Active 节点置为 Inactive，返回变更数量
	ExpireWorkers(ctx context.Context, cutoff time.Time) (int, error)
	ListWorkers(ctx context.Context, status types.WorkerStatus) ([]*types.Worker, error)
}

type Storage interface {
	TaskStore
	WorkerStore
	Close() error
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func isStale(t *types.Task, cutoff time.Time) bool {
	return t.Status == types.StatusProcessing && t.StartedAt != nil && t.StartedAt.Before(cutoff)
}

func shouldExpire(w *types.Worker, cutoff time.Time) bool {
	return w.Status == types.WorkerActive && w.LastHeartbeat.Before(cutoff)
}
