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

type WorkerRegistry struct {
	store storage.WorkerStore
	now   func() time.Time
}

func NewWorkerRegistry(store storage.WorkerStore) *WorkerRegistry {
	return &WorkerRegistry{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RegisterOrReactivate 幂等：已存在的节点更新地址并重新激活
func (r *WorkerRegistry) RegisterOrReactivate(ctx context.Context, reg types.WorkerRegistration, ownerID string) (*types.Worker, error) {
	if reg.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", types.ErrInvalidRequest)
	}
	if reg.Port < 0 || reg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", types.ErrInvalidRequest, reg.Port)
	}

	now := r.now()
	return r.store.UpsertWorker(ctx, reg.WorkerID, func(w *types.Worker) error {
		if w.RegisteredAt.IsZero() {
			w.RegisteredAt = now
		}
		w.HostAddress = reg.HostAddress
		w.Port = reg.Port
		w.OwnerID = ownerID
		w.Status = types.WorkerActive
		if now.After(w.LastHeartbeat) {
			w.LastHeartbeat = now
		}
		return nil
	})
}

// Heartbeat 未注册的节点返回 false，不创建记录
func (r *WorkerRegistry) Heartbeat(ctx context.Context, workerID string) (bool, error) {
	now := r.now()
	_, err := r.store.UpdateWorker(ctx, workerID, func(w *types.Worker) error {
		if now.After(w.LastHeartbeat) {
			w.LastHeartbeat = now
		}
		w.Status = types.WorkerActive
		return nil
	})
	if errors.Is(err, types.ErrWorkerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListActiveWorkers 读之前先把心跳过期的节点置为 Inactive
func (r *WorkerRegistry) ListActiveWorkers(ctx context.Context, window time.Duration) ([]*types.Worker, error) {
	now := r.now()
	n, err := r.store.ExpireWorkers(ctx, now.Add(-window))
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Printf("[workers] marked inactive count=%d", n)
	}

	workers, err := r.store.ListWorkers(ctx, types.WorkerActive)
	if err != nil {
		return nil, err
	}
	// 清扫与读取之间可能有节点越过窗口
	live := workers[:0]
	for _, w := range workers {
		if w.Live(now, window) {
			live = append(live, w)
		}
	}
	return live, nil
}

func (r *WorkerRegistry) IncrementProcessed(ctx context.Context, workerID string) error {
	return r.increment(ctx, workerID, false)
}

func (r *WorkerRegistry) IncrementFailed(ctx context.Context, workerID string) error {
	return r.increment(ctx, workerID, true)
}

// 计数只是参考数据，未知节点不算错误
func (r *WorkerRegistry) increment(ctx context.Context, workerID string, failed bool) error {
	_, err := r.store.UpdateWorker(ctx, workerID, func(w *types.Worker) error {
		if failed {
			w.TasksFailed++
		} else {
			w.TasksProcessed++
		}
		return nil
	})
	if errors.Is(err, types.ErrWorkerNotFound) {
		return nil
	}
	return err
}

func (r *WorkerRegistry) incrementByRef(ctx context.Context, ref int64, failed bool) {
	w, err := r.store.GetWorkerByRef(ctx, ref)
	if err != nil {
		if !errors.Is(err, types.ErrWorkerNotFound) {
			log.Printf("[workers] counter lookup failed ref=%d err=%v", ref, err)
		}
		return
	}
	if err := r.increment(ctx, w.WorkerID, failed); err != nil {
		log.Printf("[workers] counter update failed worker=%s err=%v", w.WorkerID, err)
	}
}
