package core

import (
	"context"

	"github.com/chhz0/taskq/types"
)

// LocalCoordinator 进程内直接调用注册表，供嵌入式节点使用
type LocalCoordinator struct {
	Tasks   *TaskRegistry
	Workers *WorkerRegistry
}

func (l *LocalCoordinator) RegisterWorker(ctx context.Context, reg types.WorkerRegistration) (*types.Worker, error) {
	return l.Workers.RegisterOrReactivate(ctx, reg, "")
}

func (l *LocalCoordinator) Heartbeat(ctx context.Context, workerID string) error {
	ok, err := l.Workers.Heartbeat(ctx, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrWorkerNotFound
	}
	return nil
}

func (l *LocalCoordinator) ReportStatus(ctx context.Context, taskID string, report types.StatusReport) error {
	_, err := l.Tasks.UpdateStatus(ctx, taskID, report)
	return err
}
