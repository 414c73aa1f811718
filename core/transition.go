package core

import (
	"fmt"
	"time"

	"github.com/chhz0/taskq/retry"
	"github.com/chhz0/taskq/storage"
	"github.com/chhz0/taskq/types"
)

const retriesExhaustedMessage = "task failed after maximum retries"

// applyStatus 是任务状态唯一的写入路径，在存储的单行原子更新内执行
func applyStatus(t *types.Task, report types.StatusReport, now time.Time) error {
	to := report.Status
	if t.Status == types.StatusCompleted {
		if to == types.StatusCompleted {
			return storage.ErrUnchanged
		}
		return fmt.Errorf("%w: %s -> %s", types.ErrTaskSettled, t.TaskID, to)
	}
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, t.Status, to)
	}

	switch to {
	case types.StatusProcessing:
		if t.Status != types.StatusProcessing && t.Status != types.StatusPending && retry.Exhausted(t) {
			return fmt.Errorf("%w: %d/%d", types.ErrRetriesExhausted, t.RetryCount, t.MaxRetries)
		}
		// 同一次尝试的重复上报保留 startedAt；换了节点或从其他状态进入算新的尝试
		if t.StartedAt == nil || t.Status != types.StatusProcessing || otherWorker(t.WorkerRef, report.WorkerRef) {
			started := now
			t.StartedAt = &started
		}
		t.Result = nil
		t.ErrorMessage = nil

	case types.StatusCompleted:
		completed := now
		t.CompletedAt = &completed
		t.Result = report.Result
		t.ErrorMessage = nil

	case types.StatusFailed:
		msg := "task failed"
		if report.ErrorMessage != nil {
			msg = *report.ErrorMessage
		}
		t.ErrorMessage = &msg
		t.Result = nil
		t.RetryCount++

	case types.StatusReassigned:
		reassign(t)
		return nil
	}

	t.Status = to
	if report.WorkerRef != nil {
		ref := *report.WorkerRef
		t.WorkerRef = &ref
	}
	return nil
}

func otherWorker(current, reported *int64) bool {
	if reported == nil {
		return false
	}
	return current == nil || *current != *reported
}

// reassign 释放超时任务；预算用尽时直接进入 Failed，不再额外计数
func reassign(t *types.Task) {
	t.WorkerRef = nil
	t.StartedAt = nil
	t.Result = nil
	t.RetryCount++
	t.Status = types.StatusReassigned
	t.ErrorMessage = nil

	if retry.Exhausted(t) {
		msg := retriesExhaustedMessage
		t.Status = types.StatusFailed
		t.ErrorMessage = &msg
	}
}
