package core

import (
	"context"
	"fmt"
	"log"

	"github.com/chhz0/taskq/transport"
	"github.com/chhz0/taskq/types"
	"github.com/google/uuid"
)

// Dispatcher 生产者路径：先落库为 Pending，再写入流
type Dispatcher struct {
	tasks  *TaskRegistry
	stream transport.Stream
}

func NewDispatcher(tasks *TaskRegistry, stream transport.Stream) *Dispatcher {
	return &Dispatcher{tasks: tasks, stream: stream}
}

// Submit 入队失败时记录保持 Pending 并返回错误
func (d *Dispatcher) Submit(ctx context.Context, sub types.TaskSubmission, ownerID string) (*types.Task, error) {
	if sub.TaskID == "" {
		sub.TaskID = uuid.NewString()
	}
	if sub.Payload == "" {
		sub.Payload = "{}"
	}

	task, err := d.tasks.CreateTask(ctx, NewTask{
		TaskID:   sub.TaskID,
		Payload:  sub.Payload,
		TaskType: sub.TaskType,
		Priority: sub.Priority,
		OwnerID:  ownerID,
	})
	if err != nil {
		return nil, err
	}

	entryID, err := d.stream.Enqueue(ctx, &types.TaskMessage{
		TaskID:    task.TaskID,
		TaskType:  task.TaskType,
		Payload:   task.Payload,
		Priority:  task.Priority,
		CreatedAt: task.CreatedAt,
	})
	if err != nil {
		return task, fmt.Errorf("enqueue task %s: %w", task.TaskID, err)
	}

	if err := d.tasks.SetStreamEntry(ctx, task.TaskID, entryID); err != nil {
		// 消息已入队，记录缺少流ID不影响处理
		log.Printf("[dispatcher] attach entry failed id=%s entry=%s err=%v", task.TaskID, entryID, err)
	} else {
		task.StreamEntryID = entryID
	}
	log.Printf("[dispatcher] enqueued id=%s type=%s entry=%s", task.TaskID, task.TaskType, entryID)
	return task, nil
}
