package transport

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chhz0/taskq/types"
)

// 流消息字段
const (
	FieldTask      = "task"
	FieldTaskID    = "taskId"
	FieldTaskType  = "taskType"
	FieldPriority  = "priority"
	FieldCreatedAt = "createdAt"
)

// Stream 带消费组语义的追加流：一条消息同一时刻只投递给组内一个消费者，
// 未确认的消息留在 pending 列表中可被重新认领
type Stream interface {
	Enqueue(ctx context.Context, msg *types.TaskMessage) (string, error)
	// EnsureGroup 幂等，组已存在视为成功
	EnsureGroup(ctx context.Context) error
	// Read 读取最多 count 条新消息；block<=0 不等待，超时返回空切片
	Read(ctx context.Context, consumer string, count int, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, ids ...string) error
	// ClaimIdle 把空闲超过 minIdle 的 pending 消息转给 consumer
	ClaimIdle(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Message, error)
	Close() error
}

type Message struct {
	ID     string
	Values map[string]string
}

// Task 解码 "task" 字段；缺失或为空视为畸形消息
func (m Message) Task() (*types.TaskMessage, error) {
	raw := m.Values[FieldTask]
	if raw == "" {
		return nil, fmt.Errorf("%w: empty payload in entry %s", types.ErrMalformedMessage, m.ID)
	}
	return types.DeserializeTaskMessage([]byte(raw))
}

func encodeFields(msg *types.TaskMessage) (map[string]string, error) {
	data, err := msg.Serialize()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		FieldTask:      string(data),
		FieldTaskID:    msg.TaskID,
		FieldTaskType:  msg.TaskType,
		FieldPriority:  strconv.Itoa(msg.Priority),
		FieldCreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}
