// types/types.go
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// 任务状态枚举
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusReassigned
)

const (
	DefaultTaskType   = "Default"
	DefaultMaxRetries = 3
)

var taskStatusNames = map[TaskStatus]string{
	StatusPending:    "Pending",
	StatusProcessing: "Processing",
	StatusCompleted:  "Completed",
	StatusFailed:     "Failed",
	StatusReassigned: "Reassigned",
}

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// ParseTaskStatus 大小写不敏感
func ParseTaskStatus(v string) (TaskStatus, error) {
	for s, name := range taskStatusNames {
		if strings.EqualFold(name, v) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown task status %q", ErrInvalidRequest, v)
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	if _, ok := taskStatusNames[s]; !ok {
		return nil, fmt.Errorf("invalid task status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *TaskStatus) UnmarshalText(text []byte) error {
	v, err := ParseTaskStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Task 任务记录。WorkerRef 指向 Worker.ID（存储行号），不持有 Worker 本身
type Task struct {
	ID            int64      `json:"id"`
	TaskID        string     `json:"task_id"`
	Status        TaskStatus `json:"status"`
	TaskType      string     `json:"task_type"`
	Priority      int        `json:"priority"`
	Payload       string     `json:"payload"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Result        *string    `json:"result,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	OwnerID       string     `json:"owner_id,omitempty"`
	WorkerRef     *int64     `json:"worker_ref,omitempty"`
	StreamEntryID string     `json:"stream_entry_id,omitempty"`
}

// Clone 深拷贝，存储层返回副本避免共享指针字段
func (t *Task) Clone() *Task {
	c := *t
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.Result = cloneString(t.Result)
	c.ErrorMessage = cloneString(t.ErrorMessage)
	if t.WorkerRef != nil {
		ref := *t.WorkerRef
		c.WorkerRef = &ref
	}
	return &c
}

// WorkerStatus 节点状态。Failed 不会被自动设置
type WorkerStatus int

const (
	WorkerActive WorkerStatus = iota
	WorkerInactive
	WorkerFailed
)

var workerStatusNames = map[WorkerStatus]string{
	WorkerActive:   "Active",
	WorkerInactive: "Inactive",
	WorkerFailed:   "Failed",
}

func (s WorkerStatus) String() string {
	if name, ok := workerStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("WorkerStatus(%d)", int(s))
}

func (s WorkerStatus) MarshalText() ([]byte, error) {
	if _, ok := workerStatusNames[s]; !ok {
		return nil, fmt.Errorf("invalid worker status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *WorkerStatus) UnmarshalText(text []byte) error {
	for ws, name := range workerStatusNames {
		if strings.EqualFold(name, string(text)) {
			*s = ws
			return nil
		}
	}
	return fmt.Errorf("%w: unknown worker status %q", ErrInvalidRequest, text)
}

type Worker struct {
	ID             int64        `json:"id"`
	WorkerID       string       `json:"worker_id"`
	Status         WorkerStatus `json:"status"`
	HostAddress    string       `json:"host_address,omitempty"`
	Port           int          `json:"port"`
	RegisteredAt   time.Time    `json:"registered_at"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	TasksProcessed int64        `json:"tasks_processed"`
	TasksFailed    int64        `json:"tasks_failed"`
	OwnerID        string       `json:"owner_id,omitempty"`
}

// Live 存活是派生属性：最近一次心跳在窗口内
func (w *Worker) Live(now time.Time, window time.Duration) bool {
	return !w.LastHeartbeat.Before(now.Add(-window))
}

func (w *Worker) Clone() *Worker {
	c := *w
	return &c
}

// TaskMessage 流消息里 "task" 字段承载的内容
type TaskMessage struct {
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Payload   string    `json:"payload"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// 序列化任务消息
func (m *TaskMessage) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// 反序列化任务消息；缺少任务ID视为畸形
func DeserializeTaskMessage(data []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("%w: missing task id", ErrMalformedMessage)
	}
	if msg.TaskType == "" {
		msg.TaskType = DefaultTaskType
	}
	return &msg, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
