package types

import "time"

// coordinator HTTP 接口的请求/响应结构体，worker 与 producer 共用

type WorkerRegistration struct {
	WorkerID    string `json:"worker_id"`
	HostAddress string `json:"host_address,omitempty"`
	Port        int    `json:"port"`
}

type StatusReport struct {
	Status       TaskStatus `json:"status"`
	Result       *string    `json:"result,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	WorkerRef    *int64     `json:"worker_ref,omitempty"`
}

type TaskSubmission struct {
	TaskID   string `json:"task_id,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	Payload  string `json:"payload"`
	Priority int    `json:"priority"`
}

// TaskInfo 列表摘要，WorkerID 由查询时关联得到
type TaskInfo struct {
	ID           int64      `json:"id"`
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	TaskType     string     `json:"task_type"`
	Priority     int        `json:"priority"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       *string    `json:"result,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	WorkerID     string     `json:"worker_id,omitempty"`
}

func NewTaskInfo(t *Task, workerID string) TaskInfo {
	return TaskInfo{
		ID:           t.ID,
		TaskID:       t.TaskID,
		Status:       t.Status,
		TaskType:     t.TaskType,
		Priority:     t.Priority,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		Result:       t.Result,
		ErrorMessage: t.ErrorMessage,
		RetryCount:   t.RetryCount,
		WorkerID:     workerID,
	}
}

type ErrorResponse struct {
	Message string `json:"message"`
}
