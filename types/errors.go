package types

import "errors"

var (
	ErrDuplicateTaskID   = errors.New("duplicate task id")
	ErrTaskNotFound      = errors.New("task not found")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrMalformedMessage  = errors.New("malformed task message")
	ErrRetriesExhausted  = errors.New("task retries exhausted")
	ErrTaskSettled       = errors.New("task already completed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid request")
)

// IsRejected 状态写入被状态机拒绝，重试也不会成功
func IsRejected(err error) bool {
	return errors.Is(err, ErrTaskSettled) ||
		errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, ErrInvalidTransition)
}
