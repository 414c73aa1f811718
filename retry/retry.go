// retry/retry.go
package retry

import (
	"context"
	"time"

	"github.com/chhz0/taskq/types"
)

// Exhausted 重试预算用尽后任务不能再进入 Processing
func Exhausted(task *types.Task) bool {
	return task.RetryCount >= task.MaxRetries
}

// Remaining 剩余可重试次数，不小于 0
func Remaining(task *types.Task) int {
	if n := task.MaxRetries - task.RetryCount; n > 0 {
		return n
	}
	return 0
}

// Wait 按策略等待第 attempt 次重试；策略放弃时返回 false，ctx 取消时返回 ctx.Err()
func Wait(ctx context.Context, policy RetryPolicy, attempt int) (bool, error) {
	delay, ok := policy.NextRetry(attempt)
	if !ok {
		return false, nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
