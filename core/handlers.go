package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chhz0/taskq/middleware"
	"github.com/chhz0/taskq/types"
	"github.com/google/uuid"
)

// Builtins 内置的示例处理器，Delay 模拟执行耗时
type Builtins struct {
	Delay time.Duration
	now   func() time.Time
}

func (b *Builtins) Register(r *HandlerRegistry) {
	if b.now == nil {
		b.now = func() time.Time { return time.Now().UTC() }
	}
	r.Register("Compute", b.handle(func(p map[string]interface{}) interface{} {
		return map[string]interface{}{"status": "Computed", "result": compute(p)}
	}))
	r.Register("DataProcessing", b.handle(func(p map[string]interface{}) interface{} {
		records := 100
		if rows, ok := p["records"].([]interface{}); ok {
			records = len(rows)
		}
		return map[string]interface{}{"status": "Processed", "records": records}
	}))
	r.Register("Email", b.handle(func(p map[string]interface{}) interface{} {
		return map[string]interface{}{"status": "Sent", "message_id": uuid.NewString()}
	}))
	r.Register(types.DefaultTaskType, b.handle(func(p map[string]interface{}) interface{} {
		return map[string]interface{}{"status": "Completed", "timestamp": b.now()}
	}))
}

func (b *Builtins) handle(fn func(map[string]interface{}) interface{}) middleware.Handler {
	return func(ctx context.Context, msg *types.TaskMessage) (string, error) {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			return "", fmt.Errorf("invalid payload: %w", err)
		}
		if payload == nil {
			return "", fmt.Errorf("invalid payload: expected a JSON object")
		}

		if b.Delay > 0 {
			timer := time.NewTimer(b.Delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		out, err := json.Marshal(fn(payload))
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

// compute 对 numbers 求和，没有输入时返回 42
func compute(p map[string]interface{}) string {
	nums, ok := p["numbers"].([]interface{})
	if !ok {
		return "42"
	}
	var sum float64
	for _, n := range nums {
		if f, ok := n.(float64); ok {
			sum += f
		}
	}
	return fmt.Sprintf("%g", sum)
}
