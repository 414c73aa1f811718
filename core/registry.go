// core/registry.go
package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/chhz0/taskq/middleware"
	"github.com/chhz0/taskq/types"
)

type Executor interface {
	Execute(ctx context.Context, msg *types.TaskMessage) (string, error)
}

// HandlerRegistry 按任务类型分发，未知类型回落到 Default 处理器
type HandlerRegistry struct {
	handlers map[string]middleware.Handler
	chain    middleware.Middleware
	mu       sync.RWMutex
}

func NewHandlerRegistry(mws ...middleware.Middleware) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]middleware.Handler),
		chain:    middleware.Chain(mws...),
	}
}

// Register 注册时套上中间件链
func (r *HandlerRegistry) Register(taskType string, handler middleware.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = r.chain(handler)
}

func (r *HandlerRegistry) GetHandler(taskType string) (middleware.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		h, ok = r.handlers[types.DefaultTaskType]
	}
	return h, ok
}

func (r *HandlerRegistry) Execute(ctx context.Context, msg *types.TaskMessage) (string, error) {
	h, ok := r.GetHandler(msg.TaskType)
	if !ok {
		return "", fmt.Errorf("no handler for task type %q", msg.TaskType)
	}
	return h(ctx, msg)
}
