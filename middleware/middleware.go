// middleware/middleware.go
package middleware

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/chhz0/taskq/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler 执行一条任务消息，成功返回结果字符串
type Handler func(ctx context.Context, msg *types.TaskMessage) (string, error)
type Middleware func(next Handler) Handler

// 中间件链，第一个中间件在最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// 超时中间件；d <= 0 不设超时
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *types.TaskMessage) (string, error) {
			if d <= 0 {
				return next(ctx, msg)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, msg)
		}
	}
}

// 日志中间件
func Logger() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *types.TaskMessage) (string, error) {
			start := time.Now()
			log.Printf("[task] start id=%s type=%s", msg.TaskID, msg.TaskType)

			result, err := next(ctx, msg)

			duration := time.Since(start)
			if err != nil {
				log.Printf("[task] failed id=%s after=%s err=%v", msg.TaskID, duration, err)
			} else {
				log.Printf("[task] done id=%s in=%s", msg.TaskID, duration)
			}
			return result, err
		}
	}
}

// Recover 把处理器 panic 转成任务失败
func Recover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *types.TaskMessage) (result string, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[task] panic id=%s: %v\n%s", msg.TaskID, r, debug.Stack())
					result, err = "", fmt.Errorf("task panicked: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Tracing 每次执行一个 span
func Tracing() Middleware {
	tracer := otel.Tracer("github.com/chhz0/taskq/middleware")
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *types.TaskMessage) (string, error) {
			ctx, span := tracer.Start(ctx, "task.execute",
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("task.id", msg.TaskID),
					attribute.String("task.type", msg.TaskType),
					attribute.Int("task.priority", msg.Priority),
				),
			)
			defer span.End()

			result, err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return result, err
		}
	}
}
