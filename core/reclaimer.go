package core

import (
	"context"
	"log"
	"time"

	"github.com/chhz0/taskq/types"
)

const (
	DefaultScanPeriod  = 5 * time.Minute
	DefaultTaskTimeout = 30 * time.Minute
)

// Reclaimer 周期扫描超时的 Processing 任务。只看处理时长，不看节点心跳
type Reclaimer struct {
	tasks   *TaskRegistry
	period  time.Duration
	timeout time.Duration
}

func NewReclaimer(tasks *TaskRegistry, period, timeout time.Duration) *Reclaimer {
	if period <= 0 {
		period = DefaultScanPeriod
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Reclaimer{tasks: tasks, period: period, timeout: timeout}
}

// Run 阻塞直到 ctx 取消；单轮失败只记录日志
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	log.Printf("[reclaimer] started period=%s timeout=%s", r.period, r.timeout)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[reclaimer] stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮扫描，返回重新分配与置为失败的任务数
func (r *Reclaimer) RunOnce(ctx context.Context) (reassigned, failed int) {
	updated, err := r.tasks.ReclaimStale(ctx, r.timeout)
	if err != nil {
		log.Printf("[reclaimer] scan failed err=%v", err)
		return 0, 0
	}
	for _, t := range updated {
		switch t.Status {
		case types.StatusReassigned:
			reassigned++
		case types.StatusFailed:
			failed++
			log.Printf("[reclaimer] retries exhausted id=%s retries=%d", t.TaskID, t.RetryCount)
		}
	}
	if len(updated) > 0 {
		log.Printf("[reclaimer] reclaimed reassigned=%d failed=%d", reassigned, failed)
	}
	return reassigned, failed
}
