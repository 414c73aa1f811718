package core

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/chhz0/taskq/retry"
	"github.com/chhz0/taskq/transport"
	"github.com/chhz0/taskq/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Coordinator 节点侧看到的协调者接口，HTTP 客户端与进程内实现共用
type Coordinator interface {
	RegisterWorker(ctx context.Context, reg types.WorkerRegistration) (*types.Worker, error)
	// Heartbeat 节点未注册时返回 types.ErrWorkerNotFound
	Heartbeat(ctx context.Context, workerID string) error
	ReportStatus(ctx context.Context, taskID string, report types.StatusReport) error
}

type ConsumerConfig struct {
	WorkerID     string
	ConsumerName string // 为空时使用 WorkerID
	HostAddress  string
	Port         int

	BatchSize       int
	Block           time.Duration
	IdleWait        time.Duration
	HeartbeatPeriod time.Duration
	HeartbeatRetry  time.Duration
	// ClaimMinIdle 为 0 时不认领其他消费者遗留的消息
	ClaimMinIdle time.Duration
	ClaimPeriod  time.Duration
	ResultTTL    time.Duration
}

func (c *ConsumerConfig) setDefaults() {
	if c.ConsumerName == "" {
		c.ConsumerName = c.WorkerID
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.IdleWait <= 0 {
		c.IdleWait = time.Second
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = 30 * time.Second
	}
	if c.HeartbeatRetry <= 0 {
		c.HeartbeatRetry = 10 * time.Second
	}
	if c.ClaimPeriod <= 0 {
		c.ClaimPeriod = time.Minute
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = transport.DefaultResultTTL
	}
}

// Consumer 节点侧的消费协议：注册、心跳、按消费组读取、上报状态后再确认
type Consumer struct {
	cfg     ConsumerConfig
	stream  transport.Stream
	coord   Coordinator
	exec    Executor
	results transport.ResultSink
	tracer  trace.Tracer

	refMu sync.RWMutex
	ref   *int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, stream transport.Stream, coord Coordinator, exec Executor) *Consumer {
	cfg.setDefaults()
	return &Consumer{
		cfg:    cfg,
		stream: stream,
		coord:  coord,
		exec:   exec,
		tracer: otel.Tracer("github.com/chhz0/taskq/core"),
	}
}

// WithResultSink 成功结果额外写入缓存
func (c *Consumer) WithResultSink(sink transport.ResultSink) *Consumer {
	c.results = sink
	return c
}

func (c *Consumer) WorkerID() string { return c.cfg.WorkerID }

// Start 注册节点、确保消费组存在，然后启动心跳与消费两个循环
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	// 注册失败不影响处理，只影响可发现性
	c.register(ctx)
	if err := c.stream.EnsureGroup(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx)
	}()
	log.Printf("[consumer] started worker=%s batch=%d", c.cfg.WorkerID, c.cfg.BatchSize)
	return nil
}

// Stop 等待正在处理的消息走完正常的确认流程
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.running = false
	log.Printf("[consumer] stopped worker=%s", c.cfg.WorkerID)
}

func (c *Consumer) workerRef() *int64 {
	c.refMu.RLock()
	defer c.refMu.RUnlock()
	if c.ref == nil {
		return nil
	}
	ref := *c.ref
	return &ref
}

func (c *Consumer) register(ctx context.Context) {
	w, err := c.coord.RegisterWorker(ctx, types.WorkerRegistration{
		WorkerID:    c.cfg.WorkerID,
		HostAddress: c.cfg.HostAddress,
		Port:        c.cfg.Port,
	})
	if err != nil {
		log.Printf("[consumer] register failed worker=%s err=%v", c.cfg.WorkerID, err)
		return
	}
	c.refMu.Lock()
	ref := w.ID
	c.ref = &ref
	c.refMu.Unlock()
	log.Printf("[consumer] registered worker=%s ref=%d", c.cfg.WorkerID, w.ID)
}

func (c *Consumer) heartbeatLoop(ctx context.Context) {
	policy := &retry.FixedInterval{Interval: c.cfg.HeartbeatRetry}
	failures := 0

	timer := time.NewTimer(c.cfg.HeartbeatPeriod)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := c.cfg.HeartbeatPeriod
		err := c.coord.Heartbeat(ctx, c.cfg.WorkerID)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return
		case errors.Is(err, types.ErrWorkerNotFound):
			log.Printf("[consumer] heartbeat rejected, re-registering worker=%s", c.cfg.WorkerID)
			c.register(ctx)
			next, _ = policy.NextRetry(failures)
			failures++
		default:
			log.Printf("[consumer] heartbeat failed worker=%s err=%v", c.cfg.WorkerID, err)
			next, _ = policy.NextRetry(failures)
			failures++
		}
		timer.Reset(next)
	}
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	backoff := &retry.ExponentialBackoff{InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: rand.Float64}
	attempt := 0
	var lastClaim time.Time

	for ctx.Err() == nil {
		if c.cfg.ClaimMinIdle > 0 && time.Since(lastClaim) >= c.cfg.ClaimPeriod {
			lastClaim = time.Now()
			claimed, err := c.stream.ClaimIdle(ctx, c.cfg.ConsumerName, c.cfg.ClaimMinIdle, c.cfg.BatchSize)
			if err != nil {
				log.Printf("[consumer] claim failed err=%v", err)
			} else if len(claimed) > 0 {
				log.Printf("[consumer] claimed idle entries count=%d", len(claimed))
				c.processBatch(ctx, claimed)
			}
		}

		msgs, err := c.stream.Read(ctx, c.cfg.ConsumerName, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[consumer] read failed err=%v", err)
			if _, werr := retry.Wait(ctx, backoff, attempt); werr != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		if len(msgs) == 0 {
			if c.cfg.Block <= 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.cfg.IdleWait):
				}
			}
			continue
		}
		c.processBatch(ctx, msgs)
	}
}

// processBatch 并发处理一批消息；关停信号不打断已开始的消息
func (c *Consumer) processBatch(ctx context.Context, msgs []transport.Message) {
	runCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m transport.Message) {
			defer wg.Done()
			c.process(runCtx, m)
		}(m)
	}
	wg.Wait()
}

func (c *Consumer) process(ctx context.Context, m transport.Message) {
	ctx, span := c.tracer.Start(ctx, "task.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("stream.entry_id", m.ID)),
	)
	defer span.End()

	msg, err := m.Task()
	if err != nil {
		// 畸形消息永远不会成功，确认后丢弃
		log.Printf("[consumer] dropping entry=%s err=%v", m.ID, err)
		c.ack(ctx, m.ID)
		return
	}
	span.SetAttributes(attribute.String("task.id", msg.TaskID))

	ref := c.workerRef()
	if err := c.coord.ReportStatus(ctx, msg.TaskID, types.StatusReport{
		Status:    types.StatusProcessing,
		WorkerRef: ref,
	}); err != nil {
		c.reportFailed(ctx, m.ID, msg.TaskID, types.StatusProcessing, err)
		return
	}

	result, execErr := c.exec.Execute(ctx, msg)

	report := types.StatusReport{WorkerRef: ref}
	if execErr != nil {
		errMsg := execErr.Error()
		report.Status = types.StatusFailed
		report.ErrorMessage = &errMsg
		span.RecordError(execErr)
	} else {
		report.Status = types.StatusCompleted
		report.Result = &result
	}
	if err := c.coord.ReportStatus(ctx, msg.TaskID, report); err != nil {
		c.reportFailed(ctx, m.ID, msg.TaskID, report.Status, err)
		return
	}

	if execErr == nil && c.results != nil {
		if err := c.results.StoreResult(ctx, msg.TaskID, result, c.cfg.ResultTTL); err != nil {
			log.Printf("[consumer] cache result failed id=%s err=%v", msg.TaskID, err)
		}
	}
	c.ack(ctx, m.ID)
}

// reportFailed 被状态机拒绝或任务不存在时确认，其余错误留给重投
func (c *Consumer) reportFailed(ctx context.Context, entryID, taskID string, status types.TaskStatus, err error) {
	switch {
	case errors.Is(err, types.ErrTaskNotFound):
		log.Printf("[consumer] unknown task id=%s entry=%s, dropping", taskID, entryID)
		c.ack(ctx, entryID)
	case types.IsRejected(err):
		log.Printf("[consumer] %s report rejected id=%s err=%v", status, taskID, err)
		c.ack(ctx, entryID)
	default:
		log.Printf("[consumer] %s report failed id=%s err=%v, leaving unacked", status, taskID, err)
	}
}

func (c *Consumer) ack(ctx context.Context, entryID string) {
	if err := c.stream.Ack(ctx, entryID); err != nil {
		log.Printf("[consumer] ack failed entry=%s err=%v", entryID, err)
	}
}
