package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chhz0/taskq/types"
)

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// MemoryStream 进程内的单消费组流，用于嵌入式部署与测试
type MemoryStream struct {
	mu      sync.Mutex
	entries []Message
	next    int // 下一条未投递消息的下标
	pending map[string]*pendingEntry
	grouped bool
	seq     int64
	notify  chan struct{}
	closed  bool
	now     func() time.Time
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{
		pending: make(map[string]*pendingEntry),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

// SetClock 替换时钟，测试 ClaimIdle 用
func (ms *MemoryStream) SetClock(now func() time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.now = now
}

func (ms *MemoryStream) Enqueue(ctx context.Context, msg *types.TaskMessage) (string, error) {
	fields, err := encodeFields(msg)
	if err != nil {
		return "", err
	}
	return ms.Append(fields)
}

// Append 写入任意字段，可用来构造畸形消息
func (ms *MemoryStream) Append(fields map[string]string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return "", fmt.Errorf("stream closed")
	}

	ms.seq++
	id := fmt.Sprintf("%d-0", ms.seq)
	ms.entries = append(ms.entries, Message{ID: id, Values: fields})

	close(ms.notify)
	ms.notify = make(chan struct{})
	return id, nil
}

func (ms *MemoryStream) EnsureGroup(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.grouped = true
	return nil
}

func (ms *MemoryStream) Read(ctx context.Context, consumer string, count int, block time.Duration) ([]Message, error) {
	var timer <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timer = t.C
	}

	for {
		ms.mu.Lock()
		if !ms.grouped {
			ms.mu.Unlock()
			return nil, fmt.Errorf("NOGROUP consumer group does not exist")
		}
		if msgs := ms.deliverLocked(consumer, count); len(msgs) > 0 {
			ms.mu.Unlock()
			return msgs, nil
		}
		wait := ms.notify
		ms.mu.Unlock()

		if timer == nil {
			return nil, nil
		}
		select {
		case <-wait:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (ms *MemoryStream) deliverLocked(consumer string, count int) []Message {
	var out []Message
	now := ms.now()
	for ms.next < len(ms.entries) && len(out) < count {
		m := ms.entries[ms.next]
		ms.next++
		ms.pending[m.ID] = &pendingEntry{consumer: consumer, deliveredAt: now, deliveries: 1}
		out = append(out, m)
	}
	return out
}

func (ms *MemoryStream) Ack(ctx context.Context, ids ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, id := range ids {
		delete(ms.pending, id)
	}
	ms.compactLocked()
	return nil
}

// compactLocked 丢弃已投递且已确认的前缀，未确认的消息之后的部分留到它确认时再清理
func (ms *MemoryStream) compactLocked() {
	n := 0
	for n < ms.next {
		if _, ok := ms.pending[ms.entries[n].ID]; ok {
			break
		}
		n++
	}
	if n == 0 {
		return
	}
	rest := copy(ms.entries, ms.entries[n:])
	clear(ms.entries[rest:])
	ms.entries = ms.entries[:rest]
	ms.next -= n
}

func (ms *MemoryStream) ClaimIdle(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Message, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	var out []Message
	// 只有已投递的部分可能未确认；按写入顺序认领
	for _, m := range ms.entries[:ms.next] {
		if len(out) >= count {
			break
		}
		p, ok := ms.pending[m.ID]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, m)
	}
	return out, nil
}

// Pending 返回未确认的消息ID，按写入顺序
func (ms *MemoryStream) Pending() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var ids []string
	for _, m := range ms.entries[:ms.next] {
		if _, ok := ms.pending[m.ID]; ok {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Backlog 尚未投递给任何消费者的消息数
func (ms *MemoryStream) Backlog() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.entries) - ms.next
}

// Retained 仍保存在内存中的消息数
func (ms *MemoryStream) Retained() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.entries)
}

func (ms *MemoryStream) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}
