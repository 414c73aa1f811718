// retry/policy.go
package retry

import (
	"math"
	"time"
)

// RetryPolicy 返回第 attempt 次（从 0 开始）重试前的等待时间，false 表示放弃
type RetryPolicy interface {
	NextRetry(attempt int) (time.Duration, bool)
}

// ExponentialBackoff 读流失败时使用。MaxAttempts <= 0 表示不限次数；
// Jitter 非空时在 [0, delay) 内取值，避免多个节点同时重连
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Jitter       func() float64
}

func (p *ExponentialBackoff) NextRetry(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := p.MaxDelay
	if f := float64(p.InitialDelay) * math.Pow(2, float64(attempt)); f < float64(math.MaxInt64) {
		delay = time.Duration(f)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter != nil {
		delay = time.Duration(float64(delay) * p.Jitter())
	}
	return delay, true
}

// FixedInterval 心跳失败后的重试间隔
type FixedInterval struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p *FixedInterval) NextRetry(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.Interval, true
}
