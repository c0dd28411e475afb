package steps

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/types"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	// BreakerClosed 正常放行
	BreakerClosed BreakerState = iota
	// BreakerOpen 拒绝请求，直到冷却结束
	BreakerOpen
	// BreakerHalfOpen 冷却结束，只放行一个探测请求
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker 文献源熔断器。
// 连续 threshold 次失败后打开；冷却后放行一个探测，成功则关闭，失败则重新打开。
type Breaker struct {
	source    string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool

	now     func() time.Time
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewBreaker 创建熔断器；threshold <= 0 时永不熔断
func NewBreaker(source string, threshold int, cooldown time.Duration, logger *zap.Logger, collector *metrics.Collector) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		source:    source,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		metrics:   collector,
		logger:    logger.With(zap.String("source", source)),
	}
}

// Allow 检查是否允许发起请求；拒绝时返回不可重试的 UPSTREAM_ERROR
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		wait := b.cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			return types.Errorf(types.ErrUpstreamError, "%s unavailable after %d consecutive failures, retry in %s",
				b.source, b.failures, wait.Round(time.Second)).
				WithDetail("breaker", BreakerOpen.String())
		}
		b.transition(BreakerHalfOpen, "cooldown elapsed")
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return types.Errorf(types.ErrUpstreamError, "%s is being retried by a trial request", b.source).
				WithDetail("breaker", BreakerHalfOpen.String())
		}
		b.probing = true
	}
	return nil
}

// Record 记录一次请求结果
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.probing = false
		if b.state != BreakerClosed {
			b.transition(BreakerClosed, "trial succeeded")
		}
		return
	}

	b.failures++
	b.probing = false
	switch {
	case b.state == BreakerHalfOpen:
		b.openedAt = b.now()
		b.transition(BreakerOpen, "trial failed")
	case b.state == BreakerClosed && b.threshold > 0 && b.failures >= b.threshold:
		b.openedAt = b.now()
		b.transition(BreakerOpen, "failure threshold reached")
	}
}

// State 当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition 必须在锁内调用
func (b *Breaker) transition(to BreakerState, reason string) {
	from := b.state
	b.state = to
	b.metrics.RecordBreakerState(b.source, int(to))
	b.logger.Info("literature breaker state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))
}
