package threads

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/internal/ctxkeys"
	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/internal/retry"
	"github.com/BaSui01/enzymeflow/llm/tokenizer"
	"github.com/BaSui01/enzymeflow/types"
)

// =============================================================================
// 🧵 线程记忆
// =============================================================================

// CorruptionEvent 损坏文档被隔离时的事件
type CorruptionEvent struct {
	Key         Key
	Location    string
	RecoveredTo string
	Err         error
}

// Memory 以 (process-tag, thread-id) 为键的持久化会话记忆。
// 文档是唯一事实来源，Memory 不缓存线程内容。
type Memory struct {
	store        Store
	counter      Counter
	summarizer   Summarizer
	fallback     Summarizer
	minBudget    int
	summaryShare float64
	keepArchive  bool
	onCorrupt    func(CorruptionEvent)
	logger       *zap.Logger
	metrics      *metrics.Collector
	retryer      retry.Retryer
	now          func() time.Time

	locks keyedLocks
}

// Option Memory 可选项
type Option func(*Memory)

// WithCounter 设置预算计数方式，默认按字符
func WithCounter(c Counter) Option { return func(m *Memory) { m.counter = c } }

// WithSummarizer 设置压缩摘要能力
func WithSummarizer(s Summarizer) Option { return func(m *Memory) { m.summarizer = s } }

// WithMinBudget 设置可接受的最小预算
func WithMinBudget(n int) Option { return func(m *Memory) { m.minBudget = n } }

// WithSummaryShare 设置压缩时摘要占预算的比例 (0, 1)
func WithSummaryShare(f float64) Option { return func(m *Memory) { m.summaryShare = f } }

// WithKeepArchive 是否把被折叠的原始轮次保留在 Archive 中
func WithKeepArchive(keep bool) Option { return func(m *Memory) { m.keepArchive = keep } }

// WithCorruptionHandler 损坏文档被隔离后回调
func WithCorruptionHandler(fn func(CorruptionEvent)) Option {
	return func(m *Memory) { m.onCorrupt = fn }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option { return func(m *Memory) { m.logger = logger } }

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option { return func(m *Memory) { m.metrics = c } }

// WithRetryPolicy 设置存储重试策略（仅重试瞬时错误）
func WithRetryPolicy(p *retry.RetryPolicy) Option {
	return func(m *Memory) { m.retryer = retry.NewBackoffRetryer(retry.StoragePolicy(p), m.logger) }
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option { return func(m *Memory) { m.now = now } }

// NewMemory 创建线程记忆
func NewMemory(store Store, opts ...Option) *Memory {
	m := &Memory{
		store:        store,
		counter:      tokenizer.CharCounter{},
		minBudget:    64,
		summaryShare: 0.25,
		keepArchive:  true,
		logger:       zap.NewNop(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "thread_memory"))
	if m.counter == nil {
		m.counter = tokenizer.CharCounter{}
	}
	m.fallback = SimpleSummarizer{Counter: m.counter}
	if m.summarizer == nil {
		m.summarizer = m.fallback
	}
	if m.summaryShare <= 0 || m.summaryShare >= 1 {
		m.summaryShare = 0.25
	}
	if m.retryer == nil {
		m.retryer = retry.NewBackoffRetryer(retry.StoragePolicy(nil), m.logger)
	}
	return m
}

// Store 返回底层存储
func (m *Memory) Store() Store { return m.store }

// Counter 返回预算计数器
func (m *Memory) Counter() Counter { return m.counter }

// withLock 先进入进程内 FIFO 临界区，再获取后端锁
func (m *Memory) withLock(ctx context.Context, key Key, fn func() error) error {
	release := m.locks.acquire(key.Stem())
	defer release()

	unlock, err := m.store.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// load 读取并解析文档。文档损坏时隔离并返回 THREAD_NOT_FOUND，调用方据此新建线程。
func (m *Memory) load(ctx context.Context, key Key) (*Thread, error) {
	data, err := retry.DoWithResultTyped(m.retryer, ctx, func() ([]byte, error) {
		return m.store.Load(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	t, decodeErr := decodeThread(data)
	if decodeErr == nil {
		if t.ProcessTag == "" {
			t.ProcessTag = key.Tag
		}
		if !t.matches(key) {
			return nil, types.Errorf(types.ErrThreadKeyMismatch,
				"document at %s belongs to thread %s, not %s", m.store.Location(key), t.Key(), key).
				WithDetail("process_tag", t.ProcessTag).
				WithDetail("thread_id", t.ThreadID)
		}
		return t, nil
	}
	if err := m.quarantine(ctx, key, decodeErr); err != nil {
		return nil, err
	}
	return nil, types.Errorf(types.ErrThreadNotFound, "thread %s was corrupt and has been quarantined", key)
}

func (m *Memory) quarantine(ctx context.Context, key Key, cause error) error {
	location := m.store.Location(key)
	dst, err := m.store.Quarantine(ctx, key, corruptSuffix(m.now()))
	if err != nil {
		return err
	}
	m.metrics.RecordThreadCorruption(key.Tag)
	fields := append(ctxkeys.Fields(ctx),
		zap.String("thread", key.String()),
		zap.String("location", location),
		zap.String("quarantined_to", dst),
		zap.Error(cause))
	m.logger.Warn("corrupt thread document quarantined, starting a fresh thread", fields...)
	if m.onCorrupt != nil {
		m.onCorrupt(CorruptionEvent{Key: key, Location: location, RecoveredTo: dst, Err: cause})
	}
	return nil
}

func (m *Memory) save(ctx context.Context, t *Thread) error {
	t.UpdatedAt = m.now()
	data, err := encodeThread(t)
	if err != nil {
		return types.NewError(types.ErrStorageIO, "encode thread").WithCause(err)
	}
	return m.retryer.Do(ctx, func() error {
		return m.store.Save(ctx, t.Key(), data)
	})
}

// loadOrCreate 调用方须持有锁
func (m *Memory) loadOrCreate(ctx context.Context, key Key) (*Thread, error) {
	t, err := m.load(ctx, key)
	if types.IsErrorCode(err, types.ErrThreadNotFound) {
		return newThread(key, m.now()), nil
	}
	return t, err
}

// CreateOptions 新建线程的可选信息
type CreateOptions struct {
	Title    string
	RootKey  string
	Metadata map[string]any
}

// Create 新建空线程；id 为空时生成 32 位十六进制 ID。线程已存在时返回 INVALID_INPUT。
func (m *Memory) Create(ctx context.Context, tag, id string, opts CreateOptions) (*Thread, error) {
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	key, err := NewKey(tag, id)
	if err != nil {
		return nil, err
	}

	var t *Thread
	err = m.withLock(ctx, key, func() error {
		existing, err := m.load(ctx, key)
		if err == nil && existing != nil {
			return types.Errorf(types.ErrInvalidInput, "thread %s already exists", key)
		}
		if err != nil && !types.IsErrorCode(err, types.ErrThreadNotFound) {
			return err
		}
		t = newThread(key, m.now())
		t.Title = opts.Title
		t.RootKey = opts.RootKey
		t.Metadata = opts.Metadata
		return m.save(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Load 读取线程；不存在时返回 THREAD_NOT_FOUND
func (m *Memory) Load(ctx context.Context, tag, id string) (*Thread, error) {
	key, err := NewKey(tag, id)
	if err != nil {
		return nil, err
	}
	var t *Thread
	err = m.withLock(ctx, key, func() error {
		var loadErr error
		t, loadErr = m.load(ctx, key)
		return loadErr
	})
	return t, err
}

// AppendTurn 追加一轮对话并原子持久化，返回带序号的轮次。
// 同一线程的并发追加按调用顺序串行执行，不会丢失或交错。
func (m *Memory) AppendTurn(ctx context.Context, tag, id string, turn Turn) (Turn, error) {
	key, err := NewKey(tag, id)
	if err != nil {
		return Turn{}, err
	}
	if !turn.Role.valid() {
		return Turn{}, types.Errorf(types.ErrInvalidInput, "invalid role %q", turn.Role)
	}
	if turn.Summary != nil {
		return Turn{}, types.NewError(types.ErrInvalidInput, "summary turns are created by compaction only")
	}

	err = m.withLock(ctx, key, func() error {
		t, err := m.loadOrCreate(ctx, key)
		if err != nil {
			return err
		}
		turn.Seq = t.NextSeq
		if turn.Timestamp.IsZero() {
			turn.Timestamp = m.now()
		}
		t.NextSeq++
		t.Turns = append(t.Turns, turn)
		return m.save(ctx, t)
	})
	if err != nil {
		return Turn{}, err
	}
	m.metrics.RecordThreadTurn(key.Tag, string(turn.Role))
	m.logger.Debug("turn appended",
		zap.String("thread", key.String()),
		zap.Int("seq", turn.Seq),
		zap.String("role", string(turn.Role)))
	return turn, nil
}

// Delete 删除线程文档；不存在不算错误
func (m *Memory) Delete(ctx context.Context, tag, id string) error {
	key, err := NewKey(tag, id)
	if err != nil {
		return err
	}
	return m.withLock(ctx, key, func() error {
		return m.store.Delete(ctx, key)
	})
}

// List 列出线程，tag 非空时只返回该 tag 的线程；按更新时间倒序。无法解析的文档被跳过。
func (m *Memory) List(ctx context.Context, tag string) ([]ThreadInfo, error) {
	filter := SanitizeTag(tag)
	var out []ThreadInfo
	err := m.store.Scan(ctx, func(location string, data []byte) error {
		t, err := decodeThread(data)
		if err != nil {
			m.logger.Debug("skipping unreadable thread", zap.String("location", location), zap.Error(err))
			return nil
		}
		if filter != "" && SanitizeTag(t.ProcessTag) != filter {
			return nil
		}
		out = append(out, ThreadInfo{
			ProcessTag: t.ProcessTag,
			ThreadID:   t.ThreadID,
			Title:      t.Title,
			UpdatedAt:  t.UpdatedAt,
			Turns:      len(t.Turns),
			Location:   location,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// =============================================================================
// 🔍 轮次查询
// =============================================================================

// LookupStatus 查询结果类型
type LookupStatus string

const (
	// LookupVerbatim 轮次仍在线程中，原文可得
	LookupVerbatim LookupStatus = "verbatim"
	// LookupArchived 轮次已被压缩，原文保存在 Archive
	LookupArchived LookupStatus = "archived"
	// LookupSummarized 轮次已被压缩且未保留原文，只能给出摘要
	LookupSummarized LookupStatus = "summarized"
)

// LookupResult 按序号查询轮次的结果
type LookupResult struct {
	Seq    int          `json:"seq"`
	Status LookupStatus `json:"status"`
	// Turn 原文（verbatim / archived）
	Turn *Turn `json:"turn,omitempty"`
	// Summary 覆盖该序号的摘要轮次（archived / summarized）
	Summary *Turn `json:"summary,omitempty"`
}

// Lookup 返回第 seq 轮的原文，或明确标注的摘要引用；从不编造内容
func (m *Memory) Lookup(ctx context.Context, tag, id string, seq int) (*LookupResult, error) {
	t, err := m.Load(ctx, tag, id)
	if err != nil {
		return nil, err
	}
	res := &LookupResult{Seq: seq}
	for i := range t.Turns {
		if !t.Turns[i].IsSummary() && t.Turns[i].Seq == seq {
			turn := t.Turns[i]
			res.Status, res.Turn = LookupVerbatim, &turn
			return res, nil
		}
	}

	summary, ok := t.Summary()
	if !ok || !summary.Summary.Covers(seq) {
		return nil, types.Errorf(types.ErrTurnNotFound, "thread %s has no turn %d", t.Key(), seq)
	}
	res.Summary = &summary
	idx := sort.Search(len(t.Archive), func(i int) bool { return t.Archive[i].Seq >= seq })
	if idx < len(t.Archive) && t.Archive[idx].Seq == seq {
		turn := t.Archive[idx]
		res.Status, res.Turn = LookupArchived, &turn
		return res, nil
	}
	res.Status = LookupSummarized
	return res, nil
}

// =============================================================================
// 🔐 进程内 FIFO 锁
// =============================================================================

// ticketLock 按到达顺序授予的互斥锁
type ticketLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
	holders int
}

type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*ticketLock
}

// acquire 按到达顺序获取 name 的锁；无人等待时回收锁对象
func (k *keyedLocks) acquire(name string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*ticketLock)
	}
	l, ok := k.locks[name]
	if !ok {
		l = &ticketLock{}
		l.cond = sync.NewCond(&l.mu)
		k.locks[name] = l
	}
	l.holders++
	l.mu.Lock()
	ticket := l.next
	l.next++
	l.mu.Unlock()
	k.mu.Unlock()

	l.mu.Lock()
	for ticket != l.serving {
		l.cond.Wait()
	}
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		l.serving++
		l.cond.Broadcast()
		l.mu.Unlock()

		k.mu.Lock()
		l.holders--
		if l.holders == 0 {
			delete(k.locks, name)
		}
		k.mu.Unlock()
	}
}
