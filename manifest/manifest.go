package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/types"
)

// FileName 每次运行的清单文件名
const FileName = "manifest.jsonl"

// Sink 接收已落盘的条目（例如 SQL 索引）。Sink 的错误只记录日志，不影响运行。
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// fileLocks 同一进程内对同一清单文件的追加串行化
var fileLocks sync.Map // path -> *sync.Mutex

func lockFor(path string) *sync.Mutex {
	m, _ := fileLocks.LoadOrStore(path, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Manifest 单次运行的只追加清单（JSON Lines）
type Manifest struct {
	path    string
	runID   string
	lock    *sync.Mutex
	logger  *zap.Logger
	metrics *metrics.Collector
	sinks   []Sink
	now     func() time.Time

	mu      sync.RWMutex
	entries []Entry
	size    int64
}

// Option 清单可选项
type Option func(*Manifest)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manifest) { m.logger = logger }
}

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manifest) { m.metrics = c }
}

// WithSink 追加一个条目接收者
func WithSink(s Sink) Option {
	return func(m *Manifest) {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manifest) { m.now = now }
}

// PathFor 返回 runID 的清单路径：<root>/<subarea>/<runID>/manifest.jsonl
func PathFor(r *config.Resolver, root, subarea, runID string) (string, error) {
	if err := validateRunID(runID); err != nil {
		return "", err
	}
	if root == "" {
		root = r.DefaultRoot()
	}
	dir, err := r.Resolve(root, subarea)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, runID, FileName), nil
}

func validateRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." || filepath.Base(runID) != runID {
		return types.Errorf(types.ErrInvalidInput, "invalid run id %q", runID)
	}
	return nil
}

// NewRunID 生成新的运行 ID：时间前缀加随机后缀，按字典序即时间序
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// Open 打开（或创建）清单；已有条目全部加载，用于续跑。
// 末行因崩溃被截断时截掉并告警，中间行损坏则返回 CORRUPT_DOCUMENT。
func Open(path, runID string, opts ...Option) (*Manifest, error) {
	m := &Manifest{
		path:   path,
		runID:  runID,
		lock:   lockFor(path),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "manifest"), zap.String("run_id", runID))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, types.Errorf(types.ErrStorageUnavailable, "create manifest directory %s", filepath.Dir(path)).WithCause(err)
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.reload(); err != nil {
		return nil, err
	}
	if len(m.entries) > 0 {
		m.logger.Info("manifest loaded", zap.String("path", path), zap.Int("entries", len(m.entries)))
	}
	return m, nil
}

// reload 从磁盘重新读取全部条目；调用方须持有文件锁
func (m *Manifest) reload() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.mu.Lock()
		m.entries, m.size = nil, 0
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return types.Errorf(types.ErrStorageIO, "read manifest %s", m.path).WithCause(err)
	}

	data, err = m.repairTail(data)
	if err != nil {
		return err
	}
	entries, err := parseEntries(data)
	if err != nil {
		return types.Errorf(types.ErrCorruptDocument, "manifest %s is corrupt", m.path).WithCause(err)
	}
	m.mu.Lock()
	m.entries, m.size = entries, int64(len(data))
	m.mu.Unlock()
	return nil
}

// repairTail 处理崩溃留下的末行：完整 JSON 补换行，残缺内容截掉
func (m *Manifest) repairTail(data []byte) ([]byte, error) {
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return data, nil
	}
	cut := bytes.LastIndexByte(data, '\n') + 1
	tail := bytes.TrimSpace(data[cut:])
	if json.Valid(tail) {
		if err := appendLine(m.path, []byte("\n")); err != nil {
			return nil, types.Errorf(types.ErrStorageIO, "repair manifest %s", m.path).WithCause(err)
		}
		return append(data, '\n'), nil
	}
	m.logger.Warn("dropping truncated trailing manifest line",
		zap.String("path", m.path),
		zap.Int("bytes", len(data)-cut))
	if err := os.Truncate(m.path, int64(cut)); err != nil {
		return nil, types.Errorf(types.ErrStorageIO, "repair manifest %s", m.path).WithCause(err)
	}
	return data[:cut], nil
}

func parseEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Path 返回清单文件路径
func (m *Manifest) Path() string { return m.path }

// RunID 返回运行 ID
func (m *Manifest) RunID() string { return m.runID }

// Record 追加一条记录：分配 ID 与序号，写入一行 JSON 并 fsync。
// 同一清单的并发 Record 被串行化，序号严格递增。
func (m *Manifest) Record(ctx context.Context, e Entry) (Entry, error) {
	if err := e.validate(); err != nil {
		return Entry{}, err
	}

	m.lock.Lock()
	if err := m.refreshLocked(); err != nil {
		m.lock.Unlock()
		return Entry{}, err
	}

	m.mu.RLock()
	e.Sequence = len(m.entries) + 1
	m.mu.RUnlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.RunID = m.runID
	if e.FinishedAt.IsZero() {
		e.FinishedAt = m.now()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.FinishedAt
	}
	if e.Inputs == nil {
		e.Inputs = []artifacts.Ref{}
	}
	if e.Outputs == nil {
		e.Outputs = []artifacts.Ref{}
	}

	line, err := json.Marshal(e)
	if err != nil {
		m.lock.Unlock()
		return Entry{}, types.NewError(types.ErrStorageIO, "marshal manifest entry").WithCause(err)
	}
	line = append(line, '\n')
	if err := appendLine(m.path, line); err != nil {
		m.lock.Unlock()
		return Entry{}, types.Errorf(types.ErrStorageIO, "append to manifest %s", m.path).WithCause(err)
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.size += int64(len(line))
	m.mu.Unlock()
	m.lock.Unlock()

	m.metrics.RecordManifestEntry(string(e.Status))
	m.logger.Debug("manifest entry recorded",
		zap.String("step_id", e.StepID),
		zap.Int("sequence", e.Sequence),
		zap.String("status", string(e.Status)))

	for _, s := range m.sinks {
		if err := s.Append(ctx, e); err != nil {
			m.logger.Warn("manifest sink failed", zap.String("entry_id", e.ID), zap.Error(err))
		}
	}
	return e, nil
}

// refreshLocked 文件被其他句柄追加过时重新加载
func (m *Manifest) refreshLocked() error {
	info, err := os.Stat(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return types.Errorf(types.ErrStorageIO, "stat manifest %s", m.path).WithCause(err)
	}
	m.mu.RLock()
	size := m.size
	m.mu.RUnlock()
	if info.Size() == size {
		return nil
	}
	return m.reload()
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Entries 返回全部条目的副本，按序号升序
func (m *Manifest) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries)
}

// Len 返回条目数
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// LastEntry 返回 stepID 的最后一条记录
func (m *Manifest) LastEntry(stepID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].StepID == stepID {
			return m.entries[i], true
		}
	}
	return Entry{}, false
}

// LastSuccess 返回 stepID 最后一次成功的记录
func (m *Manifest) LastSuccess(stepID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].StepID == stepID && m.entries[i].Status == StatusSuccess {
			return m.entries[i], true
		}
	}
	return Entry{}, false
}
