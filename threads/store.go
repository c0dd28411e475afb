package threads

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/internal/fsutil"
	"github.com/BaSui01/enzymeflow/internal/retry"
	"github.com/BaSui01/enzymeflow/types"
)

// Store 线程文档的持久化后端。文档以字节形式存取，编解码由 Memory 负责。
type Store interface {
	// Load 读取文档；不存在时返回 THREAD_NOT_FOUND
	Load(ctx context.Context, key Key) ([]byte, error)
	// Save 原子替换文档
	Save(ctx context.Context, key Key, data []byte) error
	// Delete 删除文档；不存在不算错误
	Delete(ctx context.Context, key Key) error
	// Quarantine 将损坏的文档改名隔离，返回隔离后的位置
	Quarantine(ctx context.Context, key Key, suffix string) (string, error)
	// Lock 获取跨进程的文档锁
	Lock(ctx context.Context, key Key) (unlock func(), err error)
	// Scan 遍历所有线程文档
	Scan(ctx context.Context, fn func(location string, data []byte) error) error
	// Location 返回文档的可读位置（文件路径或 Redis 键）
	Location(key Key) string
	Close() error
}

// =============================================================================
// 📁 文件后端
// =============================================================================

// FileStore 每个线程一个 JSON 文件：<dir>/<tag>_<id>.json
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	staleAfter  time.Duration
	logger      *zap.Logger
}

// FileStoreOption 文件后端可选项
type FileStoreOption func(*FileStore)

// WithLockTimeout 设置等待锁文件的最长时间
func WithLockTimeout(d time.Duration) FileStoreOption {
	return func(s *FileStore) { s.lockTimeout = d }
}

// WithStaleLockAfter 锁文件超过该时长未被刷新即视为持有者已崩溃
func WithStaleLockAfter(d time.Duration) FileStoreOption {
	return func(s *FileStore) { s.staleAfter = d }
}

// WithFileLogger 设置日志
func WithFileLogger(logger *zap.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = logger }
}

// NewFileStore 创建文件后端，目录不存在时创建
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		dir:         dir,
		lockTimeout: 30 * time.Second,
		staleAfter:  2 * time.Minute,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = 30 * time.Second
	}
	s.logger = s.logger.With(zap.String("component", "thread_file_store"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.Errorf(types.ErrStorageUnavailable, "create thread directory %s", dir).WithCause(err)
	}
	return s, nil
}

// Dir 返回文档目录
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(key Key) string { return filepath.Join(s.dir, key.FileName()) }

// Location 返回文档路径
func (s *FileStore) Location(key Key) string { return s.path(key) }

func ioErr(op, path string, err error) error {
	return types.Errorf(types.ErrStorageIO, "%s %s", op, path).
		WithCause(err).
		WithRetryable(retry.IsTransientIO(err))
}

func (s *FileStore) Load(_ context.Context, key Key) ([]byte, error) {
	p := s.path(key)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, types.Errorf(types.ErrThreadNotFound, "thread %s not found", key)
	}
	if err != nil {
		return nil, ioErr("read thread", p, err)
	}
	return data, nil
}

func (s *FileStore) Save(_ context.Context, key Key, data []byte) error {
	p := s.path(key)
	if err := fsutil.WriteFileAtomic(p, data, 0o644); err != nil {
		return ioErr("write thread", p, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key Key) error {
	p := s.path(key)
	if err := fsutil.RemoveIfExists(p); err != nil {
		return ioErr("delete thread", p, err)
	}
	return nil
}

func (s *FileStore) Quarantine(_ context.Context, key Key, suffix string) (string, error) {
	p := s.path(key)
	dst := p + suffix
	for i := 1; ; i++ {
		exists, err := fsutil.Exists(dst)
		if err != nil || !exists {
			break
		}
		dst = fmt.Sprintf("%s%s.%d", p, suffix, i)
	}
	if err := os.Rename(p, dst); err != nil {
		return "", ioErr("quarantine thread", p, err)
	}
	return dst, nil
}

// Lock 以 O_EXCL 创建 <file>.lock 并写入持有者令牌；超时返回 LOCK_TIMEOUT。
// 持有期间后台定期刷新锁文件的修改时间，只有超过 staleAfter 未刷新的锁
// （持有者已崩溃）才会被清除。释放时令牌不匹配则保留锁文件。
func (s *FileStore) Lock(ctx context.Context, key Key) (func(), error) {
	lockPath := s.path(key) + ".lock"
	token := strconv.Itoa(os.Getpid()) + " " + uuid.NewString()
	deadline := time.Now().Add(s.lockTimeout)
	delay := 5 * time.Millisecond

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = fsutil.RemoveIfExists(lockPath)
				return nil, ioErr("lock thread", lockPath, werr)
			}
			stop := s.keepAlive(lockPath, token)
			return func() {
				stop()
				s.release(lockPath, token)
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, ioErr("lock thread", lockPath, err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && s.staleAfter > 0 && time.Since(info.ModTime()) > s.staleAfter {
			s.logger.Warn("removing stale thread lock",
				zap.String("path", lockPath),
				zap.Duration("age", time.Since(info.ModTime())))
			_ = fsutil.RemoveIfExists(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, types.Errorf(types.ErrLockTimeout, "timed out waiting for %s", lockPath).WithRetryable(true)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 200*time.Millisecond)
	}
}

// keepAlive 每 staleAfter/4 刷新一次锁文件的修改时间
func (s *FileStore) keepAlive(lockPath, token string) func() {
	if s.staleAfter <= 0 {
		return func() {}
	}
	return heartbeat(s.staleAfter/4, func() error {
		owner, err := os.ReadFile(lockPath)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && string(owner) != token) {
			return errLockLost
		}
		if err != nil {
			return err
		}
		now := time.Now()
		return os.Chtimes(lockPath, now, now)
	}, s.logger.With(zap.String("path", lockPath)))
}

// release 仅当锁文件仍属于 token 时删除
func (s *FileStore) release(lockPath, token string) {
	owner, err := os.ReadFile(lockPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Warn("thread lock vanished before release", zap.String("path", lockPath))
		return
	case err != nil:
		s.logger.Warn("failed to read thread lock", zap.String("path", lockPath), zap.Error(err))
		return
	case string(owner) != token:
		s.logger.Error("thread lock was taken over by another holder, leaving it in place", zap.String("path", lockPath))
		return
	}
	if err := fsutil.RemoveIfExists(lockPath); err != nil {
		s.logger.Warn("failed to release thread lock", zap.String("path", lockPath), zap.Error(err))
	}
}

// errLockLost 锁已过期或被其他持有者接管
var errLockLost = errors.New("thread lock lost")

// heartbeat 每隔 interval 调用 beat 续期，直到返回的 stop 被调用。
// beat 返回 errLockLost 时停止续期；其他错误只记录，下一轮重试。
func heartbeat(interval time.Duration, beat func() error, logger *zap.Logger) func() {
	interval = max(interval, time.Millisecond)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			err := beat()
			if errors.Is(err, errLockLost) {
				logger.Error("thread lock lost while held")
				return
			}
			if err != nil {
				logger.Warn("failed to refresh thread lock", zap.Error(err))
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
}

// Scan 按文件名顺序遍历 *.json；隔离文件与临时文件不会被匹配
func (s *FileStore) Scan(_ context.Context, fn func(location string, data []byte) error) error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return ioErr("list threads", s.dir, err)
	}
	sort.Strings(matches)
	for _, p := range matches {
		if strings.HasPrefix(filepath.Base(p), ".") {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return ioErr("read thread", p, err)
		}
		if err := fn(p, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// corruptSuffix 隔离文件后缀
func corruptSuffix(now time.Time) string {
	return fmt.Sprintf(".corrupt-%d", now.Unix())
}
