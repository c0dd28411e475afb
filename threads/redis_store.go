package threads

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/internal/kv"
	"github.com/BaSui01/enzymeflow/types"
)

const (
	redisThreadPrefix = "thread:"
	redisLockPrefix   = "thread-lock:"
)

// RedisStore 把线程文档存为 Redis 字符串键 <prefix>thread:<tag>_<id>，
// 供多台机器共享同一组线程。
type RedisStore struct {
	kv          *kv.Manager
	lockTTL     time.Duration
	lockTimeout time.Duration
	logger      *zap.Logger
}

// NewRedisStore 基于已连接的 kv.Manager 创建后端
func NewRedisStore(m *kv.Manager, lockTimeout, lockTTL time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	return &RedisStore{
		kv:          m,
		lockTTL:     lockTTL,
		lockTimeout: lockTimeout,
		logger:      logger.With(zap.String("component", "thread_redis_store")),
	}
}

func docKey(key Key) string { return redisThreadPrefix + key.Stem() }

// Location 返回完整 Redis 键
func (s *RedisStore) Location(key Key) string { return s.kv.Key(docKey(key)) }

func redisErr(op string, key Key, err error) error {
	return types.Errorf(types.ErrStorageIO, "%s %s", op, key).WithCause(err).WithRetryable(true)
}

func (s *RedisStore) Load(ctx context.Context, key Key) ([]byte, error) {
	data, err := s.kv.Get(ctx, docKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, types.Errorf(types.ErrThreadNotFound, "thread %s not found", key)
	}
	if err != nil {
		return nil, redisErr("load thread", key, err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, key Key, data []byte) error {
	if err := s.kv.Set(ctx, docKey(key), data); err != nil {
		return redisErr("save thread", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.kv.Delete(ctx, docKey(key)); err != nil {
		return redisErr("delete thread", key, err)
	}
	return nil
}

// Quarantine 把损坏的键改名为 <key><suffix>；Scan 不会再匹配到它
func (s *RedisStore) Quarantine(ctx context.Context, key Key, suffix string) (string, error) {
	dst := docKey(key) + suffix
	if err := s.kv.Rename(ctx, docKey(key), dst); err != nil {
		return "", redisErr("quarantine thread", key, err)
	}
	return s.kv.Key(dst), nil
}

// Lock 以 SET NX PX 轮询获取锁；持有期间每 TTL/3 续期一次，持有者崩溃后锁自动过期
func (s *RedisStore) Lock(ctx context.Context, key Key) (func(), error) {
	lockKey := redisLockPrefix + key.Stem()
	token := uuid.NewString()
	deadline := time.Now().Add(s.lockTimeout)
	delay := 5 * time.Millisecond

	for {
		err := s.kv.TryLock(ctx, lockKey, token, s.lockTTL)
		if err == nil {
			stop := heartbeat(s.lockTTL/3, func() error {
				refreshCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := s.kv.Refresh(refreshCtx, lockKey, token, s.lockTTL)
				if errors.Is(err, kv.ErrLockHeld) {
					return errLockLost
				}
				return err
			}, s.logger.With(zap.String("key", lockKey)))
			return func() {
				stop()
				// 调用方的 ctx 可能已取消，释放锁使用独立的上下文
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.kv.Unlock(releaseCtx, lockKey, token); err != nil {
					s.logger.Warn("failed to release thread lock", zap.String("key", lockKey), zap.Error(err))
				}
			}, nil
		}
		if !errors.Is(err, kv.ErrLockHeld) {
			return nil, redisErr("lock thread", key, err)
		}
		if time.Now().After(deadline) {
			return nil, types.Errorf(types.ErrLockTimeout, "timed out waiting for lock on %s", key).WithRetryable(true)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 200*time.Millisecond)
	}
}

func (s *RedisStore) Scan(ctx context.Context, fn func(location string, data []byte) error) error {
	var keys []string
	err := s.kv.Scan(ctx, redisThreadPrefix+"*", func(k string) error {
		if !strings.Contains(k, ".corrupt-") {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return types.NewError(types.ErrStorageIO, "scan threads").WithCause(err)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data, err := s.kv.Get(ctx, k)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return types.Errorf(types.ErrStorageIO, "read %s", k).WithCause(err)
		}
		if err := fn(s.kv.Key(k), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Close() error { return s.kv.Close() }
