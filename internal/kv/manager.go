package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/tlsutil"
)

// =============================================================================
// 💾 Redis 键值管理器
// =============================================================================

// ErrNotFound 键不存在
var ErrNotFound = errors.New("kv: key not found")

// ErrLockHeld 锁已被其他持有者占用
var ErrLockHeld = errors.New("kv: lock held by another owner")

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("kv: manager is closed")

// releaseScript 仅当锁仍属于 token 时删除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript 仅当锁仍属于 token 时延长过期时间
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Manager Redis 键值管理器，所有键自动加上配置的前缀
type Manager struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewManager 连接 Redis 并验证连通性
func NewManager(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ForAddr(cfg.Addr)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger.With(zap.String("component", "kv")),
	}
	m.logger.Info("redis manager initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize))
	return m, nil
}

// Key 返回加上前缀后的完整键
func (m *Manager) Key(key string) string { return m.prefix + key }

func (m *Manager) check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Get 读取键值
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	val, err := m.client.Get(ctx, m.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set 写入键值（不过期）
func (m *Manager) Set(ctx context.Context, key string, value []byte) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.client.Set(ctx, m.Key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete 删除键；键不存在不算错误
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.check(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.Key(k)
	}
	if err := m.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Rename 重命名键；源键不存在时返回 ErrNotFound
func (m *Manager) Rename(ctx context.Context, from, to string) error {
	if err := m.check(); err != nil {
		return err
	}
	err := m.client.Rename(ctx, m.Key(from), m.Key(to)).Err()
	if err != nil && strings.Contains(err.Error(), "no such key") {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis rename %s: %w", from, err)
	}
	return nil
}

// Scan 遍历匹配 pattern 的键，回调收到的是去掉前缀的键
func (m *Manager) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	if err := m.check(); err != nil {
		return err
	}
	iter := m.client.Scan(ctx, 0, m.Key(pattern), 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()[len(m.prefix):]); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return nil
}

// =============================================================================
// 🔒 分布式锁
// =============================================================================

// TryLock 以 SET NX PX 尝试获取锁；已被占用时返回 ErrLockHeld
func (m *Manager) TryLock(ctx context.Context, key, token string, ttl time.Duration) error {
	if err := m.check(); err != nil {
		return err
	}
	ok, err := m.client.SetNX(ctx, m.Key(key), token, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Unlock 释放锁，只有 token 匹配时才删除
func (m *Manager) Unlock(ctx context.Context, key, token string) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, m.client, []string{m.Key(key)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	return nil
}

// Refresh 续期锁；锁已过期或被他人持有时返回 ErrLockHeld
func (m *Manager) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	if err := m.check(); err != nil {
		return err
	}
	n, err := refreshScript.Run(ctx, m.client, []string{m.Key(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis refresh lock %s: %w", key, err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.client.Ping(ctx).Err()
}

// Close 关闭管理器，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing redis manager")
	return m.client.Close()
}
