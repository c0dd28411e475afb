package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/enzymeflow/config"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

type testRecord struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&testRecord{}))
	return db
}

func TestNewPoolManager(t *testing.T) {
	gormDB := setupTestDB(t)

	cfg := PoolConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
	manager, err := NewPoolManager(gormDB, cfg, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	assert.Equal(t, gormDB, manager.DB())
	assert.Equal(t, cfg, manager.config)
	assert.Equal(t, "sqlite", manager.name)
	assert.Equal(t, 4, manager.Stats().MaxOpenConnections)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestPoolManager_PingAndClose(t *testing.T) {
	manager, err := NewPoolManager(setupTestDB(t), DefaultPoolConfig(), nil)
	require.NoError(t, err)

	assert.NoError(t, manager.Ping(context.Background()))
	manager.checkOnce()

	require.NoError(t, manager.Close())
	assert.NoError(t, manager.Close(), "重复关闭应当安全")
	assert.Error(t, manager.Ping(context.Background()))
	assert.Error(t, manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil }))
}

func TestPoolManager_HealthCheckLoopStops(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.HealthCheckInterval = 5 * time.Millisecond
	manager, err := NewPoolManager(setupTestDB(t), cfg, zap.NewNop())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, manager.Close())
}

func TestPoolManager_WithTransaction(t *testing.T) {
	manager, err := NewPoolManager(setupTestDB(t), DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&testRecord{Name: "kept"}).Error
	})
	require.NoError(t, err)

	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Create(&testRecord{Name: "rolled back"}).Error; err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, manager.DB().Model(&testRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	manager, err := NewPoolManager(setupTestDB(t), DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	var attempts int32
	err = manager.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return errors.New("database is locked")
		}
		return tx.Create(&testRecord{Name: "eventually"}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	atomic.StoreInt32(&attempts, 0)
	err = manager.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("constraint violation")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "不可重试错误不应重试")
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", errors.New("Deadlock detected"), true},
		{"serialization", errors.New("ERROR: could not serialize (SQLSTATE 40001)"), true},
		{"sqlite busy", errors.New("SQLITE_BUSY: database is locked"), true},
		{"bad connection", errors.New("driver: bad connection"), true},
		{"syntax", errors.New("syntax error at or near"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestOpen_SQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultDatabaseConfig()
	cfg.Name = filepath.Join("index", "manifest.db")

	manager, err := Open(cfg, dir, zap.NewNop(), nil)
	require.NoError(t, err)
	defer manager.Close()

	assert.NoError(t, manager.Ping(context.Background()))
	assert.Equal(t, 1, manager.Stats().MaxOpenConnections)
	assert.FileExists(t, filepath.Join(dir, "index", "manifest.db"))
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite"} {
		cfg := config.DefaultDatabaseConfig()
		cfg.Driver = driver
		d, err := Dialector(cfg)
		require.NoError(t, err, driver)
		assert.Equal(t, driver, d.Name())
	}

	_, err := Dialector(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)

	_, err = Dialector(config.DatabaseConfig{Driver: "sqlite"})
	assert.Error(t, err)
}
