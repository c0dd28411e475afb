package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/metrics"
)

// Dialector 根据驱动类型构建 GORM Dialector
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn := cfg.DSN()
	switch cfg.Driver {
	case "sqlite":
		if dsn == "" {
			return nil, fmt.Errorf("sqlite database name is empty")
		}
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Open 打开数据库并返回连接池管理器。
// sqlite 的相对路径以 baseDir 为基准，父目录不存在时自动创建。
func Open(cfg config.DatabaseConfig, baseDir string, log *zap.Logger, collector *metrics.Collector) (*PoolManager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Driver == "sqlite" && cfg.Name != ":memory:" && !filepath.IsAbs(cfg.Name) && baseDir != "" {
		cfg.Name = filepath.Join(baseDir, cfg.Name)
	}
	if cfg.Driver == "sqlite" && cfg.Name != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Name), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	pool := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	// sqlite 单写者，多连接只会放大 SQLITE_BUSY
	if cfg.Driver == "sqlite" {
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
	}

	return NewPoolManager(db, pool, log, WithName(cfg.Driver), WithMetrics(collector))
}
