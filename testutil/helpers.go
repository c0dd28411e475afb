// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	resolver := testutil.NewResolver(t)
//	path := testutil.WriteFile(t, resolver, "processed", "pockets.csv", csv)
// =============================================================================
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/types"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 📁 存储辅助
// =============================================================================

// TestRoot 测试数据根名称
const TestRoot = "local"

// StorageConfig 返回以临时目录为唯一数据根的存储配置
func StorageConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	cfg := config.DefaultStorageConfig()
	cfg.Roots = map[string]string{TestRoot: t.TempDir()}
	cfg.DefaultRoot = TestRoot
	return cfg
}

// NewResolver 创建指向临时目录的解析器
func NewResolver(t *testing.T) *config.Resolver {
	t.Helper()
	r, err := config.NewResolver(StorageConfig(t), "")
	if err != nil {
		t.Fatalf("build resolver: %v", err)
	}
	return r
}

// WriteFile 在 resolver 的 root/subarea 下写入文件并返回路径
func WriteFile(t *testing.T, r *config.Resolver, subarea, name, content string) string {
	t.Helper()
	dir, err := r.Resolve(TestRoot, subarea)
	if err != nil {
		t.Fatalf("resolve %s: %v", subarea, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertErrorCode 断言错误携带指定错误码
func AssertErrorCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error with code %s, got nil", code)
		return
	}
	if got := types.GetErrorCode(err); got != code {
		t.Errorf("expected error code %s, got %s (%v)", code, got, err)
	}
}
