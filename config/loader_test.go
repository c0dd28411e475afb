// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/enzymeflow/types"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	for _, name := range RequiredSubAreas {
		assert.Equal(t, name, cfg.Storage.SubAreas[name])
	}
	assert.Equal(t, SubAreaChats, cfg.Storage.SubAreas[SubAreaChats])
	assert.Equal(t, SubAreaRuns, cfg.Storage.SubAreas[SubAreaRuns])
	assert.Empty(t, cfg.Storage.Roots)

	assert.Equal(t, "file", cfg.Threads.Backend)
	assert.Equal(t, "chars", cfg.Threads.Counter)
	assert.Equal(t, 12000, cfg.Threads.DefaultBudget)
	assert.True(t, cfg.Threads.KeepArchive)

	assert.Equal(t, "skip_dependents", cfg.Workflow.FailurePolicy)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	// 没有数据根时默认配置无法通过校验
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, map[string]string{DefaultRootName: DefaultRootBase}, cfg.Storage.Roots)
	assert.Equal(t, DefaultRootName, cfg.Storage.DefaultRoot)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "enzymeflow.yaml")

	yamlContent := `
storage:
  roots:
    upo: ./projects/upo
    scratch: /scratch/enzymes
  subareas:
    alignments: msa/aligned
  default_root: upo

threads:
  default_budget: 4000
  lock_timeout: 10s

workflow:
  failure_policy: halt
  parallel: true

log:
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "./projects/upo", cfg.Storage.Roots["upo"])
	assert.Equal(t, "/scratch/enzymes", cfg.Storage.Roots["scratch"])
	assert.NotContains(t, cfg.Storage.Roots, DefaultRootName)
	// YAML 子区域与默认子区域合并
	assert.Equal(t, "msa/aligned", cfg.Storage.SubAreas["alignments"])
	assert.Equal(t, "sequences", cfg.Storage.SubAreas["sequences"])
	assert.Equal(t, "upo", cfg.Storage.DefaultRoot)

	assert.Equal(t, 4000, cfg.Threads.DefaultBudget)
	assert.Equal(t, 10*time.Second, cfg.Threads.LockTimeout)
	assert.Equal(t, "halt", cfg.Workflow.FailurePolicy)
	assert.True(t, cfg.Workflow.Parallel)
	assert.Equal(t, "debug", cfg.Log.Level)

	abs, err := filepath.Abs(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, abs, cfg.BaseDir())
	require.NoError(t, cfg.Validate())
}

func TestLoader_RejectsUnknownFields(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "enzymeflow.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("storage:\n  rootz:\n    a: /x\n"), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))
}

func TestLoader_EmptyFileUsesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, nil, 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Threads.Backend)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("ENZYMEFLOW_STORAGE_ROOTS", "proj=/data/proj, other=/data/other")
	t.Setenv("ENZYMEFLOW_STORAGE_DEFAULT_ROOT", "proj")
	t.Setenv("ENZYMEFLOW_THREADS_COUNTER", "tokens")
	t.Setenv("ENZYMEFLOW_THREADS_SUMMARY_SHARE", "0.4")
	t.Setenv("ENZYMEFLOW_RETRY_INITIAL_DELAY", "5ms")
	t.Setenv("ENZYMEFLOW_LOG_OUTPUT_PATHS", "stdout, /tmp/enzymeflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/proj", cfg.Storage.Roots["proj"])
	assert.Equal(t, "/data/other", cfg.Storage.Roots["other"])
	assert.Equal(t, "proj", cfg.Storage.DefaultRoot)
	assert.Equal(t, "tokens", cfg.Threads.Counter)
	assert.Equal(t, 0.4, cfg.Threads.SummaryShare)
	assert.Equal(t, 5*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, []string{"stdout", "/tmp/enzymeflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "enzymeflow.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("threads:\n  backend: file\n"), 0o644))

	t.Setenv("CUSTOM_THREADS_BACKEND", "redis")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		WithEnvPrefix("CUSTOM").
		Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Threads.Backend)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("ENZYMEFLOW_THREADS_DEFAULT_BUDGET", "lots")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENZYMEFLOW_THREADS_DEFAULT_BUDGET")
}

func TestLoader_Validators(t *testing.T) {
	called := false
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			called = true
			return c.Validate()
		}).
		Load()
	require.NoError(t, err)
	assert.True(t, called)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/enzymeflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultRootName, cfg.Storage.DefaultRoot)
}

// --- 校验测试 ---

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Storage.Roots = map[string]string{"p": "/data/p"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "escaping subarea", mutate: func(c *Config) { c.Storage.SubAreas["bad"] = "../outside" }, wantErr: "escapes"},
		{name: "absolute subarea", mutate: func(c *Config) { c.Storage.SubAreas["abs"] = "/abs" }, wantErr: "relative"},
		{name: "unknown default root", mutate: func(c *Config) { c.Storage.DefaultRoot = "nope" }, wantErr: "default_root"},
		{name: "bad backend", mutate: func(c *Config) { c.Threads.Backend = "s3" }, wantErr: "threads.backend"},
		{name: "bad counter", mutate: func(c *Config) { c.Threads.Counter = "words" }, wantErr: "threads.counter"},
		{name: "budget below minimum", mutate: func(c *Config) { c.Threads.DefaultBudget = 10 }, wantErr: "default_budget"},
		{name: "summary share", mutate: func(c *Config) { c.Threads.SummaryShare = 1.5 }, wantErr: "summary_share"},
		{name: "missing manifest subarea", mutate: func(c *Config) { delete(c.Storage.SubAreas, SubAreaRuns) }, wantErr: "manifest.subarea"},
		{name: "index driver", mutate: func(c *Config) { c.Manifest.IndexEnabled = true; c.Database.Driver = "oracle" }, wantErr: "database.driver"},
		{name: "failure policy", mutate: func(c *Config) { c.Workflow.FailurePolicy = "retry" }, wantErr: "failure_policy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DefaultDatabaseConfig()
	assert.Equal(t, "enzymeflow.db", d.DSN())

	d.Driver = "postgres"
	assert.Contains(t, d.DSN(), "dbname=enzymeflow.db")

	d.Driver = "mysql"
	assert.Contains(t, d.DSN(), "@tcp(localhost:5432)/")

	d.Driver = "unknown"
	assert.Empty(t, d.DSN())
}

func TestMustLoad_Panics(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("storage: [unclosed"), 0o644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
