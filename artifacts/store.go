package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/fsutil"
	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/internal/retry"
	"github.com/BaSui01/enzymeflow/types"
)

const (
	versionsDirName = ".versions"
	metaSuffix      = ".meta.json"
)

// MigrationFunc 将载荷从某个 schema 版本升级到下一个版本
type MigrationFunc func(*Payload) (*Payload, error)

type migrationKey struct {
	schema string
	from   int
}

// Store 基于数据根/子区域解析器的产物存储。
// 每个版本以内容哈希命名、不可变地保存在 .versions 下；
// 可见文件及其 sidecar 通过临时文件 + rename 原子替换。
type Store struct {
	resolver *config.Resolver
	logger   *zap.Logger
	metrics  *metrics.Collector
	retryer  retry.Retryer
	now      func() time.Time

	locks pathLocks

	mu         sync.RWMutex
	migrations map[migrationKey]MigrationFunc
}

// Option 存储可选项
type Option func(*Store)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// WithRetryPolicy 设置瞬时 I/O 错误的重试策略
func WithRetryPolicy(p *retry.RetryPolicy) Option {
	return func(s *Store) { s.retryer = retry.NewBackoffRetryer(retry.StoragePolicy(p), s.logger) }
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore 创建产物存储
func NewStore(resolver *config.Resolver, opts ...Option) *Store {
	s := &Store{
		resolver:   resolver,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		migrations: make(map[migrationKey]MigrationFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "artifact_store"))
	if s.retryer == nil {
		s.retryer = retry.NewBackoffRetryer(retry.StoragePolicy(retry.PolicyFromConfig(config.DefaultRetryConfig())), s.logger)
	}
	return s
}

// Resolver 返回底层路径解析器
func (s *Store) Resolver() *config.Resolver { return s.resolver }

// =============================================================================
// 📁 目录与路径
// =============================================================================

func (s *Store) rootName(root string) string {
	if root == "" {
		return s.resolver.DefaultRoot()
	}
	return root
}

// EnsureDir 惰性创建 root/subarea 目录，已存在时直接返回。
// 数据根本身不存在（不可达）时返回 STORAGE_UNAVAILABLE，绝不创建数据根。
func (s *Store) EnsureDir(ctx context.Context, root, subarea string) (string, error) {
	root = s.rootName(root)
	base, err := s.resolver.RootPath(root)
	if err != nil {
		return "", err
	}
	dir, err := s.resolver.Resolve(root, subarea)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(base)
	if err != nil || !info.IsDir() {
		return "", types.Errorf(types.ErrStorageUnavailable, "data root %q is unreachable", root).
			WithCause(err).
			WithDetail("path", base)
	}
	err = s.retryer.Do(ctx, func() error {
		return storageErr("mkdir", dir, os.MkdirAll(dir, 0o755))
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

// Exists 判断 root/subarea/filename 的可见文件是否存在
func (s *Store) Exists(root, subarea, filename string) (bool, error) {
	dir, err := s.resolver.Resolve(s.rootName(root), subarea)
	if err != nil {
		return false, err
	}
	ok, err := fsutil.Exists(filepath.Join(dir, filename))
	return ok, storageErr("stat", filename, err)
}

func validateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return types.Errorf(types.ErrInvalidContract, "invalid artifact filename %q", name)
	case strings.ContainsAny(name, `/\`):
		return types.Errorf(types.ErrInvalidContract, "artifact filename %q must not contain path separators", name)
	case strings.HasPrefix(name, "."):
		return types.Errorf(types.ErrInvalidContract, "artifact filename %q must not be hidden", name)
	case strings.HasSuffix(name, metaSuffix):
		return types.Errorf(types.ErrInvalidContract, "artifact filename %q collides with sidecar naming", name)
	}
	return nil
}

type artifactPaths struct {
	dir         string
	visible     string
	sidecar     string
	versionsDir string
}

func (s *Store) paths(root, subarea, filename string) (artifactPaths, error) {
	if err := validateFilename(filename); err != nil {
		return artifactPaths{}, err
	}
	dir, err := s.resolver.Resolve(s.rootName(root), subarea)
	if err != nil {
		return artifactPaths{}, err
	}
	visible := filepath.Join(dir, filename)
	return artifactPaths{
		dir:         dir,
		visible:     visible,
		sidecar:     visible + metaSuffix,
		versionsDir: filepath.Join(dir, versionsDirName, filename),
	}, nil
}

func (p artifactPaths) version(hash string, kind Kind) string {
	return filepath.Join(p.versionsDir, hash+extFor(kind))
}

func (p artifactPaths) versionMeta(hash string) string {
	return filepath.Join(p.versionsDir, hash+metaSuffix)
}

func extFor(kind Kind) string {
	if kind == KindTable {
		return ".csv"
	}
	return ".json"
}

// =============================================================================
// ✍️ 写入
// =============================================================================

// Write 序列化并写入一个产物，立即发布为可见版本。
// 相同内容只保留一个版本文件（按哈希去重），但每次调用都返回完整描述，
// 由调用方决定是否记录清单条目。
func (s *Store) Write(ctx context.Context, req WriteRequest) (*Artifact, error) {
	st := s.Begin()
	art, err := st.Stage(ctx, req)
	if err != nil {
		st.Rollback()
		return nil, err
	}
	if err := st.Commit(ctx); err != nil {
		return nil, err
	}
	return art, nil
}

// Import 将外部文件（调用方提供的覆盖输入）按 schema 解析后存为不可变版本，
// 不替换可见文件，返回的 Artifact.Path 为外部来源路径。
func (s *Store) Import(ctx context.Context, path string, req WriteRequest) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.Errorf(types.ErrArtifactNotFound, "input file %s does not exist", path).WithDetail("path", path)
		}
		return nil, storageErr("read", path, err)
	}
	payload, err := decodePayload(req.Schema, data)
	if err != nil {
		return nil, err
	}
	req.Table, req.Document = payload.Table, nil
	if payload.Kind == KindDocument {
		req.Document = payload.Document
	}
	if req.Name == "" {
		req.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	art, err := s.Retain(ctx, req)
	if err != nil {
		return nil, err
	}
	art.Path = path
	return art, nil
}

// Retain 只写入不可变版本，不替换可见文件。
// 用于覆盖输入与端口默认值：它们可被引用，但不应改变其他步骤看到的当前版本。
func (s *Store) Retain(ctx context.Context, req WriteRequest) (*Artifact, error) {
	st := s.Begin()
	art, err := st.Stage(ctx, req)
	if err != nil {
		st.Rollback()
		return nil, err
	}
	st.closed = true
	return art, nil
}

func (s *Store) storeVersion(ctx context.Context, p artifactPaths, art *Artifact, data []byte) (created bool, err error) {
	unlock := s.locks.lock(art.VersionPath)
	defer unlock()

	exists, err := fsutil.Exists(art.VersionPath)
	if err != nil {
		return false, storageErr("stat", art.VersionPath, err)
	}
	if exists {
		return false, nil
	}
	err = s.retryer.Do(ctx, func() error {
		if err := os.MkdirAll(p.versionsDir, 0o755); err != nil {
			return storageErr("mkdir", p.versionsDir, err)
		}
		if err := fsutil.WriteFileAtomic(art.VersionPath, data, 0o444); err != nil {
			return storageErr("write", art.VersionPath, err)
		}
		return storageErr("write", p.versionMeta(art.Hash), writeJSONAtomic(p.versionMeta(art.Hash), art))
	})
	return err == nil, err
}

// =============================================================================
// 📖 读取
// =============================================================================

// Current 返回可见文件当前对应的版本描述
func (s *Store) Current(root, subarea, filename string) (*Artifact, error) {
	p, err := s.paths(root, subarea, filename)
	if err != nil {
		return nil, err
	}
	var art Artifact
	if err := readJSON(p.sidecar, &art); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.Errorf(types.ErrArtifactNotFound, "artifact %s/%s/%s not found", s.rootName(root), subarea, filename)
		}
		return nil, types.Errorf(types.ErrCorruptDocument, "read sidecar %s", p.sidecar).WithCause(err)
	}
	return &art, nil
}

// Stat 返回引用所指版本的描述
func (s *Store) Stat(ref Ref) (*Artifact, error) {
	if ref.Hash == "" {
		return s.Current(ref.Root, ref.SubArea, ref.Filename)
	}
	p, err := s.paths(ref.Root, ref.SubArea, ref.Filename)
	if err != nil {
		return nil, err
	}
	var art Artifact
	if err := readJSON(p.versionMeta(ref.Hash), &art); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.Errorf(types.ErrArtifactNotFound, "artifact %s version %s not found", ref.Location(), ref.ShortHash())
		}
		return nil, types.Errorf(types.ErrCorruptDocument, "read version metadata for %s", ref.Location()).WithCause(err)
	}
	return &art, nil
}

// Has 判断引用所指版本的数据文件是否仍在磁盘上
func (s *Store) Has(ref Ref) bool {
	p, err := s.paths(ref.Root, ref.SubArea, ref.Filename)
	if err != nil || ref.Hash == "" {
		return false
	}
	ok, _ := fsutil.Exists(p.version(ref.Hash, ref.Schema.Kind))
	return ok
}

// Read 读取引用所指版本并按 want 校验。
// want 为零值时按存储的 schema 返回；版本不同且无迁移链时返回 SCHEMA_MISMATCH；
// 表格缺少必需列时返回 SCHEMA_MISMATCH，多余列被容忍。
func (s *Store) Read(ctx context.Context, ref Ref, want Schema) (*Payload, error) {
	art, err := s.Stat(ref)
	if err != nil {
		return nil, err
	}
	p, err := s.paths(art.Root, art.SubArea, art.Filename)
	if err != nil {
		return nil, err
	}
	versionPath := p.version(art.Hash, art.Kind)

	data, err := retry.DoWithResultTyped(s.retryer, ctx, func() ([]byte, error) {
		b, err := os.ReadFile(versionPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, storageErr("read", versionPath, err)
		}
		return b, err
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.Errorf(types.ErrArtifactNotFound, "artifact %s version %s no longer exists", ref.Location(), art.Hash).
				WithDetail("path", versionPath)
		}
		return nil, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != art.Hash {
		return nil, types.Errorf(types.ErrCorruptDocument, "artifact %s version %s fails hash check", ref.Location(), art.Hash)
	}

	payload, err := decodePayload(art.Schema, data)
	if err != nil {
		return nil, err
	}
	return s.conform(payload, want)
}

func (s *Store) conform(payload *Payload, want Schema) (*Payload, error) {
	stored := payload.Schema
	if want.Name == "" {
		want.Name = stored.Name
	}
	if want.Version == 0 {
		want.Version = stored.Version
	}
	if want.Kind == "" {
		want.Kind = stored.Kind
	}
	mismatch := func(reason string) error {
		return types.Errorf(types.ErrSchemaMismatch, "stored %s does not match requested %s: %s", stored, want, reason).
			WithDetail("stored", stored.String()).
			WithDetail("requested", want.String())
	}
	switch {
	case want.Kind != stored.Kind:
		return nil, mismatch("kind " + string(stored.Kind) + " != " + string(want.Kind))
	case want.Name != stored.Name:
		return nil, mismatch("schema name differs")
	case want.Version < stored.Version:
		return nil, mismatch("stored version is newer")
	case want.Version > stored.Version:
		migrated, err := s.migrate(payload, want.Version)
		if err != nil {
			return nil, err
		}
		payload = migrated
	}

	required := want.Columns
	if len(required) == 0 {
		required = stored.Columns
	}
	if payload.Kind == KindTable {
		if missing := payload.Table.MissingColumns(required); len(missing) > 0 {
			return nil, types.Errorf(types.ErrSchemaMismatch, "table %s is missing required columns %s", want, strings.Join(missing, ", ")).
				WithDetail("missing_columns", missing)
		}
	}
	return payload, nil
}

// =============================================================================
// 🔁 版本与迁移
// =============================================================================

// RegisterMigration 注册 schemaName 从 from 到 from+1 的迁移
func (s *Store) RegisterMigration(schemaName string, from int, fn MigrationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrations[migrationKey{schema: schemaName, from: from}] = fn
}

func (s *Store) migrate(payload *Payload, to int) (*Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := payload.Schema
	for v := start.Version; v < to; v++ {
		fn, ok := s.migrations[migrationKey{schema: start.Name, from: v}]
		if !ok {
			return nil, types.Errorf(types.ErrSchemaMismatch, "no migration registered for %s from v%d to v%d", start.Name, v, v+1).
				WithDetail("stored", start.String())
		}
		next, err := fn(payload)
		if err != nil {
			return nil, types.Errorf(types.ErrSchemaMismatch, "migrate %s v%d -> v%d", start.Name, v, v+1).WithCause(err)
		}
		next.Schema.Name = start.Name
		next.Schema.Version = v + 1
		next.Schema.Kind = next.Kind
		payload = next
	}
	return payload, nil
}

// Versions 返回文件的全部保留版本，按创建时间升序
func (s *Store) Versions(root, subarea, filename string) ([]*Artifact, error) {
	p, err := s.paths(root, subarea, filename)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.versionsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageErr("list", p.versionsDir, err)
	}
	var out []*Artifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		var art Artifact
		if err := readJSON(filepath.Join(p.versionsDir, e.Name()), &art); err != nil {
			s.logger.Warn("skipping unreadable version metadata",
				zap.String("path", filepath.Join(p.versionsDir, e.Name())),
				zap.Error(err))
			continue
		}
		out = append(out, &art)
	}
	slices.SortFunc(out, func(a, b *Artifact) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Hash, b.Hash)
	})
	return out, nil
}

// Prune 删除旧版本，只保留最新的 keep 个与当前可见版本，返回删除数量
func (s *Store) Prune(root, subarea, filename string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	versions, err := s.Versions(root, subarea, filename)
	if err != nil {
		return 0, err
	}
	p, err := s.paths(root, subarea, filename)
	if err != nil {
		return 0, err
	}
	current := ""
	if cur, err := s.Current(root, subarea, filename); err == nil {
		current = cur.Hash
	}

	removed := 0
	cutoff := len(versions) - keep
	for i, v := range versions {
		if i >= cutoff || v.Hash == current {
			continue
		}
		unlock := s.locks.lock(p.version(v.Hash, v.Kind))
		err := errors.Join(
			fsutil.RemoveIfExists(p.version(v.Hash, v.Kind)),
			fsutil.RemoveIfExists(p.versionMeta(v.Hash)),
		)
		unlock()
		if err != nil {
			return removed, storageErr("prune", p.versionsDir, err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("pruned artifact versions",
			zap.String("artifact", filename),
			zap.Int("removed", removed),
			zap.Int("kept", len(versions)-removed))
	}
	return removed, nil
}
