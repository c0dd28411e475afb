package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/internal/fsutil"
	"github.com/BaSui01/enzymeflow/types"
)

// Staging 一组待发布产物。Stage 只写入不可变版本文件，
// Commit 依次替换可见文件；任一发布失败则恢复已发布的可见文件，
// 使整组输出对后续步骤要么全部可见、要么全部不可见。
type Staging struct {
	store    *Store
	entries  []*stagedEntry
	done     []published
	closed   bool
	reverted bool
}

type stagedEntry struct {
	art     *Artifact
	paths   artifactPaths
	data    []byte
	created bool
}

type published struct {
	entry *stagedEntry
	prev  *Artifact
}

// Begin 开始一组暂存写入
func (s *Store) Begin() *Staging {
	return &Staging{store: s}
}

// Staged 返回已暂存的产物
func (st *Staging) Staged() []*Artifact {
	out := make([]*Artifact, len(st.entries))
	for i, e := range st.entries {
		out[i] = e.art
	}
	return out
}

// Stage 序列化并写入版本文件，不影响可见文件
func (st *Staging) Stage(ctx context.Context, req WriteRequest) (*Artifact, error) {
	if st.closed {
		return nil, types.NewError(types.ErrStorageIO, "staging already committed or rolled back")
	}
	s := st.store
	if err := req.Schema.Validate(); err != nil {
		return nil, err
	}
	p, err := s.paths(req.Root, req.SubArea, req.Filename)
	if err != nil {
		return nil, err
	}
	enc, err := encode(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.EnsureDir(ctx, req.Root, req.SubArea); err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = strings.TrimSuffix(req.Filename, filepath.Ext(req.Filename))
	}
	art := &Artifact{
		Name:        name,
		Step:        req.Step,
		Kind:        req.Schema.Kind,
		Schema:      req.Schema,
		Hash:        enc.hash,
		Root:        s.rootName(req.Root),
		SubArea:     req.SubArea,
		Filename:    req.Filename,
		Path:        p.visible,
		VersionPath: p.version(enc.hash, req.Schema.Kind),
		Size:        int64(len(enc.data)),
		CreatedAt:   s.now(),
	}
	if req.Table != nil && req.Schema.Kind == KindTable {
		art.Columns = append([]string(nil), req.Table.Columns...)
		art.Rows = req.Table.Len()
	}

	created, err := s.storeVersion(ctx, p, art, enc.data)
	if err != nil {
		return nil, err
	}
	if !created {
		// 保留首次写入时的创建时间，版本描述不可变
		if existing, err := s.Stat(art.Ref("")); err == nil {
			art.CreatedAt = existing.CreatedAt
		}
	}
	s.metrics.RecordArtifactWrite(string(art.Kind), !created, art.Size)
	s.logger.Debug("artifact staged",
		zap.String("artifact", art.Name),
		zap.String("path", art.Path),
		zap.String("hash", art.Hash[:12]),
		zap.Bool("deduplicated", !created))

	st.entries = append(st.entries, &stagedEntry{art: art, paths: p, data: enc.data, created: created})
	return art, nil
}

// Commit 发布全部暂存产物
func (st *Staging) Commit(ctx context.Context) error {
	if st.closed {
		return types.NewError(types.ErrStorageIO, "staging already committed or rolled back")
	}
	var done []published
	for _, e := range st.entries {
		prev, err := st.publish(ctx, e)
		if err != nil {
			restoreErr := st.restore(done)
			st.Rollback()
			if restoreErr != nil {
				st.store.logger.Error("failed to restore previously visible artifacts", zap.Error(restoreErr))
			}
			return err
		}
		done = append(done, published{entry: e, prev: prev})
	}
	st.done = done
	st.closed = true
	return nil
}

// Revert 撤销一次成功的 Commit：恢复此前可见的版本，删除本次新建的版本。
// 用于输出已发布但无法登记的情况；未提交或已撤销时什么也不做。
func (st *Staging) Revert() error {
	if st.done == nil || st.reverted {
		return nil
	}
	st.reverted = true
	// 已被后来的写入替换的可见文件保持原样
	var ours []published
	for _, d := range st.done {
		a := d.entry.art
		if cur, err := st.store.Current(a.Root, a.SubArea, a.Filename); err == nil && cur.Hash == a.Hash {
			ours = append(ours, d)
		}
	}
	err := st.restore(ours)
	st.discard()
	return err
}

func (st *Staging) publish(ctx context.Context, e *stagedEntry) (*Artifact, error) {
	s := st.store
	unlock := s.locks.lock(e.paths.visible)
	defer unlock()

	var prev *Artifact
	var cur Artifact
	if err := readJSON(e.paths.sidecar, &cur); err == nil {
		prev = &cur
	}
	err := s.retryer.Do(ctx, func() error {
		if err := fsutil.WriteFileAtomic(e.paths.visible, e.data, 0o644); err != nil {
			return storageErr("publish", e.paths.visible, err)
		}
		return storageErr("write", e.paths.sidecar, writeJSONAtomic(e.paths.sidecar, e.art))
	})
	return prev, err
}

func (st *Staging) restore(done []published) error {
	s := st.store
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		d := done[i]
		p := d.entry.paths
		unlock := s.locks.lock(p.visible)
		if d.prev == nil {
			errs = append(errs, fsutil.RemoveIfExists(p.visible), fsutil.RemoveIfExists(p.sidecar))
		} else if data, err := os.ReadFile(p.version(d.prev.Hash, d.prev.Kind)); err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs,
				fsutil.WriteFileAtomic(p.visible, data, 0o644),
				writeJSONAtomic(p.sidecar, d.prev))
		}
		unlock()
	}
	return errors.Join(errs...)
}

// Rollback 丢弃暂存：删除本次新建且未被可见文件引用的版本。可重复调用。
func (st *Staging) Rollback() {
	if st.closed {
		return
	}
	st.closed = true
	st.discard()
}

// discard 删除本次新建且未被可见文件引用的版本
func (st *Staging) discard() {
	s := st.store
	for _, e := range st.entries {
		if !e.created {
			continue
		}
		if cur, err := s.Current(e.art.Root, e.art.SubArea, e.art.Filename); err == nil && cur.Hash == e.art.Hash {
			continue
		}
		unlock := s.locks.lock(e.art.VersionPath)
		err := errors.Join(fsutil.RemoveIfExists(e.art.VersionPath), fsutil.RemoveIfExists(e.paths.versionMeta(e.art.Hash)))
		unlock()
		if err != nil {
			s.logger.Warn("failed to remove staged version", zap.String("path", e.art.VersionPath), zap.Error(err))
		}
	}
}
