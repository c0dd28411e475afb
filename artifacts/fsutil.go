package artifacts

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/BaSui01/enzymeflow/internal/fsutil"
	"github.com/BaSui01/enzymeflow/internal/retry"
	"github.com/BaSui01/enzymeflow/types"
)

// pathLocks 进程内按路径加锁，保证同一目标文件的发布与 sidecar 更新成对完成
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (p *pathLocks) lock(path string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	m, ok := p.locks[path]
	if !ok {
		m = &sync.Mutex{}
		p.locks[path] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// storageErr 将底层 I/O 错误包装为 STORAGE_IO，瞬时错误标记为可重试
func storageErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.Errorf(types.ErrStorageIO, "%s %s", op, path).
		WithCause(err).
		WithRetryable(retry.IsTransientIO(err)).
		WithDetail("path", path)
}
