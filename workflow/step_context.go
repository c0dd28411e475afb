package workflow

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/threads"
	"github.com/BaSui01/enzymeflow/types"
)

// StepContext 能力执行期间可见的一切：已校验的输入、输出登记、线程记忆与日志。
// 输出在能力返回前只登记在内存中，由 Runner 统一发布。
type StepContext struct {
	runID    string
	contract StepContract
	inputs   map[string]artifacts.Ref
	payloads map[string]*artifacts.Payload
	threads  *threads.Memory
	logger   *zap.Logger

	mu      sync.Mutex
	outputs map[string]artifacts.WriteRequest
}

func (c *StepContext) RunID() string  { return c.runID }
func (c *StepContext) StepID() string { return c.contract.StepID }

// Logger 已带 run_id / step_id 字段
func (c *StepContext) Logger() *zap.Logger { return c.logger }

// Threads 返回线程记忆，未配置时为 nil
func (c *StepContext) Threads() *threads.Memory { return c.threads }

// Input 返回输入引用
func (c *StepContext) Input(name string) (artifacts.Ref, bool) {
	ref, ok := c.inputs[name]
	return ref, ok
}

// Payload 返回已读取的输入载荷
func (c *StepContext) Payload(name string) (*artifacts.Payload, error) {
	p, ok := c.payloads[name]
	if !ok {
		return nil, types.Errorf(types.ErrMissingInput, "step %s has no input %q", c.StepID(), name).
			WithDetail("missing_inputs", []string{name})
	}
	return p, nil
}

// Table 返回表格输入
func (c *StepContext) Table(name string) (*artifacts.Table, error) {
	p, err := c.Payload(name)
	if err != nil {
		return nil, err
	}
	if p.Kind != artifacts.KindTable || p.Table == nil {
		return nil, types.Errorf(types.ErrSchemaMismatch, "input %s is a %s, not a table", name, p.Kind)
	}
	return p.Table, nil
}

// Document 将文档输入解码到 v
func (c *StepContext) Document(name string, v any) error {
	p, err := c.Payload(name)
	if err != nil {
		return err
	}
	return p.Decode(v)
}

// SetTable 登记表格输出，重复登记覆盖前值
func (c *StepContext) SetTable(name string, t *artifacts.Table) error {
	if t == nil {
		return types.Errorf(types.ErrInvalidOutput, "output %s: table is nil", name)
	}
	return c.set(name, artifacts.KindTable, t, nil)
}

// SetDocument 登记 JSON 文档输出
func (c *StepContext) SetDocument(name string, v any) error {
	if v == nil {
		return types.Errorf(types.ErrInvalidOutput, "output %s: document is nil", name)
	}
	return c.set(name, artifacts.KindDocument, nil, v)
}

func (c *StepContext) set(name string, kind artifacts.Kind, t *artifacts.Table, doc any) error {
	p, ok := c.contract.Output(name)
	if !ok {
		return types.Errorf(types.ErrInvalidOutput, "step %s does not declare output %q", c.StepID(), name)
	}
	if p.Schema.Kind != kind {
		return types.Errorf(types.ErrInvalidOutput, "output %s is declared as %s, got %s", name, p.Schema.Kind, kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[name] = artifacts.WriteRequest{
		Root:     p.Root,
		SubArea:  p.SubArea,
		Filename: p.Filename,
		Name:     p.Name,
		Step:     c.StepID(),
		Schema:   p.Schema,
		Table:    t,
		Document: doc,
	}
	return nil
}
