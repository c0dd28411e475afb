package dsl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/types"
	"github.com/BaSui01/enzymeflow/workflow"
)

// Decoder 将步骤的 with 配置严格解码到 v：未知字段报错
type Decoder func(v any) error

// Factory 根据步骤 ID 与配置构造步骤
type Factory func(id string, with Decoder) (workflow.Step, error)

// Definition 解析后的工作流：按顺序的步骤与运行选项
type Definition struct {
	Name        string
	Description string
	Steps       []workflow.Step
	Options     workflow.RunOptions
	Metadata    map[string]any
	// Excluded if 条件为假而未参与运行的步骤
	Excluded []string
	// hasOptions 定义文件是否显式给出了 options
	hasOptions bool
}

// Parser DSL 解析器
type Parser struct {
	// stepRegistry 步骤注册表（uses → 工厂）
	stepRegistry map[string]Factory
	// variables 调用方提供的变量值，优先于定义中的默认值
	variables map[string]string
	// builtins 运行时注入的变量（如 run_id），无需在定义中声明
	builtins map[string]string
}

// NewParser 创建 DSL 解析器
func NewParser() *Parser {
	return &Parser{
		stepRegistry: make(map[string]Factory),
		variables:    make(map[string]string),
		builtins:     make(map[string]string),
	}
}

// RegisterStep 注册步骤工厂
func (p *Parser) RegisterStep(uses string, factory Factory) {
	p.stepRegistry[uses] = factory
}

// SetVariable 设置变量值
func (p *Parser) SetVariable(name, value string) {
	p.variables[name] = value
}

// SetBuiltin 注入内置变量；与已声明变量同名时以声明为准
func (p *Parser) SetBuiltin(name, value string) {
	p.builtins[name] = value
}

// Known 是否注册了该步骤类型
func (p *Parser) Known(uses string) bool {
	_, ok := p.stepRegistry[uses]
	return ok
}

// ParseFile 从文件解析；覆盖路径相对定义文件所在目录
func (p *Parser) ParseFile(filename string) (*Definition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidConfig, "read workflow file %s", filename).WithCause(err)
	}
	return p.Parse(data, filepath.Dir(filename))
}

// Parse 从 YAML 字节解析；baseDir 为空时相对路径按当前目录解析
func (p *Parser) Parse(data []byte, baseDir string) (*Definition, error) {
	var dsl WorkflowDSL
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&dsl); err != nil && !errors.Is(err, io.EOF) {
		return nil, types.NewError(types.ErrInvalidConfig, "parse workflow YAML").WithCause(err)
	}

	// 1. 验证
	if err := p.validate(&dsl); err != nil {
		return nil, err
	}

	// 2. 解析变量
	vars, err := p.resolveVariables(dsl.Variables)
	if err != nil {
		return nil, err
	}

	// 3. 构建步骤
	def := &Definition{
		Name:        dsl.Name,
		Description: dsl.Description,
		Metadata:    dsl.Metadata,
	}
	for i := range dsl.Steps {
		sd := &dsl.Steps[i]
		if sd.If != "" {
			cond, err := parseCondition(sd.If)
			if err != nil {
				return nil, types.NewError(types.ErrInvalidConfig, "step "+sd.ID+": if").WithCause(err)
			}
			ok, err := cond.eval(vars)
			if err != nil {
				return nil, types.NewError(types.ErrInvalidConfig, "step "+sd.ID+": if").WithCause(err)
			}
			if !ok {
				def.Excluded = append(def.Excluded, sd.ID)
				continue
			}
		}
		interpolateNode(&sd.With, vars)
		factory := p.stepRegistry[sd.Uses]
		step, err := factory(sd.ID, strictDecoder(&sd.With))
		if err != nil {
			return nil, fmt.Errorf("build step %s (%s): %w", sd.ID, sd.Uses, err)
		}
		if step.Contract.StepID != sd.ID {
			return nil, types.Errorf(types.ErrInvalidContract, "step factory %s returned id %q for %q", sd.Uses, step.Contract.StepID, sd.ID)
		}
		if step.Description == "" {
			step.Description = sd.Description
		}
		def.Steps = append(def.Steps, step)
	}

	// 4. 运行选项
	if err := p.buildOptions(def, &dsl, vars, baseDir); err != nil {
		return nil, err
	}
	return def, nil
}

func (p *Parser) validate(dsl *WorkflowDSL) error {
	errs := NewValidator(p.Known).WithProvided(slices.Collect(maps.Keys(p.builtins))...).Validate(dsl)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return types.Errorf(types.ErrInvalidConfig, "invalid workflow definition: %s", strings.Join(msgs, "; ")).
		WithDetail("problems", msgs)
}

// resolveVariables 调用方的值优先，其次默认值；必填变量缺值报错
func (p *Parser) resolveVariables(defs map[string]VariableDef) (map[string]string, error) {
	vars := make(map[string]string, len(defs)+len(p.builtins))
	maps.Copy(vars, p.builtins)
	var missing []string
	for name, def := range defs {
		if v, ok := p.variables[name]; ok {
			vars[name] = v
			continue
		}
		if def.Required && def.Default == "" {
			missing = append(missing, name)
			continue
		}
		vars[name] = def.Default
	}
	for name := range p.variables {
		if _, ok := defs[name]; !ok {
			return nil, types.Errorf(types.ErrInvalidConfig, "variable %q is not declared by the workflow", name)
		}
	}
	if len(missing) > 0 {
		return nil, types.Errorf(types.ErrInvalidConfig, "required variables without a value: %s", strings.Join(missing, ", "))
	}
	return vars, nil
}

func (p *Parser) buildOptions(def *Definition, dsl *WorkflowDSL, vars map[string]string, baseDir string) error {
	opts := workflow.RunOptions{}
	abs := func(path string) string {
		path = interpolate(path, vars)
		if baseDir == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(baseDir, path)
	}
	// 被 if 排除的步骤，其输入配置一并忽略
	excluded := func(key string) bool {
		stepID, _, _ := workflow.ParseInputKey(key)
		return slices.Contains(def.Excluded, stepID)
	}
	if len(dsl.Overrides) > 0 {
		opts.Overrides = make(map[string]string, len(dsl.Overrides))
		for key, path := range dsl.Overrides {
			if excluded(key) {
				continue
			}
			opts.Overrides[key] = abs(path)
		}
	}
	if len(dsl.Lines) > 0 {
		opts.Inline = make(map[string]workflow.Value, len(dsl.Lines))
		for key, path := range dsl.Lines {
			if excluded(key) {
				continue
			}
			v, err := LinesInput(def.Steps, key, abs(path))
			if err != nil {
				return err
			}
			opts.Inline[key] = v
		}
	}
	for key, v := range dsl.Defaults {
		if excluded(key) {
			continue
		}
		if opts.Defaults == nil {
			opts.Defaults = make(map[string]workflow.Value, len(dsl.Defaults))
		}
		opts.Defaults[key] = v
	}
	if o := dsl.Options; o != nil {
		def.hasOptions = true
		opts.ContinueOnFailure = o.FailurePolicy != "halt"
		if o.Parallel != nil {
			opts.Parallel = *o.Parallel
		}
		opts.MaxParallel = o.MaxParallel
	}
	def.Options = opts
	return nil
}

// LinesInput 读取文本行文件，按 key 指向的输入端口的 schema 构造内联值
func LinesInput(steps []workflow.Step, key, path string) (workflow.Value, error) {
	stepID, input, err := workflow.ParseInputKey(key)
	if err != nil {
		return workflow.Value{}, err
	}
	for _, s := range steps {
		if s.ID() != stepID {
			continue
		}
		port, ok := s.Contract.Input(input)
		if !ok {
			return workflow.Value{}, types.Errorf(types.ErrInvalidConfig, "lines.%s: step %s has no input %q", key, stepID, input)
		}
		lines, err := workflow.LinesFromFile(path)
		if err != nil {
			return workflow.Value{}, err
		}
		return workflow.LinesValue(lines, port.Schema)
	}
	return workflow.Value{}, types.Errorf(types.ErrInvalidConfig, "lines.%s: step %q not found", key, stepID)
}

// RunOptions 合并配置段与定义文件中的选项：定义文件显式给出的策略优先
func (d *Definition) RunOptions(cfg config.WorkflowConfig) workflow.RunOptions {
	opts := d.Options
	if !d.hasOptions {
		base := workflow.OptionsFromConfig(cfg)
		opts.ContinueOnFailure = base.ContinueOnFailure
		opts.Parallel = base.Parallel
		opts.MaxParallel = base.MaxParallel
	} else if opts.MaxParallel == 0 {
		opts.MaxParallel = cfg.MaxParallel
	}
	return opts
}

// Register 按定义顺序把步骤注册到编排器
func (d *Definition) Register(c *workflow.Composer) error {
	return c.Register(d.Steps...)
}

// =============================================================================
// 🔤 插值与解码
// =============================================================================

// interpolate 变量插值（替换 ${var_name}）
func interpolate(template string, vars map[string]string) string {
	if !strings.Contains(template, "${") {
		return template
	}
	result := template
	for name, value := range vars {
		result = strings.ReplaceAll(result, "${"+name+"}", value)
	}
	return result
}

// interpolateNode 对节点树中的字符串标量做插值
func interpolateNode(n *yaml.Node, vars map[string]string) {
	if n == nil {
		return
	}
	if n.Kind == yaml.ScalarNode && (n.Tag == "!!str" || n.Tag == "") {
		n.Value = interpolate(n.Value, vars)
	}
	for _, child := range n.Content {
		interpolateNode(child, vars)
	}
}

// scalars 收集节点树中的全部字符串标量
func scalars(n *yaml.Node) []string {
	if n == nil {
		return nil
	}
	var out []string
	if n.Kind == yaml.ScalarNode {
		out = append(out, n.Value)
	}
	for _, child := range n.Content {
		out = append(out, scalars(child)...)
	}
	return out
}

// strictDecoder yaml.Node.Decode 不支持 KnownFields，先回写为字节再严格解码
func strictDecoder(n *yaml.Node) Decoder {
	return func(v any) error {
		if n.Kind == 0 {
			return nil
		}
		data, err := yaml.Marshal(n)
		if err != nil {
			return types.NewError(types.ErrInvalidConfig, "re-encode step config").WithCause(err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return types.NewError(types.ErrInvalidConfig, "invalid step config").WithCause(err)
		}
		return nil
	}
}
