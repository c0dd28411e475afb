package dsl

import (
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/enzymeflow/workflow"
)

// WorkflowDSL 工作流定义文件顶层结构
type WorkflowDSL struct {
	// Version 定义格式版本，目前只有 "1"
	Version string `yaml:"version" json:"version"`
	// Name 工作流名称
	Name string `yaml:"name" json:"name"`
	// Description 工作流描述
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Variables 变量定义，可在 with 与 overrides 的字符串中以 ${name} 引用
	Variables map[string]VariableDef `yaml:"variables,omitempty" json:"variables,omitempty"`

	// Steps 按执行顺序排列的步骤
	Steps []StepDef `yaml:"steps" json:"steps"`

	// Overrides "step.input" → 文件路径；相对路径按定义文件所在目录解析
	Overrides map[string]string `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	// Lines "step.input" → 每行一个值的文本文件
	Lines map[string]string `yaml:"lines,omitempty" json:"lines,omitempty"`
	// Defaults "step.input" → 可选输入的默认值
	Defaults map[string]workflow.Value `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Options 覆盖 workflow 配置段的运行策略
	Options *OptionsDef `yaml:"options,omitempty" json:"options,omitempty"`

	// Metadata 元数据
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// VariableDef 变量定义
type VariableDef struct {
	Default     string `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// StepDef 步骤定义：uses 选择已注册的步骤工厂，with 为该步骤的配置
type StepDef struct {
	ID          string    `yaml:"id" json:"id"`
	Uses        string    `yaml:"uses" json:"uses"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	// If 对变量求值的条件，为假时该步骤不参与本次运行
	If          string    `yaml:"if,omitempty" json:"if,omitempty"`
	With        yaml.Node `yaml:"with,omitempty" json:"-"`
}

// OptionsDef 运行策略
type OptionsDef struct {
	FailurePolicy string `yaml:"failure_policy,omitempty" json:"failure_policy,omitempty"` // skip_dependents, halt
	Parallel      *bool  `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	MaxParallel   int    `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
}
