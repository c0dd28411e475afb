package workflow

import (
	"fmt"
	"strings"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/types"
)

// Value 端口默认值：表格或 JSON 文档，由端口 Schema.Kind 决定取哪一个
type Value struct {
	Table    *artifacts.Table `json:"table,omitempty" yaml:"table,omitempty"`
	Document any              `json:"document,omitempty" yaml:"document,omitempty"`
}

// Port 步骤的一个输入或输出端口。
// 输入端口按名称与前序步骤的同名输出端口连线；
// 输出端口的 Root/SubArea/Filename 决定产物写入位置。
// 可选输入只有在带默认值时才算可解析；可选输出可以不产出。
type Port struct {
	Name     string           `json:"name" yaml:"name"`
	Schema   artifacts.Schema `json:"schema" yaml:"schema"`
	Optional bool             `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default  *Value           `json:"default,omitempty" yaml:"default,omitempty"`
	Root     string           `json:"root,omitempty" yaml:"root,omitempty"`
	SubArea  string           `json:"subarea,omitempty" yaml:"subarea,omitempty"`
	Filename string           `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// HasLocation 端口是否声明了存储位置
func (p Port) HasLocation() bool {
	return p.SubArea != "" && p.Filename != ""
}

// StepContract 步骤的类型化输入输出声明
type StepContract struct {
	StepID  string `json:"step_id" yaml:"step_id"`
	Inputs  []Port `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []Port `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Input 按名称查找输入端口
func (c StepContract) Input(name string) (Port, bool) {
	for _, p := range c.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Output 按名称查找输出端口
func (c StepContract) Output(name string) (Port, bool) {
	for _, p := range c.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Validate 校验契约自身：步骤 ID、端口名唯一、schema 合法、输出端口有位置
func (c StepContract) Validate() error {
	if strings.TrimSpace(c.StepID) == "" {
		return types.NewError(types.ErrInvalidContract, "step id is empty")
	}
	if strings.ContainsAny(c.StepID, ". /\\") {
		return types.Errorf(types.ErrInvalidContract, "step id %q may not contain '.', '/' or spaces", c.StepID)
	}
	if err := validatePorts(c.StepID, "input", c.Inputs); err != nil {
		return err
	}
	if err := validatePorts(c.StepID, "output", c.Outputs); err != nil {
		return err
	}
	for _, p := range c.Outputs {
		if !p.HasLocation() {
			return types.Errorf(types.ErrInvalidContract, "step %s: output %s has no subarea/filename", c.StepID, p.Name)
		}
		if p.Default != nil {
			return types.Errorf(types.ErrInvalidContract, "step %s: output %s cannot declare a default", c.StepID, p.Name)
		}
	}
	for _, p := range c.Inputs {
		if _, both := c.Output(p.Name); both {
			return types.Errorf(types.ErrInvalidContract, "step %s declares %q as both input and output", c.StepID, p.Name)
		}
		if p.Default != nil {
			if !p.Optional {
				return types.Errorf(types.ErrInvalidContract, "step %s: required input %s cannot declare a default", c.StepID, p.Name)
			}
			if err := p.Default.check(p.Schema); err != nil {
				return types.Errorf(types.ErrInvalidContract, "step %s: default for %s: %s", c.StepID, p.Name, err.Error())
			}
		}
	}
	return nil
}

func validatePorts(stepID, kind string, ports []Port) error {
	seen := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		if p.Name == "" {
			return types.Errorf(types.ErrInvalidContract, "step %s: %s port without a name", stepID, kind)
		}
		if _, dup := seen[p.Name]; dup {
			return types.Errorf(types.ErrInvalidContract, "step %s: duplicate %s port %q", stepID, kind, p.Name)
		}
		seen[p.Name] = struct{}{}
		if err := p.Schema.Validate(); err != nil {
			return fmt.Errorf("step %s %s %s: %w", stepID, kind, p.Name, err)
		}
	}
	return nil
}

func (v *Value) check(schema artifacts.Schema) error {
	switch schema.Kind {
	case artifacts.KindTable:
		if v.Table == nil {
			return fmt.Errorf("table schema %s needs a table default", schema)
		}
		if missing := v.Table.MissingColumns(schema.Columns); len(missing) > 0 {
			return fmt.Errorf("default table lacks columns %v", missing)
		}
	case artifacts.KindDocument:
		if v.Document == nil {
			return fmt.Errorf("document schema %s needs a document default", schema)
		}
	}
	return nil
}

// writeRequest 为默认值构造写入请求；端口未声明位置时落在 fallback 子区域
func (v *Value) writeRequest(stepID string, p Port, fallback string) artifacts.WriteRequest {
	filename, subarea := p.Filename, p.SubArea
	if !p.HasLocation() {
		filename = stepID + "." + p.Name + extFor(p.Schema.Kind)
		subarea = fallback
	}
	return artifacts.WriteRequest{
		Root:     p.Root,
		SubArea:  subarea,
		Filename: filename,
		Name:     p.Name,
		Step:     stepID,
		Schema:   p.Schema,
		Table:    v.Table,
		Document: v.Document,
	}
}

func extFor(kind artifacts.Kind) string {
	if kind == artifacts.KindTable {
		return ".csv"
	}
	return ".json"
}
