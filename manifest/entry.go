package manifest

import (
	"slices"
	"time"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/types"
)

// Status 步骤调用的终态
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

func (s Status) valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusPartial:
		return true
	}
	return false
}

// ErrorSummary 失败条目的结构化错误摘要
type ErrorSummary struct {
	Kind          string   `json:"kind"`
	Code          string   `json:"code,omitempty"`
	Message       string   `json:"message"`
	MissingInputs []string `json:"missing_inputs,omitempty"`
}

// Entry 一次步骤调用的清单记录
type Entry struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	StepID     string          `json:"step_id"`
	Sequence   int             `json:"sequence"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Inputs     []artifacts.Ref `json:"inputs"`
	Outputs    []artifacts.Ref `json:"outputs"`
	Status     Status          `json:"status"`
	Error      *ErrorSummary   `json:"error,omitempty"`
}

// Duration 返回执行耗时
func (e Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// Output 按名称查找输出引用
func (e Entry) Output(name string) (artifacts.Ref, bool) {
	for _, o := range e.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return artifacts.Ref{}, false
}

// Input 按名称查找输入引用
func (e Entry) Input(name string) (artifacts.Ref, bool) {
	for _, in := range e.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return artifacts.Ref{}, false
}

// produces 判断条目是否产出了 ref 所指的版本
func (e Entry) produces(ref artifacts.Ref) (artifacts.Ref, bool) {
	for _, o := range e.Outputs {
		if ref.Hash != "" {
			if o.Hash == ref.Hash && (ref.Filename == "" || o.Filename == ref.Filename) {
				return o, true
			}
			continue
		}
		if o.Root == ref.Root && o.SubArea == ref.SubArea && o.Filename == ref.Filename {
			return o, true
		}
	}
	return artifacts.Ref{}, false
}

func (e Entry) validate() error {
	if e.StepID == "" {
		return types.NewError(types.ErrInvalidContract, "manifest entry has no step id")
	}
	if !e.Status.valid() {
		return types.Errorf(types.ErrInvalidContract, "manifest entry for %s has invalid status %q", e.StepID, e.Status)
	}
	for _, out := range e.Outputs {
		if slices.ContainsFunc(e.Inputs, func(in artifacts.Ref) bool { return in.Name == out.Name }) {
			return types.Errorf(types.ErrInvalidContract, "step %s declares %q as both input and output", e.StepID, out.Name)
		}
	}
	return nil
}

// SummarizeError 将错误转换为清单中的结构化摘要
func SummarizeError(err error) *ErrorSummary {
	if err == nil {
		return nil
	}
	s := &ErrorSummary{
		Kind:    string(types.CategoryOf(err)),
		Message: err.Error(),
	}
	if s.Kind == "" {
		s.Kind = string(types.CategoryExternalCall)
	}
	if e, ok := types.AsError(err); ok {
		s.Code = string(e.Code)
		switch v := e.Details["missing_inputs"].(type) {
		case []string:
			s.MissingInputs = slices.Clone(v)
		case []any:
			for _, item := range v {
				if name, ok := item.(string); ok {
					s.MissingInputs = append(s.MissingInputs, name)
				}
			}
		}
	}
	return s
}
