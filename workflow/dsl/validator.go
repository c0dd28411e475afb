package dsl

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/BaSui01/enzymeflow/workflow"
)

// Validator DSL 验证器
type Validator struct {
	known func(uses string) bool
	// provided 调用方直接给值的变量，定义文件中可以不声明
	provided map[string]bool
}

// NewValidator 创建验证器；known 为 nil 时不检查 uses 是否已注册
func NewValidator(known func(uses string) bool) *Validator {
	return &Validator{known: known}
}

// WithProvided 登记调用方提供的变量名
func (v *Validator) WithProvided(names ...string) *Validator {
	if v.provided == nil {
		v.provided = make(map[string]bool, len(names))
	}
	for _, n := range names {
		v.provided[n] = true
	}
	return v
}

// Validate 验证 DSL 定义，返回全部问题而不是第一个
func (v *Validator) Validate(dsl *WorkflowDSL) []error {
	var errs []error

	if dsl.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	} else if dsl.Version != "1" {
		errs = append(errs, fmt.Errorf("unsupported version %q", dsl.Version))
	}
	if dsl.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if len(dsl.Steps) == 0 {
		errs = append(errs, fmt.Errorf("steps must have at least one step"))
	}

	stepIDs := make(map[string]bool)
	for i, step := range dsl.Steps {
		if step.ID == "" {
			errs = append(errs, fmt.Errorf("steps[%d]: id is required", i))
			continue
		}
		if stepIDs[step.ID] {
			errs = append(errs, fmt.Errorf("duplicate step id: %s", step.ID))
		}
		stepIDs[step.ID] = true
		if step.Uses == "" {
			errs = append(errs, fmt.Errorf("step %s: uses is required", step.ID))
		} else if v.known != nil && !v.known(step.Uses) {
			errs = append(errs, fmt.Errorf("step %s: unknown step type %q", step.ID, step.Uses))
		}
		if step.If != "" {
			cond, err := parseCondition(step.If)
			if err != nil {
				errs = append(errs, fmt.Errorf("step %s: if: %w", step.ID, err))
				continue
			}
			for _, ref := range cond.idents() {
				if _, ok := dsl.Variables[ref]; !ok && !v.provided[ref] {
					errs = append(errs, fmt.Errorf("step %s: if: variable %q is not defined", step.ID, ref))
				}
			}
		}
	}

	for _, section := range []struct {
		name string
		keys []string
	}{
		{"overrides", keys(dsl.Overrides)},
		{"lines", keys(dsl.Lines)},
		{"defaults", keys(dsl.Defaults)},
	} {
		for _, key := range section.keys {
			stepID, _, err := workflow.ParseInputKey(key)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %s", section.name, err.Error()))
				continue
			}
			if !stepIDs[stepID] {
				errs = append(errs, fmt.Errorf("%s.%s: step %q not found", section.name, key, stepID))
			}
		}
	}
	for key := range dsl.Lines {
		if _, dup := dsl.Overrides[key]; dup {
			errs = append(errs, fmt.Errorf("%s appears in both overrides and lines", key))
		}
	}

	if o := dsl.Options; o != nil {
		switch o.FailurePolicy {
		case "", "skip_dependents", "halt":
		default:
			errs = append(errs, fmt.Errorf("options.failure_policy %q must be skip_dependents or halt", o.FailurePolicy))
		}
		if o.MaxParallel < 0 {
			errs = append(errs, fmt.Errorf("options.max_parallel must be >= 0"))
		}
	}

	errs = append(errs, v.validateReferences(dsl)...)
	return errs
}

// validateReferences 检查 ${var} 引用都已定义
func (v *Validator) validateReferences(dsl *WorkflowDSL) []error {
	var errs []error
	check := func(where, s string) {
		for _, ref := range extractVariableRefs(s) {
			if _, ok := dsl.Variables[ref]; !ok && !v.provided[ref] {
				errs = append(errs, fmt.Errorf("%s: variable %q is not defined", where, ref))
			}
		}
	}
	for _, step := range dsl.Steps {
		for _, s := range scalars(&step.With) {
			check("step "+step.ID, s)
		}
	}
	for key, path := range dsl.Overrides {
		check("overrides."+key, path)
	}
	for key, path := range dsl.Lines {
		check("lines."+key, path)
	}
	return errs
}

// extractVariableRefs 提取 ${var} 引用
func extractVariableRefs(s string) []string {
	var refs []string
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			break
		}
		refs = append(refs, s[start+2:start+end])
		s = s[start+end+1:]
	}
	return refs
}

func keys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
