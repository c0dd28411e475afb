package steps

import (
	"github.com/BaSui01/enzymeflow/workflow"
	"github.com/BaSui01/enzymeflow/workflow/dsl"
)

// 步骤类型名，对应工作流定义中的 uses
const (
	UsesLiteratureReview = "literature/review"
	UsesPocketProfile    = "pocket/profile"
	UsesStrategyPlan     = "strategy/plan"
)

// RegisterAll 把内置步骤注册到 DSL 解析器。with 段解码到默认配置之上，
// 未给出的字段保留默认值
func RegisterAll(p *dsl.Parser, deps Deps) {
	p.RegisterStep(UsesLiteratureReview, func(id string, with dsl.Decoder) (workflow.Step, error) {
		cfg := DefaultReviewConfig()
		if err := with(&cfg); err != nil {
			return workflow.Step{}, err
		}
		return NewReviewStep(id, cfg, deps)
	})
	p.RegisterStep(UsesPocketProfile, func(id string, with dsl.Decoder) (workflow.Step, error) {
		cfg := DefaultPocketConfig()
		if err := with(&cfg); err != nil {
			return workflow.Step{}, err
		}
		return NewPocketStep(id, cfg, deps)
	})
	p.RegisterStep(UsesStrategyPlan, func(id string, with dsl.Decoder) (workflow.Step, error) {
		cfg := DefaultStrategyConfig()
		if err := with(&cfg); err != nil {
			return workflow.Step{}, err
		}
		return NewStrategyStep(id, cfg, deps)
	})
}

// DefaultWorkflow 没有工作流定义文件时使用的三步流程：
// 文献综述 → 口袋分析 → 设计策略
func DefaultWorkflow(deps Deps) ([]workflow.Step, error) {
	review, err := NewReviewStep("literature", DefaultReviewConfig(), deps)
	if err != nil {
		return nil, err
	}
	pocket, err := NewPocketStep("pocket", DefaultPocketConfig(), deps)
	if err != nil {
		return nil, err
	}
	strategy, err := NewStrategyStep("strategy", DefaultStrategyConfig(), deps)
	if err != nil {
		return nil, err
	}
	return []workflow.Step{review, pocket, strategy}, nil
}
