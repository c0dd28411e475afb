package steps

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/llm"
	"github.com/BaSui01/enzymeflow/threads"
	"github.com/BaSui01/enzymeflow/types"
	"github.com/BaSui01/enzymeflow/workflow"
)

// Deps 步骤共享的外部协作者
type Deps struct {
	// Literature 文献源；为 nil 时 literature/review 不可构造
	Literature LiteratureSource
	// Provider 语言模型；为 nil 时步骤产出确定性结果
	Provider llm.Provider
	// ThreadBudget 渲染线程上下文的预算，0 表示不注入历史
	ThreadBudget int
	// DataRoot 线程元数据中相对路径的基准目录
	DataRoot string
	Logger   *zap.Logger
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// threadID 步骤配置未指定线程时，每次运行使用以运行 ID 命名的线程
func threadID(configured string, sc *workflow.StepContext) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	return sc.RunID()
}

// history 渲染线程中已有的对话，线程记忆未启用或预算为 0 时为空
func history(ctx context.Context, sc *workflow.StepContext, tag, id string, budget int) (string, error) {
	mem := sc.Threads()
	if mem == nil || budget <= 0 {
		return "", nil
	}
	return mem.RenderContext(ctx, tag, id, budget)
}

// recordExchange 把一次提示词与回复追加到线程；回复为空时只记录提示词
func recordExchange(ctx context.Context, sc *workflow.StepContext, tag, id, prompt, reply string, meta map[string]any) error {
	mem := sc.Threads()
	if mem == nil {
		return nil
	}
	if _, err := mem.AppendTurn(ctx, tag, id, threads.Turn{
		Role:     threads.RoleUser,
		Content:  prompt,
		Source:   sc.StepID(),
		Metadata: meta,
	}); err != nil {
		return err
	}
	if reply == "" {
		return nil
	}
	_, err := mem.AppendTurn(ctx, tag, id, threads.Turn{
		Role:    threads.RoleAssistant,
		Content: reply,
		Source:  sc.StepID(),
	})
	return err
}

// ask 调用模型并拒绝空回复
func ask(ctx context.Context, p llm.Provider, system, prompt string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewError(types.ErrInvalidInput, "encode prompt payload").WithCause(err)
	}
	text, err := llm.Ask(ctx, p, system, prompt+"\n\nINPUT_DATA_JSON:\n"+string(data))
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", types.Errorf(types.ErrInvalidResponse, "%s returned an empty reply", p.Name())
	}
	return text, nil
}

func modelName(p llm.Provider) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}
