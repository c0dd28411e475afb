package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/threads"
	"github.com/BaSui01/enzymeflow/types"
	"github.com/BaSui01/enzymeflow/workflow"
)

// StrategyTag 设计策略线程的 process-tag
const StrategyTag = "design_strategy"

// StrategyConfig strategy/plan 步骤配置
type StrategyConfig struct {
	EnzymeFamily         string   `yaml:"enzyme_family" json:"enzyme_family"`
	SeedSequences        []string `yaml:"seed_sequences" json:"seed_sequences,omitempty"`
	Reactions            string   `yaml:"reactions_of_interest" json:"reactions_of_interest,omitempty"`
	DesignTypePreference string   `yaml:"design_type_preference" json:"design_type_preference,omitempty"`
	BackboneProtein      string   `yaml:"backbone_protein" json:"backbone_protein,omitempty"`
	LibraryTypes         []string `yaml:"library_types" json:"library_types,omitempty"`
	NumDesignRounds      int      `yaml:"num_design_rounds" json:"num_design_rounds,omitempty"`
	DesignTargets        []string `yaml:"design_targets" json:"design_targets,omitempty"`
	Constraints          []string `yaml:"constraints" json:"constraints,omitempty"`
	AvailableTools       []string `yaml:"available_tools" json:"available_tools,omitempty"`

	// LiteratureThread 可选的文献线程引用（<tag>_<id> 或 id），找不到时只告警
	LiteratureThread string `yaml:"literature_thread" json:"literature_thread,omitempty"`
	MaxCharsPerFile  int    `yaml:"max_chars_per_file" json:"max_chars_per_file,omitempty"`
	// Feedback 非空且配置了模型时，在首版计划之后追加一轮反思重写
	Feedback string `yaml:"feedback" json:"feedback,omitempty"`
	MaxRows  int    `yaml:"max_rows" json:"max_rows,omitempty"`
	ThreadID string `yaml:"thread_id" json:"thread_id,omitempty"`
}

// DefaultStrategyConfig UPO 示例项目的默认输入
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		EnzymeFamily:         "unspecific peroxygenases (UPOs)",
		SeedSequences:        []string{"CviUPO"},
		Reactions:            "peroxygenation of aromatics",
		DesignTypePreference: "mutants_of_backbone",
		BackboneProtein:      "CviUPO",
		LibraryTypes:         []string{"targeted_mutation_set", "site_saturation_mutagenesis", "combinatorial_library"},
		NumDesignRounds:      3,
		DesignTargets: []string{
			"increase peroxygenative selectivity", "reduce over-oxidation",
			"maintain catalytic activity", "maintain or improve stability",
		},
		Constraints: []string{"H2O2 tolerance", "stability", "expression host compatibility"},
		AvailableTools: []string{
			"sequence database search and alignment",
			"conservation analysis",
			"Boltz-2 docking/pose assessment",
			"OpenMM/YASARA ddG_bind simulations",
			"Pythia stability prediction",
			"protein language model zero-shot scoring",
			"BoltzGen or RFdiffusion2 de novo generation",
			"supervised surrogate models with OHE/PLM embeddings",
		},
		MaxCharsPerFile: 20000,
		MaxRows:         200,
	}
}

// PlanStep 工作流计划中的一步
type PlanStep struct {
	StepIndex   int      `json:"step_index"`
	StepName    string   `json:"step_name"`
	Tools       []string `json:"tools_from_registry"`
	Code        string   `json:"python_code_to_execute,omitempty"`
	Rationale   string   `json:"rationale"`
	Description string   `json:"description"`
}

// Plan 设计策略文档
type Plan struct {
	Model            string     `json:"model"`
	LiteratureThread string     `json:"literature_thread,omitempty"`
	Steps            []PlanStep `json:"workflow_steps"`
	Writeup          string     `json:"strategy_writeup"`
	Reflected        bool       `json:"reflected,omitempty"`
	RevisionSummary  string     `json:"critique_revision_summary,omitempty"`
}

const strategySystem = "You are an expert computational protein engineer and workflow strategist."

const strategyBasePrompt = `You are an expert computational protein engineer and workflow architect.

Goal:
Convert project requirements into an executable multi-step protein-design workflow.

Requirements:
1) Build an end-to-end strategy with clear phases (data, hypothesis, design, evaluation, iteration).
2) Explicitly choose and justify the design mode: de novo, backbone-focused mutants, or hybrid.
3) Propose a library strategy aligned to the objectives.
4) Plan across the requested number of rounds with decision gates.
5) Give tools, expected inputs/outputs and a fallback per step.
6) Reuse the binding pocket analysis when it is provided.`

const planJSONPrompt = `PART 1: Build an executable workflow specification as structured JSON.
Return ONLY a JSON array. Each element is one consecutive step with the fields
"step_index" (1-based integer), "step_name", "tools_from_registry" (array of strings from available_tools),
"python_code_to_execute", "rationale" and "description". Keep the plan to 6-12 steps.`

const planWriteupPrompt = `PART 2: Write a concise human-readable strategy summary from the context and the PART 1 workflow.
Return ONLY markdown prose (about 350-700 words) with the sections:
1. Overall strategy
2. Design choices and assumptions
3. Step-by-step execution summary
4. Decision gates and immediate next actions`

const reflectJSONPrompt = `PART 1 REFLECTION: Improve the structured workflow JSON.
Resolve inconsistencies between the original workflow and writeup and apply the user feedback.
Return ONLY a JSON array of step objects with the same fields as before.`

const reflectWriteupPrompt = `PART 2 REFLECTION: Rewrite the strategy writeup so it matches the improved workflow JSON.
Return ONLY markdown prose with the same sections as the original writeup. Do not include a critique section.`

const revisionPrompt = `Summarize the critique and revisions between the original and improved planning artifacts.
Return 5-6 concise bullet points only.`

// StrategyPrompt 由项目需求生成规划提示词
func StrategyPrompt(cfg StrategyConfig) string {
	var b strings.Builder
	b.WriteString(strategyBasePrompt)
	b.WriteString("\n\nPROJECT REQUIREMENTS SNAPSHOT\n")
	line := func(k, v string) { fmt.Fprintf(&b, "- %s: %s\n", k, v) }
	line("enzyme_family", cfg.EnzymeFamily)
	line("seed_sequences", joinNonEmpty("; ", cfg.SeedSequences...))
	line("reactions_of_interest", cfg.Reactions)
	line("design_type_preference", cfg.DesignTypePreference)
	line("backbone_protein", cfg.BackboneProtein)
	line("library_types", joinNonEmpty("; ", cfg.LibraryTypes...))
	line("num_design_rounds", strconv.Itoa(cfg.NumDesignRounds))
	line("design_targets", joinNonEmpty("; ", cfg.DesignTargets...))
	line("constraints", joinNonEmpty("; ", cfg.Constraints...))
	line("available_tools", joinNonEmpty("; ", cfg.AvailableTools...))
	return b.String()
}

// =============================================================================
// 🧩 计划解析
// =============================================================================

var jsonArrayPattern = regexp.MustCompile(`\[[\s\S]*\]`)

// ExtractPlanSteps 从模型回复中取出 JSON 数组形式的计划步骤。
// 先整体解析，失败时取第一个 '[' 到最后一个 ']' 之间的内容；非对象元素被丢弃。
func ExtractPlanSteps(text string) []PlanStep {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		m := jsonArrayPattern.FindString(raw)
		if m == "" || json.Unmarshal([]byte(m), &items) != nil {
			return nil
		}
	}
	var out []PlanStep
	for i, item := range items {
		var obj map[string]any
		if json.Unmarshal(item, &obj) != nil || obj == nil {
			continue
		}
		out = append(out, planStepFrom(obj, i+1))
	}
	return out
}

// planStepFrom 宽松地读取字段：step_index 可以是数字或数字字符串，工具可以是数组或单个字符串
func planStepFrom(obj map[string]any, fallbackIndex int) PlanStep {
	str := func(k string) string {
		if v, ok := obj[k]; ok && v != nil {
			return strings.TrimSpace(fmt.Sprint(v))
		}
		return ""
	}
	s := PlanStep{
		StepIndex:   fallbackIndex,
		StepName:    str("step_name"),
		Code:        str("python_code_to_execute"),
		Rationale:   str("rationale"),
		Description: str("description"),
	}
	switch v := obj["step_index"].(type) {
	case float64:
		s.StepIndex = int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			s.StepIndex = n
		}
	}
	switch v := obj["tools_from_registry"].(type) {
	case []any:
		for _, t := range v {
			if t := strings.TrimSpace(fmt.Sprint(t)); t != "" {
				s.Tools = append(s.Tools, t)
			}
		}
	case string:
		if v = strings.TrimSpace(v); v != "" {
			s.Tools = []string{v}
		}
	}
	return s
}

// PlanTable 把计划步骤按 step_index 排成表格
func PlanTable(steps []PlanStep) *artifacts.Table {
	sorted := make([]PlanStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StepIndex < sorted[j].StepIndex })

	t := artifacts.NewTable(append(slices.Clone(WorkflowPlanSchema.Columns), "code_preview")...)
	for _, s := range sorted {
		code := strings.ReplaceAll(s.Code, "\n", " ")
		if r := []rune(code); len(r) > 140 {
			code = string(r[:140]) + "..."
		}
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(s.StepIndex), s.StepName, strings.Join(s.Tools, ", "),
			artifacts.NormalizeLineEndings(s.Description), artifacts.NormalizeLineEndings(s.Rationale), code,
		})
	}
	return t
}

// =============================================================================
// 🗺️ 确定性计划（未配置模型时）
// =============================================================================

func toolsMatching(available []string, words ...string) []string {
	var out []string
	for _, t := range available {
		lt := strings.ToLower(t)
		for _, w := range words {
			if strings.Contains(lt, w) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// DraftPlan 不依赖模型的基线计划：数据、口袋假设、每种文库一轮设计、评估与迭代
func DraftPlan(cfg StrategyConfig, pocketRows int) []PlanStep {
	var steps []PlanStep
	add := func(name, desc, why string, tools []string) {
		steps = append(steps, PlanStep{
			StepIndex: len(steps) + 1, StepName: name, Tools: tools, Description: desc, Rationale: why,
		})
	}
	add("homolog_collection",
		"Collect and align homologs of "+joinNonEmpty(", ", cfg.SeedSequences...)+"; output a filtered MSA.",
		"Conservation defines which positions are safe to vary.",
		toolsMatching(cfg.AvailableTools, "alignment", "conservation"))
	if pocketRows > 0 {
		add("pocket_hypotheses",
			fmt.Sprintf("Turn the %d pocket interpretations into position-level hypotheses.", pocketRows),
			"Descriptor extremes point at residues that shape selectivity.",
			toolsMatching(cfg.AvailableTools, "docking", "ddg"))
	}
	for _, lib := range cfg.LibraryTypes {
		add("design_"+lib,
			"Design a "+strings.ReplaceAll(lib, "_", " ")+" on "+cfg.BackboneProtein+".",
			"Covers the "+cfg.DesignTypePreference+" design mode.",
			toolsMatching(cfg.AvailableTools, "language model", "stability", "generation"))
	}
	add("in_silico_evaluation",
		"Score candidates for "+joinNonEmpty("; ", cfg.DesignTargets...)+".",
		"Filters the library before wet-lab screening.",
		toolsMatching(cfg.AvailableTools, "stability", "ddg", "docking"))
	add("round_iteration",
		fmt.Sprintf("Screen, fit a surrogate and iterate over %d rounds.", max(cfg.NumDesignRounds, 1)),
		"Each round feeds measured data back into candidate selection.",
		toolsMatching(cfg.AvailableTools, "surrogate"))
	return steps
}

// DraftWriteup 为基线计划生成 markdown 摘要
func DraftWriteup(cfg StrategyConfig, steps []PlanStep, review string) string {
	var b strings.Builder
	b.WriteString("## Overall strategy\n")
	fmt.Fprintf(&b, "- Engineer %s (%s) for %s.\n", cfg.BackboneProtein, cfg.EnzymeFamily, cfg.Reactions)
	for _, t := range cfg.DesignTargets {
		fmt.Fprintf(&b, "- Target: %s\n", t)
	}
	b.WriteString("\n## Design choices and assumptions\n")
	fmt.Fprintf(&b, "Design mode %s across %d rounds; constraints: %s.\n",
		cfg.DesignTypePreference, cfg.NumDesignRounds, joinNonEmpty("; ", cfg.Constraints...))
	b.WriteString("\n## Step-by-step execution summary\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "%d. **%s**: %s\n", s.StepIndex, s.StepName, s.Description)
	}
	if review = strings.TrimSpace(review); review != "" {
		b.WriteString("\n## Literature context\n")
		b.WriteString(threads.CompactText(review, 1000))
		b.WriteString("\n")
	}
	b.WriteString("\n## Decision gates and immediate next actions\n")
	b.WriteString("Advance a round only when at least one candidate improves a target without violating a constraint.")
	return b.String()
}

// =============================================================================
// 🧪 strategy/plan 步骤
// =============================================================================

// NewStrategyStep 创建设计策略步骤
func NewStrategyStep(id string, cfg StrategyConfig, deps Deps) (workflow.Step, error) {
	if strings.TrimSpace(cfg.EnzymeFamily) == "" {
		return workflow.Step{}, types.Errorf(types.ErrInvalidConfig, "step %s: enzyme_family is required", id)
	}
	if cfg.MaxCharsPerFile <= 0 {
		cfg.MaxCharsPerFile = 20000
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 200
	}

	contract := workflow.StepContract{
		StepID: id,
		Inputs: []workflow.Port{
			{Name: "literature_review", Schema: LiteratureReviewSchema},
			{
				Name: "pocket_interpretations", Schema: PocketInterpretationsSchema, Optional: true,
				Default: &workflow.Value{Table: artifacts.NewTable(PocketInterpretationsSchema.Columns...)},
			},
		},
		Outputs: []workflow.Port{
			{Name: "design_strategy", Schema: DesignStrategySchema, SubArea: "processed", Filename: "design_strategy_plan.json"},
			{Name: "workflow_plan", Schema: WorkflowPlanSchema, SubArea: "processed", Filename: "design_strategy_workflow_steps.csv"},
		},
	}

	run := func(ctx context.Context, sc *workflow.StepContext) error {
		var review Review
		if err := sc.Document("literature_review", &review); err != nil {
			return err
		}
		pocket, err := sc.Table("pocket_interpretations")
		if err != nil {
			return err
		}
		literature := literatureContext(ctx, sc, cfg, deps.DataRoot)

		plan := Plan{Model: modelName(deps.Provider), LiteratureThread: cfg.LiteratureThread}
		prompt := StrategyPrompt(cfg)
		tid := threadID(cfg.ThreadID, sc)

		if deps.Provider == nil {
			plan.Steps = DraftPlan(cfg, pocket.Len())
			plan.Writeup = DraftWriteup(cfg, plan.Steps, review.Summary)
		} else {
			prior, err := history(ctx, sc, StrategyTag, tid, deps.ThreadBudget)
			if err != nil {
				return err
			}
			payload := map[string]any{
				"user_inputs_json":       cfg,
				"literature_review":      review.Summary,
				"literature_context":     orNotProvided(literature),
				"pocket_interpretations": pocket.Records(cfg.MaxRows),
				"prior_thread":           prior,
			}
			if plan.Steps, plan.Writeup, err = planWithModel(ctx, deps, prompt, planJSONPrompt, planWriteupPrompt, payload); err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Feedback) != "" {
				if err := reflectPlan(ctx, deps, sc.Logger(), prompt, cfg, literature, &plan); err != nil {
					return err
				}
			}
		}

		if err := sc.SetDocument("design_strategy", plan); err != nil {
			return err
		}
		if err := sc.SetTable("workflow_plan", PlanTable(plan.Steps)); err != nil {
			return err
		}

		deps.logger().Info("design strategy planned",
			zap.String("step", id),
			zap.Int("plan_steps", len(plan.Steps)),
			zap.Bool("reflected", plan.Reflected))
		return recordExchange(ctx, sc, StrategyTag, tid, prompt, plan.Writeup, map[string]any{
			"literature_thread": cfg.LiteratureThread,
			"outputs":           []string{"processed/design_strategy_plan.json", "processed/design_strategy_workflow_steps.csv"},
			"plan_summary":      threads.CompactText(plan.Writeup, 1000),
		})
	}

	step := workflow.NewStep(contract, run)
	step.Description = "plan a multi-round design workflow from literature and pocket analysis"
	return step, nil
}

func orNotProvided(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Not provided."
	}
	return s
}

// literatureContext 读取文献线程上下文；引用缺失或找不到线程时返回空串并告警
func literatureContext(ctx context.Context, sc *workflow.StepContext, cfg StrategyConfig, baseDir string) string {
	mem := sc.Threads()
	if mem == nil || strings.TrimSpace(cfg.LiteratureThread) == "" {
		return ""
	}
	b, err := mem.ContextBundle(ctx, cfg.LiteratureThread, threads.BundleOptions{
		IncludeFiles:    true,
		MaxCharsPerFile: cfg.MaxCharsPerFile,
		BaseDir:         baseDir,
	})
	if err != nil {
		sc.Logger().Warn("literature thread unavailable", zap.String("ref", cfg.LiteratureThread), zap.Error(err))
		return ""
	}
	return b.Text()
}

// planWithModel 两次调用：先要 JSON 计划，再要与之对应的文字摘要
func planWithModel(ctx context.Context, deps Deps, base, jsonPrompt, writeupPrompt string, payload map[string]any) ([]PlanStep, string, error) {
	raw, err := ask(ctx, deps.Provider, strategySystem, base+"\n\n"+jsonPrompt, payload)
	if err != nil {
		return nil, "", err
	}
	steps := ExtractPlanSteps(raw)
	if len(steps) == 0 {
		return nil, "", types.Errorf(types.ErrInvalidResponse, "%s returned no workflow steps", deps.Provider.Name()).
			WithDetail("reply", threads.CompactText(raw, 500))
	}
	payload["workflow_steps_json"] = steps
	writeup, err := ask(ctx, deps.Provider, strategySystem, base+"\n\n"+writeupPrompt, payload)
	if err != nil {
		return nil, "", err
	}
	return steps, writeup, nil
}

// reflectPlan 按用户反馈重写计划；修订摘要失败不影响结果
func reflectPlan(ctx context.Context, deps Deps, logger *zap.Logger, base string, cfg StrategyConfig, literature string, plan *Plan) error {
	payload := map[string]any{
		"original_prompt_1_workflow_json": plan.Steps,
		"original_prompt_2_writeup":       plan.Writeup,
		"user_inputs_json":                cfg,
		"literature_context":              orNotProvided(literature),
		"user_feedback":                   strings.TrimSpace(cfg.Feedback),
	}
	steps, writeup, err := planWithModel(ctx, deps, base, reflectJSONPrompt, reflectWriteupPrompt, payload)
	if err != nil {
		return err
	}
	summary, err := ask(ctx, deps.Provider, "You are a precise technical editor.", revisionPrompt, map[string]any{
		"original_prompt_1_workflow_json": plan.Steps,
		"original_prompt_2_writeup":       plan.Writeup,
		"improved_prompt_1_workflow_json": steps,
		"improved_prompt_2_writeup":       writeup,
		"user_feedback":                   cfg.Feedback,
	})
	if err != nil {
		logger.Warn("revision summary failed", zap.Error(err))
		summary = ""
	}
	plan.Steps, plan.Writeup, plan.Reflected, plan.RevisionSummary = steps, writeup, true, summary
	return nil
}
