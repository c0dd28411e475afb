package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/types"
	"github.com/BaSui01/enzymeflow/workflow"
)

// PocketTag 口袋分析线程的 process-tag
const PocketTag = "binding_pocket"

// =============================================================================
// 📐 口袋描述符分析
// =============================================================================

var nonMetricColumns = map[string]bool{
	"struct_name": true, "struct_name.1": true, "struct_name.2": true, "enzyme": true,
}

// MetricColumns 返回至少有一个数值的描述符列，排除名称与索引列
func MetricColumns(t *artifacts.Table) []string {
	var cols []string
	for i, c := range t.Columns {
		lc := strings.ToLower(strings.TrimSpace(c))
		if nonMetricColumns[c] || strings.HasPrefix(lc, "unnamed:") {
			continue
		}
		for _, row := range t.Rows {
			if _, ok := parseNumber(row[i]); ok {
				cols = append(cols, c)
				break
			}
		}
	}
	return cols
}

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// quantile 线性插值分位数，与 numpy 默认一致；values 必须已排序且非空
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

type metricStats struct {
	values    []*float64 // 按行，nil 表示非数值
	q33, q67  float64
	hasValues bool
	minRow    int
	maxRow    int
}

func computeStats(t *artifacts.Table, metric string) metricStats {
	idx, _ := t.ColumnIndex(metric)
	st := metricStats{values: make([]*float64, len(t.Rows)), minRow: -1, maxRow: -1}
	var present []float64
	for r, row := range t.Rows {
		v, ok := parseNumber(row[idx])
		if !ok {
			continue
		}
		st.values[r] = &v
		present = append(present, v)
		if st.minRow < 0 || v < *st.values[st.minRow] {
			st.minRow = r
		}
		if st.maxRow < 0 || v > *st.values[st.maxRow] {
			st.maxRow = r
		}
	}
	if len(present) > 0 {
		sort.Float64s(present)
		st.q33, st.q67 = quantile(present, 0.33), quantile(present, 0.67)
		st.hasValues = true
	}
	return st
}

func (s metricStats) tag(row int) string {
	v := s.values[row]
	switch {
	case v == nil || !s.hasValues:
		return "na"
	case *v <= s.q33:
		return "low"
	case *v >= s.q67:
		return "high"
	default:
		return "mid"
	}
}

// residueSignature 选中位点在该酶序列上的残基："位点:氨基酸; ..."，
// 比对表缺少 <enzyme>_res_aa 列时为 n/a
func residueSignature(ali *artifacts.Table, enzyme string, positions []int) string {
	col := enzyme + "_res_aa"
	if _, ok := ali.ColumnIndex(col); !ok {
		return "n/a"
	}
	var pairs []string
	for r := range ali.Rows {
		f, ok := parseNumber(ali.Value(r, "index"))
		if !ok {
			continue
		}
		pos := int(f)
		if len(positions) > 0 && !slices.Contains(positions, pos) {
			continue
		}
		aa := strings.TrimSpace(ali.Value(r, col))
		if aa == "" {
			aa = "-"
		}
		pairs = append(pairs, fmt.Sprintf("%d:%s", pos, aa))
	}
	return strings.Join(pairs, "; ")
}

func preview(metrics []string) string {
	if len(metrics) == 0 {
		return "none"
	}
	return strings.Join(metrics[:min(len(metrics), 5)], ", ")
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// AnalyzePockets 按描述符分位给每个结构打 low/mid/high 标签并生成解释，
// 同时列出每个描述符的最小与最大结构。positions 为空时使用比对表的全部位点。
func AnalyzePockets(pocket, ali *artifacts.Table, positions []int) (interp, patterns *artifacts.Table, err error) {
	if missing := pocket.MissingColumns(PocketMetricsSchema.Columns); len(missing) > 0 {
		return nil, nil, types.Errorf(types.ErrSchemaMismatch, "pocket table missing required columns %v", missing)
	}
	if missing := ali.MissingColumns(AlignmentSchema.Columns); len(missing) > 0 {
		return nil, nil, types.Errorf(types.ErrSchemaMismatch, "alignment table missing required columns %v", missing)
	}
	metrics := MetricColumns(pocket)
	if len(metrics) == 0 {
		return nil, nil, types.NewError(types.ErrInvalidInput, "no numeric pocket descriptors found")
	}
	stats := make(map[string]metricStats, len(metrics))
	for _, m := range metrics {
		stats[m] = computeStats(pocket, m)
	}

	interp = artifacts.NewTable(PocketInterpretationsSchema.Columns...)
	for r := range pocket.Rows {
		name := pocket.Value(r, "struct_name")
		if name == "" {
			name = "unknown"
		}
		enzyme, _, _ := strings.Cut(name, "_")

		values := make(map[string]*float64, len(metrics))
		tags := make(map[string]string, len(metrics))
		var high, low []string
		for _, m := range metrics {
			values[m] = stats[m].values[r]
			tags[m] = stats[m].tag(r)
			switch tags[m] {
			case "high":
				high = append(high, m)
			case "low":
				low = append(low, m)
			}
		}
		valuesJSON, err := json.Marshal(values)
		if err != nil {
			return nil, nil, types.NewError(types.ErrInvalidOutput, "encode metric values").WithCause(err)
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return nil, nil, types.NewError(types.ErrInvalidOutput, "encode metric tags").WithCause(err)
		}
		signature := residueSignature(ali, enzyme, positions)
		text := fmt.Sprintf("%s: metric profile computed from %d pocket descriptors. "+
			"High-quantile examples: %s. Low-quantile examples: %s. "+
			"Selected-position signature [%s] can be compared across homologs for activity/property hypotheses.",
			enzyme, len(metrics), preview(high), preview(low), signature)

		if err := interp.Append(name, enzyme, strconv.Itoa(len(metrics)), string(valuesJSON), string(tagsJSON), signature, text); err != nil {
			return nil, nil, err
		}
	}

	patterns = artifacts.NewTable(PocketPatternsSchema.Columns...)
	for _, m := range metrics {
		st := stats[m]
		if !st.hasValues {
			continue
		}
		for _, p := range []struct {
			kind string
			row  int
		}{{"min", st.minRow}, {"max", st.maxRow}} {
			if err := patterns.Append(p.kind+"::"+m, pocket.Value(p.row, "struct_name"), m, formatFloat(*st.values[p.row])); err != nil {
				return nil, nil, err
			}
		}
	}
	return interp, patterns, nil
}

// =============================================================================
// 🧪 pocket/profile 步骤
// =============================================================================

// PocketConfig pocket/profile 步骤配置
type PocketConfig struct {
	// SelectedPositions 默认的选中位点；可由 selected_positions 输入覆盖
	SelectedPositions []int  `yaml:"selected_positions" json:"selected_positions,omitempty"`
	FocusQuestion     string `yaml:"focus_question" json:"focus_question,omitempty"`
	// PocketFile 与 AlignmentFile 是没有上游步骤时读取的位置
	PocketFile    string `yaml:"pocket_file" json:"pocket_file,omitempty"`
	AlignmentFile string `yaml:"alignment_file" json:"alignment_file,omitempty"`
	MaxRows       int    `yaml:"max_rows" json:"max_rows,omitempty"`
	ThreadID      string `yaml:"thread_id" json:"thread_id,omitempty"`
}

// DefaultPocketConfig UPO 示例项目的默认输入
func DefaultPocketConfig() PocketConfig {
	return PocketConfig{
		SelectedPositions: []int{100, 103, 104, 107, 141, 222},
		FocusQuestion: "Which pocket descriptors and selected-position residues distinguish " +
			"peroxygenation-selective homologs, and what mutations could shift selectivity?",
		PocketFile:    "bindingpocket_analysis.csv",
		AlignmentFile: "reps_ali_withDist_FILT.csv",
		MaxRows:       300,
	}
}

// PocketAnalysis 模型对口袋表的分析文档
type PocketAnalysis struct {
	Model         string `json:"model"`
	FocusQuestion string `json:"focus_question,omitempty"`
	Analysis      string `json:"analysis"`
}

const pocketSystem = "You are an expert computational enzymologist and protein engineer."

// NewPocketStep 创建口袋分析步骤
func NewPocketStep(id string, cfg PocketConfig, deps Deps) (workflow.Step, error) {
	def := DefaultPocketConfig()
	if cfg.PocketFile == "" {
		cfg.PocketFile = def.PocketFile
	}
	if cfg.AlignmentFile == "" {
		cfg.AlignmentFile = def.AlignmentFile
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	positions := cfg.SelectedPositions
	if positions == nil {
		positions = []int{}
	}

	contract := workflow.StepContract{
		StepID: id,
		Inputs: []workflow.Port{
			{Name: "pocket_metrics", Schema: PocketMetricsSchema, SubArea: "processed", Filename: cfg.PocketFile},
			{Name: "alignment", Schema: AlignmentSchema, SubArea: "msa", Filename: cfg.AlignmentFile},
			{Name: "selected_positions", Schema: PositionsSchema, Optional: true, Default: &workflow.Value{Document: positions}},
		},
		Outputs: []workflow.Port{
			{Name: "pocket_interpretations", Schema: PocketInterpretationsSchema, SubArea: "processed", Filename: "binding_pocket_interpretations.csv"},
			{Name: "pocket_patterns", Schema: PocketPatternsSchema, SubArea: "processed", Filename: "binding_pocket_pattern_summary.csv"},
			{Name: "pocket_analysis", Schema: PocketAnalysisSchema, SubArea: "processed", Filename: "binding_pocket_llm_analysis.json", Optional: true},
		},
	}

	run := func(ctx context.Context, sc *workflow.StepContext) error {
		pocket, err := sc.Table("pocket_metrics")
		if err != nil {
			return err
		}
		ali, err := sc.Table("alignment")
		if err != nil {
			return err
		}
		var selected []int
		if err := sc.Document("selected_positions", &selected); err != nil {
			return err
		}

		interp, patterns, err := AnalyzePockets(pocket, ali, selected)
		if err != nil {
			return err
		}
		if err := sc.SetTable("pocket_interpretations", interp); err != nil {
			return err
		}
		if err := sc.SetTable("pocket_patterns", patterns); err != nil {
			return err
		}

		prompt := fmt.Sprintf("Analyse the binding pocket descriptors and the residues at positions %v.\nFOCUS QUESTION: %s",
			selected, cfg.FocusQuestion)
		tid := threadID(cfg.ThreadID, sc)
		reply := ""
		if deps.Provider != nil {
			reply, err = ask(ctx, deps.Provider, pocketSystem, prompt, map[string]any{
				"binding_pocket_table":   pocket.Records(cfg.MaxRows),
				"pocket_alignment_table": ali.Records(cfg.MaxRows),
				"interpretations":        interp.Records(cfg.MaxRows),
				"focus_question":         cfg.FocusQuestion,
			})
			if err != nil {
				return err
			}
			if err := sc.SetDocument("pocket_analysis", PocketAnalysis{
				Model: deps.Provider.Name(), FocusQuestion: cfg.FocusQuestion, Analysis: reply,
			}); err != nil {
				return err
			}
		}

		deps.logger().Info("pocket analysis complete",
			zap.String("step", id),
			zap.Int("structures", interp.Len()),
			zap.Int("patterns", patterns.Len()))
		return recordExchange(ctx, sc, PocketTag, tid, prompt, reply, map[string]any{
			"selected_positions": selected,
			"outputs":            []string{"processed/binding_pocket_interpretations.csv", "processed/binding_pocket_pattern_summary.csv"},
		})
	}

	step := workflow.NewStep(contract, run)
	step.Description = "tag pocket descriptors by quantile and summarize extremes"
	return step, nil
}
