package steps

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/types"
	"github.com/BaSui01/enzymeflow/workflow"
)

// ReviewTag 文献综述线程的 process-tag
const ReviewTag = "literature_review"

// ReviewConfig literature/review 步骤配置
type ReviewConfig struct {
	EnzymeFamily       string   `yaml:"enzyme_family" json:"enzyme_family"`
	SeedSequences      []string `yaml:"seed_sequences" json:"seed_sequences,omitempty"`
	Reactions          string   `yaml:"reactions_of_interest" json:"reactions_of_interest,omitempty"`
	Substrates         []string `yaml:"substrates_of_interest" json:"substrates_of_interest,omitempty"`
	ApplicationContext string   `yaml:"application_context" json:"application_context,omitempty"`
	Constraints        []string `yaml:"constraints" json:"constraints,omitempty"`
	Keywords           []string `yaml:"keywords" json:"keywords,omitempty"`
	MaxResults         int      `yaml:"max_results" json:"max_results,omitempty"`
	// MinQuality 低于该分数的命中不进入综述
	MinQuality float64 `yaml:"min_quality" json:"min_quality,omitempty"`
	// MaxRows 传给模型的最多行数
	MaxRows  int    `yaml:"max_rows" json:"max_rows,omitempty"`
	ThreadID string `yaml:"thread_id" json:"thread_id,omitempty"`
}

// DefaultReviewConfig UPO 示例项目的默认输入
func DefaultReviewConfig() ReviewConfig {
	return ReviewConfig{
		EnzymeFamily:       "unspecific peroxygenases (UPOs)",
		SeedSequences:      []string{"CviUPO"},
		Reactions:          "peroxygenation of aromatics",
		Substrates:         []string{"Veratryl alcohol", "Naphthalene", "NBD", "ABTS", "S82"},
		ApplicationContext: "biocatalysis and green chemistry",
		Constraints:        []string{"H2O2 tolerance", "stability", "expression host compatibility"},
		Keywords:           []string{"peroxygenation"},
		MaxResults:         20,
		MinQuality:         0.35,
		MaxRows:            250,
	}
}

func (c *ReviewConfig) applyDefaults() {
	if c.MaxResults <= 0 {
		c.MaxResults = 20
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 250
	}
}

// Review 综述文档
type Review struct {
	Query        string `json:"query"`
	RelaxedQuery bool   `json:"relaxed_query,omitempty"`
	Model        string `json:"model"`
	HitsUsed     int    `json:"hits_used"`
	Summary      string `json:"summary"`
}

const reviewSystem = "You are an expert computational enzymologist and literature synthesis agent."

// ReviewPrompt 综述提示词
func ReviewPrompt(cfg ReviewConfig) string {
	orNone := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "None provided"
		}
		return s
	}
	return fmt.Sprintf(`You are an AI research agent supporting an enzyme engineering project.
Conduct a structured, technically rigorous literature review and generate a concise but insight-dense summary to guide experimental design.

INPUTS
- enzyme_family: %s
- seed_sequences: %s
- reactions_of_interest: %s
- substrates_of_interest: %s
- application_context: %s
- constraints: %s

OUTPUT
1. Executive summary (<=10 bullets)
2. Structural overview and active site organization
3. Reaction mechanism and selectivity determinants
4. Engineering landscape with reported mutations
5. Practical constraints
6. Engineering opportunities (mutation targets, channel positions)
7. References with DOI or PubMed ID`,
		cfg.EnzymeFamily,
		orNone(strings.Join(cfg.SeedSequences, " ")),
		cfg.Reactions,
		orNone(strings.Join(cfg.Substrates, " ")),
		orNone(cfg.ApplicationContext),
		orNone(strings.Join(cfg.Constraints, " ")))
}

// NewReviewStep 创建文献综述步骤
func NewReviewStep(id string, cfg ReviewConfig, deps Deps) (workflow.Step, error) {
	if deps.Literature == nil {
		return workflow.Step{}, types.Errorf(types.ErrInvalidConfig, "step %s needs a literature source", id)
	}
	if strings.TrimSpace(cfg.EnzymeFamily) == "" {
		return workflow.Step{}, types.Errorf(types.ErrInvalidConfig, "step %s: enzyme_family is required", id)
	}
	cfg.applyDefaults()
	logger := deps.logger()

	contract := workflow.StepContract{
		StepID: id,
		Inputs: []workflow.Port{{
			Name: "literature_targets", Schema: TargetListSchema,
			Optional: true, Default: &workflow.Value{Document: []string{}},
		}},
		Outputs: []workflow.Port{
			{Name: "literature_hits", Schema: LiteratureHitsSchema, SubArea: config.SubAreaLiterature, Filename: "literature_hits.csv"},
			{Name: "literature_source_report", Schema: SourceReportSchema, SubArea: config.SubAreaLiterature, Filename: "literature_source_report.csv"},
			{Name: "literature_review", Schema: LiteratureReviewSchema, SubArea: "processed", Filename: "literature_review.json"},
		},
	}

	run := func(ctx context.Context, sc *workflow.StepContext) error {
		var targets []string
		if err := sc.Document("literature_targets", &targets); err != nil {
			return err
		}

		query := BuildQuery(cfg, targets)
		hits, err := deps.Literature.Search(ctx, query, cfg.MaxResults)
		if err != nil {
			return err
		}
		review := Review{Query: query, Model: modelName(deps.Provider)}
		if relaxed := BuildRelaxedQuery(cfg); len(hits) == 0 && relaxed != query {
			sc.Logger().Info("primary query returned nothing, retrying relaxed", zap.String("query", relaxed))
			if hits, err = deps.Literature.Search(ctx, relaxed, cfg.MaxResults); err != nil {
				return err
			}
			review.Query, review.RelaxedQuery = relaxed, true
		}

		hits = Annotate(hits)
		table := HitsTable(hits)
		if err := sc.SetTable("literature_hits", table); err != nil {
			return err
		}
		if err := sc.SetTable("literature_source_report", SourceReport(hits)); err != nil {
			return err
		}

		var used []Hit
		for _, h := range hits {
			if h.QualityScore >= cfg.MinQuality {
				used = append(used, h)
			}
		}
		review.HitsUsed = len(used)

		prompt := ReviewPrompt(cfg)
		tid := threadID(cfg.ThreadID, sc)
		if deps.Provider != nil {
			prior, err := history(ctx, sc, ReviewTag, tid, deps.ThreadBudget)
			if err != nil {
				return err
			}
			review.Summary, err = ask(ctx, deps.Provider, reviewSystem, prompt, map[string]any{
				"literature_hits": HitsTable(used).Records(cfg.MaxRows),
				"source_report":   SourceReport(hits).Records(0),
				"prior_thread":    prior,
			})
			if err != nil {
				return err
			}
		} else {
			review.Summary = summarizeHits(used, 10)
		}
		if err := sc.SetDocument("literature_review", review); err != nil {
			return err
		}

		logger.Info("literature review complete",
			zap.String("step", id),
			zap.Int("hits", len(hits)),
			zap.Int("hits_used", len(used)))
		return recordExchange(ctx, sc, ReviewTag, tid, prompt, review.Summary, map[string]any{
			"query":   review.Query,
			"outputs": []string{"literature/literature_hits.csv", "literature/literature_source_report.csv", "processed/literature_review.json"},
			"model":   review.Model,
		})
	}

	step := workflow.NewStep(contract, run)
	step.Description = "retrieve and score literature, then summarize it"
	return step, nil
}

// summarizeHits 无模型时的确定性综述：按质量列出前 n 条
func summarizeHits(hits []Hit, n int) string {
	if len(hits) == 0 {
		return "No literature hits passed the quality threshold."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d literature hits passed the quality threshold.\n", len(hits))
	for i, h := range hits {
		if i == n {
			break
		}
		fmt.Fprintf(&b, "- [%s] %s", h.QualityTier, h.Title)
		if h.Year != "" {
			fmt.Fprintf(&b, " (%s)", h.Year)
		}
		if h.URL != "" {
			fmt.Fprintf(&b, " %s", h.URL)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
