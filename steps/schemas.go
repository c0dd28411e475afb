package steps

import "github.com/BaSui01/enzymeflow/artifacts"

// 步骤间交换的产物 schema。表格只列出必需列，多余列会被容忍。
var (
	LiteratureHitsSchema = artifacts.Schema{
		Name: "literature_hits", Version: 1, Kind: artifacts.KindTable,
		Columns: []string{"source", "id", "title", "quality_score", "quality_tier"},
	}
	SourceReportSchema = artifacts.Schema{
		Name: "literature_source_report", Version: 1, Kind: artifacts.KindTable,
		Columns: []string{"metric", "value"},
	}
	LiteratureReviewSchema = artifacts.Schema{
		Name: "literature_review", Version: 1, Kind: artifacts.KindDocument,
	}
	TargetListSchema = artifacts.Schema{
		Name: "literature_targets", Version: 1, Kind: artifacts.KindDocument,
	}

	PocketMetricsSchema = artifacts.Schema{
		Name: "binding_pocket_metrics", Version: 1, Kind: artifacts.KindTable,
		Columns: []string{"struct_name"},
	}
	AlignmentSchema = artifacts.Schema{
		Name: "pocket_alignment", Version: 1, Kind: artifacts.KindTable,
		Columns: []string{"index"},
	}
	PositionsSchema = artifacts.Schema{
		Name: "selected_positions", Version: 1, Kind: artifacts.KindDocument,
	}
	PocketInterpretationsSchema = artifacts.Schema{
		Name: "binding_pocket_interpretations", Version: 1, Kind: artifacts.KindTable,
		Columns: []string{"struct_name", "enzyme", "n_metrics_used", "metric_values", "metric_quantile_tags", "selected_position_signature", "interpretation"},
	}
	PocketPatternsSchema = artifacts.Schema{
		Name: "binding_pocket_pattern_summary", Version: 1, Kind: artifacts.KindTable,
		Columns: []string{"pattern", "struct_name", "metric", "value"},
	}
	PocketAnalysisSchema = artifacts.Schema{
		Name: "binding_pocket_analysis", Version: 1, Kind: artifacts.KindDocument,
	}

	DesignStrategySchema = artifacts.Schema{
		Name: "design_strategy", Version: 1, Kind: artifacts.KindDocument,
	}
	WorkflowPlanSchema = artifacts.Schema{
		Name: "design_strategy_workflow_steps", Version: 1, Kind: artifacts.KindTable,
		Columns: []string{"step_index", "step_name", "tools", "description", "rationale"},
	}
)
