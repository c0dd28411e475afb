package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/retry"
	"github.com/BaSui01/enzymeflow/manifest"
	"github.com/BaSui01/enzymeflow/testutil"
)

var (
	papersSchema   = artifacts.Schema{Name: "literature_hits", Version: 1, Kind: artifacts.KindTable, Columns: []string{"pmid", "title"}}
	pocketsSchema  = artifacts.Schema{Name: "pocket_profile", Version: 1, Kind: artifacts.KindTable, Columns: []string{"struct_name", "volume"}}
	hintSchema     = artifacts.Schema{Name: "pocket_hint", Version: 1, Kind: artifacts.KindDocument}
	strategySchema = artifacts.Schema{Name: "design_strategy", Version: 1, Kind: artifacts.KindDocument}
)

type harness struct {
	resolver *config.Resolver
	store    *artifacts.Store
	runID    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := testutil.NewResolver(t)
	return &harness{
		resolver: r,
		store: artifacts.NewStore(r,
			artifacts.WithRetryPolicy(&retry.RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})),
		runID: "run-test",
	}
}

// open 打开同一运行的新清单句柄，模拟新进程续跑
func (h *harness) open(t *testing.T) (*Runner, *manifest.Manifest) {
	t.Helper()
	path, err := manifest.PathFor(h.resolver, "", config.SubAreaRuns, h.runID)
	require.NoError(t, err)
	m, err := manifest.Open(path, h.runID)
	require.NoError(t, err)
	return NewRunner(h.store, m, WithRunnerLogger(zap.NewNop())), m
}

func (h *harness) composer(t *testing.T, steps ...Step) (*Composer, *manifest.Manifest) {
	t.Helper()
	runner, m := h.open(t)
	c := NewComposer(runner)
	require.NoError(t, c.Register(steps...))
	return c, m
}

func (h *harness) exists(t *testing.T, subarea, filename string) bool {
	t.Helper()
	ok, err := h.store.Exists("", subarea, filename)
	require.NoError(t, err)
	return ok
}

func (h *harness) writeTable(t *testing.T, subarea, filename string, schema artifacts.Schema, table *artifacts.Table) artifacts.Ref {
	t.Helper()
	art, err := h.store.Write(context.Background(), artifacts.WriteRequest{
		SubArea: subarea, Filename: filename, Schema: schema, Table: table,
	})
	require.NoError(t, err)
	return art.Ref(artifacts.SourceStep)
}

func out(name, subarea, filename string, schema artifacts.Schema) Port {
	return Port{Name: name, Schema: schema, SubArea: subarea, Filename: filename}
}

func in(name string, schema artifacts.Schema) Port {
	return Port{Name: name, Schema: schema}
}

func table(columns []string, rows ...[]string) *artifacts.Table {
	t := artifacts.NewTable(columns...)
	t.Rows = append(t.Rows, rows...)
	return t
}

// researchSteps 检索 → 口袋分析 → 策略综合。analyze 的 pocket_hint 为无默认值的可选输入。
func researchSteps(calls map[string]int) []Step {
	retrieve := NewStep(StepContract{
		StepID:  "retrieve",
		Outputs: []Port{out("papers", "literature", "papers.csv", papersSchema)},
	}, func(_ context.Context, sc *StepContext) error {
		calls["retrieve"]++
		return sc.SetTable("papers", table(papersSchema.Columns,
			[]string{"111", "Engineering unspecific peroxygenases"},
			[]string{"222", "Pocket volume and selectivity"}))
	})

	analyze := NewStep(StepContract{
		StepID: "analyze",
		Inputs: []Port{
			in("papers", papersSchema),
			{Name: "pocket_hint", Schema: hintSchema, Optional: true},
		},
		Outputs: []Port{out("pockets", "processed", "pockets.csv", pocketsSchema)},
	}, func(_ context.Context, sc *StepContext) error {
		calls["analyze"]++
		papers, err := sc.Table("papers")
		if err != nil {
			return err
		}
		var hint struct {
			Residue string `json:"residue"`
		}
		if err := sc.Document("pocket_hint", &hint); err != nil {
			return err
		}
		pockets := artifacts.NewTable("struct_name", "volume", "residue")
		for _, id := range papers.Column("pmid") {
			if err := pockets.Append("UPO_"+id, "412.5", hint.Residue); err != nil {
				return err
			}
		}
		return sc.SetTable("pockets", pockets)
	})

	synthesize := NewStep(StepContract{
		StepID:  "synthesize",
		Inputs:  []Port{in("pockets", pocketsSchema), in("papers", papersSchema)},
		Outputs: []Port{out("strategy", "processed", "strategy.json", strategySchema)},
	}, func(_ context.Context, sc *StepContext) error {
		calls["synthesize"]++
		pockets, err := sc.Table("pockets")
		if err != nil {
			return err
		}
		return sc.SetDocument("strategy", map[string]any{
			"targets": pockets.Column("struct_name"),
			"summary": "enlarge the pocket near " + pockets.Value(0, "residue"),
		})
	})
	return []Step{retrieve, analyze, synthesize}
}
