package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/manifest"
	"github.com/BaSui01/enzymeflow/types"
)

func TestComposer_ResumeAfterMissingDefault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	calls := map[string]int{}

	// 第一次运行：analyze 的可选输入没有默认值
	c, m := h.composer(t, researchSteps(calls)...)
	report, err := c.Run(ctx, RunOptions{ContinueOnFailure: true})
	require.NoError(t, err)
	assert.True(t, report.Failed())
	assert.Equal(t, m.Path(), report.ManifestPath)

	retrieve, _ := report.Step("retrieve")
	analyze, _ := report.Step("analyze")
	synthesize, _ := report.Step("synthesize")
	assert.Equal(t, StateSucceeded, retrieve.State)
	assert.Equal(t, StateFailed, analyze.State)
	assert.Equal(t, []string{"pocket_hint"}, analyze.MissingInputs)
	require.NotNil(t, analyze.Error)
	assert.Equal(t, string(types.ErrMissingInput), analyze.Error.Code)
	assert.Equal(t, StateSkipped, synthesize.State)
	assert.Contains(t, synthesize.SkipReason, "analyze")

	assert.Equal(t, 0, calls["analyze"])
	assert.Equal(t, 0, calls["synthesize"])
	assert.False(t, h.exists(t, "processed", "pockets.csv"))
	assert.False(t, h.exists(t, "processed", "strategy.json"))
	require.Equal(t, 2, m.Len(), "skipped steps are not invoked and leave no entry")
	papersRef, ok := m.Entries()[0].Output("papers")
	require.True(t, ok)

	// 第二次运行：同一运行 ID，续跑并补上默认值
	c2, m2 := h.composer(t, researchSteps(calls)...)
	report, err = c2.Run(ctx, RunOptions{
		Resume:            true,
		ContinueOnFailure: true,
		Defaults: map[string]Value{
			"analyze.pocket_hint": {Document: map[string]string{"residue": "F88"}},
		},
	})
	require.NoError(t, err)
	assert.False(t, report.Failed())
	assert.Equal(t, 3, report.Count(StateSucceeded))

	retrieve, _ = report.Step("retrieve")
	assert.True(t, retrieve.Reused)
	assert.Equal(t, 1, calls["retrieve"], "succeeded steps are never re-executed on resume")
	assert.Equal(t, 1, calls["analyze"])
	assert.Equal(t, 1, calls["synthesize"])

	entries := m2.Entries()
	require.Len(t, entries, 4)
	newEntries := entries[2:]
	assert.Equal(t, "analyze", newEntries[0].StepID)
	assert.Equal(t, "synthesize", newEntries[1].StepID)
	for _, e := range newEntries {
		assert.Equal(t, manifest.StatusSuccess, e.Status)
	}
	used, ok := newEntries[0].Input("papers")
	require.True(t, ok)
	assert.Equal(t, papersRef.Hash, used.Hash, "reused output is consumed by hash")
	hint, ok := newEntries[0].Input("pocket_hint")
	require.True(t, ok)
	assert.Equal(t, artifacts.SourceDefault, hint.Source)

	payload, err := h.store.Read(ctx, artifacts.Ref{Root: "local", SubArea: "processed", Filename: "strategy.json"}, strategySchema)
	require.NoError(t, err)
	var strategy map[string]any
	require.NoError(t, payload.Decode(&strategy))
	assert.Equal(t, "enlarge the pocket near F88", strategy["summary"])
}

func TestComposer_HaltPolicy(t *testing.T) {
	build := func(calls *atomic.Int32) []Step {
		fail := NewStep(StepContract{
			StepID:  "fold",
			Outputs: []Port{out("structure", "pdb", "model.json", strategySchema)},
		}, func(context.Context, *StepContext) error { return errors.New("predictor unavailable") })
		independent := NewStep(StepContract{
			StepID:  "align",
			Outputs: []Port{out("msa", "msa", "msa.json", strategySchema)},
		}, func(_ context.Context, sc *StepContext) error {
			calls.Add(1)
			return sc.SetDocument("msa", []string{"MKT"})
		})
		return []Step{fail, independent}
	}

	t.Run("continue runs independent steps", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newHarness(t).composer(t, build(&calls)...)
		report, err := c.Run(context.Background(), RunOptions{ContinueOnFailure: true})
		require.NoError(t, err)
		align, _ := report.Step("align")
		assert.Equal(t, StateSucceeded, align.State)
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("halt skips everything after a failure", func(t *testing.T) {
		var calls atomic.Int32
		c, m := newHarness(t).composer(t, build(&calls)...)
		report, err := c.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		align, _ := report.Step("align")
		assert.Equal(t, StateSkipped, align.State)
		assert.Contains(t, align.SkipReason, "fold")
		assert.EqualValues(t, 0, calls.Load())
		assert.Equal(t, 1, m.Len())
	})
}

func TestComposer_ForceAndStaleDownstream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var version atomic.Int32
	var consumed atomic.Int32

	steps := func() []Step {
		produce := NewStep(StepContract{
			StepID:  "produce",
			Outputs: []Port{out("papers", "literature", "papers.csv", papersSchema)},
		}, func(_ context.Context, sc *StepContext) error {
			return sc.SetTable("papers", table(papersSchema.Columns, []string{fmt.Sprint(version.Load()), "t"}))
		})
		consume := NewStep(StepContract{
			StepID:  "consume",
			Inputs:  []Port{in("papers", papersSchema)},
			Outputs: []Port{out("count", "processed", "count.json", strategySchema)},
		}, func(_ context.Context, sc *StepContext) error {
			consumed.Add(1)
			return sc.SetDocument("count", 1)
		})
		return []Step{produce, consume}
	}

	c, _ := h.composer(t, steps()...)
	_, err := c.Run(ctx, RunOptions{})
	require.NoError(t, err)

	// 强制重跑但内容不变：下游可复用
	c, _ = h.composer(t, steps()...)
	report, err := c.Run(ctx, RunOptions{Resume: true, Force: []string{"produce"}})
	require.NoError(t, err)
	produce, _ := report.Step("produce")
	consume, _ := report.Step("consume")
	assert.False(t, produce.Reused)
	assert.True(t, consume.Reused)
	assert.EqualValues(t, 1, consumed.Load())

	// 强制重跑且内容改变：下游不再复用旧结果
	version.Store(1)
	c, _ = h.composer(t, steps()...)
	report, err = c.Run(ctx, RunOptions{Resume: true, Force: []string{"produce"}})
	require.NoError(t, err)
	consume, _ = report.Step("consume")
	assert.False(t, consume.Reused)
	assert.EqualValues(t, 2, consumed.Load())

	_, err = c.Run(ctx, RunOptions{Force: []string{"nope"}})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))
}

func TestComposer_ResumeRerunsWhenOutputsVanished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	calls := map[string]int{}
	steps := researchSteps(calls)[:1]

	c, _ := h.composer(t, steps...)
	_, err := c.Run(ctx, RunOptions{})
	require.NoError(t, err)

	cur, err := h.store.Current("", "literature", "papers.csv")
	require.NoError(t, err)
	require.NoError(t, os.Remove(cur.VersionPath))

	c, _ = h.composer(t, steps...)
	report, err := c.Run(ctx, RunOptions{Resume: true})
	require.NoError(t, err)
	retrieve, _ := report.Step("retrieve")
	assert.False(t, retrieve.Reused)
	assert.Equal(t, 2, calls["retrieve"])
}

func TestComposer_Overrides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	calls := map[string]int{}

	csv := filepath.Join(t.TempDir(), "curated.csv")
	require.NoError(t, os.WriteFile(csv, []byte("pmid,title,extra\n999,curated,x\n"), 0o644))

	c, m := h.composer(t, researchSteps(calls)...)
	report, err := c.Run(ctx, RunOptions{
		ContinueOnFailure: true,
		Overrides:         map[string]string{"analyze.papers": csv},
		Inline:            map[string]Value{"analyze.pocket_hint": {Document: map[string]string{"residue": "L206"}}},
	})
	require.NoError(t, err)
	require.False(t, report.Failed(), "%+v", report.Steps)

	analyzeEntry, ok := m.LastSuccess("analyze")
	require.True(t, ok)
	papers, _ := analyzeEntry.Input("papers")
	assert.Equal(t, artifacts.SourceOverride, papers.Source)
	hint, _ := analyzeEntry.Input("pocket_hint")
	assert.Equal(t, artifacts.SourceOverride, hint.Source)

	pockets, err := h.store.Read(ctx, artifacts.Ref{SubArea: "processed", Filename: "pockets.csv"}, pocketsSchema)
	require.NoError(t, err)
	assert.Equal(t, []string{"UPO_999"}, pockets.Table.Column("struct_name"))

	cur, err := h.store.Current("", "literature", "papers.csv")
	require.NoError(t, err)
	assert.Equal(t, "retrieve", cur.Step, "an override never replaces another step's visible output")
}

func TestComposer_ResumeHonorsNewCallerInputs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	calls := map[string]int{}
	hint := func(residue string) map[string]Value {
		return map[string]Value{"analyze.pocket_hint": {Document: map[string]string{"residue": residue}}}
	}
	pocketNames := func() []string {
		payload, err := h.store.Read(ctx, artifacts.Ref{SubArea: "processed", Filename: "pockets.csv"}, pocketsSchema)
		require.NoError(t, err)
		return payload.Table.Column("struct_name")
	}

	c, _ := h.composer(t, researchSteps(calls)...)
	report, err := c.Run(ctx, RunOptions{Defaults: hint("F88")})
	require.NoError(t, err)
	require.False(t, report.Failed(), "%+v", report.Steps)
	assert.Equal(t, []string{"UPO_111", "UPO_222"}, pocketNames())

	// 续跑时新给出的覆盖文件必须生效
	csv := filepath.Join(t.TempDir(), "curated.csv")
	require.NoError(t, os.WriteFile(csv, []byte("pmid,title\n999,curated\n"), 0o644))
	resume := RunOptions{Resume: true, Defaults: hint("F88"), Overrides: map[string]string{"analyze.papers": csv}}

	c, _ = h.composer(t, researchSteps(calls)...)
	report, err = c.Run(ctx, resume)
	require.NoError(t, err)
	retrieve, _ := report.Step("retrieve")
	analyze, _ := report.Step("analyze")
	synthesize, _ := report.Step("synthesize")
	assert.True(t, retrieve.Reused)
	assert.False(t, analyze.Reused)
	assert.False(t, synthesize.Reused, "downstream of a re-executed step is re-executed when its input changed")
	assert.Equal(t, 2, calls["analyze"])
	assert.Equal(t, []string{"UPO_999"}, pocketNames())

	// 同样的覆盖内容再次续跑：复用
	c, _ = h.composer(t, researchSteps(calls)...)
	report, err = c.Run(ctx, resume)
	require.NoError(t, err)
	analyze, _ = report.Step("analyze")
	assert.True(t, analyze.Reused)
	assert.Equal(t, 2, calls["analyze"])

	// 调用方默认值改变：重新执行
	resume.Defaults = hint("L206")
	c, _ = h.composer(t, researchSteps(calls)...)
	report, err = c.Run(ctx, resume)
	require.NoError(t, err)
	analyze, _ = report.Step("analyze")
	assert.False(t, analyze.Reused)
	assert.Equal(t, 3, calls["analyze"])
	payload, err := h.store.Read(ctx, artifacts.Ref{SubArea: "processed", Filename: "pockets.csv"}, pocketsSchema)
	require.NoError(t, err)
	assert.Equal(t, "L206", payload.Table.Value(0, "residue"))

	// 撤掉覆盖：回到上游输出
	resume.Overrides = nil
	c, _ = h.composer(t, researchSteps(calls)...)
	report, err = c.Run(ctx, resume)
	require.NoError(t, err)
	analyze, _ = report.Step("analyze")
	assert.False(t, analyze.Reused)
	assert.Equal(t, []string{"UPO_111", "UPO_222"}, pocketNames())
	assert.Equal(t, 1, calls["retrieve"])
}

func TestComposer_OverrideFileMissing(t *testing.T) {
	h := newHarness(t)
	calls := map[string]int{}
	c, m := h.composer(t, researchSteps(calls)...)

	report, err := c.Run(context.Background(), RunOptions{
		ContinueOnFailure: true,
		Overrides:         map[string]string{"analyze.pocket_hint": filepath.Join(t.TempDir(), "absent.json")},
	})
	require.NoError(t, err)
	analyze, _ := report.Step("analyze")
	assert.Equal(t, StateFailed, analyze.State)
	assert.Equal(t, []string{"pocket_hint"}, analyze.MissingInputs)
	last, ok := m.LastEntry("analyze")
	require.True(t, ok)
	assert.Equal(t, manifest.StatusFailure, last.Status)
}

func TestComposer_ConfigErrorsAbortBeforeAnyStep(t *testing.T) {
	h := newHarness(t)
	calls := map[string]int{}
	c, m := h.composer(t, researchSteps(calls)...)

	for _, opts := range []RunOptions{
		{Overrides: map[string]string{"nostep.papers": "x.csv"}},
		{Overrides: map[string]string{"analyze.ghost": "x.csv"}},
		{Overrides: map[string]string{"analyze": "x.csv"}},
		{Defaults: map[string]Value{"analyze.pocket_hint": {}}},
	} {
		report, err := c.Run(context.Background(), opts)
		require.Error(t, err)
		assert.Nil(t, report)
		assert.Equal(t, types.CategoryConfiguration, types.CategoryOf(err))
	}
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, calls)
}

func TestComposer_Validate(t *testing.T) {
	noop := func(context.Context, *StepContext) error { return nil }
	step := func(id string, inputs []Port, outputs ...Port) Step {
		return NewStep(StepContract{StepID: id, Inputs: inputs, Outputs: outputs}, noop)
	}
	tests := []struct {
		name  string
		steps []Step
	}{
		{"duplicate output name", []Step{
			step("a", nil, out("x", "processed", "a.csv", pocketsSchema)),
			step("b", nil, out("x", "processed", "b.csv", pocketsSchema)),
		}},
		{"duplicate output file", []Step{
			step("a", nil, out("x", "processed", "same.csv", pocketsSchema)),
			step("b", nil, out("y", "processed", "same.csv", pocketsSchema)),
		}},
		{"consumer registered before producer", []Step{
			step("b", []Port{in("x", pocketsSchema)}),
			step("a", nil, out("x", "processed", "a.csv", pocketsSchema)),
		}},
		{"schema name differs", []Step{
			step("a", nil, out("x", "processed", "a.csv", pocketsSchema)),
			step("b", []Port{in("x", papersSchema)}),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newHarness(t).composer(t, tt.steps...)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrInvalidWiring), "got %v", err)
		})
	}

	t.Run("duplicate step id", func(t *testing.T) {
		runner, _ := newHarness(t).open(t)
		c := NewComposer(runner)
		require.NoError(t, c.Register(step("a", nil)))
		assert.True(t, types.IsErrorCode(c.Register(step("a", nil)), types.ErrInvalidWiring))
	})

	t.Run("empty workflow", func(t *testing.T) {
		runner, _ := newHarness(t).open(t)
		assert.Error(t, NewComposer(runner).Validate())
	})
}

func TestComposer_Waves(t *testing.T) {
	calls := map[string]int{}
	steps := researchSteps(calls)
	noop := func(context.Context, *StepContext) error { return nil }
	align := NewStep(StepContract{StepID: "align", Outputs: []Port{out("msa", "msa", "msa.json", strategySchema)}}, noop)

	c, _ := newHarness(t).composer(t, steps[0], align, steps[1], steps[2])
	assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, c.waves(false))
	assert.Equal(t, [][]int{{0, 1}, {2}, {3}}, c.waves(true))
}

func TestComposer_ParallelWaveRunsConcurrently(t *testing.T) {
	h := newHarness(t)
	var started atomic.Int32
	release := make(chan struct{})

	branch := func(id, name string) Step {
		return NewStep(StepContract{
			StepID:  id,
			Outputs: []Port{out(name, "processed", name+".json", strategySchema)},
		}, func(ctx context.Context, sc *StepContext) error {
			if started.Add(1) == 2 {
				close(release)
			}
			select {
			case <-release:
			case <-time.After(5 * time.Second):
				return errors.New("sibling never started")
			}
			return sc.SetDocument(name, id)
		})
	}
	join := NewStep(StepContract{
		StepID:  "join",
		Inputs:  []Port{in("left", strategySchema), in("right", strategySchema)},
		Outputs: []Port{out("both", "processed", "both.json", strategySchema)},
	}, func(_ context.Context, sc *StepContext) error {
		var l, r string
		if err := sc.Document("left", &l); err != nil {
			return err
		}
		if err := sc.Document("right", &r); err != nil {
			return err
		}
		return sc.SetDocument("both", l+"+"+r)
	})

	c, m := h.composer(t, branch("stability", "left"), branch("solubility", "right"), join)
	report, err := c.Run(context.Background(), RunOptions{Parallel: true, MaxParallel: 2, ContinueOnFailure: true})
	require.NoError(t, err)
	require.False(t, report.Failed(), "%+v", report.Steps)
	assert.Equal(t, 3, m.Len())

	seqs := map[int]bool{}
	for _, e := range m.Entries() {
		assert.False(t, seqs[e.Sequence], "manifest sequences are unique")
		seqs[e.Sequence] = true
	}
	assert.Equal(t, "join", m.Entries()[2].StepID)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.DefaultWorkflowConfig())
	assert.True(t, opts.ContinueOnFailure)
	assert.False(t, opts.Parallel)

	opts = OptionsFromConfig(config.WorkflowConfig{FailurePolicy: "halt", Parallel: true, MaxParallel: 3})
	assert.False(t, opts.ContinueOnFailure)
	assert.True(t, opts.Parallel)
	assert.Equal(t, 3, opts.MaxParallel)
}

// 属性：依赖（传递地）失败步骤的步骤都被跳过，且其输出从未写出
func TestProperty_FailedDependenciesSkipDependents(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 7).Draw(rt, "steps")
		h := newHarness(t)
		runner, _ := h.open(t)
		c := NewComposer(runner)

		deps := make([][]int, n)
		fails := make([]bool, n)
		for i := 0; i < n; i++ {
			if i > 0 {
				deps[i] = rapid.SliceOfNDistinct(rapid.IntRange(0, i-1), 0, i, rapid.ID[int]).Draw(rt, fmt.Sprintf("deps%d", i))
			}
			fails[i] = rapid.Bool().Draw(rt, fmt.Sprintf("fail%d", i))

			var inputs []Port
			for _, d := range deps[i] {
				inputs = append(inputs, in(fmt.Sprintf("o%d", d), strategySchema))
			}
			name := fmt.Sprintf("o%d", i)
			shouldFail := fails[i]
			step := NewStep(StepContract{
				StepID:  fmt.Sprintf("s%d", i),
				Inputs:  inputs,
				Outputs: []Port{out(name, "processed", name+".json", strategySchema)},
			}, func(_ context.Context, sc *StepContext) error {
				if shouldFail {
					return errors.New("injected failure")
				}
				return sc.SetDocument(name, sc.StepID())
			})
			if err := c.Register(step); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}

		report, err := c.Run(context.Background(), RunOptions{ContinueOnFailure: true})
		if err != nil {
			rt.Fatalf("run: %v", err)
		}

		want := make([]StepState, n)
		for i := 0; i < n; i++ {
			want[i] = StateSucceeded
			for _, d := range deps[i] {
				if want[d] != StateSucceeded {
					want[i] = StateSkipped
				}
			}
			if want[i] == StateSucceeded && fails[i] {
				want[i] = StateFailed
			}
		}
		for i, rep := range report.Steps {
			if rep.State != want[i] {
				rt.Fatalf("step s%d: state %s, want %s (deps %v, fails %v)", i, rep.State, want[i], deps, fails)
			}
			exists, err := h.store.Exists("", "processed", fmt.Sprintf("o%d.json", i))
			if err != nil {
				rt.Fatalf("exists: %v", err)
			}
			if exists != (want[i] == StateSucceeded) {
				rt.Fatalf("step s%d in state %s: output exists=%v", i, want[i], exists)
			}
		}
	})
}
