package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/internal/server"
	"github.com/BaSui01/enzymeflow/internal/telemetry"
	"github.com/BaSui01/enzymeflow/llm"
	"github.com/BaSui01/enzymeflow/manifest"
	"github.com/BaSui01/enzymeflow/steps"
	"github.com/BaSui01/enzymeflow/threads"
	"github.com/BaSui01/enzymeflow/types"
	"github.com/BaSui01/enzymeflow/workflow"
	"github.com/BaSui01/enzymeflow/workflow/dsl"
)

type runOptions struct {
	workflowFile string
	runID        string
	resume       bool
	force        []string
	set          []string
	lines        []string
	vars         []string
	parallel     bool
	maxParallel  int
	halt         bool
	jsonReport   bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow",
		Long: `Executes the steps of a workflow definition in order (or the built-in
literature → pocket → strategy workflow when --workflow is omitted).

Each step is recorded in <runs>/<run-id>/manifest.jsonl. With --resume, steps
whose last success in this run still has its outputs on disk are reused.
Exit status is 1 when any step failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkflow(cmd, g, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.workflowFile, "workflow", "w", "", "Workflow definition (YAML)")
	f.StringVar(&opts.runID, "run-id", "", "Run identifier (default: generated)")
	f.BoolVar(&opts.resume, "resume", false, "Reuse successful steps of an existing run")
	f.StringSliceVar(&opts.force, "force", nil, "Re-execute these steps even when resuming")
	f.StringArrayVar(&opts.set, "set", nil, "Override an input with an external file: step.input=path")
	f.StringArrayVar(&opts.lines, "lines", nil, "Provide an input from a text file, one value per line: step.input=path")
	f.StringArrayVar(&opts.vars, "var", nil, "Workflow variable: name=value")
	f.BoolVar(&opts.parallel, "parallel", false, "Run independent adjacent steps concurrently")
	f.IntVar(&opts.maxParallel, "max-parallel", 0, "Concurrency limit with --parallel (0: workflow.max_parallel)")
	f.BoolVar(&opts.halt, "halt", false, "Skip every remaining step after the first failure")
	f.BoolVar(&opts.jsonReport, "json", false, "Print the run report as JSON")
	return cmd
}

func runWorkflow(cmd *cobra.Command, g *globalOptions, opts *runOptions) error {
	a, err := loadApp(g)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	runID := opts.runID
	if runID == "" {
		if opts.resume {
			return types.NewError(types.ErrInvalidInput, "--resume requires --run-id")
		}
		runID = manifest.NewRunID(time.Now())
	}
	if err := validateRunID(runID); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otel, err := telemetry.Init(a.cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		a.onClose(func() { _ = otel.Shutdown(context.Background()) })
	}

	if a.collector != nil && a.cfg.Metrics.ListenAddr != "" {
		scfg := server.DefaultConfig()
		scfg.Addr = a.cfg.Metrics.ListenAddr
		srv := server.NewManager(nil, scfg, logger)
		if err := srv.Start(); err != nil {
			logger.Warn("metrics endpoint unavailable", zap.Error(err))
		} else {
			a.onClose(func() { _ = srv.Shutdown(context.Background()) })
		}
	}

	provider, err := llm.NewProviderFromConfig(a.cfg.LLM, logger, a.collector)
	switch {
	case types.IsErrorCode(err, types.ErrProviderNotSet):
		logger.Info("no language model configured, steps produce deterministic output")
		provider = nil
	case err != nil:
		return err
	}

	var memOpts []threads.Option
	if provider != nil {
		memOpts = append(memOpts, threads.WithSummarizer(threads.LLMSummarizer{Provider: provider}))
	}
	mem, err := a.memory(ctx, memOpts...)
	if err != nil {
		return err
	}

	path, err := a.manifestPath(runID)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil && !opts.resume {
		return types.Errorf(types.ErrInvalidInput, "run %s already exists at %s; pass --resume to continue it", runID, path)
	}
	mopts := []manifest.Option{manifest.WithLogger(logger), manifest.WithMetrics(a.collector)}
	if a.cfg.Manifest.IndexEnabled {
		idx, err := a.index(ctx)
		if err != nil {
			return err
		}
		mopts = append(mopts, manifest.WithSink(idx))
	}
	m, err := manifest.Open(path, runID, mopts...)
	if err != nil {
		return err
	}

	dataRoot, err := a.resolver.RootPath(a.root)
	if err != nil {
		return err
	}
	deps := steps.Deps{
		Literature: steps.NewEuropePMC(a.cfg.Literature, logger, steps.WithSearchMetrics(a.collector)),
		Provider:   provider,
		// 线程历史按配置的默认预算注入
		ThreadBudget: a.cfg.Threads.DefaultBudget,
		DataRoot:     dataRoot,
		Logger:       logger,
	}

	stepList, runOpts, err := loadSteps(opts, deps, runID, a)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, opts, stepList, &runOpts); err != nil {
		return err
	}

	runner := workflow.NewRunner(a.store(), m,
		workflow.WithRunnerLogger(logger),
		workflow.WithThreads(mem),
		workflow.WithRunnerMetrics(a.collector))
	composer := workflow.NewComposer(runner,
		workflow.WithComposerLogger(logger),
		workflow.WithComposerMetrics(a.collector))
	if err := composer.Register(stepList...); err != nil {
		return err
	}

	logger.Info("starting run", zap.String("run_id", runID), zap.Int("steps", len(stepList)), zap.String("manifest", path))
	report, err := composer.Run(ctx, runOpts)
	if err != nil {
		return err
	}
	if err := printReport(cmd.OutOrStdout(), report, opts.jsonReport); err != nil {
		return err
	}
	if report.Failed() {
		return errRunFailed
	}
	return nil
}

// loadSteps 从定义文件或内置流程得到步骤与基础运行选项
func loadSteps(opts *runOptions, deps steps.Deps, runID string, a *app) ([]workflow.Step, workflow.RunOptions, error) {
	if opts.workflowFile == "" {
		list, err := steps.DefaultWorkflow(deps)
		return list, workflow.OptionsFromConfig(a.cfg.Workflow), err
	}
	p := dsl.NewParser()
	steps.RegisterAll(p, deps)
	p.SetBuiltin("run_id", runID)
	for _, kv := range opts.vars {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, workflow.RunOptions{}, types.Errorf(types.ErrInvalidConfig, "--var %q must look like name=value", kv)
		}
		p.SetVariable(strings.TrimSpace(name), value)
	}
	def, err := p.ParseFile(opts.workflowFile)
	if err != nil {
		return nil, workflow.RunOptions{}, err
	}
	if len(def.Excluded) > 0 {
		a.logger.Info("steps excluded by condition", zap.Strings("steps", def.Excluded))
	}
	return def.Steps, def.RunOptions(a.cfg.Workflow), nil
}

// applyRunFlags 命令行参数覆盖定义文件与配置中的选项
func applyRunFlags(cmd *cobra.Command, opts *runOptions, stepList []workflow.Step, ro *workflow.RunOptions) error {
	for _, kv := range opts.set {
		key, path, err := splitAssignment("--set", kv)
		if err != nil {
			return err
		}
		if ro.Overrides == nil {
			ro.Overrides = make(map[string]string)
		}
		ro.Overrides[key] = path
	}
	for _, kv := range opts.lines {
		key, path, err := splitAssignment("--lines", kv)
		if err != nil {
			return err
		}
		v, err := dsl.LinesInput(stepList, key, path)
		if err != nil {
			return err
		}
		if ro.Inline == nil {
			ro.Inline = make(map[string]workflow.Value)
		}
		ro.Inline[key] = v
	}
	ro.Force = append(ro.Force, opts.force...)
	ro.Resume = opts.resume
	if cmd.Flags().Changed("parallel") {
		ro.Parallel = opts.parallel
	}
	if opts.maxParallel > 0 {
		ro.MaxParallel = opts.maxParallel
	}
	if opts.halt {
		ro.ContinueOnFailure = false
	}
	return nil
}

func splitAssignment(flag, kv string) (key, value string, err error) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok || value == "" {
		return "", "", types.Errorf(types.ErrInvalidConfig, "%s %q must look like step.input=path", flag, kv)
	}
	if _, _, err := workflow.ParseInputKey(key); err != nil {
		return "", "", err
	}
	return key, value, nil
}

// printReport 文本表格或 JSON
func printReport(w io.Writer, r *workflow.RunReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "run %s  manifest %s\n", r.RunID, r.ManifestPath)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATE\tDETAIL")
	for _, s := range r.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.StepID, s.State, stepDetail(s))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d succeeded, %d failed, %d skipped\n",
		r.Count(workflow.StateSucceeded), r.Count(workflow.StateFailed), r.Count(workflow.StateSkipped))
	return nil
}

func stepDetail(s workflow.StepReport) string {
	switch {
	case s.Error != nil:
		detail := s.Error.Message
		if len(s.MissingInputs) > 0 {
			detail += " (missing: " + strings.Join(s.MissingInputs, ", ") + ")"
		}
		return detail
	case s.SkipReason != "":
		return s.SkipReason
	case s.Reused:
		return "reused"
	default:
		names := make([]string, 0, len(s.Outputs))
		for _, o := range s.Outputs {
			names = append(names, o.Name+"@"+o.ShortHash())
		}
		return strings.Join(names, " ")
	}
}
