package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/ctxkeys"
	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/internal/telemetry"
	"github.com/BaSui01/enzymeflow/manifest"
	"github.com/BaSui01/enzymeflow/types"
)

// =============================================================================
// 🧭 编排器
// =============================================================================

// Composer 按注册顺序执行步骤的状态机。
// 依赖只按输入/输出端口名连线校验，从不按推断的依赖重排。
type Composer struct {
	runner  *Runner
	steps   []Step
	index   map[string]int
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// ComposerOption 编排器可选项
type ComposerOption func(*Composer)

// WithComposerLogger 设置日志
func WithComposerLogger(logger *zap.Logger) ComposerOption {
	return func(c *Composer) { c.logger = logger }
}

// WithComposerMetrics 设置指标收集器（状态迁移计数）
func WithComposerMetrics(m *metrics.Collector) ComposerOption {
	return func(c *Composer) { c.metrics = m }
}

// NewComposer 创建编排器
func NewComposer(runner *Runner, opts ...ComposerOption) *Composer {
	c := &Composer{
		runner: runner,
		index:  make(map[string]int),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "workflow_composer"))
	return c
}

// Register 按顺序注册步骤；注册顺序即执行顺序
func (c *Composer) Register(steps ...Step) error {
	for _, s := range steps {
		if err := s.Contract.Validate(); err != nil {
			return err
		}
		if s.Capability == nil {
			return types.Errorf(types.ErrInvalidContract, "step %s has no capability", s.ID())
		}
		if _, dup := c.index[s.ID()]; dup {
			return types.Errorf(types.ErrInvalidWiring, "step %s registered twice", s.ID())
		}
		c.index[s.ID()] = len(c.steps)
		c.steps = append(c.steps, s)
	}
	return nil
}

// Steps 返回已注册步骤
func (c *Composer) Steps() []Step { return slices.Clone(c.steps) }

// Validate 检查连线：输出名与输出文件不重复，输入若由其他步骤产出则生产者必须先注册且 schema 一致
func (c *Composer) Validate() error {
	if len(c.steps) == 0 {
		return types.NewError(types.ErrInvalidWiring, "workflow has no steps")
	}
	producers := make(map[string]int)
	files := make(map[string]string)
	for i, s := range c.steps {
		for _, out := range s.Contract.Outputs {
			if j, dup := producers[out.Name]; dup {
				return types.Errorf(types.ErrInvalidWiring, "output %q is produced by both %s and %s", out.Name, c.steps[j].ID(), s.ID()).
					WithDetail("output", out.Name)
			}
			producers[out.Name] = i
			loc := c.outputLocation(out)
			if other, dup := files[loc]; dup {
				return types.Errorf(types.ErrInvalidWiring, "steps %s and %s both write %s", other, s.ID(), loc).
					WithDetail("location", loc)
			}
			files[loc] = s.ID()
		}
	}
	for i, s := range c.steps {
		for _, in := range s.Contract.Inputs {
			j, ok := producers[in.Name]
			if !ok {
				continue
			}
			producer := c.steps[j]
			if j >= i {
				return types.Errorf(types.ErrInvalidWiring, "step %s consumes %q from %s, which is registered after it", s.ID(), in.Name, producer.ID())
			}
			out, _ := producer.Contract.Output(in.Name)
			if out.Schema.Name != in.Schema.Name || out.Schema.Kind != in.Schema.Kind {
				return types.Errorf(types.ErrInvalidWiring, "step %s expects %q as %s (%s), %s produces %s (%s)",
					s.ID(), in.Name, in.Schema, in.Schema.Kind, producer.ID(), out.Schema, out.Schema.Kind)
			}
		}
	}
	return nil
}

func (c *Composer) outputLocation(p Port) string {
	root := p.Root
	if root == "" {
		root = c.runner.store.Resolver().DefaultRoot()
	}
	return root + "/" + p.SubArea + "/" + p.Filename
}

// =============================================================================
// ⚙️ 运行选项与报告
// =============================================================================

// RunOptions 一次运行的调用方选项
type RunOptions struct {
	// Overrides "step.input" → 外部文件路径，在任意步骤合入
	Overrides map[string]string
	// Inline "step.input" → 直接给定的覆盖值，例如由文本行文件构造的表格
	Inline map[string]Value
	// Defaults "step.input" → 可选输入的默认值，覆盖契约中声明的默认值
	Defaults map[string]Value
	// Force 即使续跑也重新执行的步骤
	Force []string
	// Resume 复用本运行清单中已成功且输出仍在的步骤
	Resume bool
	// ContinueOnFailure 失败后继续执行与失败无关的步骤；否则其余步骤全部跳过
	ContinueOnFailure bool
	// Parallel 以波次并发执行相互独立的相邻步骤
	Parallel    bool
	MaxParallel int
}

// OptionsFromConfig 由 workflow 配置段生成默认选项
func OptionsFromConfig(cfg config.WorkflowConfig) RunOptions {
	return RunOptions{
		ContinueOnFailure: cfg.FailurePolicy != "halt",
		Parallel:          cfg.Parallel,
		MaxParallel:       cfg.MaxParallel,
	}
}

// ParseInputKey 拆分 "step.input"
func ParseInputKey(key string) (stepID, input string, err error) {
	stepID, input, ok := strings.Cut(key, ".")
	if !ok || stepID == "" || input == "" {
		return "", "", types.Errorf(types.ErrInvalidConfig, "input key %q must look like step.input", key)
	}
	return stepID, input, nil
}

// StepReport 报告中的单个步骤
type StepReport struct {
	StepID        string                 `json:"step_id"`
	State         StepState              `json:"state"`
	Reused        bool                   `json:"reused,omitempty"`
	Outputs       []artifacts.Ref        `json:"outputs,omitempty"`
	MissingInputs []string               `json:"missing_inputs,omitempty"`
	SkipReason    string                 `json:"skip_reason,omitempty"`
	Error         *manifest.ErrorSummary `json:"error,omitempty"`
	Sequence      int                    `json:"sequence,omitempty"`
	Duration      time.Duration          `json:"duration,omitempty"`
}

// RunReport 一次运行的结果：每步状态、缺失输入、错误以及清单路径
type RunReport struct {
	RunID        string       `json:"run_id"`
	ManifestPath string       `json:"manifest_path"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	Steps        []StepReport `json:"steps"`
}

// Failed 是否有步骤以 Failed 结束
func (r *RunReport) Failed() bool {
	return slices.ContainsFunc(r.Steps, func(s StepReport) bool { return s.State == StateFailed })
}

// Step 按 ID 查找
func (r *RunReport) Step(id string) (StepReport, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepReport{}, false
}

// Count 统计处于某状态的步骤数
func (r *RunReport) Count(state StepState) int {
	n := 0
	for _, s := range r.Steps {
		if s.State == state {
			n++
		}
	}
	return n
}

// =============================================================================
// ▶️ 执行
// =============================================================================

// run 一次运行的可变状态
type run struct {
	opts     RunOptions
	states   *stateTable
	force    map[string]bool
	defaults map[string]map[string]Value
	override map[string]map[string]string
	inline   map[string]map[string]Value

	mu        sync.Mutex
	produced  map[string]artifacts.Ref // 输出名 → 本次可用的引用
	tainted   map[string]string        // 输出名 → 失败或被跳过的生产者
	reexec    map[string]bool          // 本次实际执行过的生产者的输出
	producers map[string]string
	reports   []StepReport
}

// Run 执行全部步骤。配置/连线错误在任何步骤运行前返回；
// 步骤失败不作为 error 返回，而体现在报告中。
func (c *Composer) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	r, err := c.prepare(opts)
	if err != nil {
		return nil, err
	}

	m := c.runner.manifest
	ctx = ctxkeys.WithRunID(ctx, m.RunID())
	ctx, span := telemetry.StartRun(ctx, m.RunID(), len(c.steps))
	report := &RunReport{RunID: m.RunID(), ManifestPath: m.Path(), StartedAt: c.now()}

	c.logger.Info("workflow run started",
		zap.String("run_id", m.RunID()),
		zap.Int("steps", len(c.steps)),
		zap.Bool("resume", opts.Resume),
		zap.Bool("parallel", opts.Parallel))

	halted := ""
	var runErr error
	for _, wave := range c.waves(opts.Parallel) {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if halted != "" {
			for _, i := range wave {
				c.skip(r, i, fmt.Sprintf("run halted after %s failed", halted))
			}
			continue
		}
		if err := c.runWave(ctx, r, wave); err != nil {
			runErr = err
			break
		}
		if !opts.ContinueOnFailure {
			for _, i := range wave {
				if r.reports[i].State == StateFailed {
					halted = c.steps[i].ID()
					break
				}
			}
		}
	}

	report.Steps = r.reports
	report.FinishedAt = c.now()
	status := "success"
	if report.Failed() {
		status = "failure"
	}
	telemetry.EndSpan(span, status, runErr)
	c.logger.Info("workflow run finished",
		zap.String("run_id", m.RunID()),
		zap.Int("succeeded", report.Count(StateSucceeded)),
		zap.Int("failed", report.Count(StateFailed)),
		zap.Int("skipped", report.Count(StateSkipped)),
		zap.String("manifest", m.Path()))
	return report, runErr
}

func (c *Composer) prepare(opts RunOptions) (*run, error) {
	ids := make([]string, len(c.steps))
	for i, s := range c.steps {
		ids[i] = s.ID()
	}
	r := &run{
		opts:      opts,
		states:    newStateTable(ids, c.metrics),
		force:     make(map[string]bool),
		defaults:  make(map[string]map[string]Value),
		override:  make(map[string]map[string]string),
		inline:    make(map[string]map[string]Value),
		produced:  make(map[string]artifacts.Ref),
		tainted:   make(map[string]string),
		reexec:    make(map[string]bool),
		producers: make(map[string]string),
		reports:   make([]StepReport, len(c.steps)),
	}
	for i, s := range c.steps {
		r.reports[i] = StepReport{StepID: s.ID(), State: StatePending}
		for _, out := range s.Contract.Outputs {
			r.producers[out.Name] = s.ID()
		}
	}
	for _, id := range opts.Force {
		if _, ok := c.index[id]; !ok {
			return nil, types.Errorf(types.ErrInvalidConfig, "cannot force unknown step %q", id)
		}
		r.force[id] = true
	}

	lookup := func(key string) (string, Port, error) {
		stepID, input, err := ParseInputKey(key)
		if err != nil {
			return "", Port{}, err
		}
		i, ok := c.index[stepID]
		if !ok {
			return "", Port{}, types.Errorf(types.ErrInvalidConfig, "%s: unknown step %q", key, stepID)
		}
		p, ok := c.steps[i].Contract.Input(input)
		if !ok {
			return "", Port{}, types.Errorf(types.ErrInvalidConfig, "%s: step %s has no input %q", key, stepID, input)
		}
		return stepID, p, nil
	}
	for key, path := range opts.Overrides {
		stepID, p, err := lookup(key)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(path) == "" {
			return nil, types.Errorf(types.ErrInvalidConfig, "override %s has an empty path", key)
		}
		if r.override[stepID] == nil {
			r.override[stepID] = make(map[string]string)
		}
		r.override[stepID][p.Name] = path
	}
	for key, v := range opts.Inline {
		stepID, p, err := lookup(key)
		if err != nil {
			return nil, err
		}
		if _, dup := r.override[stepID][p.Name]; dup {
			return nil, types.Errorf(types.ErrInvalidConfig, "%s is overridden twice", key)
		}
		if err := v.check(p.Schema); err != nil {
			return nil, types.Errorf(types.ErrInvalidConfig, "override %s: %s", key, err.Error())
		}
		if r.inline[stepID] == nil {
			r.inline[stepID] = make(map[string]Value)
		}
		r.inline[stepID][p.Name] = v
	}
	for key, v := range opts.Defaults {
		stepID, p, err := lookup(key)
		if err != nil {
			return nil, err
		}
		if err := v.check(p.Schema); err != nil {
			return nil, types.Errorf(types.ErrInvalidConfig, "default %s: %s", key, err.Error())
		}
		if r.defaults[stepID] == nil {
			r.defaults[stepID] = make(map[string]Value)
		}
		r.defaults[stepID][p.Name] = v
	}
	return r, nil
}

// waves 把步骤切成按注册顺序排列的波次。
// 串行模式每步一波；并行模式下相邻且互不消费对方输出的步骤合并为一波。
func (c *Composer) waves(parallel bool) [][]int {
	var out [][]int
	var cur []int
	outputs := make(map[string]bool)
	for i, s := range c.steps {
		joins := parallel && len(cur) > 0
		if joins {
			for _, in := range s.Contract.Inputs {
				if outputs[in.Name] {
					joins = false
					break
				}
			}
		}
		if !joins && len(cur) > 0 {
			out = append(out, cur)
			cur = nil
			clear(outputs)
		}
		cur = append(cur, i)
		for _, o := range s.Contract.Outputs {
			outputs[o.Name] = true
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (c *Composer) runWave(ctx context.Context, r *run, wave []int) error {
	if len(wave) == 1 {
		return c.runStep(ctx, r, wave[0])
	}
	g, gctx := errgroup.WithContext(ctx)
	if r.opts.MaxParallel > 0 {
		g.SetLimit(r.opts.MaxParallel)
	}
	for _, i := range wave {
		g.Go(func() error { return c.runStep(gctx, r, i) })
	}
	return g.Wait()
}

// runStep 推进一个步骤直到终态。返回的 error 只表示编排内部错误。
func (c *Composer) runStep(ctx context.Context, r *run, i int) error {
	step := c.steps[i]
	id := step.ID()

	if r.opts.Resume && !r.force[id] {
		if ok, err := c.reuse(ctx, r, i); ok || err != nil {
			return err
		}
	}

	in, skipReason, rejectErr := c.resolve(ctx, r, step)
	if skipReason != "" {
		c.skip(r, i, skipReason)
		return nil
	}
	if rejectErr != nil {
		if err := r.states.move(id, StateFailed); err != nil {
			return err
		}
		c.complete(r, i, c.runner.Reject(ctx, step, rejectErr))
		return nil
	}

	step = c.withDefaults(r, step)
	if missing := unresolved(step.Contract, in); len(missing) > 0 {
		// 输入不可解析：交给 Runner 以记录 MISSING_INPUT，但不进入 Ready
		if err := r.states.move(id, StateFailed); err != nil {
			return err
		}
		res, _ := c.runner.Run(ctx, step, in)
		c.complete(r, i, res)
		return nil
	}

	if err := r.states.move(id, StateReady); err != nil {
		return err
	}
	if err := r.states.move(id, StateRunning); err != nil {
		return err
	}
	res, _ := c.runner.Run(ctx, step, in)
	if err := r.states.move(id, res.State); err != nil {
		return err
	}
	c.complete(r, i, res)
	return nil
}

// reuse 续跑：上次成功且输出仍在、其输入未被本次重新生成的内容替换、
// 且调用方给定的输入与上次记录一致时复用
func (c *Composer) reuse(ctx context.Context, r *run, i int) (bool, error) {
	step := c.steps[i]
	entry, ok := c.runner.manifest.LastSuccess(step.ID())
	if !ok {
		return false, nil
	}
	for _, out := range entry.Outputs {
		if !c.runner.store.Has(out) {
			c.logger.Info("previous outputs are gone, re-running step",
				zap.String("step_id", step.ID()),
				zap.String("artifact", out.Location()))
			return false, nil
		}
	}
	for _, p := range step.Contract.Outputs {
		if _, ok := entry.Output(p.Name); !ok && !p.Optional {
			return false, nil
		}
	}

	r.mu.Lock()
	for _, ref := range entry.Inputs {
		if fresh, ok := r.produced[ref.Name]; ok && r.reexec[ref.Name] && fresh.Hash != ref.Hash {
			r.mu.Unlock()
			c.logger.Info("upstream output changed, re-running step",
				zap.String("step_id", step.ID()),
				zap.String("input", ref.Name))
			return false, nil
		}
	}
	r.mu.Unlock()

	if name, changed := c.callerInputChanged(ctx, r, step, entry); changed {
		c.logger.Info("caller-supplied input changed, re-running step",
			zap.String("step_id", step.ID()),
			zap.String("input", name))
		return false, nil
	}

	if err := r.states.move(step.ID(), StateSucceeded); err != nil {
		return false, err
	}
	r.mu.Lock()
	for _, ref := range entry.Outputs {
		r.produced[ref.Name] = ref
	}
	r.reports[i] = StepReport{
		StepID:   step.ID(),
		State:    StateSucceeded,
		Reused:   true,
		Outputs:  entry.Outputs,
		Sequence: entry.Sequence,
	}
	r.mu.Unlock()
	c.logger.Info("step reused from manifest",
		zap.String("step_id", step.ID()),
		zap.Int("sequence", entry.Sequence))
	return true, nil
}

// resolve 为每个输入找引用：覆盖 > 前序步骤输出 > 存储中的当前版本。
// 必需输入的生产者失败或被跳过时返回跳过原因，绝不拿旧数据顶替。
func (c *Composer) resolve(ctx context.Context, r *run, step Step) (Inputs, string, error) {
	id := step.ID()
	in := make(Inputs)
	for _, p := range step.Contract.Inputs {
		ref, supplied, err := c.callerRef(ctx, r, id, p)
		if err != nil {
			return nil, "", err
		}
		if supplied {
			in[p.Name] = ref
			continue
		}

		r.mu.Lock()
		producer, produced := r.producers[p.Name]
		ref, available := r.produced[p.Name]
		failedBy, tainted := r.tainted[p.Name]
		r.mu.Unlock()

		if produced && producer != id {
			switch {
			case available:
				in[p.Name] = ref
			case tainted && (!p.Optional || !c.hasDefault(r, id, p)):
				return nil, fmt.Sprintf("input %s depends on %s, which did not succeed", p.Name, failedBy), nil
			}
			continue
		}

		if p.HasLocation() {
			if art, err := c.runner.store.Current(p.Root, p.SubArea, p.Filename); err == nil {
				in[p.Name] = art.Ref(artifacts.SourceStep)
			}
		}
	}
	return in, "", nil
}

// callerRef 物化调用方为该输入给定的覆盖文件或直接值。
// 版本按内容寻址，同样的内容总是得到同样的哈希。
func (c *Composer) callerRef(ctx context.Context, r *run, id string, p Port) (artifacts.Ref, bool, error) {
	if path, ok := r.override[id][p.Name]; ok {
		art, err := c.runner.store.Import(ctx, path, artifacts.WriteRequest{
			Root:     p.Root,
			SubArea:  c.overrideSubArea(p),
			Filename: c.overrideFilename(id, p),
			Name:     p.Name,
			Step:     id,
			Schema:   p.Schema,
		})
		if err != nil {
			if types.IsErrorCode(err, types.ErrArtifactNotFound) {
				err = types.Errorf(types.ErrMissingInput, "override for %s.%s: %s does not exist", id, p.Name, path).
					WithCause(err).
					WithDetail("missing_inputs", []string{p.Name})
			}
			return artifacts.Ref{}, true, err
		}
		return art.Ref(artifacts.SourceOverride), true, nil
	}
	if v, ok := r.inline[id][p.Name]; ok {
		art, err := c.runner.store.Retain(ctx, v.writeRequest(id, p, c.runner.scratch))
		if err != nil {
			return artifacts.Ref{}, true, err
		}
		return art.Ref(artifacts.SourceOverride), true, nil
	}
	return artifacts.Ref{}, false, nil
}

// callerInputChanged 比较本次调用方给定的输入与上次成功条目记录的输入：
// 覆盖与直接值按内容哈希比较；上次取自默认值的输入与本次生效的默认值比较；
// 上次的覆盖本次不再给出也算变化。无法物化的输入视为已变化，交由重新执行报告。
func (c *Composer) callerInputChanged(ctx context.Context, r *run, step Step, entry manifest.Entry) (string, bool) {
	id := step.ID()
	for _, p := range step.Contract.Inputs {
		prev, recorded := entry.Input(p.Name)
		ref, supplied, err := c.callerRef(ctx, r, id, p)
		if err != nil {
			return p.Name, true
		}
		if !supplied {
			if !recorded {
				continue
			}
			switch prev.Source {
			case artifacts.SourceOverride:
				return p.Name, true
			case artifacts.SourceDefault:
				v, ok := r.defaults[id][p.Name]
				if !ok {
					if p.Default == nil {
						return p.Name, true
					}
					v = *p.Default
				}
				art, err := c.runner.store.Retain(ctx, v.writeRequest(id, p, c.runner.scratch))
				if err != nil {
					return p.Name, true
				}
				ref = art.Ref(artifacts.SourceDefault)
			default:
				continue
			}
		}
		if !recorded || prev.Hash != ref.Hash {
			return p.Name, true
		}
	}
	return "", false
}

func (c *Composer) overrideSubArea(p Port) string {
	if p.HasLocation() {
		return p.SubArea
	}
	return c.runner.scratch
}

func (c *Composer) overrideFilename(stepID string, p Port) string {
	if p.HasLocation() {
		return p.Filename
	}
	return stepID + "." + p.Name + extFor(p.Schema.Kind)
}

func (c *Composer) hasDefault(r *run, stepID string, p Port) bool {
	_, ok := r.defaults[stepID][p.Name]
	return ok || p.Default != nil
}

// withDefaults 返回带调用方默认值的步骤副本
func (c *Composer) withDefaults(r *run, step Step) Step {
	defs := r.defaults[step.ID()]
	if len(defs) == 0 {
		return step
	}
	inputs := slices.Clone(step.Contract.Inputs)
	for j := range inputs {
		if v, ok := defs[inputs[j].Name]; ok {
			inputs[j].Default = &v
		}
	}
	step.Contract.Inputs = inputs
	return step
}

func unresolved(c StepContract, in Inputs) []string {
	var missing []string
	for _, p := range c.Inputs {
		if _, ok := in[p.Name]; !ok && p.Default == nil {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

func (c *Composer) skip(r *run, i int, reason string) {
	id := c.steps[i].ID()
	if err := r.states.move(id, StateSkipped); err != nil {
		c.logger.Error("cannot skip step", zap.String("step_id", id), zap.Error(err))
		return
	}
	r.mu.Lock()
	for _, out := range c.steps[i].Contract.Outputs {
		r.tainted[out.Name] = id
	}
	r.reports[i] = StepReport{StepID: id, State: StateSkipped, SkipReason: reason}
	r.mu.Unlock()
	c.logger.Warn("step skipped", zap.String("step_id", id), zap.String("reason", reason))
}

func (c *Composer) complete(r *run, i int, res *StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := StepReport{
		StepID:        res.StepID,
		State:         res.State,
		Outputs:       res.Outputs,
		MissingInputs: res.MissingInputs,
		Error:         manifest.SummarizeError(res.Err),
		Sequence:      res.Entry.Sequence,
		Duration:      res.Duration,
	}
	r.reports[i] = rep
	if res.State == StateSucceeded {
		for _, ref := range res.Outputs {
			r.produced[ref.Name] = ref
			r.reexec[ref.Name] = true
		}
		return
	}
	for _, out := range c.steps[i].Contract.Outputs {
		r.tainted[out.Name] = res.StepID
	}
}
