package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/ctxkeys"
	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/internal/telemetry"
	"github.com/BaSui01/enzymeflow/manifest"
	"github.com/BaSui01/enzymeflow/threads"
	"github.com/BaSui01/enzymeflow/types"
)

// Capability 步骤的实际工作。通过 StepContext 读取输入、设置输出；
// 返回 nil 表示成功，任何错误都使整个步骤失败且不留下输出。
type Capability func(ctx context.Context, sc *StepContext) error

// Step 契约 + 能力
type Step struct {
	Contract    StepContract
	Capability  Capability
	Description string
}

// NewStep 创建步骤
func NewStep(contract StepContract, capability Capability) Step {
	return Step{Contract: contract, Capability: capability}
}

// ID 返回步骤 ID
func (s Step) ID() string { return s.Contract.StepID }

// Inputs 输入端口名 → 产物引用
type Inputs map[string]artifacts.Ref

// StepResult 一次步骤执行的结果
type StepResult struct {
	StepID        string
	State         StepState
	Status        manifest.Status
	Inputs        []artifacts.Ref
	Outputs       []artifacts.Ref
	MissingInputs []string
	Entry         manifest.Entry
	Reused        bool
	Err           error
	Duration      time.Duration
}

// Output 按名称查找输出引用
func (r *StepResult) Output(name string) (artifacts.Ref, bool) {
	for _, ref := range r.Outputs {
		if ref.Name == name {
			return ref, true
		}
	}
	return artifacts.Ref{}, false
}

// Runner 执行单个步骤：校验输入 → 执行能力 → 全有或全无地写出输出 → 记录一条清单条目
type Runner struct {
	store    *artifacts.Store
	manifest *manifest.Manifest
	threads  *threads.Memory
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
	scratch  string
}

// RunnerOption Runner 可选项
type RunnerOption func(*Runner)

// WithRunnerLogger 设置日志
func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithThreads 向步骤暴露线程记忆
func WithThreads(m *threads.Memory) RunnerOption {
	return func(r *Runner) { r.threads = m }
}

// WithRunnerMetrics 设置指标收集器
func WithRunnerMetrics(c *metrics.Collector) RunnerOption {
	return func(r *Runner) { r.metrics = c }
}

// WithRunnerClock 替换时钟（测试用）
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithScratchSubArea 未声明位置的默认值写入的子区域，默认 runs
func WithScratchSubArea(subarea string) RunnerOption {
	return func(r *Runner) { r.scratch = subarea }
}

// NewRunner 创建步骤执行器
func NewRunner(store *artifacts.Store, m *manifest.Manifest, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		manifest: m,
		logger:   zap.NewNop(),
		now:      time.Now,
		scratch:  config.SubAreaRuns,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.With(zap.String("component", "step_runner"))
	return r
}

// Manifest 返回运行清单
func (r *Runner) Manifest() *manifest.Manifest { return r.manifest }

// Store 返回产物存储
func (r *Runner) Store() *artifacts.Store { return r.store }

// Run 执行一个步骤。无论成败都恰好记录一条清单条目，结果总是非 nil；
// 步骤失败时返回的 error 与 StepResult.Err 相同。
func (r *Runner) Run(ctx context.Context, step Step, in Inputs) (*StepResult, error) {
	ctx, span, logger := r.begin(ctx, step.ID())
	started := r.now()
	res := &StepResult{StepID: step.ID()}

	outputs, staging, err := r.execute(ctx, step, in, res, logger)
	if err != nil {
		res.State, res.Status, res.Err = StateFailed, manifest.StatusFailure, err
	} else {
		res.State, res.Status, res.Outputs = StateSucceeded, manifest.StatusSuccess, outputs
	}
	r.finish(ctx, span, logger, res, started, staging)
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// Reject 记录一个未执行即失败的步骤，例如覆盖输入无法导入
func (r *Runner) Reject(ctx context.Context, step Step, cause error) *StepResult {
	ctx, span, logger := r.begin(ctx, step.ID())
	res := &StepResult{StepID: step.ID(), State: StateFailed, Status: manifest.StatusFailure, Err: cause}
	if e, ok := types.AsError(cause); ok {
		res.MissingInputs, _ = e.Details["missing_inputs"].([]string)
	}
	r.finish(ctx, span, logger, res, r.now(), nil)
	return res
}

func (r *Runner) begin(ctx context.Context, stepID string) (context.Context, trace.Span, *zap.Logger) {
	runID := r.manifest.RunID()
	ctx = ctxkeys.WithStepID(ctxkeys.WithRunID(ctx, runID), stepID)
	ctx, span := telemetry.StartStep(ctx, runID, stepID)
	return ctx, span, r.logger.With(ctxkeys.Fields(ctx)...)
}

// finish 记录清单条目、指标与 span。staging 为本步骤已提交的输出，登记失败时撤回。
func (r *Runner) finish(ctx context.Context, span trace.Span, logger *zap.Logger, res *StepResult, started time.Time, staging *artifacts.Staging) {
	finished := r.now()
	entry, recErr := r.manifest.Record(ctx, manifest.Entry{
		StepID:     res.StepID,
		StartedAt:  started,
		FinishedAt: finished,
		Inputs:     res.Inputs,
		Outputs:    res.Outputs,
		Status:     res.Status,
		Error:      manifest.SummarizeError(res.Err),
	})
	if recErr != nil {
		logger.Error("failed to record manifest entry", zap.Error(recErr))
		if staging != nil {
			// 未登记的输出不能留在可见位置
			if err := staging.Revert(); err != nil {
				logger.Error("failed to withdraw unrecorded outputs", zap.Error(err))
			}
		}
		res.State, res.Status, res.Outputs = StateFailed, manifest.StatusFailure, nil
		if res.Err == nil {
			res.Err = recErr
		}
	}
	res.Entry = entry
	res.Duration = finished.Sub(started)

	r.metrics.RecordStep(res.StepID, string(res.Status), res.Duration)
	telemetry.RecordStep(ctx, res.StepID, string(res.Status), res.Duration)
	telemetry.EndSpan(span, string(res.Status), res.Err)

	if res.Err != nil {
		logger.Warn("step failed",
			zap.String("error_code", string(types.GetErrorCode(res.Err))),
			zap.Strings("missing_inputs", res.MissingInputs),
			zap.Error(res.Err))
		return
	}
	logger.Info("step succeeded",
		zap.Int("outputs", len(res.Outputs)),
		zap.Duration("duration", res.Duration))
}

func (r *Runner) execute(ctx context.Context, step Step, in Inputs, res *StepResult, logger *zap.Logger) ([]artifacts.Ref, *artifacts.Staging, error) {
	c := step.Contract
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	if step.Capability == nil {
		return nil, nil, types.Errorf(types.ErrInvalidContract, "step %s has no capability", c.StepID)
	}

	refs, err := r.bindInputs(ctx, c, in, res)
	if err != nil {
		return nil, nil, err
	}
	payloads, err := r.loadInputs(ctx, c, refs)
	if err != nil {
		if e, ok := types.AsError(err); ok && e.Code == types.ErrMissingInput {
			res.MissingInputs, _ = e.Details["missing_inputs"].([]string)
		}
		return nil, nil, err
	}

	sc := &StepContext{
		runID:    r.manifest.RunID(),
		contract: c,
		inputs:   refs,
		payloads: payloads,
		outputs:  make(map[string]artifacts.WriteRequest),
		threads:  r.threads,
		logger:   logger,
	}
	if err := invoke(ctx, step.Capability, sc); err != nil {
		return nil, nil, err
	}
	return r.publish(ctx, c, sc)
}

// bindInputs 检查每个声明的输入都有引用，缺失的可选输入用默认值补齐
func (r *Runner) bindInputs(ctx context.Context, c StepContract, in Inputs, res *StepResult) (map[string]artifacts.Ref, error) {
	for name := range in {
		if _, ok := c.Input(name); !ok {
			return nil, types.Errorf(types.ErrInvalidInput, "step %s has no input named %q", c.StepID, name)
		}
	}

	refs := make(map[string]artifacts.Ref, len(c.Inputs))
	var missing []string
	for _, p := range c.Inputs {
		if ref, ok := in[p.Name]; ok {
			ref.Name = p.Name
			refs[p.Name] = ref
			res.Inputs = append(res.Inputs, ref)
			continue
		}
		if p.Default == nil {
			missing = append(missing, p.Name)
			continue
		}
		art, err := r.store.Retain(ctx, p.Default.writeRequest(c.StepID, p, r.scratch))
		if err != nil {
			return nil, fmt.Errorf("materialize default for %s.%s: %w", c.StepID, p.Name, err)
		}
		ref := art.Ref(artifacts.SourceDefault)
		refs[p.Name] = ref
		res.Inputs = append(res.Inputs, ref)
	}
	if len(missing) > 0 {
		res.MissingInputs = missing
		return nil, MissingInputError(c, missing)
	}
	return refs, nil
}

// MissingInputError 构造缺失输入错误，缺失端口名放在 missing_inputs 明细中
func MissingInputError(c StepContract, missing []string) *types.Error {
	msg := fmt.Sprintf("step %s is missing inputs %v", c.StepID, missing)
	for _, name := range missing {
		if p, ok := c.Input(name); ok && p.Optional {
			msg = fmt.Sprintf("step %s is missing inputs %v (optional inputs need a default)", c.StepID, missing)
			break
		}
	}
	return types.NewError(types.ErrMissingInput, msg).WithDetail("missing_inputs", missing)
}

// loadInputs 在执行前读取并按端口 schema 校验全部输入
func (r *Runner) loadInputs(ctx context.Context, c StepContract, refs map[string]artifacts.Ref) (map[string]*artifacts.Payload, error) {
	payloads := make(map[string]*artifacts.Payload, len(refs))
	for _, p := range c.Inputs {
		ref := refs[p.Name]
		payload, err := r.store.Read(ctx, ref, p.Schema)
		if err != nil {
			if types.IsErrorCode(err, types.ErrArtifactNotFound) {
				return nil, types.Errorf(types.ErrMissingInput, "step %s: input %s (%s) is not available", c.StepID, p.Name, ref.Location()).
					WithCause(err).
					WithDetail("missing_inputs", []string{p.Name})
			}
			return nil, fmt.Errorf("step %s input %s: %w", c.StepID, p.Name, err)
		}
		payloads[p.Name] = payload
	}
	return payloads, nil
}

// invoke 执行能力；panic 转为 STEP_FAILED
func invoke(ctx context.Context, capability Capability, sc *StepContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = types.Errorf(types.ErrStepFailed, "step %s panicked: %v", sc.StepID(), rec).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	if err := capability(ctx, sc); err != nil {
		if _, ok := types.AsError(err); ok {
			return err
		}
		return types.Errorf(types.ErrStepFailed, "step %s failed", sc.StepID()).WithCause(err)
	}
	return nil
}

// publish 校验输出后统一暂存、提交；任一失败则回滚，不留下可见输出。
// 返回已提交的暂存，供登记失败时撤回。
func (r *Runner) publish(ctx context.Context, c StepContract, sc *StepContext) ([]artifacts.Ref, *artifacts.Staging, error) {
	var missing []string
	for _, p := range c.Outputs {
		if _, ok := sc.outputs[p.Name]; !ok && !p.Optional {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, types.Errorf(types.ErrInvalidOutput, "step %s did not produce outputs %v", c.StepID, missing).
			WithDetail("missing_outputs", missing)
	}

	staging := r.store.Begin()
	refs := make([]artifacts.Ref, 0, len(sc.outputs))
	for _, p := range c.Outputs {
		req, ok := sc.outputs[p.Name]
		if !ok {
			continue
		}
		art, err := staging.Stage(ctx, req)
		if err != nil {
			staging.Rollback()
			return nil, nil, fmt.Errorf("stage output %s: %w", p.Name, err)
		}
		refs = append(refs, art.Ref(artifacts.SourceStep))
	}
	if err := staging.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit outputs of %s: %w", c.StepID, err)
	}
	return refs, staging, nil
}
