package threads

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/internal/ctxkeys"
	"github.com/BaSui01/enzymeflow/types"
)

const (
	blockSep        = "\n\n"
	truncatedMarker = "[truncated]"
)

func turnHeader(t Turn) string {
	if t.IsSummary() {
		return fmt.Sprintf("[summary of turns %d-%d] %s: ", t.Summary.FromSeq, t.Summary.ToSeq, t.Role)
	}
	return fmt.Sprintf("[%d] %s: ", t.Seq, t.Role)
}

func renderTurns(turns []Turn) string {
	blocks := make([]string, len(turns))
	for i, t := range turns {
		blocks[i] = turnHeader(t) + t.Content
	}
	return strings.Join(blocks, blockSep)
}

// RenderContext 按从旧到新的顺序把线程渲染为下一次模型调用的上下文，结果不超过 budget 个单位。
//
// 超出预算时，把最旧的一段连续轮次（最少需要的数量，永不包括最新一轮）折叠为一条摘要轮次
// 并持久化；之后仍然超长的轮次在渲染时截断并带上 [truncated] 标记，不会无痕消失。
// 摘要在锁外生成，写回时重新加载文档，期间追加的轮次不受影响。
// 线程不存在时返回空字符串。
func (m *Memory) RenderContext(ctx context.Context, tag, id string, budget int) (string, error) {
	if budget < m.minBudget {
		return "", types.Errorf(types.ErrBudgetTooSmall, "budget %d is below the minimum of %d %s", budget, m.minBudget, m.counter.Unit())
	}
	key, err := NewKey(tag, id)
	if err != nil {
		return "", err
	}

	var (
		out  string
		plan *compaction
	)
	err = m.withLock(ctx, key, func() error {
		t, err := m.load(ctx, key)
		if types.IsErrorCode(err, types.ErrThreadNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if plan = m.planCompaction(t, budget); plan == nil {
			out = m.renderBounded(t.Turns, budget)
		}
		return nil
	})
	if err != nil || plan == nil {
		return out, err
	}

	text := m.summarize(ctx, plan)

	err = m.withLock(ctx, key, func() error {
		t, err := m.load(ctx, key)
		if types.IsErrorCode(err, types.ErrThreadNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if m.applyCompaction(ctx, t, plan, text) {
			if err := m.save(ctx, t); err != nil {
				return err
			}
		}
		out = m.renderBounded(t.Turns, budget)
		return nil
	})
	return out, err
}

// compaction 一次压缩的计划：折叠 span 覆盖的前缀
type compaction struct {
	key           Key
	span          SummarySpan
	budget        int
	summaryBudget int
	req           SummaryRequest
}

// planCompaction 选出最少的最旧前缀，使其余轮次加摘要预留能放进预算；
// 无需压缩，或前缀只剩已有的摘要时返回 nil
func (m *Memory) planCompaction(t *Thread, budget int) *compaction {
	n := len(t.Turns)
	if n <= 1 || m.counter.Count(renderTurns(t.Turns)) <= budget {
		return nil
	}
	summaryBudget := max(int(float64(budget)*m.summaryShare), 1)

	k := n - 1
	for c := 1; c < n; c++ {
		span := spanOf(t.Turns[:c])
		reserve := summaryBudget + m.counter.Count(turnHeader(Turn{Role: RoleSystem, Summary: &span})+blockSep)
		if m.counter.Count(renderTurns(t.Turns[c:]))+reserve <= budget {
			k = c
			break
		}
	}
	if k == 1 && t.Turns[0].IsSummary() {
		return nil
	}

	collapsed := t.Turns[:k]
	span := spanOf(collapsed)
	return &compaction{
		key:           t.Key(),
		span:          span,
		budget:        budget,
		summaryBudget: summaryBudget,
		req: SummaryRequest{
			ProcessTag: t.ProcessTag,
			ThreadID:   t.ThreadID,
			Span:       span,
			Transcript: renderTurns(collapsed),
			MaxUnits:   summaryBudget,
			Unit:       m.counter.Unit(),
		},
	}
}

// summarize 调用摘要能力，失败时使用确定性摘要
func (m *Memory) summarize(ctx context.Context, plan *compaction) string {
	text, err := m.summarizer.Summarize(ctx, plan.req)
	if err != nil {
		m.logger.Warn("summarizer failed, using deterministic fallback",
			append(ctxkeys.Fields(ctx), zap.String("thread", plan.key.String()), zap.Error(err))...)
		text, _ = m.fallback.Summarize(ctx, plan.req)
	}
	return m.counter.Truncate(strings.TrimSpace(text), plan.summaryBudget)
}

// applyCompaction 在重新加载的线程上找到计划折叠的前缀并替换为摘要轮次。
// 前缀已被其他压缩改写时放弃，返回 false。
func (m *Memory) applyCompaction(ctx context.Context, t *Thread, plan *compaction, text string) bool {
	k := 0
	for c := 1; c < len(t.Turns); c++ {
		if spanOf(t.Turns[:c]) == plan.span {
			k = c
			break
		}
	}
	if k == 0 {
		m.logger.Debug("thread changed during summarization, compaction skipped",
			append(ctxkeys.Fields(ctx), zap.String("thread", plan.key.String()))...)
		return false
	}

	collapsed := t.Turns[:k]
	if m.keepArchive {
		for _, turn := range collapsed {
			if !turn.IsSummary() {
				t.Archive = append(t.Archive, turn)
			}
		}
	}
	span := plan.span
	summary := Turn{
		Role:      RoleSystem,
		Content:   text,
		Timestamp: m.now(),
		Source:    "compaction",
		Summary:   &span,
	}
	rest := t.Turns[k:]
	t.Turns = append([]Turn{summary}, rest...)

	m.metrics.RecordThreadCompaction(t.ProcessTag)
	m.logger.Info("thread compacted",
		append(ctxkeys.Fields(ctx),
			zap.String("thread", t.Key().String()),
			zap.Int("from_seq", span.FromSeq),
			zap.Int("to_seq", span.ToSeq),
			zap.Int("remaining_turns", len(t.Turns)),
			zap.Int("budget", plan.budget))...)
	return true
}

// spanOf 计算一段轮次覆盖的原始序号区间；头部摘要沿用其起点
func spanOf(turns []Turn) SummarySpan {
	first, last := turns[0], turns[len(turns)-1]
	span := SummarySpan{FromSeq: first.Seq, ToSeq: last.Seq}
	if first.IsSummary() {
		span.FromSeq = first.Summary.FromSeq
	}
	if last.IsSummary() {
		span.ToSeq = last.Summary.ToSeq
	}
	return span
}

// renderBounded 渲染并保证不超过 budget：先截断最长的普通轮次，摘要轮次最后才截断，
// 截断处带 [truncated] 标记；头部信息本身放不下时整体截断。
func (m *Memory) renderBounded(turns []Turn, budget int) string {
	blocks := make([]string, len(turns))
	for i, t := range turns {
		blocks[i] = turnHeader(t) + t.Content
	}
	out := strings.Join(blocks, blockSep)
	if m.counter.Count(out) <= budget {
		return out
	}

	sizes := make([]int, len(turns))
	order := make([]int, 0, len(turns))
	for i, t := range turns {
		sizes[i] = m.counter.Count(t.Content)
		if !t.IsSummary() {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return sizes[order[a]] > sizes[order[b]] })
	for i, t := range turns {
		if t.IsSummary() {
			order = append(order, i)
		}
	}

	markerCost := m.counter.Count(" " + truncatedMarker)
	for _, i := range order {
		t := turns[i]
		over := m.counter.Count(out) - budget
		if over <= 0 {
			break
		}
		keep := sizes[i] - over - markerCost
		for {
			keep = max(keep, 0)
			blocks[i] = turnHeader(t) + truncateWithMarker(m.counter, t.Content, keep)
			out = strings.Join(blocks, blockSep)
			excess := m.counter.Count(out) - budget
			if excess <= 0 || keep == 0 {
				break
			}
			keep -= excess
		}
	}
	if m.counter.Count(out) > budget {
		out = m.counter.Truncate(out, budget)
	}
	return out
}

func truncateWithMarker(c Counter, content string, keep int) string {
	prefix := strings.TrimRight(c.Truncate(content, keep), " \n")
	if prefix == "" {
		return truncatedMarker
	}
	return prefix + " " + truncatedMarker
}
