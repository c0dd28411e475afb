package workflow

import (
	"sync"

	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/types"
)

// StepState 步骤在一次运行中的状态
type StepState string

const (
	StatePending   StepState = "pending"
	StateReady     StepState = "ready"
	StateRunning   StepState = "running"
	StateSucceeded StepState = "succeeded"
	StateFailed    StepState = "failed"
	StateSkipped   StepState = "skipped"
)

// Terminal 是否为终态
func (s StepState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// transitions 合法的状态迁移。
// Pending → Succeeded 用于续跑时复用既有成功结果；
// Pending → Failed 用于输入无法解析、执行前即失败的步骤。
var transitions = map[StepState][]StepState{
	StatePending: {StateReady, StateSkipped, StateFailed, StateSucceeded},
	StateReady:   {StateRunning, StateSkipped},
	StateRunning: {StateSucceeded, StateFailed},
}

// CanTransition 判断 from → to 是否合法
func CanTransition(from, to StepState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateTable 一次运行中所有步骤的状态，并发安全
type stateTable struct {
	mu      sync.RWMutex
	states  map[string]StepState
	metrics *metrics.Collector
}

func newStateTable(ids []string, collector *metrics.Collector) *stateTable {
	t := &stateTable{states: make(map[string]StepState, len(ids)), metrics: collector}
	for _, id := range ids {
		t.states[id] = StatePending
	}
	return t
}

func (t *stateTable) get(id string) StepState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[id]
}

func (t *stateTable) move(id string, to StepState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from, ok := t.states[id]
	if !ok {
		return types.Errorf(types.ErrInvalidWiring, "unknown step %s", id)
	}
	if !CanTransition(from, to) {
		return types.Errorf(types.ErrInvalidWiring, "step %s: illegal transition %s -> %s", id, from, to)
	}
	t.states[id] = to
	t.metrics.RecordStepTransition(string(from), string(to))
	return nil
}
