package pipeline

import "fmt"

// RunState 是一次生成请求的生命周期状态。
type RunState string

const (
	StateAccepted    RunState = "accepted"
	StateGenerating  RunState = "generating"
	StateExtracting  RunState = "extracting"
	StateCompositing RunState = "compositing"
	StateStoring     RunState = "storing"
	StateCompleted   RunState = "completed"
	StateFailed      RunState = "failed"
)

// 合法跃迁表。任何状态都可直接进入 failed。
var transitions = map[RunState][]RunState{
	StateAccepted:    {StateGenerating, StateFailed},
	StateGenerating:  {StateExtracting, StateCompositing, StateFailed},
	StateExtracting:  {StateCompositing, StateFailed},
	StateCompositing: {StateStoring, StateFailed},
	StateStoring:     {StateCompleted, StateFailed},
	StateCompleted:   {},
	StateFailed:      {},
}

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether moving to next is legal.
func (s RunState) CanTransition(next RunState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates and returns the next state.
func (s RunState) Transition(next RunState) (RunState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal state transition %s -> %s", s, next)
	}
	return next, nil
}
