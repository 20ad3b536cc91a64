package pipeline

import (
	"fmt"

	"team-copilot-go/internal/model"
)

// Event 驱动文档状态机。
type Event int

const (
	EventStart Event = iota
	EventSucceed
	EventFail
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventSucceed:
		return "succeed"
	case EventFail:
		return "fail"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Effect 是一次状态迁移要求执行的副作用。
type Effect int

const (
	EffectPersistStatus Effect = iota
	EffectCommitChunks
	EffectDiscardChunks
)

func (e Effect) String() string {
	switch e {
	case EffectPersistStatus:
		return "persist_status"
	case EffectCommitChunks:
		return "commit_chunks"
	case EffectDiscardChunks:
		return "discard_chunks"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Step 是迁移结果：目标状态和按顺序执行的副作用。
type Step struct {
	Next    model.DocumentStatus
	Effects []Effect
}

type transitionKey struct {
	from  model.DocumentStatus
	event Event
}

var transitions = map[transitionKey]Step{
	{model.StatusPending, EventStart}: {
		Next: model.StatusProcessing, Effects: []Effect{EffectPersistStatus},
	},
	{model.StatusPending, EventFail}: {
		Next: model.StatusFailed, Effects: []Effect{EffectDiscardChunks, EffectPersistStatus},
	},
	{model.StatusProcessing, EventSucceed}: {
		Next: model.StatusCompleted, Effects: []Effect{EffectCommitChunks, EffectPersistStatus},
	},
	{model.StatusProcessing, EventFail}: {
		Next: model.StatusFailed, Effects: []Effect{EffectDiscardChunks, EffectPersistStatus},
	},
}

// Transition 返回 (from, event) 对应的迁移。未列出的组合返回 model.ErrInvalidTransition，
// 终态 completed 与 failed 不接受任何事件。
func Transition(from model.DocumentStatus, event Event) (Step, error) {
	step, ok := transitions[transitionKey{from, event}]
	if !ok {
		return Step{}, fmt.Errorf("%w: %s + %s", model.ErrInvalidTransition, from, event)
	}
	effects := make([]Effect, len(step.Effects))
	copy(effects, step.Effects)
	return Step{Next: step.Next, Effects: effects}, nil
}
