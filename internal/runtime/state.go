package runtime

import "sync/atomic"

// State is the lifecycle phase of a Service.
type State int32

const (
	// StateIdle is a constructed service that has not been started.
	StateIdle State = iota
	// StateSubscribing means Start was called and the paths are subscribing.
	StateSubscribing
	// StateRunning means both paths are consuming.
	StateRunning
	// StateFailed means Start returned a bootstrap or fatal stream error.
	StateFailed
	// StateStopped means Start returned after a requested shutdown.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateStopped
}

type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State {
	return State(m.v.Load())
}

func (m *stateMachine) transition(from, to State) bool {
	return m.v.CompareAndSwap(int32(from), int32(to))
}

func (m *stateMachine) set(to State) {
	m.v.Store(int32(to))
}
