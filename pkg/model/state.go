package model

// RunState 实验运行状态
type RunState string

const (
	StateQueued    RunState = "QUEUED"
	StateRunning   RunState = "RUNNING"
	StatePaused    RunState = "PAUSED"
	StateCompleted RunState = "COMPLETED"
	StateFailed    RunState = "FAILED"
)

// Pending reports whether the experiment still waits for a worker.
func (s RunState) Pending() bool {
	return s == StateQueued || s == StatePaused
}

func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransitionTo encodes Queued -> Running -> {Paused, Completed, Failed}, Paused -> Running.
func (s RunState) CanTransitionTo(next RunState) bool {
	switch s {
	case StateQueued, StatePaused:
		return next == StateRunning
	case StateRunning:
		return next == StatePaused || next == StateCompleted || next == StateFailed
	default:
		return false
	}
}
