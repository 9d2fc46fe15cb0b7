package core

import (
	"time"
)

// Phase is the terminal state an execution pod finished in.
type Phase int

const (
	PhaseSucceeded Phase = iota + 1
	PhaseFailed
)

// String returns the control-plane spelling of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseSucceeded:
		return "Succeeded"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ParsePhase maps a control-plane phase string onto a terminal Phase.
// ok is false for every non-terminal phase (Pending, Running, Unknown, ...).
func ParsePhase(s string) (phase Phase, ok bool) {
	switch s {
	case "Succeeded":
		return PhaseSucceeded, true
	case "Failed":
		return PhaseFailed, true
	default:
		return 0, false
	}
}

// Task is a named shell command together with its execution history.
type Task struct {
	ID         string
	Name       string
	Command    string
	Owner      string
	ServerName string
	Executions []TaskExecution
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskExecution records a single completed run of a task.
type TaskExecution struct {
	StartTime time.Time
	EndTime   time.Time
	Output    string
	Phase     Phase
	PodName   string
}

// Duration is the wall time between provisioning and output collection.
func (e TaskExecution) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}
