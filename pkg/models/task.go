package models

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusGated indicates the task is waiting for human approval.
	TaskStatusGated TaskStatus = "gated"
	// TaskStatusRunning indicates an agent is working on the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSuccess indicates the task completed successfully.
	TaskStatusSuccess TaskStatus = "success"
	// TaskStatusBlocked indicates the task cannot proceed.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusGated, TaskStatusRunning, TaskStatusSuccess, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusBlocked
}

// TaskType distinguishes executable work from structural plan nodes.
type TaskType string

const (
	// TaskTypeWork is a normal coding task executed by an agent.
	TaskTypeWork TaskType = "work"
	// TaskTypePrompt is a bridge node between chat iterations. Never executes.
	TaskTypePrompt TaskType = "prompt"
	// TaskTypeVerify is a task appended by the verify-fix loop.
	TaskTypeVerify TaskType = "verify"
)

// Task represents a unit of work in a session plan.
// Identity is immutable; Dependencies and Description may be edited by
// the runner (edge removal, splitting, human-gate feedback).
type Task struct {
	// ID is the unique identifier within a session. Appended tasks are
	// namespaced: iter-N-<id>, fix-N-<id>, <parent>-split-<id>.
	ID string `json:"id"`
	// Label is a short human-readable name for the task.
	Label string `json:"label"`
	// Description provides detailed instructions for the agent.
	Description string `json:"description,omitempty"`
	// Dependencies lists task IDs that must complete before this task.
	Dependencies []string `json:"dependencies,omitempty"`
	// Type is the kind of plan node. Defaults to work.
	Type TaskType `json:"type,omitempty"`
	// Gate marks the task as requiring human approval before its first launch.
	Gate bool `json:"gate,omitempty"`
	// AffectedFiles lists files the planner expects this task to touch.
	AffectedFiles []string `json:"affectedFiles,omitempty"`
}

// Kind returns the task type, defaulting to work when unset.
func (t *Task) Kind() TaskType {
	if t.Type == "" {
		return TaskTypeWork
	}
	return t.Type
}

// DependsOn returns true if the task lists depID as a dependency.
func (t *Task) DependsOn(depID string) bool {
	for _, d := range t.Dependencies {
		if d == depID {
			return true
		}
	}
	return false
}

// Edge is a derived dependency edge for observers: target depends on source.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// BuildEdges derives the edge list for a plan.
func BuildEdges(tasks []*Task) []Edge {
	var edges []Edge
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			edges = append(edges, Edge{
				ID:     dep + "->" + t.ID,
				Source: dep,
				Target: t.ID,
			})
		}
	}
	return edges
}
