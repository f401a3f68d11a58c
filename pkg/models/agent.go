package models

import "time"

// AgentStatus represents the current state of an agent attempt.
type AgentStatus string

const (
	// AgentStatusPending indicates the agent has not started.
	AgentStatusPending AgentStatus = "pending"
	// AgentStatusRunning indicates the agent subprocess is executing.
	AgentStatusRunning AgentStatus = "running"
	// AgentStatusSuccess indicates the agent exited with code 0.
	AgentStatusSuccess AgentStatus = "success"
	// AgentStatusFailed indicates the agent exited non-zero, timed out,
	// or could not be spawned.
	AgentStatusFailed AgentStatus = "failed"
	// AgentStatusBlocked indicates the agent was refused before spawning,
	// e.g. by the cost ceiling pre-flight.
	AgentStatusBlocked AgentStatus = "blocked"
	// AgentStatusInterrupted indicates the agent was killed during shutdown.
	AgentStatusInterrupted AgentStatus = "interrupted"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusPending, AgentStatusRunning, AgentStatusSuccess,
		AgentStatusFailed, AgentStatusBlocked, AgentStatusInterrupted:
		return true
	default:
		return false
	}
}

// Settled returns true if the agent reached a final state.
func (s AgentStatus) Settled() bool {
	switch s {
	case AgentStatusSuccess, AgentStatusFailed, AgentStatusBlocked, AgentStatusInterrupted:
		return true
	default:
		return false
	}
}

// Agent records one spawn attempt for a task. The subprocess handle is
// owned by the agent manager, not the record.
type Agent struct {
	// ID is the unique identifier for this attempt.
	ID string `json:"id"`
	// TaskID is the task this agent is working on.
	TaskID string `json:"taskId"`
	// ModelTier is the cost tier selected for this attempt.
	ModelTier Tier `json:"modelTier"`
	// Model is the concrete model name passed to the backend.
	Model string `json:"model"`
	// Multiplier is the cost weight charged for this attempt.
	Multiplier float64 `json:"multiplier"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// Retries is the retry index this attempt was spawned for.
	Retries int `json:"retries"`
	// Reason explains blocked or failed status when known pre-exit.
	Reason string `json:"reason,omitempty"`
	// Prompt is the full prompt sent to the backend.
	Prompt string `json:"prompt,omitempty"`
	// CLICommand is the rendered command line for display and replay.
	CLICommand string `json:"cliCommand,omitempty"`
	// Output holds the bounded chunk sequence captured from the subprocess.
	Output []string `json:"output,omitempty"`
	// Summary is the structured output summary, computed on failure or
	// at snapshot time.
	Summary *OutputSummary `json:"summary,omitempty"`
	// StartedAt is when the subprocess was spawned.
	StartedAt time.Time `json:"startedAt"`
	// FinishedAt is when the subprocess exited, if it has.
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// OutputText returns the captured output joined into one string.
func (a *Agent) OutputText() string {
	total := 0
	for _, c := range a.Output {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range a.Output {
		buf = append(buf, c...)
	}
	return string(buf)
}

// CostSummary aggregates agent cost multipliers for a session.
type CostSummary struct {
	// Total is the sum of all agent multipliers.
	Total float64 `json:"total"`
	// ByTier buckets multiplier sums by tier.
	ByTier map[Tier]float64 `json:"byTier"`
	// Agents is the number of attempts counted.
	Agents int `json:"agents"`
}
