package models

import (
	"sync"
	"time"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	// SessionStatusPlanning indicates decomposition is in progress.
	SessionStatusPlanning SessionStatus = "planning"
	// SessionStatusRunning indicates the task runner is executing.
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusCompleted indicates the session finished.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusFailed indicates the session aborted with an error.
	SessionStatusFailed SessionStatus = "failed"
	// SessionStatusInterrupted indicates the session was cut short by
	// shutdown or a crash.
	SessionStatusInterrupted SessionStatus = "interrupted"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPlanning, SessionStatusRunning, SessionStatusCompleted,
		SessionStatusFailed, SessionStatusInterrupted:
		return true
	default:
		return false
	}
}

// Finalized returns true if the session no longer holds its workspace.
func (s SessionStatus) Finalized() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// MaxTimelineEvents bounds the per-session timeline ring buffer.
const MaxTimelineEvents = 5000

// TimelineEvent is one recorded broadcast observation.
type TimelineEvent struct {
	TS      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SnapshotType identifies how a pre-session snapshot was taken.
type SnapshotType string

const (
	// SnapshotGitTag marks a lightweight git tag snapshot.
	SnapshotGitTag SnapshotType = "git-tag"
	// SnapshotTarball marks a gzip tarball snapshot.
	SnapshotTarball SnapshotType = "tarball"
	// SnapshotNone marks that no snapshot could be taken.
	SnapshotNone SnapshotType = "none"
)

// SnapshotRef points at the pre-session workspace state.
type SnapshotRef struct {
	Type SnapshotType `json:"type"`
	Ref  string       `json:"ref,omitempty"`
}

// Session is the unit of orchestration: one prompt, one plan, one
// workspace, many agents.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// ProjectSlug names the owning project.
	ProjectSlug string `json:"projectSlug"`
	// Prompt is the originating natural-language request.
	Prompt string `json:"prompt"`
	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`
	// WorkDir is the absolute workspace path, exclusively held while running.
	WorkDir string `json:"workDir"`
	// Plan is the current task list, including appended tasks.
	Plan []*Task `json:"plan"`
	// Edges is the derived dependency edge list.
	Edges []Edge `json:"edges,omitempty"`
	// Agents is the attempt map, snapshotted on finalize.
	Agents map[string]*Agent `json:"agents,omitempty"`
	// Timeline is the bounded event ring. Access via AppendEvent/Events.
	Timeline []TimelineEvent `json:"timeline,omitempty"`
	// Snapshot points at the pre-session workspace state.
	Snapshot SnapshotRef `json:"snapshot"`
	// CostSummary is filled on finalize.
	CostSummary *CostSummary `json:"costSummary,omitempty"`
	// StartedAt is when the session was created.
	StartedAt time.Time `json:"startedAt"`
	// CompletedAt is when the session finalized, if it has.
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	mu sync.Mutex
}

// AppendEvent records a timeline event, dropping the oldest on overflow.
func (s *Session) AppendEvent(ev TimelineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Timeline = append(s.Timeline, ev)
	if len(s.Timeline) > MaxTimelineEvents {
		s.Timeline = s.Timeline[len(s.Timeline)-MaxTimelineEvents:]
	}
}

// Events returns a copy of the timeline, newest last.
func (s *Session) Events() []TimelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TimelineEvent, len(s.Timeline))
	copy(out, s.Timeline)
	return out
}

// TailEvents returns up to n most recent events.
func (s *Session) TailEvents(n int) []TimelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.Timeline) {
		n = len(s.Timeline)
	}
	out := make([]TimelineEvent, n)
	copy(out, s.Timeline[len(s.Timeline)-n:])
	return out
}

// FindTask returns the plan task with the given ID, or nil.
func (s *Session) FindTask(id string) *Task {
	for _, t := range s.Plan {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Leaves returns the IDs of tasks no other task depends on.
func (s *Session) Leaves() []string {
	depended := make(map[string]bool)
	for _, t := range s.Plan {
		for _, dep := range t.Dependencies {
			depended[dep] = true
		}
	}
	var leaves []string
	for _, t := range s.Plan {
		if !depended[t.ID] {
			leaves = append(leaves, t.ID)
		}
	}
	return leaves
}

// Reflection is the derived per-session metrics record persisted after
// finalize.
type Reflection struct {
	SessionID      string           `json:"sessionId"`
	Status         SessionStatus    `json:"status"`
	DurationMs     int64            `json:"durationMs"`
	TaskCount      int              `json:"taskCount"`
	SuccessCount   int              `json:"successCount"`
	FailCount      int              `json:"failCount"`
	RetryRate      float64          `json:"retryRate"`
	TierUsage      map[Tier]int     `json:"tierUsage,omitempty"`
	EscalatedTasks []string         `json:"escalatedTasks,omitempty"`
	CostSummary    *CostSummary     `json:"costSummary,omitempty"`
}
