package models

import "fmt"

// TestSummary holds test counts extracted from agent output.
type TestSummary struct {
	Passed  int      `json:"passed"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	// Details holds per-failure detail lines, bounded.
	Details []string `json:"details,omitempty"`
}

// Total returns the total number of tests observed.
func (t TestSummary) Total() int {
	return t.Passed + t.Failed + t.Skipped
}

// OutputSummary is a compact structured view of raw agent output. All
// lists are deduplicated and bounded by the summarizer.
type OutputSummary struct {
	// FilesChanged lists files created or modified.
	FilesChanged []string `json:"filesChanged,omitempty"`
	// FilesDeleted lists files removed.
	FilesDeleted []string `json:"filesDeleted,omitempty"`
	// Errors lists extracted error lines (max 15).
	Errors []string `json:"errors,omitempty"`
	// Warnings lists extracted warning lines (max 8).
	Warnings []string `json:"warnings,omitempty"`
	// Tests holds extracted test counts and failure details.
	Tests TestSummary `json:"tests"`
	// Commands lists shell commands the agent ran (max 10).
	Commands []string `json:"commands,omitempty"`
	// Digest is a one-sentence summary derived from the counts.
	Digest string `json:"digest,omitempty"`
}

// HasErrors returns true if any errors or test failures were extracted.
func (s *OutputSummary) HasErrors() bool {
	return len(s.Errors) > 0 || s.Tests.Failed > 0
}

// FailureReport records one failed attempt for a task, carrying the
// structured summary plus retry guidance.
type FailureReport struct {
	// AgentID is the attempt that produced this report.
	AgentID string `json:"agentId"`
	// Summary is the structured output summary of the failed attempt.
	Summary *OutputSummary `json:"summary,omitempty"`
	// SuggestedFix is a short hint for the next attempt.
	SuggestedFix string `json:"suggestedFix,omitempty"`
	// Category tags the failure kind (spawn, timeout, exit, ceiling).
	Category string `json:"category,omitempty"`
}

// Describe returns a one-line rendering for logs.
func (r *FailureReport) Describe() string {
	if r.Summary == nil {
		return fmt.Sprintf("agent %s failed (%s)", r.AgentID, r.Category)
	}
	return fmt.Sprintf("agent %s failed (%s): %d errors, %d test failures",
		r.AgentID, r.Category, len(r.Summary.Errors), r.Summary.Tests.Failed)
}
