package models

// ProjectSettings holds per-project execution policy.
type ProjectSettings struct {
	// Escalation is the retry-indexed tier ladder. Empty means default.
	Escalation []Tier `json:"escalation,omitempty"`
	// MaxRetriesTotal is the retry count at which a task blocks.
	MaxRetriesTotal int `json:"maxRetriesTotal,omitempty"`
	// MaxConcurrency caps concurrent agents for the project's sessions.
	MaxConcurrency int `json:"maxConcurrency,omitempty"`
	// PinnedModels maps a task label substring to a fixed model name.
	PinnedModels map[string]string `json:"pinnedModels,omitempty"`
	// CostCeiling caps the summed agent multipliers per session.
	// Zero means unlimited.
	CostCeiling float64 `json:"costCeiling,omitempty"`
}

// Skills accumulates discovered project-level command strings across
// sessions.
type Skills struct {
	BuildCommands []string `json:"buildCommands,omitempty"`
	TestCommands  []string `json:"testCommands,omitempty"`
	LintCommands  []string `json:"lintCommands,omitempty"`
	Patterns      []string `json:"patterns,omitempty"`
}

// Merge set-unions other into s, preserving existing order.
func (s *Skills) Merge(other Skills) {
	s.BuildCommands = unionStrings(s.BuildCommands, other.BuildCommands)
	s.TestCommands = unionStrings(s.TestCommands, other.TestCommands)
	s.LintCommands = unionStrings(s.LintCommands, other.LintCommands)
	s.Patterns = unionStrings(s.Patterns, other.Patterns)
}

func unionStrings(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range extra {
		if !seen[s] {
			base = append(base, s)
			seen[s] = true
		}
	}
	return base
}

// Project is the subset of the external project record the engine uses.
type Project struct {
	// Slug is the unique project name.
	Slug string `json:"slug"`
	// Dir is the absolute workspace directory.
	Dir string `json:"dir"`
	// Settings holds execution policy.
	Settings ProjectSettings `json:"settings"`
	// Skills holds accumulated command knowledge.
	Skills Skills `json:"skills"`
	// WorkspaceAnalysis is the latest tech-stack summary from the
	// external analyzer, injected into agent prompts when fresh.
	WorkspaceAnalysis string `json:"workspaceAnalysis,omitempty"`
}

// EscalationChain returns the project's tier ladder or the default.
func (p *Project) EscalationChain() []Tier {
	if len(p.Settings.Escalation) > 0 {
		return p.Settings.Escalation
	}
	return DefaultEscalationChain()
}
