package planner

import (
	"fmt"
	"strings"

	"github.com/haivemind/haivemind/internal/orchestrator"
	"github.com/haivemind/haivemind/pkg/models"
)

// decomposePrompt renders the planning request. Skills and workspace
// analysis are appended as context when present.
func decomposePrompt(request string, opts orchestrator.DecomposeOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Break this request into parallelizable tasks sized for a single coding agent each.

Request:
%s

Return ONLY a JSON array with this exact structure (no other text):
[
  {
    "id": "short-kebab-id",
    "label": "Short task title",
    "description": "Detailed instructions for the agent",
    "dependencies": ["ids of tasks that must finish first"],
    "affectedFiles": ["src/auth/login.ts"]
  }
]

Guidelines:
- Tasks should be as independent as possible so they can run in parallel.
- Only add a dependency when one task truly needs another's result first.
- Use [] for dependencies when a task has none.
- affectedFiles lists the files or directories the task will touch.
- Every dependency must reference an id that appears in the array.
`, request)

	if opts.WorkspaceAnalysis != "" {
		b.WriteString("\nWorkspace analysis:\n")
		b.WriteString(opts.WorkspaceAnalysis)
		b.WriteString("\n")
	}
	writeSkills(&b, opts.Skills)
	return b.String()
}

// verifyPrompt renders the verification request over the executed plan.
func verifyPrompt(plan []*models.Task, skills models.Skills) string {
	var b strings.Builder
	b.WriteString(`Verify the work described below was completed correctly in this workspace. Run the project's tests where possible.

Completed tasks:
`)
	for _, t := range plan {
		if t.Kind() != models.TaskTypeWork && t.Kind() != models.TaskTypeVerify {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Label)
	}
	b.WriteString(`
Return ONLY a JSON object with this exact structure (no other text):
{
  "passed": true,
  "issues": ["description of each problem found"],
  "followUpTasks": [{"id": "short-id", "label": "Fix title", "description": "...", "dependencies": []}],
  "testsRun": ["go test ./..."]
}

Rules:
- passed is false when any issue remains.
- followUpTasks lists concrete fixes for the issues, empty when passed.
`)
	writeSkills(&b, skills)
	return b.String()
}

func writeSkills(b *strings.Builder, skills models.Skills) {
	if len(skills.BuildCommands) == 0 && len(skills.TestCommands) == 0 && len(skills.LintCommands) == 0 {
		return
	}
	b.WriteString("\nKnown project commands:\n")
	for _, c := range skills.BuildCommands {
		fmt.Fprintf(b, "- build: %s\n", c)
	}
	for _, c := range skills.TestCommands {
		fmt.Fprintf(b, "- test: %s\n", c)
	}
	for _, c := range skills.LintCommands {
		fmt.Fprintf(b, "- lint: %s\n", c)
	}
}
