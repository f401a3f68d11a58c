package agent

import (
	"fmt"
	"strings"

	"github.com/haivemind/haivemind/pkg/models"
)

// buildPrompt assembles the agent prompt from the task, the project's
// accumulated knowledge, and any retry context from prior attempts.
func buildPrompt(task *models.Task, project *models.Project, extraContext string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", task.Label)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}

	if len(task.AffectedFiles) > 0 {
		b.WriteString("## Files expected to change\n")
		for _, f := range task.AffectedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	if project != nil {
		writeSkills(&b, project.Skills)
		if project.WorkspaceAnalysis != "" {
			b.WriteString("## Workspace\n")
			b.WriteString(project.WorkspaceAnalysis)
			b.WriteString("\n\n")
		}
	}

	if extraContext != "" {
		b.WriteString(extraContext)
		b.WriteString("\n")
	}

	b.WriteString("Work only inside the current directory. ")
	b.WriteString("When finished, print a short summary of the files you changed.")
	return b.String()
}

func writeSkills(b *strings.Builder, skills models.Skills) {
	if len(skills.BuildCommands) == 0 && len(skills.TestCommands) == 0 &&
		len(skills.LintCommands) == 0 && len(skills.Patterns) == 0 {
		return
	}
	b.WriteString("## Project commands\n")
	writeCommandList(b, "Build", skills.BuildCommands)
	writeCommandList(b, "Test", skills.TestCommands)
	writeCommandList(b, "Lint", skills.LintCommands)
	if len(skills.Patterns) > 0 {
		b.WriteString("Conventions:\n")
		for _, p := range skills.Patterns {
			fmt.Fprintf(b, "- %s\n", p)
		}
	}
	b.WriteString("\n")
}

func writeCommandList(b *strings.Builder, kind string, cmds []string) {
	if len(cmds) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: `%s`\n", kind, strings.Join(cmds, "`, `"))
}
