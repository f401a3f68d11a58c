package summarize

import (
	"regexp"
	"strings"

	"github.com/haivemind/haivemind/pkg/models"
)

const maxSkillsPerKind = 8

// Command shapes recognized as project skills. The capture is the full
// command string as the agent ran it.
var (
	reBuildCmd = regexp.MustCompile(`(?m)^\s*[$>]?\s*((?:npm run build|npm run compile|yarn build|pnpm build|go build\S*.*|make(?: build)?|cargo build.*|mvn package.*|gradle build.*|tsc(?:\s+\S+)*))\s*$`)
	reTestCmd  = regexp.MustCompile(`(?m)^\s*[$>]?\s*((?:npm (?:run )?test\S*.*|yarn test.*|pnpm test.*|go test\S*.*|pytest\S*.*|cargo test.*|vitest\S*.*|jest\S*.*|playwright test.*))\s*$`)
	reLintCmd  = regexp.MustCompile(`(?m)^\s*[$>]?\s*((?:npm run lint.*|yarn lint.*|pnpm lint.*|golangci-lint\S*.*|eslint\S*.*|ruff\S*.*|flake8\S*.*|go vet\S*.*|cargo clippy.*))\s*$`)
)

// ExtractSkills pulls build, test, and lint command strings out of the
// concatenated agent output for a session. Results are deduplicated and
// bounded; callers merge them into project skills with set-union.
func ExtractSkills(raw string) models.Skills {
	return models.Skills{
		BuildCommands: collectCommands(raw, reBuildCmd),
		TestCommands:  collectCommands(raw, reTestCmd),
		LintCommands:  collectCommands(raw, reLintCmd),
	}
}

func collectCommands(raw string, re *regexp.Regexp) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(raw, -1) {
		cmd := strings.TrimSpace(m[1])
		if cmd == "" || seen[cmd] {
			continue
		}
		seen[cmd] = true
		out = append(out, cmd)
		if len(out) >= maxSkillsPerKind {
			break
		}
	}
	return out
}
