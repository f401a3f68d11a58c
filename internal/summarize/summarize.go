// Package summarize extracts a compact structured summary from raw agent
// output. Pure functions over strings; the pattern sets are closed and
// pre-compiled.
package summarize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/haivemind/haivemind/pkg/models"
)

// List caps. Everything the summarizer returns is bounded.
const (
	maxFilesChanged = 20
	maxFilesDeleted = 10
	maxErrors       = 15
	maxWarnings     = 8
	maxCommands     = 10
	maxTestDetails  = 10
)

var (
	// Files created or modified.
	reCreateMode  = regexp.MustCompile(`(?m)^\s*create mode \d+ (\S+)`)
	reFileVerb    = regexp.MustCompile(`(?m)(?:Created|Modified|Updated|Wrote|Writing) file:?\s+(\S+)`)
	reDiffGit     = regexp.MustCompile(`(?m)^diff --git a/(\S+) b/\S+`)
	reRedirect    = regexp.MustCompile(`(?m)^>\s+(\S+\.\w{1,8})\s*$`)

	// Files deleted.
	reDeleteMode = regexp.MustCompile(`(?m)^\s*delete mode \d+ (\S+)`)
	reDeleteVerb = regexp.MustCompile(`(?m)(?:Deleted|Removed) file:?\s+(\S+)`)

	// Errors.
	reErrorLine = regexp.MustCompile(`(?m)^.*\b(?:Error|TypeError|RangeError|SyntaxError|ReferenceError):.*$`)
	reEnoent    = regexp.MustCompile(`(?m)^.*ENOENT:.*$`)
	reTSError   = regexp.MustCompile(`(?m)^.*error TS\d+:.*$`)
	rePanic     = regexp.MustCompile(`(?m)^panic:.*$`)
	reTraceback = regexp.MustCompile(`(?m)^Traceback \(most recent call last\):.*$`)
	reFailLine  = regexp.MustCompile(`(?m)^\s*FAIL\b.*$`)

	// Warnings.
	reWarningLine = regexp.MustCompile(`(?m)^.*\bWarning:.*$`)
	reWarnLine    = regexp.MustCompile(`(?m)^\s*WARN\b.*$`)
	reDeprecated  = regexp.MustCompile(`(?m)^.*\bdeprecated:.*$`)

	// Commands.
	reShellPrompt = regexp.MustCompile("(?m)^\\s*[$>]\\s+(.{2,120})$")
	reRunning     = regexp.MustCompile(`(?m)^\s*Running:?\s+(.{2,120})$`)
)

// Test framework shapes, most specific first. The first matching shape
// wins so a pytest line inside quoted Jest output cannot double-count.
var (
	reJest       = regexp.MustCompile(`Tests:\s+(?:(\d+) failed, )?(?:(\d+) skipped, )?(\d+) passed, \d+ total`)
	rePlaywright = regexp.MustCompile(`(\d+) passed(?:.*?(\d+) failed)?(?:.*?(\d+) skipped)?\s*\(`)
	rePytest     = regexp.MustCompile(`=+ (?:(\d+) failed,? )?(?:(\d+) passed)?(?:,? (\d+) skipped)?.* in [\d.]+s? =+`)
	reGoTestFail = regexp.MustCompile(`(?m)^--- FAIL: (\S+)`)
	reGoTestPass = regexp.MustCompile(`(?m)^--- PASS: (\S+)`)
	reGoTestOK   = regexp.MustCompile(`(?m)^ok\s+\S+`)

	reFailDetail = regexp.MustCompile(`(?m)^\s*(?:✕|✗|FAILED|--- FAIL:)\s+(.{2,160})$`)
)

// Output summarizes the raw concatenated agent output.
func Output(raw string) *models.OutputSummary {
	s := &models.OutputSummary{}

	s.FilesChanged = collect(raw, maxFilesChanged, reCreateMode, reFileVerb, reDiffGit, reRedirect)
	s.FilesDeleted = collect(raw, maxFilesDeleted, reDeleteMode, reDeleteVerb)
	s.Errors = collectWhole(raw, maxErrors, reErrorLine, reEnoent, reTSError, rePanic, reTraceback, reFailLine)
	s.Warnings = collectWhole(raw, maxWarnings, reWarningLine, reWarnLine, reDeprecated)
	s.Commands = collect(raw, maxCommands, reShellPrompt, reRunning)
	s.Tests = extractTests(raw)
	s.Digest = digest(s)

	return s
}

// collect gathers the first capture group of each pattern, deduplicated
// and capped.
func collect(raw string, cap int, patterns ...*regexp.Regexp) []string {
	var out []string
	seen := make(map[string]bool)
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(raw, -1) {
			v := strings.TrimSpace(m[1])
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
			if len(out) >= cap {
				return out
			}
		}
	}
	return out
}

// collectWhole gathers whole matched lines, trimmed, deduplicated, capped.
func collectWhole(raw string, cap int, patterns ...*regexp.Regexp) []string {
	var out []string
	seen := make(map[string]bool)
	for _, re := range patterns {
		for _, m := range re.FindAllString(raw, -1) {
			v := strings.TrimSpace(m)
			if len(v) > 200 {
				v = v[:200]
			}
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
			if len(out) >= cap {
				return out
			}
		}
	}
	return out
}

// extractTests matches framework result shapes in precedence order.
func extractTests(raw string) models.TestSummary {
	var t models.TestSummary

	switch {
	case reJest.MatchString(raw):
		m := reJest.FindStringSubmatch(raw)
		t.Failed = atoi(m[1])
		t.Skipped = atoi(m[2])
		t.Passed = atoi(m[3])
	case rePytest.MatchString(raw):
		m := rePytest.FindStringSubmatch(raw)
		t.Failed = atoi(m[1])
		t.Passed = atoi(m[2])
		t.Skipped = atoi(m[3])
	case reGoTestFail.MatchString(raw) || reGoTestPass.MatchString(raw) || reGoTestOK.MatchString(raw):
		t.Failed = len(reGoTestFail.FindAllString(raw, -1))
		t.Passed = len(reGoTestPass.FindAllString(raw, -1))
	case rePlaywright.MatchString(raw):
		m := rePlaywright.FindStringSubmatch(raw)
		t.Passed = atoi(m[1])
		t.Failed = atoi(m[2])
		t.Skipped = atoi(m[3])
	}

	for _, m := range reFailDetail.FindAllStringSubmatch(raw, -1) {
		t.Details = append(t.Details, strings.TrimSpace(m[1]))
		if len(t.Details) >= maxTestDetails {
			break
		}
	}
	return t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// digest renders a one-sentence summary from the counts.
func digest(s *models.OutputSummary) string {
	var parts []string
	if n := len(s.FilesChanged); n > 0 {
		parts = append(parts, fmt.Sprintf("%d files changed", n))
	}
	if n := len(s.FilesDeleted); n > 0 {
		parts = append(parts, fmt.Sprintf("%d files deleted", n))
	}
	if n := len(s.Errors); n > 0 {
		parts = append(parts, fmt.Sprintf("%d errors", n))
	}
	if n := len(s.Warnings); n > 0 {
		parts = append(parts, fmt.Sprintf("%d warnings", n))
	}
	if total := s.Tests.Total(); total > 0 {
		parts = append(parts, fmt.Sprintf("tests %d passed / %d failed", s.Tests.Passed, s.Tests.Failed))
	}
	if n := len(s.Commands); n > 0 {
		parts = append(parts, fmt.Sprintf("%d commands run", n))
	}
	if len(parts) == 0 {
		return "No notable activity extracted from output."
	}
	return "Attempt produced " + strings.Join(parts, ", ") + "."
}
