package summarize

import (
	"fmt"
	"strings"
	"testing"
)

func TestExtractFilesChanged(t *testing.T) {
	raw := `
 create mode 100644 src/widget.go
Created file: src/api/handler.go
diff --git a/internal/core.go b/internal/core.go
Modified file: src/widget.go
`
	s := Output(raw)

	want := map[string]bool{
		"src/widget.go":      true,
		"src/api/handler.go": true,
		"internal/core.go":   true,
	}
	if len(s.FilesChanged) != len(want) {
		t.Fatalf("expected %d files, got %v", len(want), s.FilesChanged)
	}
	for _, f := range s.FilesChanged {
		if !want[f] {
			t.Errorf("unexpected file %q", f)
		}
	}
}

func TestExtractFilesDeleted(t *testing.T) {
	raw := " delete mode 100644 old/legacy.go\nRemoved file: tmp/scratch.txt\n"
	s := Output(raw)
	if len(s.FilesDeleted) != 2 {
		t.Fatalf("expected 2 deleted files, got %v", s.FilesDeleted)
	}
}

func TestErrorsDedupedAndCapped(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "Error: something broke %d\n", i)
	}
	// Duplicates should not count twice.
	b.WriteString("Error: something broke 0\n")

	s := Output(b.String())
	if len(s.Errors) != 15 {
		t.Errorf("errors should cap at 15, got %d", len(s.Errors))
	}
}

func TestErrorPatternVariants(t *testing.T) {
	raw := `
TypeError: cannot read property x
ENOENT: no such file or directory, open 'x.json'
src/app.ts(4,1): error TS2304: Cannot find name 'foo'.
panic: runtime error: index out of range
Traceback (most recent call last):
FAIL	github.com/example/pkg	0.051s
`
	s := Output(raw)
	if len(s.Errors) != 6 {
		t.Errorf("expected 6 errors, got %d: %v", len(s.Errors), s.Errors)
	}
}

func TestWarningsCapped(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "Warning: deprecated thing %d\n", i)
	}
	s := Output(b.String())
	if len(s.Warnings) != 8 {
		t.Errorf("warnings should cap at 8, got %d", len(s.Warnings))
	}
}

func TestJestCounts(t *testing.T) {
	raw := "Tests:       2 failed, 1 skipped, 14 passed, 17 total\n✕ renders the header\n"
	s := Output(raw)
	if s.Tests.Failed != 2 || s.Tests.Skipped != 1 || s.Tests.Passed != 14 {
		t.Errorf("jest counts wrong: %+v", s.Tests)
	}
	if len(s.Tests.Details) != 1 {
		t.Errorf("expected 1 failure detail, got %v", s.Tests.Details)
	}
}

func TestPytestCounts(t *testing.T) {
	raw := "==== 3 failed, 20 passed, 2 skipped in 4.12s ====\n"
	s := Output(raw)
	if s.Tests.Failed != 3 || s.Tests.Passed != 20 || s.Tests.Skipped != 2 {
		t.Errorf("pytest counts wrong: %+v", s.Tests)
	}
}

func TestGoTestCounts(t *testing.T) {
	raw := "--- PASS: TestA (0.00s)\n--- PASS: TestB (0.01s)\n--- FAIL: TestC (0.02s)\nFAIL\n"
	s := Output(raw)
	if s.Tests.Passed != 2 || s.Tests.Failed != 1 {
		t.Errorf("go test counts wrong: %+v", s.Tests)
	}
}

func TestJestWinsOverEmbeddedGoShape(t *testing.T) {
	// Framework precedence: the most specific shape wins even when a
	// go-test-looking line appears in quoted output.
	raw := "--- PASS: TestX (0.00s)\nTests:       1 failed, 5 passed, 6 total\n"
	s := Output(raw)
	if s.Tests.Passed != 5 || s.Tests.Failed != 1 {
		t.Errorf("jest should take precedence: %+v", s.Tests)
	}
}

func TestCommands(t *testing.T) {
	raw := "$ go build ./...\n> npm install\nRunning: go test ./...\n"
	s := Output(raw)
	if len(s.Commands) != 3 {
		t.Errorf("expected 3 commands, got %v", s.Commands)
	}
}

func TestDigestMentionsCounts(t *testing.T) {
	raw := "Error: boom\nCreated file: a.go\n"
	s := Output(raw)
	if !strings.Contains(s.Digest, "1 errors") || !strings.Contains(s.Digest, "1 files changed") {
		t.Errorf("digest missing counts: %q", s.Digest)
	}

	empty := Output("nothing interesting here")
	if !strings.Contains(empty.Digest, "No notable activity") {
		t.Errorf("empty digest wrong: %q", empty.Digest)
	}
}

func TestToContextRendersSections(t *testing.T) {
	s := Output("Error: compile failed\nCreated file: main.go\n$ go build ./...\n")
	ctx := ToContext(s, "")
	for _, want := range []string{"Previous Attempt Summary", "Errors", "Files changed", "Commands run"} {
		if !strings.Contains(ctx, want) {
			t.Errorf("context missing %q:\n%s", want, ctx)
		}
	}
}

func TestToContextRawTailFallback(t *testing.T) {
	s := Output("")
	// A marker byte that never appears in the rendered prose, so the
	// count isolates the fenced tail block.
	tail := strings.Repeat("@", 3000)
	ctx := ToContext(s, tail)
	if !strings.Contains(ctx, "Raw output tail") {
		t.Fatal("short context should append raw tail")
	}
	if strings.Count(ctx, "@") != rawTailBytes {
		t.Errorf("tail should be capped at %d bytes", rawTailBytes)
	}

	// A rich summary does not get the tail.
	rich := Output(strings.Repeat("Error: boom unique-", 1) + "\nCreated file: a.go\nCreated file: b.go\n$ make\nWarning: w\n")
	richCtx := ToContext(rich, tail)
	if len(richCtx) >= contextMinLength && strings.Contains(richCtx, "Raw output tail") {
		t.Error("long context should not append raw tail")
	}
}

func TestExtractSkills(t *testing.T) {
	raw := `
$ npm run build
$ npm test -- --watchAll=false
$ go test ./...
$ eslint src/
$ npm run build
`
	skills := ExtractSkills(raw)
	if len(skills.BuildCommands) != 1 {
		t.Errorf("build commands: %v", skills.BuildCommands)
	}
	if len(skills.TestCommands) != 2 {
		t.Errorf("test commands: %v", skills.TestCommands)
	}
	if len(skills.LintCommands) != 1 {
		t.Errorf("lint commands: %v", skills.LintCommands)
	}
}
