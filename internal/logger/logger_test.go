package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSessionFileWritesDebugEntries(t *testing.T) {
	dir := t.TempDir()

	base := Nop()
	slog, closeLog, err := base.SessionFile(dir, "sess-1")
	if err != nil {
		t.Fatalf("SessionFile: %v", err)
	}

	slog.Debug("agent spawned")
	slog.Info("task done")
	closeLog()

	data, err := os.ReadFile(filepath.Join(dir, ".haivemind", "logs", "sess-1.log"))
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "agent spawned") || !strings.Contains(out, "task done") {
		t.Errorf("session log missing entries: %q", out)
	}
}

func TestSessionFileAppends(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		slog, closeLog, err := Nop().SessionFile(dir, "sess-2")
		if err != nil {
			t.Fatalf("SessionFile: %v", err)
		}
		slog.Info("entry")
		closeLog()
	}

	data, err := os.ReadFile(filepath.Join(dir, ".haivemind", "logs", "sess-2.log"))
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if n := strings.Count(string(data), "entry"); n != 2 {
		t.Errorf("expected 2 entries across reopens, got %d", n)
	}
}

func TestNewFallsBackOnUnknownLevel(t *testing.T) {
	l := New(Config{Level: "shouty", Format: "json"})
	if l == nil {
		t.Fatal("expected a logger")
	}
	l.Info("still works")
}
