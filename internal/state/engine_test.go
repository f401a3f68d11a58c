package state

import (
	"errors"
	"testing"
	"time"

	"github.com/haivemind/haivemind/pkg/models"
)

func TestLockExclusivity(t *testing.T) {
	e := NewEngine()

	if err := e.AcquireLock("/work/a", "s1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	err := e.AcquireLock("/work/a", "s2")
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	// Re-acquire by the holder is a no-op.
	if err := e.AcquireLock("/work/a", "s1"); err != nil {
		t.Errorf("holder re-acquire should succeed: %v", err)
	}

	// A different workspace is independent.
	if err := e.AcquireLock("/work/b", "s2"); err != nil {
		t.Errorf("unrelated workspace should lock: %v", err)
	}
}

func TestReleaseLockByNonHolderIsNoop(t *testing.T) {
	e := NewEngine()
	if err := e.AcquireLock("/work/a", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	e.ReleaseLock("/work/a", "s2")
	if holder := e.LockHolder("/work/a"); holder != "s1" {
		t.Errorf("expected s1 to still hold lock, got %q", holder)
	}

	e.ReleaseLock("/work/a", "s1")
	if holder := e.LockHolder("/work/a"); holder != "" {
		t.Errorf("expected lock released, got %q", holder)
	}
}

func TestTaskToSessionIndex(t *testing.T) {
	e := NewEngine()
	s := &models.Session{ID: "s1", ProjectSlug: "demo"}
	e.AddSession(s)
	e.IndexTasks("s1", []*models.Task{{ID: "t1"}, {ID: "t2"}})

	if got := e.SessionForTask("t1"); got != s {
		t.Error("expected t1 to resolve to s1")
	}
	if got := e.SessionForTask("unknown"); got != nil {
		t.Error("expected nil for unindexed task")
	}
}

func TestPruneRemovesOldFinalizedSessions(t *testing.T) {
	e := NewEngine()

	old := time.Now().Add(-2 * time.Hour)
	done := &models.Session{ID: "done", Status: models.SessionStatusCompleted, CompletedAt: &old}
	running := &models.Session{ID: "live", Status: models.SessionStatusRunning}
	recent := time.Now()
	fresh := &models.Session{ID: "fresh", Status: models.SessionStatusFailed, CompletedAt: &recent}

	e.AddSession(done)
	e.AddSession(running)
	e.AddSession(fresh)
	e.IndexTasks("done", []*models.Task{{ID: "t1"}})

	if n := e.Prune(time.Hour); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if e.Session("done") != nil {
		t.Error("expected finalized old session removed")
	}
	if e.Session("live") == nil || e.Session("fresh") == nil {
		t.Error("expected running and fresh sessions retained")
	}
	if e.SessionForTask("t1") != nil {
		t.Error("expected task index entry removed with its session")
	}
}

func TestActiveContextRouting(t *testing.T) {
	e := NewEngine()
	ctx := &ActiveContext{SessionID: "s1", ProjectSlug: "demo"}
	e.SetActive(ctx)

	if got := e.ActiveForProject("demo"); got != ctx {
		t.Error("expected active context by project slug")
	}
	if got := e.ActiveForProject("other"); got != nil {
		t.Error("expected nil for project without active session")
	}

	e.ClearActive("s1")
	if got := e.Active("s1"); got != nil {
		t.Error("expected context cleared")
	}
}
