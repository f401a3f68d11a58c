package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/haivemind/haivemind/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSession(id, slug string, status models.SessionStatus, completed *time.Time) *models.Session {
	return &models.Session{
		ID:          id,
		ProjectSlug: slug,
		Prompt:      "build things",
		Status:      status,
		Plan:        []*models.Task{{ID: "a"}, {ID: "b"}},
		CostSummary: &models.CostSummary{Total: 3.5},
		StartedAt:   time.Now().Add(-time.Hour),
		CompletedAt: completed,
	}
}

func TestIndexAndListSessions(t *testing.T) {
	db := openTestDB(t)

	now := time.Now()
	if err := db.IndexSession(testSession("s1", "demo", models.SessionStatusCompleted, &now)); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := db.IndexSession(testSession("s2", "other", models.SessionStatusFailed, &now)); err != nil {
		t.Fatalf("index: %v", err)
	}

	all, err := db.Sessions("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}

	demo, err := db.Sessions("demo")
	if err != nil {
		t.Fatal(err)
	}
	if len(demo) != 1 || demo[0].ID != "s1" {
		t.Errorf("project filter wrong: %+v", demo)
	}
	if demo[0].TaskCount != 2 || demo[0].Cost != 3.5 {
		t.Errorf("row fields wrong: %+v", demo[0])
	}
	if demo[0].CompletedAt == nil {
		t.Error("completed_at lost")
	}
}

func TestIndexSessionUpsert(t *testing.T) {
	db := openTestDB(t)

	s := testSession("s1", "demo", models.SessionStatusRunning, nil)
	if err := db.IndexSession(s); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	s.Status = models.SessionStatusCompleted
	s.CompletedAt = &now
	if err := db.IndexSession(s); err != nil {
		t.Fatal(err)
	}

	row, err := db.Session("s1")
	if err != nil || row == nil {
		t.Fatalf("get: %v %v", row, err)
	}
	if row.Status != "completed" {
		t.Errorf("upsert did not replace status: %s", row.Status)
	}

	missing, err := db.Session("nope")
	if err != nil || missing != nil {
		t.Errorf("missing session should be nil, nil: %v %v", missing, err)
	}
}

func TestReflectionsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	r := &models.Reflection{
		SessionID:    "s1",
		Status:       models.SessionStatusCompleted,
		DurationMs:   1234,
		TaskCount:    5,
		SuccessCount: 4,
		FailCount:    1,
		RetryRate:    0.4,
		CostSummary:  &models.CostSummary{Total: 7},
	}
	if err := db.IndexReflection("demo", r); err != nil {
		t.Fatalf("index reflection: %v", err)
	}

	got, err := db.Reflections("demo")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 reflection, got %d", len(got))
	}
	if got[0].SuccessCount != 4 || got[0].RetryRate != 0.4 {
		t.Errorf("reflection fields wrong: %+v", got[0])
	}
	if got[0].CostSummary == nil || got[0].CostSummary.Total != 7 {
		t.Errorf("cost lost: %+v", got[0].CostSummary)
	}
}

func TestPurgeOldSessions(t *testing.T) {
	db := openTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	if err := db.IndexSession(testSession("old", "demo", models.SessionStatusCompleted, &old)); err != nil {
		t.Fatal(err)
	}
	if err := db.IndexSession(testSession("fresh", "demo", models.SessionStatusCompleted, &fresh)); err != nil {
		t.Fatal(err)
	}
	if err := db.IndexSession(testSession("running", "demo", models.SessionStatusRunning, nil)); err != nil {
		t.Fatal(err)
	}

	n, err := db.PurgeOldSessions(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}

	rows, _ := db.Sessions("demo")
	if len(rows) != 2 {
		t.Errorf("expected 2 remaining, got %d", len(rows))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	// Re-opening runs migrate again against the existing schema.
	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db.Close()
}
