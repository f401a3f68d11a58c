package snapshot

import (
	"context"
	"strings"
	"testing"

	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/pkg/models"
)

// fakeGit records calls and simulates a configurable repository.
type fakeGit struct {
	isRepo    bool
	tagErr    error
	tags      []string
	resets    []string
	cleaned   bool
	changed   []string
	untracked []string
}

func (f *fakeGit) IsWorkTree(ctx context.Context, dir string) bool { return f.isRepo }

func (f *fakeGit) CreateTag(ctx context.Context, dir, name string) error {
	if f.tagErr != nil {
		return f.tagErr
	}
	f.tags = append(f.tags, name)
	return nil
}

func (f *fakeGit) DeleteTag(ctx context.Context, dir, name string) error { return nil }

func (f *fakeGit) ResetHard(ctx context.Context, dir, ref string) error {
	f.resets = append(f.resets, ref)
	return nil
}

func (f *fakeGit) Clean(ctx context.Context, dir string) error {
	f.cleaned = true
	return nil
}

func (f *fakeGit) ChangedFiles(ctx context.Context, dir, ref string) ([]string, error) {
	return f.changed, nil
}

func (f *fakeGit) DiffStat(ctx context.Context, dir, ref string) (string, error) {
	return "2 files changed", nil
}

func (f *fakeGit) UntrackedFiles(ctx context.Context, dir string) ([]string, error) {
	return f.untracked, nil
}

// fakeRunner records shell-outs without executing them.
type fakeRunner struct {
	calls [][]string
	fail  bool
}

func (f *fakeRunner) Run(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return nil, nil
}

func (f *fakeRunner) Output(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	return f.Run(ctx, workDir, name, args...)
}

func (f *fakeRunner) Exists(ctx context.Context, workDir, path string) bool { return false }

func TestCreatePrefersGitTag(t *testing.T) {
	g := &fakeGit{isRepo: true}
	m := NewManager(g, &fakeRunner{}, logger.Nop())

	ref := m.Create(context.Background(), t.TempDir(), "sess-1")

	if ref.Type != models.SnapshotGitTag {
		t.Fatalf("expected git-tag, got %s", ref.Type)
	}
	if ref.Ref != "haivemind/pre-session/sess-1" {
		t.Errorf("unexpected tag name %q", ref.Ref)
	}
}

func TestCreateFallsBackToTarball(t *testing.T) {
	g := &fakeGit{isRepo: false}
	r := &fakeRunner{}
	m := NewManager(g, r, logger.Nop())

	ref := m.Create(context.Background(), t.TempDir(), "sess-1")

	if ref.Type != models.SnapshotTarball {
		t.Fatalf("expected tarball, got %s", ref.Type)
	}
	if len(r.calls) != 1 || r.calls[0][0] != "tar" {
		t.Fatalf("expected tar invocation, got %v", r.calls)
	}
	joined := strings.Join(r.calls[0], " ")
	for _, ex := range []string{".haivemind", "node_modules", ".git"} {
		if !strings.Contains(joined, "--exclude="+ex) {
			t.Errorf("tar should exclude %s: %s", ex, joined)
		}
	}
}

func TestCreateDegradesToNone(t *testing.T) {
	m := NewManager(&fakeGit{}, &fakeRunner{fail: true}, logger.Nop())
	ref := m.Create(context.Background(), t.TempDir(), "sess-1")
	if ref.Type != models.SnapshotNone {
		t.Errorf("expected none, got %s", ref.Type)
	}
}

func TestRollbackGitTag(t *testing.T) {
	g := &fakeGit{isRepo: true}
	m := NewManager(g, &fakeRunner{}, logger.Nop())

	ref := models.SnapshotRef{Type: models.SnapshotGitTag, Ref: "haivemind/pre-session/s1"}
	if err := m.Rollback(context.Background(), "/work", ref); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(g.resets) != 1 || g.resets[0] != ref.Ref {
		t.Errorf("expected reset to tag, got %v", g.resets)
	}
	if !g.cleaned {
		t.Error("rollback should clean untracked files")
	}
}

func TestRollbackNoneFails(t *testing.T) {
	m := NewManager(&fakeGit{}, &fakeRunner{}, logger.Nop())
	if err := m.Rollback(context.Background(), "/w", models.SnapshotRef{Type: models.SnapshotNone}); err == nil {
		t.Error("rollback without snapshot should fail")
	}
}

func TestGetDiffMergesUntracked(t *testing.T) {
	g := &fakeGit{
		isRepo:    true,
		changed:   []string{"a.go", "b.go"},
		untracked: []string{"b.go", "c.go"},
	}
	m := NewManager(g, &fakeRunner{}, logger.Nop())

	diff, err := m.GetDiff(context.Background(), "/w", models.SnapshotRef{Type: models.SnapshotGitTag, Ref: "t"})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diff.Files) != 3 {
		t.Errorf("expected deduplicated merge of 3 files, got %v", diff.Files)
	}
	if diff.Stat == "" {
		t.Error("stat missing")
	}
}
