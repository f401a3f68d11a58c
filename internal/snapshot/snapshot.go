// Package snapshot captures pre-session workspace state and supports
// diffing and rollback against it. Git working trees get a lightweight
// tag; everything else falls back to a gzip tarball.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	hexec "github.com/haivemind/haivemind/internal/exec"
	"github.com/haivemind/haivemind/internal/git"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/pkg/models"
)

// tagPrefix namespaces session snapshot tags.
const tagPrefix = "haivemind/pre-session/"

// tarExcludes are never captured in tarball snapshots.
var tarExcludes = []string{".haivemind", "node_modules", ".git"}

// Diff describes workspace changes since the snapshot.
type Diff struct {
	Files []string `json:"files"`
	Stat  string   `json:"stat,omitempty"`
}

// Manager creates, rolls back, and diffs snapshots.
type Manager struct {
	git    git.Client
	runner hexec.CommandRunner
	log    *logger.Logger
}

// NewManager creates a snapshot manager.
func NewManager(gitClient git.Client, runner hexec.CommandRunner, log *logger.Logger) *Manager {
	return &Manager{git: gitClient, runner: runner, log: log.Named("snapshot")}
}

// Create captures the workspace state before a session starts. It never
// fails the session: when neither git nor tar can capture the state the
// snapshot degrades to none.
func (m *Manager) Create(ctx context.Context, workDir, sessionID string) models.SnapshotRef {
	if m.git.IsWorkTree(ctx, workDir) {
		tag := tagPrefix + sessionID
		err := m.git.CreateTag(ctx, workDir, tag)
		if err == nil {
			return models.SnapshotRef{Type: models.SnapshotGitTag, Ref: tag}
		}
		m.log.Warn("git tag snapshot failed, trying tarball", zap.Error(err))
	}

	path, err := m.createTarball(ctx, workDir, sessionID)
	if err != nil {
		m.log.Warn("tarball snapshot failed", zap.Error(err))
		return models.SnapshotRef{Type: models.SnapshotNone}
	}
	return models.SnapshotRef{Type: models.SnapshotTarball, Ref: path}
}

func (m *Manager) createTarball(ctx context.Context, workDir, sessionID string) (string, error) {
	dir := filepath.Join(workDir, ".haivemind", "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".tar.gz")

	args := []string{"-czf", path}
	for _, ex := range tarExcludes {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, ".")

	if out, err := m.runner.Run(ctx, workDir, "tar", args...); err != nil {
		return "", fmt.Errorf("tar snapshot: %w: %s", err, out)
	}
	return path, nil
}

// Rollback restores the workspace to the snapshot state.
func (m *Manager) Rollback(ctx context.Context, workDir string, ref models.SnapshotRef) error {
	switch ref.Type {
	case models.SnapshotGitTag:
		if err := m.git.ResetHard(ctx, workDir, ref.Ref); err != nil {
			return fmt.Errorf("rollback to tag %s: %w", ref.Ref, err)
		}
		if err := m.git.Clean(ctx, workDir); err != nil {
			return fmt.Errorf("clean after rollback: %w", err)
		}
		return nil
	case models.SnapshotTarball:
		if out, err := m.runner.Run(ctx, workDir, "tar", "-xzf", ref.Ref, "-C", workDir); err != nil {
			return fmt.Errorf("extract snapshot tarball: %w: %s", err, out)
		}
		return nil
	default:
		return fmt.Errorf("no snapshot to roll back to")
	}
}

// GetDiff reports changed and untracked files since a git-tag snapshot.
// Tarball and none snapshots cannot be diffed.
func (m *Manager) GetDiff(ctx context.Context, workDir string, ref models.SnapshotRef) (*Diff, error) {
	if ref.Type != models.SnapshotGitTag {
		return nil, fmt.Errorf("diff requires a git-tag snapshot, have %s", ref.Type)
	}

	changed, err := m.git.ChangedFiles(ctx, workDir, ref.Ref)
	if err != nil {
		return nil, fmt.Errorf("diff since %s: %w", ref.Ref, err)
	}
	stat, err := m.git.DiffStat(ctx, workDir, ref.Ref)
	if err != nil {
		return nil, fmt.Errorf("diff stat since %s: %w", ref.Ref, err)
	}
	untracked, err := m.git.UntrackedFiles(ctx, workDir)
	if err != nil {
		return nil, fmt.Errorf("untracked files: %w", err)
	}

	seen := make(map[string]bool, len(changed))
	files := changed
	for _, f := range changed {
		seen[f] = true
	}
	for _, f := range untracked {
		if !seen[f] {
			files = append(files, f)
		}
	}
	return &Diff{Files: files, Stat: stat}, nil
}

// Cleanup removes snapshot artifacts after a session is discarded.
func (m *Manager) Cleanup(ctx context.Context, workDir string, ref models.SnapshotRef) {
	switch ref.Type {
	case models.SnapshotGitTag:
		if err := m.git.DeleteTag(ctx, workDir, ref.Ref); err != nil {
			m.log.Debug("delete snapshot tag failed", zap.Error(err))
		}
	case models.SnapshotTarball:
		if err := os.Remove(ref.Ref); err != nil && !os.IsNotExist(err) {
			m.log.Debug("delete snapshot tarball failed", zap.Error(err))
		}
	}
}
