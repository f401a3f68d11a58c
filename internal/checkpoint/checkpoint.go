// Package checkpoint persists periodic JSON snapshots of in-flight
// sessions so a crash leaves something to recover from.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haivemind/haivemind/pkg/models"
)

// timelineTail is how many trailing timeline events a checkpoint keeps.
const timelineTail = 200

// TaskSnapshot is the per-task slice of a checkpoint.
type TaskSnapshot struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Status       string   `json:"status"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Checkpoint is the crash-recovery record for one session.
type Checkpoint struct {
	SessionID   string                 `json:"sessionId"`
	ProjectSlug string                 `json:"projectSlug"`
	Status      models.SessionStatus   `json:"status"`
	Prompt      string                 `json:"prompt"`
	WorkDir     string                 `json:"workDir"`
	Snapshot    models.SnapshotRef     `json:"snapshot"`
	Tasks       []TaskSnapshot         `json:"tasks"`
	Timeline    []models.TimelineEvent `json:"timeline,omitempty"`
	SavedAt     time.Time              `json:"savedAt"`
}

// Build assembles a checkpoint from a session and the runner's task
// statuses. statusOf may be nil when no runner is live yet.
func Build(s *models.Session, statusOf func(taskID string) models.TaskStatus) *Checkpoint {
	cp := &Checkpoint{
		SessionID:   s.ID,
		ProjectSlug: s.ProjectSlug,
		Status:      s.Status,
		Prompt:      s.Prompt,
		WorkDir:     s.WorkDir,
		Snapshot:    s.Snapshot,
		Timeline:    s.TailEvents(timelineTail),
		SavedAt:     time.Now(),
	}
	for _, t := range s.Plan {
		status := models.TaskStatusPending
		if statusOf != nil {
			status = statusOf(t.ID)
		}
		cp.Tasks = append(cp.Tasks, TaskSnapshot{
			ID:           t.ID,
			Label:        t.Label,
			Status:       string(status),
			Dependencies: t.Dependencies,
		})
	}
	return cp
}

// Dir returns a project's checkpoint directory.
func Dir(projectDir string) string {
	return filepath.Join(projectDir, ".haivemind", "checkpoints")
}

// Path returns the checkpoint file path for a session.
func Path(projectDir, sessionID string) string {
	return filepath.Join(Dir(projectDir), sessionID+".json")
}

// Write persists a checkpoint atomically (temp file + rename).
func Write(projectDir string, cp *Checkpoint) error {
	dir := Dir(projectDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.SessionID, err)
	}

	tmp := Path(projectDir, cp.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp.SessionID, err)
	}
	if err := os.Rename(tmp, Path(projectDir, cp.SessionID)); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", cp.SessionID, err)
	}
	return nil
}

// Delete removes a session's checkpoint. Missing files are fine.
func Delete(projectDir, sessionID string) error {
	err := os.Remove(Path(projectDir, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint %s: %w", sessionID, err)
	}
	return nil
}

// Read loads one checkpoint file.
func Read(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// ReadAll scans the checkpoint directories of every known project.
func ReadAll(projectDirs []string) ([]*Checkpoint, error) {
	var out []*Checkpoint
	for _, projectDir := range projectDirs {
		entries, err := os.ReadDir(Dir(projectDir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan checkpoints in %s: %w", projectDir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			cp, err := Read(filepath.Join(Dir(projectDir), entry.Name()))
			if err != nil {
				// A torn checkpoint from a crash mid-write is skipped,
				// not fatal.
				continue
			}
			out = append(out, cp)
		}
	}
	return out, nil
}
