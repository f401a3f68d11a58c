// Package recovery lifts crash-orphaned checkpoints into the
// interrupted-sessions inbox at startup, from which observers can
// resume or discard them.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/checkpoint"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/pkg/models"
)

// InboxDir returns the interrupted-sessions inbox directory.
func InboxDir(baseDir string) string {
	return filepath.Join(baseDir, ".haivemind", "interrupted")
}

func inboxPath(baseDir, sessionID string) string {
	return filepath.Join(InboxDir(baseDir), sessionID+".json")
}

// Sweep scans every project's checkpoints for sessions that were still
// running when the process died, marks them interrupted, and moves them
// into the inbox. Returns the migrated checkpoints.
func Sweep(baseDir string, projectDirs []string, log *logger.Logger) ([]*checkpoint.Checkpoint, error) {
	log = log.Named("recovery")

	cps, err := checkpoint.ReadAll(projectDirs)
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}

	var migrated []*checkpoint.Checkpoint
	for _, cp := range cps {
		if cp.Status != models.SessionStatusRunning && cp.Status != models.SessionStatusPlanning {
			continue
		}
		cp.Status = models.SessionStatusInterrupted
		if err := writeInbox(baseDir, cp); err != nil {
			log.Warn("failed to move checkpoint to inbox",
				zap.String("session_id", cp.SessionID), zap.Error(err))
			continue
		}
		for _, projectDir := range projectDirs {
			if _, statErr := os.Stat(checkpoint.Path(projectDir, cp.SessionID)); statErr == nil {
				checkpoint.Delete(projectDir, cp.SessionID)
			}
		}
		log.Info("recovered orphaned session",
			zap.String("session_id", cp.SessionID),
			zap.String("project", cp.ProjectSlug))
		migrated = append(migrated, cp)
	}
	return migrated, nil
}

// WriteInterrupted records a session interrupted by graceful shutdown.
func WriteInterrupted(baseDir string, cp *checkpoint.Checkpoint) error {
	cp.Status = models.SessionStatusInterrupted
	return writeInbox(baseDir, cp)
}

func writeInbox(baseDir string, cp *checkpoint.Checkpoint) error {
	if err := os.MkdirAll(InboxDir(baseDir), 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal interrupted session %s: %w", cp.SessionID, err)
	}
	if err := os.WriteFile(inboxPath(baseDir, cp.SessionID), data, 0o644); err != nil {
		return fmt.Errorf("write interrupted session %s: %w", cp.SessionID, err)
	}
	return nil
}

// List returns every session in the inbox.
func List(baseDir string) ([]*checkpoint.Checkpoint, error) {
	entries, err := os.ReadDir(InboxDir(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	var out []*checkpoint.Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cp, err := checkpoint.Read(filepath.Join(InboxDir(baseDir), entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Get returns one inbox entry, or nil when absent.
func Get(baseDir, sessionID string) (*checkpoint.Checkpoint, error) {
	cp, err := checkpoint.Read(inboxPath(baseDir, sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return cp, nil
}

// Discard removes an inbox entry.
func Discard(baseDir, sessionID string) error {
	err := os.Remove(inboxPath(baseDir, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard interrupted session %s: %w", sessionID, err)
	}
	return nil
}
