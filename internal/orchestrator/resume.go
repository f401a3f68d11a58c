package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/recovery"
	"github.com/haivemind/haivemind/pkg/models"
)

// ResumeSession re-runs an interrupted session from its inbox record.
// Tasks that already succeeded are carried over as settled dependencies;
// the rest execute on a fresh session holding the same workspace.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	cp, err := recovery.Get(o.projects.BaseDir(), sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("interrupted session %s not found", sessionID)
	}

	done := make(map[string]bool, len(cp.Tasks))
	for _, t := range cp.Tasks {
		if t.Status == string(models.TaskStatusSuccess) {
			done[t.ID] = true
		}
	}

	var plan []*models.Task
	for _, t := range cp.Tasks {
		if done[t.ID] {
			continue
		}
		// Settled dependencies are dropped; the runner treats unknown
		// deps as owned by an earlier run.
		var deps []string
		for _, dep := range t.Dependencies {
			if !done[dep] {
				deps = append(deps, dep)
			}
		}
		plan = append(plan, &models.Task{
			ID:           t.ID,
			Label:        t.Label,
			Dependencies: deps,
		})
	}
	if len(plan) == 0 {
		// Everything already succeeded; just clear the inbox.
		return nil, recovery.Discard(o.projects.BaseDir(), sessionID)
	}

	session, err := o.StartSession(ctx, cp.Prompt, cp.ProjectSlug, plan)
	if err != nil {
		return session, err
	}
	if err := recovery.Discard(o.projects.BaseDir(), sessionID); err != nil {
		o.log.Warn("failed to discard resumed inbox entry",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return session, nil
}
