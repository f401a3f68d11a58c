package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/pkg/models"
)

// HandleChatMessage extends a running session's DAG with a new chat
// iteration. Rejected while a previous iteration is still executing.
func (h *sessionHandle) HandleChatMessage(message string) error {
	h.mu.Lock()
	if h.inFlight {
		h.mu.Unlock()
		return ErrIterationInFlight
	}
	h.inFlight = true
	h.iteration++
	n := h.iteration
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			h.inFlight = false
			h.mu.Unlock()
		}()
		if err := h.orch.runIteration(context.Background(), h, n, message); err != nil {
			h.orch.log.WithSession(h.session.ID).Error("chat iteration failed",
				zap.Int("iteration", n), zap.Error(err))
			h.orch.bc.Broadcast(protocol.New(protocol.SessionError, map[string]any{
				"sessionId": h.session.ID,
				"iteration": n,
				"error":     err.Error(),
			}))
		}
	}()
	return nil
}

// runIteration decomposes the chat message against the current plan,
// bridges it through a synthetic prompt node, executes the new subset,
// and re-runs verification on the merged plan.
func (o *Orchestrator) runIteration(ctx context.Context, h *sessionHandle, n int, message string) error {
	session := h.session
	log := o.log.WithSession(session.ID)

	o.bc.Broadcast(protocol.New(protocol.IterationStart, map[string]any{
		"sessionId": session.ID,
		"iteration": n,
		"message":   message,
	}))

	h.mu.Lock()
	leaves := session.Leaves()
	h.mu.Unlock()

	planCtx, cancel := context.WithTimeout(ctx, o.cfg.OrchestratorTimeout)
	tasks, err := o.decompose(planCtx, iterationPrompt(session.Prompt, message), session.WorkDir, DecomposeOptions{
		Skills:            h.project.Skills,
		WorkspaceAnalysis: h.project.WorkspaceAnalysis,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("iteration planning: %w", err)
	}
	if len(tasks) == 0 {
		return fmt.Errorf("iteration %d: planner returned no tasks", n)
	}

	// Namespace the new subset and bridge it on the previous leaves via
	// a synthetic prompt node.
	rename := make(map[string]string, len(tasks))
	for _, t := range tasks {
		rename[t.ID] = fmt.Sprintf("iter-%d-%s", n, t.ID)
	}
	promptNode := &models.Task{
		ID:           fmt.Sprintf("__prompt_%d__", n),
		Label:        fmt.Sprintf("Iteration %d prompt", n),
		Description:  message,
		Type:         models.TaskTypePrompt,
		Dependencies: leaves,
	}
	for _, t := range tasks {
		t.ID = rename[t.ID]
		deps := t.Dependencies[:0]
		for _, dep := range t.Dependencies {
			if renamed, internal := rename[dep]; internal {
				deps = append(deps, renamed)
			}
		}
		t.Dependencies = deps
		if len(t.Dependencies) == 0 {
			t.Dependencies = append(t.Dependencies, promptNode.ID)
		}
	}

	subset := append([]*models.Task{promptNode}, tasks...)

	h.mu.Lock()
	session.Plan = append(session.Plan, subset...)
	session.Edges = models.BuildEdges(session.Plan)
	h.mu.Unlock()
	o.engine.IndexTasks(session.ID, subset)

	o.bc.Broadcast(protocol.New(protocol.PlanCreated, map[string]any{
		"sessionId": session.ID,
		"append":    true,
		"iteration": n,
		"tasks":     subset,
		"edges":     models.BuildEdges(subset),
	}))

	res, err := o.execute(ctx, h, subset)
	if err != nil {
		return fmt.Errorf("iteration %d execution: %w", n, err)
	}

	verification, err := o.verifyFix(ctx, h)
	if err != nil {
		log.Warn("iteration verify-fix aborted", zap.Error(err))
	}

	payload := map[string]any{
		"sessionId": session.ID,
		"iteration": n,
		"status":    res.Status,
	}
	if verification != nil {
		payload["verification"] = verification
	}
	o.bc.Broadcast(protocol.New(protocol.IterationComplete, payload))
	o.bc.Broadcast(protocol.New(protocol.ChatResponse, map[string]any{
		"sessionId": session.ID,
		"iteration": n,
		"message":   fmt.Sprintf("Iteration %d %s: %d tasks executed.", n, res.Status, len(tasks)),
	}))
	return nil
}

// iterationPrompt frames a chat message in the context of the original
// request.
func iterationPrompt(original, message string) string {
	var b strings.Builder
	b.WriteString("The user has a follow-up request for work already in progress.\n\n")
	fmt.Fprintf(&b, "# Original request\n\n%s\n\n# Follow-up\n\n%s\n", original, message)
	return b.String()
}
