package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/summarize"
	"github.com/haivemind/haivemind/pkg/models"
)

// handleExit settles a task after its agent attempt finished.
func (r *Runner) handleExit(ctx context.Context, ev event) {
	r.mu.Lock()
	t, ok := r.tasks[ev.taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	st := r.states[ev.taskID]
	if st.Status != models.TaskStatusRunning {
		r.mu.Unlock()
		return
	}
	r.running--
	if ev.agent != nil {
		st.AgentIDs = append(st.AgentIDs, ev.agent.ID)
	}
	st.speculative = false

	switch {
	case ev.agent != nil && ev.agent.Status == models.AgentStatusSuccess:
		st.Status = models.TaskStatusSuccess
		st.CompletedAt = time.Now()
		r.mu.Unlock()
		r.broadcastTaskStatus(t, models.TaskStatusSuccess, nil)
		r.logTask("task succeeded", t.ID)

	case ev.agent != nil && ev.agent.Status == models.AgentStatusBlocked:
		// Cost ceiling or another pre-flight refusal: retrying would
		// only be refused again.
		st.Status = models.TaskStatusBlocked
		st.CompletedAt = time.Now()
		r.mu.Unlock()
		r.broadcastTaskStatus(t, models.TaskStatusBlocked, map[string]any{
			"reason": ev.agent.Reason,
		})
		r.logTask("task blocked pre-flight", t.ID)

	case ev.agent != nil && ev.agent.Status == models.AgentStatusInterrupted:
		// Shutdown in progress. Park the task; the checkpoint keeps it
		// resumable.
		st.Status = models.TaskStatusPending
		r.mu.Unlock()
		r.logTask("task interrupted by shutdown", t.ID)

	default:
		r.mu.Unlock()
		r.handleFailure(ctx, t, ev.agent)
	}
}

// handleFailure walks the retry/split/block ladder for a failed attempt.
func (r *Runner) handleFailure(ctx context.Context, t *models.Task, agent *models.Agent) {
	r.mu.Lock()
	st := r.states[t.ID]
	st.Retries++
	retries := st.Retries

	report := buildFailureReport(agent)
	st.FailureReports = append(st.FailureReports, report)
	if rc := renderRetryContext(agent); rc != "" {
		st.retryContexts = append(st.retryContexts, rc)
	}

	if retries >= r.maxRetries() {
		st.Status = models.TaskStatusBlocked
		st.CompletedAt = time.Now()
		r.mu.Unlock()
		r.broadcastTaskStatus(t, models.TaskStatusBlocked, map[string]any{
			"retries": retries,
			"reason":  report.Describe(),
		})
		r.log.Warn("task exhausted retries",
			zap.String("task_id", t.ID), zap.Int("retries", retries))
		return
	}

	splitEligible := r.cfg.SwarmEnabled &&
		r.opts.OrchestratorFn != nil &&
		retries == r.cfg.TaskSplitAfterRetries &&
		!r.splitCnt[t.ID]
	r.mu.Unlock()

	if splitEligible {
		if r.trySplitTask(ctx, t) {
			return
		}
	}

	r.mu.Lock()
	st.Status = models.TaskStatusPending
	r.mu.Unlock()
	r.broadcastTaskStatus(t, models.TaskStatusPending, map[string]any{
		"retries": retries,
		"retry":   true,
	})
	r.logTask("task requeued for retry", t.ID)
}

// buildFailureReport derives the structured report for one failed agent.
func buildFailureReport(agent *models.Agent) *models.FailureReport {
	report := &models.FailureReport{Category: "exit"}
	if agent == nil {
		report.Category = "spawn"
		return report
	}
	report.AgentID = agent.ID
	report.Summary = agent.Summary
	if report.Summary == nil {
		report.Summary = summarize.Output(agent.OutputText())
	}

	switch {
	case strings.HasPrefix(agent.Reason, "timeout"):
		report.Category = "timeout"
	case strings.HasPrefix(agent.Reason, "spawn"):
		report.Category = "spawn"
	case agent.Status == models.AgentStatusBlocked:
		report.Category = "ceiling"
	}

	if len(report.Summary.Errors) > 0 {
		report.SuggestedFix = "address: " + report.Summary.Errors[0]
	} else if report.Summary.Tests.Failed > 0 {
		report.SuggestedFix = fmt.Sprintf("fix %d failing tests", report.Summary.Tests.Failed)
	}
	return report
}

// trySplitTask decomposes a repeatedly failing task into a sub-plan that
// replaces it. Runs at most once per task regardless of outcome; returns
// false to fall through to a normal retry.
func (r *Runner) trySplitTask(ctx context.Context, parent *models.Task) bool {
	r.mu.Lock()
	if r.splitCnt[parent.ID] {
		r.mu.Unlock()
		return false
	}
	r.splitCnt[parent.ID] = true
	r.mu.Unlock()

	subs, err := r.opts.OrchestratorFn(ctx, splitPrompt(parent), r.opts.WorkDir)
	if err != nil {
		r.log.Warn("task split failed",
			zap.String("task_id", parent.ID), zap.Error(err))
		return false
	}
	if len(subs) < 2 {
		r.log.Warn("task split returned too few sub-tasks",
			zap.String("task_id", parent.ID), zap.Int("count", len(subs)))
		return false
	}

	// Namespace the sub-plan and rewrite its internal dependencies.
	rename := make(map[string]string, len(subs))
	for _, sub := range subs {
		rename[sub.ID] = parent.ID + "-split-" + sub.ID
	}
	for _, sub := range subs {
		sub.ID = rename[sub.ID]
		deps := sub.Dependencies[:0]
		for _, dep := range sub.Dependencies {
			if renamed, internal := rename[dep]; internal {
				deps = append(deps, renamed)
			}
		}
		sub.Dependencies = deps
	}

	// Roots inherit the parent's dependencies; leaves replace the parent
	// in every downstream dependency list.
	dependedOn := make(map[string]bool)
	for _, sub := range subs {
		for _, dep := range sub.Dependencies {
			dependedOn[dep] = true
		}
	}
	var leaves []string
	var subIDs []string
	for _, sub := range subs {
		subIDs = append(subIDs, sub.ID)
		if len(sub.Dependencies) == 0 {
			sub.Dependencies = append(sub.Dependencies, parent.Dependencies...)
		}
		if !dependedOn[sub.ID] {
			leaves = append(leaves, sub.ID)
		}
	}

	r.mu.Lock()
	for _, id := range r.order {
		t := r.tasks[id]
		if !t.DependsOn(parent.ID) {
			continue
		}
		deps := make([]string, 0, len(t.Dependencies)+len(leaves)-1)
		for _, dep := range t.Dependencies {
			if dep == parent.ID {
				deps = append(deps, leaves...)
				continue
			}
			deps = append(deps, dep)
		}
		t.Dependencies = deps
	}

	for _, sub := range subs {
		r.tasks[sub.ID] = sub
		r.order = append(r.order, sub.ID)
		r.states[sub.ID] = &TaskState{Status: models.TaskStatusPending}
	}

	pst := r.states[parent.ID]
	pst.Status = models.TaskStatusSuccess
	pst.CompletedAt = time.Now()

	r.stats.TaskSplits++
	r.stats.TotalTasks = len(r.tasks)
	r.totalWaves = 0
	if err := r.computeWaves(); err != nil {
		// The sub-plan introduced a cycle; block the subs rather than
		// wedge the session.
		for _, sub := range subs {
			r.states[sub.ID].Status = models.TaskStatusBlocked
		}
		r.mu.Unlock()
		r.log.Error("split sub-plan has a cycle", zap.String("task_id", parent.ID))
		return true
	}
	r.stats.TotalWaves = r.totalWaves
	r.mu.Unlock()

	r.opts.Broadcast.Broadcast(protocol.New(protocol.TaskSplit, map[string]any{
		"sessionId":  r.opts.SessionID,
		"taskId":     parent.ID,
		"subTaskIds": subIDs,
	}))
	r.opts.Broadcast.Broadcast(protocol.New(protocol.PlanCreated, map[string]any{
		"sessionId": r.opts.SessionID,
		"append":    true,
		"splitFrom": parent.ID,
		"tasks":     subs,
		"edges":     models.BuildEdges(subs),
	}))
	r.broadcastTaskStatus(parent, models.TaskStatusSuccess, map[string]any{
		"delegated": true,
	})
	if r.opts.OnPlanAppend != nil {
		r.opts.OnPlanAppend(subs)
	}

	r.log.Info("split task into sub-plan",
		zap.String("task_id", parent.ID), zap.Strings("sub_tasks", subIDs))
	return true
}

// splitPrompt asks the planner to decompose a failing task.
func splitPrompt(t *models.Task) string {
	var b strings.Builder
	b.WriteString("The following task has failed repeatedly. Split it into 2-4 smaller, ")
	b.WriteString("independently verifiable sub-tasks that together accomplish it.\n\n")
	fmt.Fprintf(&b, "# Task: %s\n\n%s\n", t.Label, t.Description)
	return b.String()
}
