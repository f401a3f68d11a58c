package runner

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/pkg/models"
)

// dataDepKeywords is the closed set of phrases that mark a dependent's
// description as truly consuming the upstream task's output.
var dataDepKeywords = []string{
	"uses output of",
	"reads from",
	"depends on data from",
	"imports from",
	"requires result",
	"consumes",
	"reads output",
	"needs file from",
	"generated by",
}

// hasTrueDataDependency scans the dependent's description for data-dep
// phrasing. Any keyword preserves the edge regardless of which upstream
// task it names; only keyword-free descriptions are safe to decouple.
func hasTrueDataDependency(description string) bool {
	desc := strings.ToLower(description)
	for _, kw := range dataDepKeywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

// checkForStalls removes dependency edges from long-running tasks to
// pending dependents that do not consume their output, so the swarm
// keeps moving while the staller finishes on its own time.
func (r *Runner) checkForStalls(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var removed []RewriteRecord
	for _, id := range r.order {
		st := r.states[id]
		if st.Status != models.TaskStatusRunning {
			continue
		}
		if now.Sub(st.StartedAt) < r.cfg.StallThreshold {
			continue
		}
		staller := r.tasks[id]

		for _, depID := range r.order {
			dep := r.tasks[depID]
			if r.states[depID].Status != models.TaskStatusPending || !dep.DependsOn(staller.ID) {
				continue
			}
			if hasTrueDataDependency(dep.Description) {
				continue
			}

			deps := dep.Dependencies[:0]
			for _, d := range dep.Dependencies {
				if d != staller.ID {
					deps = append(deps, d)
				}
			}
			dep.Dependencies = deps

			rec := RewriteRecord{
				From:      staller.ID,
				To:        dep.ID,
				FromLabel: staller.Label,
				ToLabel:   dep.Label,
				Reason:    "no data dependency detected on stalled task",
				Timestamp: now,
			}
			r.rewrites = append(r.rewrites, rec)
			r.stats.DAGRewrites++
			removed = append(removed, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range removed {
		r.opts.Broadcast.Broadcast(protocol.New(protocol.DAGRewrite, map[string]any{
			"sessionId": r.opts.SessionID,
			"removedEdge": map[string]any{
				"from":      rec.From,
				"to":        rec.To,
				"fromLabel": rec.FromLabel,
				"toLabel":   rec.ToLabel,
			},
			"reason":    rec.Reason,
			"timestamp": rec.Timestamp,
		}))
		r.log.Info("removed stalled dependency edge",
			zap.String("from", rec.From), zap.String("to", rec.To))
	}

	if len(removed) > 0 {
		r.scheduleEligible(ctx)
	}
}

// handleGate applies a human gate resolution delivered by ResolveGate.
func (r *Runner) handleGate(ev event) {
	r.mu.Lock()
	t, ok := r.tasks[ev.taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	st := r.states[ev.taskID]
	if st.Status != models.TaskStatusGated {
		r.mu.Unlock()
		return
	}

	if ev.approved {
		if ev.feedback != "" {
			t.Description = t.Description + "\n\n## Human Feedback\n\n" + ev.feedback
		}
		st.Status = models.TaskStatusPending
		r.mu.Unlock()
		r.opts.Broadcast.Broadcast(protocol.New(protocol.GateResponse, map[string]any{
			"sessionId": r.opts.SessionID,
			"taskId":    t.ID,
			"approved":  true,
		}))
		r.logTask("gate approved", t.ID)
		return
	}

	st.Status = models.TaskStatusBlocked
	st.CompletedAt = time.Now()
	r.mu.Unlock()
	r.opts.Broadcast.Broadcast(protocol.New(protocol.GateResponse, map[string]any{
		"sessionId": r.opts.SessionID,
		"taskId":    t.ID,
		"approved":  false,
	}))
	r.broadcastTaskStatus(t, models.TaskStatusBlocked, map[string]any{
		"reason": "gate rejected",
	})
	r.logTask("gate rejected", t.ID)
}
