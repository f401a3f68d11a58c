package runner

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/summarize"
	"github.com/haivemind/haivemind/pkg/models"
)

// computeWaves assigns each task its longest-path-from-root depth. Wave 0
// holds tasks with no dependencies; wave N holds tasks whose deps all sit
// in waves below N. Tasks left unassigned after draining form a cycle.
func (r *Runner) computeWaves() error {
	r.waves = make(map[string]int, len(r.tasks))

	assigned := 0
	for assigned < len(r.tasks) {
		progressed := false
		for _, id := range r.order {
			if _, done := r.waves[id]; done {
				continue
			}
			t := r.tasks[id]
			wave := 0
			ready := true
			for _, dep := range t.Dependencies {
				dw, ok := r.waves[dep]
				if !ok {
					if _, known := r.tasks[dep]; known {
						ready = false
						break
					}
					// Dependencies outside this runner's subset are
					// owned by an earlier run and treated as settled.
					continue
				}
				if dw+1 > wave {
					wave = dw + 1
				}
			}
			if !ready {
				continue
			}
			r.waves[id] = wave
			if wave+1 > r.totalWaves {
				r.totalWaves = wave + 1
			}
			assigned++
			progressed = true
		}
		if !progressed {
			return ErrCycleDetected
		}
	}
	return nil
}

// baseCap is the static concurrency cap before dynamic scaling.
func (r *Runner) baseCap() int {
	if r.opts.Project != nil && r.opts.Project.Settings.MaxConcurrency > 0 {
		return r.opts.Project.Settings.MaxConcurrency
	}
	return r.cfg.MaxConcurrency
}

// maxRetries is the retry count at which a task blocks.
func (r *Runner) maxRetries() int {
	if r.opts.Project != nil && r.opts.Project.Settings.MaxRetriesTotal > 0 {
		return r.opts.Project.Settings.MaxRetriesTotal
	}
	return r.cfg.MaxRetries
}

// dynamicLimit widens the base cap with the log of the eligible set so a
// wide wave fans out without unbounding the swarm.
func (r *Runner) dynamicLimit(totalEligible int) int {
	base := r.baseCap()
	if !r.cfg.SwarmEnabled {
		return base
	}
	limit := base + int(math.Ceil(math.Log2(float64(totalEligible+1))*2))
	if limit > r.cfg.SwarmMaxConcurrency {
		limit = r.cfg.SwarmMaxConcurrency
	}
	if limit < base {
		limit = base
	}
	return limit
}

// allDepsSuccess reports whether every dependency the runner owns has
// succeeded. Dependencies outside the subset belong to an earlier run.
func (r *Runner) allDepsSuccess(t *models.Task) bool {
	for _, dep := range t.Dependencies {
		st, ok := r.states[dep]
		if !ok {
			continue
		}
		if st.Status != models.TaskStatusSuccess {
			return false
		}
	}
	return true
}

// scheduleEligible is the single scheduling pass: counts the eligible
// set, derives the dynamic limit, requests gates, and launches eligible
// plus speculative tasks up to the limit.
func (r *Runner) scheduleEligible(ctx context.Context) {
	r.mu.Lock()

	totalEligible := 0
	for _, id := range r.order {
		st := r.states[id]
		if st.Status != models.TaskStatusPending && st.Status != models.TaskStatusGated {
			continue
		}
		if r.allDepsSuccess(r.tasks[id]) {
			totalEligible++
		}
	}

	limit := r.dynamicLimit(totalEligible)
	if limit > r.baseCap() && limit != r.lastDyn {
		r.opts.Broadcast.Broadcast(protocol.New(protocol.SwarmScaling, map[string]any{
			"sessionId":     r.opts.SessionID,
			"baseCap":       r.baseCap(),
			"dynamicLimit":  limit,
			"totalEligible": totalEligible,
		}))
	}
	r.lastDyn = limit

	var launch []string
	for _, id := range r.order {
		if r.running+len(launch) >= limit {
			break
		}
		t := r.tasks[id]
		st := r.states[id]

		switch st.Status {
		case models.TaskStatusGated:
			if r.allDepsSuccess(t) && !st.gateRequested {
				st.gateRequested = true
				r.opts.Broadcast.Broadcast(protocol.New(protocol.GateRequest, map[string]any{
					"sessionId":   r.opts.SessionID,
					"taskId":      t.ID,
					"label":       t.Label,
					"description": t.Description,
				}))
			}
			continue
		case models.TaskStatusPending:
		default:
			continue
		}

		if r.allDepsSuccess(t) {
			launch = append(launch, id)
			continue
		}
		if r.speculationReady(t) {
			st.speculative = true
			r.stats.SpeculativeLaunches++
			r.opts.Broadcast.Broadcast(protocol.New(protocol.SpeculativeStart, map[string]any{
				"sessionId": r.opts.SessionID,
				"taskId":    t.ID,
				"label":     t.Label,
			}))
			launch = append(launch, id)
		}
	}

	// Transition inside the lock so the double-launch guard holds, then
	// spawn agents outside it.
	now := time.Now()
	advanced := false
	for _, id := range launch {
		st := r.states[id]
		st.Status = models.TaskStatusRunning
		st.StartedAt = now
		r.running++
		if w := r.waves[id]; w > r.activeWave {
			r.activeWave = w
			advanced = true
		}
	}
	if r.running > r.stats.PeakConcurrency {
		r.stats.PeakConcurrency = r.running
	}
	wave := r.activeWave
	total := r.totalWaves
	r.mu.Unlock()

	r.logSchedule(limit, totalEligible)
	if advanced {
		r.opts.Broadcast.Broadcast(protocol.New(protocol.SwarmWave, map[string]any{
			"sessionId":  r.opts.SessionID,
			"wave":       wave,
			"totalWaves": total,
		}))
	}
	for _, id := range launch {
		r.launchTask(ctx, id)
	}
}

// speculationReady applies the speculative-launch test: most deps done,
// the rest running, none failed, and no running dep looks like a true
// data dependency.
func (r *Runner) speculationReady(t *models.Task) bool {
	if !r.cfg.SwarmEnabled || len(t.Dependencies) == 0 {
		return false
	}

	var done, running int
	for _, dep := range t.Dependencies {
		st, ok := r.states[dep]
		if !ok {
			done++
			continue
		}
		switch st.Status {
		case models.TaskStatusSuccess:
			done++
		case models.TaskStatusRunning:
			running++
		default:
			// A blocked, pending, or gated dep rules speculation out.
			return false
		}
	}

	total := len(t.Dependencies)
	if done+running != total {
		return false
	}
	if float64(done)/float64(total) < r.cfg.SpeculativeThreshold {
		return false
	}
	if running > 0 && hasTrueDataDependency(t.Description) {
		return false
	}
	return true
}

// launchTask runs one agent attempt for an already-running-marked task
// and posts the exit back to the run loop. Never blocks the loop.
func (r *Runner) launchTask(ctx context.Context, taskID string) {
	r.mu.Lock()
	t := r.tasks[taskID]
	st := r.states[taskID]
	if st.Status != models.TaskStatusRunning {
		// Double-launch guard: something already settled this task.
		r.mu.Unlock()
		return
	}
	retries := st.Retries
	extra := strings.Join(st.retryContexts, "\n\n")
	speculative := st.speculative
	r.mu.Unlock()

	r.broadcastTaskStatus(t, models.TaskStatusRunning, map[string]any{
		"retries":     retries,
		"speculative": speculative,
	})
	r.logTask("launching task", taskID)

	go func() {
		agent := r.opts.Agents.Execute(ctx, t, retries, r.opts.WorkDir, extra)
		select {
		case r.events <- event{kind: evAgentExited, taskID: taskID, agent: agent}:
		case <-r.closed:
		}
	}()
}

// renderRetryContext turns a failed attempt into the context block the
// next attempt's prompt carries.
func renderRetryContext(agent *models.Agent) string {
	if agent == nil {
		return ""
	}
	summary := agent.Summary
	if summary == nil {
		summary = summarize.Output(agent.OutputText())
	}
	raw := agent.OutputText()
	return summarize.ToContext(summary, raw)
}

func (r *Runner) logSchedule(limit, eligible int) {
	r.log.Debug("schedule pass",
		zap.Int("dynamic_limit", limit),
		zap.Int("total_eligible", eligible))
}
