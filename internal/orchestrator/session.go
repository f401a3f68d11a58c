package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haivemind/haivemind/internal/agent"
	"github.com/haivemind/haivemind/internal/checkpoint"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/recovery"
	"github.com/haivemind/haivemind/internal/runner"
	"github.com/haivemind/haivemind/internal/state"
	"github.com/haivemind/haivemind/internal/summarize"
	"github.com/haivemind/haivemind/pkg/models"
)

// StartSession runs a full session for a prompt against a project. It
// blocks until the session finalizes and returns the session record.
// predefinedPlan skips the planner when non-nil.
func (o *Orchestrator) StartSession(ctx context.Context, prompt, projectSlug string, predefinedPlan []*models.Task) (*models.Session, error) {
	p, err := o.projects.Get(projectSlug)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		ID:          uuid.NewString(),
		ProjectSlug: projectSlug,
		Prompt:      prompt,
		Status:      models.SessionStatusPlanning,
		WorkDir:     p.Dir,
		StartedAt:   time.Now(),
	}

	if err := o.engine.AcquireLock(p.Dir, session.ID); err != nil {
		o.bc.Broadcast(protocol.New(protocol.SessionError, map[string]any{
			"sessionId":   session.ID,
			"projectSlug": projectSlug,
			"error":       err.Error(),
			"holder":      o.engine.LockHolder(p.Dir),
		}))
		return nil, err
	}

	o.engine.AddSession(session)
	o.bc.Broadcast(protocol.New(protocol.SessionStart, map[string]any{
		"sessionId":   session.ID,
		"projectSlug": projectSlug,
		"prompt":      prompt,
	}))

	session.Snapshot = o.snapshots.Create(ctx, p.Dir, session.ID)

	slog, closeLog, err := o.log.SessionFile(p.Dir, session.ID)
	if err != nil {
		o.log.Warn("session debug log unavailable", zap.Error(err))
		slog, closeLog = o.log, func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	mgr := agent.NewManager(o.cfg, session.ID, p, o.backends, o.bc, slog)
	h := &sessionHandle{
		orch:     o,
		session:  session,
		project:  p,
		agents:   mgr,
		cancel:   cancel,
		log:      slog,
		statuses: make(map[string]models.TaskStatus),
	}
	o.registerHandle(h)

	defer func() {
		cancel()
		o.dropHandle(session.ID)
		closeLog()
	}()

	if err := o.runSession(ctx, h, predefinedPlan); err != nil {
		o.failSession(h, err)
		return session, err
	}
	return session, nil
}

// runSession is the happy path: plan, execute, verify-fix, finalize.
func (o *Orchestrator) runSession(ctx context.Context, h *sessionHandle, predefinedPlan []*models.Task) error {
	session := h.session
	log := o.log.WithSession(session.ID)

	tasks, err := o.buildPlan(ctx, h, predefinedPlan)
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}
	if len(tasks) == 0 {
		return errors.New("planner returned an empty plan")
	}

	session.Plan = tasks
	session.Edges = models.BuildEdges(tasks)
	session.Status = models.SessionStatusRunning
	o.engine.IndexTasks(session.ID, tasks)
	o.bc.Broadcast(protocol.New(protocol.PlanCreated, map[string]any{
		"sessionId": session.ID,
		"tasks":     tasks,
		"edges":     session.Edges,
	}))

	stopCheckpoints := o.startCheckpoints(ctx, h)
	defer stopCheckpoints()

	res, err := o.execute(ctx, h, tasks)
	if err != nil {
		return err
	}

	verification, err := o.verifyFix(ctx, h)
	if err != nil {
		log.Warn("verify-fix loop aborted", zap.Error(err))
	}

	o.finalize(h, res, verification)
	return nil
}

// buildPlan races workspace analysis against a short deadline, then
// invokes the planner (or accepts a predefined plan). A late analysis is
// still attached to the project for agent prompts.
func (o *Orchestrator) buildPlan(ctx context.Context, h *sessionHandle, predefined []*models.Task) ([]*models.Task, error) {
	session := h.session
	p := h.project

	analysisCh := make(chan string, 1)
	if o.analyze != nil {
		go func() {
			a, err := o.analyze(ctx, p.Dir)
			if err != nil {
				o.log.WithSession(session.ID).Warn("workspace analysis failed", zap.Error(err))
				return
			}
			analysisCh <- a
			// Attach post-hoc for agents even when planning already
			// proceeded without it.
			h.mu.Lock()
			p.WorkspaceAnalysis = a
			h.mu.Unlock()
			if err := o.projects.SaveAnalysis(p.Slug, a); err != nil {
				o.log.Warn("failed to persist workspace analysis", zap.Error(err))
			}
		}()
	}

	if predefined != nil {
		return predefined, nil
	}
	if o.decompose == nil {
		return nil, errors.New("no planner configured")
	}

	var analysis string
	if o.analyze != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			select {
			case analysis = <-analysisCh:
			case <-time.After(analysisWait):
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	planCtx, cancel := context.WithTimeout(ctx, o.cfg.OrchestratorTimeout)
	defer cancel()
	return o.decompose(planCtx, session.Prompt, p.Dir, DecomposeOptions{
		Skills:            p.Skills,
		WorkspaceAnalysis: analysis,
	})
}

// execute runs one task subset through a fresh runner wired to the
// session's agent manager.
func (o *Orchestrator) execute(ctx context.Context, h *sessionHandle, tasks []*models.Task) (*runner.Result, error) {
	session := h.session

	var splitFn runner.PlanFunc
	if o.decompose != nil {
		splitFn = func(ctx context.Context, prompt, workDir string) ([]*models.Task, error) {
			splitCtx, cancel := context.WithTimeout(ctx, o.cfg.OrchestratorTimeout)
			defer cancel()
			return o.decompose(splitCtx, prompt, workDir, DecomposeOptions{Skills: h.project.Skills})
		}
	}

	r, err := runner.New(runner.Options{
		SessionID:      session.ID,
		WorkDir:        session.WorkDir,
		Project:        h.project,
		Tasks:          tasks,
		Agents:         h.agents,
		Broadcast:      o.bc,
		Config:         o.cfg,
		Log:            h.sessionLog(),
		OrchestratorFn: splitFn,
		OnPlanAppend: func(subs []*models.Task) {
			h.mu.Lock()
			session.Plan = append(session.Plan, subs...)
			session.Edges = models.BuildEdges(session.Plan)
			h.mu.Unlock()
			o.engine.IndexTasks(session.ID, subs)
		},
		SuppressComplete: true,
	})
	if err != nil {
		return nil, fmt.Errorf("building runner: %w", err)
	}

	h.setRunner(r)
	defer h.absorb(r)
	return r.Run(ctx)
}

// verifyFix runs up to maxVerifyRounds verification rounds, executing
// verifier follow-up tasks between rounds.
func (o *Orchestrator) verifyFix(ctx context.Context, h *sessionHandle) (*VerifyResult, error) {
	if o.verify == nil {
		return nil, nil
	}
	session := h.session
	log := o.log.WithSession(session.ID)

	var last *VerifyResult
	for round := 1; round <= maxVerifyRounds; round++ {
		verifyCtx, cancel := context.WithTimeout(ctx, o.cfg.OrchestratorTimeout)
		res, err := o.verify(verifyCtx, session.Plan, session.WorkDir, h.project.Skills)
		cancel()
		if err != nil {
			return last, fmt.Errorf("verification round %d: %w", round, err)
		}
		last = res

		o.bc.Broadcast(protocol.New(protocol.VerificationStatus, map[string]any{
			"sessionId": session.ID,
			"round":     round,
			"passed":    res.Passed,
			"issues":    res.Issues,
			"testsRun":  res.TestsRun,
		}))
		if res.Passed || len(res.FollowUpTasks) == 0 {
			return last, nil
		}

		fixes := o.appendFixTasks(h, res.FollowUpTasks)
		log.Info("executing verifier follow-ups",
			zap.Int("round", round), zap.Int("tasks", len(fixes)))
		if _, err := o.execute(ctx, h, fixes); err != nil {
			return last, fmt.Errorf("fix round %d: %w", round, err)
		}
	}
	return last, nil
}

// appendFixTasks namespaces verifier follow-ups, anchors their roots on
// the current plan leaves, and appends them to the session plan.
func (o *Orchestrator) appendFixTasks(h *sessionHandle, followUps []*models.Task) []*models.Task {
	session := h.session

	h.mu.Lock()
	h.fixCounter++
	n := h.fixCounter
	leaves := session.Leaves()
	h.mu.Unlock()

	rename := make(map[string]string, len(followUps))
	for _, t := range followUps {
		rename[t.ID] = fmt.Sprintf("fix-%d-%s", n, t.ID)
	}
	for _, t := range followUps {
		t.ID = rename[t.ID]
		if t.Type == "" {
			t.Type = models.TaskTypeVerify
		}
		deps := t.Dependencies[:0]
		for _, dep := range t.Dependencies {
			if renamed, internal := rename[dep]; internal {
				deps = append(deps, renamed)
			}
		}
		t.Dependencies = deps
		if len(t.Dependencies) == 0 {
			t.Dependencies = append(t.Dependencies, leaves...)
		}
	}

	h.mu.Lock()
	session.Plan = append(session.Plan, followUps...)
	session.Edges = models.BuildEdges(session.Plan)
	h.mu.Unlock()
	o.engine.IndexTasks(session.ID, followUps)

	o.bc.Broadcast(protocol.New(protocol.PlanCreated, map[string]any{
		"sessionId": session.ID,
		"append":    true,
		"tasks":     followUps,
		"edges":     models.BuildEdges(followUps),
	}))
	return followUps
}

// startCheckpoints flushes a checkpoint periodically until stopped.
func (o *Orchestrator) startCheckpoints(ctx context.Context, h *sessionHandle) func() {
	cpCtx, cancel := context.WithCancel(ctx)
	projectDir := h.project.Dir

	go func() {
		ticker := time.NewTicker(o.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cpCtx.Done():
				return
			case <-ticker.C:
				cp := checkpoint.Build(h.session, h.statusOf)
				if err := checkpoint.Write(projectDir, cp); err != nil {
					o.log.Warn("checkpoint flush failed", zap.Error(err))
				}
			}
		}
	}()
	return cancel
}

// finalize persists the session, emits the canonical SESSION_COMPLETE,
// and runs post-session reflection and skill extraction.
func (o *Orchestrator) finalize(h *sessionHandle, res *runner.Result, verification *VerifyResult) {
	session := h.session
	log := o.log.WithSession(session.ID)

	now := time.Now()
	session.Status = models.SessionStatusCompleted
	session.CompletedAt = &now
	session.Agents = h.agents.SessionSnapshot()
	session.CostSummary = h.agents.CostSummary()

	status := "completed"
	payload := map[string]any{
		"sessionId":   session.ID,
		"projectSlug": session.ProjectSlug,
		"costSummary": session.CostSummary,
	}
	if res != nil {
		status = res.Status
		payload["swarmStats"] = res.Stats
		payload["rewrites"] = res.Rewrites
	}
	if verification != nil {
		payload["verification"] = verification
	}
	payload["status"] = status
	o.bc.Broadcast(protocol.New(protocol.SessionComplete, payload))

	if err := o.projects.SaveSession(session.ProjectSlug, session); err != nil {
		log.Warn("failed to persist session", zap.Error(err))
	}
	if err := checkpoint.Delete(h.project.Dir, session.ID); err != nil {
		log.Warn("failed to delete checkpoint", zap.Error(err))
	}
	o.engine.ReleaseLock(session.WorkDir, session.ID)

	o.reflect(h)
	log.Info("session finalized", zap.String("status", status))
}

// failSession is the error path: mark failed, broadcast, finalize with
// whatever state exists, release the lock.
func (o *Orchestrator) failSession(h *sessionHandle, cause error) {
	session := h.session
	log := o.log.WithSession(session.ID)

	h.mu.Lock()
	interrupted := h.interrupted
	h.mu.Unlock()

	now := time.Now()
	session.CompletedAt = &now
	session.Agents = h.agents.SessionSnapshot()
	session.CostSummary = h.agents.CostSummary()

	if interrupted {
		// Shutdown already wrote the inbox record and broadcast
		// SESSION_INTERRUPTED; keep that status.
		session.Status = models.SessionStatusInterrupted
		log.Info("session interrupted", zap.Error(cause))
	} else {
		session.Status = models.SessionStatusFailed
		log.Error("session failed", zap.Error(cause))
		o.bc.Broadcast(protocol.New(protocol.SessionError, map[string]any{
			"sessionId":   session.ID,
			"projectSlug": session.ProjectSlug,
			"error":       cause.Error(),
		}))
	}

	if err := o.projects.SaveSession(session.ProjectSlug, session); err != nil {
		log.Warn("failed to persist failed session", zap.Error(err))
	}
	if err := checkpoint.Delete(h.project.Dir, session.ID); err != nil {
		log.Warn("failed to delete checkpoint", zap.Error(err))
	}
	o.engine.ReleaseLock(session.WorkDir, session.ID)
	o.reflect(h)
}

// reflect synthesizes the session reflection and merges extracted skills
// into the project.
func (o *Orchestrator) reflect(h *sessionHandle) {
	session := h.session
	log := o.log.WithSession(session.ID)

	r := buildReflection(session, h)
	if err := o.projects.SaveReflection(session.ProjectSlug, r); err != nil {
		log.Warn("failed to persist reflection", zap.Error(err))
	}

	discovered := summarize.ExtractSkills(h.agents.AllOutput())
	if merged, err := o.projects.MergeSkills(session.ProjectSlug, discovered); err != nil {
		log.Warn("failed to merge skills", zap.Error(err))
	} else {
		h.mu.Lock()
		h.project.Skills = merged
		h.mu.Unlock()
	}

	if o.onFinalize != nil {
		o.onFinalize(session, r)
	}
}

// buildReflection derives per-session metrics from the agent snapshot.
func buildReflection(session *models.Session, h *sessionHandle) *models.Reflection {
	r := &models.Reflection{
		SessionID:   session.ID,
		Status:      session.Status,
		TaskCount:   len(session.Plan),
		CostSummary: session.CostSummary,
		TierUsage:   make(map[models.Tier]int),
	}
	if session.CompletedAt != nil {
		r.DurationMs = session.CompletedAt.Sub(session.StartedAt).Milliseconds()
	}

	attempts := 0
	escalated := make(map[string]bool)
	for _, ag := range session.Agents {
		attempts++
		r.TierUsage[ag.ModelTier]++
		if ag.Retries > 0 {
			escalated[ag.TaskID] = true
		}
	}
	for _, t := range session.Plan {
		switch h.statusOf(t.ID) {
		case models.TaskStatusSuccess:
			r.SuccessCount++
		case models.TaskStatusBlocked:
			r.FailCount++
		}
		if escalated[t.ID] {
			r.EscalatedTasks = append(r.EscalatedTasks, t.ID)
		}
	}
	if r.TaskCount > 0 {
		r.RetryRate = float64(attempts-r.TaskCount) / float64(r.TaskCount)
		if r.RetryRate < 0 {
			r.RetryRate = 0
		}
	}
	return r
}

// Interrupt transitions a running session to interrupted: persist the
// inbox record, kill its agents, cancel its context.
func (h *sessionHandle) Interrupt(baseDir string) {
	h.mu.Lock()
	if h.interrupted {
		h.mu.Unlock()
		return
	}
	h.interrupted = true
	h.mu.Unlock()

	h.session.Status = models.SessionStatusInterrupted
	cp := checkpoint.Build(h.session, h.statusOf)
	if err := recovery.WriteInterrupted(baseDir, cp); err != nil {
		h.orch.log.Warn("failed to persist interrupted session", zap.Error(err))
	}
	h.orch.bc.Broadcast(protocol.New(protocol.SessionInterrupted, map[string]any{
		"sessionId":   h.session.ID,
		"projectSlug": h.session.ProjectSlug,
	}))
	h.agents.KillAll()
	h.cancel()
}

// InterruptAll interrupts every live session, for graceful shutdown.
func (o *Orchestrator) InterruptAll() {
	o.mu.Lock()
	handles := make([]*sessionHandle, 0, len(o.handles))
	for _, h := range o.handles {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.Interrupt(o.projects.BaseDir())
	}
}

// ensure state interfaces stay satisfied.
var (
	_ state.GateResolver = (*sessionHandle)(nil)
	_ state.ChatHandler  = (*sessionHandle)(nil)
)
