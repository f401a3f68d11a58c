// Package agent manages the lifecycle of spawned coding-agent
// subprocesses: model resolution, cost pre-flight, streaming capture,
// timeouts, and cost accounting.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/config"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/summarize"
	"github.com/haivemind/haivemind/pkg/models"
)

const (
	// termGrace is how long after SIGTERM a timed-out agent gets before
	// SIGKILL.
	termGrace = 5 * time.Second
	// killAllGrace is the SIGKILL escalation delay during shutdown.
	killAllGrace = 3 * time.Second
	// costWarnRatio is the ceiling fraction that triggers a session
	// warning.
	costWarnRatio = 0.8
)

// SwarmRunner is the optional remote-execution seam. When it reports
// capacity the manager routes spawns through it, falling back to the
// local backend on error.
type SwarmRunner interface {
	HasCapacity() bool
	Spawn(ctx context.Context, prompt, workDir string, opts backend.Options) (*backend.SpawnResult, error)
}

// Manager spawns and supervises agents for one session.
type Manager struct {
	cfg       *config.Config
	sessionID string
	project   *models.Project
	backends  *backend.Registry
	swarm     SwarmRunner
	bc        broadcast.Broadcaster
	log       *logger.Logger

	mu     sync.Mutex
	agents map[string]*models.Agent
	rings  map[string]*outputRing
	procs  map[string]backend.Process
	// spent is the summed multipliers of all spawned attempts.
	spent  float64
	warned bool
	// shuttingDown makes exits during KillAll settle as interrupted
	// instead of failed, regardless of which path observes them first.
	shuttingDown atomic.Bool
}

// NewManager creates a manager for one session.
func NewManager(cfg *config.Config, sessionID string, project *models.Project, backends *backend.Registry, bc broadcast.Broadcaster, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		sessionID: sessionID,
		project:   project,
		backends:  backends,
		bc:        bc,
		log:       log.Named("agent").WithSession(sessionID),
		agents:    make(map[string]*models.Agent),
		rings:     make(map[string]*outputRing),
		procs:     make(map[string]backend.Process),
	}
}

// SetSwarm attaches a swarm runner.
func (m *Manager) SetSwarm(s SwarmRunner) { m.swarm = s }

// Execute spawns an agent for the task at the given retry index and
// blocks until it settles. Failures never surface as errors; they are
// encoded in the returned agent's status so the runner's retry ladder
// sees every outcome the same way.
func (m *Manager) Execute(ctx context.Context, task *models.Task, retryIndex int, workDir, extraContext string) *models.Agent {
	choice := resolveModel(m.project, task, retryIndex)

	ag := &models.Agent{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		ModelTier:  choice.Tier,
		Model:      choice.Model,
		Multiplier: choice.Multiplier,
		Status:     models.AgentStatusPending,
		Retries:    retryIndex,
		StartedAt:  time.Now(),
	}

	if refused, reason := m.checkCeiling(choice.Multiplier); refused {
		ag.Status = models.AgentStatusBlocked
		ag.Reason = reason
		m.register(ag, nil)
		m.broadcastStatus(ag)
		m.log.Warn("agent refused by cost ceiling", zap.String("task_id", task.ID))
		return ag
	}

	ag.Prompt = buildPrompt(task, m.project, extraContext)
	m.register(ag, newOutputRing(m.cfg.MaxAgentOutputBytes))

	res, err := m.spawnProcess(ctx, ag, workDir)
	if err != nil {
		m.ring(ag.ID).Append(fmt.Sprintf("spawn failed: %v\n", err))
		m.settle(ag, models.AgentStatusFailed, "spawn: "+err.Error())
		return ag
	}
	ag.CLICommand = res.CLICommand

	m.mu.Lock()
	m.procs[ag.ID] = res.Process
	ag.Status = models.AgentStatusRunning
	m.mu.Unlock()
	m.broadcastStatus(ag)

	m.attachProcess(ctx, ag, res.Process, task)
	return ag
}

// spawnProcess routes through the swarm when it has capacity, falling
// back to the local backend on error. An empty workDir spawns in the
// project directory.
func (m *Manager) spawnProcess(ctx context.Context, ag *models.Agent, workDir string) (*backend.SpawnResult, error) {
	opts := backend.Options{Model: ag.Model}
	if workDir == "" {
		workDir = m.workDir()
	}

	if m.swarm != nil && m.swarm.HasCapacity() {
		res, err := m.swarm.Spawn(ctx, ag.Prompt, workDir, opts)
		if err == nil {
			return res, nil
		}
		m.log.Warn("swarm spawn failed, falling back to local", zap.Error(err))
	}

	b, err := m.backends.Get("")
	if err != nil {
		return nil, err
	}
	return b.Spawn(ctx, ag.Prompt, workDir, opts)
}

func (m *Manager) workDir() string {
	if m.project == nil {
		return ""
	}
	return m.project.Dir
}

// checkCeiling runs the pre-flight cost projection. It refuses the spawn
// when the projection exceeds the ceiling and emits a one-shot session
// warning at 80%.
func (m *Manager) checkCeiling(candidate float64) (refused bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ceiling := 0.0
	if m.project != nil {
		ceiling = m.project.Settings.CostCeiling
	}
	if ceiling <= 0 {
		return false, ""
	}

	projected := m.spent + candidate
	if projected > ceiling {
		return true, fmt.Sprintf("cost ceiling: projected %.1f exceeds ceiling %.1f", projected, ceiling)
	}
	if projected >= costWarnRatio*ceiling && !m.warned {
		m.warned = true
		m.bc.Broadcast(protocol.New(protocol.SessionWarning, map[string]any{
			"sessionId": m.sessionID,
			"message":   fmt.Sprintf("cost projection at %.0f%% of ceiling", 100*projected/ceiling),
			"projected": projected,
			"ceiling":   ceiling,
		}))
	}
	m.spent = projected
	return false, ""
}

func (m *Manager) register(ag *models.Agent, ring *outputRing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[ag.ID] = ag
	if ring != nil {
		m.rings[ag.ID] = ring
	}
}

func (m *Manager) ring(agentID string) *outputRing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rings[agentID]
}

// settle finalizes an agent record exactly once and broadcasts the
// terminal status.
func (m *Manager) settle(ag *models.Agent, status models.AgentStatus, reason string) {
	m.mu.Lock()
	if ag.Status.Settled() {
		m.mu.Unlock()
		return
	}
	ag.Status = status
	if reason != "" {
		ag.Reason = reason
	}
	now := time.Now()
	ag.FinishedAt = &now
	if ring := m.rings[ag.ID]; ring != nil {
		ag.Output = ring.Chunks()
		if status == models.AgentStatusFailed {
			ag.Summary = summarize.Output(ring.Text())
		}
	}
	delete(m.procs, ag.ID)
	m.mu.Unlock()

	m.broadcastStatus(ag)
}

func (m *Manager) broadcastStatus(ag *models.Agent) {
	m.bc.Broadcast(protocol.New(protocol.AgentStatus, map[string]any{
		"sessionId": m.sessionID,
		"agentId":   ag.ID,
		"taskId":    ag.TaskID,
		"status":    string(ag.Status),
		"modelTier": string(ag.ModelTier),
		"retries":   ag.Retries,
	}))
}

// KillAll terminates every live agent: SIGTERM immediately, SIGKILL
// after the grace period, final status interrupted. Used on shutdown.
func (m *Manager) KillAll() {
	m.shuttingDown.Store(true)
	m.mu.Lock()
	live := make(map[*models.Agent]backend.Process)
	for id, proc := range m.procs {
		live[m.agents[id]] = proc
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for ag, proc := range live {
		wg.Add(1)
		go func(ag *models.Agent, proc backend.Process) {
			defer wg.Done()
			if err := proc.Terminate(); err != nil {
				m.log.Debug("terminate failed", zap.String("agent_id", ag.ID), zap.Error(err))
			}

			done := make(chan struct{})
			go func() {
				proc.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(killAllGrace):
				proc.Kill()
			}
			m.settle(ag, models.AgentStatusInterrupted, "killed during shutdown")
		}(ag, proc)
	}
	wg.Wait()
}

// SessionSnapshot copies the agent map for persistence. Summaries are
// computed for settled agents that do not have one yet.
func (m *Manager) SessionSnapshot() map[string]*models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*models.Agent, len(m.agents))
	for id, ag := range m.agents {
		if ring := m.rings[id]; ring != nil {
			ag.Output = ring.Chunks()
			if ag.Summary == nil && ag.Status.Settled() {
				ag.Summary = summarize.Output(ring.Text())
			}
		}
		out[id] = ag
	}
	return out
}

// AllOutput concatenates every agent's captured output, for skill
// extraction after the session.
func (m *Manager) AllOutput() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parts []string
	for id := range m.agents {
		if ring := m.rings[id]; ring != nil {
			parts = append(parts, ring.Text())
		}
	}
	total := 0
	for _, p := range parts {
		total += len(p) + 1
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
		buf = append(buf, '\n')
	}
	return string(buf)
}

// CostSummary buckets attempt multipliers by tier.
func (m *Manager) CostSummary() *models.CostSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := &models.CostSummary{ByTier: make(map[models.Tier]float64)}
	for _, ag := range m.agents {
		if ag.Status == models.AgentStatusBlocked {
			continue
		}
		cs.Total += ag.Multiplier
		cs.ByTier[ag.ModelTier] += ag.Multiplier
		cs.Agents++
	}
	return cs
}

// Agent returns the record for an agent ID, or nil.
func (m *Manager) Agent(id string) *models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[id]
}

// OutputText returns the captured output for an agent.
func (m *Manager) OutputText(agentID string) string {
	if ring := m.ring(agentID); ring != nil {
		return ring.Text()
	}
	return ""
}
