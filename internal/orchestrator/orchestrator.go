// Package orchestrator drives sessions end to end: lock, snapshot,
// plan, execute, verify-fix, finalize, reflect. It owns no model calls;
// planning and verification are injected collaborator functions.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/config"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/project"
	"github.com/haivemind/haivemind/internal/runner"
	"github.com/haivemind/haivemind/internal/snapshot"
	"github.com/haivemind/haivemind/internal/state"
	"github.com/haivemind/haivemind/pkg/models"
)

// ErrIterationInFlight indicates a chat iteration is already executing
// for the session.
var ErrIterationInFlight = errors.New("iteration already in flight")

// analysisWait bounds how long planning waits for workspace analysis
// before proceeding without it.
const analysisWait = 3 * time.Second

// maxVerifyRounds caps the verify-fix loop.
const maxVerifyRounds = 3

// DecomposeOptions carries optional context into the planner.
type DecomposeOptions struct {
	Skills            models.Skills
	WorkspaceAnalysis string
}

// DecomposeFunc is the injected planner: prompt in, task DAG out.
type DecomposeFunc func(ctx context.Context, prompt, workDir string, opts DecomposeOptions) ([]*models.Task, error)

// VerifyResult is the verifier's verdict on the current plan.
type VerifyResult struct {
	Passed        bool           `json:"passed"`
	Issues        []string       `json:"issues,omitempty"`
	FollowUpTasks []*models.Task `json:"followUpTasks,omitempty"`
	TestsRun      []string       `json:"testsRun,omitempty"`
}

// VerifyFunc is the injected verifier.
type VerifyFunc func(ctx context.Context, plan []*models.Task, workDir string, skills models.Skills) (*VerifyResult, error)

// AnalyzeFunc is the injected workspace analyzer, returning a tech-stack
// summary for agent prompts.
type AnalyzeFunc func(ctx context.Context, workDir string) (string, error)

// Orchestrator coordinates session execution across the engine's
// subsystems.
type Orchestrator struct {
	cfg       *config.Config
	engine    *state.Engine
	projects  *project.Store
	backends  *backend.Registry
	snapshots *snapshot.Manager
	bc        broadcast.Broadcaster
	log       *logger.Logger

	decompose DecomposeFunc
	verify    VerifyFunc
	analyze   AnalyzeFunc

	// onFinalize is invoked after a session finalizes, for index stores.
	onFinalize func(s *models.Session, r *models.Reflection)

	mu      sync.Mutex
	handles map[string]*sessionHandle
}

// Options wires an orchestrator.
type Options struct {
	Config    *config.Config
	Engine    *state.Engine
	Projects  *project.Store
	Backends  *backend.Registry
	Snapshots *snapshot.Manager
	Broadcast broadcast.Broadcaster
	Log       *logger.Logger

	Decompose DecomposeFunc
	Verify    VerifyFunc
	Analyze   AnalyzeFunc

	OnFinalize func(s *models.Session, r *models.Reflection)
}

// New builds an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.Broadcast == nil {
		opts.Broadcast = broadcast.Discard()
	}
	return &Orchestrator{
		cfg:        opts.Config,
		engine:     opts.Engine,
		projects:   opts.Projects,
		backends:   opts.Backends,
		snapshots:  opts.Snapshots,
		bc:         opts.Broadcast,
		log:        opts.Log.Named("orchestrator"),
		decompose:  opts.Decompose,
		verify:     opts.Verify,
		analyze:    opts.Analyze,
		onFinalize: opts.OnFinalize,
		handles:    make(map[string]*sessionHandle),
	}
}

// AgentRunner is the slice of the agent manager the orchestrator and its
// handles use directly.
type AgentRunner interface {
	runner.AgentExecutor
	SessionSnapshot() map[string]*models.Agent
	AllOutput() string
	KillAll()
}

// sessionHandle is the live per-session context: it routes gate and chat
// calls to the current runner (which changes across fix rounds and chat
// iterations) and tracks settled task statuses across runners.
type sessionHandle struct {
	orch    *Orchestrator
	session *models.Session
	project *models.Project
	agents  AgentRunner
	cancel  context.CancelFunc
	// log additionally writes to the session's debug file under the
	// workspace.
	log *logger.Logger

	mu          sync.Mutex
	current     *runner.Runner
	statuses    map[string]models.TaskStatus
	iteration   int
	inFlight    bool
	fixCounter  int
	interrupted bool
}

// sessionLog returns the per-session file logger when one was opened.
func (h *sessionHandle) sessionLog() *logger.Logger {
	if h.log != nil {
		return h.log
	}
	return h.orch.log
}

func (h *sessionHandle) setRunner(r *runner.Runner) {
	h.mu.Lock()
	h.current = r
	h.mu.Unlock()
}

// absorb folds a finished runner's terminal statuses into the handle.
func (h *sessionHandle) absorb(r *runner.Runner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.session.Plan {
		if st := r.State(t.ID); st != nil {
			h.statuses[t.ID] = st.Status
		}
	}
	if h.current == r {
		h.current = nil
	}
}

// statusOf is the checkpoint view: live runner first, then history.
func (h *sessionHandle) statusOf(taskID string) models.TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		if st := h.current.State(taskID); st != nil {
			return st.Status
		}
	}
	if s, ok := h.statuses[taskID]; ok {
		return s
	}
	return models.TaskStatusPending
}

// ResolveGate implements state.GateResolver against the live runner.
func (h *sessionHandle) ResolveGate(taskID string, approved bool, feedback string) error {
	h.mu.Lock()
	r := h.current
	h.mu.Unlock()
	if r == nil {
		return errors.New("no runner active for session")
	}
	return r.ResolveGate(taskID, approved, feedback)
}

// Handle returns the live handle for a session, or nil.
func (o *Orchestrator) Handle(sessionID string) *sessionHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handles[sessionID]
}

func (o *Orchestrator) registerHandle(h *sessionHandle) {
	o.mu.Lock()
	o.handles[h.session.ID] = h
	o.mu.Unlock()

	o.engine.SetActive(&state.ActiveContext{
		SessionID:   h.session.ID,
		ProjectSlug: h.session.ProjectSlug,
		Gates:       h,
		Chat:        h,
	})
}

func (o *Orchestrator) dropHandle(sessionID string) {
	o.mu.Lock()
	delete(o.handles, sessionID)
	o.mu.Unlock()
	o.engine.ClearActive(sessionID)
}

// StartPruner runs the periodic session pruner until ctx is cancelled.
func (o *Orchestrator) StartPruner(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SessionRetention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.engine.Prune(o.cfg.SessionRetention); n > 0 {
				o.log.Info("pruned finalized sessions", zap.Int("count", n))
			}
		}
	}
}
