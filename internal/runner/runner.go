// Package runner executes a session's task DAG: eligibility scheduling
// with a dynamic concurrency limit, wave tracking, speculative launches,
// stall-driven edge removal, retry escalation, task splitting, and human
// gates. One runner executes one plan (or plan subset) to completion.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/config"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/pkg/models"
)

// ErrCycleDetected indicates the plan has a circular dependency.
var ErrCycleDetected = errors.New("circular dependency in plan")

// ErrUnknownTask indicates a gate resolution referenced a task the
// runner does not own.
var ErrUnknownTask = errors.New("unknown task")

// AgentExecutor runs one agent attempt to completion. The runner never
// sees errors from it; every outcome is encoded in the agent record.
type AgentExecutor interface {
	Execute(ctx context.Context, task *models.Task, retryIndex int, workDir, extraContext string) *models.Agent
	CostSummary() *models.CostSummary
}

// PlanFunc decomposes a prompt into tasks. The runner uses it to split
// repeatedly failing tasks into sub-plans.
type PlanFunc func(ctx context.Context, prompt, workDir string) ([]*models.Task, error)

// TaskState is the runner-owned mutable state for one task.
type TaskState struct {
	Status         models.TaskStatus
	Retries        int
	AgentIDs       []string
	FailureReports []*models.FailureReport
	StartedAt      time.Time
	CompletedAt    time.Time

	// retryContexts holds the rendered per-attempt context injected
	// into subsequent prompts.
	retryContexts []string
	speculative   bool
	gateRequested bool
}

// RewriteRecord documents one stall-driven edge removal.
type RewriteRecord struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	FromLabel string    `json:"fromLabel"`
	ToLabel   string    `json:"toLabel"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// SwarmStats summarizes the swarm behavior of one run.
type SwarmStats struct {
	TotalTasks          int `json:"totalTasks"`
	TotalWaves          int `json:"totalWaves"`
	PeakConcurrency     int `json:"peakConcurrency"`
	SpeculativeLaunches int `json:"speculativeLaunches"`
	TaskSplits          int `json:"taskSplits"`
	DAGRewrites         int `json:"dagRewrites"`
}

// Result is the terminal outcome of a run.
type Result struct {
	// Status is "completed" when every task succeeded, else "partial".
	Status      string
	CostSummary *models.CostSummary
	Rewrites    []RewriteRecord
	Stats       SwarmStats
}

// Options configures a runner.
type Options struct {
	SessionID string
	WorkDir   string
	Project   *models.Project
	Tasks     []*models.Task
	Agents    AgentExecutor
	Broadcast broadcast.Broadcaster
	Config    *config.Config
	Log       *logger.Logger
	// OrchestratorFn decomposes split prompts. Nil disables splitting.
	OrchestratorFn PlanFunc
	// OnPlanAppend is invoked when a split appends sub-tasks, so the
	// owning session can index and persist them.
	OnPlanAppend func(tasks []*models.Task)
	// SuppressComplete stops the runner from emitting its own
	// SESSION_COMPLETE; the orchestrator emits the canonical one after
	// the verify-fix loop.
	SuppressComplete bool
}

// event kinds driving the run loop.
type eventKind int

const (
	evAgentExited eventKind = iota
	evGateResolved
)

type event struct {
	kind     eventKind
	taskID   string
	agent    *models.Agent
	approved bool
	feedback string
}

// Runner executes one task DAG.
type Runner struct {
	opts Options
	cfg  *config.Config
	log  *logger.Logger

	mu     sync.Mutex
	tasks  map[string]*models.Task
	order  []string
	states map[string]*TaskState

	waves      map[string]int
	totalWaves int
	activeWave int

	running  int
	rewrites []RewriteRecord
	stats    SwarmStats
	lastDyn  int
	splitCnt map[string]bool
	done     bool

	events chan event
	closed chan struct{}
	once   sync.Once
}

// New validates the plan and builds a runner. Returns ErrCycleDetected
// when the dependency graph has circular residue.
func New(opts Options) (*Runner, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.Broadcast == nil {
		opts.Broadcast = broadcast.Discard()
	}

	r := &Runner{
		opts:     opts,
		cfg:      opts.Config,
		log:      opts.Log.Named("runner").WithSession(opts.SessionID),
		tasks:    make(map[string]*models.Task, len(opts.Tasks)),
		states:   make(map[string]*TaskState, len(opts.Tasks)),
		splitCnt: make(map[string]bool),
		events:   make(chan event, 4*len(opts.Tasks)+32),
		closed:   make(chan struct{}),
	}
	// Wave 0's first launch counts as an advance.
	r.activeWave = -1

	for _, t := range opts.Tasks {
		if _, dup := r.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		r.tasks[t.ID] = t
		r.order = append(r.order, t.ID)

		st := &TaskState{Status: models.TaskStatusPending}
		switch {
		case t.Kind() == models.TaskTypePrompt:
			// Bridge nodes never execute.
			st.Status = models.TaskStatusSuccess
		case t.Gate:
			st.Status = models.TaskStatusGated
		}
		r.states[t.ID] = st
	}

	if err := r.computeWaves(); err != nil {
		return nil, err
	}
	r.stats.TotalTasks = len(opts.Tasks)
	r.stats.TotalWaves = r.totalWaves
	return r, nil
}

// Run drives the DAG to completion. The schedule, launch-exit, and
// stall-check paths are serialized through this single loop; only agent
// subprocesses run concurrently.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.scheduleEligible(ctx)
	if res := r.checkCompletion(); res != nil {
		return res, nil
	}

	stall := time.NewTicker(r.cfg.StallCheckInterval)
	defer stall.Stop()
	defer r.Cleanup()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-r.events:
			switch ev.kind {
			case evAgentExited:
				r.handleExit(ctx, ev)
			case evGateResolved:
				r.handleGate(ev)
			}
			if res := r.checkCompletion(); res != nil {
				return res, nil
			}
			r.scheduleEligible(ctx)
			if res := r.checkCompletion(); res != nil {
				return res, nil
			}
		case <-stall.C:
			r.checkForStalls(ctx)
		}
	}
}

// Cleanup releases the runner's background resources. Safe to call more
// than once; also called when Run returns.
func (r *Runner) Cleanup() {
	r.once.Do(func() { close(r.closed) })
}

// ResolveGate answers a pending GATE_REQUEST. Approval moves the task to
// pending; rejection blocks it. Feedback is appended to the task's
// description before the next launch.
func (r *Runner) ResolveGate(taskID string, approved bool, feedback string) error {
	r.mu.Lock()
	st, ok := r.states[taskID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if st.Status != models.TaskStatusGated {
		r.mu.Unlock()
		return fmt.Errorf("task %s is not gated (status %s)", taskID, st.Status)
	}
	r.mu.Unlock()

	select {
	case r.events <- event{kind: evGateResolved, taskID: taskID, approved: approved, feedback: feedback}:
		return nil
	case <-r.closed:
		return fmt.Errorf("runner for task %s already finished", taskID)
	}
}

// GetSwarmStats returns a copy of the current swarm counters.
func (r *Runner) GetSwarmStats() SwarmStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// TaskStatus returns the runner's view of a task's status, defaulting to
// pending for unknown ids so checkpoints stay total.
func (r *Runner) TaskStatus(taskID string) models.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[taskID]; ok {
		return st.Status
	}
	return models.TaskStatusPending
}

// State returns a shallow copy of a task's runner state, or nil.
func (r *Runner) State(taskID string) *TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[taskID]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// Rewrites returns the recorded edge removals.
func (r *Runner) Rewrites() []RewriteRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RewriteRecord, len(r.rewrites))
	copy(out, r.rewrites)
	return out
}

// checkCompletion returns the result once every task is terminal.
func (r *Runner) checkCompletion() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil
	}
	allSuccess := true
	for _, st := range r.states {
		switch st.Status {
		case models.TaskStatusSuccess:
		case models.TaskStatusBlocked:
			allSuccess = false
		default:
			return nil
		}
	}
	r.done = true

	status := "completed"
	if !allSuccess {
		status = "partial"
	}
	res := &Result{
		Status:      status,
		CostSummary: r.opts.Agents.CostSummary(),
		Rewrites:    append([]RewriteRecord(nil), r.rewrites...),
		Stats:       r.stats,
	}

	if !r.opts.SuppressComplete {
		r.opts.Broadcast.Broadcast(protocol.New(protocol.SessionComplete, map[string]any{
			"sessionId":   r.opts.SessionID,
			"status":      res.Status,
			"costSummary": res.CostSummary,
			"rewrites":    res.Rewrites,
			"swarmStats":  res.Stats,
		}))
	}
	return res
}

// broadcastTaskStatus emits a TASK_STATUS transition.
func (r *Runner) broadcastTaskStatus(t *models.Task, status models.TaskStatus, extra map[string]any) {
	payload := map[string]any{
		"sessionId": r.opts.SessionID,
		"taskId":    t.ID,
		"label":     t.Label,
		"status":    string(status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	r.opts.Broadcast.Broadcast(protocol.New(protocol.TaskStatus, payload))
}

func (r *Runner) logTask(msg, taskID string) {
	r.log.Debug(msg, zap.String("task_id", taskID))
}
