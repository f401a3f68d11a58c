// Package state holds the process-wide registries of the engine:
// sessions, the task-to-session map, active session contexts, and
// workspace locks. All access goes through Engine methods, which take
// the engine mutex.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haivemind/haivemind/pkg/models"
)

// ErrLockHeld indicates a workspace is already locked by another session.
var ErrLockHeld = errors.New("workspace lock held")

// GateResolver resolves a pending human gate for a task.
type GateResolver interface {
	ResolveGate(taskID string, approved bool, feedback string) error
}

// ChatHandler accepts a chat message that extends a running session's DAG.
type ChatHandler interface {
	HandleChatMessage(message string) error
}

// ActiveContext routes gate responses and chat messages to the live
// runner of a non-finalized session.
type ActiveContext struct {
	SessionID   string
	ProjectSlug string
	Gates       GateResolver
	Chat        ChatHandler
}

// Engine is the single owner of global mutable state.
type Engine struct {
	mu            sync.RWMutex
	sessions      map[string]*models.Session
	taskToSession map[string]string
	active        map[string]*ActiveContext
	// locks maps workDir to the holding session ID.
	locks map[string]string
}

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		sessions:      make(map[string]*models.Session),
		taskToSession: make(map[string]string),
		active:        make(map[string]*ActiveContext),
		locks:         make(map[string]string),
	}
}

// AddSession registers a session.
func (e *Engine) AddSession(s *models.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.ID] = s
}

// Session returns the session with the given ID, or nil.
func (e *Engine) Session(id string) *models.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[id]
}

// Sessions returns all registered sessions.
func (e *Engine) Sessions() []*models.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*models.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// IndexTasks maps task IDs to their owning session. Called when a plan is
// created or appended to.
func (e *Engine) IndexTasks(sessionID string, tasks []*models.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tasks {
		e.taskToSession[t.ID] = sessionID
	}
}

// SessionForTask resolves the session owning a task ID, or nil.
func (e *Engine) SessionForTask(taskID string) *models.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sid, ok := e.taskToSession[taskID]
	if !ok {
		return nil
	}
	return e.sessions[sid]
}

// SetActive registers the live context for a running session.
func (e *Engine) SetActive(ctx *ActiveContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[ctx.SessionID] = ctx
}

// ClearActive removes the live context for a session.
func (e *Engine) ClearActive(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, sessionID)
}

// Active returns the live context for a session, or nil.
func (e *Engine) Active(sessionID string) *ActiveContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[sessionID]
}

// ActiveForProject returns the live context for a project's running
// session, or nil. At most one session runs per workspace, so project
// routing is unambiguous.
func (e *Engine) ActiveForProject(slug string) *ActiveContext {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ctx := range e.active {
		if ctx.ProjectSlug == slug {
			return ctx
		}
	}
	return nil
}

// ActiveContexts returns all live contexts.
func (e *Engine) ActiveContexts() []*ActiveContext {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*ActiveContext, 0, len(e.active))
	for _, ctx := range e.active {
		out = append(out, ctx)
	}
	return out
}

// AcquireLock takes the advisory lock for a workspace. Returns ErrLockHeld
// wrapped with the holder's session ID if another session holds it.
// Re-acquiring a lock the session already holds is a no-op.
func (e *Engine) AcquireLock(workDir, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if holder, ok := e.locks[workDir]; ok && holder != sessionID {
		return fmt.Errorf("%w: %s held by session %s", ErrLockHeld, workDir, holder)
	}
	e.locks[workDir] = sessionID
	return nil
}

// ReleaseLock releases a workspace lock. A release by a non-holder is a
// no-op.
func (e *Engine) ReleaseLock(workDir, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locks[workDir] == sessionID {
		delete(e.locks, workDir)
	}
}

// LockHolder returns the session holding a workspace lock, or "".
func (e *Engine) LockHolder(workDir string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.locks[workDir]
}

// Prune removes finalized sessions whose completion is older than the
// retention window, along with their task index entries. Returns the
// number of sessions pruned.
func (e *Engine) Prune(retention time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	pruned := 0
	for id, s := range e.sessions {
		if !s.Status.Finalized() || s.CompletedAt == nil || s.CompletedAt.After(cutoff) {
			continue
		}
		delete(e.sessions, id)
		for taskID, sid := range e.taskToSession {
			if sid == id {
				delete(e.taskToSession, taskID)
			}
		}
		pruned++
	}
	return pruned
}
