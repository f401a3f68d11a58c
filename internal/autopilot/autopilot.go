// Package autopilot runs goal-driven session cycles without a human in
// the loop. Each cycle is one full orchestrated session; the abort flag
// is polled between cycles, never mid-session.
package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/pkg/models"
)

// ErrAlreadyRunning indicates an autopilot loop is in progress.
var ErrAlreadyRunning = errors.New("autopilot already running")

// RunSessionFunc executes one orchestrated session. The pilot owns no
// orchestration logic beyond this seam.
type RunSessionFunc func(ctx context.Context, prompt, projectSlug string) (*models.Session, error)

// LogEntry is one completed cycle in the autopilot log.
type LogEntry struct {
	Cycle       int       `json:"cycle"`
	ProjectSlug string    `json:"projectSlug"`
	SessionID   string    `json:"sessionId,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// Status is the pilot's externally visible state.
type Status struct {
	Running     bool   `json:"running"`
	ProjectSlug string `json:"projectSlug,omitempty"`
	Cycle       int    `json:"cycle"`
	LastError   string `json:"lastError,omitempty"`
}

// Pilot drives repeated sessions toward a goal.
type Pilot struct {
	baseDir string
	run     RunSessionFunc
	bc      broadcast.Broadcaster
	log     *logger.Logger

	mu      sync.Mutex
	running bool
	abort   bool
	cycle   int
	project string
	lastErr string
	done    chan struct{}
}

// New creates a Pilot writing its log under baseDir.
func New(baseDir string, run RunSessionFunc, bc broadcast.Broadcaster, log *logger.Logger) *Pilot {
	return &Pilot{
		baseDir: baseDir,
		run:     run,
		bc:      bc,
		log:     log.Named("autopilot"),
	}
}

// LogPath returns the autopilot log location.
func LogPath(baseDir string) string {
	return filepath.Join(baseDir, ".haivemind", "autopilot-log.json")
}

// Start launches the cycle loop in the background. maxCycles <= 0 runs a
// single cycle.
func (p *Pilot) Start(ctx context.Context, projectSlug, goal string, maxCycles int) error {
	if maxCycles <= 0 {
		maxCycles = 1
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.abort = false
	p.cycle = 0
	p.project = projectSlug
	p.lastErr = ""
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx, projectSlug, goal, maxCycles)
	return nil
}

// Stop requests the loop to halt after the current cycle.
func (p *Pilot) Stop() {
	p.mu.Lock()
	p.abort = true
	p.mu.Unlock()
}

// Status reports the pilot's current state.
func (p *Pilot) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:     p.running,
		ProjectSlug: p.project,
		Cycle:       p.cycle,
		LastError:   p.lastErr,
	}
}

// Wait blocks until the current loop exits. Returns immediately when
// nothing is running.
func (p *Pilot) Wait() {
	p.mu.Lock()
	done := p.done
	running := p.running
	p.mu.Unlock()
	if running && done != nil {
		<-done
	}
}

func (p *Pilot) loop(ctx context.Context, projectSlug, goal string, maxCycles int) {
	defer func() {
		p.mu.Lock()
		p.running = false
		close(p.done)
		p.mu.Unlock()
		p.status(projectSlug, 0, "stopped", goal)
	}()

	for cycle := 1; cycle <= maxCycles; cycle++ {
		p.mu.Lock()
		aborted := p.abort
		p.cycle = cycle
		p.mu.Unlock()
		if aborted || ctx.Err() != nil {
			return
		}

		p.status(projectSlug, cycle, "running", goal)
		entry := LogEntry{Cycle: cycle, ProjectSlug: projectSlug, StartedAt: time.Now()}

		session, err := p.run(ctx, goal, projectSlug)
		entry.CompletedAt = time.Now()
		if session != nil {
			entry.SessionID = session.ID
			entry.Status = string(session.Status)
		}
		if err != nil {
			entry.Status = "failed"
			entry.Error = err.Error()
			p.mu.Lock()
			p.lastErr = err.Error()
			p.mu.Unlock()
		}
		if logErr := p.appendLog(entry); logErr != nil {
			p.log.Warn("failed to append autopilot log", zap.Error(logErr))
		}
		p.status(projectSlug, cycle, entry.Status, goal)

		if err != nil {
			p.log.Warn("autopilot cycle failed, stopping",
				zap.Int("cycle", cycle), zap.Error(err))
			return
		}
	}
}

func (p *Pilot) status(projectSlug string, cycle int, state, goal string) {
	p.bc.Broadcast(protocol.New(protocol.AutopilotStatus, map[string]any{
		"projectSlug": projectSlug,
		"cycle":       cycle,
		"state":       state,
		"goal":        goal,
	}))
}

// appendLog reads, extends, and rewrites the log file. Cycles are rare
// enough that the rewrite cost does not matter.
func (p *Pilot) appendLog(entry LogEntry) error {
	path := LogPath(p.baseDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create autopilot log dir: %w", err)
	}

	var entries []LogEntry
	if data, err := os.ReadFile(path); err == nil {
		// A torn log from a crash starts fresh rather than failing.
		_ = json.Unmarshal(data, &entries)
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal autopilot log: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write autopilot log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit autopilot log: %w", err)
	}
	return nil
}

// ReadLog returns the recorded cycles, oldest first.
func ReadLog(baseDir string) ([]LogEntry, error) {
	data, err := os.ReadFile(LogPath(baseDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read autopilot log: %w", err)
	}
	var entries []LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse autopilot log: %w", err)
	}
	return entries, nil
}
