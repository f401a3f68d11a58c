package autopilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/pkg/models"
)

type capture struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (c *capture) fn() broadcast.Func {
	return func(msg protocol.Message) {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
	}
}

func (c *capture) states() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.msgs {
		if m.Type == protocol.AutopilotStatus {
			out = append(out, m.Str("state"))
		}
	}
	return out
}

func completedSession(id string) *models.Session {
	return &models.Session{ID: id, Status: models.SessionStatusCompleted}
}

func TestRunsRequestedCycles(t *testing.T) {
	dir := t.TempDir()
	cap := &capture{}

	var mu sync.Mutex
	var prompts []string
	run := func(ctx context.Context, prompt, slug string) (*models.Session, error) {
		mu.Lock()
		prompts = append(prompts, prompt)
		n := len(prompts)
		mu.Unlock()
		return completedSession("s" + string(rune('0'+n))), nil
	}

	p := New(dir, run, cap.fn(), logger.Nop())
	if err := p.Start(context.Background(), "demo", "keep the build green", 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Wait()

	mu.Lock()
	got := len(prompts)
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected 2 cycles, ran %d", got)
	}

	entries, err := ReadLog(dir)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Cycle != 1 || entries[1].Cycle != 2 {
		t.Errorf("cycle numbering wrong: %+v", entries)
	}
	if entries[0].Status != "completed" || entries[0].SessionID == "" {
		t.Errorf("entry fields wrong: %+v", entries[0])
	}

	states := cap.states()
	if len(states) == 0 || states[len(states)-1] != "stopped" {
		t.Errorf("expected final stopped status, got %v", states)
	}
}

func TestStopAbortsBetweenCycles(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})

	var mu sync.Mutex
	runs := 0
	p := New(dir, func(ctx context.Context, prompt, slug string) (*models.Session, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		<-release
		return completedSession("s1"), nil
	}, broadcast.Discard(), logger.Nop())

	if err := p.Start(context.Background(), "demo", "goal", 5); err != nil {
		t.Fatal(err)
	}

	// Wait until the first cycle is mid-session, then request abort.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		started := runs == 1
		mu.Unlock()
		if started {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	close(release)
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("abort between cycles should stop after 1 run, got %d", runs)
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	release := make(chan struct{})
	p := New(t.TempDir(), func(ctx context.Context, prompt, slug string) (*models.Session, error) {
		<-release
		return completedSession("s1"), nil
	}, broadcast.Discard(), logger.Nop())

	if err := p.Start(context.Background(), "demo", "goal", 1); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background(), "demo", "goal", 1); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	p.Wait()

	// A finished pilot can start again.
	if err := p.Start(context.Background(), "demo", "goal", 1); err != nil {
		t.Errorf("restart after finish: %v", err)
	}
	p.Wait()
}

func TestFailedCycleStopsLoop(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	runs := 0
	p := New(dir, func(ctx context.Context, prompt, slug string) (*models.Session, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil, errors.New("workspace locked")
	}, broadcast.Discard(), logger.Nop())

	if err := p.Start(context.Background(), "demo", "goal", 3); err != nil {
		t.Fatal(err)
	}
	p.Wait()

	mu.Lock()
	got := runs
	mu.Unlock()
	if got != 1 {
		t.Errorf("failed cycle should stop the loop, ran %d", got)
	}
	if p.Status().LastError == "" {
		t.Error("last error not recorded")
	}

	entries, _ := ReadLog(dir)
	if len(entries) != 1 || entries[0].Status != "failed" || entries[0].Error == "" {
		t.Errorf("log entry wrong: %+v", entries)
	}
}
