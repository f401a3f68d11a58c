package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/config"
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
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, msg)
	}
}

func (c *capture) ofType(t protocol.MessageType) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, m := range c.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func testManager(t *testing.T, mock *backend.Mock, project *models.Project) (*Manager, *capture) {
	t.Helper()
	cfg := config.Default()
	cfg.AgentTimeout = 5 * time.Second
	cfg.AgentStreamInterval = 10 * time.Millisecond

	reg, err := backend.NewRegistry(backend.Catalog{Backends: []backend.CatalogEntry{
		{Name: "unused", Command: "true"},
	}}, "unused")
	if err != nil {
		t.Fatal(err)
	}
	reg.Add(mock)
	if err := reg.SetDefault(mock.Name()); err != nil {
		t.Fatal(err)
	}

	cap := &capture{}
	m := NewManager(cfg, "sess-1", project, reg, cap.fn(), logger.Nop())
	return m, cap
}

func TestExecuteSuccess(t *testing.T) {
	mock := backend.NewMock("mock").Enqueue(backend.Script{
		Chunks: []string{"Created file: main.go\n", "done\n"},
	})
	m, cap := testManager(t, mock, nil)

	ag := m.Execute(context.Background(), &models.Task{ID: "t1", Label: "build widget"}, 0, "", "")

	if ag.Status != models.AgentStatusSuccess {
		t.Fatalf("expected success, got %s (%s)", ag.Status, ag.Reason)
	}
	if ag.FinishedAt == nil {
		t.Error("finished timestamp missing")
	}
	if !strings.Contains(strings.Join(ag.Output, ""), "Created file: main.go") {
		t.Errorf("output not captured: %v", ag.Output)
	}
	if n := len(cap.ofType(protocol.AgentOutput)); n != 2 {
		t.Errorf("expected 2 AGENT_OUTPUT messages, got %d", n)
	}
	statuses := cap.ofType(protocol.AgentStatus)
	last := statuses[len(statuses)-1]
	if last.Str("status") != "success" {
		t.Errorf("final AGENT_STATUS should be success, got %s", last.Str("status"))
	}
}

func TestExecuteFailureComputesSummary(t *testing.T) {
	mock := backend.NewMock("mock").Enqueue(backend.Script{
		Chunks:   []string{"Error: compile failed\n"},
		ExitCode: 1,
	})
	m, _ := testManager(t, mock, nil)

	ag := m.Execute(context.Background(), &models.Task{ID: "t1", Label: "x"}, 0, "", "")

	if ag.Status != models.AgentStatusFailed {
		t.Fatalf("expected failed, got %s", ag.Status)
	}
	if ag.Summary == nil || len(ag.Summary.Errors) != 1 {
		t.Errorf("failure should compute summary: %+v", ag.Summary)
	}
}

// workDirRecorder wraps a backend and records the directory each spawn
// was asked to run in.
type workDirRecorder struct {
	backend.Backend
	mu   sync.Mutex
	dirs []string
}

func (r *workDirRecorder) Spawn(ctx context.Context, prompt, workDir string, opts backend.Options) (*backend.SpawnResult, error) {
	r.mu.Lock()
	r.dirs = append(r.dirs, workDir)
	r.mu.Unlock()
	return r.Backend.Spawn(ctx, prompt, workDir, opts)
}

func TestExecuteSpawnsInRequestedWorkDir(t *testing.T) {
	rec := &workDirRecorder{Backend: backend.NewMock("mock")}
	project := &models.Project{Slug: "p", Dir: "/workspaces/p"}

	cfg := config.Default()
	cfg.AgentTimeout = 5 * time.Second
	reg, err := backend.NewRegistry(backend.Catalog{Backends: []backend.CatalogEntry{
		{Name: "unused", Command: "true"},
	}}, "unused")
	if err != nil {
		t.Fatal(err)
	}
	reg.Add(rec)
	if err := reg.SetDefault("mock"); err != nil {
		t.Fatal(err)
	}
	m := NewManager(cfg, "sess-1", project, reg, broadcast.Discard(), logger.Nop())

	m.Execute(context.Background(), &models.Task{ID: "t1", Label: "x"}, 0, "/tmp/elsewhere", "")
	m.Execute(context.Background(), &models.Task{ID: "t2", Label: "y"}, 0, "", "")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.dirs) != 2 {
		t.Fatalf("expected 2 spawns, got %d", len(rec.dirs))
	}
	if rec.dirs[0] != "/tmp/elsewhere" {
		t.Errorf("explicit work dir ignored: %q", rec.dirs[0])
	}
	if rec.dirs[1] != "/workspaces/p" {
		t.Errorf("empty work dir should fall back to the project dir: %q", rec.dirs[1])
	}
}

func TestEscalationSelectsTierByRetry(t *testing.T) {
	mock := backend.NewMock("mock")
	m, _ := testManager(t, mock, nil)
	task := &models.Task{ID: "t1", Label: "x"}

	tiers := []models.Tier{}
	for retry := 0; retry < 6; retry++ {
		ag := m.Execute(context.Background(), task, retry, "", "")
		tiers = append(tiers, ag.ModelTier)
	}

	// Default chain: T0 T0 T1 T2 T3, clamped.
	want := []models.Tier{models.TierT0, models.TierT0, models.TierT1, models.TierT2, models.TierT3, models.TierT3}
	for i := range want {
		if tiers[i] != want[i] {
			t.Errorf("retry %d: expected %s, got %s", i, want[i], tiers[i])
		}
	}
	// Monotonic escalation.
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Rank() < tiers[i-1].Rank() {
			t.Errorf("tier rank decreased at retry %d", i)
		}
	}
}

func TestPinnedModelOverride(t *testing.T) {
	mock := backend.NewMock("mock")
	project := &models.Project{
		Slug: "p",
		Settings: models.ProjectSettings{
			PinnedModels: map[string]string{"database": "claude-opus"},
		},
	}
	m, _ := testManager(t, mock, project)

	ag := m.Execute(context.Background(), &models.Task{ID: "t1", Label: "Database migration"}, 0, "", "")
	if ag.Model != "claude-opus" {
		t.Errorf("pinned model should apply by label substring, got %s", ag.Model)
	}
	if ag.ModelTier != models.TierT0 {
		t.Errorf("pin should not change the tier, got %s", ag.ModelTier)
	}
}

func TestCostCeilingRefusal(t *testing.T) {
	mock := backend.NewMock("mock")
	project := &models.Project{
		Slug:     "p",
		Settings: models.ProjectSettings{CostCeiling: 1, Escalation: []models.Tier{models.TierT1}},
	}
	m, cap := testManager(t, mock, project)
	task := &models.Task{ID: "t1", Label: "x"}

	first := m.Execute(context.Background(), task, 0, "", "")
	if first.Status != models.AgentStatusSuccess {
		t.Fatalf("first agent should run: %s", first.Status)
	}

	second := m.Execute(context.Background(), &models.Task{ID: "t2", Label: "y"}, 0, "", "")
	if second.Status != models.AgentStatusBlocked {
		t.Fatalf("second agent should be refused, got %s", second.Status)
	}
	if !strings.Contains(second.Reason, "cost ceiling") {
		t.Errorf("reason should mention ceiling: %q", second.Reason)
	}

	// 80% warning fired when the first spawn projected 1.0/1.0.
	if len(cap.ofType(protocol.SessionWarning)) == 0 {
		t.Error("expected SESSION_WARNING at 80% projection")
	}

	cs := m.CostSummary()
	if cs.Total != 1 || cs.Agents != 1 {
		t.Errorf("blocked agents must not count toward cost: %+v", cs)
	}
}

func TestOutputBoundHolds(t *testing.T) {
	mock := backend.NewMock("mock").Enqueue(backend.Script{
		Chunks: []string{strings.Repeat("line of output\n", 100)},
	})
	m, _ := testManager(t, mock, nil)
	m.cfg.MaxAgentOutputBytes = 64

	ag := m.Execute(context.Background(), &models.Task{ID: "t1", Label: "x"}, 0, "", "")

	total := 0
	for _, c := range ag.Output {
		total += len(c)
	}
	if total > 64 {
		t.Errorf("output bound violated: %d bytes", total)
	}
}

func TestTimeoutSettlesAsFailed(t *testing.T) {
	mock := backend.NewMock("mock").Enqueue(backend.Script{
		Chunks: []string{"starting\n"},
		Hang:   true,
	})
	m, _ := testManager(t, mock, nil)
	m.cfg.AgentTimeout = 50 * time.Millisecond

	start := time.Now()
	ag := m.Execute(context.Background(), &models.Task{ID: "t1", Label: "x"}, 0, "", "")

	if ag.Status != models.AgentStatusFailed {
		t.Fatalf("timed-out agent should fail, got %s", ag.Status)
	}
	if !strings.Contains(ag.Reason, "timeout") {
		t.Errorf("reason should mention timeout: %q", ag.Reason)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout took far too long")
	}
	if !strings.Contains(strings.Join(ag.Output, ""), "timed out") {
		t.Error("synthetic timeout line missing from output")
	}
}

func TestKillAllInterruptsRunning(t *testing.T) {
	mock := backend.NewMock("mock").Enqueue(backend.Script{Hang: true})
	m, _ := testManager(t, mock, nil)

	done := make(chan *models.Agent, 1)
	go func() {
		done <- m.Execute(context.Background(), &models.Task{ID: "t1", Label: "x"}, 0, "", "")
	}()

	// Let the agent reach running.
	deadline := time.After(2 * time.Second)
	for {
		if ag := findRunning(m); ag != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("agent never reached running")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.KillAll()

	select {
	case ag := <-done:
		if ag.Status != models.AgentStatusInterrupted {
			t.Errorf("expected interrupted, got %s", ag.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after KillAll")
	}
}

func findRunning(m *Manager) *models.Agent {
	for _, ag := range m.SessionSnapshot() {
		if ag.Status == models.AgentStatusRunning {
			return ag
		}
	}
	return nil
}

func TestSpawnFailureSettlesFailed(t *testing.T) {
	cfg := config.Default()
	reg, _ := backend.NewRegistry(backend.Catalog{Backends: []backend.CatalogEntry{
		{Name: "missing", Command: "/nonexistent/agent-binary"},
	}}, "missing")
	cap := &capture{}
	m := NewManager(cfg, "sess-1", nil, reg, cap.fn(), logger.Nop())

	ag := m.Execute(context.Background(), &models.Task{ID: "t1", Label: "x"}, 0, "", "")
	if ag.Status != models.AgentStatusFailed {
		t.Fatalf("expected failed, got %s", ag.Status)
	}
	if !strings.Contains(strings.Join(ag.Output, ""), "spawn failed") {
		t.Errorf("spawn error should be appended to output: %v", ag.Output)
	}
}
