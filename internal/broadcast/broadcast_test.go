package broadcast

import (
	"sync"
	"testing"

	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/state"
	"github.com/haivemind/haivemind/pkg/models"
)

type fakeObserver struct {
	id   string
	subs []string

	mu       sync.Mutex
	received []protocol.Message
}

func (f *fakeObserver) ObserverID() string      { return f.id }
func (f *fakeObserver) Subscriptions() []string { return f.subs }

func (f *fakeObserver) Deliver(msg protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
}

func (f *fakeObserver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newTestHub(t *testing.T) (*Hub, *state.Engine) {
	t.Helper()
	engine := state.NewEngine()
	return NewHub(engine, logger.Nop()), engine
}

func TestSubscriptionFiltering(t *testing.T) {
	hub, engine := newTestHub(t)

	s := &models.Session{ID: "s1", ProjectSlug: "alpha"}
	engine.AddSession(s)
	engine.IndexTasks("s1", []*models.Task{{ID: "t1"}})

	all := &fakeObserver{id: "all"}
	alpha := &fakeObserver{id: "alpha", subs: []string{"alpha"}}
	beta := &fakeObserver{id: "beta", subs: []string{"beta"}}
	hub.Register(all)
	hub.Register(alpha)
	hub.Register(beta)

	hub.Broadcast(protocol.New(protocol.TaskStatus, map[string]any{
		"taskId": "t1", "status": "running",
	}))

	if all.count() != 1 {
		t.Errorf("unscoped observer should receive: got %d", all.count())
	}
	if alpha.count() != 1 {
		t.Errorf("matching subscription should receive: got %d", alpha.count())
	}
	if beta.count() != 0 {
		t.Errorf("non-matching subscription should not receive: got %d", beta.count())
	}
}

func TestBroadcastGlobalIgnoresSubscriptions(t *testing.T) {
	hub, _ := newTestHub(t)

	beta := &fakeObserver{id: "beta", subs: []string{"beta"}}
	hub.Register(beta)

	hub.BroadcastGlobal(protocol.New(protocol.ShutdownWarning, map[string]any{
		"projectSlug": "alpha",
	}))

	if beta.count() != 1 {
		t.Errorf("global broadcast should reach every observer: got %d", beta.count())
	}
}

func TestTimelineRecording(t *testing.T) {
	hub, engine := newTestHub(t)

	s := &models.Session{ID: "s1", ProjectSlug: "alpha"}
	engine.AddSession(s)
	engine.IndexTasks("s1", []*models.Task{{ID: "t1"}})

	hub.Broadcast(protocol.New(protocol.TaskStatus, map[string]any{"taskId": "t1"}))
	hub.Broadcast(protocol.New(protocol.AgentStatus, map[string]any{"sessionId": "s1"}))
	// AGENT_OUTPUT is not a recorded type.
	hub.Broadcast(protocol.New(protocol.AgentOutput, map[string]any{"sessionId": "s1"}))

	events := s.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 recorded events, got %d", len(events))
	}
	if events[0].Type != string(protocol.TaskStatus) {
		t.Errorf("expected TASK_STATUS first, got %s", events[0].Type)
	}
}

func TestTimelineBounded(t *testing.T) {
	hub, engine := newTestHub(t)

	s := &models.Session{ID: "s1"}
	engine.AddSession(s)

	for i := 0; i < models.MaxTimelineEvents+50; i++ {
		hub.Broadcast(protocol.New(protocol.TaskStatus, map[string]any{"sessionId": "s1"}))
	}

	if n := len(s.Events()); n != models.MaxTimelineEvents {
		t.Errorf("timeline should cap at %d, got %d", models.MaxTimelineEvents, n)
	}
}

func TestUnregisterDuringBroadcast(t *testing.T) {
	hub, _ := newTestHub(t)

	a := &fakeObserver{id: "a"}
	hub.Register(a)
	hub.Register(&fakeObserver{id: "b"})
	hub.Unregister("b")

	hub.Broadcast(protocol.New(protocol.SessionWarning, nil))
	if a.count() != 1 {
		t.Errorf("remaining observer should receive: got %d", a.count())
	}
	if hub.ObserverCount() != 1 {
		t.Errorf("expected 1 observer, got %d", hub.ObserverCount())
	}
}
