// Package broadcast implements the observer fan-out plane. A single
// Broadcast entry point records timeline-worthy messages into the owning
// session and delivers every message to registered observers, honoring
// per-observer project subscriptions.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/state"
	"github.com/haivemind/haivemind/pkg/models"
)

// Broadcaster is the capability handed to components that emit messages.
// Passing the interface instead of the hub keeps ownership a strict tree:
// sessions, runners, and agents never hold a parent pointer.
type Broadcaster interface {
	// Broadcast records and fans out a message, honoring subscriptions.
	Broadcast(msg protocol.Message)
	// BroadcastGlobal fans out to every observer regardless of
	// subscriptions. Used for shutdown warnings.
	BroadcastGlobal(msg protocol.Message)
}

// Observer receives delivered messages. Deliver must not block the
// broadcast path; slow observers drop or coalesce on their own side.
type Observer interface {
	// ObserverID identifies the observer for registration bookkeeping.
	ObserverID() string
	// Subscriptions returns the project slugs this observer is scoped
	// to. Empty means all projects.
	Subscriptions() []string
	// Deliver hands a message to the observer.
	Deliver(msg protocol.Message)
}

// Hub is the single-writer fan-out point.
type Hub struct {
	engine *state.Engine
	log    *logger.Logger

	mu        sync.RWMutex
	observers map[string]Observer
}

// NewHub creates a Hub backed by the engine's session registries.
func NewHub(engine *state.Engine, log *logger.Logger) *Hub {
	return &Hub{
		engine:    engine,
		log:       log.Named("broadcast"),
		observers: make(map[string]Observer),
	}
}

// Register adds an observer to the fan-out set.
func (h *Hub) Register(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers[o.ObserverID()] = o
}

// Unregister removes an observer. Safe to call during a broadcast.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, id)
}

// ObserverCount returns the number of registered observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Broadcast records the message into the owning session's timeline when
// applicable, then delivers it to every observer whose subscriptions
// include the message's project.
func (h *Hub) Broadcast(msg protocol.Message) {
	h.record(msg)

	slug := h.resolveSlug(msg)
	for _, o := range h.snapshot() {
		if !scopedTo(o, slug) {
			continue
		}
		o.Deliver(msg)
	}
}

// BroadcastGlobal delivers to every observer, ignoring subscriptions.
func (h *Hub) BroadcastGlobal(msg protocol.Message) {
	h.record(msg)
	for _, o := range h.snapshot() {
		o.Deliver(msg)
	}
}

// snapshot copies the observer set so registration changes during
// delivery cannot corrupt iteration.
func (h *Hub) snapshot() []Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Observer, 0, len(h.observers))
	for _, o := range h.observers {
		out = append(out, o)
	}
	return out
}

// scopedTo reports whether the observer should receive a message
// resolved to the given project slug.
func scopedTo(o Observer, slug string) bool {
	subs := o.Subscriptions()
	if len(subs) == 0 {
		return true
	}
	if slug == "" {
		// Unresolvable messages go everywhere rather than nowhere.
		return true
	}
	for _, s := range subs {
		if s == slug {
			return true
		}
	}
	return false
}

// record writes task, agent, and verify messages into the owning
// session's ring-buffered timeline.
func (h *Hub) record(msg protocol.Message) {
	if !msg.Type.Recorded() {
		return
	}
	s := h.resolveSession(msg)
	if s == nil {
		h.log.Debug("unroutable recorded message", zap.String("type", string(msg.Type)))
		return
	}
	s.AppendEvent(models.TimelineEvent{
		TS:      nowFn(),
		Type:    string(msg.Type),
		Payload: msg.Payload,
	})
}

// resolveSession finds the owning session from the sessionId payload
// field or via the task-to-session map.
func (h *Hub) resolveSession(msg protocol.Message) *models.Session {
	if sid := msg.Str("sessionId"); sid != "" {
		if s := h.engine.Session(sid); s != nil {
			return s
		}
	}
	if tid := msg.Str("taskId"); tid != "" {
		return h.engine.SessionForTask(tid)
	}
	return nil
}

// resolveSlug finds the project slug for subscription filtering: from the
// payload directly, or through the owning session.
func (h *Hub) resolveSlug(msg protocol.Message) string {
	if slug := msg.Str("projectSlug"); slug != "" {
		return slug
	}
	if s := h.resolveSession(msg); s != nil {
		return s.ProjectSlug
	}
	return ""
}
