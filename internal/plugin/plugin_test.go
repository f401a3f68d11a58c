package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/protocol"
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

func writeTestManifest(t *testing.T, dir, name string, enabled bool) {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	m := Manifest{Name: name, Version: "1.0.0", Enabled: enabled, Events: []string{"SESSION_COMPLETE"}}
	data, _ := json.Marshal(m)
	if err := os.WriteFile(filepath.Join(pluginDir, ManifestName), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndList(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "notify", true)
	writeTestManifest(t, dir, "audit", false)

	// Directories without a manifest are ignored.
	if err := os.MkdirAll(filepath.Join(dir, "junk"), 0o755); err != nil {
		t.Fatal(err)
	}

	reg, err := NewRegistry(dir, broadcast.Discard(), logger.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	got := reg.List()
	if len(got) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(got))
	}
	if got[0].Name != "audit" || got[1].Name != "notify" {
		t.Errorf("list not sorted by name: %s, %s", got[0].Name, got[1].Name)
	}
	if !got[1].Enabled || got[0].Enabled {
		t.Error("enabled flags wrong")
	}
}

func TestEmptyDirIsFine(t *testing.T) {
	reg, err := NewRegistry("", broadcast.Discard(), logger.Nop())
	if err != nil {
		t.Fatalf("empty dir: %v", err)
	}
	defer reg.Close()
	if len(reg.List()) != 0 {
		t.Error("expected no plugins")
	}

	reg2, err := NewRegistry(filepath.Join(t.TempDir(), "missing"), broadcast.Discard(), logger.Nop())
	if err != nil {
		t.Fatalf("missing dir: %v", err)
	}
	defer reg2.Close()
	if len(reg2.List()) != 0 {
		t.Error("expected no plugins for missing dir")
	}
}

func TestEnableDisablePersists(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "notify", false)

	cap := &capture{}
	reg, err := NewRegistry(dir, cap.fn(), logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	if err := reg.Enable("notify"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !reg.Get("notify").Enabled {
		t.Error("plugin not enabled in memory")
	}

	// The manifest on disk carries the new state across a fresh load.
	reg2, err := NewRegistry(dir, broadcast.Discard(), logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reg2.Close()
	if !reg2.Get("notify").Enabled {
		t.Error("enable not persisted to manifest")
	}

	if err := reg.Disable("notify"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if reg.Get("notify").Enabled {
		t.Error("plugin still enabled")
	}

	events := cap.ofType(protocol.PluginEvent)
	if len(events) != 2 {
		t.Fatalf("expected 2 plugin events, got %d", len(events))
	}
	if events[0].Str("action") != "enabled" || events[1].Str("action") != "disabled" {
		t.Errorf("wrong actions: %s, %s", events[0].Str("action"), events[1].Str("action"))
	}

	if err := reg.Enable("nope"); err == nil {
		t.Error("expected error enabling unknown plugin")
	}
}

func TestEnableIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "notify", true)

	cap := &capture{}
	reg, err := NewRegistry(dir, cap.fn(), logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	if err := reg.Enable("notify"); err != nil {
		t.Fatal(err)
	}
	if len(cap.ofType(protocol.PluginEvent)) != 0 {
		t.Error("no-op enable should not broadcast")
	}
}

func TestWatchReloadsOnNewManifest(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "first", true)

	cap := &capture{}
	reg, err := NewRegistry(dir, cap.fn(), logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	if err := reg.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeTestManifest(t, dir, "second", true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Get("second") != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Get("second") == nil {
		t.Fatal("watcher did not pick up new plugin")
	}
	if len(cap.ofType(protocol.PluginEvent)) == 0 {
		t.Error("expected a reload broadcast")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "notify", true)

	reg, err := NewRegistry(dir, broadcast.Discard(), logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	m := reg.Get("notify")
	m.Enabled = false
	if !reg.Get("notify").Enabled {
		t.Error("mutating the returned manifest leaked into the registry")
	}
}
