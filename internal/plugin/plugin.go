// Package plugin manages the manifest registry under PLUGINS_DIR. Each
// plugin is a directory holding a plugin.json manifest; the engine only
// tracks and toggles manifests, it never executes plugin code.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/protocol"
)

// ManifestName is the file each plugin directory must contain.
const ManifestName = "plugin.json"

// Manifest describes one installed plugin.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Events      []string `json:"events,omitempty"`
	Enabled     bool     `json:"enabled"`

	// Dir is the plugin's directory, set on load.
	Dir string `json:"-"`
}

// Registry tracks installed plugins and their enabled state. The
// manifest file on disk is authoritative; Enable and Disable rewrite it.
type Registry struct {
	dir string
	bc  broadcast.Broadcaster
	log *logger.Logger

	mu      sync.RWMutex
	plugins map[string]*Manifest

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewRegistry loads the registry from dir. An empty or missing dir
// yields an empty registry; plugins can still appear later via Reload.
func NewRegistry(dir string, bc broadcast.Broadcaster, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		dir:     dir,
		bc:      bc,
		log:     log.Named("plugin"),
		plugins: make(map[string]*Manifest),
		done:    make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the registry's plugin directory.
func (r *Registry) Dir() string { return r.dir }

// Reload rescans the plugin directory and replaces the in-memory set.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plugins dir: %w", err)
	}

	loaded := make(map[string]*Manifest)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.dir, entry.Name())
		m, err := readManifest(filepath.Join(dir, ManifestName))
		if err != nil {
			if !os.IsNotExist(err) {
				r.log.Warn("skipping malformed plugin manifest",
					zap.String("dir", dir), zap.Error(err))
			}
			continue
		}
		m.Dir = dir
		loaded[m.Name] = m
	}

	r.mu.Lock()
	r.plugins = loaded
	r.mu.Unlock()

	r.log.Debug("plugin registry loaded", zap.Int("count", len(loaded)))
	return nil
}

// List returns the installed plugins sorted by name.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Manifest, 0, len(r.plugins))
	for _, m := range r.plugins {
		copied := *m
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one plugin's manifest, or nil.
func (r *Registry) Get(name string) *Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.plugins[name]
	if !ok {
		return nil
	}
	copied := *m
	return &copied
}

// Enable marks a plugin enabled and persists the manifest.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable marks a plugin disabled and persists the manifest.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.plugins[name]
	if !ok {
		return fmt.Errorf("plugin %s not installed", name)
	}
	if m.Enabled == enabled {
		return nil
	}
	m.Enabled = enabled
	if err := writeManifest(filepath.Join(m.Dir, ManifestName), m); err != nil {
		m.Enabled = !enabled
		return err
	}

	action := "disabled"
	if enabled {
		action = "enabled"
	}
	r.bc.Broadcast(protocol.New(protocol.PluginEvent, map[string]any{
		"plugin": name,
		"action": action,
	}))
	r.log.Info("plugin toggled",
		zap.String("plugin", name), zap.String("action", action))
	return nil
}

// Watch reloads the registry when manifests change on disk. It returns
// immediately when no plugin directory is configured. Close stops it.
func (r *Registry) Watch() error {
	if r.dir == "" {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create plugins dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create plugin watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch plugins dir: %w", err)
	}
	// Manifest writes land inside the plugin directories, so each one
	// gets its own watch. New directories are picked up on their create
	// event below.
	for _, m := range r.List() {
		_ = watcher.Add(m.Dir)
	}

	r.watcher = watcher
	go r.watchManifests()
	return nil
}

// watchManifests handles filesystem events until Close.
func (r *Registry) watchManifests() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			relevant := filepath.Base(event.Name) == ManifestName ||
				event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
			if !relevant {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = r.watcher.Add(event.Name)
				}
			}
			if err := r.Reload(); err != nil {
				r.log.Warn("plugin reload failed", zap.Error(err))
				continue
			}
			r.bc.Broadcast(protocol.New(protocol.PluginEvent, map[string]any{
				"action":  "reloaded",
				"plugins": pluginNames(r.List()),
			}))
		case <-r.watcher.Errors:
			// Keep watching; a missed event only delays the next reload.
		}
	}
}

// Close stops the watcher, if running.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func pluginNames(manifests []*Manifest) []string {
	names := make([]string, len(manifests))
	for i, m := range manifests {
		names[i] = m.Name
	}
	return names
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %s has no name", path)
	}
	return &m, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
