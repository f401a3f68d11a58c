// Package project manages the on-disk project layout: the projects.json
// registry at the base directory and each project's .haivemind tree
// (project.json, settings.json, skills.json, sessions, reflections).
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/pkg/models"
)

// ErrNotFound indicates the slug is not in the registry.
var ErrNotFound = errors.New("project not found")

// registryEntry is one row of projects.json.
type registryEntry struct {
	Slug string `json:"slug"`
	Dir  string `json:"dir,omitempty"`
}

// Store owns the project registry and per-project files. All writes go
// through the store mutex; the JSON files are the source of truth.
type Store struct {
	baseDir string
	log     *logger.Logger

	mu sync.Mutex
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string, log *logger.Logger) *Store {
	return &Store{baseDir: baseDir, log: log.Named("project")}
}

// BaseDir returns the store root.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) registryPath() string {
	return filepath.Join(s.baseDir, "projects.json")
}

// Dir returns a project's workspace directory: the registered dir, or
// <baseDir>/<slug> when the registry carries none.
func (s *Store) Dir(slug string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirLocked(slug)
}

// dirLocked resolves the workspace directory. Caller holds s.mu.
func (s *Store) dirLocked(slug string) string {
	entries, _ := s.readRegistry()
	for _, e := range entries {
		if e.Slug == slug && e.Dir != "" {
			return e.Dir
		}
	}
	return filepath.Join(s.baseDir, slug)
}

// metaDir is the project's .haivemind directory.
func (s *Store) metaDir(slug string) string {
	return filepath.Join(s.Dir(slug), ".haivemind")
}

// metaDirLocked is metaDir for callers already holding s.mu.
func (s *Store) metaDirLocked(slug string) string {
	return filepath.Join(s.dirLocked(slug), ".haivemind")
}

// readRegistry loads projects.json. Missing file means empty registry.
func (s *Store) readRegistry() ([]registryEntry, error) {
	data, err := os.ReadFile(s.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read project registry: %w", err)
	}
	var entries []registryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse project registry: %w", err)
	}
	return entries, nil
}

func (s *Store) writeRegistry(entries []registryEntry) error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project registry: %w", err)
	}
	tmp := s.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write project registry: %w", err)
	}
	if err := os.Rename(tmp, s.registryPath()); err != nil {
		return fmt.Errorf("commit project registry: %w", err)
	}
	return nil
}

// List returns every registered project with its settings and skills
// loaded.
func (s *Store) List() ([]*models.Project, error) {
	s.mu.Lock()
	entries, err := s.readRegistry()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []*models.Project
	for _, e := range entries {
		p, err := s.Get(e.Slug)
		if err != nil {
			s.log.Warn("skipping unreadable project",
				zap.String("slug", e.Slug), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Get loads one project by slug.
func (s *Store) Get(slug string) (*models.Project, error) {
	s.mu.Lock()
	entries, err := s.readRegistry()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	found := false
	for _, e := range entries {
		if e.Slug == slug {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}

	p := &models.Project{Slug: slug, Dir: s.Dir(slug)}

	// project.json carries workspace analysis and other metadata; it is
	// optional for freshly registered projects.
	if err := readJSON(filepath.Join(s.metaDir(slug), "project.json"), p); err != nil {
		return nil, err
	}
	p.Slug = slug
	p.Dir = s.Dir(slug)

	if err := readJSON(filepath.Join(s.metaDir(slug), "settings.json"), &p.Settings); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(s.metaDir(slug), "skills.json"), &p.Skills); err != nil {
		return nil, err
	}
	return p, nil
}

// Register adds a project to the registry and seeds its metadata tree.
// Registering an existing slug updates its dir.
func (s *Store) Register(slug, dir string) (*models.Project, error) {
	s.mu.Lock()
	entries, err := s.readRegistry()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	updated := false
	for i := range entries {
		if entries[i].Slug == slug {
			entries[i].Dir = dir
			updated = true
			break
		}
	}
	if !updated {
		entries = append(entries, registryEntry{Slug: slug, Dir: dir})
	}
	if err := s.writeRegistry(entries); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if err := os.MkdirAll(s.metaDir(slug), 0o755); err != nil {
		return nil, fmt.Errorf("create project meta dir: %w", err)
	}
	return s.Get(slug)
}

// Remove drops a project from the registry. Its files are kept.
func (s *Store) Remove(slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readRegistry()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Slug != slug {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	return s.writeRegistry(kept)
}

// ProjectDirs returns the workspace directory of every registered
// project, for checkpoint scans.
func (s *Store) ProjectDirs() ([]string, error) {
	s.mu.Lock()
	entries, err := s.readRegistry()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		dirs = append(dirs, s.Dir(e.Slug))
	}
	return dirs, nil
}

// SaveSettings persists a project's settings.json.
func (s *Store) SaveSettings(slug string, settings models.ProjectSettings) error {
	return s.writeMeta(slug, "settings.json", settings)
}

// SaveSkills persists a project's skills.json.
func (s *Store) SaveSkills(slug string, skills models.Skills) error {
	return s.writeMeta(slug, "skills.json", skills)
}

// MergeSkills set-unions newly discovered skills into the persisted set
// and returns the merged result.
func (s *Store) MergeSkills(slug string, discovered models.Skills) (models.Skills, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current models.Skills
	if err := readJSON(filepath.Join(s.metaDirLocked(slug), "skills.json"), &current); err != nil {
		return current, err
	}
	current.Merge(discovered)
	return current, s.writeMetaLocked(slug, "skills.json", current)
}

// SaveAnalysis records the latest workspace analysis on project.json.
func (s *Store) SaveAnalysis(slug, analysis string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &models.Project{}
	if err := readJSON(filepath.Join(s.metaDirLocked(slug), "project.json"), p); err != nil {
		return err
	}
	p.Slug = slug
	p.WorkspaceAnalysis = analysis
	return s.writeMetaLocked(slug, "project.json", p)
}

// SaveSession persists a finalized session under the project's tree.
func (s *Store) SaveSession(slug string, session *models.Session) error {
	dir := filepath.Join(s.metaDir(slug), "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, session.ID+".json"), session)
}

// LoadSession reads one persisted session, or nil when absent.
func (s *Store) LoadSession(slug, sessionID string) (*models.Session, error) {
	var session models.Session
	path := filepath.Join(s.metaDir(slug), "sessions", sessionID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &session, nil
}

// SaveReflection persists a session reflection.
func (s *Store) SaveReflection(slug string, r *models.Reflection) error {
	dir := filepath.Join(s.metaDir(slug), "reflections")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create reflections dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, r.SessionID+".json"), r)
}

// Reflections loads every reflection recorded for a project.
func (s *Store) Reflections(slug string) ([]*models.Reflection, error) {
	dir := filepath.Join(s.metaDir(slug), "reflections")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read reflections: %w", err)
	}

	var out []*models.Reflection
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var r models.Reflection
		if err := readJSON(filepath.Join(dir, entry.Name()), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) writeMeta(slug, name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeMetaLocked(slug, name, v)
}

func (s *Store) writeMetaLocked(slug, name string, v any) error {
	dir := s.metaDirLocked(slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project meta dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, name), v)
}

// readJSON loads a JSON file into v; a missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}
