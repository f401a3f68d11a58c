package backend

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes one CLI backend in backends.yaml.
type CatalogEntry struct {
	// Name is the backend identifier.
	Name string `yaml:"name"`
	// Command is the executable to run.
	Command string `yaml:"command"`
	// Args is the argument template. {{prompt}} and {{model}} are
	// substituted at spawn time.
	Args []string `yaml:"args"`
	// Stream indicates the backend emits incremental output.
	Stream bool `yaml:"stream"`
	// Env lists extra KEY=VALUE pairs for the subprocess.
	Env []string `yaml:"env,omitempty"`
}

// Catalog is the parsed backends.yaml.
type Catalog struct {
	Backends []CatalogEntry `yaml:"backends"`
}

// DefaultCatalog returns the built-in backend set used when no
// backends.yaml is configured.
func DefaultCatalog() Catalog {
	return Catalog{Backends: []CatalogEntry{
		{
			Name:    "claude",
			Command: "claude",
			Args:    []string{"-p", "{{prompt}}", "--model", "{{model}}", "--dangerously-skip-permissions"},
			Stream:  true,
		},
		{
			Name:    "codex",
			Command: "codex",
			Args:    []string{"exec", "--model", "{{model}}", "{{prompt}}"},
			Stream:  true,
		},
		{
			Name:    "opencode",
			Command: "opencode",
			Args:    []string{"run", "--model", "{{model}}", "{{prompt}}"},
			Stream:  true,
		},
	}}
}

// LoadCatalog parses a backends.yaml file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read backend catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse backend catalog: %w", err)
	}
	for i, e := range c.Backends {
		if e.Name == "" || e.Command == "" {
			return Catalog{}, fmt.Errorf("backend catalog entry %d: name and command are required", i)
		}
	}
	return c, nil
}
