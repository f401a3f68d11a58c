package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CLIBackend spawns an external coding-agent CLI described by a catalog
// entry.
type CLIBackend struct {
	entry CatalogEntry
}

// NewCLI creates a backend from a catalog entry.
func NewCLI(entry CatalogEntry) *CLIBackend {
	return &CLIBackend{entry: entry}
}

// Name returns the catalog name.
func (b *CLIBackend) Name() string { return b.entry.Name }

// Spawn renders the argument template and starts the subprocess in its
// own process group.
func (b *CLIBackend) Spawn(ctx context.Context, prompt, workDir string, opts Options) (*SpawnResult, error) {
	args := make([]string, 0, len(b.entry.Args))
	for _, a := range b.entry.Args {
		a = strings.ReplaceAll(a, "{{prompt}}", prompt)
		a = strings.ReplaceAll(a, "{{model}}", opts.Model)
		args = append(args, a)
	}

	cmd := exec.CommandContext(ctx, b.entry.Command, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), b.entry.Env...)
	for k, v := range opts.ModelConfig {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	proc, err := startCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawn %s backend: %w", b.entry.Name, err)
	}

	return &SpawnResult{
		Process:    proc,
		CLICommand: renderCommand(b.entry.Command, args),
	}, nil
}

// renderCommand builds the display command line with the prompt elided,
// since prompts run to kilobytes.
func renderCommand(command string, args []string) string {
	parts := []string{command}
	for _, a := range args {
		if len(a) > 80 {
			a = a[:77] + "..."
		}
		if strings.ContainsAny(a, " \t\n") {
			a = "'" + a + "'"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
