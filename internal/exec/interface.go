// Package exec provides an interface for shelling out to external tools.
package exec

import (
	"context"
)

// CommandRunner defines the interface for running external commands.
// Snapshot and diff operations go through this seam so tests can fake
// git and tar.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// Output executes a command and returns stdout only, for commands
	// whose output is parsed (git diff --name-only and friends).
	Output(ctx context.Context, workDir string, name string, args ...string) (stdout []byte, err error)

	// Exists checks if a path exists relative to workDir.
	Exists(ctx context.Context, workDir string, path string) bool
}
