// Package backend provides pluggable strategies for spawning agent
// subprocesses. The engine never calls a model API; a backend turns a
// prompt and a working directory into a streaming process plus the
// rendered command line.
package backend

import (
	"context"
	"io"
)

// Options carries the model selection for one spawn.
type Options struct {
	// Model is the concrete model name resolved by the agent manager.
	Model string
	// ModelConfig holds backend-specific knobs.
	ModelConfig map[string]string
}

// Process is the handle for a spawned agent subprocess.
type Process interface {
	// Stdout returns the process standard output stream.
	Stdout() io.Reader
	// Stderr returns the process standard error stream.
	Stderr() io.Reader
	// Wait blocks until exit and returns the exit code. A non-nil error
	// means the process could not be observed, not that it exited
	// non-zero.
	Wait() (int, error)
	// Terminate asks the process to stop (SIGTERM, process group when
	// POSIX).
	Terminate() error
	// Kill forcibly stops the process (SIGKILL).
	Kill() error
	// PID returns the OS process id, or 0 for synthetic processes.
	PID() int
}

// SpawnResult pairs the process with its rendered command line.
type SpawnResult struct {
	Process    Process
	CLICommand string
}

// Backend spawns agent processes for prompts.
type Backend interface {
	// Name identifies the backend in the catalog.
	Name() string
	// Spawn starts an agent working on the prompt inside workDir.
	Spawn(ctx context.Context, prompt, workDir string, opts Options) (*SpawnResult, error)
}
