// Package git provides the git operations the snapshot layer needs.
package git

import "context"

// Client defines the git surface used for snapshots, diffs, and
// rollbacks. Consumers hold this interface so tests can fake git.
type Client interface {
	// IsWorkTree returns true if dir is inside a git working tree.
	IsWorkTree(ctx context.Context, dir string) bool
	// CreateTag creates a lightweight tag at HEAD.
	CreateTag(ctx context.Context, dir, name string) error
	// DeleteTag removes a tag. Missing tags are not an error.
	DeleteTag(ctx context.Context, dir, name string) error
	// ResetHard resets the working tree to the given ref.
	ResetHard(ctx context.Context, dir, ref string) error
	// Clean removes untracked files and directories.
	Clean(ctx context.Context, dir string) error
	// ChangedFiles returns file paths changed since the ref.
	ChangedFiles(ctx context.Context, dir, ref string) ([]string, error)
	// DiffStat returns the summary diff stat against the ref.
	DiffStat(ctx context.Context, dir, ref string) (string, error)
	// UntrackedFiles returns paths git does not track.
	UntrackedFiles(ctx context.Context, dir string) ([]string, error)
}
