package git

import (
	"context"
	"fmt"
	"strings"

	hexec "github.com/haivemind/haivemind/internal/exec"
)

// ExecClient implements Client over a CommandRunner.
type ExecClient struct {
	runner hexec.CommandRunner
}

// NewClient creates a git client using the given command runner.
func NewClient(runner hexec.CommandRunner) *ExecClient {
	return &ExecClient{runner: runner}
}

func (c *ExecClient) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := c.runner.Run(ctx, dir, "git", args...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// IsWorkTree returns true if dir is inside a git working tree.
func (c *ExecClient) IsWorkTree(ctx context.Context, dir string) bool {
	out, err := c.git(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CreateTag creates a lightweight tag at HEAD.
func (c *ExecClient) CreateTag(ctx context.Context, dir, name string) error {
	_, err := c.git(ctx, dir, "tag", name)
	return err
}

// DeleteTag removes a tag. Missing tags are not an error.
func (c *ExecClient) DeleteTag(ctx context.Context, dir, name string) error {
	if _, err := c.git(ctx, dir, "tag", "-d", name); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return err
	}
	return nil
}

// ResetHard resets the working tree to the given ref.
func (c *ExecClient) ResetHard(ctx context.Context, dir, ref string) error {
	_, err := c.git(ctx, dir, "reset", "--hard", ref)
	return err
}

// Clean removes untracked files and directories.
func (c *ExecClient) Clean(ctx context.Context, dir string) error {
	_, err := c.git(ctx, dir, "clean", "-fd")
	return err
}

// ChangedFiles returns file paths changed since the ref.
func (c *ExecClient) ChangedFiles(ctx context.Context, dir, ref string) ([]string, error) {
	out, err := c.git(ctx, dir, "diff", "--name-only", ref)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// DiffStat returns the summary diff stat against the ref.
func (c *ExecClient) DiffStat(ctx context.Context, dir, ref string) (string, error) {
	return c.git(ctx, dir, "diff", "--stat", ref)
}

// UntrackedFiles returns paths git does not track.
func (c *ExecClient) UntrackedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := c.git(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Verify ExecClient implements Client at compile time.
var _ Client = (*ExecClient)(nil)
