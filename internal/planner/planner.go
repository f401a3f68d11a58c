// Package planner implements the injected decompose and verify
// collaborators on top of an agent backend. The engine core never calls
// a model API; these functions spawn the configured backend CLI with a
// planning prompt and parse the JSON it prints.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/orchestrator"
	"github.com/haivemind/haivemind/pkg/models"
)

// plannerModel is the model name rendered into the backend command for
// planning and verification calls.
const plannerModel = "claude-sonnet"

// Planner turns prompts into task DAGs and verification verdicts.
type Planner struct {
	backends *backend.Registry
	timeout  time.Duration
	log      *logger.Logger
}

// New creates a Planner using the registry's default backend.
func New(backends *backend.Registry, timeout time.Duration, log *logger.Logger) *Planner {
	return &Planner{backends: backends, timeout: timeout, log: log.Named("planner")}
}

// plannedTask is the JSON shape the decomposition prompt requests.
type plannedTask struct {
	ID            string   `json:"id"`
	Label         string   `json:"label"`
	Description   string   `json:"description"`
	Dependencies  []string `json:"dependencies"`
	AffectedFiles []string `json:"affectedFiles"`
	Gate          bool     `json:"gate"`
}

// Decompose asks the backend to break a prompt into a task DAG.
func (p *Planner) Decompose(ctx context.Context, prompt, workDir string, opts orchestrator.DecomposeOptions) ([]*models.Task, error) {
	output, err := p.runBackend(ctx, decomposePrompt(prompt, opts), workDir)
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}

	raw, err := ExtractJSONArray(output)
	if err != nil {
		return nil, fmt.Errorf("decompose response: %w", err)
	}
	var planned []plannedTask
	if err := json.Unmarshal([]byte(raw), &planned); err != nil {
		return nil, fmt.Errorf("decompose response: %w", err)
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("decompose response: empty plan")
	}

	tasks := make([]*models.Task, 0, len(planned))
	for i, pt := range planned {
		id := pt.ID
		if id == "" {
			id = slugify(pt.Label)
		}
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		tasks = append(tasks, &models.Task{
			ID:            id,
			Label:         pt.Label,
			Description:   pt.Description,
			Dependencies:  pt.Dependencies,
			AffectedFiles: pt.AffectedFiles,
			Gate:          pt.Gate,
		})
	}

	if err := validatePlan(tasks); err != nil {
		return nil, fmt.Errorf("decompose plan: %w", err)
	}
	p.log.Debug("plan decomposed", zap.Int("tasks", len(tasks)))
	return tasks, nil
}

// Verify asks the backend to judge the executed plan. A response that
// cannot be parsed is a failed verification with a diagnostic issue,
// never a silent pass.
func (p *Planner) Verify(ctx context.Context, plan []*models.Task, workDir string, skills models.Skills) (*orchestrator.VerifyResult, error) {
	output, err := p.runBackend(ctx, verifyPrompt(plan, skills), workDir)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	raw, err := ExtractJSONObject(output)
	if err != nil {
		return &orchestrator.VerifyResult{
			Passed: false,
			Issues: []string{"verifier returned no parseable verdict: " + err.Error()},
		}, nil
	}
	var result orchestrator.VerifyResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return &orchestrator.VerifyResult{
			Passed: false,
			Issues: []string{"verifier verdict malformed: " + err.Error()},
		}, nil
	}
	return &result, nil
}

// runBackend spawns one backend process and collects its stdout.
func (p *Planner) runBackend(ctx context.Context, prompt, workDir string) (string, error) {
	b, err := p.backends.Get("")
	if err != nil {
		return "", err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	res, err := b.Spawn(ctx, prompt, workDir, backend.Options{Model: plannerModel})
	if err != nil {
		return "", err
	}

	// Both streams drain concurrently; a full stderr pipe would otherwise
	// wedge the process before stdout closes.
	var stdout, stderr []byte
	var g errgroup.Group
	g.Go(func() error {
		var readErr error
		stdout, readErr = io.ReadAll(res.Process.Stdout())
		return readErr
	})
	g.Go(func() error {
		stderr, _ = io.ReadAll(res.Process.Stderr())
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("read %s output: %w", b.Name(), err)
	}
	code, waitErr := res.Process.Wait()
	if waitErr != nil {
		return "", fmt.Errorf("observe %s: %w", b.Name(), waitErr)
	}
	if code != 0 {
		return "", fmt.Errorf("%s exited %d: %s", b.Name(), code, tail(string(stderr), 400))
	}
	return string(stdout), nil
}

// validatePlan rejects unknown dependency references and cycles.
func validatePlan(tasks []*models.Task) error {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if known[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		known[t.ID] = true
	}

	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !known[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	settled := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		settled++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if settled != len(tasks) {
		return fmt.Errorf("dependency cycle detected")
	}
	return nil
}

// slugify turns a label into a usable task id.
func slugify(label string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
