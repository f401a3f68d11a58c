package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/config"
	hexec "github.com/haivemind/haivemind/internal/exec"
	"github.com/haivemind/haivemind/internal/git"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/orchestrator"
	"github.com/haivemind/haivemind/internal/planner"
	"github.com/haivemind/haivemind/internal/project"
	"github.com/haivemind/haivemind/internal/recovery"
	"github.com/haivemind/haivemind/internal/snapshot"
	"github.com/haivemind/haivemind/internal/state"
	"github.com/haivemind/haivemind/pkg/models"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Inspect and act on interrupted sessions",
	Long: `Work with the interrupted-sessions inbox. Sessions land there when
the engine shuts down mid-run or a crash leaves an orphaned checkpoint
behind. Each entry can be resumed or discarded.`,
}

var recoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List interrupted sessions",
	RunE:  runRecoverList,
}

var recoverResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume an interrupted session in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecoverResume,
}

var recoverDiscardCmd = &cobra.Command{
	Use:   "discard <session-id>",
	Short: "Drop an interrupted session from the inbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecoverDiscard,
}

func init() {
	recoverCmd.AddCommand(recoverListCmd, recoverResumeCmd, recoverDiscardCmd)
	rootCmd.AddCommand(recoverCmd)
}

func runRecoverList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	entries, err := recovery.List(cfg.BaseDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No interrupted sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROJECT\tTASKS\tSAVED\tPROMPT")
	for _, cp := range entries {
		done := 0
		for _, t := range cp.Tasks {
			if t.Status == string(models.TaskStatusSuccess) {
				done++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			cp.SessionID, cp.ProjectSlug, done, len(cp.Tasks),
			formatAge(cp.SavedAt), truncate(cp.Prompt, 48))
	}
	return w.Flush()
}

func runRecoverResume(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.SetDefault(log)
	defer log.Sync()

	cp, err := recovery.Get(cfg.BaseDir, args[0])
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("interrupted session %s not found", args[0])
	}

	orch, err := standaloneOrchestrator(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Resuming session %s (project %s)...\n", cp.SessionID, cp.ProjectSlug)
	started := time.Now()
	s, err := orch.ResumeSession(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Session %s finished %s in %s.\n",
		s.ID, s.Status, time.Since(started).Round(time.Second))
	return nil
}

func runRecoverDiscard(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cp, err := recovery.Get(cfg.BaseDir, args[0])
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("interrupted session %s not found", args[0])
	}
	if err := recovery.Discard(cfg.BaseDir, args[0]); err != nil {
		return err
	}
	fmt.Printf("Discarded interrupted session %s.\n", args[0])
	return nil
}

// standaloneOrchestrator wires an orchestrator without the HTTP plane,
// for one-shot CLI runs. Broadcasts go nowhere.
func standaloneOrchestrator(cfg *config.Config, log *logger.Logger) (*orchestrator.Orchestrator, error) {
	registry, err := buildBackends(cfg, false)
	if err != nil {
		return nil, err
	}
	runner := hexec.NewRunner()
	plan := planner.New(registry, cfg.OrchestratorTimeout, log)
	return orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Engine:    state.NewEngine(),
		Projects:  project.NewStore(cfg.BaseDir, log),
		Backends:  registry,
		Snapshots: snapshot.NewManager(git.NewClient(runner), runner, log),
		Broadcast: broadcast.Discard(),
		Log:       log,
		Decompose: plan.Decompose,
		Verify:    plan.Verify,
	}), nil
}
