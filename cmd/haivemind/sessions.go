package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/haivemind/haivemind/internal/config"
	"github.com/haivemind/haivemind/internal/store"
	"github.com/haivemind/haivemind/pkg/models"
)

var sessionsProject string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List indexed sessions",
	Long: `List sessions from the on-disk index, newest first. The index only
covers finalized sessions; a running engine's live sessions appear on
its /api/sessions endpoint.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsProject, "project", "",
		"limit to one project slug")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	path := store.Path(cfg.BaseDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No sessions indexed yet. Run 'haivemind serve' to start the engine.")
		return nil
	}

	db, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open session index: %w", err)
	}
	defer db.Close()

	rows, err := db.Sessions(sessionsProject)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROJECT\tSTATUS\tTASKS\tCOST\tSTARTED\tPROMPT")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.2f\t%s\t%s\n",
			r.ID, r.ProjectSlug, colorStatus(r.Status), r.TaskCount,
			r.Cost, formatAge(r.StartedAt), truncate(r.Prompt, 48))
	}
	return w.Flush()
}

// colorStatus colors terminal output by session outcome.
func colorStatus(status string) string {
	switch models.SessionStatus(status) {
	case models.SessionStatusCompleted:
		return color.GreenString(status)
	case models.SessionStatusFailed:
		return color.RedString(status)
	case models.SessionStatusInterrupted:
		return color.YellowString(status)
	case models.SessionStatusRunning, models.SessionStatusPlanning:
		return color.CyanString(status)
	default:
		return status
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
