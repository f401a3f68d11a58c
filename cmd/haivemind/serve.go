package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/autopilot"
	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/config"
	hexec "github.com/haivemind/haivemind/internal/exec"
	"github.com/haivemind/haivemind/internal/git"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/orchestrator"
	"github.com/haivemind/haivemind/internal/planner"
	"github.com/haivemind/haivemind/internal/plugin"
	"github.com/haivemind/haivemind/internal/project"
	"github.com/haivemind/haivemind/internal/recovery"
	"github.com/haivemind/haivemind/internal/server"
	"github.com/haivemind/haivemind/internal/snapshot"
	"github.com/haivemind/haivemind/internal/state"
	"github.com/haivemind/haivemind/internal/store"
	"github.com/haivemind/haivemind/pkg/models"
)

var serveDemo bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its HTTP/WebSocket control plane",
	Long: `Start the haivemind engine: recover orphaned checkpoints into the
interrupted inbox, open the session index, and serve the control-plane
API plus the observer WebSocket stream until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false,
		"use the built-in mock agent backend instead of a real CLI")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.SetDefault(log)
	defer log.Sync()

	projects := project.NewStore(cfg.BaseDir, log)

	registry, err := buildBackends(cfg, serveDemo)
	if err != nil {
		return err
	}

	engine := state.NewEngine()
	hub := broadcast.NewHub(engine, log)

	index, err := store.Open(store.Path(cfg.BaseDir))
	if err != nil {
		return err
	}
	defer index.Close()

	runner := hexec.NewRunner()
	snapshots := snapshot.NewManager(git.NewClient(runner), runner, log)

	plugins, err := plugin.NewRegistry(cfg.PluginsDir, hub, log)
	if err != nil {
		return err
	}
	defer plugins.Close()
	if cfg.PluginsAutoload {
		if err := plugins.Watch(); err != nil {
			log.Warn("plugin autoload unavailable", zap.Error(err))
		}
	}

	plan := planner.New(registry, cfg.OrchestratorTimeout, log)
	orch := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Engine:    engine,
		Projects:  projects,
		Backends:  registry,
		Snapshots: snapshots,
		Broadcast: hub,
		Log:       log,
		Decompose: plan.Decompose,
		Verify:    plan.Verify,
		OnFinalize: func(s *models.Session, r *models.Reflection) {
			if err := index.IndexSession(s); err != nil {
				log.Warn("session index update failed", zap.Error(err))
			}
			if r != nil {
				if err := index.IndexReflection(s.ProjectSlug, r); err != nil {
					log.Warn("reflection index update failed", zap.Error(err))
				}
			}
		},
	})

	// Crash-orphaned checkpoints become interrupted inbox entries before
	// anything new starts.
	dirs, err := projects.ProjectDirs()
	if err != nil {
		return fmt.Errorf("scan projects: %w", err)
	}
	migrated, err := recovery.Sweep(cfg.BaseDir, dirs, log)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	if len(migrated) > 0 {
		log.Info("orphaned sessions moved to interrupted inbox",
			zap.Int("count", len(migrated)))
	}

	pilot := autopilot.New(cfg.BaseDir, func(ctx context.Context, prompt, slug string) (*models.Session, error) {
		return orch.StartSession(ctx, prompt, slug, nil)
	}, hub, log)

	srv := server.New(server.Options{
		Config:    cfg,
		Engine:    engine,
		Orch:      orch,
		Projects:  projects,
		Backends:  registry,
		Plugins:   plugins,
		Pilot:     pilot,
		Snapshots: snapshots,
		Index:     index,
		Hub:       hub,
		Log:       log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go orch.StartPruner(ctx)

	return srv.Run(ctx)
}

// buildBackends loads the catalog and applies the demo override.
func buildBackends(cfg *config.Config, demo bool) (*backend.Registry, error) {
	catalog := backend.DefaultCatalog()
	if cfg.BackendCatalog != "" {
		loaded, err := backend.LoadCatalog(cfg.BackendCatalog)
		if err != nil {
			return nil, fmt.Errorf("load backend catalog: %w", err)
		}
		catalog = loaded
	}

	defaultName := cfg.DefaultBackend
	registry, err := backend.NewRegistry(catalog, defaultName)
	if err != nil {
		return nil, err
	}
	if demo {
		registry.Add(backend.NewMock("mock"))
		if err := registry.SetDefault("mock"); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
