// Package server exposes the control-plane HTTP API and the observer
// WebSocket transport on a single listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/autopilot"
	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/broadcast"
	"github.com/haivemind/haivemind/internal/config"
	"github.com/haivemind/haivemind/internal/logger"
	"github.com/haivemind/haivemind/internal/orchestrator"
	"github.com/haivemind/haivemind/internal/plugin"
	"github.com/haivemind/haivemind/internal/project"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/snapshot"
	"github.com/haivemind/haivemind/internal/state"
	"github.com/haivemind/haivemind/internal/store"
)

// Shutdown timing: observers get a warning, sessions get drainGrace to
// persist interrupted snapshots, then the listener is forced closed.
const (
	drainGrace    = 9 * time.Second
	shutdownForce = 10 * time.Second
)

// Server wires every engine subsystem behind the HTTP listener.
type Server struct {
	cfg       *config.Config
	engine    *state.Engine
	orch      *orchestrator.Orchestrator
	projects  *project.Store
	backends  *backend.Registry
	plugins   *plugin.Registry
	pilot     *autopilot.Pilot
	snapshots *snapshot.Manager
	index     *store.DB
	hub       *broadcast.Hub
	log       *logger.Logger

	router *gin.Engine
}

// Options wires a Server.
type Options struct {
	Config    *config.Config
	Engine    *state.Engine
	Orch      *orchestrator.Orchestrator
	Projects  *project.Store
	Backends  *backend.Registry
	Plugins   *plugin.Registry
	Pilot     *autopilot.Pilot
	Snapshots *snapshot.Manager
	Index     *store.DB
	Hub       *broadcast.Hub
	Log       *logger.Logger
}

// New builds the server and its route table.
func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	s := &Server{
		cfg:       opts.Config,
		engine:    opts.Engine,
		orch:      opts.Orch,
		projects:  opts.Projects,
		backends:  opts.Backends,
		plugins:   opts.Plugins,
		pilot:     opts.Pilot,
		snapshots: opts.Snapshots,
		index:     opts.Index,
		hub:       opts.Hub,
		log:       opts.Log.Named("server"),
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLog())
	s.routes()
	return s
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLog logs each request at debug level.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Run serves until ctx is cancelled, then drains gracefully: warn
// observers, interrupt sessions so they persist to the inbox, close the
// listener, force after shutdownForce.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("listening", zap.Int("port", s.cfg.Port))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down", zap.Duration("grace", drainGrace))
	s.hub.BroadcastGlobal(protocol.New(protocol.ShutdownWarning, map[string]any{
		"graceMs": drainGrace.Milliseconds(),
	}))

	drained := make(chan struct{})
	go func() {
		s.orch.InterruptAll()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainGrace):
		s.log.Warn("drain grace expired with sessions still interrupting")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownForce)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
