package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/autopilot"
	"github.com/haivemind/haivemind/internal/checkpoint"
	"github.com/haivemind/haivemind/internal/project"
	"github.com/haivemind/haivemind/internal/recovery"
	"github.com/haivemind/haivemind/internal/store"
	"github.com/haivemind/haivemind/pkg/models"
)

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/ws", s.serveWS)

	api := s.router.Group("/api")

	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.POST("/sessions/:id/rollback", s.rollbackSession)
	api.GET("/sessions/:id/diff", s.diffSession)

	api.GET("/checkpoints", s.listCheckpoints)
	api.GET("/interrupted", s.listInterrupted)
	api.POST("/interrupted/:id/resume", s.resumeInterrupted)
	api.DELETE("/interrupted/:id", s.discardInterrupted)

	api.GET("/projects", s.listProjects)
	api.POST("/projects", s.registerProject)
	api.DELETE("/projects/:slug", s.removeProject)
	api.GET("/projects/:slug/skills", s.getSkills)
	api.PUT("/projects/:slug/skills", s.putSkills)
	api.GET("/projects/:slug/settings", s.getSettings)
	api.PUT("/projects/:slug/settings", s.putSettings)
	api.GET("/projects/:slug/reflections", s.listReflections)

	api.GET("/plugins", s.listPlugins)
	api.POST("/plugins/reload", s.reloadPlugins)
	api.POST("/plugins/:name/enable", s.enablePlugin)
	api.POST("/plugins/:name/disable", s.disablePlugin)

	api.GET("/backends", s.listBackends)
	api.PUT("/backends/default", s.setDefaultBackend)

	api.POST("/autopilot/start", s.startAutopilot)
	api.GET("/autopilot/status", s.autopilotStatus)
	api.POST("/autopilot/stop", s.stopAutopilot)
	api.GET("/autopilot/log", s.autopilotLog)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"sessions":  len(s.engine.Sessions()),
		"observers": s.hub.ObserverCount(),
	})
}

// listSessions merges the live registry with the persisted index. Live
// sessions win on conflict.
func (s *Server) listSessions(c *gin.Context) {
	slug := c.Query("project")

	rows, err := s.index.Sessions(slug)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	byID := make(map[string]store.SessionRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	for _, live := range s.engine.Sessions() {
		if slug != "" && live.ProjectSlug != slug {
			continue
		}
		row := store.SessionRow{
			ID:          live.ID,
			ProjectSlug: live.ProjectSlug,
			Status:      string(live.Status),
			Prompt:      live.Prompt,
			TaskCount:   len(live.Plan),
			StartedAt:   live.StartedAt,
			CompletedAt: live.CompletedAt,
		}
		if live.CostSummary != nil {
			row.Cost = live.CostSummary.Total
		}
		byID[live.ID] = row
	}

	out := make([]store.SessionRow, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// findSession resolves a session by ID: live registry first, then the
// persisted JSON via the index.
func (s *Server) findSession(id string) (*models.Session, error) {
	if live := s.engine.Session(id); live != nil {
		return live, nil
	}
	row, err := s.index.Session(id)
	if err != nil || row == nil {
		return nil, err
	}
	return s.projects.LoadSession(row.ProjectSlug, id)
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.findSession(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) rollbackSession(c *gin.Context) {
	session, err := s.findSession(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if session.Status == models.SessionStatusRunning || session.Status == models.SessionStatusPlanning {
		c.JSON(http.StatusConflict, gin.H{"error": "session is still running"})
		return
	}
	if err := s.snapshots.Rollback(c.Request.Context(), session.WorkDir, session.Snapshot); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolledBack": true, "snapshot": session.Snapshot})
}

func (s *Server) diffSession(c *gin.Context) {
	session, err := s.findSession(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	diff, err := s.snapshots.GetDiff(c.Request.Context(), session.WorkDir, session.Snapshot)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (s *Server) listCheckpoints(c *gin.Context) {
	dirs, err := s.projects.ProjectDirs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cps, err := checkpoint.ReadAll(dirs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps})
}

func (s *Server) listInterrupted(c *gin.Context) {
	cps, err := recovery.List(s.projects.BaseDir())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": cps})
}

// resumeInterrupted starts the resumed session in the background; its
// progress is observable on the broadcast stream.
func (s *Server) resumeInterrupted(c *gin.Context) {
	id := c.Param("id")
	cp, err := recovery.Get(s.projects.BaseDir(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "interrupted session not found"})
		return
	}
	// The request context dies with this handler; the resumed session
	// runs on its own.
	go func() {
		if _, err := s.orch.ResumeSession(context.Background(), id); err != nil {
			s.log.Warn("resume failed", zap.String("session_id", id), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"resuming": id})
}

func (s *Server) discardInterrupted(c *gin.Context) {
	if err := recovery.Discard(s.projects.BaseDir(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.projects.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) registerProject(c *gin.Context) {
	var req struct {
		Slug string `json:"slug" binding:"required"`
		Dir  string `json:"dir"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.projects.Register(req.Slug, req.Dir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) removeProject(c *gin.Context) {
	if err := s.projects.Remove(c.Param("slug")); err != nil {
		if errors.Is(err, project.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// withProject loads a project or writes the error response.
func (s *Server) withProject(c *gin.Context) *models.Project {
	p, err := s.projects.Get(c.Param("slug"))
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil
	}
	return p
}

func (s *Server) getSkills(c *gin.Context) {
	if p := s.withProject(c); p != nil {
		c.JSON(http.StatusOK, p.Skills)
	}
}

func (s *Server) putSkills(c *gin.Context) {
	p := s.withProject(c)
	if p == nil {
		return
	}
	var skills models.Skills
	if err := c.ShouldBindJSON(&skills); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.projects.SaveSkills(p.Slug, skills); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, skills)
}

func (s *Server) getSettings(c *gin.Context) {
	if p := s.withProject(c); p != nil {
		c.JSON(http.StatusOK, p.Settings)
	}
}

func (s *Server) putSettings(c *gin.Context) {
	p := s.withProject(c)
	if p == nil {
		return
	}
	var settings models.ProjectSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.projects.SaveSettings(p.Slug, settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) listReflections(c *gin.Context) {
	p := s.withProject(c)
	if p == nil {
		return
	}
	reflections, err := s.projects.Reflections(p.Slug)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reflections": reflections})
}

func (s *Server) listPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": s.plugins.List()})
}

func (s *Server) reloadPlugins(c *gin.Context) {
	if err := s.plugins.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": s.plugins.List()})
}

func (s *Server) enablePlugin(c *gin.Context) {
	if err := s.plugins.Enable(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.plugins.Get(c.Param("name")))
}

func (s *Server) disablePlugin(c *gin.Context) {
	if err := s.plugins.Disable(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.plugins.Get(c.Param("name")))
}

func (s *Server) listBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backends": s.backends.Names(),
		"default":  s.backends.Default(),
	})
}

func (s *Server) setDefaultBackend(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.backends.SetDefault(req.Name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"default": s.backends.Default()})
}

func (s *Server) startAutopilot(c *gin.Context) {
	var req struct {
		Project   string `json:"project" binding:"required"`
		Goal      string `json:"goal" binding:"required"`
		MaxCycles int    `json:"maxCycles"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.pilot.Start(context.Background(), req.Project, req.Goal, req.MaxCycles); err != nil {
		if errors.Is(err, autopilot.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, s.pilot.Status())
}

func (s *Server) autopilotStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.pilot.Status())
}

func (s *Server) stopAutopilot(c *gin.Context) {
	s.pilot.Stop()
	c.JSON(http.StatusOK, s.pilot.Status())
}

func (s *Server) autopilotLog(c *gin.Context) {
	entries, err := autopilot.ReadLog(s.projects.BaseDir())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": entries})
}
